// Package proxy implements the Mesh GATT bearer: one SAR engine per
// connection, the Proxy Server (filters, relay, beacons, connectable
// advertising), the Proxy Client (discovery and connection management) and
// the PB-GATT provisioning bridge. Radio, GATT and the Mesh network layer
// are consumed through the interfaces declared here.
package proxy

import (
	"errors"
	"fmt"
	"time"
)

// ConnIndex identifies a slot in the role table. It is assigned when a
// connection is attached and stays valid until the connection is released.
type ConnIndex int

// NoConn marks the absence of a connection.
const NoConn ConnIndex = -1

// Service is the GATT service a link runs over.
type Service uint8

const (
	ServiceProxy Service = iota
	ServiceProvisioning
)

func (s Service) String() string {
	switch s {
	case ServiceProxy:
		return "proxy"
	case ServiceProvisioning:
		return "provisioning"
	default:
		return fmt.Sprintf("service(%d)", uint8(s))
	}
}

// Mesh addresses with fixed meaning.
const (
	AddrUnassigned uint16 = 0x0000
	AddrAllNodes   uint16 = 0xffff
)

// HCI disconnect reasons used when this package drops a link.
const (
	ReasonRemoteUserTerminated uint8 = 0x13
	ReasonLocalHostTerminated  uint8 = 0x16
)

// Forever is a duration meaning "until woken".
const Forever time.Duration = -1

var (
	ErrRoleTableFull = errors.New("proxy: role table full")
	ErrNoRole        = errors.New("proxy: no role for connection")
	ErrLinkBusy      = errors.New("proxy: provisioning link busy")
	ErrNotConnected  = errors.New("proxy: not connected")
	ErrUnknownSubnet = errors.New("proxy: unknown subnet")
	ErrQueueFull     = errors.New("proxy: worker queue full")
)

// Network is the Mesh network layer as seen from the bearer. Receive
// callbacks are fire-and-forget.
type Network interface {
	RecvNetwork(pdu []byte, from ConnIndex)
	RecvBeacon(pdu []byte, from ConnIndex)
	// OpenConfig decrypts a Proxy Configuration PDU into its opcode-first payload.
	OpenConfig(pdu []byte) ([]byte, error)
	// SealConfig encrypts an opcode-first payload into a Proxy Configuration PDU.
	SealConfig(payload []byte) ([]byte, error)
	// Beacons returns the current beacon of every known subnet.
	Beacons() [][]byte
}

// FilterStatusReceiver is implemented by a Network that wants Filter
// Status replies seen by the Proxy Client.
type FilterStatusReceiver interface {
	RecvFilterStatus(netIdx uint16, filterType uint8, listSize uint16)
}

// CloseReason is reported when a provisioning link closes.
type CloseReason uint8

const (
	CloseSuccess CloseReason = iota
	CloseTimeout
	CloseFail
)

func (r CloseReason) String() string {
	switch r {
	case CloseSuccess:
		return "success"
	case CloseTimeout:
		return "timeout"
	case CloseFail:
		return "fail"
	default:
		return fmt.Sprintf("close(%d)", uint8(r))
	}
}

// ProvisioningBearer is the upper provisioning layer fed by PB-GATT.
type ProvisioningBearer interface {
	LinkOpened()
	Recv(pdu []byte)
	LinkClosed(reason CloseReason)
}

// Clock supplies monotonic time for SAR and protocol deadlines.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Lifecycle event topics.
const (
	TopicConnected    = "conn.connected"
	TopicDisconnected = "conn.disconnected"
	TopicLinkOpened   = "link.opened"
	TopicLinkClosed   = "link.closed"
	TopicSARTimeout   = "sar.timeout"
	TopicAdvChanged   = "adv.changed"
)

// Event is published on lifecycle topics.
type Event struct {
	Conn    ConnIndex
	Service Service
	NetIdx  uint16
	Detail  string
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(topic string, msg any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}
