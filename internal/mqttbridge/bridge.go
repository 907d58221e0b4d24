// Package mqttbridge stands in for the mesh network layer on a host: it
// publishes Network and Beacon PDUs received over proxy links to an MQTT
// broker and injects PDUs read from the broker back into the bearer.
//
// Topics under the configured prefix:
//
//	net/rx, beacon/rx   PDUs received from proxy links (published)
//	net/tx              PDUs to relay (server, by addr) or send (client, by net_idx)
//	beacon/tx           beacons to broadcast; the latest per net_idx is kept
//	addr/seen           source addresses learned for a server connection
//	filter/status       Filter Status replies seen by the client (published)
//	prov/rx, prov/link  PB-GATT PDUs and link state (published)
//	prov/tx             PB-GATT PDUs to send; a frame with status 2 closes the link
//
// Proxy Configuration PDUs are passed through unencrypted; the broker side
// owns network-layer security.
package mqttbridge

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/chaz8081/meshproxy/internal/proxy"
)

const (
	TopicNetRx        = "net/rx"
	TopicBeaconRx     = "beacon/rx"
	TopicNetTx        = "net/tx"
	TopicBeaconTx     = "beacon/tx"
	TopicAddrSeen     = "addr/seen"
	TopicFilterStatus = "filter/status"
	TopicProvRx       = "prov/rx"
	TopicProvLink     = "prov/link"
	TopicProvTx       = "prov/tx"
)

// Relayer is the Proxy Server side of the bearer.
type Relayer interface {
	Relay(pdu []byte, dst uint16) bool
	BroadcastBeacon(beacon []byte)
	AddrSeen(idx proxy.ConnIndex, addr uint16)
}

// Sender is the Proxy Client side of the bearer.
type Sender interface {
	Send(netIdx uint16, pdu []byte) error
	SendBeacon(beacon []byte) int
}

// Provisioner is the PB-GATT link the bridge drives.
type Provisioner interface {
	Send(pdu []byte) error
	LinkClose(reason proxy.CloseReason)
}

// Bridge implements proxy.Network and proxy.ProvisioningBearer over a
// Broker.
type Bridge struct {
	broker Broker
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	server  Relayer
	client  Sender
	prov    Provisioner
	beacons map[uint16][]byte
}

func New(broker Broker, prefix string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		broker:  broker,
		prefix:  prefix,
		logger:  logger,
		beacons: make(map[uint16][]byte),
	}
}

// Attach sets the bearer sides that outbound frames are injected into.
// Either may be nil.
func (b *Bridge) Attach(server Relayer, client Sender) {
	b.mu.Lock()
	b.server, b.client = server, client
	b.mu.Unlock()
}

// AttachProvisioner sets the PB-GATT link that prov/tx frames go to.
func (b *Bridge) AttachProvisioner(p Provisioner) {
	b.mu.Lock()
	b.prov = p
	b.mu.Unlock()
}

// Start subscribes to the outbound topics.
func (b *Bridge) Start() error {
	subs := []struct {
		topic   string
		handler func(Frame)
	}{
		{TopicNetTx, b.handleNetTx},
		{TopicBeaconTx, b.handleBeaconTx},
		{TopicAddrSeen, b.handleAddrSeen},
		{TopicProvTx, b.handleProvTx},
	}
	for _, s := range subs {
		h := s.handler
		err := b.broker.Subscribe(b.topic(s.topic), func(topic string, payload []byte) {
			f, err := UnmarshalFrame(payload)
			if err != nil {
				b.logger.Warn("[MQTT] dropping frame", "topic", topic, "error", err)
				return
			}
			h(f)
		})
		if err != nil {
			return fmt.Errorf("mqttbridge: %w", err)
		}
	}
	return nil
}

func (b *Bridge) topic(name string) string { return b.prefix + "/" + name }

func (b *Bridge) publish(name string, f Frame) {
	if err := b.broker.Publish(b.topic(name), f.Marshal()); err != nil {
		b.logger.Warn("[MQTT] publish failed", "topic", name, "error", err)
	}
}

func (b *Bridge) RecvNetwork(pdu []byte, from proxy.ConnIndex) {
	b.publish(TopicNetRx, Frame{Conn: int32(from), PDU: pdu})
}

func (b *Bridge) RecvBeacon(pdu []byte, from proxy.ConnIndex) {
	b.publish(TopicBeaconRx, Frame{Conn: int32(from), PDU: pdu})
}

func (b *Bridge) OpenConfig(pdu []byte) ([]byte, error) {
	return slices.Clone(pdu), nil
}

func (b *Bridge) SealConfig(payload []byte) ([]byte, error) {
	return slices.Clone(payload), nil
}

// Beacons returns the latest beacon of every subnet, ordered by NetKey index.
func (b *Bridge) Beacons() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]uint16, 0, len(b.beacons))
	for k := range b.beacons {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, b.beacons[k])
	}
	return out
}

func (b *Bridge) RecvFilterStatus(netIdx uint16, filterType uint8, listSize uint16) {
	b.publish(TopicFilterStatus, Frame{NetIdx: netIdx, Conn: int32(proxy.NoConn), FilterType: filterType, ListSize: listSize})
}

func (b *Bridge) sides() (Relayer, Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.server, b.client
}

func (b *Bridge) handleNetTx(f Frame) {
	if len(f.PDU) == 0 {
		return
	}
	server, client := b.sides()
	if server != nil {
		server.Relay(f.PDU, f.Addr)
	}
	if client != nil {
		if err := client.Send(f.NetIdx, f.PDU); err != nil {
			b.logger.Debug("[MQTT] client send failed", "net_idx", f.NetIdx, "error", err)
		}
	}
}

func (b *Bridge) handleBeaconTx(f Frame) {
	if len(f.PDU) == 0 {
		return
	}
	b.mu.Lock()
	b.beacons[f.NetIdx] = f.PDU
	server, client := b.server, b.client
	b.mu.Unlock()

	if server != nil {
		server.BroadcastBeacon(f.PDU)
	}
	if client != nil {
		client.SendBeacon(f.PDU)
	}
}

func (b *Bridge) handleAddrSeen(f Frame) {
	server, _ := b.sides()
	if server == nil || f.Conn < 0 {
		return
	}
	server.AddrSeen(proxy.ConnIndex(f.Conn), f.Addr)
}

func (b *Bridge) LinkOpened() {
	b.publish(TopicProvLink, Frame{Conn: int32(proxy.NoConn), Status: LinkOpened})
}

func (b *Bridge) Recv(pdu []byte) {
	b.publish(TopicProvRx, Frame{Conn: int32(proxy.NoConn), PDU: pdu})
}

func (b *Bridge) LinkClosed(reason proxy.CloseReason) {
	b.publish(TopicProvLink, Frame{Conn: int32(proxy.NoConn), Status: LinkClosed, Reason: uint8(reason)})
}

func (b *Bridge) handleProvTx(f Frame) {
	b.mu.Lock()
	p := b.prov
	b.mu.Unlock()
	if p == nil {
		return
	}
	if f.Status == LinkClosed {
		p.LinkClose(proxy.CloseReason(f.Reason))
		return
	}
	if len(f.PDU) == 0 {
		return
	}
	if err := p.Send(f.PDU); err != nil {
		b.logger.Warn("[MQTT] provisioning send failed", "error", err)
	}
}

var (
	_ proxy.Network              = (*Bridge)(nil)
	_ proxy.FilterStatusReceiver = (*Bridge)(nil)
	_ proxy.ProvisioningBearer   = (*Bridge)(nil)
)
