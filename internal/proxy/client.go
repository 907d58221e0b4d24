package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/meshproxy/internal/proxy/crypto"
	"github.com/chaz8081/meshproxy/internal/proxy/protocol"
)

// Characteristic is a remote GATT characteristic.
type Characteristic interface {
	// Write sends data as a write without response.
	Write(data []byte) error
	// Subscribe enables notifications and delivers them to callback.
	Subscribe(callback func(data []byte)) error
}

// Peer is a connected remote proxy or provisioning server.
type Peer interface {
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	MTU() int
	Disconnect() error
	OnDisconnect(callback func())
}

// Central opens connections to advertising peers.
type Central interface {
	Connect(ctx context.Context, addr string) (Peer, error)
}

// LinkState is the Proxy Client's per-subnet connection state.
type LinkState uint8

const (
	StateIdle LinkState = iota
	StateScanning
	StateConnecting
	StateDiscovering
	StateSubscribed
	StateLinkOpen
)

func (s LinkState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateSubscribed:
		return "subscribed"
	case StateLinkOpen:
		return "link-open"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ClientOptions configures the Proxy Client.
type ClientOptions struct {
	ConnectTimeout time.Duration
	AllowAny       bool
	Registry       *Registry
	Network        Network
	Subnets        SubnetSource
	PB             *PBGATT
	Events         Publisher
	Logger         *slog.Logger
}

type clientLink struct {
	netIdx  uint16
	service Service
	desired bool
	dev     uuid.UUID

	state  LinkState
	addr   string
	peer   Peer
	role   *Role
	cancel context.CancelFunc
}

// Client is the GATT central side. It watches advertisements for subnets
// it wants a proxy for, connects, discovers the service and subscribes to
// data-out. At most one link exists per subnet.
type Client struct {
	mu       sync.Mutex
	links    map[uint16]*clientLink
	prov     *clientLink
	allowAny bool

	central        Central
	connectTimeout time.Duration
	reg            *Registry
	net            Network
	subnets        SubnetSource
	pb             *PBGATT
	ops            *PendingOps
	events         Publisher
	logger         *slog.Logger
}

// NewClient creates a client that connects through central.
func NewClient(central Central, opts ClientOptions, ops *PendingOps) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Events == nil {
		opts.Events = nopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		links:          make(map[uint16]*clientLink),
		allowAny:       opts.AllowAny,
		central:        central,
		connectTimeout: opts.ConnectTimeout,
		reg:            opts.Registry,
		net:            opts.Network,
		subnets:        opts.Subnets,
		pb:             opts.PB,
		ops:            ops,
		events:         opts.Events,
		logger:         opts.Logger,
	}
}

// Connect asks for a proxy connection on netIdx. The connection is made
// when a matching advertisement is seen.
func (c *Client) Connect(netIdx uint16) error {
	if _, ok := findSubnet(c.subnets, netIdx); !ok {
		return fmt.Errorf("%w: 0x%03x", ErrUnknownSubnet, netIdx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.links[netIdx]; ok {
		l.desired = true
		return nil
	}
	c.links[netIdx] = &clientLink{netIdx: netIdx, service: ServiceProxy, desired: true, state: StateScanning}
	return nil
}

// Disconnect withdraws interest in netIdx and drops its link if any.
func (c *Client) Disconnect(netIdx uint16) error {
	c.mu.Lock()
	l, ok := c.links[netIdx]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: 0x%03x", ErrNotConnected, netIdx)
	}
	l.desired = false
	role, peer, cancel, state := l.role, l.peer, l.cancel, l.state
	if state == StateIdle || state == StateScanning {
		delete(c.links, netIdx)
	}
	c.mu.Unlock()

	switch {
	case role != nil:
		return c.reg.RequestDisconnect(role.Index(), ReasonRemoteUserTerminated)
	case peer != nil:
		return peer.Disconnect()
	case cancel != nil:
		cancel()
	}
	return nil
}

// SetAllowAny toggles connecting to any known subnet's proxy.
func (c *Client) SetAllowAny(allow bool) {
	c.mu.Lock()
	c.allowAny = allow
	c.mu.Unlock()
}

// State returns the link state for netIdx.
func (c *Client) State(netIdx uint16) (LinkState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[netIdx]
	if !ok {
		return StateIdle, false
	}
	return l.state, true
}

// HandleAdvertisement examines one scanned advertisement carrying service
// data for svc16 from addr.
func (c *Client) HandleAdvertisement(addr string, svc16 uint16, data []byte) {
	switch svc16 {
	case protocol.ProxyServiceUUID16:
		c.handleProxyAdv(addr, data)
	case protocol.ProvisioningServiceUUID16:
		c.handleProvisioningAdv(addr, data)
	}
}

func (c *Client) handleProxyAdv(addr string, data []byte) {
	adv, err := protocol.ParseProxyServiceData(data)
	if err != nil {
		c.logger.Debug("[PROXY] ignoring proxy advertisement", "addr", addr, "error", err)
		return
	}
	sub, ok := c.matchSubnet(adv)
	if !ok {
		return
	}
	if c.reg.Count() >= c.reg.Cap() {
		return
	}

	c.mu.Lock()
	l, ok := c.links[sub.NetIdx]
	if !ok {
		if !c.allowAny {
			c.mu.Unlock()
			return
		}
		l = &clientLink{netIdx: sub.NetIdx, service: ServiceProxy, state: StateIdle}
		c.links[sub.NetIdx] = l
	}
	if l.state != StateIdle && l.state != StateScanning {
		c.mu.Unlock()
		return
	}
	c.startLocked(l, addr)
	c.mu.Unlock()
}

// matchSubnet finds the subnet an advertisement belongs to, trying the
// refreshed key as well during Key Refresh.
func (c *Client) matchSubnet(adv *protocol.ProxyAdvertisement) (Subnet, bool) {
	for _, sub := range c.subnets.Subnets() {
		for _, keys := range sub.keySets() {
			switch adv.Type {
			case protocol.IDNetwork:
				if adv.NetID == keys.NetID {
					return sub, true
				}
			case protocol.IDPrivateNetwork:
				hash, err := crypto.PrivateNetworkIDHash(keys.IdentityKey, keys.NetID, adv.Random)
				if err == nil && crypto.HashEqual(hash, adv.Hash) {
					return sub, true
				}
			}
		}
	}
	return Subnet{}, false
}

func (c *Client) handleProvisioningAdv(addr string, data []byte) {
	adv, err := protocol.ParseProvisioningServiceData(data)
	if err != nil {
		c.logger.Debug("[PROXY] ignoring provisioning advertisement", "addr", addr, "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.prov
	if l == nil || l.state != StateScanning || l.dev != adv.DeviceUUID {
		return
	}
	c.startLocked(l, addr)
}

// startLocked moves l to Connecting and dials addr in the background.
func (c *Client) startLocked(l *clientLink, addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	l.state = StateConnecting
	l.addr = addr
	l.cancel = cancel
	c.logger.Info("[PROXY] connecting", "addr", addr, "service", l.service, "net_idx", l.netIdx)
	go c.establish(ctx, l)
}

func (c *Client) establish(ctx context.Context, l *clientLink) {
	peer, err := c.central.Connect(ctx, l.addr)
	if err != nil {
		c.logger.Warn("[PROXY] connect failed", "addr", l.addr, "error", err)
		c.teardown(l, err)
		return
	}

	c.mu.Lock()
	if l.state != StateConnecting {
		c.mu.Unlock()
		_ = peer.Disconnect()
		return
	}
	l.peer = peer
	l.state = StateDiscovering
	c.mu.Unlock()

	peer.OnDisconnect(func() { c.teardown(l, nil) })

	if err := c.setup(l, peer); err != nil {
		c.logger.Warn("[PROXY] link setup failed", "addr", l.addr, "error", err)
		_ = peer.Disconnect()
		c.teardown(l, err)
	}
}

func (c *Client) setup(l *clientLink, peer Peer) error {
	svc, in, out := protocol.ProxyServiceUUID16, protocol.ProxyDataInUUID16, protocol.ProxyDataOutUUID16
	if l.service == ServiceProvisioning {
		svc, in, out = protocol.ProvisioningServiceUUID16, protocol.ProvisioningDataInUUID16, protocol.ProvisioningDataOutUUID16
	}
	dataIn, err := peer.DiscoverCharacteristic(protocol.UUIDString(svc), protocol.UUIDString(in))
	if err != nil {
		return fmt.Errorf("discover data-in: %w", err)
	}
	dataOut, err := peer.DiscoverCharacteristic(protocol.UUIDString(svc), protocol.UUIDString(out))
	if err != nil {
		return fmt.Errorf("discover data-out: %w", err)
	}

	role, err := c.reg.Attach(NewClientTransport(peerConn{peer: peer, in: dataIn}, c.ops), l.service)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if l.state != StateDiscovering {
		c.mu.Unlock()
		c.reg.Release(role.Index())
		return ErrNotConnected
	}
	l.role = role
	c.mu.Unlock()

	if err := dataOut.Subscribe(func(data []byte) { c.notified(l, role, data) }); err != nil {
		return fmt.Errorf("subscribe data-out: %w", err)
	}

	if !c.advance(l, role, StateSubscribed) {
		return ErrNotConnected
	}
	c.events.Publish(TopicConnected, Event{Conn: role.Index(), Service: l.service, NetIdx: l.netIdx})

	if l.service == ServiceProvisioning {
		if err := c.pb.opened(role); err != nil {
			return err
		}
	} else {
		c.events.Publish(TopicLinkOpened, Event{Conn: role.Index(), Service: ServiceProxy, NetIdx: l.netIdx})
	}
	if !c.advance(l, role, StateLinkOpen) {
		return ErrNotConnected
	}
	c.logger.Info("[PROXY] link open", "conn", role.Index(), "service", l.service, "net_idx", l.netIdx)
	return nil
}

// advance moves l to state unless the link was torn down meanwhile.
func (c *Client) advance(l *clientLink, role *Role, state LinkState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l.role != role {
		return false
	}
	l.state = state
	return true
}

func (c *Client) notified(l *clientLink, role *Role, data []byte) {
	pdu, err := c.reg.Recv(role.Index(), data)
	if err != nil || pdu == nil {
		return
	}
	idx := role.Index()
	if l.service == ServiceProvisioning {
		if pdu.Type != protocol.TypeProvisioning {
			c.logger.Warn("[PROXY] unexpected PDU on provisioning link", "conn", idx, "type", pdu.Type)
			return
		}
		c.pb.recv(role, pdu.Data)
		return
	}
	switch pdu.Type {
	case protocol.TypeNetwork:
		c.net.RecvNetwork(pdu.Data, idx)
	case protocol.TypeBeacon:
		c.net.RecvBeacon(pdu.Data, idx)
	case protocol.TypeConfig:
		c.handleConfig(l, idx, pdu.Data)
	default:
		c.logger.Warn("[PROXY] unexpected PDU on proxy link", "conn", idx, "type", pdu.Type)
	}
}

func (c *Client) handleConfig(l *clientLink, idx ConnIndex, data []byte) {
	payload, err := c.net.OpenConfig(data)
	if err != nil {
		c.logger.Debug("[PROXY] dropping undecryptable config PDU", "conn", idx, "error", err)
		return
	}
	msg, err := protocol.ParseConfig(payload)
	if err != nil || msg.Opcode != protocol.OpFilterStatus {
		c.logger.Debug("[PROXY] ignoring config message from server", "conn", idx)
		return
	}
	c.logger.Debug("[PROXY] filter status", "conn", idx, "type", msg.FilterType, "size", msg.ListSize)
	if r, ok := c.net.(FilterStatusReceiver); ok {
		r.RecvFilterStatus(l.netIdx, uint8(msg.FilterType), msg.ListSize)
	}
}

// teardown returns l to Idle and releases its role. Safe to call more
// than once.
func (c *Client) teardown(l *clientLink, cause error) {
	c.mu.Lock()
	role, cancel := l.role, l.cancel
	l.role = nil
	l.peer = nil
	l.cancel = nil
	l.state = StateIdle
	ownsProv := l.service == ServiceProvisioning && c.prov == l
	if ownsProv {
		c.prov = nil
	} else if l.service == ServiceProxy && !l.desired && c.links[l.netIdx] == l {
		delete(c.links, l.netIdx)
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if role != nil {
		c.reg.Release(role.Index())
	}
	if ownsProv {
		if role != nil {
			c.pb.closed(role.Index())
		}
		// no-op once the link has opened
		c.pb.failed()
	}
	if role == nil {
		if cause != nil {
			c.logger.Debug("[PROXY] connection attempt ended", "addr", l.addr, "error", cause)
		}
		return
	}
	c.logger.Info("[PROXY] link closed", "conn", role.Index(), "service", l.service, "net_idx", l.netIdx)
	c.events.Publish(TopicDisconnected, Event{Conn: role.Index(), Service: l.service, NetIdx: l.netIdx})
}

func (c *Client) openRole(netIdx uint16) (*Role, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[netIdx]
	if !ok || l.state != StateLinkOpen || l.role == nil {
		return nil, fmt.Errorf("%w: 0x%03x", ErrNotConnected, netIdx)
	}
	return l.role, nil
}

// Send transmits a network PDU to the proxy serving netIdx.
func (c *Client) Send(netIdx uint16, pdu []byte) error {
	role, err := c.openRole(netIdx)
	if err != nil {
		return err
	}
	return role.Send(protocol.TypeNetwork, pdu)
}

// SendAll transmits a network PDU on every open proxy link and returns the
// number of links it was written to.
func (c *Client) SendAll(pdu []byte) int {
	return c.sendAll(protocol.TypeNetwork, pdu)
}

// SendBeacon transmits a beacon on every open proxy link.
func (c *Client) SendBeacon(beacon []byte) int {
	return c.sendAll(protocol.TypeBeacon, beacon)
}

func (c *Client) sendAll(t protocol.MsgType, pdu []byte) int {
	var roles []*Role
	c.mu.Lock()
	for _, l := range c.links {
		if l.state == StateLinkOpen && l.role != nil {
			roles = append(roles, l.role)
		}
	}
	c.mu.Unlock()
	n := 0
	for _, role := range roles {
		if err := role.Send(t, pdu); err != nil {
			c.logger.Warn("[PROXY] send failed", "conn", role.Index(), "error", err)
			continue
		}
		n++
	}
	return n
}

// FilterSet selects the server's filter type for netIdx's link.
func (c *Client) FilterSet(netIdx uint16, ft protocol.FilterType) error {
	return c.sendConfig(netIdx, &protocol.ConfigMessage{Opcode: protocol.OpFilterSet, FilterType: ft})
}

// FilterAdd adds addresses to the server's filter.
func (c *Client) FilterAdd(netIdx uint16, addrs ...uint16) error {
	return c.sendConfig(netIdx, &protocol.ConfigMessage{Opcode: protocol.OpFilterAdd, Addresses: addrs})
}

// FilterRemove removes addresses from the server's filter.
func (c *Client) FilterRemove(netIdx uint16, addrs ...uint16) error {
	return c.sendConfig(netIdx, &protocol.ConfigMessage{Opcode: protocol.OpFilterRemove, Addresses: addrs})
}

func (c *Client) sendConfig(netIdx uint16, msg *protocol.ConfigMessage) error {
	role, err := c.openRole(netIdx)
	if err != nil {
		return err
	}
	sealed, err := c.net.SealConfig(msg.Marshal())
	if err != nil {
		return fmt.Errorf("proxy: seal %s: %w", msg.Opcode, err)
	}
	return role.Send(protocol.TypeConfig, sealed)
}

// Provision scans for an unprovisioned device advertising dev and opens a
// PB-GATT link to it. The link attempt is bounded by the provisioning
// protocol timeout.
func (c *Client) Provision(dev uuid.UUID) error {
	if c.pb == nil {
		return ErrNotConnected
	}
	l := &clientLink{service: ServiceProvisioning, dev: dev, state: StateScanning}
	c.mu.Lock()
	if c.prov != nil {
		c.mu.Unlock()
		return ErrLinkBusy
	}
	if err := c.pb.begin(func() { c.abortProvisioning(l) }); err != nil {
		c.mu.Unlock()
		return err
	}
	c.prov = l
	c.mu.Unlock()
	c.logger.Info("[PROXY] provisioning scan started", "device", dev)
	return nil
}

// abortProvisioning cancels a provisioning attempt that timed out before
// the link opened.
func (c *Client) abortProvisioning(l *clientLink) {
	c.mu.Lock()
	peer, cancel, role := l.peer, l.cancel, l.role
	l.role = nil
	l.peer = nil
	l.cancel = nil
	l.state = StateIdle
	if c.prov == l {
		c.prov = nil
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if role != nil {
		c.reg.Release(role.Index())
	}
	if peer != nil {
		_ = peer.Disconnect()
	}
}

// peerConn adapts a Peer and its data-in characteristic to ClientConn.
type peerConn struct {
	peer Peer
	in   Characteristic
}

func (p peerConn) WriteWithoutResponse(data []byte) error { return p.in.Write(data) }

func (p peerConn) MTU() int { return p.peer.MTU() }

func (p peerConn) Disconnect(uint8) error { return p.peer.Disconnect() }
