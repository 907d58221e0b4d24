package proxy

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/meshproxy/internal/proxy/protocol"
)

// ServerOptions configures the Proxy Server.
type ServerOptions struct {
	FilterSize int
	Registry   *Registry
	Worker     *Worker
	Network    Network
	PB         *PBGATT
	// Waker is poked whenever the connection count changes.
	Waker  interface{ Wake() }
	Events Publisher
	Logger *slog.Logger
}

type serverClient struct {
	role   *Role
	filter *Filter
}

// Server is the GATT peripheral side: it accepts proxy clients, keeps one
// filter per client, relays network PDUs through those filters and answers
// Proxy Configuration messages. Provisioning service connections are handed
// to the PB-GATT bridge.
type Server struct {
	mu      sync.Mutex
	clients map[ConnIndex]*serverClient

	filterSize int
	reg        *Registry
	worker     *Worker
	net        Network
	pb         *PBGATT
	waker      interface{ Wake() }
	ops        *PendingOps
	events     Publisher
	logger     *slog.Logger
}

// NewServer creates a server bound to the registry's role table.
func NewServer(opts ServerOptions, ops *PendingOps) *Server {
	if opts.FilterSize <= 0 {
		opts.FilterSize = 16
	}
	if opts.Events == nil {
		opts.Events = nopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		clients:    make(map[ConnIndex]*serverClient),
		filterSize: opts.FilterSize,
		reg:        opts.Registry,
		worker:     opts.Worker,
		net:        opts.Network,
		pb:         opts.PB,
		waker:      opts.Waker,
		ops:        ops,
		events:     opts.Events,
		logger:     opts.Logger,
	}
}

// Connected attaches a new GATT connection on svc. ErrRoleTableFull means
// the caller should drop the connection.
func (s *Server) Connected(conn ServerConn, svc Service) (ConnIndex, error) {
	role, err := s.reg.Attach(NewServerTransport(conn, s.ops), svc)
	if err != nil {
		s.logger.Warn("[PROXY] rejecting connection", "service", svc, "error", err)
		return NoConn, err
	}
	s.mu.Lock()
	s.clients[role.Index()] = &serverClient{role: role, filter: NewFilter(s.filterSize)}
	s.mu.Unlock()

	s.logger.Info("[PROXY] client connected", "conn", role.Index(), "service", svc)
	s.events.Publish(TopicConnected, Event{Conn: role.Index(), Service: svc})
	s.wake()
	return role.Index(), nil
}

// Subscribed is called when the peer enables data-out notifications.
// A proxy client starts with an empty whitelist and receives the current
// beacons; a provisioning client opens the PB-GATT link.
func (s *Server) Subscribed(idx ConnIndex) error {
	s.mu.Lock()
	c, ok := s.clients[idx]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoRole, idx)
	}
	if c.filter.Mode() != FilterNone {
		s.mu.Unlock()
		return nil
	}
	svc := c.role.Service()
	if svc == ServiceProvisioning {
		c.filter.SetMode(FilterProvisioning)
	} else {
		c.filter.SetMode(FilterWhitelist)
	}
	s.mu.Unlock()

	if svc == ServiceProvisioning {
		if s.pb == nil {
			_ = s.reg.RequestDisconnect(idx, ReasonRemoteUserTerminated)
			return ErrNotConnected
		}
		if err := s.pb.opened(c.role); err != nil {
			s.logger.Warn("[PROXY] refusing provisioning link", "conn", idx, "error", err)
			_ = s.reg.RequestDisconnect(idx, ReasonRemoteUserTerminated)
			return err
		}
		return nil
	}

	s.events.Publish(TopicLinkOpened, Event{Conn: idx, Service: ServiceProxy})
	if err := s.worker.Submit(Command{Kind: CmdSendBeacons, Conn: idx}); err != nil {
		s.logger.Warn("[PROXY] could not schedule beacons", "conn", idx, "error", err)
	}
	return nil
}

// Write handles a chunk written by the peer to a data-in characteristic.
func (s *Server) Write(idx ConnIndex, chunk []byte) {
	pdu, err := s.reg.Recv(idx, chunk)
	if err != nil || pdu == nil {
		return
	}
	s.mu.Lock()
	c, ok := s.clients[idx]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.dispatch(c, pdu)
}

func (s *Server) dispatch(c *serverClient, pdu *protocol.PDU) {
	idx := c.role.Index()
	if c.role.Service() == ServiceProvisioning {
		if pdu.Type != protocol.TypeProvisioning {
			s.logger.Warn("[PROXY] unexpected PDU on provisioning link", "conn", idx, "type", pdu.Type)
			return
		}
		s.pb.recv(c.role, pdu.Data)
		return
	}
	switch pdu.Type {
	case protocol.TypeNetwork:
		s.net.RecvNetwork(pdu.Data, idx)
	case protocol.TypeBeacon:
		s.net.RecvBeacon(pdu.Data, idx)
	case protocol.TypeConfig:
		s.handleConfig(c, pdu.Data)
	default:
		s.logger.Warn("[PROXY] unexpected PDU on proxy link", "conn", idx, "type", pdu.Type)
	}
}

func (s *Server) handleConfig(c *serverClient, data []byte) {
	idx := c.role.Index()
	payload, err := s.net.OpenConfig(data)
	if err != nil {
		s.logger.Debug("[PROXY] dropping undecryptable config PDU", "conn", idx, "error", err)
		return
	}
	msg, err := protocol.ParseConfig(payload)
	if err != nil {
		s.logger.Warn("[PROXY] dropping config message", "conn", idx, "error", err)
		return
	}

	s.mu.Lock()
	if s.clients[idx] != c {
		s.mu.Unlock()
		return
	}
	switch msg.Opcode {
	case protocol.OpFilterSet:
		if msg.FilterType == protocol.FilterReject {
			c.filter.SetMode(FilterBlacklist)
		} else {
			c.filter.SetMode(FilterWhitelist)
		}
	case protocol.OpFilterAdd:
		for _, addr := range msg.Addresses {
			if !c.filter.Add(addr) {
				s.logger.Debug("[PROXY] filter address not added", "conn", idx, "addr", addr)
			}
		}
	case protocol.OpFilterRemove:
		for _, addr := range msg.Addresses {
			c.filter.Remove(addr)
		}
	default:
		s.mu.Unlock()
		s.logger.Debug("[PROXY] ignoring config opcode", "conn", idx, "opcode", msg.Opcode)
		return
	}
	status := protocol.FilterStatus(c.filter.Type(), c.filter.Len())
	s.mu.Unlock()

	sealed, err := s.net.SealConfig(status)
	if err != nil {
		s.logger.Warn("[PROXY] sealing filter status failed", "conn", idx, "error", err)
		return
	}
	if err := c.role.Send(protocol.TypeConfig, sealed); err != nil {
		s.logger.Warn("[PROXY] sending filter status failed", "conn", idx, "error", err)
	}
}

// Relay sends a network PDU to every client whose filter admits dst and
// reports whether at least one send succeeded.
func (s *Server) Relay(pdu []byte, dst uint16) bool {
	var targets []*Role
	s.mu.Lock()
	for _, c := range s.clients {
		if c.filter.Matches(dst) {
			targets = append(targets, c.role)
		}
	}
	s.mu.Unlock()

	relayed := false
	for _, role := range targets {
		if err := role.Send(protocol.TypeNetwork, pdu); err != nil {
			s.logger.Warn("[PROXY] relay failed", "conn", role.Index(), "error", err)
			continue
		}
		relayed = true
	}
	return relayed
}

// BroadcastBeacon sends beacon to every subscribed proxy client.
func (s *Server) BroadcastBeacon(beacon []byte) {
	var targets []*Role
	s.mu.Lock()
	for _, c := range s.clients {
		if m := c.filter.Mode(); m == FilterWhitelist || m == FilterBlacklist {
			targets = append(targets, c.role)
		}
	}
	s.mu.Unlock()
	for _, role := range targets {
		if err := role.Send(protocol.TypeBeacon, beacon); err != nil {
			s.logger.Warn("[PROXY] beacon send failed", "conn", role.Index(), "error", err)
		}
	}
}

// AddrSeen learns the source address of a PDU received from idx: it is
// added to a whitelist and removed from a blacklist.
func (s *Server) AddrSeen(idx ConnIndex, addr uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[idx]
	if !ok {
		return
	}
	switch c.filter.Mode() {
	case FilterWhitelist:
		c.filter.Add(addr)
	case FilterBlacklist:
		c.filter.Remove(addr)
	}
}

// Filter returns the mode and addresses of the client at idx.
func (s *Server) Filter(idx ConnIndex) (FilterMode, []uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[idx]
	if !ok {
		return FilterNone, nil, false
	}
	return c.filter.Mode(), c.filter.Addresses(), true
}

// sendBeacons runs on the worker after a proxy client subscribes.
func (s *Server) sendBeacons(idx ConnIndex) {
	s.mu.Lock()
	c, ok := s.clients[idx]
	s.mu.Unlock()
	if !ok {
		return
	}
	for _, b := range s.net.Beacons() {
		if err := c.role.Send(protocol.TypeBeacon, b); err != nil {
			s.logger.Warn("[PROXY] initial beacon failed", "conn", idx, "error", err)
			return
		}
	}
}

// Disconnected tears down idx: filter, reassembly buffer, SAR deadline and
// any provisioning link go together.
func (s *Server) Disconnected(idx ConnIndex, reason uint8) {
	s.mu.Lock()
	c, ok := s.clients[idx]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, idx)
	s.reg.Release(idx)
	s.mu.Unlock()

	svc := c.role.Service()
	if svc == ServiceProvisioning && s.pb != nil {
		s.pb.closed(idx)
	}
	s.logger.Info("[PROXY] client disconnected", "conn", idx, "service", svc, "reason", reason)
	s.events.Publish(TopicDisconnected, Event{Conn: idx, Service: svc, Detail: fmt.Sprintf("0x%02x", reason)})
	s.wake()
}

func (s *Server) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}
