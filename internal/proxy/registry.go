package proxy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/meshproxy/internal/proxy/protocol"
)

// RegistryOptions configures the role table.
type RegistryOptions struct {
	MaxConnections int
	MsgLen         int
	SARTimeout     time.Duration
	Clock          Clock
	Worker         *Worker
	Events         Publisher
	Logger         *slog.Logger
}

// Registry is the fixed-size role table, indexed by ConnIndex. Timer
// expiry and framing errors never disconnect inline: they submit a
// CmdDisconnect to the worker.
type Registry struct {
	mu    sync.Mutex
	slots []*Role

	msgLen     int
	sarTimeout time.Duration
	clock      Clock
	worker     *Worker
	events     Publisher
	logger     *slog.Logger
}

// NewRegistry creates an empty role table.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 3
	}
	if opts.MsgLen <= 0 {
		opts.MsgLen = protocol.DefaultMaxPDULen
	}
	if opts.SARTimeout <= 0 {
		opts.SARTimeout = 20 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Events == nil {
		opts.Events = nopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Worker == nil {
		opts.Worker = NewWorker(0, opts.Logger)
	}
	return &Registry{
		slots:      make([]*Role, opts.MaxConnections),
		msgLen:     opts.MsgLen,
		sarTimeout: opts.SARTimeout,
		clock:      opts.Clock,
		worker:     opts.Worker,
		events:     opts.Events,
		logger:     opts.Logger,
	}
}

// Attach binds t to the first free slot.
func (g *Registry) Attach(t Transport, svc Service) (*Role, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, r := range g.slots {
		if r == nil {
			role := newRole(ConnIndex(i), svc, t, g.msgLen)
			g.slots[i] = role
			return role, nil
		}
	}
	return nil, ErrRoleTableFull
}

// Role returns the role attached at idx.
func (g *Registry) Role(idx ConnIndex) (*Role, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if idx < 0 || int(idx) >= len(g.slots) || g.slots[idx] == nil {
		return nil, false
	}
	return g.slots[idx], true
}

// Release frees idx, dropping any partial PDU and its SAR deadline.
func (g *Registry) Release(idx ConnIndex) *Role {
	g.mu.Lock()
	if idx < 0 || int(idx) >= len(g.slots) {
		g.mu.Unlock()
		return nil
	}
	role := g.slots[idx]
	g.slots[idx] = nil
	g.mu.Unlock()
	if role != nil {
		role.reset()
	}
	return role
}

// Count returns the number of attached roles.
func (g *Registry) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, r := range g.slots {
		if r != nil {
			n++
		}
	}
	return n
}

// Cap returns the table size.
func (g *Registry) Cap() int { return len(g.slots) }

// Roles returns a snapshot of the attached roles.
func (g *Registry) Roles() []*Role {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Role, 0, len(g.slots))
	for _, r := range g.slots {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Recv feeds one chunk received on idx. A framing error requests a
// disconnect and is returned; a nil PDU with a nil error means more
// segments are expected.
func (g *Registry) Recv(idx ConnIndex, chunk []byte) (*protocol.PDU, error) {
	role, ok := g.Role(idx)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoRole, idx)
	}
	pdu, err := role.feed(chunk, g.clock.Now(), g.sarTimeout)
	if err != nil {
		g.logger.Warn("[PROXY] dropping link on framing error", "conn", idx, "error", err)
		g.requestDisconnect(role, ReasonRemoteUserTerminated)
		return nil, err
	}
	return pdu, nil
}

// RequestDisconnect schedules a disconnect of idx through the worker. Only
// the first request per connection is submitted.
func (g *Registry) RequestDisconnect(idx ConnIndex, reason uint8) error {
	role, ok := g.Role(idx)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoRole, idx)
	}
	g.requestDisconnect(role, reason)
	return nil
}

func (g *Registry) requestDisconnect(role *Role, reason uint8) {
	if !role.markClosing() {
		return
	}
	g.submitDisconnect(role, reason)
}

func (g *Registry) submitDisconnect(role *Role, reason uint8) {
	err := g.worker.Submit(Command{Kind: CmdDisconnect, Conn: role.Index(), Reason: reason})
	if err != nil {
		// retried on the next tick or request
		role.clearClosing()
	}
}

// Tick fires expired SAR deadlines.
func (g *Registry) Tick(now time.Time) {
	for _, role := range g.Roles() {
		if !role.expireSAR(now) {
			continue
		}
		g.logger.Warn("[PROXY] SAR timeout", "conn", role.Index(), "service", role.Service())
		g.events.Publish(TopicSARTimeout, Event{Conn: role.Index(), Service: role.Service()})
		g.submitDisconnect(role, ReasonRemoteUserTerminated)
	}
}

// disconnect performs a queued CmdDisconnect.
func (g *Registry) disconnect(idx ConnIndex, reason uint8) {
	role, ok := g.Role(idx)
	if !ok {
		return
	}
	if err := role.transport.Disconnect(reason); err != nil {
		g.logger.Warn("[PROXY] disconnect failed", "conn", idx, "error", err)
	}
}
