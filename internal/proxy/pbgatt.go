package proxy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/meshproxy/internal/proxy/protocol"
)

// PBGATTOptions configures the provisioning bridge.
type PBGATTOptions struct {
	Timeout  time.Duration
	Registry *Registry
	Bearer   ProvisioningBearer
	Clock    Clock
	Events   Publisher
	Logger   *slog.Logger
}

// PBGATT bridges a single provisioning link over GATT to the upper
// provisioning layer. A protocol timer is re-armed by every received and
// sent PDU; on expiry the link is dropped and reported closed with
// CloseTimeout. LinkClosed is reported exactly once per link.
type PBGATT struct {
	mu sync.Mutex

	reg     *Registry
	bearer  ProvisioningBearer
	clock   Clock
	timeout time.Duration
	events  Publisher
	logger  *slog.Logger

	accepting bool
	onAccept  func(enabled bool)

	role     *Role
	pending  bool
	abort    func()
	deadline time.Time
	reason   CloseReason
	reported bool
	dropping bool
}

type nopBearer struct{}

func (nopBearer) LinkOpened()            {}
func (nopBearer) Recv([]byte)            {}
func (nopBearer) LinkClosed(CloseReason) {}

// NewPBGATT creates an idle bridge.
func NewPBGATT(opts PBGATTOptions) *PBGATT {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Bearer == nil {
		opts.Bearer = nopBearer{}
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
	return &PBGATT{
		reg:     opts.Registry,
		bearer:  opts.Bearer,
		clock:   opts.Clock,
		timeout: opts.Timeout,
		events:  opts.Events,
		logger:  opts.Logger,
	}
}

// OnAccept registers a hook told when the server starts or stops
// accepting provisioning links.
func (p *PBGATT) OnAccept(fn func(enabled bool)) {
	p.mu.Lock()
	p.onAccept = fn
	p.mu.Unlock()
}

// LinkAccept makes the Provisioning service available and waits for a
// peer to subscribe to data-out.
func (p *PBGATT) LinkAccept() error {
	p.mu.Lock()
	if p.role != nil {
		p.mu.Unlock()
		return ErrLinkBusy
	}
	p.accepting = true
	hook := p.onAccept
	p.mu.Unlock()
	if hook != nil {
		hook(true)
	}
	return nil
}

// LinkDisable stops accepting new provisioning links.
func (p *PBGATT) LinkDisable() {
	p.mu.Lock()
	p.accepting = false
	hook := p.onAccept
	p.mu.Unlock()
	if hook != nil {
		hook(false)
	}
}

func (p *PBGATT) Accepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepting
}

// Active reports whether a link is open or a client attempt is underway.
func (p *PBGATT) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role != nil || p.pending
}

// begin starts a client attempt; abort tears it down on timeout.
func (p *PBGATT) begin(abort func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.role != nil || p.pending {
		return ErrLinkBusy
	}
	p.pending = true
	p.abort = abort
	p.deadline = p.clock.Now().Add(p.timeout)
	return nil
}

// failed ends a client attempt that never reached link-open.
func (p *PBGATT) failed() {
	p.mu.Lock()
	if !p.pending {
		p.mu.Unlock()
		return
	}
	p.pending = false
	p.abort = nil
	p.deadline = time.Time{}
	p.mu.Unlock()
	p.report(NoConn, CloseFail)
}

// opened binds role as the link once data-out notifications are enabled.
// A server-side link is only accepted between LinkAccept and LinkDisable.
func (p *PBGATT) opened(role *Role) error {
	p.mu.Lock()
	if p.role != nil {
		p.mu.Unlock()
		return ErrLinkBusy
	}
	if _, server := role.Transport().(*ServerTransport); server && !p.accepting {
		p.mu.Unlock()
		return ErrNotConnected
	}
	p.role = role
	p.pending = false
	p.abort = nil
	p.reason = CloseSuccess
	p.reported = false
	p.dropping = false
	p.deadline = p.clock.Now().Add(p.timeout)
	p.mu.Unlock()

	p.logger.Info("[PROXY] provisioning link opened", "conn", role.Index())
	p.events.Publish(TopicLinkOpened, Event{Conn: role.Index(), Service: ServiceProvisioning})
	p.bearer.LinkOpened()
	return nil
}

func (p *PBGATT) recv(role *Role, pdu []byte) {
	p.mu.Lock()
	if p.role != role {
		p.mu.Unlock()
		p.logger.Debug("[PROXY] provisioning PDU on inactive link", "conn", role.Index())
		return
	}
	p.deadline = p.clock.Now().Add(p.timeout)
	p.mu.Unlock()
	p.bearer.Recv(pdu)
}

// Send transmits one provisioning PDU on the open link.
func (p *PBGATT) Send(pdu []byte) error {
	p.mu.Lock()
	role := p.role
	if role == nil || p.reported {
		p.mu.Unlock()
		return ErrNotConnected
	}
	p.deadline = p.clock.Now().Add(p.timeout)
	p.mu.Unlock()
	return role.Send(protocol.TypeProvisioning, pdu)
}

// LinkClose drops the link. reason is reported once the connection is gone.
func (p *PBGATT) LinkClose(reason CloseReason) {
	p.mu.Lock()
	if p.role == nil {
		abort := p.abort
		wasPending := p.pending
		p.pending = false
		p.abort = nil
		p.deadline = time.Time{}
		p.mu.Unlock()
		if wasPending {
			if abort != nil {
				abort()
			}
			p.report(NoConn, reason)
		}
		return
	}
	p.reason = reason
	p.deadline = time.Time{}
	p.dropping = true
	role := p.role
	p.mu.Unlock()
	p.requestDrop(role)
}

// requestDrop asks the registry to disconnect role. While the worker queue
// is full the request stays pending and Tick retries it.
func (p *PBGATT) requestDrop(role *Role) {
	if p.reg != nil {
		_ = p.reg.RequestDisconnect(role.Index(), ReasonRemoteUserTerminated)
		if !role.Closing() {
			return
		}
	}
	p.mu.Lock()
	if p.role == role {
		p.dropping = false
	}
	p.mu.Unlock()
}

// closed is called when the connection at idx is torn down.
func (p *PBGATT) closed(idx ConnIndex) {
	p.mu.Lock()
	if p.role == nil || p.role.Index() != idx {
		p.mu.Unlock()
		return
	}
	reason, reported := p.reason, p.reported
	p.role = nil
	p.deadline = time.Time{}
	p.reported = false
	p.dropping = false
	p.mu.Unlock()
	if !reported {
		p.report(idx, reason)
	}
}

// Tick fires the protocol timer and retries a disconnect the worker could
// not take.
func (p *PBGATT) Tick(now time.Time) {
	p.mu.Lock()
	if p.dropping && p.role != nil {
		role := p.role
		p.mu.Unlock()
		p.requestDrop(role)
		return
	}
	if p.deadline.IsZero() || now.Before(p.deadline) {
		p.mu.Unlock()
		return
	}
	p.deadline = time.Time{}
	switch {
	case p.role != nil:
		p.reported = true
		p.dropping = true
		role := p.role
		p.mu.Unlock()
		p.logger.Warn("[PROXY] provisioning link timed out", "conn", role.Index())
		p.requestDrop(role)
		p.report(role.Index(), CloseTimeout)
	case p.pending:
		abort := p.abort
		p.pending = false
		p.abort = nil
		p.mu.Unlock()
		p.logger.Warn("[PROXY] provisioning connect attempt timed out")
		if abort != nil {
			abort()
		}
		p.report(NoConn, CloseTimeout)
	default:
		p.mu.Unlock()
	}
}

func (p *PBGATT) report(idx ConnIndex, reason CloseReason) {
	p.logger.Info("[PROXY] provisioning link closed", "conn", idx, "reason", reason)
	p.events.Publish(TopicLinkClosed, Event{Conn: idx, Service: ServiceProvisioning, Detail: reason.String()})
	p.bearer.LinkClosed(reason)
}
