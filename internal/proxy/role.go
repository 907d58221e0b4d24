package proxy

import (
	"sync"
	"time"

	"github.com/chaz8081/meshproxy/internal/proxy/protocol"
)

// Role is the per-connection SAR engine: one reassembly buffer, a SAR
// deadline and the transport that carries outgoing chunks.
type Role struct {
	idx       ConnIndex
	service   Service
	transport Transport

	mu          sync.Mutex
	rx          *protocol.Reassembler
	sarDeadline time.Time
	closing     bool

	// serialises chunk writes so two PDUs never interleave on the link
	txMu sync.Mutex
}

func newRole(idx ConnIndex, svc Service, t Transport, msgLen int) *Role {
	return &Role{
		idx:       idx,
		service:   svc,
		transport: t,
		rx:        protocol.NewReassembler(msgLen),
	}
}

func (r *Role) Index() ConnIndex { return r.idx }

func (r *Role) Service() Service { return r.service }

func (r *Role) Transport() Transport { return r.transport }

// Reassembling reports whether a segmented PDU is partially received.
func (r *Role) Reassembling() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rx.InProgress()
}

// Closing reports whether a disconnect has been requested.
func (r *Role) Closing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

// feed pushes one received chunk through the reassembler. The SAR deadline
// is armed while a segmented PDU is pending and cleared when it completes.
func (r *Role) feed(chunk []byte, now time.Time, timeout time.Duration) (*protocol.PDU, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pdu, err := r.rx.Feed(chunk)
	if err != nil {
		return nil, err
	}
	if r.rx.InProgress() {
		r.sarDeadline = now.Add(timeout)
	} else {
		r.sarDeadline = time.Time{}
	}
	return pdu, nil
}

// expireSAR marks the role closing when its SAR deadline has passed.
// It returns true at most once per connection.
func (r *Role) expireSAR(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing || r.sarDeadline.IsZero() || now.Before(r.sarDeadline) {
		return false
	}
	r.closing = true
	return true
}

func (r *Role) markClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.closing = true
	return true
}

func (r *Role) clearClosing() {
	r.mu.Lock()
	r.closing = false
	r.mu.Unlock()
}

func (r *Role) reset() {
	r.mu.Lock()
	r.rx.Reset()
	r.sarDeadline = time.Time{}
	r.mu.Unlock()
}

// Send segments pdu to the transport's payload MTU and writes every chunk.
func (r *Role) Send(t protocol.MsgType, pdu []byte) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return protocol.Send(r.transport, t, pdu, r.transport.PayloadMTU())
}
