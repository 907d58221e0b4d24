package proxy

import (
	"context"
	"sync"
)

// DefaultATTMTU is the ATT MTU before any exchange.
const DefaultATTMTU = 23

// Transport carries proxy chunks over one GATT link.
type Transport interface {
	WriteChunk(chunk []byte) error
	// PayloadMTU is the largest proxy PDU payload per chunk.
	PayloadMTU() int
	Disconnect(reason uint8) error
}

// ServerConn is a connection accepted by the Proxy Server. Chunks leave
// through data-out notifications; done is called once the notification
// completes, and only when Notify returned nil.
type ServerConn interface {
	Notify(data []byte, done func(error)) error
	MTU() int
	Disconnect(reason uint8) error
}

// ClientConn is a connection opened by the Proxy Client. Chunks leave
// through data-in writes without response.
type ClientConn interface {
	WriteWithoutResponse(data []byte) error
	MTU() int
	Disconnect(reason uint8) error
}

// payloadMTU strips the ATT opcode, handle and proxy header.
func payloadMTU(attMTU int) int {
	if attMTU <= 0 {
		attMTU = DefaultATTMTU
	}
	if n := attMTU - 3 - 1; n > 0 {
		return n
	}
	return 1
}

// ServerTransport sends chunks as notifications.
type ServerTransport struct {
	conn ServerConn
	ops  *PendingOps
}

// NewServerTransport wraps conn; ops may be nil.
func NewServerTransport(conn ServerConn, ops *PendingOps) *ServerTransport {
	return &ServerTransport{conn: conn, ops: ops}
}

func (t *ServerTransport) WriteChunk(chunk []byte) error {
	t.ops.Begin()
	if err := t.conn.Notify(chunk, func(error) { t.ops.Done() }); err != nil {
		t.ops.Done()
		return err
	}
	return nil
}

func (t *ServerTransport) PayloadMTU() int { return payloadMTU(t.conn.MTU()) }

func (t *ServerTransport) Disconnect(reason uint8) error { return t.conn.Disconnect(reason) }

// ClientTransport sends chunks as writes without response.
type ClientTransport struct {
	conn ClientConn
	ops  *PendingOps
}

// NewClientTransport wraps conn; ops may be nil.
func NewClientTransport(conn ClientConn, ops *PendingOps) *ClientTransport {
	return &ClientTransport{conn: conn, ops: ops}
}

func (t *ClientTransport) WriteChunk(chunk []byte) error {
	t.ops.Begin()
	defer t.ops.Done()
	return t.conn.WriteWithoutResponse(chunk)
}

func (t *ClientTransport) PayloadMTU() int { return payloadMTU(t.conn.MTU()) }

func (t *ClientTransport) Disconnect(reason uint8) error { return t.conn.Disconnect(reason) }

var (
	_ Transport = (*ServerTransport)(nil)
	_ Transport = (*ClientTransport)(nil)
)

// PendingOps counts in-flight GATT operations. Waiters are released only
// when the count drops to zero. A nil *PendingOps counts nothing.
type PendingOps struct {
	mu      sync.Mutex
	n       int
	waiters []chan struct{}
}

func (p *PendingOps) Begin() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
}

func (p *PendingOps) Done() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n > 0 {
		p.n--
	}
	if p.n == 0 {
		for _, w := range p.waiters {
			close(w)
		}
		p.waiters = nil
	}
}

// Pending returns the number of operations in flight.
func (p *PendingOps) Pending() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// Wait blocks until no operation is in flight or ctx ends.
func (p *PendingOps) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.n == 0 {
		p.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
