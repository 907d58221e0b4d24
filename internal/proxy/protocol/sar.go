package protocol

import (
	"errors"
	"fmt"
)

// DefaultMaxPDULen is the reassembly capacity used when none is configured.
// It fits the largest provisioning PDU plus its type octet.
const DefaultMaxPDULen = 66

var (
	ErrEmpty                  = errors.New("protocol: empty proxy PDU")
	ErrUnexpectedComplete     = errors.New("protocol: complete PDU while reassembly is pending")
	ErrUnexpectedFirst        = errors.New("protocol: first segment while reassembly is pending")
	ErrUnexpectedContinuation = errors.New("protocol: segment without a preceding first segment")
	ErrTypeMismatch           = errors.New("protocol: segment type differs from pending message")
	ErrTooLarge               = errors.New("protocol: reassembled PDU exceeds capacity")
	ErrTransport              = errors.New("protocol: transport write failed")
	ErrInvalidMTU             = errors.New("protocol: fragment size must be at least 1")
)

// PDU is a complete, reassembled proxy message.
type PDU struct {
	Type MsgType
	Data []byte
}

// Reassembler collects proxy PDU segments for one connection.
// The buffer is non-empty exactly while a segmented message is pending.
// A failed Feed never modifies the buffer; the caller decides whether to
// drop the connection.
type Reassembler struct {
	buf     []byte
	msgType MsgType
}

// NewReassembler returns a Reassembler holding at most max payload bytes.
func NewReassembler(max int) *Reassembler {
	if max <= 0 {
		max = DefaultMaxPDULen
	}
	return &Reassembler{buf: make([]byte, 0, max)}
}

// InProgress reports whether a segmented message is pending.
func (r *Reassembler) InProgress() bool {
	return len(r.buf) > 0
}

// Pending returns the type and length of the pending message.
func (r *Reassembler) Pending() (MsgType, int) {
	return r.msgType, len(r.buf)
}

// Cap returns the reassembly capacity in bytes.
func (r *Reassembler) Cap() int {
	return cap(r.buf)
}

// Reset drops any pending message.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.msgType = 0
}

// Feed consumes one raw GATT chunk (header byte plus payload). It returns
// the message once the chunk completes it, or nil while more segments are
// expected.
func (r *Reassembler) Feed(chunk []byte) (*PDU, error) {
	if len(chunk) == 0 {
		return nil, ErrEmpty
	}
	sar, typ := DecodeHeader(chunk[0])
	payload := chunk[1:]

	switch sar {
	case SARComplete:
		if r.InProgress() {
			return nil, ErrUnexpectedComplete
		}
		if len(payload) > cap(r.buf) {
			return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(payload), cap(r.buf))
		}
		return &PDU{Type: typ, Data: clone(payload)}, nil

	case SARFirst:
		if r.InProgress() {
			return nil, ErrUnexpectedFirst
		}
		if len(payload) == 0 {
			// An empty first segment would leave nothing pending.
			return nil, ErrEmpty
		}
		if err := r.append(payload); err != nil {
			return nil, err
		}
		r.msgType = typ
		return nil, nil

	case SARContinuation, SARLast:
		if !r.InProgress() {
			return nil, ErrUnexpectedContinuation
		}
		if typ != r.msgType {
			return nil, fmt.Errorf("%w: got %s, pending %s", ErrTypeMismatch, typ, r.msgType)
		}
		if err := r.append(payload); err != nil {
			return nil, err
		}
		if sar == SARContinuation {
			return nil, nil
		}
		pdu := &PDU{Type: r.msgType, Data: clone(r.buf)}
		r.Reset()
		return pdu, nil
	}

	// Unreachable: SAR is two bits wide.
	return nil, fmt.Errorf("protocol: invalid SAR %d", sar)
}

func (r *Reassembler) append(payload []byte) error {
	if len(r.buf)+len(payload) > cap(r.buf) {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(r.buf)+len(payload), cap(r.buf))
	}
	r.buf = append(r.buf, payload...)
	return nil
}

// ChunkWriter writes one GATT chunk. Calls are sequential; the next chunk
// is not issued before the previous call returns.
type ChunkWriter interface {
	WriteChunk(chunk []byte) error
}

// Segment splits pdu into header-prefixed chunks carrying at most mtu
// payload bytes each. A pdu no longer than mtu yields one complete chunk;
// otherwise First, zero or more Continuation and a Last chunk.
func Segment(t MsgType, pdu []byte, mtu int) ([][]byte, error) {
	if mtu < 1 {
		return nil, ErrInvalidMTU
	}
	if len(pdu) <= mtu {
		return [][]byte{frame(SARComplete, t, pdu)}, nil
	}

	chunks := make([][]byte, 0, (len(pdu)+mtu-1)/mtu)
	chunks = append(chunks, frame(SARFirst, t, pdu[:mtu]))
	rest := pdu[mtu:]
	for len(rest) > mtu {
		chunks = append(chunks, frame(SARContinuation, t, rest[:mtu]))
		rest = rest[mtu:]
	}
	chunks = append(chunks, frame(SARLast, t, rest))
	return chunks, nil
}

// Send segments pdu and writes each chunk in order. The first transport
// failure aborts the remaining chunks.
func Send(w ChunkWriter, t MsgType, pdu []byte, mtu int) error {
	chunks, err := Segment(t, pdu, mtu)
	if err != nil {
		return err
	}
	for i, chunk := range chunks {
		if err := w.WriteChunk(chunk); err != nil {
			return fmt.Errorf("%w: chunk %d/%d: %w", ErrTransport, i+1, len(chunks), err)
		}
	}
	return nil
}

func frame(sar SAR, t MsgType, payload []byte) []byte {
	chunk := make([]byte, 1+len(payload))
	chunk[0] = EncodeHeader(sar, t)
	copy(chunk[1:], payload)
	return chunk
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
