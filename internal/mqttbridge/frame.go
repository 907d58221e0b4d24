package mqttbridge

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frame is the broker payload for every bridge topic. On the wire it is a
// protobuf message:
//
//	message Frame {
//	  uint32 net_idx     = 1;
//	  uint32 addr        = 2; // destination, or learned source on addr/seen
//	  sint32 conn        = 3; // -1 when not tied to a connection
//	  bytes  pdu         = 4;
//	  uint32 filter_type = 5;
//	  uint32 list_size   = 6;
//	  uint32 status      = 7; // provisioning link state
//	  uint32 reason      = 8; // provisioning close reason
//	}
type Frame struct {
	NetIdx     uint16
	Addr       uint16
	Conn       int32
	PDU        []byte
	FilterType uint8
	ListSize   uint16
	Status     uint8
	Reason     uint8
}

// Provisioning link states carried in Frame.Status.
const (
	LinkOpened uint8 = 1
	LinkClosed uint8 = 2
)

const (
	fieldNetIdx     protowire.Number = 1
	fieldAddr       protowire.Number = 2
	fieldConn       protowire.Number = 3
	fieldPDU        protowire.Number = 4
	fieldFilterType protowire.Number = 5
	fieldListSize   protowire.Number = 6
	fieldStatus     protowire.Number = 7
	fieldReason     protowire.Number = 8
)

var ErrMalformedFrame = errors.New("mqttbridge: malformed frame")

// Marshal encodes f, omitting zero scalar fields.
func (f Frame) Marshal() []byte {
	var b []byte
	appendUint := func(n protowire.Number, v uint64) {
		if v == 0 {
			return
		}
		b = protowire.AppendTag(b, n, protowire.VarintType)
		b = protowire.AppendVarint(b, v)
	}
	appendUint(fieldNetIdx, uint64(f.NetIdx))
	appendUint(fieldAddr, uint64(f.Addr))
	if f.Conn != 0 {
		b = protowire.AppendTag(b, fieldConn, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(f.Conn)))
	}
	if len(f.PDU) > 0 {
		b = protowire.AppendTag(b, fieldPDU, protowire.BytesType)
		b = protowire.AppendBytes(b, f.PDU)
	}
	appendUint(fieldFilterType, uint64(f.FilterType))
	appendUint(fieldListSize, uint64(f.ListSize))
	appendUint(fieldStatus, uint64(f.Status))
	appendUint(fieldReason, uint64(f.Reason))
	return b
}

// UnmarshalFrame decodes a frame, skipping unknown fields.
func UnmarshalFrame(b []byte) (Frame, error) {
	var f Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPDU && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, fmt.Errorf("%w: pdu: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.PDU = append([]byte(nil), v...)
			b = b[n:]
		case typ == protowire.VarintType && num >= fieldNetIdx && num <= fieldReason:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldNetIdx:
				f.NetIdx = uint16(v)
			case fieldAddr:
				f.Addr = uint16(v)
			case fieldConn:
				f.Conn = int32(protowire.DecodeZigZag(v))
			case fieldFilterType:
				f.FilterType = uint8(v)
			case fieldListSize:
				f.ListSize = uint16(v)
			case fieldStatus:
				f.Status = uint8(v)
			case fieldReason:
				f.Reason = uint8(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}
