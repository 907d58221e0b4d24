package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ConfigOpcode identifies a Proxy Configuration message.
type ConfigOpcode uint8

const (
	OpFilterSet    ConfigOpcode = 0x00
	OpFilterAdd    ConfigOpcode = 0x01
	OpFilterRemove ConfigOpcode = 0x02
	OpFilterStatus ConfigOpcode = 0x03
)

func (o ConfigOpcode) String() string {
	switch o {
	case OpFilterSet:
		return "filter-set"
	case OpFilterAdd:
		return "filter-add"
	case OpFilterRemove:
		return "filter-remove"
	case OpFilterStatus:
		return "filter-status"
	default:
		return fmt.Sprintf("opcode(0x%02x)", uint8(o))
	}
}

// FilterType is the wire value of a proxy filter type.
type FilterType uint8

const (
	// FilterAccept relays only listed destinations (whitelist).
	FilterAccept FilterType = 0x00
	// FilterReject relays everything except listed destinations (blacklist).
	FilterReject FilterType = 0x01
)

func (f FilterType) String() string {
	switch f {
	case FilterAccept:
		return "accept"
	case FilterReject:
		return "reject"
	default:
		return fmt.Sprintf("filter(0x%02x)", uint8(f))
	}
}

var (
	ErrMalformedConfig = errors.New("protocol: malformed proxy configuration message")
	ErrUnknownOpcode   = errors.New("protocol: unknown proxy configuration opcode")
)

// ConfigMessage is a decoded Proxy Configuration message payload.
type ConfigMessage struct {
	Opcode     ConfigOpcode
	FilterType FilterType
	Addresses  []uint16
	ListSize   uint16
}

// ParseConfig decodes an opcode-first configuration payload. A trailing
// odd byte in an address list is ignored.
func ParseConfig(payload []byte) (*ConfigMessage, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedConfig)
	}
	msg := &ConfigMessage{Opcode: ConfigOpcode(payload[0])}
	body := payload[1:]

	switch msg.Opcode {
	case OpFilterSet:
		if len(body) < 1 {
			return nil, fmt.Errorf("%w: %s needs a filter type", ErrMalformedConfig, msg.Opcode)
		}
		msg.FilterType = FilterType(body[0])
		if msg.FilterType > FilterReject {
			return nil, fmt.Errorf("%w: prohibited filter type 0x%02x", ErrMalformedConfig, body[0])
		}
	case OpFilterAdd, OpFilterRemove:
		for len(body) >= 2 {
			msg.Addresses = append(msg.Addresses, binary.BigEndian.Uint16(body))
			body = body[2:]
		}
	case OpFilterStatus:
		if len(body) < 3 {
			return nil, fmt.Errorf("%w: %s needs 3 bytes, got %d", ErrMalformedConfig, msg.Opcode, len(body))
		}
		msg.FilterType = FilterType(body[0])
		msg.ListSize = binary.BigEndian.Uint16(body[1:3])
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, payload[0])
	}
	return msg, nil
}

// Marshal encodes the message in its opcode-first wire form.
func (m *ConfigMessage) Marshal() []byte {
	buf := []byte{byte(m.Opcode)}
	switch m.Opcode {
	case OpFilterSet:
		buf = append(buf, byte(m.FilterType))
	case OpFilterAdd, OpFilterRemove:
		for _, addr := range m.Addresses {
			buf = binary.BigEndian.AppendUint16(buf, addr)
		}
	case OpFilterStatus:
		buf = append(buf, byte(m.FilterType))
		buf = binary.BigEndian.AppendUint16(buf, m.ListSize)
	}
	return buf
}

// FilterStatus builds the status reply sent after every filter change.
func FilterStatus(t FilterType, size int) []byte {
	return (&ConfigMessage{Opcode: OpFilterStatus, FilterType: t, ListSize: uint16(size)}).Marshal()
}
