// Package protocol implements the Mesh Proxy PDU wire format: the one-byte
// SAR/type header, segmentation and reassembly, Proxy Configuration
// messages and the proxy/provisioning advertising service data.
package protocol

import "fmt"

// SAR is the 2-bit segmentation field of the proxy PDU header.
type SAR uint8

const (
	SARComplete     SAR = 0x00
	SARFirst        SAR = 0x01
	SARContinuation SAR = 0x02
	SARLast         SAR = 0x03
)

func (s SAR) String() string {
	switch s {
	case SARComplete:
		return "complete"
	case SARFirst:
		return "first"
	case SARContinuation:
		return "continuation"
	case SARLast:
		return "last"
	default:
		return fmt.Sprintf("sar(%d)", uint8(s))
	}
}

// MsgType is the 6-bit message type field of the proxy PDU header.
type MsgType uint8

const (
	TypeNetwork      MsgType = 0x00
	TypeBeacon       MsgType = 0x01
	TypeConfig       MsgType = 0x02
	TypeProvisioning MsgType = 0x03
)

func (t MsgType) String() string {
	switch t {
	case TypeNetwork:
		return "network"
	case TypeBeacon:
		return "beacon"
	case TypeConfig:
		return "config"
	case TypeProvisioning:
		return "provisioning"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

// Known reports whether t is one of the four defined message types.
// Unknown types are structurally valid and rejected by the dispatcher.
func (t MsgType) Known() bool {
	return t <= TypeProvisioning
}

const (
	sarShift = 6
	typeMask = 0x3f
)

// EncodeHeader packs the SAR field into bits 7:6 and the type into bits 5:0.
func EncodeHeader(sar SAR, t MsgType) byte {
	return byte(sar&0x03)<<sarShift | byte(t)&typeMask
}

// DecodeHeader splits a header byte into its SAR and type fields.
func DecodeHeader(b byte) (SAR, MsgType) {
	return SAR(b >> sarShift), MsgType(b & typeMask)
}
