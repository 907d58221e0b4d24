package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// GATT services and characteristics of the Mesh Provisioning and Proxy
// services (16-bit SIG UUIDs).
const (
	ProvisioningServiceUUID16 uint16 = 0x1827
	ProvisioningDataInUUID16  uint16 = 0x2adb
	ProvisioningDataOutUUID16 uint16 = 0x2adc
	ProxyServiceUUID16        uint16 = 0x1828
	ProxyDataInUUID16         uint16 = 0x2add
	ProxyDataOutUUID16        uint16 = 0x2ade
)

// UUIDString expands a 16-bit SIG UUID into its 128-bit string form.
func UUIDString(u16 uint16) string {
	return fmt.Sprintf("%08x-0000-1000-8000-00805f9b34fb", uint32(u16))
}

// IdentificationType is the first octet of Mesh Proxy service data.
type IdentificationType uint8

const (
	IDNetwork        IdentificationType = 0x00
	IDNode           IdentificationType = 0x01
	IDPrivateNetwork IdentificationType = 0x02
	IDPrivateNode    IdentificationType = 0x03
)

func (t IdentificationType) String() string {
	switch t {
	case IDNetwork:
		return "network-id"
	case IDNode:
		return "node-identity"
	case IDPrivateNetwork:
		return "private-network-id"
	case IDPrivateNode:
		return "private-node-identity"
	default:
		return fmt.Sprintf("id-type(0x%02x)", uint8(t))
	}
}

var ErrMalformedServiceData = errors.New("protocol: malformed mesh service data")

// ProxyAdvertisement is decoded Mesh Proxy service data. NetID is set for
// IDNetwork; Hash and Random for the three identity forms.
type ProxyAdvertisement struct {
	Type   IdentificationType
	NetID  [8]byte
	Hash   [8]byte
	Random [8]byte
}

// NetworkIDServiceData encodes type ‖ network ID.
func NetworkIDServiceData(netID [8]byte) []byte {
	return append([]byte{byte(IDNetwork)}, netID[:]...)
}

// IdentityServiceData encodes type ‖ hash ‖ random for Node Identity,
// Private Network Identity and Private Node Identity advertising. This is
// the Mesh Profile service data layout: the hash precedes the random.
func IdentityServiceData(t IdentificationType, hash, random [8]byte) []byte {
	buf := make([]byte, 0, 17)
	buf = append(buf, byte(t))
	buf = append(buf, hash[:]...)
	return append(buf, random[:]...)
}

// ParseProxyServiceData decodes the payload of a 0x1828 service data AD.
func ParseProxyServiceData(data []byte) (*ProxyAdvertisement, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedServiceData)
	}
	adv := &ProxyAdvertisement{Type: IdentificationType(data[0])}
	switch adv.Type {
	case IDNetwork:
		if len(data) < 9 {
			return nil, fmt.Errorf("%w: network id needs 9 bytes, got %d", ErrMalformedServiceData, len(data))
		}
		copy(adv.NetID[:], data[1:9])
	case IDNode, IDPrivateNetwork, IDPrivateNode:
		if len(data) < 17 {
			return nil, fmt.Errorf("%w: %s needs 17 bytes, got %d", ErrMalformedServiceData, adv.Type, len(data))
		}
		copy(adv.Hash[:], data[1:9])
		copy(adv.Random[:], data[9:17])
	default:
		return nil, fmt.Errorf("%w: unknown identification type 0x%02x", ErrMalformedServiceData, data[0])
	}
	return adv, nil
}

// ProvisioningAdvertisement is decoded Mesh Provisioning service data.
type ProvisioningAdvertisement struct {
	DeviceUUID uuid.UUID
	OOBInfo    uint16
}

// ProvisioningServiceData encodes device UUID ‖ OOB information.
func ProvisioningServiceData(dev uuid.UUID, oob uint16) []byte {
	buf := make([]byte, 0, 18)
	buf = append(buf, dev[:]...)
	return binary.BigEndian.AppendUint16(buf, oob)
}

// ParseProvisioningServiceData decodes the payload of a 0x1827 service data AD.
func ParseProvisioningServiceData(data []byte) (*ProvisioningAdvertisement, error) {
	if len(data) < 18 {
		return nil, fmt.Errorf("%w: provisioning data needs 18 bytes, got %d", ErrMalformedServiceData, len(data))
	}
	dev, err := uuid.FromBytes(data[:16])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedServiceData, err)
	}
	return &ProvisioningAdvertisement{
		DeviceUUID: dev,
		OOBInfo:    binary.BigEndian.Uint16(data[16:18]),
	}, nil
}
