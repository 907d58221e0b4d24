// Package ble connects the mesh proxy bearer to a Bluetooth LE adapter. It
// scans for Mesh Proxy and Provisioning service data, opens GATT client
// links for the Proxy Client, hosts the two Mesh GATT services for the Proxy
// Server and drives connectable advertising.
package ble

import "context"

// Characteristic represents a remote GATT characteristic.
type Characteristic interface {
	// Write sends data as a write without response.
	Write(data []byte) error
	// Subscribe enables notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Advertisement is one scan report.
type Advertisement struct {
	Name string
	Addr string
	RSSI int
	// ServiceData maps 16-bit service UUIDs to their service data.
	ServiceData map[uint16][]byte
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// MTU returns the negotiated ATT MTU.
	MTU() int
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements until ctx is cancelled.
	Scan(ctx context.Context, handler func(Advertisement)) error
	// Connect establishes a connection to the device at addr.
	Connect(ctx context.Context, addr string) (Connection, error)
}
