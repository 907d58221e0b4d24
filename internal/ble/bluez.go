package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// BlueZAdapter wraps tinygo-org/bluetooth. On Linux it talks to BlueZ over
// D-Bus and addresses are MAC strings; on macOS they are CoreBluetooth UUIDs.
type BlueZAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map and the peer hook.
	mu             sync.Mutex
	connections    map[string]*bluezConnection // keyed by address
	peerDisconnect func(addr string)
}

// NewBlueZAdapter creates an adapter for the named controller, or the
// default one when id is empty.
func NewBlueZAdapter(id string) *BlueZAdapter {
	a := bluetooth.DefaultAdapter
	if id != "" {
		a = bluetooth.NewAdapter(id)
	}
	return &BlueZAdapter{
		adapter:     a,
		connections: make(map[string]*bluezConnection),
	}
}

// OnPeerDisconnect registers fn for disconnects of centrals connected to
// our GATT server.
func (a *BlueZAdapter) OnPeerDisconnect(fn func(addr string)) {
	a.mu.Lock()
	a.peerDisconnect = fn
	a.mu.Unlock()
}

// Raw exposes the underlying adapter for the GATT server and advertiser.
func (a *BlueZAdapter) Raw() *bluetooth.Adapter { return a.adapter }

func (a *BlueZAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		hook := a.peerDisconnect
		a.mu.Unlock()
		switch {
		case ok:
			conn.fireDisconnect()
		case hook != nil:
			hook(id)
		}
	})

	return nil
}

func (a *BlueZAdapter) Scan(ctx context.Context, handler func(Advertisement)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		elems := result.ServiceData()
		if len(elems) == 0 {
			return
		}
		adv := Advertisement{
			Name:        result.LocalName(),
			Addr:        result.Address.String(),
			RSSI:        int(result.RSSI),
			ServiceData: make(map[uint16][]byte, len(elems)),
		}
		for _, e := range elems {
			if e.UUID.Is16Bit() {
				adv.ServiceData[e.UUID.Get16Bit()] = e.Data
			}
		}
		handler(adv)
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *BlueZAdapter) Connect(ctx context.Context, addr string) (Connection, error) {
	var address bluetooth.Address
	address.Set(addr)

	// tinygo/bluetooth's Connect blocks with its own timeout; wrap it so
	// ctx cancellation returns early.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(address, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// drop a connection that completes after we gave up
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", addr, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", addr, result.err)
		}
		conn := &bluezConnection{device: result.device, mtu: defaultATTMTU}

		a.mu.Lock()
		a.connections[addr] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

var _ Adapter = (*BlueZAdapter)(nil)

const defaultATTMTU = 23

type bluezConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	mtu          int
	disconnectCb func()
}

func (c *bluezConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	char := chars[0]
	if mtu, err := char.GetMTU(); err == nil && mtu > 0 {
		c.mu.Lock()
		c.mtu = int(mtu)
		c.mu.Unlock()
	}
	return &bluezCharacteristic{char: char}, nil
}

func (c *bluezConnection) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

func (c *bluezConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *bluezConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	c.mu.Unlock()
}

func (c *bluezConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type bluezCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *bluezCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *bluezCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(append([]byte(nil), buf...))
	})
}
