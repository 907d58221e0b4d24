package ble

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/meshproxy/internal/proxy"
	"github.com/chaz8081/meshproxy/internal/proxy/protocol"
	"tinygo.org/x/bluetooth"
)

// Notifier pushes a value to subscribers of a data-out characteristic.
type Notifier interface {
	Write(p []byte) (int, error)
}

// Peripheral bridges GATT server callbacks to a proxy.Server. Peers are
// identified by the key the stack hands to write callbacks; the first write
// from a peer on a service attaches it.
type Peripheral struct {
	server *proxy.Server
	mtu    int
	logger *slog.Logger

	// attachMu serializes first writes so a peer attaches once.
	attachMu sync.Mutex

	mu    sync.Mutex
	out   map[proxy.Service]Notifier
	conns map[peerKey]proxy.ConnIndex
}

type peerKey struct {
	client  string
	service proxy.Service
}

// NewPeripheral creates a bridge; mtu is the ATT MTU assumed for every peer.
func NewPeripheral(server *proxy.Server, mtu int, logger *slog.Logger) *Peripheral {
	if mtu <= 0 {
		mtu = defaultATTMTU
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Peripheral{
		server: server,
		mtu:    mtu,
		logger: logger,
		out:    make(map[proxy.Service]Notifier),
		conns:  make(map[peerKey]proxy.ConnIndex),
	}
}

// SetNotifier binds the data-out characteristic of svc.
func (p *Peripheral) SetNotifier(svc proxy.Service, n Notifier) {
	p.mu.Lock()
	p.out[svc] = n
	p.mu.Unlock()
}

// HandleWrite delivers a data-in write from client.
func (p *Peripheral) HandleWrite(client string, svc proxy.Service, value []byte) {
	key := peerKey{client: client, service: svc}

	p.attachMu.Lock()
	p.mu.Lock()
	idx, ok := p.conns[key]
	p.mu.Unlock()
	var err error
	if !ok {
		idx, err = p.attach(key)
	}
	p.attachMu.Unlock()
	if err != nil {
		p.logger.Warn("[BLE] dropping write from unattached peer", "client", client, "service", svc, "error", err)
		return
	}
	p.server.Write(idx, append([]byte(nil), value...))
}

// attach registers a central on its first data-in write. The stack does not
// surface CCCD writes, so the subscription is assumed at the same time and
// the initial beacons follow that first write.
func (p *Peripheral) attach(key peerKey) (proxy.ConnIndex, error) {
	idx, err := p.server.Connected(&gattConn{p: p, key: key}, key.service)
	if err != nil {
		return proxy.NoConn, err
	}
	p.mu.Lock()
	p.conns[key] = idx
	p.mu.Unlock()

	if err := p.server.Subscribed(idx); err != nil {
		return idx, fmt.Errorf("subscribe: %w", err)
	}
	return idx, nil
}

// HandleDisconnect drops every link held by client.
func (p *Peripheral) HandleDisconnect(client string) {
	for _, svc := range []proxy.Service{proxy.ServiceProxy, proxy.ServiceProvisioning} {
		p.drop(peerKey{client: client, service: svc}, proxy.ReasonRemoteUserTerminated)
	}
}

// DropAll releases every attached link. Stacks that report a single
// client key for all centrals use it on any peer disconnect.
func (p *Peripheral) DropAll() {
	p.mu.Lock()
	keys := make([]peerKey, 0, len(p.conns))
	for k := range p.conns {
		keys = append(keys, k)
	}
	p.mu.Unlock()
	for _, k := range keys {
		p.drop(k, proxy.ReasonRemoteUserTerminated)
	}
}

func (p *Peripheral) drop(key peerKey, reason uint8) {
	p.mu.Lock()
	idx, ok := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()
	if ok {
		p.server.Disconnected(idx, reason)
	}
}

func (p *Peripheral) notify(svc proxy.Service, data []byte) error {
	p.mu.Lock()
	n, ok := p.out[svc]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: no data-out characteristic for %s", svc)
	}
	_, err := n.Write(data)
	return err
}

// gattConn is one peer on one service as seen by the proxy server.
type gattConn struct {
	p   *Peripheral
	key peerKey
}

func (c *gattConn) Notify(data []byte, done func(error)) error {
	if err := c.p.notify(c.key.service, data); err != nil {
		return err
	}
	done(nil)
	return nil
}

func (c *gattConn) MTU() int { return c.p.mtu }

// Disconnect releases the link. The GATT server API cannot drop a single
// central, so the peer stays connected at the link layer until it leaves.
func (c *gattConn) Disconnect(reason uint8) error {
	c.p.drop(c.key, reason)
	return nil
}

var _ proxy.ServerConn = (*gattConn)(nil)

// RegisterServices adds the Mesh Proxy and Mesh Provisioning services to
// adapter and routes their data-in writes to p.
func RegisterServices(adapter *bluetooth.Adapter, p *Peripheral) error {
	services := []struct {
		svc           proxy.Service
		uuid, in, out uint16
	}{
		{proxy.ServiceProxy, protocol.ProxyServiceUUID16, protocol.ProxyDataInUUID16, protocol.ProxyDataOutUUID16},
		{proxy.ServiceProvisioning, protocol.ProvisioningServiceUUID16, protocol.ProvisioningDataInUUID16, protocol.ProvisioningDataOutUUID16},
	}
	for _, s := range services {
		svc := s.svc
		var out bluetooth.Characteristic
		err := adapter.AddService(&bluetooth.Service{
			UUID: bluetooth.New16BitUUID(s.uuid),
			Characteristics: []bluetooth.CharacteristicConfig{
				{
					UUID:  bluetooth.New16BitUUID(s.in),
					Flags: bluetooth.CharacteristicWriteWithoutResponsePermission,
					WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
						if offset != 0 {
							return
						}
						p.HandleWrite(fmt.Sprint(client), svc, value)
					},
				},
				{
					Handle: &out,
					UUID:   bluetooth.New16BitUUID(s.out),
					Flags:  bluetooth.CharacteristicNotifyPermission,
				},
			},
		})
		if err != nil {
			return fmt.Errorf("ble: add %s service: %w", svc, err)
		}
		p.SetNotifier(svc, &out)
	}
	return nil
}
