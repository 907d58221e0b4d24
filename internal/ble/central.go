package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/meshproxy/internal/proxy"
	"github.com/chaz8081/meshproxy/internal/proxy/protocol"
)

// AdvertisementHandler consumes mesh service data seen while scanning.
type AdvertisementHandler interface {
	HandleAdvertisement(addr string, svc16 uint16, data []byte)
}

// Central adapts an Adapter to the proxy client's connection interface.
type Central struct {
	adapter Adapter
}

func NewCentral(adapter Adapter) *Central {
	return &Central{adapter: adapter}
}

func (c *Central) Connect(ctx context.Context, addr string) (proxy.Peer, error) {
	conn, err := c.adapter.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}
	return peer{conn}, nil
}

var _ proxy.Central = (*Central)(nil)

type peer struct {
	Connection
}

func (p peer) DiscoverCharacteristic(serviceUUID, charUUID string) (proxy.Characteristic, error) {
	return p.Connection.DiscoverCharacteristic(serviceUUID, charUUID)
}

// ScanOptions configures the scan loop.
type ScanOptions struct {
	// RestartMax caps the backoff between scan restarts, in seconds.
	RestartMax int
}

// backoffDelay returns the restart delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// ScanLoop scans until ctx is cancelled, passing Mesh Proxy and Mesh
// Provisioning service data to h. A failed scan is restarted with
// exponential backoff.
func ScanLoop(ctx context.Context, adapter Adapter, h AdvertisementHandler, opts ScanOptions) error {
	if opts.RestartMax <= 0 {
		opts.RestartMax = 30
	}
	handler := func(adv Advertisement) {
		for _, svc := range []uint16{protocol.ProxyServiceUUID16, protocol.ProvisioningServiceUUID16} {
			if data, ok := adv.ServiceData[svc]; ok {
				h.HandleAdvertisement(adv.Addr, svc, data)
			}
		}
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, opts.RestartMax)
			slog.Info("[BLE] scan restart backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := adapter.Scan(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Warn("[BLE] scan failed", "error", err, "attempt", attempt+1)
			continue
		}
		attempt = -1
	}
}

// UnprovisionedDevice is a device advertising the Mesh Provisioning service.
type UnprovisionedDevice struct {
	Addr    string
	Name    string
	RSSI    int
	UUID    string
	OOBInfo uint16
}

// ScanUnprovisioned lists devices advertising Mesh Provisioning service data.
func ScanUnprovisioned(adapter Adapter, timeout time.Duration) ([]UnprovisionedDevice, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var devices []UnprovisionedDevice
	seen := make(map[string]bool)
	err := adapter.Scan(ctx, func(adv Advertisement) {
		data, ok := adv.ServiceData[protocol.ProvisioningServiceUUID16]
		if !ok || seen[adv.Addr] {
			return
		}
		prov, err := protocol.ParseProvisioningServiceData(data)
		if err != nil {
			return
		}
		seen[adv.Addr] = true
		devices = append(devices, UnprovisionedDevice{
			Addr:    adv.Addr,
			Name:    adv.Name,
			RSSI:    adv.RSSI,
			UUID:    prov.DeviceUUID.String(),
			OOBInfo: prov.OOBInfo,
		})
	})
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}
