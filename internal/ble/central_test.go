package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/meshproxy/internal/proxy/protocol"
	"github.com/google/uuid"
)

type seenAdv struct {
	addr string
	svc  uint16
}

type recordingHandler struct {
	mu   sync.Mutex
	seen []seenAdv
	ch   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{ch: make(chan struct{}, 16)}
}

func (h *recordingHandler) HandleAdvertisement(addr string, svc16 uint16, data []byte) {
	h.mu.Lock()
	h.seen = append(h.seen, seenAdv{addr, svc16})
	h.mu.Unlock()
	h.ch <- struct{}{}
}

func (h *recordingHandler) snapshot() []seenAdv {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]seenAdv(nil), h.seen...)
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		max     int
		want    time.Duration
	}{
		{0, 30, 1 * time.Second},
		{1, 30, 2 * time.Second},
		{2, 30, 4 * time.Second},
		{4, 30, 16 * time.Second},
		{5, 30, 30 * time.Second},
		{10, 30, 30 * time.Second},
		{3, 5, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.attempt, tt.max); got != tt.want {
			t.Errorf("backoffDelay(%d, %d) = %v, want %v", tt.attempt, tt.max, got, tt.want)
		}
	}
}

func TestScanLoopForwardsMeshServiceData(t *testing.T) {
	adapter := newMockAdapter(
		Advertisement{Addr: "AA", ServiceData: map[uint16][]byte{protocol.ProxyServiceUUID16: {0x00}}},
		Advertisement{Addr: "BB", ServiceData: map[uint16][]byte{0x180f: {0x64}}},
		Advertisement{Addr: "CC", ServiceData: map[uint16][]byte{protocol.ProvisioningServiceUUID16: {0x01}}},
	)
	h := newRecordingHandler()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ScanLoop(ctx, adapter, h, ScanOptions{}) }()

	for i := 0; i < 2; i++ {
		select {
		case <-h.ch:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for advertisements")
		}
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("ScanLoop() error = %v, want context.Canceled", err)
	}

	got := h.snapshot()
	want := []seenAdv{{"AA", protocol.ProxyServiceUUID16}, {"CC", protocol.ProvisioningServiceUUID16}}
	if len(got) != len(want) {
		t.Fatalf("forwarded %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("forwarded[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestScanLoopRestartsAfterFailure(t *testing.T) {
	adapter := newMockAdapter()
	adapter.scanErrs = []error{errors.New("adapter busy")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- ScanLoop(ctx, adapter, newRecordingHandler(), ScanOptions{RestartMax: 1}) }()

	deadline := time.Now().Add(4 * time.Second)
	for adapter.scanCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("scan restarted %d times, want a restart", adapter.scanCount()-1)
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-errCh
}

func TestScanUnprovisioned(t *testing.T) {
	dev := uuid.MustParse("70cf7c97-32a3-45b6-9149-4810d2e9cbf4")
	data := protocol.ProvisioningServiceData(dev, 0x0004)
	adapter := newMockAdapter(
		Advertisement{Addr: "AA", Name: "lamp", RSSI: -40, ServiceData: map[uint16][]byte{protocol.ProvisioningServiceUUID16: data}},
		Advertisement{Addr: "AA", ServiceData: map[uint16][]byte{protocol.ProvisioningServiceUUID16: data}},
		Advertisement{Addr: "BB", ServiceData: map[uint16][]byte{protocol.ProvisioningServiceUUID16: {0x01, 0x02}}},
		Advertisement{Addr: "CC", ServiceData: map[uint16][]byte{protocol.ProxyServiceUUID16: {0x00}}},
	)

	devices, err := ScanUnprovisioned(adapter, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ScanUnprovisioned() error = %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("ScanUnprovisioned() = %d devices, want 1", len(devices))
	}
	d := devices[0]
	if d.Addr != "AA" || d.Name != "lamp" || d.UUID != dev.String() || d.OOBInfo != 0x0004 {
		t.Errorf("device = %+v", d)
	}
}

func TestScanUnprovisionedEnableError(t *testing.T) {
	adapter := newMockAdapter()
	adapter.enableErr = errors.New("powered off")
	if _, err := ScanUnprovisioned(adapter, time.Millisecond); err == nil {
		t.Fatal("ScanUnprovisioned() expected error when the adapter cannot be enabled")
	}
}

func TestCentralConnect(t *testing.T) {
	adapter := newMockAdapter()
	c := NewCentral(adapter)

	p, err := c.Connect(context.Background(), "AA")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if p.MTU() != defaultATTMTU {
		t.Errorf("MTU() = %d, want %d", p.MTU(), defaultATTMTU)
	}
	in := protocol.UUIDString(protocol.ProxyDataInUUID16)
	ch, err := p.DiscoverCharacteristic(protocol.UUIDString(protocol.ProxyServiceUUID16), in)
	if err != nil {
		t.Fatalf("DiscoverCharacteristic() error = %v", err)
	}
	if err := ch.Write([]byte{0x00, 0x01}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	conn := adapter.latestConnection()
	if got := len(conn.char(in).writes); got != 1 {
		t.Errorf("writes = %d, want 1", got)
	}
	if err := p.Disconnect(); err != nil || !conn.disconnected {
		t.Errorf("Disconnect() error = %v, disconnected = %v", err, conn.disconnected)
	}
}
