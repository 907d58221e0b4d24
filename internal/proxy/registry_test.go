package proxy

import (
	"errors"
	"testing"
	"time"
)

func TestWorkerSubmitNeverBlocks(t *testing.T) {
	w := NewWorker(1, testLogger())
	if err := w.Submit(Command{Kind: CmdSendBeacons}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := w.Submit(Command{Kind: CmdSendBeacons}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit() on full queue error = %v, want ErrQueueFull", err)
	}
	var ran []CommandKind
	w.SetExecutor(func(c Command) { ran = append(ran, c.Kind) })
	if n := w.Drain(); n != 1 || len(ran) != 1 {
		t.Errorf("Drain() = %d, ran %v", n, ran)
	}
}

func TestRegistrySARTimeoutRetriedWhenQueueFull(t *testing.T) {
	clock := newFakeClock()
	w := NewWorker(1, testLogger())
	reg := NewRegistry(RegistryOptions{MaxConnections: 2, SARTimeout: time.Second, Clock: clock, Worker: w, Logger: testLogger()})

	conn := &fakeServerConn{}
	role, err := reg.Attach(NewServerTransport(conn, nil), ServiceProxy)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	w.SetExecutor(func(c Command) {
		if c.Kind == CmdDisconnect {
			reg.disconnect(c.Conn, c.Reason)
		}
	})

	if _, err := reg.Recv(role.Index(), []byte{0x40, 0x01}); err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	// occupy the only queue slot
	w.Submit(Command{Kind: CmdSendBeacons})

	reg.Tick(clock.Advance(2 * time.Second))
	if role.Closing() {
		t.Fatal("role marked closing although the request was not queued")
	}

	w.Drain()
	reg.Tick(clock.Advance(time.Second))
	w.Drain()
	if got := conn.disconnectCount(); got != 1 {
		t.Errorf("disconnects = %d, want 1", got)
	}
}

func TestRegistryRecvUnknownConnection(t *testing.T) {
	reg := NewRegistry(RegistryOptions{Logger: testLogger()})
	if _, err := reg.Recv(2, []byte{0x00}); !errors.Is(err, ErrNoRole) {
		t.Errorf("Recv() error = %v, want ErrNoRole", err)
	}
	if reg.Release(7) != nil {
		t.Error("Release() out of range returned a role")
	}
}

func TestPayloadMTU(t *testing.T) {
	tests := []struct {
		att, want int
	}{
		{0, 19},
		{23, 19},
		{69, 65},
		{4, 1},
	}
	for _, tt := range tests {
		if got := payloadMTU(tt.att); got != tt.want {
			t.Errorf("payloadMTU(%d) = %d, want %d", tt.att, got, tt.want)
		}
	}
}
