package proxy

import (
	"bytes"
	"errors"
	"slices"
	"testing"
	"time"
)

func (tn *testNode) connectProvisioning(t *testing.T) (ConnIndex, *fakeServerConn) {
	t.Helper()
	if err := tn.PB.LinkAccept(); err != nil {
		t.Fatalf("LinkAccept() error = %v", err)
	}
	conn := &fakeServerConn{}
	idx, err := tn.Server.Connected(conn, ServiceProvisioning)
	if err != nil {
		t.Fatalf("Connected() error = %v", err)
	}
	if err := tn.Server.Subscribed(idx); err != nil {
		t.Fatalf("Subscribed() error = %v", err)
	}
	return idx, conn
}

func TestPBGATTServerLinkLifecycle(t *testing.T) {
	tn := newTestNode(t, Options{})
	idx, conn := tn.connectProvisioning(t)
	if tn.bearer.opened != 1 {
		t.Fatalf("LinkOpened called %d times, want 1", tn.bearer.opened)
	}
	if mode, _, _ := tn.Server.Filter(idx); mode != FilterProvisioning {
		t.Errorf("filter mode = %s, want provisioning", mode)
	}

	tn.Server.Write(idx, []byte{0x03, 0x05, 0x00})
	if len(tn.bearer.recv) != 1 || !bytes.Equal(tn.bearer.recv[0], []byte{0x05, 0x00}) {
		t.Errorf("bearer recv = %x", tn.bearer.recv)
	}

	// proxy traffic on a provisioning link is rejected
	tn.Server.Write(idx, []byte{0x00, 0x01})
	if len(tn.net.network()) != 0 {
		t.Error("network PDU accepted on provisioning link")
	}

	if err := tn.PB.Send([]byte{0x07}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := conn.sent(); len(got) != 1 || !bytes.Equal(got[0], []byte{0x03, 0x07}) {
		t.Errorf("sent %x, want [03 07]", got)
	}

	tn.PB.LinkClose(CloseSuccess)
	tn.Worker.Drain()
	if conn.disconnectCount() != 1 {
		t.Fatalf("disconnects = %d, want 1", conn.disconnectCount())
	}
	tn.Server.Disconnected(idx, 0x13)
	tn.Server.Disconnected(idx, 0x13)
	if got := tn.bearer.closedReasons(); !slices.Equal(got, []CloseReason{CloseSuccess}) {
		t.Errorf("LinkClosed reasons = %v, want [success]", got)
	}
}

func TestPBGATTTimeoutReportsOnce(t *testing.T) {
	tn := newTestNode(t, Options{PBTimeout: 60 * time.Second})
	idx, conn := tn.connectProvisioning(t)

	tn.clock.Advance(40 * time.Second)
	tn.Server.Write(idx, []byte{0x03, 0x01})
	tn.Tick(tn.clock.Advance(40 * time.Second))
	if len(tn.bearer.closedReasons()) != 0 {
		t.Fatal("received PDU did not re-arm the protocol timer")
	}

	tn.Tick(tn.clock.Advance(21 * time.Second))
	tn.Worker.Drain()
	if got := tn.bearer.closedReasons(); !slices.Equal(got, []CloseReason{CloseTimeout}) {
		t.Fatalf("LinkClosed reasons = %v, want [timeout]", got)
	}
	if conn.disconnectCount() != 1 {
		t.Errorf("disconnects = %d, want 1", conn.disconnectCount())
	}
	if err := tn.PB.Send([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() after timeout error = %v, want ErrNotConnected", err)
	}

	tn.Server.Disconnected(idx, 0x13)
	if got := tn.bearer.closedReasons(); len(got) != 1 {
		t.Errorf("LinkClosed reported %d times, want 1", len(got))
	}
	if tn.PB.Active() {
		t.Error("bridge still active after teardown")
	}
}

func TestPBGATTSingleLink(t *testing.T) {
	tn := newTestNode(t, Options{})
	tn.connectProvisioning(t)

	conn := &fakeServerConn{}
	idx, err := tn.Server.Connected(conn, ServiceProvisioning)
	if err != nil {
		t.Fatalf("Connected() error = %v", err)
	}
	if err := tn.Server.Subscribed(idx); !errors.Is(err, ErrLinkBusy) {
		t.Fatalf("second Subscribed() error = %v, want ErrLinkBusy", err)
	}
	tn.Worker.Drain()
	if conn.disconnectCount() != 1 {
		t.Error("second provisioning link was not dropped")
	}
	if err := tn.PB.LinkAccept(); !errors.Is(err, ErrLinkBusy) {
		t.Errorf("LinkAccept() with open link error = %v, want ErrLinkBusy", err)
	}
}

func TestPBGATTAcceptEnablesProvisioningAdvertising(t *testing.T) {
	tn := newTestNode(t, Options{})
	if err := tn.PB.LinkAccept(); err != nil {
		t.Fatalf("LinkAccept() error = %v", err)
	}
	d := tn.Scheduler.Next(tn.clock.Now())
	if d.Adv == nil || d.Adv.Kind != AdvProvisioning {
		t.Fatalf("Next() = %+v, want provisioning advertising", d)
	}
	tn.PB.LinkDisable()
	if d := tn.Scheduler.Next(tn.clock.Now()); d.Adv != nil {
		t.Errorf("Next() after disable = %+v, want none", d.Adv)
	}
}

func TestPBGATTRejectsWhenNotAccepting(t *testing.T) {
	tn := newTestNode(t, Options{})

	subscribe := func() *fakeServerConn {
		t.Helper()
		conn := &fakeServerConn{}
		idx, err := tn.Server.Connected(conn, ServiceProvisioning)
		if err != nil {
			t.Fatalf("Connected() error = %v", err)
		}
		if err := tn.Server.Subscribed(idx); !errors.Is(err, ErrNotConnected) {
			t.Errorf("Subscribed() error = %v, want ErrNotConnected", err)
		}
		tn.Worker.Drain()
		tn.Server.Disconnected(idx, 0x13)
		return conn
	}

	if conn := subscribe(); conn.disconnectCount() != 1 {
		t.Errorf("disconnects = %d, want 1", conn.disconnectCount())
	}

	if err := tn.PB.LinkAccept(); err != nil {
		t.Fatalf("LinkAccept() error = %v", err)
	}
	tn.PB.LinkDisable()
	if conn := subscribe(); conn.disconnectCount() != 1 {
		t.Errorf("disconnects after LinkDisable = %d, want 1", conn.disconnectCount())
	}

	if tn.bearer.opened != 0 {
		t.Errorf("LinkOpened called %d times, want 0", tn.bearer.opened)
	}
	if got := tn.bearer.closedReasons(); len(got) != 0 {
		t.Errorf("LinkClosed reasons = %v, want none", got)
	}
	if tn.PB.Active() {
		t.Error("bridge active without an accepted link")
	}
}

func TestPBGATTTimeoutDisconnectRetriedWhenQueueFull(t *testing.T) {
	tn := newTestNode(t, Options{QueueSize: 1, PBTimeout: 60 * time.Second})
	idx, conn := tn.connectProvisioning(t)

	// occupy the only queue slot
	if err := tn.Worker.Submit(Command{Kind: CmdSendBeacons, Conn: NoConn}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	tn.Tick(tn.clock.Advance(61 * time.Second))
	if got := tn.bearer.closedReasons(); !slices.Equal(got, []CloseReason{CloseTimeout}) {
		t.Fatalf("LinkClosed reasons = %v, want [timeout]", got)
	}

	tn.Worker.Drain()
	if conn.disconnectCount() != 0 {
		t.Fatalf("disconnects = %d before retry, want 0", conn.disconnectCount())
	}

	tn.Tick(tn.clock.Advance(time.Second))
	tn.Worker.Drain()
	if conn.disconnectCount() != 1 {
		t.Fatalf("disconnects = %d after retry, want 1", conn.disconnectCount())
	}

	// further ticks do not queue another disconnect
	tn.Tick(tn.clock.Advance(time.Second))
	tn.Worker.Drain()
	if conn.disconnectCount() != 1 {
		t.Errorf("disconnects = %d, want 1", conn.disconnectCount())
	}

	tn.Server.Disconnected(idx, 0x13)
	if tn.PB.Active() {
		t.Error("bridge still active after teardown")
	}
	if got := tn.bearer.closedReasons(); len(got) != 1 {
		t.Errorf("LinkClosed reported %d times, want 1", len(got))
	}
}

func TestPBGATTLinkCloseRetriedWhenQueueFull(t *testing.T) {
	tn := newTestNode(t, Options{QueueSize: 1})
	idx, conn := tn.connectProvisioning(t)

	if err := tn.Worker.Submit(Command{Kind: CmdSendBeacons, Conn: NoConn}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	tn.PB.LinkClose(CloseFail)
	tn.Worker.Drain()
	if conn.disconnectCount() != 0 {
		t.Fatalf("disconnects = %d before retry, want 0", conn.disconnectCount())
	}

	tn.Tick(tn.clock.Advance(time.Second))
	tn.Worker.Drain()
	if conn.disconnectCount() != 1 {
		t.Fatalf("disconnects = %d after retry, want 1", conn.disconnectCount())
	}
	tn.Server.Disconnected(idx, 0x13)
	if got := tn.bearer.closedReasons(); !slices.Equal(got, []CloseReason{CloseFail}) {
		t.Errorf("LinkClosed reasons = %v, want [fail]", got)
	}
}
