package events

import (
	"log/slog"
	"testing"
	"time"

	"github.com/chaz8081/meshproxy/internal/proxy"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func receive(t *testing.T, sub Subscription) any {
	t.Helper()
	select {
	case msg := <-sub:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBusDeliversByTopic(t *testing.T) {
	b := New(8, testLogger())
	defer b.Close()

	links := b.Subscribe(proxy.TopicLinkOpened, proxy.TopicLinkClosed)
	conns := b.Subscribe(proxy.TopicConnected)

	b.Publish(proxy.TopicConnected, proxy.Event{Conn: 1, Service: proxy.ServiceProxy})
	b.Publish(proxy.TopicLinkClosed, proxy.Event{Conn: 2, Service: proxy.ServiceProvisioning, Detail: "timeout"})

	ev, ok := receive(t, conns).(proxy.Event)
	if !ok || ev.Conn != 1 {
		t.Errorf("conn.connected event = %v", ev)
	}
	ev, ok = receive(t, links).(proxy.Event)
	if !ok || ev.Conn != 2 || ev.Detail != "timeout" {
		t.Errorf("link.closed event = %v", ev)
	}

	select {
	case msg := <-conns:
		t.Errorf("conn subscriber received unrelated event %v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := New(0, testLogger())
	defer b.Close()

	sub := b.Subscribe(AllTopics()...)
	b.Unsubscribe(sub)

	select {
	case _, ok := <-sub:
		if ok {
			t.Error("received an event after Unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Unsubscribe")
	}
}

func TestAllTopicsDistinct(t *testing.T) {
	seen := make(map[string]bool)
	for _, topic := range AllTopics() {
		if seen[topic] {
			t.Errorf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
	if len(seen) != 6 {
		t.Errorf("AllTopics() = %d topics, want 6", len(seen))
	}
}
