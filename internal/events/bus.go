// Package events carries connection and link lifecycle events between the
// bearer and its observers.
package events

import (
	"log/slog"
	"reflect"

	"github.com/cskr/pubsub"

	"github.com/chaz8081/meshproxy/internal/proxy"
)

type Subscription chan any

// Bus is a topic bus backed by cskr/pubsub. It satisfies proxy.Publisher.
type Bus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger
}

func New(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = 128
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		ps:     pubsub.New(capacity),
		logger: logger,
	}
}

func (b *Bus) Publish(topic string, msg any) {
	b.logger.Debug("publish", "topic", topic, "payload_type", payloadType(msg))
	b.ps.Pub(msg, topic)
}

func (b *Bus) Subscribe(topics ...string) Subscription {
	ch := b.ps.Sub(topics...)
	b.logger.Debug("subscribe", "topics", topics)
	return ch
}

func (b *Bus) Unsubscribe(ch Subscription, topics ...string) {
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		return
	}
	b.ps.Unsub(ch, topics...)
}

func (b *Bus) Close() {
	b.ps.Shutdown()
}

// AllTopics lists every lifecycle topic the bearer publishes.
func AllTopics() []string {
	return []string{
		proxy.TopicConnected,
		proxy.TopicDisconnected,
		proxy.TopicLinkOpened,
		proxy.TopicLinkClosed,
		proxy.TopicSARTimeout,
		proxy.TopicAdvChanged,
	}
}

// Log writes every event received on sub until the channel closes.
func Log(sub Subscription, logger *slog.Logger) {
	for msg := range sub {
		ev, ok := msg.(proxy.Event)
		if !ok {
			continue
		}
		logger.Debug("[EVENT]", "conn", ev.Conn, "service", ev.Service, "net_idx", ev.NetIdx, "detail", ev.Detail)
	}
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}

var _ proxy.Publisher = (*Bus)(nil)
