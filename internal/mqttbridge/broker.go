package mqttbridge

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Broker is the part of an MQTT client the bridge needs.
type Broker interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// PahoBroker is a Broker backed by the Eclipse Paho client.
type PahoBroker struct {
	client    mqtt.Client
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool
	subs      map[string]func(string, []byte)
}

// NewPahoBroker configures a client for broker (e.g. tcp://host:1883).
func NewPahoBroker(broker, clientID string, logger *slog.Logger) *PahoBroker {
	b := &PahoBroker{logger: logger, subs: make(map[string]func(string, []byte))}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.setConnected(true)
		logger.Info("[MQTT] connected", "broker", broker)
		// clean sessions drop subscriptions across reconnects
		b.mu.RLock()
		subs := maps.Clone(b.subs)
		b.mu.RUnlock()
		for topic, h := range subs {
			_ = b.subscribe(c, topic, h)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.setConnected(false)
		logger.Warn("[MQTT] connection lost", "error", err)
	})

	b.client = mqtt.NewClient(opts)
	return b
}

// Connect waits for the first connection, honoring ctx.
func (b *PahoBroker) Connect(ctx context.Context) error {
	token := b.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			b.client.Disconnect(0)
			return ctx.Err()
		default:
		}
	}
}

func (b *PahoBroker) Publish(topic string, payload []byte) error {
	token := b.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

func (b *PahoBroker) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	b.mu.Lock()
	b.subs[topic] = handler
	b.mu.Unlock()
	if !b.IsConnected() {
		// subscribed by the connect handler
		return nil
	}
	return b.subscribe(b.client, topic, handler)
}

func (b *PahoBroker) subscribe(c mqtt.Client, topic string, handler func(string, []byte)) error {
	token := c.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		b.logger.Warn("[MQTT] subscribe failed", "topic", topic, "error", err)
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	b.logger.Info("[MQTT] subscribed", "topic", topic)
	return nil
}

// IsConnected returns whether the client is connected.
func (b *PahoBroker) IsConnected() bool {
	b.mu.RLock()
	connected := b.connected
	b.mu.RUnlock()
	return connected && b.client.IsConnected()
}

// Close disconnects from the broker.
func (b *PahoBroker) Close() {
	b.client.Disconnect(250)
	b.setConnected(false)
	b.logger.Info("[MQTT] disconnected")
}

func (b *PahoBroker) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

var _ Broker = (*PahoBroker)(nil)

// LogBroker stands in when no broker is configured: published frames are
// logged at debug level and nothing is ever delivered.
type LogBroker struct {
	Logger *slog.Logger
}

func (b LogBroker) Publish(topic string, payload []byte) error {
	f, err := UnmarshalFrame(payload)
	if err != nil {
		return err
	}
	b.Logger.Debug("[MQTT] frame", "topic", topic, "conn", f.Conn, "net_idx", f.NetIdx, "len", len(f.PDU))
	return nil
}

func (b LogBroker) Subscribe(string, func(string, []byte)) error { return nil }

var _ Broker = LogBroker{}
