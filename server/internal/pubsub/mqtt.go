package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTT subscribes to one topic on an MQTT broker. Reconnects are left to the
// Adapter, so the client's own auto-reconnect is off.
type MQTT struct {
	Broker   string
	Port     int
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
}

type mqttSession struct {
	client mqtt.Client
	topic  string
	lost   chan error
	once   sync.Once
}

// Connect dials the broker and subscribes to the topic.
func (m *MQTT) Connect(ctx context.Context, handler func([]byte)) (Session, error) {
	sess := &mqttSession{topic: m.Topic, lost: make(chan error, 1)}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", m.Broker, m.Port)).
		SetClientID(m.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case sess.lost <- err:
			default:
			}
		})
	if m.Username != "" {
		opts.SetUsername(m.Username).SetPassword(m.Password)
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s:%d: %w", m.Broker, m.Port, err)
	}

	sub := client.Subscribe(m.Topic, m.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if err := wait(ctx, sub); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt subscribe %q: %w", m.Topic, err)
	}

	sess.client = client
	return sess, nil
}

func (s *mqttSession) Lost() <-chan error { return s.lost }

func (s *mqttSession) Close() {
	s.once.Do(func() {
		if s.client.IsConnectionOpen() {
			s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
		}
		s.client.Disconnect(250)
	})
}

// wait blocks until tok completes or ctx ends.
func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
