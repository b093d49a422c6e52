package pubsub

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/canstream/canstream/server/internal/config"
)

// FromConfig builds the transport selected by cfg.Driver.
func FromConfig(cfg config.PubSubConfig) (Transport, error) {
	id := cfg.ClientID
	if id == "" {
		id = "canstream-" + uuid.NewString()[:8]
	}

	switch cfg.Driver {
	case "mqtt", "":
		return &MQTT{
			Broker:   cfg.Broker,
			Port:     cfg.EffectivePort(),
			Topic:    cfg.Topic,
			ClientID: id,
			Username: cfg.Username(),
			Password: cfg.Password(),
			QoS:      cfg.QoS,
		}, nil
	case "nats":
		return &NATS{
			URL:      fmt.Sprintf("nats://%s:%d", cfg.Broker, cfg.EffectivePort()),
			Subject:  cfg.Topic,
			Name:     id,
			Username: cfg.Username(),
			Password: cfg.Password(),
		}, nil
	default:
		return nil, fmt.Errorf("pubsub: unknown driver %q", cfg.Driver)
	}
}
