// Package config loads the canstream-server configuration from the `server:`
// section of config.yaml.
//
// Config fields:
//   - GRPCPort        port for the gRPC ingest service (default 50051, 0 disables)
//   - HTTPPort        REST API, WebSocket feed and /metrics (default 5000)
//   - LogLevel        debug | info | warn | error (reloadable)
//   - Auth            API key mode, key env var and header for the write surfaces
//   - History         per-key capacity N (default 10, restart required)
//   - DecodeKey       frame decoded as text in latest-per-key (default "0x103", reloadable)
//   - Broadcast       subscriber queue depth, overflow policy, resync interval
//   - PubSub          mqtt or nats subscription and reconnect backoff
//   - Alerts          frame rules and webhook targets
//
// Load(path) applies defaults, unmarshals, applies the CAN_HISTORY_LENGTH,
// MQTT_BROKER, MQTT_PORT and MQTT_TOPIC overrides, then validates.
// Watch(ctx, path, fn) reloads on change.
package config
