// Package pubsub is the publish/subscribe intake of canstream-server.
//
// An Adapter supervises one broker subscription through a small state
// machine:
//
//	Disconnected -> Connecting -> Connected -> Disconnected -> ...
//	                Connecting -> Disconnected (failed or timed-out connect)
//
// Each connect attempt is bounded by the connect timeout. Failures and lost
// sessions are retried forever with truncated exponential backoff and ±25%
// jitter; a successful connect resets the backoff. Every message payload is
// a JSON event handed to the ingestion gateway, labelled with the driver
// name when it has no source. A bad message is logged and dropped.
//
// Transports: MQTT (eclipse/paho.mqtt.golang) and NATS (nats-io/nats.go),
// both with their built-in reconnect disabled so the Adapter alone decides
// when to retry.
package pubsub
