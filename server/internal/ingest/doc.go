// Package ingest is the single write path into the history store.
//
// Every intake adapter (HTTP, gRPC, MQTT, NATS) converts what it received
// into a RawEvent and calls Gateway.Ingest. Validation is strict for the key,
// payload, extended and source fields (InvalidMessageError, nothing stored)
// and lenient for the timestamp, which falls back to ingestion time.
package ingest
