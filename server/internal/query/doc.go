// Package query is the read side of the history store: full history, latest
// record per key, and one key's history, in the JSON shapes served to
// clients. For the configured decode key the latest payload is also rendered
// as text.
package query
