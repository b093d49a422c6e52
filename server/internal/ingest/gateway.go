package ingest

import (
	"errors"
	"log/slog"
	"time"

	"github.com/canstream/canstream/server/internal/broadcast"
	"github.com/canstream/canstream/server/internal/metrics"
	"github.com/canstream/canstream/server/internal/store"
)

// Notifier receives every accepted record. Publish must not block.
type Notifier interface {
	Publish(broadcast.Notification)
}

// Gateway validates raw events from any intake adapter, appends them to the
// store and notifies live subscribers. It is safe for concurrent use.
type Gateway struct {
	store    *store.Store
	notifier Notifier
	metrics  *metrics.Metrics
	now      func() time.Time // injectable for deterministic tests
}

// New creates a Gateway writing to st. notifier and m may be nil.
func New(st *store.Store, notifier Notifier, m *metrics.Metrics) *Gateway {
	return &Gateway{
		store:    st,
		notifier: notifier,
		metrics:  m,
		now:      time.Now,
	}
}

// Ingest validates raw and, if it is a well-formed event, appends exactly one
// record and emits at most one notification. Invalid events return an error
// matching ErrInvalidMessage and leave the store untouched.
func (g *Gateway) Ingest(raw RawEvent) (store.Record, error) {
	ev, err := raw.validate(g.now())
	if err != nil {
		var ime *InvalidMessageError
		if errors.As(err, &ime) {
			g.metrics.Rejected(ime.Field)
		}
		return store.Record{}, err
	}
	if !ev.tsOK {
		g.metrics.TimestampFallback()
		slog.Debug("ingest: unusable timestamp, using ingestion time",
			"key", ev.key, "timestamp", raw.Timestamp)
	}

	rec := g.store.Append(store.Record{
		Key:       ev.key,
		Payload:   ev.payload,
		Timestamp: ev.timestamp,
		Extended:  ev.extended,
		Source:    ev.source,
	}, g.notify)

	g.metrics.Ingested(rec.Source)
	return rec, nil
}

// notify runs under the key's store lock. A panicking notifier is contained
// here so the append it follows still stands.
func (g *Gateway) notify(rec store.Record) {
	if g.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ingest: notifier panicked, record kept",
				"key", rec.Key, "seq", rec.Seq, "panic", r)
		}
	}()
	g.notifier.Publish(broadcast.Notification{Key: rec.Key, Record: rec})
}
