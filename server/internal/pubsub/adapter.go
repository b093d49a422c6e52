package pubsub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/canstream/canstream/server/internal/config"
	"github.com/canstream/canstream/server/internal/ingest"
	"github.com/canstream/canstream/server/internal/metrics"
	"github.com/canstream/canstream/server/internal/store"
)

// Transport opens one broker session: connect, subscribe, and deliver every
// message payload to handler. Connect must honour ctx for the dial only; the
// returned Session outlives it.
type Transport interface {
	Connect(ctx context.Context, handler func(payload []byte)) (Session, error)
}

// Session is one live broker connection.
type Session interface {
	// Lost receives once when the broker connection drops.
	Lost() <-chan error
	// Close unsubscribes and disconnects. Safe to call more than once.
	Close()
}

// Ingester is the write path messages are forwarded to.
type Ingester interface {
	Ingest(raw ingest.RawEvent) (store.Record, error)
}

// errLost is reported when a transport signals a drop without a cause.
var errLost = errors.New("connection lost")

// Options tune an Adapter.
type Options struct {
	// Driver labels logs and metrics and is the source recorded for messages
	// that carry none ("mqtt", "nats").
	Driver string

	Retry   config.RetryConfig
	Metrics *metrics.Metrics

	// OnState, if set, observes every state change.
	OnState func(State)
}

// Adapter is the supervised publish/subscribe intake. Run owns the
// connection lifecycle: it retries failed connects and lost sessions with
// bounded backoff until its context ends.
type Adapter struct {
	transport Transport
	gateway   Ingester
	opts      Options
	machine   *Machine
}

// NewAdapter creates an Adapter over t feeding gw.
func NewAdapter(t Transport, gw Ingester, opts Options) *Adapter {
	if opts.Retry.ConnectTimeout <= 0 {
		opts.Retry.ConnectTimeout = config.DefaultConnectTimeout
	}
	a := &Adapter{transport: t, gateway: gw, opts: opts}
	a.machine = NewMachine(a.stateChanged)
	return a
}

// State returns the current connection state.
func (a *Adapter) State() State { return a.machine.State() }

// Driver returns the driver label.
func (a *Adapter) Driver() string { return a.opts.Driver }

func (a *Adapter) stateChanged(from, to State) {
	a.opts.Metrics.SetPubSubState(a.opts.Driver, int(to))
	slog.Debug("pubsub: state changed", "driver", a.opts.Driver, "from", from.String(), "to", to.String())
	if a.opts.OnState != nil {
		a.opts.OnState(to)
	}
}

func (a *Adapter) transition(to State) {
	if err := a.machine.Transition(to); err != nil {
		slog.Error("pubsub: rejected transition", "driver", a.opts.Driver, "err", err)
	}
}

// Run connects and keeps the subscription alive until ctx is cancelled.
// It never returns an error for broker failures; they are logged and retried.
func (a *Adapter) Run(ctx context.Context) {
	bo := newBackoff(a.opts.Retry)

	for {
		if ctx.Err() != nil {
			return
		}

		a.transition(Connecting)
		dialCtx, cancel := context.WithTimeout(ctx, a.opts.Retry.ConnectTimeout)
		sess, err := a.transport.Connect(dialCtx, a.handle)
		cancel()

		if err != nil {
			a.transition(Disconnected)
			a.opts.Metrics.ConnectAttempt(a.opts.Driver, false)
			if ctx.Err() != nil {
				return
			}
			wait := bo.next()
			slog.Error("pubsub: connect failed, will retry",
				"driver", a.opts.Driver,
				"err", err,
				"retry_in", wait)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		a.opts.Metrics.ConnectAttempt(a.opts.Driver, true)
		a.transition(Connected)
		slog.Info("pubsub: connected", "driver", a.opts.Driver)
		bo.reset()

		select {
		case <-ctx.Done():
			sess.Close()
			a.transition(Disconnected)
			slog.Info("pubsub: disconnected", "driver", a.opts.Driver)
			return

		case err := <-sess.Lost():
			sess.Close()
			a.transition(Disconnected)
			if err == nil {
				err = errLost
			}
			wait := bo.next()
			slog.Warn("pubsub: connection lost, will reconnect",
				"driver", a.opts.Driver,
				"err", err,
				"retry_in", wait)
			if !sleep(ctx, wait) {
				return
			}
		}
	}
}

// handle ingests one message. Bad messages are logged and dropped; they
// never affect the session.
func (a *Adapter) handle(payload []byte) {
	raw, err := ingest.DecodeJSON(payload)
	if err != nil {
		a.opts.Metrics.Rejected("body")
		slog.Warn("pubsub: dropped message", "driver", a.opts.Driver, "err", err, "len", len(payload))
		return
	}
	if raw.Source == nil && a.opts.Driver != "" {
		raw.Source = a.opts.Driver
	}
	if _, err := a.gateway.Ingest(raw); err != nil {
		slog.Warn("pubsub: dropped message", "driver", a.opts.Driver, "err", err)
	}
}

// sleep waits for d or ctx. It reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
