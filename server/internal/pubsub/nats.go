package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subscribes to one subject on a NATS server. Reconnects are left to
// the Adapter, so the client's own reconnect logic is off.
type NATS struct {
	URL      string
	Subject  string
	Name     string
	Username string
	Password string
}

type natsSession struct {
	conn *nats.Conn
	sub  *nats.Subscription
	lost chan error
	once sync.Once
}

var errNATSClosed = errors.New("nats connection closed")

// Connect dials the server and subscribes to the subject.
func (n *NATS) Connect(ctx context.Context, handler func([]byte)) (Session, error) {
	lost := make(chan error, 1)
	signal := func(err error) {
		select {
		case lost <- err:
		default:
		}
	}

	opts := []nats.Option{
		nats.Name(n.Name),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = errLost
			}
			signal(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) { signal(errNATSClosed) }),
	}
	if n.Username != "" {
		opts = append(opts, nats.UserInfo(n.Username, n.Password))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(n.URL, opts...)
		done <- result{conn, err}
	}()

	var conn *nats.Conn
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("nats connect %s: %w", n.URL, r.err)
		}
		conn = r.conn
	case <-ctx.Done():
		// Close a connection that completes after we gave up.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("nats connect %s: %w", n.URL, ctx.Err())
	}

	sub, err := conn.Subscribe(n.Subject, func(m *nats.Msg) { handler(m.Data) })
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats subscribe %q: %w", n.Subject, err)
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats subscribe %q: %w", n.Subject, err)
	}

	return &natsSession{conn: conn, sub: sub, lost: lost}, nil
}

func (s *natsSession) Lost() <-chan error { return s.lost }

func (s *natsSession) Close() {
	s.once.Do(func() {
		s.sub.Unsubscribe() //nolint:errcheck
		s.conn.Close()
	})
}
