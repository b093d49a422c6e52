package alerts

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/canstream/canstream/pkg/canid"
	"github.com/canstream/canstream/server/internal/broadcast"
	"github.com/canstream/canstream/server/internal/config"
	"github.com/canstream/canstream/server/internal/metrics"
	"github.com/canstream/canstream/server/internal/store"
)

const (
	defaultCooldown   = 15 * time.Minute
	maxHistoryLen     = 200
	recentWindowHours = 1
)

// Alert states.
const (
	StateFiring   = "firing"
	StateResolved = "resolved"
)

// Alert represents a single alert event produced by the rule engine.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"rule_name"`
	Key        string     `json:"key"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Condition  string     `json:"condition"`
	Value      float64    `json:"value"`
	Frame      string     `json:"frame"` // hex payload of the frame that fired
	Seq        uint64     `json:"seq"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	State      string     `json:"state"` // "firing" | "resolved"
}

// rule is a config.AlertRule with its key normalized and condition compiled.
type rule struct {
	config.AlertRule
	key  string // "" matches every key
	cond condition
}

// Engine evaluates frame rules against accepted records and delivers webhook
// notifications when rules fire or resolve. An alert is tracked per rule and
// key; it resolves on the first later frame of that key where the condition
// is false.
//
// Engine is safe for concurrent use.
type Engine struct {
	rules    []rule
	webhooks []config.WebhookConfig
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	active   map[string]*Alert   // key: "ruleName:frameKey"
	lastFire map[string]time.Time // last fire time per key (for cooldown)
	history  []*Alert             // recently resolved alerts
	client   *http.Client
	wg       sync.WaitGroup
}

// New creates an Engine from the alert configuration. Rules whose key or
// condition cannot be compiled are logged and skipped. An Engine with no
// rules is valid; Evaluate becomes a no-op.
func New(cfg config.AlertsConfig, m *metrics.Metrics) *Engine {
	e := &Engine{
		webhooks: cfg.Webhooks,
		metrics:  m,
		now:      time.Now,
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, r := range cfg.Rules {
		compiled, err := compile(r)
		if err != nil {
			slog.Warn("alerts: rule skipped", "rule", r.Name, "err", err)
			continue
		}
		e.rules = append(e.rules, compiled)
	}
	return e
}

func compile(r config.AlertRule) (rule, error) {
	out := rule{AlertRule: r}
	if r.Key != "" {
		k, err := canid.Parse(r.Key)
		if err != nil {
			return rule{}, fmt.Errorf("key %q: %w", r.Key, err)
		}
		out.key = k
	}
	c, err := parseCondition(r.Condition)
	if err != nil {
		return rule{}, err
	}
	out.cond = c
	return out, nil
}

// Rules returns the number of compiled rules.
func (e *Engine) Rules() int { return len(e.rules) }

// Run evaluates every notification from sub until ctx is cancelled or the
// subscription is closed.
func (e *Engine) Run(ctx context.Context, sub *broadcast.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				slog.Warn("alerts: subscription closed, rule evaluation stopped")
				return
			}
			e.Evaluate(n.Key, n.Record)
		}
	}
}

// Evaluate tests all rules for key against rec. Alerts that fire are stored
// and webhook delivery is triggered asynchronously. Alerts that were firing
// but whose condition is now false are resolved.
func (e *Engine) Evaluate(key string, rec store.Record) {
	if len(e.rules) == 0 {
		return
	}

	now := e.now()
	for _, r := range e.rules {
		if r.key != "" && r.key != key {
			continue
		}
		id := r.Name + ":" + key
		fires, value := r.cond.eval(rec.Payload)

		e.mu.Lock()
		var notify *Alert
		if fires {
			notify = e.fire(r, id, key, rec, value, now)
		} else {
			notify = e.resolve(id, now)
		}
		e.mu.Unlock()

		if notify != nil {
			e.wg.Add(1)
			go func(a *Alert) {
				defer e.wg.Done()
				e.deliver(a)
			}(notify)
		}
	}
}

// fire records a firing alert unless the rule is cooling down. Caller holds e.mu.
func (e *Engine) fire(r rule, id, key string, rec store.Record, value float64, now time.Time) *Alert {
	if a, ok := e.active[id]; ok && a.State == StateFiring {
		return nil
	}
	cooldown := r.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if last, ok := e.lastFire[id]; ok && now.Sub(last) <= cooldown {
		return nil
	}

	sev := r.Severity
	if sev == "" {
		sev = "warning"
	}
	a := &Alert{
		ID:        fmt.Sprintf("%s:%d", id, now.UnixNano()),
		RuleName:  r.Name,
		Key:       key,
		Severity:  sev,
		Message:   fmt.Sprintf("%s fired on %s: %s (value %g)", r.Name, key, r.Condition, value),
		Condition: r.Condition,
		Value:     value,
		Frame:     hex.EncodeToString(rec.Payload),
		Seq:       rec.Seq,
		FiredAt:   now,
		State:     StateFiring,
	}
	e.active[id] = a
	e.lastFire[id] = now
	e.metrics.AlertFired(r.Name)

	slog.Warn("alerts: alert fired",
		"rule", r.Name,
		"key", key,
		"value", value,
		"severity", sev,
	)
	cp := *a
	return &cp
}

// resolve moves a firing alert to history. Caller holds e.mu.
func (e *Engine) resolve(id string, now time.Time) *Alert {
	a, ok := e.active[id]
	if !ok || a.State != StateFiring {
		return nil
	}
	resolved := now
	a.State = StateResolved
	a.ResolvedAt = &resolved
	delete(e.active, id)

	e.history = append(e.history, a)
	if len(e.history) > maxHistoryLen {
		e.history = e.history[len(e.history)-maxHistoryLen:]
	}

	slog.Info("alerts: alert resolved", "rule", a.RuleName, "key", a.Key)
	cp := *a
	return &cp
}

// Active returns copies of all currently firing alerts plus any alerts
// resolved within the past hour, sorted newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindowHours * time.Hour)
	out := make([]*Alert, 0, len(e.active))

	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}

// Wait blocks until in-flight webhook deliveries finish.
func (e *Engine) Wait() { e.wg.Wait() }
