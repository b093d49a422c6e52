package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// Webhook target types.
const (
	WebhookSlack = "slack"
	WebhookTeams = "teams"
	WebhookHTTP  = "http"
)

// fact is one labelled value of a frame alert, rendered as a Slack
// attachment field or a Teams MessageCard fact.
type fact struct {
	Name  string
	Value string
}

// facts lists what a receiver needs to act on a frame alert.
func facts(a *Alert) []fact {
	fs := []fact{
		{"Key", a.Key},
		{"Rule", a.RuleName},
		{"Condition", a.Condition},
		{"Value", strconv.FormatFloat(a.Value, 'g', -1, 64)},
		{"Frame", a.Frame},
		{"Seq", strconv.FormatUint(a.Seq, 10)},
	}
	if a.Frame == "" {
		fs[4].Value = "(empty)"
	}
	return fs
}

// headline is the one-line summary shared by every target.
func headline(a *Alert) string {
	return fmt.Sprintf("%s %s: %s on %s", severityLabel(a.Severity), stateLabel(a.State), a.RuleName, a.Key)
}

// payloadFor builds the request body for target type typ.
func payloadFor(typ string, a *Alert) (any, error) {
	switch typ {
	case WebhookSlack:
		fields := make([]map[string]any, 0, 6)
		for _, f := range facts(a) {
			fields = append(fields, map[string]any{"title": f.Name, "value": f.Value, "short": true})
		}
		return map[string]any{
			"text": headline(a),
			"attachments": []map[string]any{{
				"color":  "#" + themeColor(a),
				"fields": fields,
			}},
		}, nil

	case WebhookTeams:
		card := make([]map[string]string, 0, 6)
		for _, f := range facts(a) {
			card = append(card, map[string]string{"name": f.Name, "value": f.Value})
		}
		return map[string]any{
			"@type":      "MessageCard",
			"@context":   "http://schema.org/extensions",
			"themeColor": themeColor(a),
			"summary":    headline(a),
			"title":      headline(a),
			"sections":   []map[string]any{{"facts": card}},
		}, nil

	case WebhookHTTP:
		return map[string]any{"event": "alert." + a.State, "alert": a}, nil

	default:
		return nil, fmt.Errorf("unknown webhook type %q", typ)
	}
}

// deliver posts a to every configured target. Failures are logged only.
func (e *Engine) deliver(a *Alert) {
	for _, wh := range e.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}
		log := slog.With("type", wh.Type, "rule", a.RuleName, "key", a.Key, "state", a.State)

		payload, err := payloadFor(wh.Type, a)
		if err != nil {
			log.Warn("alerts: skipping webhook", "err", err)
			continue
		}
		if err := e.post(url, payload); err != nil {
			log.Error("alerts: webhook delivery failed", "err", err)
			continue
		}
		log.Debug("alerts: webhook delivered")
	}
}

func (e *Engine) post(url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func severityLabel(s string) string {
	switch s {
	case "critical":
		return "[CRITICAL]"
	case "info":
		return "[INFO]"
	default:
		return "[WARNING]"
	}
}

func stateLabel(s string) string {
	if s == StateResolved {
		return "RESOLVED"
	}
	return "FIRING"
}

// themeColor is green once resolved, otherwise keyed by severity.
func themeColor(a *Alert) string {
	if a.State == StateResolved {
		return "2EB67D"
	}
	switch a.Severity {
	case "critical":
		return "FF4F6A"
	case "info":
		return "00D4FF"
	default:
		return "FFAB40"
	}
}
