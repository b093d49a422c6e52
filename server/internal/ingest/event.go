package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/canstream/canstream/pkg/canid"
)

// DefaultSource labels records whose producer did not name itself.
const DefaultSource = "unknown"

// maxUnixSeconds bounds numeric timestamps so they convert to int64 safely.
const maxUnixSeconds = 1 << 40

// ErrInvalidMessage matches every InvalidMessageError via errors.Is.
var ErrInvalidMessage = errors.New("invalid message")

// InvalidMessageError reports which field of an event failed validation.
type InvalidMessageError struct {
	Field  string
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid message: %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidMessage) true.
func (e *InvalidMessageError) Is(target error) bool { return target == ErrInvalidMessage }

func invalid(field, format string, args ...any) error {
	return &InvalidMessageError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// RawEvent is an event as received from an intake adapter, before validation.
// Field values are whatever the transport decoded: JSON (with UseNumber),
// protobuf Struct values, or native Go values.
//
//	id         string | number, required
//	payload    list of integers 0..255, required
//	timestamp  number | string, optional
//	extended   bool, optional
//	source     string, optional
type RawEvent struct {
	ID        any
	Payload   any
	Timestamp any
	Extended  any
	Source    any
}

// DecodeJSON parses one JSON object into a RawEvent. Anything that is not a
// JSON object is an invalid message.
func DecodeJSON(data []byte) (RawEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return RawEvent{}, invalid("body", "not a JSON object: %v", err)
	}
	if m == nil {
		return RawEvent{}, invalid("body", "not a JSON object")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return RawEvent{}, invalid("body", "trailing data after JSON object")
	}
	return FromMap(m), nil
}

// FromMap picks the event fields out of a decoded object. Unknown fields are ignored.
func FromMap(m map[string]any) RawEvent {
	return RawEvent{
		ID:        m["id"],
		Payload:   m["payload"],
		Timestamp: m["timestamp"],
		Extended:  m["extended"],
		Source:    m["source"],
	}
}

// event is a RawEvent that passed validation.
type event struct {
	key       string
	payload   []byte
	timestamp time.Time
	tsOK      bool
	extended  bool
	source    string
}

func (r RawEvent) validate(now time.Time) (event, error) {
	var ev event

	key, err := parseKey(r.ID)
	if err != nil {
		return ev, err
	}
	ev.key = key

	if ev.payload, err = parsePayload(r.Payload); err != nil {
		return ev, err
	}

	switch v := r.Extended.(type) {
	case nil:
	case bool:
		ev.extended = v
	default:
		return ev, invalid("extended", "want bool, got %T", r.Extended)
	}

	switch v := r.Source.(type) {
	case nil:
		ev.source = DefaultSource
	case string:
		ev.source = v
		if strings.TrimSpace(v) == "" {
			ev.source = DefaultSource
		}
	default:
		return ev, invalid("source", "want string, got %T", r.Source)
	}

	ev.timestamp, ev.tsOK = parseTimestamp(r.Timestamp, now)
	return ev, nil
}

func parseKey(id any) (string, error) {
	if s, ok := id.(string); ok && strings.TrimSpace(s) == "" {
		return "", invalid("id", "must not be empty")
	}
	if id == nil {
		return "", invalid("id", "is required")
	}
	key, err := canid.Parse(id)
	if err != nil {
		return "", invalid("id", "%v", err)
	}
	return key, nil
}

func parsePayload(p any) ([]byte, error) {
	switch v := p.(type) {
	case nil:
		return nil, invalid("payload", "is required")
	case []byte:
		return v, nil
	case []int:
		out := make([]byte, len(v))
		for i, n := range v {
			if n < 0 || n > 255 {
				return nil, invalid("payload", "element %d: %d out of range 0..255", i, n)
			}
			out[i] = byte(n)
		}
		return out, nil
	case []any:
		out := make([]byte, len(v))
		for i, el := range v {
			b, err := toByte(el)
			if err != nil {
				return nil, invalid("payload", "element %d: %v", i, err)
			}
			out[i] = b
		}
		return out, nil
	default:
		return nil, invalid("payload", "want list of integers, got %T", p)
	}
}

func toByte(v any) (byte, error) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		x, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n.String())
		}
		f = x
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, fmt.Errorf("want integer, got %T", v)
	}
	if f != math.Trunc(f) || f < 0 || f > 255 {
		return 0, fmt.Errorf("%v is not an integer in 0..255", f)
	}
	return byte(f), nil
}

// parseTimestamp resolves the event time. It never fails: anything missing
// or unusable becomes now, reported through ok=false.
func parseTimestamp(ts any, now time.Time) (t time.Time, ok bool) {
	var secs float64
	switch v := ts.(type) {
	case nil:
		return now, true
	case time.Time:
		if v.IsZero() {
			return now, false
		}
		return v, true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return now, false
		}
		secs = f
	case float64:
		secs = v
	case int64:
		secs = float64(v)
	case int:
		secs = float64(v)
	case string:
		s := strings.TrimSpace(v)
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			if parsed, perr := time.Parse(time.RFC3339Nano, s); perr == nil {
				return parsed, true
			}
			return now, false
		}
		secs = f
	default:
		return now, false
	}

	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 || secs > maxUnixSeconds {
		return now, false
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)), true
}
