package query

import (
	"bytes"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/canstream/canstream/pkg/canid"
	"github.com/canstream/canstream/server/internal/store"
)

// DefaultDecodeKey is the frame carrying the next-stop name as NUL-padded UTF-8.
const DefaultDecodeKey = "0x103"

// RecordView is the JSON form of one stored record.
type RecordView struct {
	Timestamp float64 `json:"timestamp"` // unix seconds
	Payload   []int   `json:"payload"`
	Extended  bool    `json:"extended"`
	Source    string  `json:"source"`
	Seq       uint64  `json:"seq"`
}

// LatestView is a RecordView plus the decoded text of the decode key.
type LatestView struct {
	RecordView
	Decoded *string `json:"decoded,omitempty"`
}

// PushView is the live-update form of a record.
type PushView struct {
	Payload   []int   `json:"payload"`
	Timestamp float64 `json:"timestamp"`
	Extended  bool    `json:"extended"`
}

// Service answers read queries against the store. Reads never mutate records.
type Service struct {
	store     *store.Store
	decodeKey atomic.Value // string
}

// New creates a Service over st. decodeKey is normalized; empty disables decoding.
func New(st *store.Store, decodeKey string) *Service {
	s := &Service{store: st}
	s.SetDecodeKey(decodeKey)
	return s
}

// SetDecodeKey changes the key whose latest payload is decoded as text.
func (s *Service) SetDecodeKey(key string) {
	if key != "" {
		if k, err := canid.Parse(key); err == nil {
			key = k
		}
	}
	s.decodeKey.Store(key)
}

// DecodeKey returns the canonical decode key, or "" when decoding is off.
func (s *Service) DecodeKey() string {
	k, _ := s.decodeKey.Load().(string)
	return k
}

// FullHistory returns every key's retained records, oldest first.
func (s *Service) FullHistory() map[string][]RecordView {
	all := s.store.All()
	out := make(map[string][]RecordView, len(all))
	for key, recs := range all {
		out[key] = views(recs)
	}
	return out
}

// LatestPerKey returns the newest record of every key that has one.
func (s *Service) LatestPerKey() map[string]LatestView {
	decodeKey := s.DecodeKey()
	latest := s.store.Latest()
	out := make(map[string]LatestView, len(latest))
	for key, rec := range latest {
		lv := LatestView{RecordView: View(rec)}
		if key == decodeKey {
			text := DecodeText(rec.Payload)
			lv.Decoded = &text
		}
		out[key] = lv
	}
	return out
}

// HistoryFor returns the records of one key given in any identifier form.
// Unknown or unparsable keys yield an empty slice.
func (s *Service) HistoryFor(id any) []RecordView {
	key, err := canid.Parse(id)
	if err != nil {
		return []RecordView{}
	}
	return views(s.store.History(key))
}

// View converts a record to its JSON form.
func View(rec store.Record) RecordView {
	return RecordView{
		Timestamp: unixSeconds(rec.Timestamp),
		Payload:   ints(rec.Payload),
		Extended:  rec.Extended,
		Source:    rec.Source,
		Seq:       rec.Seq,
	}
}

// Push converts a record to its live-update form.
func Push(rec store.Record) PushView {
	return PushView{
		Payload:   ints(rec.Payload),
		Timestamp: unixSeconds(rec.Timestamp),
		Extended:  rec.Extended,
	}
}

// DecodeText reads payload as UTF-8 text with trailing NUL padding removed.
// Invalid UTF-8 yields "".
func DecodeText(payload []byte) string {
	b := bytes.TrimRight(payload, "\x00")
	if !utf8.Valid(b) {
		return ""
	}
	return string(b)
}

func views(recs []store.Record) []RecordView {
	out := make([]RecordView, len(recs))
	for i, r := range recs {
		out[i] = View(r)
	}
	return out
}

func ints(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
