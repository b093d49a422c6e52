package store

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"
)

func rec(key string, b ...byte) Record {
	return Record{Key: key, Payload: b, Timestamp: time.Now(), Source: "test"}
}

func TestAppendAndHistory(t *testing.T) {
	st := New(DefaultCapacity)
	st.Append(rec("0x100", 1, 2), nil)

	h := st.History("0x100")
	if len(h) != 1 {
		t.Fatalf("History: got %d records, want 1", len(h))
	}
	if h[0].Payload[1] != 2 {
		t.Errorf("Payload: got %v, want [1 2]", h[0].Payload)
	}
	if h[0].Seq == 0 {
		t.Error("Seq: want non-zero acceptance number")
	}
}

func TestHistory_UnknownKeyIsEmpty(t *testing.T) {
	st := New(DefaultCapacity)
	h := st.History("0x999")
	if h == nil {
		t.Fatal("History: got nil, want empty slice")
	}
	if len(h) != 0 {
		t.Errorf("History: got %d records, want 0", len(h))
	}
}

func TestAppend_EvictsOldestFirst(t *testing.T) {
	const n = 5
	st := New(n)
	for i := 0; i <= n; i++ {
		st.Append(rec("0x101", byte(i)), nil)
	}

	h := st.History("0x101")
	if len(h) != n {
		t.Fatalf("History: got %d records, want %d", len(h), n)
	}
	for i, r := range h {
		if want := byte(i + 1); r.Payload[0] != want {
			t.Errorf("History[%d]: got payload %d, want %d", i, r.Payload[0], want)
		}
	}
}

func TestAppend_CopiesPayload(t *testing.T) {
	st := New(DefaultCapacity)
	buf := []byte{7, 7}
	st.Append(rec("0x102", buf...), nil)
	buf[0] = 0

	if got := st.History("0x102")[0].Payload[0]; got != 7 {
		t.Errorf("stored payload changed with caller buffer: got %d, want 7", got)
	}
}

func TestNew_ClampsCapacity(t *testing.T) {
	st := New(0)
	if st.Capacity() != 1 {
		t.Fatalf("Capacity: got %d, want 1", st.Capacity())
	}
	st.Append(rec("k", 1), nil)
	st.Append(rec("k", 2), nil)
	h := st.History("k")
	if len(h) != 1 || h[0].Payload[0] != 2 {
		t.Errorf("History: got %v, want single record with payload 2", h)
	}
}

func TestLatest_MatchesLastOfHistory(t *testing.T) {
	st := New(3)
	for i := 0; i < 7; i++ {
		st.Append(rec("a", byte(i)), nil)
		st.Append(rec("b", byte(100+i)), nil)
	}

	latest := st.Latest()
	if len(latest) != 2 {
		t.Fatalf("Latest: got %d keys, want 2", len(latest))
	}
	for key, r := range latest {
		h := st.History(key)
		if last := h[len(h)-1]; last.Seq != r.Seq {
			t.Errorf("Latest[%s].Seq = %d, last of History = %d", key, r.Seq, last.Seq)
		}
	}
}

func TestLatest_EmptyStore(t *testing.T) {
	if n := len(New(DefaultCapacity).Latest()); n != 0 {
		t.Errorf("Latest on empty store: got %d keys, want 0", n)
	}
}

func TestAll_ReturnsEveryKey(t *testing.T) {
	st := New(DefaultCapacity)
	for _, k := range []string{"0x100", "0x101", "0x102"} {
		st.Append(rec(k, 1), nil)
	}
	all := st.All()
	if len(all) != 3 {
		t.Errorf("All: got %d keys, want 3", len(all))
	}
	if st.Len() != 3 {
		t.Errorf("Len: got %d, want 3", st.Len())
	}
	keys := st.Keys()
	if keys[0] != "0x100" || keys[2] != "0x102" {
		t.Errorf("Keys: got %v, want sorted", keys)
	}
}

func TestAppend_OnAcceptedSeesStoredRecord(t *testing.T) {
	st := New(DefaultCapacity)
	var got Record
	stored := st.Append(rec("0x103", 9), func(r Record) { got = r })
	if got.Seq != stored.Seq || got.Key != "0x103" {
		t.Errorf("onAccepted: got %+v, want %+v", got, stored)
	}
}

// 10 writers x 100 appends to one key with capacity 10 must leave exactly the
// last 10 accepted records, in acceptance order.
func TestConcurrentAppends_SameKey(t *testing.T) {
	const (
		writers = 10
		each    = 100
		n       = 10
	)
	st := New(n)

	var (
		mu       sync.Mutex
		accepted []uint64
		wg       sync.WaitGroup
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				payload := make([]byte, 8)
				binary.BigEndian.PutUint32(payload, uint32(w))
				binary.BigEndian.PutUint32(payload[4:], uint32(i))
				st.Append(Record{Key: "0x200", Payload: payload}, func(r Record) {
					mu.Lock()
					accepted = append(accepted, r.Seq)
					mu.Unlock()
				})
			}
		}(w)
	}
	wg.Wait()

	h := st.History("0x200")
	if len(h) != n {
		t.Fatalf("History: got %d records, want %d", len(h), n)
	}
	if len(accepted) != writers*each {
		t.Fatalf("accepted: got %d, want %d", len(accepted), writers*each)
	}

	tail := accepted[len(accepted)-n:]
	for i, r := range h {
		if r.Seq != tail[i] {
			t.Errorf("History[%d].Seq = %d, want %d (acceptance order)", i, r.Seq, tail[i])
		}
		if i > 0 && r.Seq <= h[i-1].Seq {
			t.Errorf("History not in acceptance order at %d: %d after %d", i, r.Seq, h[i-1].Seq)
		}
	}

	// Each writer's own sequence numbers must also appear in increasing order.
	last := map[uint32]uint32{}
	for _, r := range h {
		w := binary.BigEndian.Uint32(r.Payload)
		i := binary.BigEndian.Uint32(r.Payload[4:])
		if prev, ok := last[w]; ok && i <= prev {
			t.Errorf("writer %d: record %d retained after %d", w, i, prev)
		}
		last[w] = i
	}
}

func TestConcurrentMixedOps(t *testing.T) {
	const n = 4
	st := New(n)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			st.Append(rec("k", byte(i)), nil)
		}(i)
		go func() {
			defer wg.Done()
			for _, h := range st.All() {
				if len(h) > n {
					t.Errorf("All: history of %d exceeds capacity %d", len(h), n)
				}
			}
		}()
		go func() {
			defer wg.Done()
			st.Latest()
		}()
	}
	wg.Wait()

	if got := len(st.History("k")); got != n {
		t.Errorf("History: got %d, want %d", got, n)
	}
}

func TestAll_SkipsHistoryWithoutRecords(t *testing.T) {
	st := New(2)
	st.Append(rec("0x1", 1), nil)
	st.mu.Lock()
	st.keys["0x2"] = &history{ring: make([]Record, 2)}
	st.mu.Unlock()

	all := st.All()
	if _, ok := all["0x2"]; ok {
		t.Errorf("All: empty history 0x2 listed: %v", all)
	}
	if len(all["0x1"]) != 1 {
		t.Errorf("All: 0x1 got %v, want one record", all["0x1"])
	}
}

func TestNewKey_VisibleOnlyWithFirstRecord(t *testing.T) {
	st := New(DefaultCapacity)
	const keys = 500

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < keys; i++ {
			st.Append(rec(fmt.Sprintf("0x%x", i), byte(i)), nil)
		}
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		for k, recs := range st.All() {
			if len(recs) == 0 {
				t.Fatalf("All: key %s listed without records", k)
			}
		}
		for _, k := range st.Keys() {
			if len(st.History(k)) == 0 {
				t.Fatalf("History(%s): key listed without records", k)
			}
		}
	}
	if st.Len() != keys {
		t.Errorf("Len: got %d, want %d", st.Len(), keys)
	}
}
