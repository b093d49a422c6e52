package api_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/canstream/canstream/server/internal/alerts"
	"github.com/canstream/canstream/server/internal/api"
	"github.com/canstream/canstream/server/internal/auth"
	"github.com/canstream/canstream/server/internal/broadcast"
	"github.com/canstream/canstream/server/internal/config"
	"github.com/canstream/canstream/server/internal/ingest"
	"github.com/canstream/canstream/server/internal/metrics"
	"github.com/canstream/canstream/server/internal/query"
	"github.com/canstream/canstream/server/internal/store"
)

// --- test helpers -----------------------------------------------------------

type fixture struct {
	st *store.Store
	bc *broadcast.Broadcaster
	h  http.Handler
}

func newFixture(t *testing.T, mutate func(*api.Deps)) *fixture {
	t.Helper()
	st := store.New(store.DefaultCapacity)
	bc := broadcast.New()
	t.Cleanup(bc.Close)
	d := api.Deps{
		Gateway:     ingest.New(st, bc, nil),
		Query:       query.New(st, query.DefaultDecodeKey),
		Store:       st,
		Subscribers: bc.Count,
	}
	if mutate != nil {
		mutate(&d)
	}
	return &fixture{st: st, bc: bc, h: api.New(d)}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

// --- POST /api/data ---------------------------------------------------------

func TestPostData_Accepted(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.bc.Subscribe()

	rr := do(t, f.h, http.MethodPost, "/api/data", `{"id":"0x10A","payload":[1,2,3]}`)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status: got %d, want 204 (body %s)", rr.Code, rr.Body.String())
	}
	if rr.Body.Len() != 0 {
		t.Errorf("body: got %q, want empty", rr.Body.String())
	}

	h := f.st.History("0x10a")
	if len(h) != 1 || h[0].Source != "unknown" || h[0].Extended {
		t.Errorf("stored: got %+v", h)
	}
	select {
	case n := <-sub.C():
		if n.Key != "0x10a" {
			t.Errorf("notification key: got %q", n.Key)
		}
	default:
		t.Error("no notification published")
	}
}

func TestPostData_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{"empty id", `{"id":"","payload":[1,2,3]}`, "id"},
		{"string payload", `{"id":"0x10B","payload":"not-a-list"}`, "payload"},
		{"byte range", `{"id":"0x10B","payload":[300]}`, "payload"},
		{"not an object", `[1,2,3]`, "body"},
		{"malformed", `{"id":`, "body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rr := do(t, f.h, http.MethodPost, "/api/data", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status: got %d, want 400", rr.Code)
			}
			var resp map[string]string
			decode(t, rr, &resp)
			if resp["field"] != tc.field || resp["error"] == "" {
				t.Errorf("error body: got %v, want field %q", resp, tc.field)
			}
			if f.st.Len() != 0 {
				t.Errorf("store.Len: got %d, want 0", f.st.Len())
			}
		})
	}
}

func TestPostData_BodyTooLarge(t *testing.T) {
	f := newFixture(t, nil)
	big := `{"id":"0x1","payload":[` + strings.Repeat("1,", 70000) + `1]}`
	rr := do(t, f.h, http.MethodPost, "/api/data", big)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status: got %d, want 413", rr.Code)
	}
}

func TestPostData_RequiresAPIKeyWhenConfigured(t *testing.T) {
	key := auth.NewAPIKey(auth.ModeAPIKey, "", "k1")
	f := newFixture(t, func(d *api.Deps) { d.WriteAuth = key.Middleware })

	rr := do(t, f.h, http.MethodPost, "/api/data", `{"id":"0x1","payload":[1]}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("without key: got %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/data", strings.NewReader(`{"id":"0x1","payload":[1]}`))
	req.Header.Set("X-Api-Key", "k1")
	rr = httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("with key: got %d, want 204", rr.Code)
	}

	// Reads stay open.
	if rr := do(t, f.h, http.MethodGet, "/api/data", ""); rr.Code != http.StatusOK {
		t.Errorf("GET /api/data: got %d, want 200", rr.Code)
	}
}

// --- GET /api/data ----------------------------------------------------------

func TestGetData_EmptyStore(t *testing.T) {
	f := newFixture(t, nil)
	rr := do(t, f.h, http.MethodGet, "/api/data", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "{}" {
		t.Errorf("body: got %s, want {}", got)
	}
}

func TestGetData_FullHistoryBounded(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 12; i++ {
		body := `{"id":"0x104","payload":[` + string(rune('0'+i%10)) + `],"timestamp":1700000000}`
		if rr := do(t, f.h, http.MethodPost, "/api/data", body); rr.Code != http.StatusNoContent {
			t.Fatalf("post %d: %d", i, rr.Code)
		}
	}

	var resp map[string][]map[string]interface{}
	decode(t, do(t, f.h, http.MethodGet, "/api/data", ""), &resp)
	h := resp["0x104"]
	if len(h) != 10 {
		t.Fatalf("history: got %d, want 10", len(h))
	}
	for _, field := range []string{"timestamp", "payload", "extended", "source"} {
		if _, ok := h[0][field]; !ok {
			t.Errorf("record missing %q: %v", field, h[0])
		}
	}
	// The two oldest (payload 0 and 1) were evicted.
	if first := h[0]["payload"].([]interface{})[0].(float64); first != 2 {
		t.Errorf("oldest retained payload: got %v, want 2", first)
	}
}

// --- GET /api/data/{id} -----------------------------------------------------

func TestGetDataForID(t *testing.T) {
	f := newFixture(t, nil)
	do(t, f.h, http.MethodPost, "/api/data", `{"id":291,"payload":[7]}`)

	var recs []map[string]interface{}
	decode(t, do(t, f.h, http.MethodGet, "/api/data/0X123", ""), &recs)
	if len(recs) != 1 {
		t.Errorf("records for 0X123: got %d, want 1", len(recs))
	}

	rr := do(t, f.h, http.MethodGet, "/api/data/0x999", "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("unknown key: got %d %s, want 200 []", rr.Code, rr.Body.String())
	}

	if rr := do(t, f.h, http.MethodGet, "/api/data/zz", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad id: got %d, want 400", rr.Code)
	}
}

// --- GET /api/latest --------------------------------------------------------

func TestGetLatest_DecodesWellKnownKey(t *testing.T) {
	f := newFixture(t, nil)
	do(t, f.h, http.MethodPost, "/api/data", `{"id":"0x103","payload":[72,101,108,108,111,0,0,0]}`)
	do(t, f.h, http.MethodPost, "/api/data", `{"id":"0x104","payload":[1]}`)
	do(t, f.h, http.MethodPost, "/api/data", `{"id":"0x104","payload":[2]}`)

	var resp map[string]map[string]interface{}
	decode(t, do(t, f.h, http.MethodGet, "/api/latest", ""), &resp)
	if resp["0x103"]["decoded"] != "Hello" {
		t.Errorf("decoded: got %v, want Hello", resp["0x103"]["decoded"])
	}
	if _, ok := resp["0x104"]["decoded"]; ok {
		t.Error("0x104 must not carry decoded")
	}
	if p := resp["0x104"]["payload"].([]interface{}); p[0].(float64) != 2 {
		t.Errorf("latest 0x104: got %v, want [2]", p)
	}
}

// --- GET /api/v1/health and /api/v1/alerts ----------------------------------

func TestHealth(t *testing.T) {
	f := newFixture(t, func(d *api.Deps) { d.PubSub = func() string { return "connected" } })
	do(t, f.h, http.MethodPost, "/api/data", `{"id":"0x1","payload":[1]}`)
	f.bc.Subscribe()

	var resp api.HealthResponse
	decode(t, do(t, f.h, http.MethodGet, "/api/v1/health", ""), &resp)
	want := api.HealthResponse{Status: "ok", KeyCount: 1, Capacity: 10, Subscribers: 1, PubSub: "connected"}
	if resp != want {
		t.Errorf("health: got %+v, want %+v", resp, want)
	}
}

func TestHealth_PubSubDisabled(t *testing.T) {
	f := newFixture(t, nil)
	var resp api.HealthResponse
	decode(t, do(t, f.h, http.MethodGet, "/api/v1/health", ""), &resp)
	if resp.PubSub != "disabled" {
		t.Errorf("pubsub: got %q, want disabled", resp.PubSub)
	}
}

func TestAlerts_ReturnsEmptyArray(t *testing.T) {
	f := newFixture(t, nil)
	rr := do(t, f.h, http.MethodGet, "/api/v1/alerts", "")
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("body: got %s, want []", got)
	}
}

func TestAlerts_FromEngine(t *testing.T) {
	eng := alerts.New(config.AlertsConfig{Rules: []config.AlertRule{
		{Name: "door-open", Key: "0x105", Condition: "byte0 == 1"},
	}}, nil)
	f := newFixture(t, func(d *api.Deps) { d.Alerts = eng })
	eng.Evaluate("0x105", store.Record{Payload: []byte{1}})
	eng.Wait()

	var list []alerts.Alert
	decode(t, do(t, f.h, http.MethodGet, "/api/v1/alerts", ""), &list)
	if len(list) != 1 || list[0].RuleName != "door-open" {
		t.Errorf("alerts: got %+v", list)
	}

	var health api.HealthResponse
	decode(t, do(t, f.h, http.MethodGet, "/api/v1/health", ""), &health)
	if health.AlertCount != 1 {
		t.Errorf("alert_count: got %d, want 1", health.AlertCount)
	}
}

// --- routing ----------------------------------------------------------------

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodDelete, "/api/data"},
		{http.MethodPost, "/api/latest"},
		{http.MethodPut, "/api/v1/health"},
	} {
		rr := do(t, f.h, tc.method, tc.path, "")
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: got %d, want 405", tc.method, tc.path, rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s %s: Content-Type %q", tc.method, tc.path, ct)
		}
	}
}

func TestContentTypeJSON(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/api/data", "/api/latest", "/api/data/0x1", "/api/v1/health", "/api/v1/alerts", "/api/nope"} {
		rr := do(t, f.h, http.MethodGet, path, "")
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s: Content-Type %q, want application/json", path, ct)
		}
	}
}

func TestInstrumentedByRoute(t *testing.T) {
	m := metrics.New()
	f := newFixture(t, func(d *api.Deps) { d.Metrics = m })
	do(t, f.h, http.MethodGet, "/api/data/0x1", "")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `canstream_http_requests_total{code="200",route="/api/data/{id}"} 1`) {
		t.Errorf("route metric missing from exposition:\n%s", buf.String())
	}
}
