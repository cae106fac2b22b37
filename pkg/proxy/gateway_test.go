package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/objectum/objectum-proxy/pkg/events"
	"github.com/objectum/objectum-proxy/pkg/metrics"
	"github.com/objectum/objectum-proxy/pkg/objstore"
)

type gatewayFixture struct {
	gateway  *Gateway
	pool     *Pool
	hub      *events.Hub
	registry *objstore.Registry
	lastBody []byte
	close    func()
}

// newGatewayFixture serves a backend that answers handle envelopes and echoes
// forwarded gateway bodies back, recording the exact bytes it received.
func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{
		hub:      events.NewHub(),
		registry: objstore.NewRegistry(),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		switch body["_fn"] {
		case "getDict":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"models": []map[string]interface{}{
					{"id": 1, "code": "item", "name": "Item"},
				},
				"properties": []map[string]interface{}{},
			})
		case "auth":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"sessionId": "new-sid",
				"role":      "manager",
				"menu":      "main",
			})
		default:
			f.lastBody = raw
			_, _ = w.Write(raw)
		}
	}))
	f.close = srv.Close

	f.pool = NewPool(srv.URL, srv.Client(), f.registry, nil, time.Hour)
	tracker := NewTracker(f.hub)
	access := &AccessEngine{Registry: f.registry, AdminUsername: "admin"}
	f.gateway = &Gateway{
		Pool:       f.pool,
		Tracker:    tracker,
		Filters:    &FilterBuilder{Registry: f.registry},
		Access:     access,
		Dispatcher: NewDispatcher(f.pool, tracker, f.registry),
		Metrics:    metrics.NewRegistry(),
		Hub:        f.hub,
		BackendURL: srv.URL,
		Client:     srv.Client(),
	}
	return f
}

func (f *gatewayFixture) post(t *testing.T, sid, body string) map[string]interface{} {
	t.Helper()
	raw := f.postRaw(t, sid, body)
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("response decode: %v (%s)", err, raw)
	}
	return out
}

func (f *gatewayFixture) postRaw(t *testing.T, sid, body string) []byte {
	t.Helper()
	url := "/objectum"
	if sid != "" {
		url += "?sid=" + sid
	}
	req := httptest.NewRequest(http.MethodPost, url, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.gateway.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	return rec.Body.Bytes()
}

func TestGatewayParseError(t *testing.T) {
	f := newGatewayFixture(t)
	defer f.close()

	out := f.post(t, "", "not json")
	if out["error"] == nil {
		t.Fatalf("expected error payload, got %v", out)
	}
}

func TestGatewayUnknownSession(t *testing.T) {
	f := newGatewayFixture(t)
	defer f.close()

	out := f.post(t, "ghost", `{"_fn":"getData","model":"item"}`)
	msg, _ := out["error"].(string)
	if !strings.Contains(msg, "unknown session") {
		t.Fatalf("expected unknown session error, got %v", out)
	}
}

func TestGatewayAuthRegistersSession(t *testing.T) {
	f := newGatewayFixture(t)
	defer f.close()

	out := f.post(t, "", `{"_fn":"auth","username":"admin","password":"pw"}`)
	if out["sessionId"] != "new-sid" {
		t.Fatalf("auth response not passed through: %v", out)
	}

	s, err := f.pool.Session(context.Background(), "new-sid")
	if err != nil {
		t.Fatalf("session not registered: %v", err)
	}
	if s.Username != "admin" {
		t.Fatalf("username must come from the submitted body, got %q", s.Username)
	}
	if s.Role != "manager" {
		t.Fatalf("role must come from the auth response, got %q", s.Role)
	}
	if s.Auth["menu"] != "main" {
		t.Fatalf("full auth payload must be kept, got %v", s.Auth)
	}
	h, err := f.pool.ResolveAdmin(context.Background())
	if err != nil {
		t.Fatalf("admin login must mark the admin sid: %v", err)
	}
	if h.Role != "manager" {
		t.Fatalf("handle must carry the session role, got %q", h.Role)
	}
}

func TestGatewayGetDataSplicesFilters(t *testing.T) {
	f := newGatewayFixture(t)
	defer f.close()
	f.registry.Register("item", &filteredModel{})
	f.pool.Register(context.Background(), Session{ID: "s1", Username: "alice"})

	body := `{"_fn":"getData","model":"item",  "offset":0}`
	f.postRaw(t, "s1", body)

	forwarded := string(f.lastBody)
	if !strings.HasPrefix(forwarded, body[:len(body)-1]) {
		t.Fatalf("original bytes altered before forwarding:\n%s", forwarded)
	}
	if !strings.Contains(forwarded, `"accessFilters":[["a","owner","=","alice"]]`) {
		t.Fatalf("filters not spliced:\n%s", forwarded)
	}
}

func TestGatewayGetDataNoFiltersUntouched(t *testing.T) {
	f := newGatewayFixture(t)
	defer f.close()
	f.pool.Register(context.Background(), Session{ID: "s1", Username: "alice"})

	body := `{"_fn":"getData","model":"item"}`
	f.postRaw(t, "s1", body)
	if string(f.lastBody) != body {
		t.Fatalf("body must be forwarded verbatim when no filters apply:\n%s", f.lastBody)
	}
}

func TestGatewayAdminSkipsFilters(t *testing.T) {
	f := newGatewayFixture(t)
	defer f.close()
	f.registry.Register("item", &filteredModel{})
	f.pool.Register(context.Background(), Session{ID: "adm", Username: "admin"})

	body := `{"_fn":"getData","model":"item"}`
	f.postRaw(t, "adm", body)
	// The admin still gets filters built per the model hook contract applied
	// to every session; only hook denials are bypassed. The hook here keys
	// on the username, so the filter names the admin.
	if !strings.Contains(string(f.lastBody), `"owner","=","admin"`) {
		t.Fatalf("unexpected forward:\n%s", f.lastBody)
	}
}

func TestGatewayForbiddenResource(t *testing.T) {
	f := newGatewayFixture(t)
	defer f.close()
	f.pool.Register(context.Background(), Session{ID: "s1", Username: "alice"})

	out := f.post(t, "s1", `{"_fn":"create","_rsc":"model","name":"x"}`)
	if out["error"] != "forbidden" {
		t.Fatalf("expected forbidden, got %v", out)
	}

	snap := f.gateway.Metrics.Snapshot()
	if snap.Outcomes["forbidden"] != 1 {
		t.Fatalf("forbidden outcome not counted: %v", snap.Outcomes)
	}
}

func TestGatewayDenialPublishesEvent(t *testing.T) {
	f := newGatewayFixture(t)
	defer f.close()
	f.pool.Register(context.Background(), Session{ID: "s1", Username: "alice"})
	ch := f.hub.Subscribe(4)
	defer f.hub.Unsubscribe(ch)

	f.post(t, "s1", `{"_fn":"create","_rsc":"model"}`)

	select {
	case evt := <-ch:
		if evt.Type != events.TypeAccessDenied || evt.SID != "s1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	default:
		t.Fatal("no denial event published")
	}
}

func TestGatewayStartTransactionWhileBusy(t *testing.T) {
	f := newGatewayFixture(t)
	defer f.close()
	f.pool.Register(context.Background(), Session{ID: "s1", Username: "alice"})
	f.gateway.Tracker.Report("s1", "long job", 1, 10)

	out := f.post(t, "s1", `{"_fn":"startTransaction","description":"work"}`)
	if out["error"] != "action in progress" {
		t.Fatalf("expected action in progress, got %v", out)
	}
}

func TestGatewayGetNewsProgress(t *testing.T) {
	f := newGatewayFixture(t)
	defer f.close()
	f.pool.Register(context.Background(), Session{ID: "s1", Username: "alice"})
	f.gateway.Tracker.Report("s1", "crunching", 3, 9)

	out := f.post(t, "s1", `{"_fn":"getNews"}`)
	// The forwarded request carries the progress marker.
	if !strings.Contains(string(f.lastBody), `"progress":1`) {
		t.Fatalf("progress marker not spliced into request:\n%s", f.lastBody)
	}
	// The response carries the live snapshot.
	prog, ok := out["progress"].(map[string]interface{})
	if !ok {
		t.Fatalf("progress snapshot missing from response: %v", out)
	}
	if prog["label"] != "crunching" || prog["value"] != float64(3) {
		t.Fatalf("unexpected snapshot: %v", prog)
	}
}

func TestGatewayGetNewsIdleUntouched(t *testing.T) {
	f := newGatewayFixture(t)
	defer f.close()
	f.pool.Register(context.Background(), Session{ID: "s1", Username: "alice"})

	body := `{"_fn":"getNews"}`
	f.postRaw(t, "s1", body)
	if string(f.lastBody) != body {
		t.Fatalf("idle session must forward getNews verbatim:\n%s", f.lastBody)
	}
}

func TestGatewayDirectCall(t *testing.T) {
	f := newGatewayFixture(t)
	defer f.close()
	f.registry.RegisterStatic("report", "build", func(ctx context.Context, call *objstore.Call) (interface{}, error) {
		return "done", nil
	})
	f.pool.Register(context.Background(), Session{ID: "s1", Username: "alice"})

	out := f.post(t, "s1", `{"_model":"report","_method":"build"}`)
	if out["result"] != "done" {
		t.Fatalf("unexpected direct call response: %v", out)
	}
}

func TestGatewayMethodAccessGuardsAdminModel(t *testing.T) {
	f := newGatewayFixture(t)
	defer f.close()
	f.registry.RegisterStatic("admin", "register", func(ctx context.Context, call *objstore.Call) (interface{}, error) {
		return "registered", nil
	})
	f.pool.Register(context.Background(), Session{ID: "adm", Username: "admin"})
	f.pool.MarkAdmin("adm")

	f.gateway.Access.Hooks.MethodAccess = func(ctx context.Context, call *objstore.Call) (bool, error) {
		return call.Method != "register", nil
	}

	// Anonymous caller, admin pseudo-model target: the hook must still run.
	out := f.post(t, "", `{"_model":"admin","_method":"register"}`)
	if out["error"] != "forbidden" {
		t.Fatalf("expected forbidden, got %v", out)
	}

	f.gateway.Access.Hooks.MethodAccess = func(ctx context.Context, call *objstore.Call) (bool, error) {
		if call.Store != nil {
			t.Errorf("anonymous caller must present a nil store, got %v", call.Store.Username)
		}
		return true, nil
	}
	out = f.post(t, "", `{"_model":"admin","_method":"register"}`)
	if out["result"] != "registered" {
		t.Fatalf("allowed call must dispatch, got %v", out)
	}
}

func TestGatewayTrace(t *testing.T) {
	f := newGatewayFixture(t)
	defer f.close()
	f.pool.Register(context.Background(), Session{ID: "s1", Username: "alice"})

	out := f.post(t, "s1", `{"_fn":"getData","model":"item","_trace":[["client",0]]}`)
	trace, ok := out["_trace"].([]interface{})
	if !ok {
		t.Fatalf("trace missing: %v", out)
	}
	// client + proxy-start echoed by the backend + proxy-end on the way out.
	if len(trace) != 3 {
		t.Fatalf("expected 3 trace entries, got %v", trace)
	}
	last, _ := trace[2].([]interface{})
	if len(last) != 2 || last[0] != "proxy-end" {
		t.Fatalf("unexpected final trace entry: %v", last)
	}
}
