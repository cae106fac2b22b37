package proxy

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/objectum/objectum-proxy/pkg/objstore"
)

func newTestDispatcher(t *testing.T, reg *objstore.Registry, respond func(body map[string]interface{}) interface{}) (*Dispatcher, func()) {
	t.Helper()
	srv := newTestBackend(t, nil, respond)
	pool := NewPool(srv.URL, srv.Client(), reg, nil, time.Hour)
	pool.Register(context.Background(), Session{ID: "s1", Username: "alice"})
	d := NewDispatcher(pool, NewTracker(nil), reg)
	return d, srv.Close
}

func TestDispatchStatic(t *testing.T) {
	reg := objstore.NewRegistry()
	reg.RegisterStatic("report", "build", func(ctx context.Context, call *objstore.Call) (interface{}, error) {
		call.Progress("building", 1, 2)
		return map[string]interface{}{"rows": 10}, nil
	})
	d, closeFn := newTestDispatcher(t, reg, nil)
	defer closeFn()

	req := mustParse(t, `{"_model":"report","_method":"build"}`, "s1")
	res, err := d.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	out, ok := res.Result.(map[string]interface{})
	if !ok || out["rows"] != 10 {
		t.Fatalf("unexpected result: %+v", res.Result)
	}
	if _, ok := d.Tracker.Peek("s1"); ok {
		t.Fatal("progress must be cleared after the call finishes")
	}
}

func TestDispatchUnknownModel(t *testing.T) {
	d, closeFn := newTestDispatcher(t, objstore.NewRegistry(), nil)
	defer closeFn()

	req := mustParse(t, `{"_model":"ghost","_method":"run"}`, "s1")
	res, err := d.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error != "model not registered: ghost" {
		t.Fatalf("unexpected error: %q", res.Error)
	}
	if len(res.Stack) == 0 {
		t.Fatal("failure must carry a stack")
	}
}

func TestDispatchUnknownStaticMethod(t *testing.T) {
	reg := objstore.NewRegistry()
	reg.RegisterStatic("report", "build", func(ctx context.Context, call *objstore.Call) (interface{}, error) {
		return nil, nil
	})
	d, closeFn := newTestDispatcher(t, reg, nil)
	defer closeFn()

	req := mustParse(t, `{"_model":"report","_method":"missing"}`, "s1")
	res, err := d.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error != "unknown static method: missing" {
		t.Fatalf("unexpected error: %q", res.Error)
	}
}

func TestDispatchInstanceMethod(t *testing.T) {
	reg := objstore.NewRegistry()
	reg.RegisterMethod("item", "describe", func(ctx context.Context, call *objstore.Call, rec *objstore.Record) (interface{}, error) {
		return fmt.Sprintf("item %d: %s", rec.ID(), rec.GetString("name")), nil
	})
	d, closeFn := newTestDispatcher(t, reg, func(body map[string]interface{}) interface{} {
		if body["_fn"] == "get" {
			return map[string]interface{}{"id": 5, "name": "widget", "_model": "item"}
		}
		return map[string]interface{}{}
	})
	defer closeFn()

	req := mustParse(t, `{"_model":"item","_method":"describe","id":5}`, "s1")
	res, err := d.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Result != "item 5: widget" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDispatchInstanceMethodUsesRecordModel(t *testing.T) {
	reg := objstore.NewRegistry()
	reg.RegisterMethod("item", "describe", func(ctx context.Context, call *objstore.Call, rec *objstore.Record) (interface{}, error) {
		return rec.Model(), nil
	})
	d, closeFn := newTestDispatcher(t, reg, func(body map[string]interface{}) interface{} {
		if body["_fn"] == "get" {
			return map[string]interface{}{"id": 5, "_model": "item"}
		}
		return map[string]interface{}{}
	})
	defer closeFn()

	// The request claims a different model; the record decides.
	req := mustParse(t, `{"_model":"mislabeled","_method":"describe","id":5}`, "s1")
	res, err := d.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if res.Result != "item" {
		t.Fatalf("method must resolve on the record's model, got %v", res.Result)
	}
}

func TestDispatchUnknownInstanceMethod(t *testing.T) {
	d, closeFn := newTestDispatcher(t, objstore.NewRegistry(), func(body map[string]interface{}) interface{} {
		return map[string]interface{}{"id": 5, "_model": "item"}
	})
	defer closeFn()

	req := mustParse(t, `{"_model":"item","_method":"ghost","id":5}`, "s1")
	res, err := d.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error != "unknown method: ghost" {
		t.Fatalf("unexpected error: %q", res.Error)
	}
}

func TestDispatchPanicRecovery(t *testing.T) {
	reg := objstore.NewRegistry()
	reg.RegisterStatic("report", "crash", func(ctx context.Context, call *objstore.Call) (interface{}, error) {
		panic("handler exploded")
	})
	d, closeFn := newTestDispatcher(t, reg, nil)
	defer closeFn()

	req := mustParse(t, `{"_model":"report","_method":"crash"}`, "s1")
	res, err := d.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute must not propagate panics: %v", err)
	}
	if !strings.Contains(res.Error, "handler exploded") {
		t.Fatalf("unexpected error: %q", res.Error)
	}
	if len(res.Stack) == 0 {
		t.Fatal("panic must carry a stack")
	}
}

func TestDispatchAdminModelWithoutCallerSession(t *testing.T) {
	reg := objstore.NewRegistry()
	reg.RegisterStatic("admin", "register", func(ctx context.Context, call *objstore.Call) (interface{}, error) {
		return call.Store.Username, nil
	})
	srv := newTestBackend(t, nil, nil)
	defer srv.Close()
	pool := NewPool(srv.URL, srv.Client(), reg, nil, time.Hour)
	pool.Register(context.Background(), Session{ID: "adm", Username: "admin"})
	pool.MarkAdmin("adm")
	d := NewDispatcher(pool, NewTracker(nil), reg)

	// An anonymous caller has no sid; the admin pseudo-model must still
	// execute under the administrator handle.
	req := mustParse(t, `{"_model":"admin","_method":"register"}`, "")
	res, err := d.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if res.Result != "admin" {
		t.Fatalf("call must run under the admin handle, got %v", res.Result)
	}
}

func TestDispatchUnknownSession(t *testing.T) {
	d, closeFn := newTestDispatcher(t, objstore.NewRegistry(), nil)
	defer closeFn()

	req := mustParse(t, `{"_model":"report","_method":"build"}`, "nope")
	if _, err := d.Execute(context.Background(), req); err == nil {
		t.Fatal("unknown session must fail execution")
	}
}
