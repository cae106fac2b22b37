package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/objectum/objectum-proxy/pkg/audit"
	"github.com/objectum/objectum-proxy/pkg/events"
	"github.com/objectum/objectum-proxy/pkg/httpx"
	"github.com/objectum/objectum-proxy/pkg/metrics"
	"github.com/objectum/objectum-proxy/pkg/objstore"
)

// Gateway is the POST /{code} handler: it parses the body, applies access
// checks and filter injection, forwards to the backend and shapes the
// response. Every failure is answered as a 200 {error} payload.
type Gateway struct {
	Pool       *Pool
	Tracker    *Tracker
	Filters    *FilterBuilder
	Access     *AccessEngine
	Dispatcher *Dispatcher
	Metrics    *metrics.Registry
	Audit      *audit.Writer
	Hub        *events.Hub

	BackendURL string
	Client     *http.Client
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	started := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.fail(w, "read body: "+err.Error())
		return
	}
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		sid = r.URL.Query().Get("sessionId")
	}

	req, err := ParseRequest(body, sid)
	if err != nil {
		g.fail(w, "invalid request: "+err.Error())
		return
	}

	if req.HasTrace {
		body = appendTrace(body, "proxy-start", time.Since(started))
		req.Raw = body
	}

	if req.IsDirectCall() {
		g.serveDirect(ctx, w, req)
		return
	}

	// Authentication is the one call that runs without a session.
	var store *objstore.Handle
	if req.Fn != "auth" {
		store, err = g.Pool.Resolve(ctx, sid)
		if err != nil {
			g.fail(w, err.Error())
			return
		}
	}

	if store != nil {
		if req.Rsc != "" && req.Rsc != "record" && !g.Access.IsAdmin(store) {
			g.deny(ctx, w, req, store, "resource "+req.Rsc)
			return
		}
		ok, err := g.Access.PreCheck(ctx, store, req)
		if err != nil {
			g.fail(w, err.Error())
			return
		}
		if !ok {
			g.deny(ctx, w, req, store, req.Fn+" "+req.TargetModel())
			return
		}
		if req.Fn == "startTransaction" {
			if _, busy := g.Tracker.Peek(sid); busy {
				g.fail(w, "action in progress")
				return
			}
		}
		if req.Fn == "getData" {
			if g.Access.Hooks.DataAccess != nil && !g.Access.IsAdmin(store) {
				ok, err := g.Access.Hooks.DataAccess(ctx, store, req)
				if err != nil {
					g.fail(w, err.Error())
					return
				}
				if !ok {
					g.deny(ctx, w, req, store, "getData "+req.DataModel)
					return
				}
			}
			filters, err := g.Filters.Build(ctx, store, req.DataModel, req.Query)
			if err != nil {
				g.fail(w, err.Error())
				return
			}
			if len(filters) > 0 {
				body, err = SpliceField(body, "accessFilters", filters)
				if err != nil {
					g.fail(w, err.Error())
					return
				}
			}
		}
	}

	if req.Fn == "getNews" {
		if _, busy := g.Tracker.Peek(sid); busy {
			body, err = SpliceField(body, "progress", 1)
			if err != nil {
				g.fail(w, err.Error())
				return
			}
		}
	}

	url := g.BackendURL
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	backendStart := time.Now()
	status, resp, err := httpx.PostJSON(ctx, g.Client, url, body, nil)
	if g.Metrics != nil {
		g.Metrics.ObserveBackendLatency(time.Since(backendStart))
	}
	if err != nil {
		g.fail(w, err.Error())
		return
	}
	if status != http.StatusOK {
		g.fail(w, "backend status "+http.StatusText(status))
		return
	}

	if req.Fn == "auth" {
		g.registerAuth(ctx, req, resp)
	}

	if req.Fn == "getNews" {
		if snap, ok := g.Tracker.Peek(sid); ok {
			if spliced, err := SpliceField(resp, "progress", snap); err == nil {
				resp = spliced
			}
		}
	}

	if req.HasTrace {
		resp = appendTrace(resp, "proxy-end", time.Since(started))
	}

	if store != nil {
		ok, replacement, err := g.Access.PostCheck(ctx, store, req, resp)
		if err != nil {
			g.fail(w, err.Error())
			return
		}
		if !ok {
			g.deny(ctx, w, req, store, "response "+req.Fn)
			return
		}
		if replacement != nil {
			resp = replacement
		}
	}

	if g.Metrics != nil {
		g.Metrics.IncOutcome("ok")
	}
	httpx.WriteRaw(w, resp)
}

func (g *Gateway) serveDirect(ctx context.Context, w http.ResponseWriter, req *Request) {
	if g.Access.Hooks.MethodAccess != nil {
		// Every direct invocation passes the hook, the admin pseudo-model
		// included. The hook sees the caller's own handle when a session
		// exists; anonymous admin pseudo-model calls carry a nil store.
		store, err := g.Pool.Resolve(ctx, req.SID)
		if err != nil {
			if req.Model != g.Dispatcher.AdminModel {
				g.fail(w, err.Error())
				return
			}
			store = nil
		}
		if !g.Access.IsAdmin(store) {
			call := &objstore.Call{
				SID:    req.SID,
				Store:  store,
				Model:  req.Model,
				Method: req.Method,
				ID:     req.ID,
				Params: req.Fields,
			}
			ok, err := g.Access.Hooks.MethodAccess(ctx, call)
			if err != nil {
				g.fail(w, err.Error())
				return
			}
			if !ok {
				g.deny(ctx, w, req, store, req.Model+"."+req.Method)
				return
			}
		}
	}
	result, err := g.Dispatcher.Execute(ctx, req)
	if err != nil {
		g.fail(w, err.Error())
		return
	}
	if g.Metrics != nil {
		if result.Error != "" {
			g.Metrics.IncOutcome("error")
		} else {
			g.Metrics.IncOutcome("ok")
		}
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

// registerAuth adopts the session created by a successful backend auth call.
// The whole auth payload is kept on the session; the username comes from the
// submitted body because the backend response omits it.
func (g *Gateway) registerAuth(ctx context.Context, req *Request, resp []byte) {
	var payload map[string]interface{}
	if err := json.Unmarshal(resp, &payload); err != nil {
		return
	}
	if msg, _ := payload["error"].(string); msg != "" {
		return
	}
	sessionID, _ := payload["sessionId"].(string)
	if sessionID == "" {
		return
	}
	username := fieldString(req.Fields, "username")
	role, _ := payload["role"].(string)
	s := Session{ID: sessionID, Username: username, Role: role, Auth: payload}
	g.Pool.Register(ctx, s)
	if username != "" && username == g.Access.AdminUsername {
		g.Pool.MarkAdmin(sessionID)
	}
	if g.Hub != nil {
		g.Hub.Publish(events.New(events.TypeSessionOpened, sessionID, map[string]interface{}{
			"username": username,
		}))
	}
	log.Printf("session opened: sid=%s username=%s role=%s", sessionID, username, role)
}

func (g *Gateway) fail(w http.ResponseWriter, msg string) {
	if g.Metrics != nil {
		g.Metrics.IncOutcome("error")
	}
	httpx.WriteError(w, msg)
}

func (g *Gateway) deny(ctx context.Context, w http.ResponseWriter, req *Request, store *objstore.Handle, reason string) {
	if g.Metrics != nil {
		g.Metrics.IncOutcome("forbidden")
		g.Metrics.IncDenial(reason)
	}
	username := ""
	if store != nil {
		username = store.Username
	}
	if g.Audit != nil {
		_ = g.Audit.Append(ctx, audit.Record{
			DecisionID: uuid.NewString(),
			SID:        req.SID,
			Username:   username,
			Fn:         req.Fn,
			Model:      req.TargetModel(),
			Outcome:    "forbidden",
			Reason:     reason,
			RequestRaw: json.RawMessage(req.Raw),
			CreatedAt:  time.Now().UTC(),
		})
	}
	if g.Hub != nil {
		g.Hub.Publish(events.New(events.TypeAccessDenied, req.SID, map[string]interface{}{
			"fn":     req.Fn,
			"model":  req.TargetModel(),
			"reason": reason,
		}))
	}
	httpx.WriteError(w, "forbidden")
}

// appendTrace appends a [label, elapsedMS] pair to the body's _trace array.
// Trace-carrying bodies tolerate a decode cycle; bodies without _trace are
// returned untouched.
func appendTrace(body []byte, label string, elapsed time.Duration) []byte {
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return body
	}
	trace, ok := fields["_trace"].([]interface{})
	if !ok {
		return body
	}
	fields["_trace"] = append(trace, []interface{}{label, elapsed.Milliseconds()})
	out, err := json.Marshal(fields)
	if err != nil {
		return body
	}
	return out
}
