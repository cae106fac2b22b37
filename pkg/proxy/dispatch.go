package proxy

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/objectum/objectum-proxy/pkg/objstore"
)

// DispatchResult is the gateway payload for a direct call. Exactly one of
// Result or Error is meaningful; Stack accompanies Error.
type DispatchResult struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	Stack  []string    `json:"stack,omitempty"`
}

// Dispatcher executes direct method invocations against registered model
// extensions. Calls for the same sid run one at a time; calls for different
// sids run concurrently.
type Dispatcher struct {
	Pool       *Pool
	Tracker    *Tracker
	Registry   *objstore.Registry
	AdminModel string // pseudo-model executed under the administrator handle

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewDispatcher(pool *Pool, tracker *Tracker, registry *objstore.Registry) *Dispatcher {
	return &Dispatcher{
		Pool:       pool,
		Tracker:    tracker,
		Registry:   registry,
		AdminModel: "admin",
		locks:      map[string]*sync.Mutex{},
	}
}

// Execute runs one direct call. Failures of any kind, including handler
// panics, are captured into the result; Execute itself returns an error only
// when the session cannot be resolved.
func (d *Dispatcher) Execute(ctx context.Context, req *Request) (*DispatchResult, error) {
	lock := d.sidLock(req.SID)
	lock.Lock()
	defer lock.Unlock()

	var (
		store *objstore.Handle
		err   error
	)
	if req.Model == d.AdminModel {
		store, err = d.Pool.ResolveAdmin(ctx)
	} else {
		store, err = d.Pool.Resolve(ctx, req.SID)
	}
	if err != nil {
		return nil, err
	}

	defer d.Tracker.Clear(req.SID)

	call := &objstore.Call{
		SID:    req.SID,
		Store:  store,
		Model:  req.Model,
		Method: req.Method,
		ID:     req.ID,
		Params: req.Fields,
		Progress: func(label string, value, max float64) {
			d.Tracker.Report(req.SID, label, value, max)
		},
	}
	return d.run(ctx, store, call), nil
}

func (d *Dispatcher) run(ctx context.Context, store *objstore.Handle, call *objstore.Call) (res *DispatchResult) {
	defer func() {
		if r := recover(); r != nil {
			res = &DispatchResult{
				Error: fmt.Sprintf("%v", r),
				Stack: strings.Split(strings.TrimRight(string(debug.Stack()), "\n"), "\n"),
			}
		}
	}()

	if call.ID != 0 {
		rec, err := store.GetRecord(ctx, call.ID)
		if err != nil {
			return failure(err)
		}
		// Methods belong to the record's actual model, not whatever model
		// the request claimed.
		model := rec.Model()
		if model == "" {
			model = call.Model
		}
		handler, err := d.Registry.Method(model, call.Method)
		if err != nil {
			return failure(fmt.Errorf("unknown method: %s", call.Method))
		}
		out, err := handler(ctx, call, rec)
		if err != nil {
			return failure(err)
		}
		return &DispatchResult{Result: out}
	}

	handler, err := d.Registry.Static(call.Model, call.Method)
	if err != nil {
		switch err {
		case objstore.ErrModelNotRegistered:
			return failure(fmt.Errorf("model not registered: %s", call.Model))
		default:
			return failure(fmt.Errorf("unknown static method: %s", call.Method))
		}
	}
	out, err := handler(ctx, call)
	if err != nil {
		return failure(err)
	}
	return &DispatchResult{Result: out}
}

// failure wraps a plain handler error with the caller frames active at the
// point of capture, matching the shape of a recovered panic.
func failure(err error) *DispatchResult {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var stack []string
	for {
		frame, more := frames.Next()
		stack = append(stack, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return &DispatchResult{Error: err.Error(), Stack: stack}
}

func (d *Dispatcher) sidLock(sid string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.locks[sid]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[sid] = lock
	}
	return lock
}
