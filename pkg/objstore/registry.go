package objstore

import (
	"context"
	"sync"
)

// Call carries one dispatched request into a handler or hook.
type Call struct {
	SID    string
	Store  *Handle
	Model  string
	Method string
	ID     int64
	Params map[string]interface{}

	// Progress reports long-operation progress back to polling clients.
	// Never nil on dispatched calls.
	Progress func(label string, value, max float64)
}

// StaticHandler serves a model-level operation.
type StaticHandler func(ctx context.Context, call *Call) (interface{}, error)

// MethodHandler serves an instance-level operation on a resolved record.
type MethodHandler func(ctx context.Context, call *Call, rec *Record) (interface{}, error)

// Optional capabilities a registered model extension may implement. Presence
// of a hook is an interface question, not a runtime probe of function-typed
// fields.
type (
	// AccessFilterProvider supplies the access filter merged into queries
	// that touch the model. An empty filter means no restriction.
	AccessFilterProvider interface {
		AccessFilter(ctx context.Context, store *Handle, alias string) (Filter, error)
	}

	// CreateGuard vets record creation on the model.
	CreateGuard interface {
		CanCreate(ctx context.Context, call *Call) (bool, error)
	}

	// UpdateGuard vets updates to an existing record of the model.
	UpdateGuard interface {
		CanUpdate(ctx context.Context, call *Call, rec *Record) (bool, error)
	}

	// DeleteGuard vets removal of an existing record of the model.
	DeleteGuard interface {
		CanDelete(ctx context.Context, call *Call, rec *Record) (bool, error)
	}
)

// Registry holds externally-supplied model behavior extensions: hook
// providers plus explicit (model, method) handler tables. It is populated at
// startup and shared read-only by every handle.
type Registry struct {
	mu         sync.RWMutex
	extensions map[string]interface{}
	statics    map[string]map[string]StaticHandler
	methods    map[string]map[string]MethodHandler
}

func NewRegistry() *Registry {
	return &Registry{
		extensions: map[string]interface{}{},
		statics:    map[string]map[string]StaticHandler{},
		methods:    map[string]map[string]MethodHandler{},
	}
}

// Register installs a model extension under its model path.
func (r *Registry) Register(model string, ext interface{}) {
	r.mu.Lock()
	r.extensions[model] = ext
	r.mu.Unlock()
}

// RegisterStatic maps (model, method) to a model-level handler.
func (r *Registry) RegisterStatic(model, method string, h StaticHandler) {
	r.mu.Lock()
	if r.statics[model] == nil {
		r.statics[model] = map[string]StaticHandler{}
	}
	r.statics[model][method] = h
	r.mu.Unlock()
}

// RegisterMethod maps (model, method) to an instance-level handler.
func (r *Registry) RegisterMethod(model, method string, h MethodHandler) {
	r.mu.Lock()
	if r.methods[model] == nil {
		r.methods[model] = map[string]MethodHandler{}
	}
	r.methods[model][method] = h
	r.mu.Unlock()
}

// Extension returns the registered extension for a model, if any.
func (r *Registry) Extension(model string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.extensions[model]
	return ext, ok
}

// Registered reports whether the model has any extension or handlers.
func (r *Registry) Registered(model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.extensions[model]; ok {
		return true
	}
	if _, ok := r.statics[model]; ok {
		return true
	}
	_, ok := r.methods[model]
	return ok
}

// Static resolves a model-level handler.
func (r *Registry) Static(model, method string) (StaticHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, ok := r.statics[model]
	if !ok {
		if _, registered := r.extensions[model]; !registered {
			return nil, ErrModelNotRegistered
		}
		return nil, ErrUnknownMethod
	}
	h, ok := table[method]
	if !ok {
		return nil, ErrUnknownMethod
	}
	return h, nil
}

// Method resolves an instance-level handler for a record's model.
func (r *Registry) Method(model, method string) (MethodHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, ok := r.methods[model]
	if !ok {
		return nil, ErrUnknownMethod
	}
	h, ok := table[method]
	if !ok {
		return nil, ErrUnknownMethod
	}
	return h, nil
}

// FilterProvider returns the model's access-filter hook when the extension
// implements it.
func (r *Registry) FilterProvider(model string) (AccessFilterProvider, bool) {
	ext, ok := r.Extension(model)
	if !ok {
		return nil, false
	}
	p, ok := ext.(AccessFilterProvider)
	return p, ok
}
