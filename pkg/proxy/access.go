package proxy

import (
	"context"
	"encoding/json"

	"github.com/objectum/objectum-proxy/pkg/objstore"
)

// Hooks are the administrator-defined global access hooks. Nil fields mean
// no hook, which passes. Model- and record-level hooks live on registered
// model extensions instead (see objstore.Registry).
type Hooks struct {
	// Create vets record creation before the backend round trip.
	Create func(ctx context.Context, call *objstore.Call) (bool, error)
	// Update and Delete vet mutation of an existing record.
	Update func(ctx context.Context, call *objstore.Call, rec *objstore.Record) (bool, error)
	Delete func(ctx context.Context, call *objstore.Call, rec *objstore.Record) (bool, error)
	// Read shapes single-record reads after the response arrives.
	Read func(ctx context.Context, store *objstore.Handle, rec *objstore.Record) (bool, error)
	// AfterGetData gates bulk reads or replaces the response outright:
	// a non-nil replacement overrides the body verbatim.
	AfterGetData func(ctx context.Context, store *objstore.Handle, req *Request, response []byte) (allow bool, replacement []byte, err error)
	// MethodAccess gates direct method invocations.
	MethodAccess func(ctx context.Context, call *objstore.Call) (bool, error)
	// DataAccess gates getData before filters are computed.
	DataAccess func(ctx context.Context, store *objstore.Handle, req *Request) (bool, error)
}

// AccessEngine evaluates access hooks around the backend round trip.
// Administrator sessions bypass every check; the non-record-resource rule is
// enforced even with no hooks registered.
type AccessEngine struct {
	Registry      *objstore.Registry
	Hooks         Hooks
	AdminUsername string
}

// IsAdmin reports whether the handle belongs to an administrator session.
func (e *AccessEngine) IsAdmin(store *objstore.Handle) bool {
	return e.AdminUsername != "" && store != nil && store.Username == e.AdminUsername
}

// PreCheck runs before the request is forwarded. It fails closed for
// non-record resources and consults create/update/delete hooks for record
// mutations. A record id that does not resolve passes: there is no record
// to protect.
func (e *AccessEngine) PreCheck(ctx context.Context, store *objstore.Handle, req *Request) (bool, error) {
	if e.IsAdmin(store) {
		return true, nil
	}
	if req.Rsc != "" && req.Rsc != "record" {
		return false, nil
	}
	if req.Rsc != "record" {
		return true, nil
	}
	call := &objstore.Call{
		SID:    req.SID,
		Store:  store,
		Model:  req.TargetModel(),
		Method: req.Fn,
		ID:     req.ID,
		Params: req.Fields,
	}
	switch req.Fn {
	case "create":
		if e.Hooks.Create != nil {
			ok, err := e.Hooks.Create(ctx, call)
			if err != nil || !ok {
				return false, err
			}
		}
		if guard, ok := e.createGuard(call.Model); ok {
			allowed, err := guard.CanCreate(ctx, call)
			if err != nil || !allowed {
				return false, err
			}
		}
	case "set", "remove":
		rec, err := store.GetRecord(ctx, req.ID)
		if err != nil {
			return true, nil
		}
		if req.Fn == "set" {
			if e.Hooks.Update != nil {
				ok, err := e.Hooks.Update(ctx, call, rec)
				if err != nil || !ok {
					return false, err
				}
			}
			if guard, ok := e.updateGuard(rec.Model()); ok {
				allowed, err := guard.CanUpdate(ctx, call, rec)
				if err != nil || !allowed {
					return false, err
				}
			}
		} else {
			if e.Hooks.Delete != nil {
				ok, err := e.Hooks.Delete(ctx, call, rec)
				if err != nil || !ok {
					return false, err
				}
			}
			if guard, ok := e.deleteGuard(rec.Model()); ok {
				allowed, err := guard.CanDelete(ctx, call, rec)
				if err != nil || !allowed {
					return false, err
				}
			}
		}
	}
	return true, nil
}

// PostCheck runs after the backend response arrives, even when no filters
// were injected. It may deny the response or replace its body.
func (e *AccessEngine) PostCheck(ctx context.Context, store *objstore.Handle, req *Request, response []byte) (bool, []byte, error) {
	if e.IsAdmin(store) {
		return true, nil, nil
	}
	switch req.Fn {
	case "get":
		if e.Hooks.Read == nil {
			return true, nil, nil
		}
		var fields map[string]interface{}
		if err := json.Unmarshal(response, &fields); err != nil {
			// Not a record view; nothing for the hook to judge.
			return true, nil, nil
		}
		ok, err := e.Hooks.Read(ctx, store, objstore.NewRecordView(fields))
		if err != nil {
			return false, nil, err
		}
		return ok, nil, nil
	case "getData":
		if e.Hooks.AfterGetData == nil {
			return true, nil, nil
		}
		return e.Hooks.AfterGetData(ctx, store, req, response)
	}
	return true, nil, nil
}

func (e *AccessEngine) createGuard(model string) (objstore.CreateGuard, bool) {
	ext, ok := e.Registry.Extension(model)
	if !ok {
		return nil, false
	}
	guard, ok := ext.(objstore.CreateGuard)
	return guard, ok
}

func (e *AccessEngine) updateGuard(model string) (objstore.UpdateGuard, bool) {
	ext, ok := e.Registry.Extension(model)
	if !ok {
		return nil, false
	}
	guard, ok := ext.(objstore.UpdateGuard)
	return guard, ok
}

func (e *AccessEngine) deleteGuard(model string) (objstore.DeleteGuard, bool) {
	ext, ok := e.Registry.Extension(model)
	if !ok {
		return nil, false
	}
	guard, ok := ext.(objstore.DeleteGuard)
	return guard, ok
}
