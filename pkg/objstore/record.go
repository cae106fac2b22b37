package objstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Record is a backend record instance bound to the handle that fetched it.
// Field writes accumulate locally until Sync persists them.
type Record struct {
	store  *Handle
	fields map[string]interface{}
	dirty  map[string]interface{}
}

func newRecord(store *Handle, fields map[string]interface{}) *Record {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return &Record{store: store, fields: fields}
}

// NewRecordView wraps decoded response fields without a backing handle; used
// for read-hook evaluation over backend responses.
func NewRecordView(fields map[string]interface{}) *Record {
	return newRecord(nil, fields)
}

func (r *Record) ID() int64 {
	return asInt64(r.fields["id"])
}

// Model returns the record's model code.
func (r *Record) Model() string {
	if s, ok := r.fields["_model"].(string); ok {
		return s
	}
	// Backend responses sometimes carry the numeric model id instead.
	if r.store != nil && r.store.Dict != nil {
		if m, ok := r.store.Dict.ModelsByID[asInt64(r.fields["_model"])]; ok {
			return m.Code
		}
	}
	return ""
}

func (r *Record) Get(field string) interface{} {
	if v, ok := r.dirty[field]; ok {
		return v
	}
	return r.fields[field]
}

func (r *Record) GetString(field string) string {
	if s, ok := r.Get(field).(string); ok {
		return s
	}
	return ""
}

func (r *Record) Set(field string, value interface{}) {
	if r.dirty == nil {
		r.dirty = map[string]interface{}{}
	}
	r.dirty[field] = value
}

// Sync persists dirty fields through the handle. No-op when nothing changed.
func (r *Record) Sync(ctx context.Context) error {
	if len(r.dirty) == 0 {
		return nil
	}
	if r.store == nil {
		return fmt.Errorf("record %d: detached from store", r.ID())
	}
	if err := r.store.UpdateRecord(ctx, r.ID(), r.dirty); err != nil {
		return err
	}
	for k, v := range r.dirty {
		r.fields[k] = v
	}
	r.dirty = nil
	return nil
}

// Fields returns the record's current view, dirty writes included.
func (r *Record) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(r.fields)+len(r.dirty))
	for k, v := range r.fields {
		out[k] = v
	}
	for k, v := range r.dirty {
		out[k] = v
	}
	return out
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
