package objstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/objectum/objectum-proxy/pkg/httpx"
)

// Handle is one session-bound connection to the backend store. Exactly one
// handle exists per sid while the session lives; the Dict is shared across
// handles after the first load.
type Handle struct {
	URL      string
	SID      string
	Username string
	Role     string
	Client   *http.Client

	Dict     *Dict
	Registry *Registry
}

// NewHandle binds a handle to the backend endpoint and session.
func NewHandle(url, sid string, client *http.Client) *Handle {
	if client == nil {
		client = http.DefaultClient
	}
	return &Handle{URL: url, SID: sid, Client: client}
}

type backendError struct {
	Error string `json:"error"`
}

// call posts one JSON envelope to the backend with the handle's sid injected.
func (h *Handle) call(ctx context.Context, body map[string]interface{}) (json.RawMessage, error) {
	envelope := make(map[string]interface{}, len(body)+1)
	for k, v := range body {
		envelope[k] = v
	}
	envelope["sid"] = h.SID
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	status, respBody, err := httpx.PostJSON(ctx, h.Client, h.URL, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("backend: status %d", status)
	}
	var be backendError
	if err := json.Unmarshal(respBody, &be); err == nil && be.Error != "" {
		return nil, fmt.Errorf("backend: %s", be.Error)
	}
	return respBody, nil
}

// Load performs the blocking schema dictionary load. Called once
// process-wide by the pool; later handles attach the cached Dict.
func (h *Handle) Load(ctx context.Context) error {
	raw, err := h.call(ctx, map[string]interface{}{"_fn": "getDict"})
	if err != nil {
		return err
	}
	dict, err := parseDict(raw)
	if err != nil {
		return err
	}
	h.Dict = dict
	return nil
}

// GetRecord fetches one record by id.
func (h *Handle) GetRecord(ctx context.Context, id int64) (*Record, error) {
	raw, err := h.call(ctx, map[string]interface{}{"_fn": "get", "_rsc": "record", "id": id})
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("record %d: %w", id, err)
	}
	return newRecord(h, fields), nil
}

// Query selects records of one model.
type Query struct {
	Model   string
	Filters []Filter
}

// GetRecords runs a filtered bulk read and materializes records.
func (h *Handle) GetRecords(ctx context.Context, q Query) ([]*Record, error) {
	body := map[string]interface{}{"_fn": "getData", "model": q.Model}
	if len(q.Filters) > 0 {
		body["filters"] = q.Filters
	}
	raw, err := h.call(ctx, body)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Recs []map[string]interface{} `json:"recs"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("getData %s: %w", q.Model, err)
	}
	recs := make([]*Record, 0, len(payload.Recs))
	for _, fields := range payload.Recs {
		if _, ok := fields["_model"]; !ok {
			fields["_model"] = q.Model
		}
		recs = append(recs, newRecord(h, fields))
	}
	return recs, nil
}

// CreateRecord creates a record; fields must include "_model".
func (h *Handle) CreateRecord(ctx context.Context, fields map[string]interface{}) (*Record, error) {
	body := map[string]interface{}{"_fn": "create", "_rsc": "record"}
	for k, v := range fields {
		body[k] = v
	}
	raw, err := h.call(ctx, body)
	if err != nil {
		return nil, err
	}
	var created map[string]interface{}
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, err
	}
	return newRecord(h, created), nil
}

// UpdateRecord persists changed fields of an existing record.
func (h *Handle) UpdateRecord(ctx context.Context, id int64, fields map[string]interface{}) error {
	body := map[string]interface{}{"_fn": "set", "_rsc": "record", "id": id}
	for k, v := range fields {
		body[k] = v
	}
	_, err := h.call(ctx, body)
	return err
}

// StartTransaction opens a backend transaction with a description.
func (h *Handle) StartTransaction(ctx context.Context, description string) error {
	_, err := h.call(ctx, map[string]interface{}{"_fn": "startTransaction", "description": description})
	return err
}

func (h *Handle) CommitTransaction(ctx context.Context) error {
	_, err := h.call(ctx, map[string]interface{}{"_fn": "commitTransaction"})
	return err
}

func (h *Handle) RollbackTransaction(ctx context.Context) error {
	_, err := h.call(ctx, map[string]interface{}{"_fn": "rollbackTransaction"})
	return err
}
