package proxy

import (
	"encoding/json"
	"fmt"
)

// Request is one parsed gateway body. Raw preserves the client's exact
// bytes; Fields is the decoded view used for tag inspection.
type Request struct {
	Raw    []byte
	SID    string
	Fields map[string]interface{}

	Fn     string // _fn: generic backend operation
	Rsc    string // _rsc: resource tag
	Model  string // _model: direct-call target model
	Method string // _method: direct-call operation
	ID     int64  // id: record id, when present

	DataModel string // model: getData target
	Query     string // query: serialized multi-model query
	HasTrace  bool
}

// ParseRequest decodes a gateway body. A malformed body is a ParseError the
// gateway surfaces immediately.
func ParseRequest(raw []byte, sid string) (*Request, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	req := &Request{Raw: raw, SID: sid, Fields: fields}
	req.Fn = fieldString(fields, "_fn")
	req.Rsc = fieldString(fields, "_rsc")
	req.Model = fieldString(fields, "_model")
	req.Method = fieldString(fields, "_method")
	req.DataModel = fieldString(fields, "model")
	req.Query = fieldString(fields, "query")
	if v, ok := fields["id"]; ok {
		req.ID = fieldInt64(v)
	}
	_, req.HasTrace = fields["_trace"]
	return req, nil
}

// IsDirectCall reports a direct method invocation that bypasses the backend
// round trip.
func (r *Request) IsDirectCall() bool {
	return r.Model != "" && r.Method != ""
}

// TargetModel is the model an access check applies to: the direct-call
// model, the explicit create model, or the bulk-read model.
func (r *Request) TargetModel() string {
	if r.Model != "" {
		return r.Model
	}
	return r.DataModel
}

func fieldString(fields map[string]interface{}, key string) string {
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}

func fieldInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		var i int64
		_, _ = fmt.Sscanf(n, "%d", &i)
		return i
	}
	return 0
}
