package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SpliceField appends one field to a serialized JSON object without touching
// any other byte of it. Clients rely on their request body reaching the
// backend verbatim apart from injected fields, so a decode/re-encode cycle
// is not an option here.
func SpliceField(body []byte, key string, value interface{}) ([]byte, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimRight(body, " \t\r\n")
	if len(trimmed) == 0 || trimmed[len(trimmed)-1] != '}' {
		return nil, fmt.Errorf("splice: body is not a JSON object")
	}
	head := trimmed[:len(trimmed)-1]
	tail := body[len(trimmed):]

	sep := []byte(",")
	if len(bytes.TrimRight(bytes.TrimLeft(head, " \t\r\n"), " \t\r\n")) <= 1 {
		// {} or whitespace-only interior: no members yet.
		sep = nil
	}

	var out bytes.Buffer
	out.Grow(len(body) + len(key) + len(encoded) + 4)
	out.Write(head)
	out.Write(sep)
	keyJSON, _ := json.Marshal(key)
	out.Write(keyJSON)
	out.WriteByte(':')
	out.Write(encoded)
	out.WriteByte('}')
	out.Write(tail)
	return out.Bytes(), nil
}
