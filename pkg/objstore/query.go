package objstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ModelRef is one model reference found in a serialized query, scoped by the
// alias the query binds it to.
type ModelRef struct {
	Model string
	Alias string
}

// ExtractModelRefs walks a serialized query and returns every model
// reference in document order. The query is parsed as structured JSON and
// scanned for objects carrying a "model" key; this replaces the original
// substring scan while producing the same set of (model, alias) pairs. A
// query that is not valid JSON fails.
func ExtractModelRefs(query string) ([]ModelRef, error) {
	dec := json.NewDecoder(strings.NewReader(query))
	dec.UseNumber()

	var refs []ModelRef
	// Stack of pending refs, one frame per open JSON object.
	type frame struct {
		isObject bool
		key      string
		model    string
		hasModel bool
		alias    string
	}
	var stack []frame

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("query %q: %w", query, err)
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				// A container value consumes the parent's pending key.
				if len(stack) > 0 && stack[len(stack)-1].isObject {
					stack[len(stack)-1].key = ""
				}
				stack = append(stack, frame{isObject: t == '{'})
			case '}', ']':
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if top.isObject && top.hasModel {
					refs = append(refs, ModelRef{Model: top.model, Alias: top.alias})
				}
			}
		default:
			if len(stack) == 0 || !stack[len(stack)-1].isObject {
				continue
			}
			top := &stack[len(stack)-1]
			if top.key == "" {
				// Object keys are always strings; anything else is a value
				// for the pending key.
				if s, ok := t.(string); ok {
					top.key = s
				}
				continue
			}
			key := top.key
			top.key = ""
			switch key {
			case "model":
				top.model = scalarString(t)
				top.hasModel = top.model != ""
			case "alias":
				if s, ok := t.(string); ok {
					top.alias = s
				}
			}
		}
	}
	return refs, nil
}

func scalarString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	}
	return ""
}
