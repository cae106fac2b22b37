// Package objstore is the proxy's boundary with the backend object-store
// service. A Handle is a session-bound connection through which record and
// model operations are issued; the backend's query language and transaction
// engine stay on the other side of the wire.
package objstore

import "errors"

var (
	ErrUnknownMethod      = errors.New("unknown method")
	ErrModelNotRegistered = errors.New("model not registered")
)

// Filter is one access-restriction predicate clause in the form the backend
// query engine consumes, e.g. ["id", "in", [1, 2, 3]]. An empty filter means
// no restriction.
type Filter []interface{}
