package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	// DefaultReadWindow bounds how long a one-shot read waits for the
	// replicated store to surface a value before it is treated as absent.
	DefaultReadWindow = time.Second

	// metaPrefix marks child keys that carry store bookkeeping rather than
	// application data. Readers skip them.
	metaPrefix = "~"
)

var (
	// ErrWriteFailed indicates the store acknowledged a put with an error.
	ErrWriteFailed = errors.New("store: write failed")
	// ErrInvalidPath indicates an empty or malformed node path.
	ErrInvalidPath = errors.New("store: invalid path")
)

// Value is the field map held at one node of the graph. Replication
// converges last-write-wins per field, so readers must tolerate values with
// only some fields populated.
type Value map[string]any

// ChildFunc receives one child node under a subscribed path. A nil value is
// a tombstone for the keyed child.
type ChildFunc func(key string, value Value)

// CancelFunc detaches a live subscription. Safe to call more than once.
type CancelFunc func()

// Store is the boundary to the replicated graph store. Writes merge field
// maps into the addressed node; writing a nil Value tombstones the node.
// There is no cross-path atomicity and no delivery guarantee beyond eventual
// per-field convergence.
type Store interface {
	// Put merges value into the node at path and waits for the local ack.
	Put(ctx context.Context, path string, value Value) error

	// Once reads the node at path, waiting at most the store's read window.
	// A missing node yields (nil, nil).
	Once(ctx context.Context, path string) (Value, error)

	// Children reads every direct child under path, keyed by child segment.
	Children(ctx context.Context, path string) (map[string]Value, error)

	// Subscribe attaches a live per-child listener under path. Children
	// already present are replayed before new arrivals are delivered. The
	// returned cancel detaches the listener.
	Subscribe(path string, fn ChildFunc) CancelFunc
}

// ReadContext derives a context bounded by DefaultReadWindow for one-shot
// reads. A context that already carries a deadline passes through unchanged.
func ReadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultReadWindow)
}

// Join builds a node path from segments, rejecting empties.
func Join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		segment = strings.Trim(segment, "/")
		if segment == "" {
			continue
		}
		parts = append(parts, segment)
	}
	return strings.Join(parts, "/")
}

// IsMetaKey reports whether a child key belongs to store bookkeeping.
func IsMetaKey(key string) bool {
	return strings.HasPrefix(key, metaPrefix)
}

// String extracts a string field, tolerating its absence.
func (v Value) String(field string) (string, bool) {
	raw, ok := v[field]
	if !ok {
		return "", false
	}
	value, ok := raw.(string)
	return value, ok
}

// Int64 extracts an integer field. JSON decoding may surface numbers as
// float64, so both representations are accepted.
func (v Value) Int64(field string) (int64, bool) {
	switch value := v[field].(type) {
	case int64:
		return value, true
	case int:
		return int64(value), true
	case float64:
		return int64(value), true
	default:
		return 0, false
	}
}

// Bool extracts a boolean field, tolerating its absence.
func (v Value) Bool(field string) (bool, bool) {
	raw, ok := v[field]
	if !ok {
		return false, false
	}
	value, ok := raw.(bool)
	return value, ok
}

// Clone returns an independent copy of the field map.
func (v Value) Clone() Value {
	if v == nil {
		return nil
	}
	copied := make(Value, len(v))
	for field, value := range v {
		copied[field] = value
	}
	return copied
}
