package sync

import (
	"strings"
)

// Record is one untyped record moving between systems
type Record = map[string]any

// GetPath resolves a dotted path ("invoice.supplier.tin") against a record.
// The second return value is false when any segment is missing or not a map.
func GetPath(record Record, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current any = record
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SetPath writes a value at a dotted path, creating intermediate maps as
// needed. Existing non-map intermediates are replaced.
func SetPath(record Record, path string, value any) {
	if path == "" {
		return
	}
	segments := strings.Split(path, ".")
	current := record
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[seg] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}
