package evaluator

import (
	"strconv"
	"strings"
)

// absentValue is the sentinel for a property path that does not resolve.
type absentValue struct{}

// Absent is returned by ResolvePath when any segment of the path is
// missing. It is distinct from an explicit nil in the configuration.
var Absent = absentValue{}

// IsAbsent reports whether v is the missing-path sentinel.
func IsAbsent(v interface{}) bool {
	_, ok := v.(absentValue)
	return ok
}

// ResolvePath walks a dot/array-index path ("encryption.rules.0.enabled"
// or "encryption.rules[0].enabled") through a configuration map.
func ResolvePath(cfg map[string]interface{}, path string) interface{} {
	if path == "" {
		return Absent
	}

	var current interface{} = map[string]interface{}(cfg)
	for _, seg := range splitPath(path) {
		switch node := current.(type) {
		case map[string]interface{}:
			val, ok := node[seg]
			if !ok {
				return Absent
			}
			current = val
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return Absent
			}
			current = node[idx]
		default:
			return Absent
		}
	}
	return current
}

// splitPath breaks "a.b[2].c" into ["a", "b", "2", "c"]. Bracketed
// indexes and bare numeric segments are equivalent.
func splitPath(path string) []string {
	normalized := strings.NewReplacer("[", ".", "]", "").Replace(path)
	parts := strings.Split(normalized, ".")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}
