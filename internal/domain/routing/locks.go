package routing

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// RouteLock restricts the candidate set for matching model ids to a fixed
// provider list, regardless of the registry's general bindings. Applied
// before health filtering and non-negotiable: an otherwise-healthy provider
// outside the lock is never included.
type RouteLock struct {
	Pattern   *regexp.Regexp
	Providers []string
}

func (l *RouteLock) allows(provider string) bool {
	for _, p := range l.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

// LockTable holds route locks in declaration order; the first matching lock
// wins.
type LockTable []RouteLock

// Match returns the first lock whose pattern matches the canonical model id.
func (t LockTable) Match(modelID string) (*RouteLock, bool) {
	for i := range t {
		if t[i].Pattern.MatchString(modelID) {
			return &t[i], true
		}
	}
	return nil, false
}

type lockSpec struct {
	Pattern   string   `json:"pattern"`
	Providers []string `json:"providers"`
}

// ParseLockTable decodes the ROUTING_LOCKS JSON config value, e.g.
// [{"pattern":"^gpt-.*-exclusive$","providers":["openai"]}].
func ParseLockTable(raw string) (LockTable, error) {
	if raw == "" {
		return nil, nil
	}
	var specs []lockSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, fmt.Errorf("decode route locks: %w", err)
	}
	table := make(LockTable, 0, len(specs))
	for _, spec := range specs {
		if len(spec.Providers) == 0 {
			return nil, fmt.Errorf("route lock %q has no providers", spec.Pattern)
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("route lock pattern %q: %w", spec.Pattern, err)
		}
		table = append(table, RouteLock{Pattern: re, Providers: spec.Providers})
	}
	return table, nil
}
