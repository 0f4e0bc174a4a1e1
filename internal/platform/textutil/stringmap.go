package textutil

import (
	"sort"
	"strings"
)

// MapLimits bounds a string map sent to a system with metadata quotas. Zero disables a limit.
type MapLimits struct {
	MaxEntries int
	KeyRunes   int
	ValueRunes int
}

// NormalizeStringMap trims keys and values, drops entries whose key or value ends up empty and
// truncates the rest to limits. When MaxEntries is exceeded the lexically smallest keys are kept
// so the result is deterministic. It returns nil when nothing survives.
func NormalizeStringMap(values map[string]string, limits MapLimits) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		key = truncateRunes(strings.TrimSpace(key), limits.KeyRunes)
		value = truncateRunes(strings.TrimSpace(value), limits.ValueRunes)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	if limits.MaxEntries > 0 && len(result) > limits.MaxEntries {
		keys := make([]string, 0, len(result))
		for key := range result {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys[limits.MaxEntries:] {
			delete(result, key)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func truncateRunes(value string, limit int) string {
	if limit <= 0 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return strings.TrimSpace(string(runes[:limit]))
}
