// Package strings holds small list helpers for configuration values.
package strings

import (
	"strings"
)

// SplitList splits a comma separated value into trimmed, de-duplicated,
// non-empty parts. Order is preserved.
//
//	SplitList(" broker-1:9092,broker-2:9092,,broker-1:9092 ")
//	// []string{"broker-1:9092", "broker-2:9092"}
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return DedupeAndTrim(strings.Split(s, ","))
}

// DedupeAndTrim trims each value and drops empties and repeats.
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}
