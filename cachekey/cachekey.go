// Package cachekey derives stable cache keys from question text.
//
// Two questions that differ only in incidental whitespace or letter case
// derive the same key, so "What is BC card?" and "  what is bc card?  "
// share a cache entry. The model name and any caching-relevant options are
// folded into the key so that answers produced by different models never
// collide.
package cachekey

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// AnswerPrefix namespaces answer entries in shared backends.
	AnswerPrefix = "qa:answer"
	// CountPrefix namespaces search counters in shared backends.
	CountPrefix = "qa:count"
)

// Derive returns the cache key for a question, optionally scoped by model
// and a flat set of caching-relevant options. It is pure and deterministic:
// option maps fold in sorted key order so iteration order never changes the
// result. The output is a fixed-width hex digest.
func Derive(question string, model string, options map[string]string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(canonical(question, model, options)))
}

// CountKey returns the search-counter key for a question. It shares the
// digest with Derive so counter and entry always refer to the same logical
// question.
func CountKey(question string, model string, options map[string]string) string {
	return CountPrefix + ":" + Derive(question, model, options)
}

// AnswerKey returns the namespaced entry key for a question.
func AnswerKey(question string, model string, options map[string]string) string {
	return AnswerPrefix + ":" + Derive(question, model, options)
}

// Normalize collapses a question to its canonical form: trimmed,
// lowercased, with internal runs of whitespace flattened to single spaces.
func Normalize(question string) string {
	return strings.Join(strings.Fields(strings.ToLower(question)), " ")
}

func canonical(question string, model string, options map[string]string) string {
	var sb strings.Builder
	sb.WriteString(Normalize(question))
	if model != "" {
		sb.WriteByte(':')
		sb.WriteString(strings.ToLower(strings.TrimSpace(model)))
	}
	if len(options) > 0 {
		keys := make([]string, 0, len(options))
		for k := range options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteByte(':')
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(options[k])
		}
	}
	return sb.String()
}
