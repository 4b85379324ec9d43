package agent

import (
	"strings"
	"time"

	"github.com/opal-run/opal/usage"
)

// ErrorClass is the outcome of classifying a provider error, per spec.md
// §4.1 and §4.8.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassOverflow  ErrorClass = "overflow"
)

// ErrorLexicon is the configurable set of case-insensitive substrings used
// to classify a provider error string. Defaults are DefaultErrorLexicon;
// spec.md §9 explicitly calls out that the exact substring lists should be
// configurable rather than baked into the classifier, so this is a struct
// value rather than package-level constants.
type ErrorLexicon struct {
	Transient []string
	Permanent []string
	Overflow  []string
}

// DefaultErrorLexicon is grounded on the teacher's model.ProviderErrorKind
// taxonomy (auth/invalid_request/rate_limited/unavailable), mapped onto
// spec.md §4.1's transient/permanent split, plus the overflow lexicon from
// §4.8.
var DefaultErrorLexicon = ErrorLexicon{
	Transient: []string{
		"rate limit", "rate_limit", "429",
		"500", "502", "503", "504",
		"overloaded", "overloaded_error",
		"connection reset", "connection refused", "timeout", "timed out",
		"temporarily unavailable", "service unavailable",
	},
	Permanent: []string{
		"authentication", "unauthorized", "invalid api key", "forbidden", "403", "401",
		"invalid_request", "invalid request", "bad request",
		"permission denied",
	},
	Overflow: usage.DefaultOverflowLexicon,
}

// Classify determines the ErrorClass for msg under lexicon, applying
// spec.md §4.1's explicit permanent-first precedence: overflow is checked
// first (it is the most specific permanent subclass), then the remaining
// permanent patterns, then transient. A message matching none of the
// lexicons classifies as transient (provider errors default to "worth
// retrying a bounded number of times" rather than silently swallowing
// unrecognized failures).
func Classify(msg string, lexicon ErrorLexicon) ErrorClass {
	lower := strings.ToLower(msg)
	if containsAny(lower, lexicon.Overflow) {
		return ClassOverflow
	}
	if containsAny(lower, lexicon.Permanent) {
		return ClassPermanent
	}
	if containsAny(lower, lexicon.Transient) {
		return ClassTransient
	}
	return ClassTransient
}

func containsAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Backoff policy defaults per spec.md §6.
const (
	DefaultBackoffBase = 2000 * time.Millisecond
	DefaultBackoffMax  = 60000 * time.Millisecond
)

// BackoffDelay computes delay(n) = min(base * 2^(n-1), max) for attempt n
// (1-indexed: attempt 1 is the first retry). attempt <= 1 returns base.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 1 {
		return base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
