// Package quota detects provider quota and rate-limit exhaustion in agent
// output. Detection is intentionally restricted to the tail of the buffer:
// a coding agent edits source files that may literally contain these
// patterns, and scanning the whole buffer produces false positives.
package quota

import (
	"regexp"
	"strings"
)

// Kind classifies the limit that was hit.
type Kind string

const (
	KindNone         Kind = ""
	KindSessionLimit Kind = "session_limit"
	KindWeeklyLimit  Kind = "weekly_limit"
	KindRateLimit    Kind = "rate_limit"
	KindBilling      Kind = "billing"
	KindResource     Kind = "resource"
)

// tailWindow is how many bytes of recent output are inspected.
const tailWindow = 500

var (
	weeklyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)weekly\s+(usage\s+)?limit`),
		regexp.MustCompile(`(?i)limit[^\n]{0,40}resets?[^\n]{0,40}week`),
		regexp.MustCompile(`(?i)7.day\s+limit`),
	}
	sessionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)you'?ve\s+hit\s+your\s+limit`),
		regexp.MustCompile(`(?i)session\s+limit\s+(reached|hit|exceeded)`),
		regexp.MustCompile(`(?i)usage\s+limit\s+(reached|hit|exceeded)`),
		regexp.MustCompile(`(?i)5.hour\s+limit`),
		regexp.MustCompile(`(?i)limit\s+reached[^\n]{0,60}resets?`),
	}
	ratePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)rate.?limit(ed|s)?`),
		regexp.MustCompile(`(?i)too\s+many\s+requests`),
		regexp.MustCompile(`(?i)\b429\b`),
	}
	billingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)insufficient\s+(credit|funds|balance)`),
		regexp.MustCompile(`(?i)credit\s+balance\s+is\s+too\s+low`),
		regexp.MustCompile(`(?i)billing\s+(issue|problem|error|hard\s+limit)`),
		regexp.MustCompile(`(?i)payment\s+required`),
	}
	resourcePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)resource.?exhausted`),
		regexp.MustCompile(`(?i)quota\s+exceeded`),
		regexp.MustCompile(`(?i)out\s+of\s+(quota|capacity)`),
	}

	// JavaScript error-object dumps (gaxios and friends) are never quota
	// indicators and must not leak into summaries.
	jsErrorLine = []*regexp.Regexp{
		regexp.MustCompile(`\[Symbol\(`),
		regexp.MustCompile(`\[object Object\]`),
		regexp.MustCompile(`^\s*(Type|Reference|Syntax|Range)Error:`),
		regexp.MustCompile(`^\s*at\s+.+\.(js|mjs|cjs|ts):\d+`),
	}

	summaryKeywords = regexp.MustCompile(`(?i)quota|credit|exceeded|insufficient|limit|resets?`)
)

// Detect scans the last 500 bytes of output and classifies any quota or
// limit condition found there. Lines shaped like JavaScript error objects
// are excluded before matching.
func Detect(output string) Kind {
	tail := cleanTail(output)
	if tail == "" {
		return KindNone
	}

	// Weekly before session: a weekly-limit message often also contains
	// the word "limit" which the session patterns would claim.
	for _, p := range weeklyPatterns {
		if p.MatchString(tail) {
			return KindWeeklyLimit
		}
	}
	for _, p := range sessionPatterns {
		if p.MatchString(tail) {
			return KindSessionLimit
		}
	}
	for _, p := range ratePatterns {
		if p.MatchString(tail) {
			return KindRateLimit
		}
	}
	for _, p := range billingPatterns {
		if p.MatchString(tail) {
			return KindBilling
		}
	}
	for _, p := range resourcePatterns {
		if p.MatchString(tail) {
			return KindResource
		}
	}
	return KindNone
}

// Summary extracts a single display line describing the limit condition.
// Lines carrying quota keywords win over anything else; JavaScript error
// object lines are always excluded.
func Summary(output string) string {
	tail := cleanTail(output)
	if tail == "" {
		return ""
	}

	lines := strings.Split(tail, "\n")
	var fallback string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if summaryKeywords.MatchString(trimmed) {
			return trimmed
		}
		if fallback == "" {
			fallback = trimmed
		}
	}
	return fallback
}

// cleanTail returns the tail window of the output with JS error-object
// lines removed.
func cleanTail(output string) string {
	if len(output) > tailWindow {
		output = output[len(output)-tailWindow:]
	}

	lines := strings.Split(output, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if isJSErrorLine(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func isJSErrorLine(line string) bool {
	for _, p := range jsErrorLine {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}
