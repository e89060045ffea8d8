package loop

import (
	"encoding/json"
	"regexp"
	"strings"
)

// explorationMarker opens a finding line emitted by the exploration prompt.
const explorationMarker = "EXPLORATION_RESULT:"

var (
	ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\r`)

	// metadataPrefixes are terminal status lines agents print near the
	// marker; they are never findings.
	metadataPrefixes = []string{"workdir:", "model:", "provider:", "approval:", "sandbox:", "session:", "tokens used:"}

	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
)

// stripANSI removes escape sequences and carriage returns so scanners see
// plain text lines.
func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// explorationScanner extracts EXPLORATION_RESULT findings from the rolling
// output buffer. Scans are idempotent: a finding is reported once no matter
// how often the buffer is rescanned. A marker line still missing its
// newline is held back until a later scan or the finalize pass.
type explorationScanner struct {
	emitted map[string]bool
}

// Scan returns the findings newly completed since the previous scan.
func (s *explorationScanner) Scan(buf string, finalize bool) []string {
	if s.emitted == nil {
		s.emitted = make(map[string]bool)
	}

	text := stripANSI(buf)
	var results []string

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		idx := strings.Index(line, explorationMarker)
		if idx < 0 {
			continue
		}
		// The final line of the buffer may still be mid-write.
		if i == len(lines)-1 && !finalize {
			continue
		}
		finding := strings.TrimSpace(line[idx+len(explorationMarker):])
		if finding == "" || isMetadataLine(finding) {
			continue
		}
		// Extend through the paragraph: following non-empty lines belong to
		// this finding. The finding is held until the paragraph terminates
		// (blank line, next marker, metadata) so a partially written
		// paragraph is not emitted in a truncated form.
		complete := finalize
		for j := i + 1; j < len(lines); j++ {
			next := strings.TrimSpace(lines[j])
			if next == "" || strings.Contains(next, explorationMarker) || isMetadataLine(next) {
				complete = true
				break
			}
			if j == len(lines)-1 && !finalize {
				break
			}
			finding += " " + next
		}
		if !complete || s.emitted[finding] {
			continue
		}
		s.emitted[finding] = true
		results = append(results, finding)
	}
	return results
}

func isMetadataLine(line string) bool {
	lower := strings.ToLower(line)
	for _, prefix := range metadataPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// summaryScanner looks for the change_summary JSON object the coding prompt
// asks for, fenced or raw. Found at most once.
type summaryScanner struct {
	found bool
}

// Scan returns the change summary if newly found, nil otherwise.
func (s *summaryScanner) Scan(buf string) map[string]any {
	if s.found {
		return nil
	}
	text := stripANSI(buf)

	for _, match := range fencedJSONRe.FindAllStringSubmatch(text, -1) {
		if summary := parseChangeSummary(match[1]); summary != nil {
			s.found = true
			return summary
		}
	}

	// Raw scan: locate the key, then the enclosing object.
	for idx := strings.Index(text, `"change_summary"`); idx >= 0; {
		start := strings.LastIndex(text[:idx], "{")
		if start < 0 {
			break
		}
		if obj := extractBalancedObject(text[start:]); obj != "" {
			if summary := parseChangeSummary(obj); summary != nil {
				s.found = true
				return summary
			}
		}
		next := strings.Index(text[idx+1:], `"change_summary"`)
		if next < 0 {
			break
		}
		idx += 1 + next
	}
	return nil
}

// parseChangeSummary unmarshals candidate JSON and pulls the change_summary
// value out, accepting both object and string forms.
func parseChangeSummary(candidate string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil
	}
	raw, ok := obj["change_summary"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case map[string]any:
		return v
	case string:
		return map[string]any{"description": v}
	default:
		return nil
	}
}

// extractBalancedObject returns the shortest brace-balanced prefix of s
// starting at the leading '{', ignoring braces inside JSON strings.
func extractBalancedObject(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// verdictScanner finds the verifier's JSON verdict {passed, summary, issues}.
type verdict struct {
	Passed  bool     `json:"passed"`
	Summary string   `json:"summary"`
	Issues  []string `json:"issues"`
}

// scanVerdict returns the last verdict object present in the output, nil if
// none. The last one wins because a verifier may print intermediate JSON
// while working.
func scanVerdict(buf string) *verdict {
	text := stripANSI(buf)
	var found *verdict

	tryParse := func(candidate string) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			return
		}
		if _, ok := obj["passed"]; !ok {
			return
		}
		var v verdict
		if err := json.Unmarshal([]byte(candidate), &v); err == nil {
			found = &v
		}
	}

	for _, match := range fencedJSONRe.FindAllStringSubmatch(text, -1) {
		tryParse(match[1])
	}

	for idx := strings.Index(text, `"passed"`); idx >= 0; {
		start := strings.LastIndex(text[:idx], "{")
		if start >= 0 {
			if obj := extractBalancedObject(text[start:]); obj != "" {
				tryParse(obj)
			}
		}
		next := strings.Index(text[idx+1:], `"passed"`)
		if next < 0 {
			break
		}
		idx += 1 + next
	}
	return found
}

var (
	// Tool invocations in stream-json output; used by the exploration-loop
	// detector to tell reading from writing.
	explorationToolRe    = regexp.MustCompile(`"name"\s*:\s*"(Read|Glob|Grep|LS|List|search|read_file|list_files|grep)"`)
	implementationToolRe = regexp.MustCompile(`"name"\s*:\s*"(Write|Edit|MultiEdit|write_file|apply_patch|str_replace|create_file)"`)
)

// countToolCalls tallies exploration-style and implementation-style tool
// invocations in the raw output.
func countToolCalls(buf string) (explorationCalls, implementationCalls int) {
	return len(explorationToolRe.FindAllString(buf, -1)), len(implementationToolRe.FindAllString(buf, -1))
}
