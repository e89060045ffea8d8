package loop

import (
	"regexp"
	"strings"
	"time"
)

// idleClass buckets what the agent appeared to be doing when it went quiet;
// each bucket gets its own silence budget.
type idleClass string

const (
	idleThinking   idleClass = "thinking"
	idleMidThought idleClass = "mid_thought"
	idleCommand    idleClass = "command"
)

var commandTailRe = regexp.MustCompile(`(?i)(running|executing|building|compiling|installing|downloading|testing|\$\s*$|\.\.\.\s*$|"name"\s*:\s*"(Bash|shell|run|exec)")`)

// classifyIdle inspects the tail of the output to decide which silence
// budget applies. A tail that looks like a command in flight gets the long
// budget; output that stops mid-sentence (no trailing newline) gets the
// mid-thought budget; everything else counts as thinking.
func classifyIdle(buf string) idleClass {
	const window = 400
	tail := buf
	if len(tail) > window {
		tail = tail[len(tail)-window:]
	}
	stripped := stripANSI(tail)
	if commandTailRe.MatchString(stripped) {
		return idleCommand
	}
	trimmed := strings.TrimRight(stripped, " \t")
	if trimmed != "" && !strings.HasSuffix(trimmed, "\n") {
		return idleMidThought
	}
	return idleThinking
}

// idleBudgets holds the per-class silence limits.
type idleBudgets struct {
	thinking   time.Duration
	midThought time.Duration
	command    time.Duration
}

func (b idleBudgets) limit(c idleClass) time.Duration {
	switch c {
	case idleCommand:
		return b.command
	case idleMidThought:
		return b.midThought
	default:
		return b.thinking
	}
}
