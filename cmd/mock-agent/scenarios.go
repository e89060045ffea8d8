package main

import (
	"fmt"
	"os"
	"time"
)

// stepDelay paces output so tests exercise the loop's incremental scanning
// rather than one giant read.
const stepDelay = 30 * time.Millisecond

func emit(out *os.File, lines ...string) {
	for _, line := range lines {
		fmt.Fprintln(out, line)
		time.Sleep(stepDelay)
	}
}

// toolCall renders the tool-use line shape the output analyzer counts.
func toolCall(name, arg string) string {
	return fmt.Sprintf(`{"type": "tool_use", "name": %q, "input": {"path": %q}}`, name, arg)
}

// playComplete explores briefly, edits a file and ends with the change
// summary the loop requires to stop continuing.
func playComplete(phase string, out *os.File) int {
	emit(out,
		"Looking at the repository structure.",
		toolCall("Glob", "**/*.go"),
		toolCall("Read", "main.go"),
		"EXPLORATION_RESULT: entry point delegates to the server package",
		toolCall("Edit", "main.go"),
		"Applied the requested change.",
	)
	if phase == "exploration" {
		// Exploration runs stop after findings; no summary expected.
		return 0
	}
	emit(out,
		"```json",
		`{"change_summary": "Updated main.go with the requested behaviour", "files_changed": ["main.go"]}`,
		"```",
	)
	return 0
}

// playNoSummary finishes cleanly without a change summary, forcing a
// continuation phase.
func playNoSummary(out *os.File) int {
	emit(out,
		toolCall("Read", "main.go"),
		toolCall("Edit", "main.go"),
		"Done for now.",
	)
	return 0
}

// playExploreLoop reads endlessly without writing anything, tripping the
// exploration-loop detector.
func playExploreLoop(out *os.File) int {
	for i := 0; ; i++ {
		emit(out, toolCall("Read", fmt.Sprintf("file_%d.go", i)))
	}
}

// playQuota prints a quota banner and exits like a CLI that was cut off.
func playQuota(out *os.File, banner string) int {
	emit(out,
		toolCall("Read", "main.go"),
		banner,
	)
	return 1
}

// playIdle prints a thinking marker and then stalls until killed.
func playIdle(out *os.File) int {
	emit(out, "Thinking...")
	select {}
}

// playVerification emits the verifier verdict object.
func playVerification(scenario string, out *os.File) int {
	emit(out,
		toolCall("Read", "main.go"),
		"Checking the implementation against the task.",
	)
	switch scenario {
	case "verify-fail":
		emit(out, `{"passed": false, "summary": "change incomplete", "issues": ["tests were not updated"]}`)
	case "verify-abort":
		fmt.Fprintln(out, "Error: verifier could not start")
		return 1
	default:
		emit(out, `{"passed": true, "summary": "change matches the task", "issues": []}`)
	}
	return 0
}
