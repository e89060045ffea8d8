// Package main implements a mock coding agent for development and e2e
// tests. It prints the terminal output the session loop analyzes: tool-call
// lines, exploration findings, change summaries, verifier verdicts and
// quota banners, selected by scenario.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
)

func main() {
	phase := flag.String("phase", "combined", "phase to simulate (exploration, combined, continuation, revision, verification)")
	scenario := flag.String("scenario", "complete", "canned behaviour to play back")
	flag.Parse()

	// The prompt arrives on stdin; drain it in the background so the writer
	// never blocks on a full pipe.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
		}
	}()

	os.Exit(run(*phase, *scenario, os.Stdout))
}

// run plays the scenario and returns the process exit code.
func run(phase, scenario string, out *os.File) int {
	if phase == "verification" {
		return playVerification(scenario, out)
	}

	switch scenario {
	case "complete":
		return playComplete(phase, out)
	case "no-summary":
		return playNoSummary(out)
	case "explore-loop":
		return playExploreLoop(out)
	case "session-quota":
		return playQuota(out, "You've hit your limit. Your limit resets at 3:00 PM.")
	case "weekly-quota":
		return playQuota(out, "Weekly usage limit reached. Resets Thursday.")
	case "rate-limit":
		return playQuota(out, "Error: 429 Too Many Requests")
	case "idle":
		return playIdle(out)
	case "fail":
		fmt.Fprintln(out, "Error: could not apply changes")
		return 2
	default:
		fmt.Fprintf(out, "mock-agent: unknown scenario %q\n", scenario)
		return 2
	}
}
