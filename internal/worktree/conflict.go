package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// conflictContext is how many lines of surrounding context each hunk keeps.
const conflictContext = 3

// ParseConflictHunks extracts every conflict-marker region from file content.
// Nested markers are not expected; a marker sequence that does not close is
// treated as ending at EOF.
func ParseConflictHunks(content string) []ConflictHunk {
	lines := strings.Split(content, "\n")
	var hunks []ConflictHunk

	i := 0
	for i < len(lines) {
		if !strings.HasPrefix(lines[i], "<<<<<<<") {
			i++
			continue
		}

		start := i
		var original, incoming []string
		i++
		for i < len(lines) && !strings.HasPrefix(lines[i], "=======") {
			original = append(original, lines[i])
			i++
		}
		i++ // past =======
		for i < len(lines) && !strings.HasPrefix(lines[i], ">>>>>>>") {
			incoming = append(incoming, lines[i])
			i++
		}
		end := i
		if i < len(lines) {
			i++ // past >>>>>>>
		}

		ctxStart := start - conflictContext
		if ctxStart < 0 {
			ctxStart = 0
		}
		ctxEnd := end + 1 + conflictContext
		if ctxEnd > len(lines) {
			ctxEnd = len(lines)
		}

		hunks = append(hunks, ConflictHunk{
			ContextBefore: append([]string(nil), lines[ctxStart:start]...),
			OriginalLines: original,
			IncomingLines: incoming,
			ContextAfter:  append([]string(nil), lines[end+1:ctxEnd]...),
			StartLine:     start + 1,
			EndLine:       end + 1,
		})
	}
	return hunks
}

// ResolveConflict resolves the hunkIndex-th conflict in a file by keeping
// either the incoming (session) side or the original (target) side. Other
// hunks in the file are left untouched.
func (m *Manager) ResolveConflict(ctx context.Context, filePath string, hunkIndex int, useIncoming bool) error {
	full := filepath.Join(m.projectPath, filePath)
	data, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("failed to read conflicted file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	var out []string
	hunk := 0
	resolvedAny := false

	i := 0
	for i < len(lines) {
		if !strings.HasPrefix(lines[i], "<<<<<<<") {
			out = append(out, lines[i])
			i++
			continue
		}

		var original, incoming []string
		markerStart := i
		i++
		for i < len(lines) && !strings.HasPrefix(lines[i], "=======") {
			original = append(original, lines[i])
			i++
		}
		i++
		for i < len(lines) && !strings.HasPrefix(lines[i], ">>>>>>>") {
			incoming = append(incoming, lines[i])
			i++
		}
		markerEnd := i
		if i < len(lines) {
			i++
		}

		if hunk == hunkIndex {
			if useIncoming {
				out = append(out, incoming...)
			} else {
				out = append(out, original...)
			}
			resolvedAny = true
		} else {
			// Preserve the untouched conflict verbatim, markers included.
			out = append(out, lines[markerStart:markerEnd]...)
			if markerEnd < len(lines) {
				out = append(out, lines[markerEnd])
			}
		}
		hunk++
	}

	if !resolvedAny {
		return fmt.Errorf("conflict hunk %d not found in %s", hunkIndex, filePath)
	}

	if err := os.WriteFile(full, []byte(strings.Join(out, "\n")), 0o644); err != nil {
		return fmt.Errorf("failed to write resolved file: %w", err)
	}

	// Only stage once the file has no markers left.
	if len(ParseConflictHunks(strings.Join(out, "\n"))) == 0 {
		if _, err := m.git(ctx, m.projectPath, "add", filePath); err != nil {
			return err
		}
	}
	return nil
}

// ResolveAllConflicts resolves every conflicted file wholesale to one side.
func (m *Manager) ResolveAllConflicts(ctx context.Context, useIncoming bool) error {
	out, err := m.git(ctx, m.projectPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return err
	}
	side := "--ours"
	if useIncoming {
		side = "--theirs"
	}
	for _, file := range strings.Split(out, "\n") {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		if _, err := m.git(ctx, m.projectPath, "checkout", side, "--", file); err != nil {
			return err
		}
		if _, err := m.git(ctx, m.projectPath, "add", file); err != nil {
			return err
		}
	}
	return nil
}
