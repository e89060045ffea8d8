package worktree

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Diff returns the full parsed diff of the session worktree against its
// base commit, including untracked files rendered as additions.
func (m *Manager) Diff(ctx context.Context, sessionID string) ([]FileDiff, error) {
	wt, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	raw, err := m.git(ctx, wt.Path, "diff", wt.BaseCommit, "--", ".")
	if err != nil {
		return nil, err
	}
	diffs := ParseUnifiedDiff(raw)

	// Untracked files do not appear in git diff; synthesize one per file.
	untracked, err := m.git(ctx, wt.Path, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return diffs, err
	}
	for _, file := range strings.Split(untracked, "\n") {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		// diff --no-index exits 1 on differences, which git() surfaces as an
		// error; the output is still complete.
		out, _ := m.git(ctx, wt.Path, "diff", "--no-index", "--", "/dev/null", file)
		for _, fd := range ParseUnifiedDiff(out) {
			fd.IsNew = true
			fd.NewPath = file
			diffs = append(diffs, fd)
		}
	}
	return diffs, nil
}

// DiffSummary returns per-file change counts for the session worktree
// against its base, untracked files included.
func (m *Manager) DiffSummary(ctx context.Context, sessionID string) (*Summary, error) {
	wt, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}

	numstat, err := m.git(ctx, wt.Path, "diff", "--numstat", wt.BaseCommit, "--", ".")
	if err != nil {
		return nil, err
	}
	status, err := m.git(ctx, wt.Path, "diff", "--name-status", wt.BaseCommit, "--", ".")
	if err != nil {
		return nil, err
	}
	statusByPath := parseNameStatus(status)

	for _, line := range strings.Split(numstat, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		// Binary files report "-" counts.
		adds, _ := strconv.Atoi(parts[0])
		dels, _ := strconv.Atoi(parts[1])
		path := parts[2]
		// Renames come through as "old => new" or "prefix{old => new}suffix".
		if idx := strings.Index(path, " => "); idx >= 0 {
			path = renameNewPath(path)
		}
		st := statusByPath[path]
		if st == "" {
			st = "modified"
		}
		summary.Files = append(summary.Files, FileStat{Path: path, Additions: adds, Deletions: dels, Status: st})
		summary.Additions += adds
		summary.Deletions += dels
	}

	untracked, err := m.git(ctx, wt.Path, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return summary, err
	}
	for _, file := range strings.Split(untracked, "\n") {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		count := 0
		if out, err := m.git(ctx, wt.Path, "show", ":0:"+file); err != nil {
			// Not staged; count lines from the working copy via wc-free parse.
			if raw, rerr := m.git(ctx, wt.Path, "diff", "--no-index", "--numstat", "--", "/dev/null", file); rerr != nil || raw != "" {
				parts := strings.SplitN(strings.TrimSpace(raw), "\t", 3)
				if len(parts) == 3 {
					count, _ = strconv.Atoi(parts[0])
				}
			}
		} else {
			count = strings.Count(out, "\n") + 1
		}
		summary.Files = append(summary.Files, FileStat{Path: file, Additions: count, Status: "untracked"})
		summary.Additions += count
	}

	summary.FilesChanged = len(summary.Files)
	return summary, nil
}

// ParseUnifiedDiff parses git unified diff output into per-file diffs.
func ParseUnifiedDiff(raw string) []FileDiff {
	var diffs []FileDiff
	var cur *FileDiff
	var hunk *DiffHunk
	oldLine, newLine := 0, 0

	flushHunk := func() {
		if cur != nil && hunk != nil {
			cur.Hunks = append(cur.Hunks, *hunk)
			hunk = nil
		}
	}
	flushFile := func() {
		flushHunk()
		if cur != nil {
			diffs = append(diffs, *cur)
			cur = nil
		}
	}

	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushFile()
			cur = &FileDiff{}
			// "diff --git a/path b/path"; paths with spaces are rare enough
			// that the ---/+++ headers below are the authoritative source.
		case cur == nil:
			continue
		case strings.HasPrefix(line, "new file mode"):
			cur.IsNew = true
		case strings.HasPrefix(line, "deleted file mode"):
			cur.IsDeleted = true
		case strings.HasPrefix(line, "Binary files "):
			cur.IsBinary = true
		case strings.HasPrefix(line, "--- "):
			cur.OldPath = stripDiffPath(line[4:])
		case strings.HasPrefix(line, "+++ "):
			cur.NewPath = stripDiffPath(line[4:])
		case strings.HasPrefix(line, "@@"):
			flushHunk()
			mgroups := hunkHeaderRe.FindStringSubmatch(line)
			if mgroups == nil {
				continue
			}
			h := DiffHunk{
				OldStart: atoiDefault(mgroups[1], 0),
				OldCount: atoiDefault(mgroups[2], 1),
				NewStart: atoiDefault(mgroups[3], 0),
				NewCount: atoiDefault(mgroups[4], 1),
			}
			hunk = &h
			oldLine, newLine = h.OldStart, h.NewStart
		case hunk != nil && strings.HasPrefix(line, "+"):
			hunk.Lines = append(hunk.Lines, DiffLine{Kind: DiffLineAdded, Content: line[1:], NewLine: newLine})
			newLine++
		case hunk != nil && strings.HasPrefix(line, "-"):
			hunk.Lines = append(hunk.Lines, DiffLine{Kind: DiffLineRemoved, Content: line[1:], OldLine: oldLine})
			oldLine++
		case hunk != nil && strings.HasPrefix(line, " "):
			hunk.Lines = append(hunk.Lines, DiffLine{Kind: DiffLineContext, Content: line[1:], OldLine: oldLine, NewLine: newLine})
			oldLine++
			newLine++
		case hunk != nil && line == `\ No newline at end of file`:
			// Marker only, not content.
		}
	}
	flushFile()
	return diffs
}

// stripDiffPath removes the a/ or b/ prefix from a diff header path and maps
// /dev/null to the empty string.
func stripDiffPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		return p[2:]
	}
	return p
}

// parseNameStatus maps file path to a readable status from name-status
// output.
func parseNameStatus(out string) map[string]string {
	statuses := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			continue
		}
		code := parts[0]
		path := parts[len(parts)-1]
		switch {
		case strings.HasPrefix(code, "A"):
			statuses[path] = "added"
		case strings.HasPrefix(code, "D"):
			statuses[path] = "deleted"
		case strings.HasPrefix(code, "R"):
			statuses[path] = "renamed"
		default:
			statuses[path] = "modified"
		}
	}
	return statuses
}

// renameNewPath resolves the new path from a numstat rename entry, either
// "old => new" or "prefix{old => new}suffix".
func renameNewPath(path string) string {
	if open := strings.Index(path, "{"); open >= 0 {
		if close := strings.Index(path, "}"); close > open {
			inner := path[open+1 : close]
			parts := strings.SplitN(inner, " => ", 2)
			if len(parts) == 2 {
				return path[:open] + parts[1] + path[close+1:]
			}
		}
	}
	parts := strings.SplitN(path, " => ", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return path
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// FileAtBase returns the base-commit content of a file in the session
// worktree, for side-by-side diff rendering.
func (m *Manager) FileAtBase(ctx context.Context, sessionID, path string) (string, error) {
	wt, err := m.lookup(ctx, sessionID)
	if err != nil {
		return "", err
	}
	out, err := m.git(ctx, wt.Path, "show", fmt.Sprintf("%s:%s", wt.BaseCommit, path))
	if err != nil {
		return "", err
	}
	return out, nil
}
