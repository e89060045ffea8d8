//go:build windows

package ptystream

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/UserExistsError/conpty"
)

// windowsPTY wraps a Windows ConPTY pseudo-console.
type windowsPTY struct {
	cpty *conpty.ConPty
}

func (p *windowsPTY) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPTY) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPTY) Close() error                { return p.cpty.Close() }

func (p *windowsPTY) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// startPTYWithSize starts the command in a ConPTY. ConPTY creates the
// process itself, so the command line is rebuilt from the exec.Cmd and
// cmd.Process is backfilled afterwards for lifecycle management.
func startPTYWithSize(cmd *exec.Cmd, cols, rows int) (PtyHandle, error) {
	cmdLine := buildCmdLine(cmd.Args)
	if len(cmd.Args) == 0 {
		cmdLine = escapeArg(cmd.Path)
	}

	opts := []conpty.ConPtyOption{
		conpty.ConPtyDimensions(cols, rows),
	}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}

	pid := cpty.Pid()
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("failed to find ConPTY process %d: %w", pid, err)
	}
	cmd.Process = proc

	return &windowsPTY{cpty: cpty}, nil
}

// terminateProcessTree kills the process. Windows has no SIGTERM; the grace
// period is irrelevant because termination is immediate.
func terminateProcessTree(p *os.Process, _ time.Duration) error {
	return p.Kill()
}

// waitPtyProcess waits via os.Process since the process was created by
// ConPTY rather than cmd.Start.
func waitPtyProcess(cmd *exec.Cmd, _ PtyHandle) (exitCode int, err error) {
	state, err := cmd.Process.Wait()
	if err != nil {
		return 1, err
	}
	code := state.ExitCode()
	if code != 0 {
		return code, &exec.ExitError{ProcessState: state}
	}
	return 0, nil
}

// escapeArg applies the CommandLineToArgvW quoting rules: backslashes are
// doubled only before a double quote, quotes are backslash-escaped, and the
// argument is wrapped in quotes only when it contains whitespace.
func escapeArg(s string) string {
	if len(s) == 0 {
		return `""`
	}

	var needsBackslash, hasSpace bool
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			needsBackslash = true
		case ' ', '\t':
			hasSpace = true
		}
	}
	if !needsBackslash && !hasSpace {
		return s
	}
	if !needsBackslash {
		return `"` + s + `"`
	}

	var b []byte
	if hasSpace {
		b = append(b, '"')
	}
	slashes := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		default:
			slashes = 0
		case '\\':
			slashes++
		case '"':
			for ; slashes > 0; slashes-- {
				b = append(b, '\\')
			}
			b = append(b, '\\')
		}
		b = append(b, c)
	}
	if hasSpace {
		for ; slashes > 0; slashes-- {
			b = append(b, '\\')
		}
		b = append(b, '"')
	}
	return string(b)
}

// buildCmdLine joins arguments into one command line for CreateProcess.
func buildCmdLine(args []string) string {
	escaped := make([]string, len(args))
	for i, arg := range args {
		escaped[i] = escapeArg(arg)
	}
	return strings.Join(escaped, " ")
}
