//go:build !windows

package ptystream

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// unixPTY wraps a Unix PTY master file descriptor.
type unixPTY struct {
	f *os.File
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *unixPTY) Close() error                { return p.f.Close() }

func (p *unixPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.f, &pty.Winsize{Cols: cols, Rows: rows})
}

// startPTYWithSize starts the command attached to a Unix PTY at the given
// dimensions. pty.StartWithSize calls cmd.Start internally and makes the
// child a session leader, so signals to the negative pid reach the whole
// agent process tree.
func startPTYWithSize(cmd *exec.Cmd, cols, rows int) (PtyHandle, error) {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, err
	}
	return &unixPTY{f: f}, nil
}

// terminateProcessTree signals the agent's process group with SIGTERM, waits
// a short grace period, then SIGKILLs anything still alive.
func terminateProcessTree(p *os.Process, grace time.Duration) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGTERM); err != nil {
		// Process group may already be gone; fall back to the single pid.
		_ = p.Signal(syscall.SIGTERM)
	}
	time.Sleep(grace)
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		_ = p.Kill()
	}
	return nil
}

// waitPtyProcess waits for the agent to exit, decoding signal deaths into
// 128+signum exit codes.
func waitPtyProcess(cmd *exec.Cmd, _ PtyHandle) (exitCode int, err error) {
	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1, err
	}
	waitStatus, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1, err
	}
	if waitStatus.Signaled() {
		return 128 + int(waitStatus.Signal()), err
	}
	return waitStatus.ExitStatus(), err
}
