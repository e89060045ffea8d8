package ptystream

import "io"

// PtyHandle abstracts the pseudo-terminal across platforms. Unix wraps the
// creack/pty master file, Windows wraps ConPTY.
type PtyHandle interface {
	io.ReadWriteCloser
	// Resize changes the terminal window size.
	Resize(cols, rows uint16) error
}
