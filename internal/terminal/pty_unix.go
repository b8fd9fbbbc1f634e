//go:build !windows

package terminal

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// startPTY starts cmd attached to a new PTY of the given size.
func startPTY(cmd *exec.Cmd, cols, rows int) (*os.File, error) {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}
	return ptmx, nil
}

// setSize updates the PTY window size.
func setSize(ptmx *os.File, cols, rows int) error {
	return pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}
