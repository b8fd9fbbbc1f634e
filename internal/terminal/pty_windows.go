//go:build windows

package terminal

import (
	"fmt"
	"os"
	"os/exec"
)

// startPTY is not supported on Windows.
func startPTY(cmd *exec.Cmd, cols, rows int) (*os.File, error) {
	return nil, fmt.Errorf("terminal sessions are not supported on Windows")
}

func setSize(ptmx *os.File, cols, rows int) error {
	return fmt.Errorf("terminal sessions are not supported on Windows")
}
