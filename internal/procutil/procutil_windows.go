//go:build windows

package procutil

import (
	"os/exec"
	"strconv"
	"syscall"
)

// SetProcessGroup creates a new process group on Windows.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// Hangup has no Windows equivalent and terminates instead.
func Hangup(pid int) error {
	return Terminate(pid)
}

// Terminate uses taskkill to terminate the process tree.
func Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// Kill forcefully kills the process tree.
func Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}

// KillGroup kills the process tree rooted at pgid.
func KillGroup(pgid int) error {
	return Kill(pgid)
}
