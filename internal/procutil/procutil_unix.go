//go:build !windows

package procutil

import (
	"os/exec"
	"syscall"
)

// SetProcessGroup puts the command in its own process group so signals reach
// its children. Commands that start their own session (PTYs) already lead a
// group and are left unchanged.
func SetProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	if cmd.SysProcAttr.Setsid {
		return
	}
	cmd.SysProcAttr.Setpgid = true
}

// Hangup sends SIGHUP to the process group.
func Hangup(pid int) error {
	return signalGroup(pid, syscall.SIGHUP)
}

// Terminate sends SIGTERM to the process group.
func Terminate(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// Kill sends SIGKILL to the process group.
func Kill(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

// KillGroup sends SIGKILL to the process group pgid. Unlike Kill it works
// after the group leader has been reaped.
func KillGroup(pgid int) error {
	if pgid <= 0 {
		return nil
	}
	err := syscall.Kill(-pgid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		// If we can't get pgid, just signal the process directly
		return syscall.Kill(pid, sig)
	}
	// Negative pid signals the entire group
	return syscall.Kill(-pgid, sig)
}
