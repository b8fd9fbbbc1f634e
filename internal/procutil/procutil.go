// Package procutil provides process group helpers for managed child processes.
package procutil

import (
	"errors"
	"os/exec"
	"runtime"
	"time"
)

// ShellCommand returns the argv that runs a command string through the
// platform's default shell.
//
//	Unix/macOS: sh -c "<command>"
//	Windows:    cmd.exe /C "<command>"
func ShellCommand(command string) []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd.exe", "/C", command}
	}
	return []string{"sh", "-c", command}
}

// ExitCode extracts the exit code from the error returned by cmd.Wait.
// A process killed by a signal reports -1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// killWait bounds how long Stop waits for done after the kill.
const killWait = 5 * time.Second

// Stop asks a process group to terminate, waits up to grace for done to
// close, then kills the group. It reports whether the kill was needed.
// After the kill it waits at most killWait for done.
func Stop(pid int, done <-chan struct{}, grace time.Duration) bool {
	_ = Terminate(pid)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return false
	case <-timer.C:
	}

	_ = Kill(pid)
	wait := time.NewTimer(killWait)
	defer wait.Stop()
	select {
	case <-done:
	case <-wait.C:
	}
	return true
}
