//go:build !windows

package procutil

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func startSleeper(t *testing.T, script string) (*exec.Cmd, chan struct{}) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	cmd := exec.Command("sh", "-c", script)
	SetProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	return cmd, done
}

func TestStop_Graceful(t *testing.T) {
	cmd, done := startSleeper(t, "sleep 30")

	killed := Stop(cmd.Process.Pid, done, 2*time.Second)
	if killed {
		t.Error("sleep should exit on SIGTERM without a kill")
	}
}

func TestStop_ForceKill(t *testing.T) {
	cmd, done := startSleeper(t, "trap '' TERM; while true; do sleep 0.1; done")

	// Give the shell time to install the trap
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	killed := Stop(cmd.Process.Pid, done, 200*time.Millisecond)
	if !killed {
		t.Error("process ignoring SIGTERM should be killed")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Stop took too long")
	}
}

func TestExitCode(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	err := exec.Command("sh", "-c", "exit 3").Run()
	if got := ExitCode(err); got != 3 {
		t.Errorf("ExitCode() = %d, want 3", got)
	}
	if got := ExitCode(nil); got != 0 {
		t.Errorf("ExitCode(nil) = %d, want 0", got)
	}
}

func TestShellCommand(t *testing.T) {
	argv := ShellCommand("echo hi")
	if len(argv) != 3 || argv[0] != "sh" || argv[2] != "echo hi" {
		t.Errorf("ShellCommand() = %v", argv)
	}
}

func TestStop_BoundedAfterKill(t *testing.T) {
	cmd, _ := startSleeper(t, "trap '' TERM; while true; do sleep 0.1; done")
	time.Sleep(100 * time.Millisecond)

	// done never closes, as when a descendant keeps the reaper waiting
	never := make(chan struct{})
	start := time.Now()
	if !Stop(cmd.Process.Pid, never, 100*time.Millisecond) {
		t.Error("Stop should report the kill")
	}
	if elapsed := time.Since(start); elapsed > killWait+2*time.Second {
		t.Errorf("Stop returned after %s", elapsed)
	}
}

func TestKillGroup_AfterLeaderExit(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	// The leader exits at once and leaves a child in its group
	cmd := exec.Command("sh", "-c", "sleep 30 >/dev/null 2>&1 & echo $!")
	SetProcessGroup(cmd)
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	child, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		t.Fatalf("child pid %q: %v", out, err)
	}

	if err := KillGroup(cmd.Process.Pid); err != nil {
		t.Fatalf("KillGroup() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for alive(child) {
		if time.Now().After(deadline) {
			t.Fatal("child survived KillGroup")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := KillGroup(cmd.Process.Pid); err != nil {
		t.Errorf("KillGroup() on an empty group = %v, want nil", err)
	}
}

// alive reports whether pid exists and is not a zombie.
func alive(pid int) bool {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return syscall.Kill(pid, 0) == nil
	}
	s := string(stat)
	if i := strings.LastIndexByte(s, ')'); i >= 0 && i+2 < len(s) {
		return s[i+2] != 'Z'
	}
	return true
}
