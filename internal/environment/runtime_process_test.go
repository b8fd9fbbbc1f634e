//go:build !windows

package environment

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestProcessRuntime_Command(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	rt, err := NewProcessRuntime(false)
	if err != nil {
		t.Fatalf("NewProcessRuntime() error = %v", err)
	}

	root := filepath.Join(t.TempDir(), "proj")
	h, err := rt.Create(context.Background(), Spec{EnvironmentID: "env-1", ProjectID: "proj", Root: root})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if h.NetworkNamespace() != "host" {
		t.Errorf("NetworkNamespace() = %q, want host", h.NetworkNamespace())
	}

	cmd, err := h.Command(context.Background(), CommandOptions{
		Args: []string{"sh", "-c", "printf hello > out.txt; echo $GREETING; pwd"},
		Env:  []string{"GREETING=hi"},
	})
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if lines[0] != "hi" {
		t.Errorf("env not passed, got %q", lines[0])
	}
	if resolved, _ := filepath.EvalSymlinks(root); lines[1] != root && lines[1] != resolved {
		t.Errorf("working dir = %q, want %q", lines[1], root)
	}

	data, err := os.ReadFile(filepath.Join(root, "out.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("out.txt = %q, %v", data, err)
	}

	usage, err := h.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usage.DiskMB <= 0 {
		t.Errorf("DiskMB = %v, want > 0", usage.DiskMB)
	}
}

func TestProcessRuntime_DirStaysInRoot(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	rt, _ := NewProcessRuntime(false)
	root := t.TempDir()
	h, _ := rt.Create(context.Background(), Spec{EnvironmentID: "env-1", ProjectID: "proj", Root: root})

	cmd, err := h.Command(context.Background(), CommandOptions{Args: []string{"true"}, Dir: "../../.."})
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	if !strings.HasPrefix(cmd.Dir, root) {
		t.Errorf("Dir = %q escapes root %q", cmd.Dir, root)
	}
}

func TestProcessRuntime_DestroyKillsTracked(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	rt, _ := NewProcessRuntime(false)
	h, _ := rt.Create(context.Background(), Spec{EnvironmentID: "env-1", ProjectID: "proj", Root: t.TempDir()})

	cmd, _ := h.Command(context.Background(), CommandOptions{Args: []string{"sleep", "30"}})
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.Track(cmd.Process.Pid)

	if err := h.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if err := cmd.Wait(); err == nil {
		t.Error("tracked process should be killed")
	}
}
