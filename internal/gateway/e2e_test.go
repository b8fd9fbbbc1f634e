//go:build !windows

package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brianly1003/wsgate/internal/adapters/store"
	"github.com/brianly1003/wsgate/internal/collab"
	"github.com/brianly1003/wsgate/internal/config"
	"github.com/brianly1003/wsgate/internal/environment"
	"github.com/brianly1003/wsgate/internal/hub"
	"github.com/brianly1003/wsgate/internal/preview"
	"github.com/brianly1003/wsgate/internal/security"
	"github.com/brianly1003/wsgate/internal/terminal"
	"github.com/brianly1003/wsgate/internal/testutil"
)

type stack struct {
	envs  *environment.Manager
	terms *terminal.Manager
	base  string
}

// newStack wires real managers on the process runtime behind a gateway.
func newStack(t *testing.T) *stack {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	h := hub.New()
	if err := h.Start(); err != nil {
		t.Fatalf("hub start: %v", err)
	}
	t.Cleanup(func() { _ = h.Stop() })

	rt, err := environment.NewProcessRuntime(false)
	if err != nil {
		t.Fatalf("NewProcessRuntime() error = %v", err)
	}
	dir := t.TempDir()
	envCfg := config.EnvironmentConfig{
		RootDir:             filepath.Join(dir, "envs"),
		MaxEnvironments:     2,
		DefaultCPUPercent:   100,
		DefaultMemoryMB:     256,
		MaxCPUPercent:       400,
		MaxMemoryMB:         1024,
		CreateTimeout:       5 * time.Second,
		StopGrace:           time.Second,
		IdleTimeout:         time.Hour,
		ReapInterval:        time.Hour,
		SampleInterval:      time.Hour,
		PortRangeStart:      43700,
		PortRangeEnd:        43719,
		PortsPerEnvironment: 1,
	}
	envs := environment.NewManager(rt, h, envCfg, 4, testutil.DiscardLogger(),
		environment.WithHostMemory(func(context.Context) (uint64, error) { return 1 << 40, nil }))
	if err := envs.Start(); err != nil {
		t.Fatalf("environment manager start: %v", err)
	}
	t.Cleanup(func() { _ = envs.Shutdown(context.Background()) })

	termCfg := config.TerminalConfig{
		Shell:                     "/bin/sh",
		MaxSessionsPerEnvironment: 4,
		OutputBufferBytes:         64 * 1024,
		HistorySize:               50,
		AttachmentQueue:           256,
		CloseGrace:                time.Second,
		InputRatePerSecond:        1000,
		InputBurst:                1000,
	}
	terms := terminal.NewManager(envs, h, termCfg, testutil.DiscardLogger())
	previews := preview.NewManager(envs, h, config.PreviewConfig{
		ReadyTimeout:              5 * time.Second,
		PollInterval:              50 * time.Millisecond,
		StopGrace:                 time.Second,
		LogTailLines:              20,
		MaxPreviewsPerEnvironment: 1,
	}, testutil.DiscardLogger())
	envs.OnTeardown(terms.ShutdownEnvironment)
	envs.OnTeardown(previews.ShutdownEnvironment)

	docs, err := store.OpenSQLite(context.Background(), filepath.Join(dir, "docs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = docs.Close() })
	collabCfg := config.CollabConfig{MaxDocumentBytes: 64 * 1024}
	co := collab.NewManager(docs, collab.NewDiskFiles(envs, collabCfg.MaxDocumentBytes), h, collabCfg, testutil.DiscardLogger())

	g := New(Deps{
		Hub:          h,
		Environments: envs,
		Terminals:    terms,
		Previews:     previews,
		Collab:       co,
	}, testGatewayConfig(), termCfg, security.NewOriginChecker(nil))

	return &stack{envs: envs, terms: terms, base: serve(t, g)}
}

func TestEndToEnd_TerminalAndCollab(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	info, err := s.envs.Create(ctx, "proj-e2e", environment.Limits{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(info.Root, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	alice := dial(t, s.base, "proj-e2e", "alice")
	if m := alice.expect("env.status", nil); m["state"] != "running" {
		t.Fatalf("env.status on connect = %v", m)
	}

	// Terminal: open, attach, run a command
	alice.send(map[string]any{"type": "terminal.open", "requestId": "open-1", "cols": 100, "rows": 30})
	opened := alice.expect("terminal.opened", func(m map[string]any) bool { return m["requestId"] == "open-1" })
	sessionID, _ := opened["sessionId"].(string)
	if sessionID == "" || opened["cols"] != float64(100) {
		t.Fatalf("terminal.opened = %v", opened)
	}

	alice.send(map[string]any{"type": "terminal.attach", "sessionId": sessionID})
	alice.send(map[string]any{"type": "terminal.input", "sessionId": sessionID, "data": "echo $((40+2))\n"})

	var output strings.Builder
	lastOffset := -1.0
	alice.expect("terminal.output", func(m map[string]any) bool {
		offset := m["offset"].(float64)
		if offset <= lastOffset {
			t.Errorf("offset %v after %v", offset, lastOffset)
		}
		lastOffset = offset
		output.WriteString(m["data"].(string))
		return strings.Contains(output.String(), "42")
	})

	// Collab: snapshot seeded from disk, accepted edit fans out
	alice.send(map[string]any{"type": "collab.subscribe", "requestId": "sub-a", "fileId": "notes.txt"})
	snap := alice.expect("collab.snapshot", func(m map[string]any) bool { return m["requestId"] == "sub-a" })
	if snap["content"] != "hello" || snap["version"] != float64(0) {
		t.Fatalf("snapshot = %v", snap)
	}

	bob := dial(t, s.base, "proj-e2e", "bob")
	bob.send(map[string]any{"type": "collab.subscribe", "fileId": "notes.txt"})
	bob.expect("collab.snapshot", nil)
	alice.expect("collab.presence", func(m map[string]any) bool { return m["clientId"] == "bob" })

	alice.send(map[string]any{
		"type": "collab.edit", "requestId": "edit-1", "fileId": "notes.txt", "baseVersion": 0,
		"changes": []map[string]any{{
			"from": map[string]int{"line": 0, "column": 5},
			"to":   map[string]int{"line": 0, "column": 5},
			"text": " world",
		}},
	})
	accepted := alice.expect("collab.editAccepted", nil)
	if accepted["requestId"] != "edit-1" || accepted["version"] != float64(1) {
		t.Errorf("editAccepted = %v", accepted)
	}
	edit := bob.expect("collab.edit", nil)
	if edit["clientId"] != "alice" || edit["version"] != float64(1) {
		t.Errorf("collab.edit at bob = %v", edit)
	}

	// A stale edit is rejected with the current content
	bob.send(map[string]any{
		"type": "collab.edit", "requestId": "edit-2", "fileId": "notes.txt", "baseVersion": 0,
		"changes": []map[string]any{{
			"from": map[string]int{"line": 0, "column": 0},
			"to":   map[string]int{"line": 0, "column": 0},
			"text": "!",
		}},
	})
	rejected := bob.expect("collab.editRejected", nil)
	if rejected["currentContent"] != "hello world" || rejected["currentVersion"] != float64(1) {
		t.Errorf("editRejected = %v", rejected)
	}

	// Disconnecting never touches the shell
	_ = alice.ws.Close()
	bob.expect("collab.presence", func(m map[string]any) bool {
		return m["clientId"] == "alice" && m["left"] == true
	})
	if _, err := s.terms.Get(sessionID); err != nil {
		t.Fatalf("shell gone after disconnect: %v", err)
	}

	// A reconnect can replay the shell's output from the start
	again := dial(t, s.base, "proj-e2e", "alice")
	again.send(map[string]any{"type": "terminal.attach", "sessionId": sessionID, "offset": 0})
	var replay strings.Builder
	again.expect("terminal.output", func(m map[string]any) bool {
		replay.WriteString(m["data"].(string))
		return strings.Contains(replay.String(), "42")
	})

	again.send(map[string]any{"type": "terminal.close", "sessionId": sessionID})
	again.expect("terminal.exit", func(m map[string]any) bool { return m["sessionId"] == sessionID })
	bob.expect("terminal.exit", func(m map[string]any) bool { return m["sessionId"] == sessionID })
}

func TestEndToEnd_DetachAck(t *testing.T) {
	s := newStack(t)
	if _, err := s.envs.Create(context.Background(), "proj-detach", environment.Limits{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	c := dial(t, s.base, "proj-detach", "alice")
	c.send(map[string]any{"type": "terminal.open", "requestId": "o"})
	opened := c.expect("terminal.opened", nil)
	sessionID := opened["sessionId"].(string)

	c.send(map[string]any{"type": "terminal.attach", "sessionId": sessionID})
	c.send(map[string]any{"type": "terminal.detach", "requestId": "d1", "sessionId": sessionID})
	detached := c.expect("terminal.detached", nil)
	if detached["requestId"] != "d1" || detached["reason"] != "detached" {
		t.Errorf("terminal.detached = %v", detached)
	}

	c.send(map[string]any{"type": "terminal.detach", "requestId": "d2", "sessionId": sessionID})
	c.expectError("NOT_FOUND", "d2")

	if _, err := s.terms.Get(sessionID); err != nil {
		t.Errorf("detach closed the shell: %v", err)
	}
}
