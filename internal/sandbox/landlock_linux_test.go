//go:build linux

package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRules_OnePerPath(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := Policy{
		Root:      root,
		ReadOnly:  []string{"/usr", file},
		ReadWrite: []string{"/tmp"},
	}
	if got := len(rules(p)); got != 4 {
		t.Errorf("rules() built %d rules, want 4", got)
	}
}
