package sandbox

import (
	"testing"
)

func TestDefaultPolicy(t *testing.T) {
	root := t.TempDir()
	p := DefaultPolicy(root, 256)

	if p.Root != root || p.MemoryMB != 256 {
		t.Errorf("DefaultPolicy() = %+v", p)
	}
	if !p.BestEffort {
		t.Error("default policy should be best effort")
	}
	for _, path := range p.ReadOnly {
		if path == root {
			t.Error("root must not be read-only")
		}
	}
}

func TestExisting_SkipsMissing(t *testing.T) {
	dir := t.TempDir()
	got := existing([]string{dir, dir + "/does-not-exist"})
	if len(got) != 1 || got[0] != dir {
		t.Errorf("existing() = %v, want [%s]", got, dir)
	}
}
