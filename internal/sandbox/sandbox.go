// Package sandbox confines environment processes to their root directory.
// On Linux with Landlock (kernel 5.13+) filesystem access outside the policy
// is denied; elsewhere only resource limits apply.
package sandbox

import (
	"os"
	"path/filepath"
)

// Policy describes what a sandboxed process may touch.
type Policy struct {
	Root       string   // Read-write, the process working tree
	MemoryMB   int      // Data segment limit, 0 for none
	ReadOnly   []string // Extra read-only paths
	ReadWrite  []string // Extra read-write paths
	BestEffort bool     // Degrade to the strongest Landlock ABI available
}

// systemReadOnly are the host paths a shell and common toolchains need.
var systemReadOnly = []string{
	"/bin", "/sbin", "/usr", "/lib", "/lib64", "/lib32",
	"/etc", "/opt", "/proc", "/sys",
	"/nix/store", "/run/current-system",
}

// systemReadWrite are host paths that must stay writable for terminals.
var systemReadWrite = []string{"/dev", "/tmp"}

// DefaultPolicy returns the policy applied by the process runtime.
func DefaultPolicy(root string, memoryMB int) Policy {
	return Policy{
		Root:       root,
		MemoryMB:   memoryMB,
		ReadOnly:   existing(systemReadOnly),
		ReadWrite:  existing(systemReadWrite),
		BestEffort: true,
	}
}

func existing(paths []string) []string {
	var out []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			out = append(out, filepath.Clean(p))
		}
	}
	return out
}
