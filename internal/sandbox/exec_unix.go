//go:build !windows

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Exec applies the policy to the current process and replaces it with argv.
// It only returns on error.
func Exec(p Policy, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("no command given")
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("resolve %s: %w", argv[0], err)
	}

	if err := setLimits(p); err != nil {
		return err
	}
	if err := restrict(p); err != nil {
		return err
	}

	return syscall.Exec(path, argv, os.Environ())
}

func setLimits(p Policy) error {
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return fmt.Errorf("set core limit: %w", err)
	}
	if p.MemoryMB <= 0 {
		return nil
	}
	// RLIMIT_DATA covers heap and anonymous mappings on Linux 4.7+
	limit := uint64(p.MemoryMB) * 1024 * 1024
	if err := unix.Setrlimit(unix.RLIMIT_DATA, &unix.Rlimit{Cur: limit, Max: limit}); err != nil {
		return fmt.Errorf("set memory limit: %w", err)
	}
	return nil
}
