//go:build windows

package sandbox

import "errors"

// Exec is not supported on Windows.
func Exec(p Policy, argv []string) error {
	return errors.New("sandbox-exec is not supported on windows")
}
