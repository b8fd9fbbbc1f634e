//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/landlock-lsm/go-landlock/landlock"
	"github.com/rs/zerolog/log"
)

// rules builds Landlock rules for the policy. Landlock rejects directory
// rights on regular files, so files get file rules.
func rules(p Policy) []landlock.Rule {
	out := make([]landlock.Rule, 0, 1+len(p.ReadOnly)+len(p.ReadWrite))

	add := func(path string, rw bool) {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		info, err := os.Stat(abs)
		isFile := err == nil && !info.IsDir()
		switch {
		case rw && isFile:
			out = append(out, landlock.RWFiles(abs))
		case rw:
			out = append(out, landlock.RWDirs(abs))
		case isFile:
			out = append(out, landlock.ROFiles(abs))
		default:
			out = append(out, landlock.RODirs(abs))
		}
	}

	add(p.Root, true)
	for _, path := range p.ReadWrite {
		add(path, true)
	}
	for _, path := range p.ReadOnly {
		add(path, false)
	}
	return out
}

func restrict(p Policy) error {
	var err error
	if p.BestEffort {
		err = landlock.V6.BestEffort().RestrictPaths(rules(p)...)
	} else {
		err = landlock.V6.RestrictPaths(rules(p)...)
	}
	if err != nil {
		return fmt.Errorf("landlock restriction failed: %w", err)
	}

	log.Debug().
		Str("root", p.Root).
		Int("ro", len(p.ReadOnly)).
		Int("rw", len(p.ReadWrite)+1).
		Msg("landlock restrictions applied")
	return nil
}
