//go:build !linux

package sandbox

import "github.com/rs/zerolog/log"

func restrict(p Policy) error {
	log.Debug().Str("root", p.Root).Msg("landlock not available on this platform, applying limits only")
	return nil
}
