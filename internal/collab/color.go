package collab

import "github.com/cespare/xxhash/v2"

// palette holds presence colors that stay readable on light and dark themes.
var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#9a6324",
	"#469990", "#808000", "#800000", "#000075",
}

// ColorFor returns the presence color of a client. The same client ID always
// gets the same color.
func ColorFor(clientID string) string {
	return palette[xxhash.Sum64String(clientID)%uint64(len(palette))]
}

// ContentHash is the hash stored with every document version.
func ContentHash(content string) uint64 {
	return xxhash.Sum64String(content)
}
