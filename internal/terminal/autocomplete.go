package terminal

import (
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/brianly1003/wsgate/internal/domain/events"
)

const (
	defaultSuggestionLimit = 10
	prefixBoost            = 1000

	SourceHistory = "history"
	SourceFile    = "file"
)

type candidate struct {
	suggestion events.Suggestion
	recency    int
}

// rankHistory ranks history entries against text. Prefix matches outrank
// fuzzy ones; ties go to the more recent entry.
func rankHistory(entries []string, text string) []candidate {
	seen := map[string]bool{text: true}
	var out []candidate

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if seen[e] || !strings.HasPrefix(e, text) {
			continue
		}
		seen[e] = true
		out = append(out, candidate{
			suggestion: events.Suggestion{Text: e, Source: SourceHistory, Score: prefixBoost},
			recency:    i,
		})
	}

	if text != "" {
		for _, match := range fuzzy.Find(text, entries) {
			if seen[match.Str] {
				continue
			}
			seen[match.Str] = true
			out = append(out, candidate{
				suggestion: events.Suggestion{Text: match.Str, Source: SourceHistory, Score: match.Score},
				recency:    match.Index,
			})
		}
	}
	return out
}

// rankFiles completes the last whitespace-separated token of text against
// indexed paths.
func rankFiles(paths []string, text string) []candidate {
	token := text
	if i := strings.LastIndexAny(text, " \t"); i >= 0 {
		token = text[i+1:]
	}
	if token == "" {
		return nil
	}
	head := text[:len(text)-len(token)]

	seen := make(map[string]bool)
	var out []candidate
	for _, p := range paths {
		if p != token && strings.HasPrefix(p, token) {
			seen[p] = true
			out = append(out, candidate{
				suggestion: events.Suggestion{Text: head + p, Source: SourceFile, Score: prefixBoost},
			})
		}
	}
	for _, match := range fuzzy.Find(token, paths) {
		if seen[match.Str] || match.Str == token {
			continue
		}
		out = append(out, candidate{
			suggestion: events.Suggestion{Text: head + match.Str, Source: SourceFile, Score: match.Score},
		})
	}
	return out
}

// merge orders candidates by score then recency, drops duplicate texts and
// truncates to limit.
func merge(limit int, lists ...[]candidate) []events.Suggestion {
	var all []candidate
	for _, l := range lists {
		all = append(all, l...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].suggestion.Score != all[j].suggestion.Score {
			return all[i].suggestion.Score > all[j].suggestion.Score
		}
		return all[i].recency > all[j].recency
	})

	seen := make(map[string]bool)
	out := make([]events.Suggestion, 0, limit)
	for _, c := range all {
		if len(out) >= limit {
			break
		}
		if seen[c.suggestion.Text] {
			continue
		}
		seen[c.suggestion.Text] = true
		out = append(out, c.suggestion)
	}
	return out
}
