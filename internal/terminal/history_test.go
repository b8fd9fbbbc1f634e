package terminal

import (
	"reflect"
	"testing"
)

func TestLineScanner(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"simple", "ls -la\r", []string{"ls -la"}},
		{"newline", "pwd\n", []string{"pwd"}},
		{"multiple", "a\rb\r", []string{"a", "b"}},
		{"backspace", "lss\x7f\r", []string{"ls"}},
		{"ctrl-h", "lss\x08\r", []string{"ls"}},
		{"ctrl-u discards", "rm -rf\x15ls\r", []string{"ls"}},
		{"ctrl-c discards", "sleep 10\x03\r", nil},
		{"arrow keys skipped", "l\x1b[Ds\r", []string{"ls"}},
		{"ss3 keys skipped", "l\x1bOAs\r", []string{"ls"}},
		{"blank lines dropped", "   \r\r", nil},
		{"utf8 erase", "café\x7f\r", []string{"caf"}},
		{"tab ignored", "gi\tt\r", []string{"git"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s LineScanner
			got := s.Feed([]byte(tt.input))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Feed(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLineScanner_AcrossFeeds(t *testing.T) {
	var s LineScanner
	if got := s.Feed([]byte("git st")); got != nil {
		t.Errorf("partial line completed: %q", got)
	}
	got := s.Feed([]byte("atus\r"))
	if len(got) != 1 || got[0] != "git status" {
		t.Errorf("Feed() = %q, want [git status]", got)
	}
}

func TestHistory(t *testing.T) {
	h := NewHistory(3)
	for _, line := range []string{"a", "a", "b", "a", "c", "d"} {
		h.Add(line)
	}

	want := []string{"a", "c", "d"}
	if got := h.Entries(); !reflect.DeepEqual(got, want) {
		t.Errorf("Entries() = %q, want %q", got, want)
	}
	if h.Len() != 3 {
		t.Errorf("Len() = %d, want 3", h.Len())
	}
}
