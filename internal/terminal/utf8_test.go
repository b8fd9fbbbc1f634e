package terminal

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/brianly1003/wsgate/internal/domain/events"
)

func TestIncompleteTail(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"ascii", "abc", 0},
		{"whole euro", "\xe2\x82\xac", 0},
		{"one byte of three", "a\xe2", 1},
		{"two bytes of three", "a\xe2\x82", 2},
		{"three bytes of four", "\xf0\x9f\x98", 3},
		{"stray continuation", "\x82\x82", 0},
		{"broken sequence", "\xe2a", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := incompleteTail([]byte(tt.in)); got != tt.want {
				t.Errorf("incompleteTail(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestRuneSplitter_OutputSurvivesJSON(t *testing.T) {
	const want = "price: €5\n"
	raw := []byte(want)
	cut := strings.Index(want, "€") + 1

	var r runeSplitter
	var got string
	var offset int64
	for _, part := range [][]byte{raw[:cut], raw[cut:]} {
		chunk := r.Split(append([]byte(nil), part...))
		if !utf8.Valid(chunk) {
			t.Fatalf("chunk %q is not valid UTF-8", chunk)
		}

		encoded, err := json.Marshal(events.NewTerminalOutputEvent("proj", "s1", chunk, offset).Payload)
		if err != nil {
			t.Fatal(err)
		}
		var decoded events.TerminalOutputPayload
		if err := json.Unmarshal(encoded, &decoded); err != nil {
			t.Fatal(err)
		}
		if decoded.Offset != offset {
			t.Errorf("offset = %d, want %d", decoded.Offset, offset)
		}
		got += decoded.Data
		offset += int64(len(chunk))
	}
	got += string(r.Flush())

	if got != want {
		t.Errorf("reassembled %q, want %q", got, want)
	}
	if offset != int64(len(raw)) {
		t.Errorf("byte offsets end at %d, want %d", offset, len(raw))
	}
}

func TestRuneSplitter_FlushReturnsHeldBytes(t *testing.T) {
	var r runeSplitter
	if out := r.Split([]byte("ab\xe2\x82")); string(out) != "ab" {
		t.Errorf("Split() = %q, want ab", out)
	}
	if out := r.Flush(); string(out) != "\xe2\x82" {
		t.Errorf("Flush() = %q", out)
	}
	if out := r.Flush(); len(out) != 0 {
		t.Errorf("second Flush() = %q, want nothing", out)
	}
}
