package collab

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/domain/events"
)

// Apply applies changes in order, each against the result of the previous.
// Nothing is returned unless every change applies.
func Apply(content string, changes []events.Change) (string, error) {
	for i, c := range changes {
		var err error
		if c.IsDiff() {
			content, err = applyDiff(content, c.Diff)
		} else {
			content, err = applyRange(content, c)
		}
		if err != nil {
			return "", fmt.Errorf("change %d: %w", i, err)
		}
	}
	return content, nil
}

func invalidEdit(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidEdit, fmt.Sprintf(format, args...))
}

func applyRange(content string, c events.Change) (string, error) {
	if c.From == nil || c.To == nil {
		return "", invalidEdit("range change needs from and to")
	}
	from, err := offset(content, *c.From)
	if err != nil {
		return "", err
	}
	to, err := offset(content, *c.To)
	if err != nil {
		return "", err
	}
	if to < from {
		return "", invalidEdit("range end %d:%d precedes start %d:%d",
			c.To.Line, c.To.Column, c.From.Line, c.From.Column)
	}
	return content[:from] + c.Text + content[to:], nil
}

// offset converts a zero-based line and rune column to a byte offset. The
// column may point one past the last rune of the line.
func offset(content string, pos events.Position) (int, error) {
	if pos.Line < 0 || pos.Column < 0 {
		return 0, invalidEdit("negative position %d:%d", pos.Line, pos.Column)
	}

	start := 0
	for i := 0; i < pos.Line; i++ {
		nl := strings.IndexByte(content[start:], '\n')
		if nl < 0 {
			return 0, invalidEdit("line %d out of range", pos.Line)
		}
		start += nl + 1
	}

	line := content[start:]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	col := 0
	for i := range line {
		if col == pos.Column {
			return start + i, nil
		}
		col++
	}
	if col == pos.Column {
		return start + len(line), nil
	}
	return 0, invalidEdit("column %d out of range on line %d", pos.Column, pos.Line)
}

func parseHunks(patch string) ([]*diff.Hunk, error) {
	if strings.HasPrefix(patch, "--- ") || strings.HasPrefix(patch, "diff ") {
		fd, err := diff.ParseFileDiff([]byte(patch))
		if err != nil {
			return nil, err
		}
		return fd.Hunks, nil
	}
	return diff.ParseHunks([]byte(patch))
}

// applyDiff applies a unified diff. Context and removed lines must match the
// document exactly.
func applyDiff(content, patch string) (string, error) {
	hunks, err := parseHunks(patch)
	if err != nil {
		return "", invalidEdit("unparsable diff: %v", err)
	}
	if len(hunks) == 0 {
		return "", invalidEdit("diff has no hunks")
	}

	trailingNewline := strings.HasSuffix(content, "\n")
	var lines []string
	if content != "" {
		lines = strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	}

	out := make([]string, 0, len(lines))
	pos := 0
	for _, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			// Pure insertion after line OrigStartLine
			start = int(h.OrigStartLine)
		}
		if start < pos || start > len(lines) {
			return "", invalidEdit("hunk at line %d out of range", h.OrigStartLine)
		}
		out = append(out, lines[pos:start]...)
		pos = start

		body := strings.TrimSuffix(string(h.Body), "\n")
		for _, bl := range strings.Split(body, "\n") {
			if bl == "" {
				// Editors strip the single space of empty context lines
				bl = " "
			}
			switch bl[0] {
			case '\\':
				continue
			case ' ', '-':
				if pos >= len(lines) || lines[pos] != bl[1:] {
					return "", invalidEdit("hunk at line %d does not match line %d", h.OrigStartLine, pos+1)
				}
				if bl[0] == ' ' {
					out = append(out, lines[pos])
				}
				pos++
			case '+':
				out = append(out, bl[1:])
			default:
				return "", invalidEdit("bad hunk line %q", bl)
			}
		}
	}
	out = append(out, lines[pos:]...)

	result := strings.Join(out, "\n")
	if len(out) > 0 && (trailingNewline || content == "") {
		result += "\n"
	}
	return result, nil
}

// CleanFileID normalizes a file ID to a slash separated path relative to the
// environment root.
func CleanFileID(fileID string) (string, error) {
	clean := path.Clean(filepath.ToSlash(strings.TrimSpace(fileID)))
	switch {
	case fileID == "" || clean == ".":
		return "", domain.NewValidationError("fileId", "must not be empty")
	case path.IsAbs(clean) || filepath.IsAbs(fileID):
		return "", domain.NewValidationError("fileId", "must be relative")
	case clean == ".." || strings.HasPrefix(clean, "../"):
		return "", domain.NewValidationError("fileId", "must stay inside the environment")
	}
	return clean, nil
}

// endPosition returns the position just past the last character of content.
func endPosition(content string) events.Position {
	line := strings.Count(content, "\n")
	last := content[strings.LastIndexByte(content, '\n')+1:]
	return events.Position{Line: line, Column: len([]rune(last))}
}
