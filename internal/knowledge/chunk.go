package knowledge

import (
	"path/filepath"
	"strings"
)

// SplitChunks cuts text into windows of at most size runes that overlap by
// overlap runes. A window ends at the last sentence break in its second half
// when there is one.
func SplitChunks(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	r := []rune(text)
	if size <= 0 || len(r) <= size {
		return []string{text}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	start := 0
	for start < len(r) {
		end := min(start+size, len(r))
		if end < len(r) {
			if b := sentenceBreak(r, start+size/2, end); b > 0 {
				end = b
			}
		}
		if chunk := strings.TrimSpace(string(r[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= len(r) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// sentenceBreak returns the index just past the last ". ", "! ", "? " or
// blank line within r[from:to], or -1.
func sentenceBreak(r []rune, from, to int) int {
	for i := to - 2; i >= from; i-- {
		switch {
		case (r[i] == '.' || r[i] == '!' || r[i] == '?') && r[i+1] == ' ':
			return i + 2
		case r[i] == '\n' && r[i+1] == '\n':
			return i + 2
		}
	}
	return -1
}

// ExtractTitle returns the first level-one heading, or the file name
// without its extension.
func ExtractTitle(content, filename string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if title, ok := strings.CutPrefix(line, "# "); ok {
			if title = strings.TrimSpace(title); title != "" {
				return title
			}
		}
	}
	return strings.TrimSuffix(filename, filepath.Ext(filename))
}
