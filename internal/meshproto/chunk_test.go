package meshproto

import (
	"strings"
	"testing"
)

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func TestChunkShortMessagePassthrough(t *testing.T) {
	chunks := Chunk("hello", 200)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("chunks = %q, want [hello]", chunks)
	}
}

func TestChunkSplitsOnLineBoundaries(t *testing.T) {
	lines := []string{
		"Stats for 2026-08-29:",
		"Messages: 120",
		"Avg: 2.4 gw | Min: 1 | Max: 7",
		"Hourly peak at 18h",
	}
	message := strings.Join(lines, "\n")
	chunks := Chunk(message, 40)

	for i, c := range chunks {
		if len(c) > 40 {
			t.Errorf("chunk %d exceeds limit: %d chars", i, len(c))
		}
	}
	joined := collapseWhitespace(strings.Join(chunks, "\n"))
	if joined != collapseWhitespace(message) {
		t.Errorf("content mismatch:\n got %q\nwant %q", joined, collapseWhitespace(message))
	}
}

func TestChunkSplitsLongLineOnWords(t *testing.T) {
	line := strings.Repeat("word ", 50) // 250 chars
	chunks := Chunk(line, 60)

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 60 {
			t.Errorf("chunk %d exceeds limit: %d chars", i, len(c))
		}
	}
	if got := collapseWhitespace(strings.Join(chunks, " ")); got != collapseWhitespace(line) {
		t.Errorf("content mismatch after word split")
	}
}

func TestChunkTruncatesOversizedWord(t *testing.T) {
	word := strings.Repeat("x", 500)
	chunks := Chunk(word, 100)
	for i, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk %d exceeds limit: %d chars", i, len(c))
		}
	}
}

func TestChunkPropertyLimitAndOrder(t *testing.T) {
	cases := []struct {
		name    string
		message string
		limit   int
	}{
		{"multiline", "a\nbb\nccc\ndddd\neeeee", 5},
		{"mixed", "short\n" + strings.Repeat("longer line with words ", 10) + "\ntail", 50},
		{"exact fit", strings.Repeat("a", 200), 200},
		{"blank lines", "top\n\n\nend", 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunks := Chunk(tc.message, tc.limit)
			for i, c := range chunks {
				if len(c) > tc.limit {
					t.Errorf("chunk %d exceeds limit %d: %q", i, tc.limit, c)
				}
			}
			got := collapseWhitespace(strings.Join(chunks, " "))
			want := collapseWhitespace(tc.message)
			if got != want {
				t.Errorf("non-whitespace content mismatch:\n got %q\nwant %q", got, want)
			}
		})
	}
}
