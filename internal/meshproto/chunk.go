package meshproto

import "strings"

// Chunk splits a reply into fragments of at most limit characters. Splitting
// prefers line boundaries; a single line longer than the limit is split on
// word boundaries, and a single word longer than the limit is hard-truncated.
func Chunk(message string, limit int) []string {
	if len(message) <= limit {
		return []string{message}
	}

	var chunks []string
	var current []string

	flush := func() {
		if len(current) > 0 {
			if joined := strings.TrimSpace(strings.Join(current, "\n")); joined != "" {
				chunks = append(chunks, joined)
			}
		}
	}

	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if len(line) > limit {
			flush()
			current = current[:0]
			chunks = append(chunks, splitLongLine(line, limit)...)
			continue
		}

		projected := strings.TrimSpace(strings.Join(append(append([]string{}, current...), line), "\n"))
		if projected != "" && len(projected) > limit {
			flush()
			current = []string{line}
		} else {
			current = append(current, line)
		}
	}
	flush()

	out := chunks[:0]
	for _, c := range chunks {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func splitLongLine(line string, limit int) []string {
	words := strings.Fields(line)
	if len(words) == 0 {
		return []string{line[:limit]}
	}

	var parts []string
	var current []string
	for _, word := range words {
		candidate := word
		if len(current) > 0 {
			candidate = strings.Join(current, " ") + " " + word
		}
		if len(candidate) > limit {
			if len(current) > 0 {
				parts = append(parts, strings.Join(current, " "))
			}
			if len(word) > limit {
				// Degenerate case: a single token exceeding the limit.
				word = word[:limit]
			}
			current = []string{word}
		} else {
			current = append(current, word)
		}
	}
	if len(current) > 0 {
		parts = append(parts, strings.Join(current, " "))
	}
	if len(parts) == 0 {
		return []string{line[:limit]}
	}
	return parts
}
