package outbound

import "strings"

// SplitMessage breaks body into segments no longer than limit runes. Splits
// prefer paragraph breaks, then line breaks, then sentence ends, then word
// boundaries; only an unbroken run longer than the limit gets cut mid-word.
func SplitMessage(body string, limit int) []string {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	if limit <= 0 || len([]rune(body)) <= limit {
		return []string{body}
	}

	var segments []string
	rest := body
	for len([]rune(rest)) > limit {
		runes := []rune(rest)
		window := string(runes[:limit])

		cut := -1
		for _, sep := range []string{"\n\n", "\n"} {
			if i := strings.LastIndex(window, sep); i > 0 {
				cut = i
				break
			}
		}
		if cut < 0 {
			cut = lastSentenceEnd(window)
		}
		if cut < 0 {
			if i := strings.LastIndex(window, " "); i > 0 {
				cut = i
			}
		}
		if cut <= 0 {
			cut = len(window)
		}

		segment := strings.TrimSpace(window[:cut])
		if segment != "" {
			segments = append(segments, segment)
		}
		rest = strings.TrimSpace(rest[cut:])
	}
	if rest != "" {
		segments = append(segments, rest)
	}
	return segments
}

// lastSentenceEnd finds the last ". ", "! " or "? " in s and returns the
// index just past the punctuation, or -1.
func lastSentenceEnd(s string) int {
	best := -1
	for _, sep := range []string{". ", "! ", "? "} {
		if i := strings.LastIndex(s, sep); i > best {
			best = i
		}
	}
	if best < 0 {
		return -1
	}
	return best + 1
}
