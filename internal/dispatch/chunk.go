package dispatch

import (
	"strings"
	"unicode/utf8"
)

// fence delimits monospace blocks in both Markdown dialects.
const fence = "```"

// splitOversized cuts text into head (everything before the last limit
// runes) and tail (the last limit runes). head+tail == text.
// ok is false when text fits.
func splitOversized(text string, limit int) (head, tail string, ok bool) {
	if limit <= 0 {
		return text, "", false
	}
	n := utf8.RuneCountInString(text)
	if n <= limit {
		return text, "", false
	}
	skip := n - limit
	cut := 0
	for i := range text {
		if skip == 0 {
			cut = i
			break
		}
		skip--
	}
	return text[:cut], text[cut:], true
}

// balanceFences closes a fence left open at the end of head and reopens it
// at the start of tail.
func balanceFences(head, tail string) (string, string) {
	if strings.Count(head, fence)%2 == 1 {
		head += fence
	}
	if strings.Count(tail, fence)%2 == 1 {
		tail = fence + tail
	}
	return head, tail
}

// chunkText returns the pieces of text in delivery order. Splitting always
// peels the last limit runes off the remaining head, so every piece but the
// first holds exactly limit runes of original content.
func chunkText(text string, limit int) []string {
	var tails []string
	for {
		head, tail, ok := splitOversized(text, limit)
		if !ok {
			break
		}
		head, tail = balanceFences(head, tail)
		tails = append(tails, tail)
		text = head
	}
	out := make([]string, 0, len(tails)+1)
	out = append(out, text)
	for i := len(tails) - 1; i >= 0; i-- {
		out = append(out, tails[i])
	}
	return out
}
