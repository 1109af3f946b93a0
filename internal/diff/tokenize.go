package diff

import "regexp"

// wordTokenRe implements "whitespace-run | letter/digit/mark-run |
// single-other-char" over Unicode property classes.
var wordTokenRe = regexp.MustCompile(`[\s]+|[\p{L}\p{N}\p{M}]+|.`)

func tokenizeWords(s string) []string {
	if s == "" {
		return nil
	}
	return wordTokenRe.FindAllString(s, -1)
}

// splitLinesKeepEnds splits s on "\n" keeping the trailing newline attached
// to each line, matching how the line-anchoring stage wants to treat a
// newline as part of the line it terminates.
func splitLinesKeepEnds(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
