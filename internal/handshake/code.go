package handshake

import (
	"regexp"
	"strings"
)

// codePatterns are tried in order; the first capture group is the code
var codePatterns = []*regexp.Regexp{
	// "Login code: 12345. Do not give this code to anyone"
	regexp.MustCompile(`(?i)(?:login|verification|confirmation)?\s*code[\s:\-]*(\d{5,6})\b`),
	// Just the code on its own line
	regexp.MustCompile(`(?m)^\s*(\d{5,6})\s*$`),
	// Digits separated by spaces or dashes, as some clients render it
	regexp.MustCompile(`\b(\d(?:[\s\-]?\d){4,5})\b`),
}

// ExtractCode finds the login code in text pasted by the operator, which may be
// the bare code or the whole service message that delivered it.
func ExtractCode(text string) (string, bool) {
	for _, pattern := range codePatterns {
		match := pattern.FindStringSubmatch(text)
		if len(match) < 2 {
			continue
		}
		code := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, match[1])
		if len(code) >= 5 {
			return code, true
		}
	}
	return "", false
}
