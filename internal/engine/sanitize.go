package engine

import (
	"regexp"
	"strings"
)

const maxMessageRunes = 4000

var (
	scriptBlock = regexp.MustCompile(`(?i)<\s*script[^>]*>[\s\S]*?<\s*/\s*script\s*>`)
	styleBlock  = regexp.MustCompile(`(?i)<\s*style[^>]*>[\s\S]*?<\s*/\s*style\s*>`)
	htmlComment = regexp.MustCompile(`<!--[\s\S]*?-->`)
	htmlTag     = regexp.MustCompile(`<[^>]+>`)
	fencedHTML  = regexp.MustCompile("(?i)```\\s*(html|script)[\\s\\S]*?```")
	whitespace  = regexp.MustCompile(`\s+`)
)

// SanitizeText strips markup from user input, collapses whitespace and caps
// the length.
func SanitizeText(text string) string {
	text = scriptBlock.ReplaceAllString(text, "")
	text = styleBlock.ReplaceAllString(text, "")
	text = htmlComment.ReplaceAllString(text, "")
	text = htmlTag.ReplaceAllString(text, "")
	text = fencedHTML.ReplaceAllString(text, "")
	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	if r := []rune(text); len(r) > maxMessageRunes {
		text = string(r[:maxMessageRunes])
	}
	return text
}
