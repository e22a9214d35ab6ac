package minutes

import (
	"regexp"
	"strings"
)

// Model reasoning blocks the writer sometimes leaves in the summary
var thinkingSection = regexp.MustCompile(`(?s)(<思考>.*?</思考>|<think>.*?</think>)\s*`)

// StripThinking removes reasoning blocks and trims the remainder
func StripThinking(text string) string {
	if text == "" {
		return text
	}
	return strings.TrimSpace(thinkingSection.ReplaceAllString(text, ""))
}

func sanitize(m *Minutes) {
	if m == nil {
		return
	}
	m.Content.Summary = StripThinking(m.Content.Summary)
}
