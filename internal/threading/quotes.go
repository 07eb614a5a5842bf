package threading

import (
	"regexp"
	"strings"
)

// Quote markers recognized by ExtractQuotedText, checked per line in order:
// client attribution lines ("On ... wrote:"), original/forwarded message
// banners, separator runs of dashes or underscores, and "> " quoted lines.
var quoteMarkers = []*regexp.Regexp{
	regexp.MustCompile(`^On .+wrote:\s*$`),
	regexp.MustCompile(`(?i)^-{2,}\s*Original Message\s*-{2,}\s*$`),
	regexp.MustCompile(`(?i)^-{2,}\s*Forwarded Message\s*-{2,}\s*$`),
	regexp.MustCompile(`(?i)^Begin forwarded message:\s*$`),
	regexp.MustCompile(`^[-_]{3,}\s*$`),
	regexp.MustCompile(`^>`),
}

// ExtractQuotedText splits an email body at the first recognizable quote
// marker. Everything before the marker line is the sender's new content;
// the marker line and everything after it is quoted prior-message text.
// With no marker the whole body is new content.
func ExtractQuotedText(body string) (newContent, quotedContent string) {
	if body == "" {
		return "", ""
	}
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		for _, marker := range quoteMarkers {
			if marker.MatchString(line) {
				return strings.Join(lines[:i], "\n"), strings.Join(lines[i:], "\n")
			}
		}
	}
	return body, ""
}
