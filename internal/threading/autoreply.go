package threading

import "regexp"

// Known autoresponder, bounce, and out-of-office markers. Subject patterns
// catch the common client prefixes; body patterns catch daemon notices.
var (
	automatedSubjectPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bout of (the )?office\b`),
		regexp.MustCompile(`(?i)\bauto[- ]?reply\b`),
		regexp.MustCompile(`(?i)\bautomatic reply\b`),
		regexp.MustCompile(`(?i)\bauto[- ]?response\b`),
		regexp.MustCompile(`(?i)\bundeliver(able|ed)\b`),
		regexp.MustCompile(`(?i)\bdelivery (status notification|failure|has failed)\b`),
		regexp.MustCompile(`(?i)\bmail delivery (failed|subsystem)\b`),
		regexp.MustCompile(`(?i)\bvacation\b`),
		regexp.MustCompile(`(?i)\breturned mail\b`),
	}
	automatedBodyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bmailer-daemon\b`),
		regexp.MustCompile(`(?i)\bthis is an automat(ed|ic) (response|reply|message)\b`),
		regexp.MustCompile(`(?i)\bI am (currently )?out of (the )?office\b`),
		regexp.MustCompile(`(?i)\bdo not reply to this (email|message)\b`),
		regexp.MustCompile(`(?i)\byour message could not be delivered\b`),
	}
)

// IsAutomatedResponse reports whether an email looks like an autoresponder,
// bounce, or out-of-office notice. Heuristic only; used to skip reply
// generation, never to drop the email from the record.
func IsAutomatedResponse(body, subject string) bool {
	for _, p := range automatedSubjectPatterns {
		if p.MatchString(subject) {
			return true
		}
	}
	for _, p := range automatedBodyPatterns {
		if p.MatchString(body) {
			return true
		}
	}
	return false
}
