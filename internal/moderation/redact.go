package moderation

import "regexp"

type piiFilter struct {
	pattern *regexp.Regexp
	label   string
}

// Card runs before phone so long digit runs are labelled as cards.
var piiFilters = []piiFilter{
	{regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), "[email]"},
	{regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "[card]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[ssn]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[ip]"},
	{regexp.MustCompile(`(?:\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}`), "[phone]"},
}

// Redactor masks personal data in text destined for logs.
type Redactor struct {
	enabled bool
}

func NewRedactor(enabled bool) *Redactor {
	return &Redactor{enabled: enabled}
}

// Redact replaces emails, card numbers, SSNs, IPs and phone numbers with
// labels. A nil or disabled Redactor returns text unchanged.
func (r *Redactor) Redact(text string) string {
	if r == nil || !r.enabled {
		return text
	}
	for _, f := range piiFilters {
		text = f.pattern.ReplaceAllString(text, f.label)
	}
	return text
}
