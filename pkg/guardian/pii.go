package guardian

import (
	"regexp"
	"strings"
)

// piiPattern detects one class of personal data. Validate, when set,
// filters out matches that pass the regex but fail a structural check
// (e.g. Luhn for card numbers).
type piiPattern struct {
	Kind     string
	regex    *regexp.Regexp
	Validate func(match string) bool
}

// PII kinds recognized by the guardian.
const (
	PIIEmail      = "email"
	PIIPhone      = "phone"
	PIISSN        = "ssn"
	PIICreditCard = "credit_card"
	PIIIPAddress  = "ip_address"
	PIIMRN        = "medical_record_number"
)

var piiPatterns = []piiPattern{
	{
		Kind:  PIIEmail,
		regex: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
	},
	{
		Kind:  PIIPhone,
		regex: regexp.MustCompile(`\b(\+?1[\s.\-]?)?\(?\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}\b`),
	},
	{
		Kind:  PIISSN,
		regex: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		Kind:     PIICreditCard,
		regex:    regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`),
		Validate: luhnValid,
	},
	{
		Kind:  PIIIPAddress,
		regex: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
	},
	{
		Kind:  PIIMRN,
		regex: regexp.MustCompile(`\b(?i:MRN)[:#\s]*\d{6,10}\b`),
	},
}

// luhnValid checks the Luhn checksum over the digits of the match,
// separating real card numbers from arbitrary digit runs.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// redactPII replaces every PII match with "[REDACTED:<kind>]" and returns
// the redacted text plus one finding per replaced span.
func redactPII(text string) (string, []Finding) {
	var findings []Finding
	for _, p := range piiPatterns {
		text = p.regex.ReplaceAllStringFunc(text, func(match string) string {
			if p.Validate != nil && !p.Validate(match) {
				return match
			}
			findings = append(findings, Finding{
				Kind:    FindingPII,
				Label:   p.Kind,
				Excerpt: excerpt(match),
			})
			return "[REDACTED:" + p.Kind + "]"
		})
	}
	return text, findings
}

// excerpt truncates matched content for findings so PII never round-trips
// through logs or events in full.
func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return s[:len(s)/2] + "…"
	}
	return s[:4] + "…"
}
