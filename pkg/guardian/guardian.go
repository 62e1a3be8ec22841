// Package guardian validates prompts and tool payloads before and after
// model calls: input sanitization, prompt-injection scanning against a
// compiled pattern catalog, PII/PHI redaction, and policy term refusals.
// Output checking is fail-closed: what cannot be redacted is rejected.
package guardian

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/codeready-toolchain/quorum/pkg/config"
)

// Action is the guardian's verdict on a piece of text.
type Action string

const (
	ActionAllow         Action = "allow"
	ActionAllowRedacted Action = "allow_with_redaction"
	ActionEscalate      Action = "escalate_to_hitl"
	ActionReject        Action = "reject"
)

// FindingKind classifies a guardian finding.
type FindingKind string

const (
	FindingPII        FindingKind = "pii"
	FindingInjection  FindingKind = "injection"
	FindingDisallowed FindingKind = "disallowed_category"
)

// Finding is one detection within a checked text.
type Finding struct {
	Kind    FindingKind `json:"kind"`
	Label   string      `json:"label"`
	Excerpt string      `json:"excerpt,omitempty"`
}

// Decision is the guardian's output: the action, the (possibly redacted)
// text, and the evidence behind the verdict.
type Decision struct {
	Action    Action
	Text      string
	Findings  []Finding
	RiskScore float64
}

// Allowed reports whether the text may proceed (redacted or not).
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow || d.Action == ActionAllowRedacted
}

// PreScanResult summarizes risk signals for the decision engine.
type PreScanResult struct {
	PIICount      int
	InjectionHits int
	// RiskSignal is the summed injection weight, capped at 1.
	RiskSignal float64
}

// Guardian performs safety checks. Stateless after construction; all
// patterns are compiled eagerly, and a broken pattern fails construction.
type Guardian struct {
	cfg        config.GuardianSettings
	injections []compiledInjection
	disallowed []string
}

// New creates a guardian from settings.
func New(cfg config.GuardianSettings) (*Guardian, error) {
	compiled, err := compileInjectionPatterns(nil)
	if err != nil {
		return nil, err
	}
	lowered := make([]string, len(cfg.DisallowedTerms))
	for i, t := range cfg.DisallowedTerms {
		lowered[i] = strings.ToLower(t)
	}
	return &Guardian{cfg: cfg, injections: compiled, disallowed: lowered}, nil
}

// Sanitize strips control characters (newline and tab survive), applies
// NFKC normalization, and removes zero-width runes that hide injection
// payloads from pattern scans.
func (g *Guardian) Sanitize(text string) string {
	normalized := norm.NFKC.String(text)
	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case unicode.IsControl(r):
			// dropped
		case r == 0x200B || r == 0x200C || r == 0x200D || r == 0xFEFF:
			// zero-width characters dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CheckInput validates text entering a model or tool. The decision
// escalates to HITL at the configured score and rejects outright at the
// reject score or on a disallowed category.
func (g *Guardian) CheckInput(text string) Decision {
	sanitized := g.Sanitize(text)
	d := Decision{Action: ActionAllow, Text: sanitized}

	if label, hit := g.matchDisallowed(sanitized); hit {
		d.Action = ActionReject
		d.Findings = append(d.Findings, Finding{Kind: FindingDisallowed, Label: label})
		d.RiskScore = 1
		return d
	}

	score, findings := g.scanInjections(sanitized)
	d.Findings = append(d.Findings, findings...)
	d.RiskScore = score

	redacted, piiFindings := redactPII(sanitized)
	if len(piiFindings) > 0 {
		d.Text = redacted
		d.Findings = append(d.Findings, piiFindings...)
		if d.Action == ActionAllow {
			d.Action = ActionAllowRedacted
		}
	}

	switch {
	case score >= g.cfg.RejectScore:
		d.Action = ActionReject
	case score >= g.cfg.EscalateScore:
		d.Action = ActionEscalate
	}
	return d
}

// CheckOutput validates model or tool output before it enters the
// transcript. Fail-closed: policy violations that redaction cannot cure
// reject the output (the executor maps that to ToolOutputRejected).
func (g *Guardian) CheckOutput(text string) Decision {
	sanitized := g.Sanitize(text)
	d := Decision{Action: ActionAllow, Text: sanitized}

	if label, hit := g.matchDisallowed(sanitized); hit {
		d.Action = ActionReject
		d.Findings = append(d.Findings, Finding{Kind: FindingDisallowed, Label: label})
		d.RiskScore = 1
		return d
	}

	redacted, piiFindings := redactPII(sanitized)
	if len(piiFindings) > 0 {
		d.Text = redacted
		d.Findings = append(d.Findings, piiFindings...)
		d.Action = ActionAllowRedacted
	}
	return d
}

// PreScan produces risk signals for the decision engine without deciding.
func (g *Guardian) PreScan(text string) PreScanResult {
	sanitized := g.Sanitize(text)
	score, findings := g.scanInjections(sanitized)
	_, piiFindings := redactPII(sanitized)
	return PreScanResult{
		PIICount:      len(piiFindings),
		InjectionHits: len(findings),
		RiskSignal:    score,
	}
}

func (g *Guardian) scanInjections(text string) (float64, []Finding) {
	var score float64
	var findings []Finding
	for _, p := range g.injections {
		if loc := p.regex.FindString(text); loc != "" {
			score += p.Weight
			findings = append(findings, Finding{
				Kind:    FindingInjection,
				Label:   p.Group + ":" + p.Name,
				Excerpt: excerpt(loc),
			})
		}
	}
	if score > 1 {
		score = 1
	}
	return score, findings
}

func (g *Guardian) matchDisallowed(text string) (string, bool) {
	lowered := strings.ToLower(text)
	for _, term := range g.disallowed {
		if term != "" && strings.Contains(lowered, term) {
			return term, true
		}
	}
	return "", false
}
