// Package conflict detects contradictions between agent claims inside a
// run: numeric disagreement on a shared anchor, opposing polarity with
// negation handling, and contradictory recommendations. Findings feed
// the conflict_detected event and raise the selector's critic demand.
package conflict

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/codeready-toolchain/quorum/pkg/config"
)

// ConflictKind classifies a detected contradiction.
type ConflictKind string

const (
	KindNumericDisagreement         ConflictKind = "numeric_disagreement"
	KindOpposingPolarity            ConflictKind = "opposing_polarity"
	KindContradictoryRecommendation ConflictKind = "contradictory_recommendation"
)

// AgentClaim is one agent message as seen by the detector.
type AgentClaim struct {
	Agent string
	Turn  int
	Text  string
}

// Finding reports one contradiction between two agents. Agents[0] is the
// author of the new claim, Agents[1] the author of the prior one.
type Finding struct {
	Agents  [2]string
	Kind    ConflictKind
	Excerpt string
}

// Detector inspects new claims against a bounded window of prior ones.
// Detection is purely lexical; the orchestrator routes findings to the
// critic rather than adjudicating them here.
type Detector struct {
	cfg config.ConflictSettings
}

// NewDetector creates a detector with the given tolerances.
func NewDetector(cfg config.ConflictSettings) *Detector {
	return &Detector{cfg: cfg}
}

// Inspect compares the new claim against the most recent window of prior
// claims from other agents and returns every contradiction found, at most
// one per (prior agent, kind) pair.
func (d *Detector) Inspect(newMsg AgentClaim, history []AgentClaim) []Finding {
	window := history
	if d.cfg.Window > 0 && len(window) > d.cfg.Window {
		window = window[len(window)-d.cfg.Window:]
	}

	newNums := extractNumericClaims(newMsg.Text)
	newPols := extractPolarityClaims(newMsg.Text)
	newRecs := extractRecommendations(newMsg.Text)

	var findings []Finding
	seen := map[string]bool{}
	add := func(prior AgentClaim, kind ConflictKind) {
		key := prior.Agent + "/" + string(kind)
		if seen[key] {
			return
		}
		seen[key] = true
		findings = append(findings, Finding{
			Agents:  [2]string{newMsg.Agent, prior.Agent},
			Kind:    kind,
			Excerpt: excerpt(newMsg, prior),
		})
	}

	for i := len(window) - 1; i >= 0; i-- {
		prior := window[i]
		if prior.Agent == newMsg.Agent {
			continue
		}
		if d.numericDisagreement(newNums, extractNumericClaims(prior.Text)) {
			add(prior, KindNumericDisagreement)
		}
		if polarityOpposition(newPols, extractPolarityClaims(prior.Text)) {
			add(prior, KindOpposingPolarity)
		}
		if recommendationContradiction(newRecs, extractRecommendations(prior.Text)) {
			add(prior, KindContradictoryRecommendation)
		}
	}
	return findings
}

// numericDisagreement reports whether any shared anchor carries values
// whose relative difference exceeds the tolerance.
func (d *Detector) numericDisagreement(a, b []numericClaim) bool {
	for _, x := range a {
		for _, y := range b {
			if x.anchor != y.anchor || x.unit != y.unit {
				continue
			}
			if relativeDiff(x.value, y.value) > d.cfg.NumericTolerance {
				return true
			}
		}
	}
	return false
}

func relativeDiff(a, b float64) float64 {
	denom := math.Max(math.Abs(a), math.Abs(b))
	if denom == 0 {
		return 0
	}
	return math.Abs(a-b) / denom
}

// numericClaim is a (noun anchor, value) pair extracted from text.
type numericClaim struct {
	anchor string
	value  float64
	unit   string
}

var numberRe = regexp.MustCompile(`(\$)?(\d[\d,]*(?:\.\d+)?)\s*(%|percent|million|billion|thousand|[kKmMbB]\b)?`)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "to": true, "in": true,
	"by": true, "at": true, "is": true, "was": true, "are": true, "were": true,
	"be": true, "on": true, "and": true, "or": true, "that": true, "this": true,
	"it": true, "for": true, "with": true, "about": true, "around": true,
	"roughly": true, "approximately": true, "than": true, "from": true,
	"will": true, "would": true, "has": true, "have": true, "had": true,
	"grew": true, "rose": true, "fell": true, "dropped": true, "increased": true,
	"decreased": true, "declined": true, "reached": true, "hit": true,
	"up": true, "down": true, "last": true, "next": true, "per": true,
	"did": true, "do": true, "does": true, "we": true, "they": true,
	"i": true, "you": true, "our": true, "their": true, "its": true,
}

// extractNumericClaims finds numbers and anchors each to the nearest
// content word before it (falling back to the nearest one after).
func extractNumericClaims(text string) []numericClaim {
	words := tokenize(text)
	var claims []numericClaim
	for idx, w := range words {
		m := numberRe.FindStringSubmatch(w)
		if m == nil || m[2] == "" {
			continue
		}
		raw := strings.ReplaceAll(m[2], ",", "")
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		unit := normalizeUnit(m[3], m[1])
		// A unit written as its own token follows the number.
		if unit == "" && idx+1 < len(words) {
			unit = normalizeUnit(words[idx+1], "")
		}
		value, unit = applyMultiplier(value, unit)
		anchor := nearestAnchor(words, idx)
		if anchor == "" {
			continue
		}
		claims = append(claims, numericClaim{anchor: anchor, value: value, unit: unit})
	}
	return claims
}

func normalizeUnit(tok, dollar string) string {
	switch strings.ToLower(strings.Trim(tok, ".,;:!? ")) {
	case "%", "percent":
		return "%"
	case "million", "m":
		return "million"
	case "billion", "b", "bn":
		return "billion"
	case "thousand", "k":
		return "thousand"
	}
	if dollar == "$" {
		return "$"
	}
	return ""
}

// applyMultiplier folds scale units into the value so "2 billion" and
// "2000 million" compare equal.
func applyMultiplier(value float64, unit string) (float64, string) {
	switch unit {
	case "thousand":
		return value * 1e3, ""
	case "million":
		return value * 1e6, ""
	case "billion":
		return value * 1e9, ""
	}
	return value, unit
}

// nearestAnchor picks the closest content word within three tokens before
// the number, else after it. Plural suffixes are stripped so "margins"
// and "margin" share an anchor.
func nearestAnchor(words []string, idx int) string {
	for off := 1; off <= 3; off++ {
		if idx-off >= 0 {
			if a := contentWord(words[idx-off]); a != "" {
				return a
			}
		}
	}
	for off := 1; off <= 3; off++ {
		if idx+off < len(words) {
			if a := contentWord(words[idx+off]); a != "" {
				return a
			}
		}
	}
	return ""
}

func contentWord(w string) string {
	w = strings.ToLower(strings.Trim(w, ".,;:!?()\"'"))
	if w == "" || stopwords[w] || negations[w] || positiveVerbs[w] || negativeVerbs[w] {
		return ""
	}
	for _, r := range w {
		if r >= '0' && r <= '9' {
			return ""
		}
	}
	if len(w) > 3 && strings.HasSuffix(w, "s") {
		w = strings.TrimSuffix(w, "s")
	}
	return w
}

func tokenize(text string) []string {
	return strings.Fields(text)
}

// polarityClaim is a (noun anchor, direction) pair; direction is +1 or -1
// after negation handling.
type polarityClaim struct {
	anchor    string
	direction int
}

var positiveVerbs = map[string]bool{
	"increase": true, "increased": true, "increasing": true,
	"grow": true, "grew": true, "growing": true, "grown": true,
	"improve": true, "improved": true, "improving": true,
	"rise": true, "rose": true, "rising": true, "risen": true,
	"gain": true, "gained": true, "succeed": true, "succeeded": true,
	"outperform": true, "outperformed": true, "recover": true, "recovered": true,
}

var negativeVerbs = map[string]bool{
	"decrease": true, "decreased": true, "decreasing": true,
	"decline": true, "declined": true, "declining": true,
	"shrink": true, "shrank": true, "shrinking": true, "shrunk": true,
	"fall": true, "fell": true, "falling": true, "fallen": true,
	"drop": true, "dropped": true, "dropping": true,
	"fail": true, "failed": true, "failing": true,
	"lose": true, "lost": true, "losing": true,
	"worsen": true, "worsened": true, "underperform": true, "underperformed": true,
}

var negations = map[string]bool{
	"not": true, "never": true, "no": true, "didn't": true, "doesn't": true,
	"don't": true, "won't": true, "isn't": true, "aren't": true, "wasn't": true,
	"weren't": true, "hasn't": true, "haven't": true, "cannot": true, "can't": true,
}

// extractPolarityClaims finds directional verbs, resolves negation within
// the three preceding tokens, and anchors each to the nearest preceding
// content word (the grammatical subject, approximately).
func extractPolarityClaims(text string) []polarityClaim {
	words := tokenize(text)
	var claims []polarityClaim
	for idx, w := range words {
		verb := strings.ToLower(strings.Trim(w, ".,;:!?()\"'"))
		var dir int
		switch {
		case positiveVerbs[verb]:
			dir = 1
		case negativeVerbs[verb]:
			dir = -1
		default:
			continue
		}
		for off := 1; off <= 3 && idx-off >= 0; off++ {
			tok := strings.ToLower(strings.Trim(words[idx-off], ".,;:!?()\"'"))
			if negations[tok] {
				dir = -dir
				break
			}
		}
		anchor := nearestAnchor(words, idx)
		if anchor == "" {
			continue
		}
		claims = append(claims, polarityClaim{anchor: anchor, direction: dir})
	}
	return claims
}

func polarityOpposition(a, b []polarityClaim) bool {
	for _, x := range a {
		for _, y := range b {
			if x.anchor == y.anchor && x.direction != y.direction {
				return true
			}
		}
	}
	return false
}

// recommendation is a (action head word, stance) pair.
type recommendation struct {
	action string
	stance int
}

var recommendPatterns = []struct {
	re     *regexp.Regexp
	stance int
}{
	{regexp.MustCompile(`(?i)\bshould\s+not\s+(\w+(?:\s+\w+){0,3})`), -1},
	{regexp.MustCompile(`(?i)\brecommends?\s+against\s+(\w+(?:\s+\w+){0,3})`), -1},
	{regexp.MustCompile(`(?i)\badvises?\s+against\s+(\w+(?:\s+\w+){0,3})`), -1},
	{regexp.MustCompile(`(?i)\bshould\s+(?:not\s+)?(\w+(?:\s+\w+){0,3})`), 1},
	{regexp.MustCompile(`(?i)\brecommends?\s+(?:against\s+)?(\w+(?:\s+\w+){0,3})`), 1},
}

// extractRecommendations finds should/recommend/advise constructions.
// Negative patterns run first and claim their span so the positive
// fallbacks do not re-match the same text.
func extractRecommendations(text string) []recommendation {
	var recs []recommendation
	consumed := make([]bool, len(text))
	for _, p := range recommendPatterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			if consumed[loc[0]] {
				continue
			}
			for i := loc[0]; i < loc[1] && i < len(consumed); i++ {
				consumed[i] = true
			}
			action := actionHead(text[loc[2]:loc[3]])
			if action == "" {
				continue
			}
			recs = append(recs, recommendation{action: action, stance: p.stance})
		}
	}
	return recs
}

// actionHead reduces an action phrase to its first content word.
func actionHead(phrase string) string {
	for _, w := range tokenize(phrase) {
		if a := contentWord(w); a != "" {
			return a
		}
	}
	return ""
}

func recommendationContradiction(a, b []recommendation) bool {
	for _, x := range a {
		for _, y := range b {
			if x.action == y.action && x.stance != y.stance {
				return true
			}
		}
	}
	return false
}

const excerptLimit = 80

func excerpt(a, b AgentClaim) string {
	return fmt.Sprintf("%s: %q vs %s: %q", a.Agent, clip(a.Text), b.Agent, clip(b.Text))
}

func clip(s string) string {
	if len(s) <= excerptLimit {
		return s
	}
	return s[:excerptLimit] + "..."
}
