package decision

import (
	"sort"
	"strings"
)

// Intent tags are fixed; agent capability tags use the same vocabulary so
// coverage math is a straight set intersection.
const (
	IntentStrategic  = "strategic"
	IntentFinancial  = "financial"
	IntentTechnical  = "technical"
	IntentCreative   = "creative"
	IntentResearch   = "research"
	IntentOps        = "ops"
	IntentCompliance = "compliance"
)

// allIntents is the stable enumeration order.
var allIntents = []string{
	IntentStrategic, IntentFinancial, IntentTechnical,
	IntentCreative, IntentResearch, IntentOps, IntentCompliance,
}

var intentLexicon = map[string][]string{
	IntentStrategic: {
		"strategy", "strategic", "roadmap", "vision", "market", "competitor",
		"competitors", "positioning", "expansion", "acquisition", "long-term",
	},
	IntentFinancial: {
		"revenue", "cost", "costs", "budget", "margin", "margins", "profit",
		"forecast", "cash", "pricing", "invoice", "quarterly", "spend", "earnings",
	},
	IntentTechnical: {
		"architecture", "code", "api", "latency", "database", "deploy", "bug",
		"performance", "scaling", "infrastructure", "service", "backend",
	},
	IntentCreative: {
		"brainstorm", "slogan", "story", "design", "draft", "write", "campaign",
		"naming", "tagline", "creative",
	},
	IntentResearch: {
		"compare", "investigate", "sources", "evidence", "literature", "survey",
		"analyze", "summarize", "find", "research", "review", "overview",
	},
	IntentOps: {
		"rollout", "incident", "oncall", "process", "schedule", "migration",
		"operations", "runbook", "deployment", "maintenance", "outage",
	},
	IntentCompliance: {
		"policy", "regulation", "regulatory", "gdpr", "audit", "legal",
		"privacy", "consent", "license", "hipaa", "compliance",
	},
}

// recencyLexicon marks requests that need fresh information.
var recencyLexicon = []string{
	"latest", "today", "now", "current", "currently", "recent", "recently",
	"news", "yesterday", "breaking", "this week", "this month",
}

// IntentScore is one tag's blended classification score in [0,1].
type IntentScore struct {
	Tag   string
	Score float64
}

// classifyIntents scores every tag against the request text: lexical hit
// count blended with whether the catalog carries matching capability.
// Result order is score-descending, ties in enumeration order.
func classifyIntents(text string, capabilities map[string]bool) []IntentScore {
	lower := strings.ToLower(text)
	words := wordSet(lower)

	out := make([]IntentScore, 0, len(allIntents))
	for _, tag := range allIntents {
		hits := 0
		for _, kw := range intentLexicon[tag] {
			if strings.Contains(kw, " ") {
				if strings.Contains(lower, kw) {
					hits++
				}
			} else if words[kw] {
				hits++
			}
		}
		lexical := float64(hits) / 3.0
		if lexical > 1 {
			lexical = 1
		}
		score := 0.8 * lexical
		if lexical > 0 && capabilities[tag] {
			score += 0.2 * lexical
		}
		out = append(out, IntentScore{Tag: tag, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// activeIntents filters to tags with a non-zero score.
func activeIntents(scores []IntentScore) []IntentScore {
	var out []IntentScore
	for _, s := range scores {
		if s.Score > 0 {
			out = append(out, s)
		}
	}
	return out
}

// needsRecency reports whether the text asks for fresh information.
func needsRecency(text string) bool {
	lower := strings.ToLower(text)
	words := wordSet(lower)
	for _, kw := range recencyLexicon {
		if strings.Contains(kw, " ") {
			if strings.Contains(lower, kw) {
				return true
			}
		} else if words[kw] {
			return true
		}
	}
	return false
}

// specificity estimates how concrete the request is: numbers, quoted
// phrases, and named entities raise it. Returned in [0,1].
func specificity(text string) float64 {
	hits := 0
	for _, w := range strings.Fields(text) {
		if strings.ContainsAny(w, "0123456789") {
			hits++
		}
	}
	hits += strings.Count(text, "\"") / 2
	s := float64(hits) / 5.0
	if s > 1 {
		return 1
	}
	return s
}

func wordSet(lower string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '-')
	}) {
		set[w] = true
	}
	return set
}
