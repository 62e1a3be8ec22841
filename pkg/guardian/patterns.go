package guardian

import (
	"fmt"
	"regexp"
)

// injectionPattern is one prompt-injection signature. Weight contributes
// to the summed risk score when the pattern matches.
type injectionPattern struct {
	Name    string
	Group   string
	Pattern string
	Weight  float64
}

// compiledInjection holds a pre-compiled injection pattern.
type compiledInjection struct {
	injectionPattern
	regex *regexp.Regexp
}

// Injection pattern groups. The catalog covers the three mandatory
// classes: instruction-override, data-exfiltration, and role-switch.
const (
	GroupInstructionOverride = "instruction_override"
	GroupDataExfiltration    = "data_exfiltration"
	GroupRoleSwitch          = "role_switch"
)

var builtinInjectionPatterns = []injectionPattern{
	{
		Name:    "ignore_instructions",
		Group:   GroupInstructionOverride,
		Pattern: `(?i)\b(ignore|disregard|forget)\b.{0,30}\b(previous|prior|above|all|your)\b.{0,30}\b(instructions?|rules?|prompts?|guidelines?)\b`,
		Weight:  0.6,
	},
	{
		Name:    "override_system",
		Group:   GroupInstructionOverride,
		Pattern: `(?i)\b(override|bypass|disable)\b.{0,30}\b(safety|system|security|filters?|restrictions?)\b`,
		Weight:  0.6,
	},
	{
		Name:    "new_instructions",
		Group:   GroupInstructionOverride,
		Pattern: `(?i)\byour new (instructions?|task|objective|goal) (is|are)\b`,
		Weight:  0.5,
	},
	{
		Name:    "reveal_prompt",
		Group:   GroupDataExfiltration,
		Pattern: `(?i)\b(reveal|show|print|repeat|output|leak)\b.{0,30}\b(system prompt|instructions|initial prompt|hidden prompt)\b`,
		Weight:  0.7,
	},
	{
		Name:    "exfiltrate_data",
		Group:   GroupDataExfiltration,
		Pattern: `(?i)\b(send|post|upload|exfiltrate|forward)\b.{0,40}\b(credentials?|secrets?|api.?keys?|passwords?|tokens?)\b`,
		Weight:  0.8,
	},
	{
		Name:    "role_switch",
		Group:   GroupRoleSwitch,
		Pattern: `(?i)\b(you are now|act as|pretend (to be|you are)|roleplay as|from now on you)\b`,
		Weight:  0.5,
	},
	{
		Name:    "jailbreak_persona",
		Group:   GroupRoleSwitch,
		Pattern: `(?i)\b(dan mode|developer mode|no (restrictions|limits|rules) mode|unfiltered mode)\b`,
		Weight:  0.7,
	},
}

// compileInjectionPatterns compiles the built-in catalog plus any extra
// patterns. Compilation is eager and fail-closed: a broken pattern fails
// guardian construction instead of silently weakening the scan.
func compileInjectionPatterns(extra []injectionPattern) ([]compiledInjection, error) {
	all := make([]injectionPattern, 0, len(builtinInjectionPatterns)+len(extra))
	all = append(all, builtinInjectionPatterns...)
	all = append(all, extra...)

	compiled := make([]compiledInjection, 0, len(all))
	for _, p := range all {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile injection pattern %q: %w", p.Name, err)
		}
		compiled = append(compiled, compiledInjection{injectionPattern: p, regex: re})
	}
	return compiled, nil
}
