// Package policy decides which detected entity types get redacted at a given
// mask level.
package policy

import (
	"sort"
	"strings"

	"secureflow/internal/config"
)

const (
	MinLevel     = 10
	MaxLevel     = 100
	DefaultLevel = MaxLevel
)

type Decision string

const (
	Mask Decision = "mask"
	Keep Decision = "keep"
)

type Result struct {
	Decision Decision
	Reason   string
	// Level is the step that added the type, 0 for always-masked or unknown types.
	Level int
}

// DefaultSteps is the level table applied when none is configured. Higher
// levels redact everything the lower ones do.
func DefaultSteps() []config.MaskStep {
	return []config.MaskStep{
		{Level: 10, Types: []string{"EMAIL"}},
		{Level: 20, Types: []string{
			"PASSWORD", "API_KEY", "AWS_ACCESS_KEY", "AWS_SECRET_KEY", "AWS_SESSION_TOKEN",
			"GCP_API_KEY", "GCP_SERVICE_ACCOUNT", "AZURE_CONNECTION_STRING", "PRIVATE_KEY",
			"DB_URL", "JWT", "HIGH_ENTROPY",
		}},
		{Level: 30, Types: []string{"PHONE"}},
		{Level: 40, Types: []string{"URL"}},
		{Level: 50, Types: []string{"IP_ADDRESS"}},
		{Level: 60, Types: []string{"DATE"}},
		{Level: 80, Types: []string{"AADHAAR", "PAN", "PASSPORT", "IFSC", "IBAN", "CREDIT_CARD", "SSN", "ACCOUNT"}},
		{Level: 90, Types: []string{"PERSON", "ORG", "LOC", "MISC", "ADDRESS"}},
	}
}

// DefaultAlways lists types masked at every level.
func DefaultAlways() []string {
	return []string{"HEALTH", "CONFIDENTIAL"}
}

// Engine maps (level, type) to a redaction decision. Types missing from the
// table are masked at every level.
type Engine struct {
	steps  []config.MaskStep
	always map[string]bool
	known  map[string]int
}

// NewEngine builds an engine; empty steps fall back to DefaultSteps and a
// nil always list to DefaultAlways.
func NewEngine(steps []config.MaskStep, always []string) *Engine {
	if len(steps) == 0 {
		steps = DefaultSteps()
	}
	if always == nil {
		always = DefaultAlways()
	}
	e := &Engine{
		steps:  append([]config.MaskStep(nil), steps...),
		always: map[string]bool{},
		known:  map[string]int{},
	}
	sort.SliceStable(e.steps, func(i, j int) bool { return e.steps[i].Level < e.steps[j].Level })
	for _, s := range e.steps {
		for _, t := range s.Types {
			t = strings.ToUpper(t)
			if _, ok := e.known[t]; !ok {
				e.known[t] = s.Level
			}
		}
	}
	for _, t := range always {
		e.always[strings.ToUpper(t)] = true
	}
	return e
}

// ClampLevel maps level into [MinLevel, MaxLevel]; 0 means DefaultLevel.
func ClampLevel(level int) int {
	switch {
	case level == 0:
		return DefaultLevel
	case level < MinLevel:
		return MinLevel
	case level > MaxLevel:
		return MaxLevel
	}
	return level
}

func (e *Engine) Evaluate(level int, entityType string) Result {
	level = ClampLevel(level)
	typ := strings.ToUpper(entityType)
	if e.always[typ] {
		return Result{Decision: Mask, Reason: "always masked"}
	}
	step, ok := e.known[typ]
	if !ok {
		return Result{Decision: Mask, Reason: "unknown type"}
	}
	if level >= step {
		return Result{Decision: Mask, Reason: "level reached", Level: step}
	}
	return Result{Decision: Keep, Reason: "below level", Level: step}
}

// Allow returns a predicate suitable for redact.Redactor.Redact.
func (e *Engine) Allow(level int) func(string) bool {
	return func(typ string) bool {
		return e.Evaluate(level, typ).Decision == Mask
	}
}

// Types lists the table types masked at level, sorted.
func (e *Engine) Types(level int) []string {
	var out []string
	for t := range e.always {
		out = append(out, t)
	}
	for t := range e.known {
		if e.always[t] {
			continue
		}
		if e.Evaluate(level, t).Decision == Mask {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
