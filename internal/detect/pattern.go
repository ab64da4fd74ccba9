package detect

import (
	"context"
	"fmt"
)

const sourcePattern = "pattern"

// PatternDetector reports every match of its recognizer's patterns. Each
// pattern contributes the raw matches of one left-to-right scan; cross-type
// overlaps are left to Resolve.
type PatternDetector struct {
	name         string
	entity       string
	patterns     []compiledPattern
	validate     func(string) bool
	invalidScore float64
}

// NewPatternDetector compiles a recognizer.
func NewPatternDetector(rc RecognizerConfig) (*PatternDetector, error) {
	if rc.SupportedEntity == "" {
		return nil, fmt.Errorf("recognizer %q: supported_entity is required", rc.Name)
	}
	if len(rc.Patterns) == 0 {
		return nil, fmt.Errorf("recognizer %q: no patterns", rc.Name)
	}
	d := &PatternDetector{name: rc.Name, entity: rc.SupportedEntity, invalidScore: rc.InvalidScore}
	if d.name == "" {
		d.name = rc.SupportedEntity
	}
	switch rc.Validator {
	case "":
	case "luhn":
		d.validate = luhnValid
	default:
		return nil, fmt.Errorf("recognizer %q: unknown validator %q", rc.Name, rc.Validator)
	}
	for _, p := range rc.Patterns {
		cp, err := compilePattern(d.name, p)
		if err != nil {
			return nil, err
		}
		d.patterns = append(d.patterns, cp)
	}
	return d, nil
}

// Name returns the recognizer name.
func (d *PatternDetector) Name() string { return d.name }

// Entity returns the entity type this detector emits.
func (d *PatternDetector) Entity() string { return d.entity }

func (d *PatternDetector) Detect(_ context.Context, text string) ([]Entity, error) {
	var out []Entity
	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*p.group], loc[2*p.group+1]
			if start < 0 || start >= end {
				continue
			}
			score := p.score
			if d.validate != nil && !d.validate(text[start:end]) {
				score = d.invalidScore
			}
			out = append(out, newEntity(text, d.entity, start, end, score, sourcePattern))
		}
	}
	return out, nil
}

// luhnValid runs the Luhn checksum over the digits of s.
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
