// Package detect finds sensitive entities in free-form text. Independent
// detectors propose candidate spans and Resolve reconciles them into one
// non-overlapping, deterministic result.
package detect

import (
	"context"
	"errors"
	"fmt"
)

// Entity is a detected (or candidate) span of sensitive text. Start and End
// are half-open UTF-8 byte offsets into the scanned text and Text always
// equals text[Start:End].
type Entity struct {
	Type   string  `json:"type"`
	Start  int     `json:"start"`
	End    int     `json:"end"`
	Text   string  `json:"text"`
	Score  float64 `json:"score,omitempty"`
	Source string  `json:"source,omitempty"`
}

// Len returns the span length in bytes.
func (e Entity) Len() int { return e.End - e.Start }

// Detector proposes candidate spans for text. Overlapping and duplicate
// candidates are allowed; implementations must not mutate shared state that
// changes results between calls.
type Detector interface {
	Detect(ctx context.Context, text string) ([]Entity, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, text string) ([]Entity, error)

func (f DetectorFunc) Detect(ctx context.Context, text string) ([]Entity, error) {
	return f(ctx, text)
}

// Result is the resolved output for one text.
type Result struct {
	Entities []Entity       `json:"entities"`
	Summary  map[string]int `json:"summary"`
}

// Types returns the distinct entity types in result order.
func (r Result) Types() []string {
	seen := make(map[string]bool, len(r.Summary))
	out := make([]string, 0, len(r.Summary))
	for _, e := range r.Entities {
		if seen[e.Type] {
			continue
		}
		seen[e.Type] = true
		out = append(out, e.Type)
	}
	return out
}

var (
	// ErrContractViolation marks a candidate span that breaks the detector
	// contract. It fails the whole request.
	ErrContractViolation = errors.New("detector contract violation")
	// ErrModelUnavailable is returned when a model detector cannot be loaded.
	ErrModelUnavailable = errors.New("model detector unavailable")
)

// ContractError describes the offending candidate.
type ContractError struct {
	Candidate Entity
	TextLen   int
	Reason    string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s: %s span [%d,%d) from %q in text of length %d: %s",
		ErrContractViolation, e.Candidate.Type, e.Candidate.Start, e.Candidate.End,
		e.Candidate.Source, e.TextLen, e.Reason)
}

func (e *ContractError) Unwrap() error { return ErrContractViolation }

// newEntity builds an entity for text[start:end].
func newEntity(text, typ string, start, end int, score float64, source string) Entity {
	return Entity{Type: typ, Start: start, End: end, Text: text[start:end], Score: score, Source: source}
}
