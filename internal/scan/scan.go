// Package scan ties detection, redaction and auditing into one request.
package scan

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"secureflow/internal/audit"
	"secureflow/internal/detect"
	"secureflow/internal/otel"
	"secureflow/internal/policy"
	"secureflow/internal/redact"
	"secureflow/internal/trace"
)

// sealedFileLimit caps how much of an uploaded file's text is sealed into
// the audit log.
const sealedFileLimit = 2000

type Request struct {
	Subject   string
	Text      string
	Event     audit.EventType
	FileName  string
	MaskLevel int
	// Types restricts reported and redacted entities; empty means all.
	Types []string
}

// OffsetUnitBytes names the unit of Entity.Start and Entity.End.
const OffsetUnitBytes = "utf8_byte"

// CharSpan is an entity's position counted in Unicode code points, for
// clients that index strings by character.
type CharSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Response struct {
	Entities    []detect.Entity `json:"entities"`
	// OffsetUnit is always OffsetUnitBytes. CharOffsets holds the same spans
	// as code-point offsets, one per entity.
	OffsetUnit  string          `json:"offset_unit"`
	CharOffsets []CharSpan      `json:"char_offsets"`
	Summary     map[string]int  `json:"summary"`
	EntityTypes []string        `json:"entity_types"`
	Sanitized   string          `json:"sanitized"`
	Items       []redact.Item   `json:"-"`
	MaskLevel   int             `json:"mask_level"`
	LogID       string          `json:"log_id,omitempty"`
	FileName    string          `json:"file_name,omitempty"`
}

// Service runs one scan end to end. Store and Sealer are optional.
type Service struct {
	pipeline     *detect.Pipeline
	redactor     *redact.Redactor
	policy       *policy.Engine
	store        audit.Store
	sealer       *audit.Sealer
	defaultLevel int
	traceSample  float64
}

type Option func(*Service)

// WithAudit records every scan in store, sealing originals with sealer when
// it is non-nil.
func WithAudit(store audit.Store, sealer *audit.Sealer) Option {
	return func(s *Service) {
		s.store = store
		s.sealer = sealer
	}
}

// WithDefaultLevel sets the mask level used when a request carries none.
func WithDefaultLevel(level int) Option {
	return func(s *Service) { s.defaultLevel = policy.ClampLevel(level) }
}

// WithTraceSample sets the fraction of scans whose timings get logged.
func WithTraceSample(rate float64) Option {
	return func(s *Service) { s.traceSample = rate }
}

func NewService(p *detect.Pipeline, r *redact.Redactor, pe *policy.Engine, opts ...Option) *Service {
	s := &Service{
		pipeline:     p,
		redactor:     r,
		policy:       pe,
		defaultLevel: policy.DefaultLevel,
		traceSample:  0.1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Pipeline() *detect.Pipeline { return s.pipeline }
func (s *Service) Store() audit.Store         { return s.store }
func (s *Service) Sealer() *audit.Sealer      { return s.sealer }

// StartTrace attaches a request trace to ctx. Callers that time work
// before Scan, such as file extraction, start the trace themselves and log
// it when done; Scan then records its phases into the same trace.
func (s *Service) StartTrace(ctx context.Context) (context.Context, *trace.RequestTrace) {
	tr := trace.NewRequestTrace(s.traceSample)
	return trace.WithContext(ctx, tr), tr
}

// Scan detects entities in req.Text, redacts the types the mask level
// selects and, when auditing is enabled, records the outcome. A contract
// violation from detection is returned as is.
func (s *Service) Scan(ctx context.Context, req Request) (Response, error) {
	tr, owned := trace.FromContext(ctx)
	if !owned {
		ctx, tr = s.StartTrace(ctx)
		defer func() { tr.LogAt(log.Logger, time.Now()) }()
	}

	level := s.defaultLevel
	if req.MaskLevel != 0 {
		level = policy.ClampLevel(req.MaskLevel)
	}

	endDetect := tr.Begin(trace.PhaseDetect)
	res, err := s.pipeline.Run(ctx, req.Text)
	endDetect()
	if err != nil {
		return Response{}, err
	}
	res = filterTypes(res, req.Types)

	endRedact := tr.Begin(trace.PhaseRedact)
	sanitized, items := s.redactor.Redact(req.Text, res.Entities, s.policy.Allow(level))
	endRedact()

	types := res.Types()
	resp := Response{
		Entities:    res.Entities,
		OffsetUnit:  OffsetUnitBytes,
		CharOffsets: charOffsets(req.Text, res.Entities),
		Summary:     res.Summary,
		EntityTypes: types,
		Sanitized:   sanitized,
		Items:       items,
		MaskLevel:   level,
		FileName:    req.FileName,
	}

	if s.store != nil {
		endAudit := tr.Begin(trace.PhaseAudit)
		id, err := s.record(ctx, req, res, level, sanitized, tr)
		endAudit()
		if err != nil {
			return Response{}, err
		}
		resp.LogID = id
	}

	log.Debug().Func(otel.LogTraceFields(ctx)).
		Str("subject", req.Subject).
		Str("event", string(eventOf(req))).
		Int("entities", len(res.Entities)).
		Strs("types", types).
		Int("mask_level", level).
		Msg("scan complete")
	return resp, nil
}

func (s *Service) record(ctx context.Context, req Request, res detect.Result, level int, sanitized string, tr *trace.RequestTrace) (string, error) {
	entry := audit.NewEntry(req.Subject, eventOf(req), res)
	entry.FileName = req.FileName
	entry.MaskLevel = level
	entry.Sanitized = sanitized
	entry.LatencyMs = tr.Elapsed().Milliseconds()

	original := req.Text
	if entry.EventType == audit.FileScan {
		original = TruncateRunes(original, sealedFileLimit)
	}
	sealed, err := s.sealer.Seal(original)
	if err != nil {
		return "", fmt.Errorf("sealing original: %w", err)
	}
	entry.SealedOriginal = sealed

	if err := s.store.Log(ctx, &entry); err != nil {
		return "", fmt.Errorf("writing audit entry: %w", err)
	}
	return entry.ID, nil
}

func eventOf(req Request) audit.EventType {
	if req.Event != "" {
		return req.Event
	}
	return audit.TextScan
}

func filterTypes(res detect.Result, types []string) detect.Result {
	if len(types) == 0 {
		return res
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[strings.ToUpper(strings.TrimSpace(t))] = true
	}
	out := detect.Result{Entities: []detect.Entity{}, Summary: map[string]int{}}
	for _, e := range res.Entities {
		if want[e.Type] {
			out.Entities = append(out.Entities, e)
			out.Summary[e.Type]++
		}
	}
	return out
}

// charOffsets converts byte spans to code-point spans. Entities arrive sorted
// by Start and non-overlapping, so one forward pass suffices.
func charOffsets(text string, entities []detect.Entity) []CharSpan {
	out := make([]CharSpan, len(entities))
	pos, chars := 0, 0
	for i, e := range entities {
		chars += utf8.RuneCountInString(text[pos:e.Start])
		start := chars
		chars += utf8.RuneCountInString(text[e.Start:e.End])
		out[i] = CharSpan{Start: start, End: chars}
		pos = e.End
	}
	return out
}

// TruncateRunes cuts s to at most limit bytes without splitting a rune.
func TruncateRunes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
