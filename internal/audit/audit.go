// Package audit records every scan: what was found, the sanitized text and,
// when a seal key is configured, the encrypted original.
package audit

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"secureflow/internal/detect"
	"secureflow/internal/otel"
)

var tracer = otel.Tracer("secureflow/internal/audit")

// ErrNotFound is returned by Get for an unknown entry ID.
var ErrNotFound = errors.New("audit entry not found")

type EventType string

const (
	TextScan EventType = "text_scan"
	FileScan EventType = "file_scan"
)

type Entry struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Subject        string         `json:"subject"`
	EventType      EventType      `json:"event_type"`
	FileName       string         `json:"file_name,omitempty"`
	EntityTypes    []string       `json:"entity_types"`
	Summary        map[string]int `json:"summary"`
	EntityCount    int            `json:"entity_count"`
	MaskLevel      int            `json:"mask_level,omitempty"`
	Sanitized      string         `json:"sanitized,omitempty"`
	SealedOriginal string         `json:"sealed_original,omitempty"`
	LatencyMs      int64          `json:"latency_ms"`
}

// NewEntry builds an entry from a resolved detection result.
func NewEntry(subject string, event EventType, res detect.Result) Entry {
	summary := make(map[string]int, len(res.Summary))
	for k, v := range res.Summary {
		summary[k] = v
	}
	types := res.Types()
	if types == nil {
		types = []string{}
	}
	return Entry{
		Subject:     subject,
		EventType:   event,
		EntityTypes: types,
		Summary:     summary,
		EntityCount: len(res.Entities),
	}
}

// Query filters List. Zero values match everything.
type Query struct {
	Subject string
	Since   time.Time
	Limit   int
}

// Store persists entries. List returns newest first.
type Store interface {
	Log(ctx context.Context, entry *Entry) error
	List(ctx context.Context, q Query) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	Purge(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// prepare assigns an ID and timestamp when missing.
func prepare(entry *Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Summary == nil {
		entry.Summary = map[string]int{}
	}
	if entry.EntityTypes == nil {
		entry.EntityTypes = []string{}
	}
}

func (q Query) match(e Entry) bool {
	if q.Subject != "" && e.Subject != q.Subject {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// filterEntries applies q to entries and orders the result newest first.
func filterEntries(entries []Entry, q Query) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if q.match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
