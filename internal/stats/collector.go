// Package stats aggregates audit entries into usage figures.
package stats

import (
	"sort"
	"strings"
	"time"

	"secureflow/internal/audit"
)

type Stats struct {
	Subject  string       `json:"subject,omitempty"`
	Scans    ScanStats    `json:"scans"`
	Entities EntityStats  `json:"entities"`
	Latency  LatencyStats `json:"latency"`
	TopTypes []TypeStats  `json:"top_types"`
	Recent   []RecentScan `json:"recent,omitempty"`
}

type ScanStats struct {
	Total       int     `json:"total"`
	Text        int     `json:"text"`
	File        int     `json:"file"`
	PerMinute   float64 `json:"per_minute"`
	Last5Minute []int   `json:"last_5_minute"`
}

type EntityStats struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

type LatencyStats struct {
	AvgMs float64 `json:"avg_ms"`
	MaxMs int64   `json:"max_ms"`
}

type TypeStats struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type RecentScan struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Subject   string         `json:"subject"`
	EventType string         `json:"event_type"`
	FileName  string         `json:"file_name,omitempty"`
	Summary   map[string]int `json:"summary"`
	Entities  int            `json:"entity_count"`
	LatencyMs int64          `json:"latency_ms"`
}

type Options struct {
	Now     time.Time
	Subject string
	TopN    int
	RecentN int
}

// CollectFromEntries aggregates entries. When opts.Subject is set only that
// subject's entries count.
func CollectFromEntries(entries []audit.Entry, opts Options) Stats {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	topN := opts.TopN
	if topN <= 0 {
		topN = 5
	}
	recentN := opts.RecentN
	if recentN <= 0 {
		recentN = 20
	}

	out := Stats{
		Subject:  opts.Subject,
		Entities: EntityStats{ByType: map[string]int{}},
		Scans:    ScanStats{Last5Minute: make([]int, 5)},
		TopTypes: []TypeStats{},
	}

	var latencySum int64
	var latencyCount int
	recent := make([]RecentScan, 0, len(entries))

	for _, e := range entries {
		if opts.Subject != "" && e.Subject != opts.Subject {
			continue
		}
		out.Scans.Total++
		switch e.EventType {
		case audit.FileScan:
			out.Scans.File++
		default:
			out.Scans.Text++
		}

		for typ, n := range e.Summary {
			t := strings.ToUpper(strings.TrimSpace(typ))
			if t == "" || n <= 0 {
				continue
			}
			out.Entities.ByType[t] += n
			out.Entities.Total += n
		}

		if !e.Timestamp.IsZero() {
			delta := now.Sub(e.Timestamp)
			if delta >= 0 && delta < 5*time.Minute {
				idx := int(delta / time.Minute)
				out.Scans.Last5Minute[4-idx]++
			}
		}

		if e.LatencyMs > 0 {
			latencySum += e.LatencyMs
			latencyCount++
			if e.LatencyMs > out.Latency.MaxMs {
				out.Latency.MaxMs = e.LatencyMs
			}
		}

		recent = append(recent, RecentScan{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			Subject:   e.Subject,
			EventType: string(e.EventType),
			FileName:  e.FileName,
			Summary:   e.Summary,
			Entities:  e.EntityCount,
			LatencyMs: e.LatencyMs,
		})
	}

	sum5 := 0
	for _, n := range out.Scans.Last5Minute {
		sum5 += n
	}
	out.Scans.PerMinute = float64(sum5) / 5

	if latencyCount > 0 {
		out.Latency.AvgMs = float64(latencySum) / float64(latencyCount)
	}

	for t, c := range out.Entities.ByType {
		out.TopTypes = append(out.TopTypes, TypeStats{Type: t, Count: c})
	}
	sort.Slice(out.TopTypes, func(i, j int) bool {
		if out.TopTypes[i].Count == out.TopTypes[j].Count {
			return out.TopTypes[i].Type < out.TopTypes[j].Type
		}
		return out.TopTypes[i].Count > out.TopTypes[j].Count
	})
	if len(out.TopTypes) > topN {
		out.TopTypes = out.TopTypes[:topN]
	}

	sort.SliceStable(recent, func(i, j int) bool { return recent[i].Timestamp.After(recent[j].Timestamp) })
	if len(recent) > recentN {
		recent = recent[:recentN]
	}
	out.Recent = recent
	return out
}
