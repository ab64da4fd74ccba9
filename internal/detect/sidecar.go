package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const sourceSidecar = "ner-sidecar"

// SidecarConfig points at an HTTP model service.
type SidecarConfig struct {
	// BaseURL of the service, e.g. "http://ml-service:8000".
	BaseURL string
	// Timeout bounds each analyze request when positive.
	Timeout time.Duration
	// RuneOffsets means the service reports code-point offsets rather than
	// byte offsets.
	RuneOffsets bool
}

// SidecarDetector queries a model service over HTTP. The service answers
// POST /analyze {"text": "..."} with {"entities":[{"type","start","end"}]}.
type SidecarDetector struct {
	cfg    SidecarConfig
	client *http.Client
}

type sidecarRequest struct {
	Text string `json:"text"`
}

type sidecarResponse struct {
	Entities []sidecarEntity `json:"entities"`
}

type sidecarEntity struct {
	Type  string   `json:"type"`
	Start int      `json:"start"`
	End   int      `json:"end"`
	Score *float64 `json:"score,omitempty"`
}

// sidecarHealthTimeout bounds the startup health check only.
const sidecarHealthTimeout = 10 * time.Second

// ConnectSidecar checks GET /health once and fails with ErrModelUnavailable
// when the service does not answer 200.
func ConnectSidecar(ctx context.Context, cfg SidecarConfig) (*SidecarDetector, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: no sidecar URL configured", ErrModelUnavailable)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	d := &SidecarDetector{cfg: cfg, client: &http.Client{Timeout: max(cfg.Timeout, 0)}}

	ctx, cancel := context.WithTimeout(ctx, sidecarHealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: sidecar unreachable: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: sidecar health returned %d", ErrModelUnavailable, resp.StatusCode)
	}
	return d, nil
}

func (d *SidecarDetector) Detect(ctx context.Context, text string) ([]Entity, error) {
	if text == "" {
		return nil, nil
	}
	body, err := json.Marshal(sidecarRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("sidecar: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sidecar: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sidecar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecar: unexpected status %d", resp.StatusCode)
	}

	var result sidecarResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("sidecar: decode: %w", err)
	}

	var byteOffset []int
	if d.cfg.RuneOffsets {
		byteOffset = runeToByteOffsets(text)
	}
	out := make([]Entity, 0, len(result.Entities))
	for _, e := range result.Entities {
		start, end := e.Start, e.End
		if byteOffset != nil {
			if start < 0 || end < 0 || start >= len(byteOffset) || end >= len(byteOffset) {
				return nil, fmt.Errorf("sidecar: %s span [%d,%d) outside text", e.Type, e.Start, e.End)
			}
			start, end = byteOffset[start], byteOffset[end]
		}
		score := 1.0
		if e.Score != nil {
			score = *e.Score
		}
		if start < 0 || end > len(text) || start >= end {
			return nil, fmt.Errorf("sidecar: %s span [%d,%d) outside text", e.Type, e.Start, e.End)
		}
		out = append(out, newEntity(text, mapNERType(e.Type), start, end, score, sourceSidecar))
	}
	return out, nil
}

// runeToByteOffsets maps every code-point index (including the end) to its
// byte offset.
func runeToByteOffsets(text string) []int {
	offsets := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	return append(offsets, len(text))
}
