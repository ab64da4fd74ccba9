package detect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sidecarServer(t *testing.T, entities []map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/analyze", func(w http.ResponseWriter, r *http.Request) {
		var req sidecarRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"entities": entities})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSidecarDetector_Detect(t *testing.T) {
	srv := sidecarServer(t, []map[string]any{
		{"type": "PER", "start": 0, "end": 8, "score": 0.91},
		{"type": "ORG", "start": 18, "end": 22},
	})
	d, err := ConnectSidecar(context.Background(), SidecarConfig{BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	text := "Jane Doe works at Acme"
	entities, err := d.Detect(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, Entity{Type: "PERSON", Start: 0, End: 8, Text: "Jane Doe", Score: 0.91, Source: "ner-sidecar"}, entities[0])
	assert.Equal(t, "Acme", entities[1].Text)
	assert.Equal(t, 1.0, entities[1].Score)
}

func TestSidecarDetector_RuneOffsets(t *testing.T) {
	// "José" is four code points and five bytes.
	srv := sidecarServer(t, []map[string]any{{"type": "PER", "start": 6, "end": 10}})
	d, err := ConnectSidecar(context.Background(), SidecarConfig{BaseURL: srv.URL, RuneOffsets: true})
	require.NoError(t, err)

	text := "Señor José"
	entities, err := d.Detect(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "José", entities[0].Text)
	assert.Equal(t, 7, entities[0].Start)
	assert.Equal(t, len(text), entities[0].End)
}

func TestSidecarDetector_BadSpanIsDetectorError(t *testing.T) {
	srv := sidecarServer(t, []map[string]any{{"type": "PER", "start": 3, "end": 99}})
	d, err := ConnectSidecar(context.Background(), SidecarConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = d.Detect(context.Background(), "short")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside text")
}

func TestConnectSidecar_Unavailable(t *testing.T) {
	_, err := ConnectSidecar(context.Background(), SidecarConfig{})
	assert.ErrorIs(t, err, ErrModelUnavailable)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err = ConnectSidecar(context.Background(), SidecarConfig{BaseURL: srv.URL})
	assert.ErrorIs(t, err, ErrModelUnavailable)

	url := srv.URL
	srv.Close()
	_, err = ConnectSidecar(context.Background(), SidecarConfig{BaseURL: url})
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestBuildRegistry_UnavailableModelsAreAbsent(t *testing.T) {
	reg, err := BuildRegistry(context.Background(), BuildOptions{
		Model:   &ONNXNERConfig{ModelDir: t.TempDir()},
		Sidecar: &SidecarConfig{BaseURL: "http://127.0.0.1:1"},
		Secrets: true,
	})
	require.NoError(t, err)
	assert.False(t, reg.HasModel())

	status := reg.Status()
	require.GreaterOrEqual(t, len(status), 10)
	assert.Equal(t, "onnx-ner", status[0].Name)
	assert.False(t, status[0].Available)
	assert.Equal(t, "ner-sidecar", status[1].Name)
	assert.False(t, status[1].Available)
	assert.Equal(t, "email", status[2].Name)
	assert.Equal(t, "secrets", status[len(status)-1].Name)

	res, err := NewPipeline(reg).Run(context.Background(), exampleText)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"EMAIL": 1, "PHONE": 1, "SSN": 1}, res.Summary)
}

func TestBuildRegistry_BadRecognizer(t *testing.T) {
	_, err := BuildRegistry(context.Background(), BuildOptions{
		Recognizers: []RecognizerConfig{{Name: "x", SupportedEntity: "X", Patterns: []PatternConfig{{Name: "p", Regex: "["}}}},
	})
	require.Error(t, err)
}

func TestBuildRegistry_ModelTimeoutIsOptIn(t *testing.T) {
	srv := sidecarServer(t, nil)
	handle := func(timeout time.Duration) *Handle {
		reg, err := BuildRegistry(context.Background(), BuildOptions{
			Sidecar:      &SidecarConfig{BaseURL: srv.URL},
			ModelTimeout: timeout,
		})
		require.NoError(t, err)
		require.True(t, reg.HasModel())
		return reg.Available()[0]
	}

	h := handle(0)
	assert.Equal(t, "ner-sidecar", h.Name)
	assert.Zero(t, h.Timeout)
	assert.Equal(t, 300*time.Millisecond, handle(300*time.Millisecond).Timeout)
}

func TestPipeline_SidecarBadSpanDegradesToPatterns(t *testing.T) {
	srv := sidecarServer(t, []map[string]any{{"type": "PER", "start": 0, "end": 500}})
	reg, err := BuildRegistry(context.Background(), BuildOptions{
		Sidecar:     &SidecarConfig{BaseURL: srv.URL},
		Recognizers: []RecognizerConfig{},
	})
	require.NoError(t, err)
	for _, d := range recognizersFor(t, "SSN") {
		reg.Register(d.Name(), KindPattern, d)
	}

	res, err := NewPipeline(reg).Run(context.Background(), "SSN 123-45-6789")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"SSN": 1}, res.Summary)
}
