package detect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadONNXNERDetector_Unavailable(t *testing.T) {
	validTokenizer := `{"model":{"vocab":{"[UNK]":1,"[CLS]":2,"[SEP]":3}}}`
	tests := []struct {
		name  string
		setup func(dir string)
		msg   string
	}{
		{"model missing", func(string) {}, "model missing"},
		{"labels invalid", func(dir string) {
			mustWrite(t, filepath.Join(dir, "model.onnx"), "x")
			mustWrite(t, filepath.Join(dir, "labels.json"), "{")
			mustWrite(t, filepath.Join(dir, "tokenizer.json"), validTokenizer)
		}, "load labels"},
		{"labels not numeric", func(dir string) {
			mustWrite(t, filepath.Join(dir, "model.onnx"), "x")
			mustWrite(t, filepath.Join(dir, "labels.json"), `{"zero":"O"}`)
			mustWrite(t, filepath.Join(dir, "tokenizer.json"), validTokenizer)
		}, "load labels"},
		{"tokenizer invalid", func(dir string) {
			mustWrite(t, filepath.Join(dir, "model.onnx"), "x")
			mustWrite(t, filepath.Join(dir, "labels.json"), `{"0":"O"}`)
			mustWrite(t, filepath.Join(dir, "tokenizer.json"), "{")
		}, "load tokenizer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			tt.setup(dir)
			d, err := LoadONNXNERDetector(ONNXNERConfig{ModelDir: dir})
			require.Error(t, err)
			assert.Nil(t, d)
			assert.True(t, errors.Is(err, ErrModelUnavailable))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	_, err := LoadONNXNERDetector(ONNXNERConfig{})
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

// fakeSession returns fixed logits favouring the label of each position.
type fakeSession struct {
	labels  []int
	classes int
	err     error
	calls   int
}

func (f *fakeSession) Run(_ context.Context, inputIDs, _, _ []int64) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	rows := make([][]float32, len(inputIDs))
	for i := range rows {
		rows[i] = make([]float32, f.classes)
		label := 0
		if i < len(f.labels) {
			label = f.labels[i]
		}
		rows[i][label] = 8
	}
	return rows, nil
}

func (f *fakeSession) Concurrent() bool { return false }
func (f *fakeSession) Close() error     { return nil }

func newFakeONNX(t *testing.T, session nerSession, minScore float64) *ONNXNERDetector {
	t.Helper()
	tok, err := NewWordPieceTokenizer(writeTokenizer(t, t.TempDir(), testVocab()), 64)
	require.NoError(t, err)
	return &ONNXNERDetector{
		cfg:       ONNXNERConfig{MaxBytes: 1024, MinScore: minScore},
		labels:    map[int]string{0: "O", 1: "B-PER", 2: "I-PER", 3: "B-ORG"},
		tokenizer: tok,
		session:   session,
	}
}

func TestONNXNERDetector_Detect(t *testing.T) {
	// [CLS] john smith works at acme [SEP]
	session := &fakeSession{labels: []int{0, 1, 2, 0, 0, 3, 0}, classes: 4}
	d := newFakeONNX(t, session, 0.5)
	text := "John Smith works at Acme"

	entities, err := d.Detect(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "PERSON", entities[0].Type)
	assert.Equal(t, "John Smith", entities[0].Text)
	assert.Equal(t, "onnx-ner", entities[0].Source)
	assert.Greater(t, entities[0].Score, 0.99)
	assert.Equal(t, "ORG", entities[1].Type)
	assert.Equal(t, "Acme", entities[1].Text)
	assert.False(t, d.Concurrent())
}

func TestONNXNERDetector_MinScoreFilters(t *testing.T) {
	session := &fakeSession{labels: []int{0, 1, 2, 0, 0, 3, 0}, classes: 4}
	d := newFakeONNX(t, session, 1.01)
	entities, err := d.Detect(context.Background(), "John Smith works at Acme")
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestONNXNERDetector_SkipsAndErrors(t *testing.T) {
	session := &fakeSession{classes: 4}
	d := newFakeONNX(t, session, 0)

	entities, err := d.Detect(context.Background(), strings.Repeat("a ", 600))
	require.NoError(t, err)
	assert.Empty(t, entities)

	entities, err = d.Detect(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, entities)
	assert.Equal(t, 0, session.calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Detect(ctx, "John")
	assert.ErrorIs(t, err, context.Canceled)

	session.err = errors.New("inference failed")
	_, err = d.Detect(context.Background(), "John")
	assert.EqualError(t, err, "inference failed")
}

func TestBuildRegistry_SerializesNonConcurrentModel(t *testing.T) {
	reg := NewRegistry()
	d := newFakeONNX(t, &fakeSession{classes: 4}, 0)
	var opts []HandleOption
	if !d.Concurrent() {
		opts = append(opts, Serialized())
	}
	reg.Register("onnx-ner", KindModel, d, opts...)
	require.Len(t, reg.Available(), 1)
	assert.True(t, reg.Available()[0].Serialize)
	assert.True(t, reg.HasModel())
	assert.NoError(t, reg.Close())
}
