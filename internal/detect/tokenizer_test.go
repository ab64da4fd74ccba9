package detect

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTokenizer(t *testing.T, dir string, vocab map[string]int) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"model":      map[string]any{"vocab": vocab},
		"normalizer": map[string]any{"lowercase": true},
	})
	require.NoError(t, err)
	path := filepath.Join(dir, "tokenizer.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func testVocab() map[string]int {
	return map[string]int{
		"[PAD]": 0, "[UNK]": 1, "[CLS]": 2, "[SEP]": 3,
		"john": 4, "smith": 5, "works": 6, "at": 7, "acme": 8,
		"cafe": 9, "un": 10, "##known": 11,
	}
}

func TestSplitWordsWithOffsets(t *testing.T) {
	words := splitWordsWithOffsets("My name is John Smith.")
	require.Len(t, words, 5)
	assert.Equal(t, Token{Text: "John", Start: 11, End: 15}, words[3])

	words = splitWordsWithOffsets("Ünïcode café")
	require.Len(t, words, 2)
	assert.Equal(t, "café", words[1].Text)
	assert.Equal(t, len("Ünïcode "), words[1].Start)
}

func TestWordPieceTokenizer_Encode(t *testing.T) {
	tok, err := NewWordPieceTokenizer(writeTokenizer(t, t.TempDir(), testVocab()), 64)
	require.NoError(t, err)

	out := tok.Encode("John Smith works at unknown Café")
	assert.Equal(t, []int64{2, 4, 5, 6, 7, 10, 11, 9, 3}, out.InputIDs)
	assert.Equal(t, []int{-1, 0, 1, 2, 3, 4, 4, 5, -1}, out.TokenToWordIdx)
	assert.Len(t, out.AttentionMask, len(out.InputIDs))
	assert.Len(t, out.TokenTypeIDs, len(out.InputIDs))
	assert.Len(t, out.Words, 6)
}

func TestWordPieceTokenizer_UnknownAndTruncation(t *testing.T) {
	tok, err := NewWordPieceTokenizer(writeTokenizer(t, t.TempDir(), testVocab()), 4)
	require.NoError(t, err)

	out := tok.Encode("zzz john smith acme")
	// [CLS] zzz john [SEP]: the remaining words do not fit.
	assert.Equal(t, []int64{2, 1, 4, 3}, out.InputIDs)
	assert.Len(t, out.Words, 2)
}

func TestNewWordPieceTokenizer_MissingSpecial(t *testing.T) {
	_, err := NewWordPieceTokenizer(writeTokenizer(t, t.TempDir(), map[string]int{"[UNK]": 0, "[CLS]": 1}), 16)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[SEP]")
}

func TestMergeBIO(t *testing.T) {
	words := []Token{{Text: "John", Start: 0, End: 4}, {Text: "Smith", Start: 5, End: 10}, {Text: "at", Start: 11, End: 13}, {Text: "Acme", Start: 14, End: 18}}
	spans := mergeBIO(words, []string{"B-PER", "I-PER", "O", "B-ORG"}, []float64{0.9, 0.7, 0.99, 0.85})
	require.Len(t, spans, 2)
	assert.Equal(t, "PER", spans[0].Type)
	assert.Equal(t, 0, spans[0].Start)
	assert.Equal(t, 10, spans[0].End)
	assert.InDelta(t, 0.8, spans[0].Score, 1e-9)
	assert.Equal(t, bioSpan{Type: "ORG", Start: 14, End: 18, Score: 0.85}, spans[1])
}

func TestMergeBIO_TypeChangeStartsNewSpan(t *testing.T) {
	words := []Token{{Start: 0, End: 3}, {Start: 4, End: 7}}
	spans := mergeBIO(words, []string{"B-PER", "I-LOC"}, []float64{0.5, 0.5})
	require.Len(t, spans, 2)
	assert.Equal(t, "LOC", spans[1].Type)
}

func TestMapNERType(t *testing.T) {
	assert.Equal(t, "PERSON", mapNERType("per"))
	assert.Equal(t, "ORG", mapNERType("ORG"))
	assert.Equal(t, "LOC", mapNERType("GPE"))
	assert.Equal(t, "EMPLOYEE_ID", mapNERType("employee_id"))
}

func TestSoftmax(t *testing.T) {
	probs := softmax([]float32{0.2, 0.4, 0.8})
	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	probs = softmax([]float32{0, 0, 10, 0})
	assert.Greater(t, probs[2], 0.99)

	for _, p := range softmax([]float32{1000, 1001, 1002}) {
		assert.False(t, math.IsNaN(p) || math.IsInf(p, 0))
	}
	assert.Empty(t, softmax(nil))
}
