package detect

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Token is a word of the input with its byte offsets.
type Token struct {
	Text       string
	Start, End int
}

// WordPieceTokenizer encodes text for BERT-style token classifiers.
type WordPieceTokenizer struct {
	vocab        map[string]int
	unkID        int
	clsID        int
	sepID        int
	maxWordLen   int
	maxSeqLen    int
	lowercase    bool
	stripAccents bool
}

// TokenizerOutput holds model inputs plus the mapping from sub-word
// positions back to words. Special tokens map to -1.
type TokenizerOutput struct {
	InputIDs       []int64
	AttentionMask  []int64
	TokenTypeIDs   []int64
	TokenToWordIdx []int
	Words          []Token
}

type tokenizerJSON struct {
	Model struct {
		Vocab map[string]int `json:"vocab"`
	} `json:"model"`
	Normalizer struct {
		Lowercase    *bool `json:"lowercase"`
		StripAccents *bool `json:"strip_accents"`
	} `json:"normalizer"`
}

// NewWordPieceTokenizer loads a Hugging Face tokenizer.json. maxSeqLen bounds
// the encoded length including [CLS] and [SEP].
func NewWordPieceTokenizer(tokenizerPath string, maxSeqLen int) (*WordPieceTokenizer, error) {
	raw, err := os.ReadFile(tokenizerPath)
	if err != nil {
		return nil, err
	}
	var cfg tokenizerJSON
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	vocab := cfg.Model.Vocab
	if len(vocab) == 0 {
		return nil, fmt.Errorf("tokenizer.json model.vocab is empty")
	}
	ids := make(map[string]int, 3)
	for _, special := range []string{"[UNK]", "[CLS]", "[SEP]"} {
		id, ok := vocab[special]
		if !ok {
			return nil, fmt.Errorf("tokenizer vocab is missing %s", special)
		}
		ids[special] = id
	}
	if maxSeqLen < 3 {
		maxSeqLen = 512
	}
	lowercase := true
	if cfg.Normalizer.Lowercase != nil {
		lowercase = *cfg.Normalizer.Lowercase
	}
	stripAccents := lowercase
	if cfg.Normalizer.StripAccents != nil {
		stripAccents = *cfg.Normalizer.StripAccents
	}
	return &WordPieceTokenizer{
		vocab:        vocab,
		unkID:        ids["[UNK]"],
		clsID:        ids["[CLS]"],
		sepID:        ids["[SEP]"],
		maxWordLen:   100,
		maxSeqLen:    maxSeqLen,
		lowercase:    lowercase,
		stripAccents: stripAccents,
	}, nil
}

// Encode splits text into words and words into vocabulary pieces. Words that
// do not fit in maxSeqLen are dropped from the tail.
func (t *WordPieceTokenizer) Encode(text string) *TokenizerOutput {
	words := splitWordsWithOffsets(text)
	out := &TokenizerOutput{
		InputIDs:       []int64{int64(t.clsID)},
		AttentionMask:  []int64{1},
		TokenTypeIDs:   []int64{0},
		TokenToWordIdx: []int{-1},
	}
	for wi, word := range words {
		pieces := t.wordToPieces(word.Text)
		if len(out.InputIDs)+len(pieces) > t.maxSeqLen-1 {
			break
		}
		for _, id := range pieces {
			out.InputIDs = append(out.InputIDs, int64(id))
			out.AttentionMask = append(out.AttentionMask, 1)
			out.TokenTypeIDs = append(out.TokenTypeIDs, 0)
			out.TokenToWordIdx = append(out.TokenToWordIdx, wi)
		}
		out.Words = append(out.Words, word)
	}
	out.InputIDs = append(out.InputIDs, int64(t.sepID))
	out.AttentionMask = append(out.AttentionMask, 1)
	out.TokenTypeIDs = append(out.TokenTypeIDs, 0)
	out.TokenToWordIdx = append(out.TokenToWordIdx, -1)
	return out
}

func (t *WordPieceTokenizer) normalize(word string) string {
	if t.lowercase {
		word = strings.ToLower(word)
	}
	if !t.stripAccents {
		return word
	}
	var b strings.Builder
	for _, r := range norm.NFD.String(word) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (t *WordPieceTokenizer) wordToPieces(word string) []int {
	runes := []rune(t.normalize(word))
	if len(runes) == 0 || len(runes) > t.maxWordLen {
		return []int{t.unkID}
	}
	if id, ok := t.vocab[string(runes)]; ok {
		return []int{id}
	}
	ids := make([]int, 0, 4)
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := -1
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				found = id
				break
			}
			end--
		}
		if found == -1 {
			return []int{t.unkID}
		}
		ids = append(ids, found)
		start = end
	}
	return ids
}

// splitWordsWithOffsets splits on anything that is not a letter or digit.
func splitWordsWithOffsets(text string) []Token {
	tokens := make([]Token, 0)
	start := -1
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			tokens = append(tokens, Token{Text: text[start:i], Start: start, End: i})
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, Token{Text: text[start:], Start: start, End: len(text)})
	}
	return tokens
}

func softmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxLogit := float64(logits[0])
	for _, l := range logits[1:] {
		maxLogit = math.Max(maxLogit, float64(l))
	}
	sum := 0.0
	for i, l := range logits {
		out[i] = math.Exp(float64(l) - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// mapNERType folds common CoNLL/OntoNotes labels onto stable names.
func mapNERType(t string) string {
	switch strings.ToUpper(t) {
	case "PER", "PERSON":
		return "PERSON"
	case "ORG", "ORGANIZATION":
		return "ORG"
	case "LOC", "GPE", "LOCATION":
		return "LOC"
	case "MISC":
		return "MISC"
	default:
		return strings.ToUpper(t)
	}
}

type bioSpan struct {
	Type       string
	Start, End int
	Score      float64
}

// mergeBIO joins consecutive B-/I- word labels of the same type into spans
// scored by their mean word score.
func mergeBIO(words []Token, labels []string, scores []float64) []bioSpan {
	out := make([]bioSpan, 0)
	var cur *bioSpan
	count := 0.0
	flush := func() {
		if cur != nil {
			cur.Score /= math.Max(1, count)
			out = append(out, *cur)
			cur = nil
			count = 0
		}
	}
	for i := range words {
		prefix, typ, ok := strings.Cut(labels[i], "-")
		if !ok || (prefix != "B" && prefix != "I") {
			flush()
			continue
		}
		if prefix == "B" || cur == nil || cur.Type != typ {
			flush()
			cur = &bioSpan{Type: typ, Start: words[i].Start, End: words[i].End, Score: scores[i]}
			count = 1
			continue
		}
		cur.End = words[i].End
		cur.Score += scores[i]
		count++
	}
	flush()
	return out
}
