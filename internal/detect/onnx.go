package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const sourceONNX = "onnx-ner"

// nerSession runs a token classifier and returns one logits row per input
// position.
type nerSession interface {
	Run(ctx context.Context, inputIDs, attentionMask, tokenTypeIDs []int64) ([][]float32, error)
	// Concurrent reports whether Run may be called from several goroutines.
	Concurrent() bool
	Close() error
}

// ONNXNERConfig configures the ONNX named-entity detector.
type ONNXNERConfig struct {
	// ModelDir holds model.onnx, labels.json and tokenizer.json.
	ModelDir string
	// MaxBytes skips texts longer than this; 0 means 32 KiB.
	MaxBytes int
	// MaxTokens bounds the encoded sequence; 0 means 256.
	MaxTokens int
	// MinScore drops spans whose mean word probability is lower.
	MinScore float64
}

// ONNXNERDetector labels words with a BERT-style token classifier and merges
// BIO tags into spans. Its label vocabulary is whatever the model ships.
type ONNXNERDetector struct {
	cfg       ONNXNERConfig
	labels    map[int]string
	tokenizer *WordPieceTokenizer
	session   nerSession
}

// LoadONNXNERDetector loads the model eagerly. Any failure is reported as
// ErrModelUnavailable so callers can register the detector as absent.
func LoadONNXNERDetector(cfg ONNXNERConfig) (*ONNXNERDetector, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 32 * 1024
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	if cfg.ModelDir == "" {
		return nil, fmt.Errorf("%w: no model directory configured", ErrModelUnavailable)
	}

	modelPath := filepath.Join(cfg.ModelDir, "model.onnx")
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: model missing: %v", ErrModelUnavailable, err)
	}
	labels, err := loadLabels(filepath.Join(cfg.ModelDir, "labels.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: load labels: %v", ErrModelUnavailable, err)
	}
	tok, err := NewWordPieceTokenizer(filepath.Join(cfg.ModelDir, "tokenizer.json"), cfg.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("%w: load tokenizer: %v", ErrModelUnavailable, err)
	}
	session, err := createONNXSession(modelPath, cfg.MaxTokens, len(labels))
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %v", ErrModelUnavailable, err)
	}
	return &ONNXNERDetector{cfg: cfg, labels: labels, tokenizer: tok, session: session}, nil
}

// loadLabels reads {"0":"O","1":"B-PER",...}.
func loadLabels(path string) (map[int]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var byID map[string]string
	if err := json.Unmarshal(raw, &byID); err != nil {
		return nil, err
	}
	if len(byID) == 0 {
		return nil, fmt.Errorf("no labels")
	}
	labels := make(map[int]string, len(byID))
	for k, v := range byID {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("label id %q: %w", k, err)
		}
		labels[idx] = v
	}
	return labels, nil
}

// Concurrent reports whether the backing session tolerates parallel calls.
func (d *ONNXNERDetector) Concurrent() bool { return d.session.Concurrent() }

// Close releases the inference session.
func (d *ONNXNERDetector) Close() error { return d.session.Close() }

func (d *ONNXNERDetector) Detect(ctx context.Context, text string) ([]Entity, error) {
	if text == "" || len(text) > d.cfg.MaxBytes {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	enc := d.tokenizer.Encode(text)
	if len(enc.Words) == 0 {
		return nil, nil
	}
	logits, err := d.session.Run(ctx, enc.InputIDs, enc.AttentionMask, enc.TokenTypeIDs)
	if err != nil {
		return nil, err
	}
	if len(logits) < len(enc.InputIDs) {
		return nil, fmt.Errorf("onnx output has %d rows for %d tokens", len(logits), len(enc.InputIDs))
	}

	labels, scores := d.wordLabels(enc, logits)
	var out []Entity
	for _, s := range mergeBIO(enc.Words, labels, scores) {
		if s.Score < d.cfg.MinScore {
			continue
		}
		out = append(out, newEntity(text, mapNERType(s.Type), s.Start, s.End, s.Score, sourceONNX))
	}
	return out, nil
}

// wordLabels takes the prediction of each word's first sub-word piece.
func (d *ONNXNERDetector) wordLabels(enc *TokenizerOutput, logits [][]float32) ([]string, []float64) {
	labels := make([]string, len(enc.Words))
	scores := make([]float64, len(enc.Words))
	for i := range labels {
		labels[i] = "O"
	}
	prev := -1
	for pos, wi := range enc.TokenToWordIdx {
		if wi < 0 || wi == prev {
			continue
		}
		prev = wi
		probs := softmax(logits[pos])
		best := 0
		for j, p := range probs {
			if p > probs[best] {
				best = j
			}
		}
		if label, ok := d.labels[best]; ok {
			labels[wi] = label
			scores[wi] = probs[best]
		}
	}
	return labels, scores
}

// onnxBackend returns the requested backend from SECUREFLOW_ONNX_BACKEND
// ("native", "python" or empty for the build default).
func onnxBackend() string {
	return strings.ToLower(strings.TrimSpace(os.Getenv("SECUREFLOW_ONNX_BACKEND")))
}
