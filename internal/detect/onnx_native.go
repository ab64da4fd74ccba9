//go:build onnxruntime

package detect

import (
	"context"
	"fmt"
	"os"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

// nativeONNXSession owns preallocated tensors, so Run must not be called
// concurrently.
type nativeONNXSession struct {
	session       *ort.AdvancedSession
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	output        *ort.Tensor[float32]
	seqLen        int
	numLabels     int
}

func createONNXSession(modelPath string, seqLen, numLabels int) (nerSession, error) {
	if onnxBackend() == "python" {
		py, err := newPythonONNXSession(modelPath)
		if err != nil {
			return nil, err
		}
		return py, nil
	}
	if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); lib != "" {
		ort.SetSharedLibraryPath(lib)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read model io: %w", err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("model has no outputs")
	}
	outName := outputs[0].Name
	for _, o := range outputs {
		if strings.EqualFold(o.Name, "logits") {
			outName = o.Name
		}
	}

	shape := ort.NewShape(1, int64(seqLen))
	s := &nativeONNXSession{seqLen: seqLen, numLabels: numLabels}
	if s.inputIDs, err = ort.NewEmptyTensor[int64](shape); err != nil {
		return nil, fmt.Errorf("allocate input_ids: %w", err)
	}
	if s.attentionMask, err = ort.NewEmptyTensor[int64](shape); err != nil {
		s.Close()
		return nil, fmt.Errorf("allocate attention_mask: %w", err)
	}
	names := []string{"input_ids", "attention_mask"}
	values := []ort.Value{s.inputIDs, s.attentionMask}
	for _, in := range inputs {
		if in.Name == "token_type_ids" {
			if s.tokenTypeIDs, err = ort.NewEmptyTensor[int64](shape); err != nil {
				s.Close()
				return nil, fmt.Errorf("allocate token_type_ids: %w", err)
			}
			names = append(names, in.Name)
			values = append(values, s.tokenTypeIDs)
		}
	}
	if s.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(seqLen), int64(numLabels))); err != nil {
		s.Close()
		return nil, fmt.Errorf("allocate output: %w", err)
	}
	s.session, err = ort.NewAdvancedSession(modelPath, names, []string{outName}, values, []ort.Value{s.output}, nil)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return s, nil
}

func (s *nativeONNXSession) Concurrent() bool { return false }

func (s *nativeONNXSession) Run(ctx context.Context, inputIDs, attentionMask, tokenTypeIDs []int64) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(inputIDs)
	if n > s.seqLen {
		return nil, fmt.Errorf("sequence of %d tokens exceeds session length %d", n, s.seqLen)
	}
	fill(s.inputIDs.GetData(), inputIDs)
	fill(s.attentionMask.GetData(), attentionMask)
	if s.tokenTypeIDs != nil {
		fill(s.tokenTypeIDs.GetData(), tokenTypeIDs)
	}
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	raw := s.output.GetData()
	rows := make([][]float32, n)
	for i := 0; i < n; i++ {
		row := make([]float32, s.numLabels)
		copy(row, raw[i*s.numLabels:(i+1)*s.numLabels])
		rows[i] = row
	}
	return rows, nil
}

func (s *nativeONNXSession) Close() error {
	if s.session != nil {
		_ = s.session.Destroy()
	}
	for _, t := range []*ort.Tensor[int64]{s.inputIDs, s.attentionMask, s.tokenTypeIDs} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	if s.output != nil {
		_ = s.output.Destroy()
	}
	return nil
}

// fill copies src into dst and zero-pads the rest.
func fill(dst, src []int64) {
	n := copy(dst, src)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}
