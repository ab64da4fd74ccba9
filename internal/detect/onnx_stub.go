//go:build !onnxruntime

package detect

import "fmt"

func createONNXSession(modelPath string, _, _ int) (nerSession, error) {
	if onnxBackend() == "native" {
		return nil, fmt.Errorf("native ONNX backend requires build tag 'onnxruntime'")
	}
	py, err := newPythonONNXSession(modelPath)
	if err != nil {
		return nil, err
	}
	return py, nil
}
