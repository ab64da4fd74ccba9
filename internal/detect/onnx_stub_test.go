//go:build !onnxruntime

package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateONNXSession_NativeRequestedWithoutTag(t *testing.T) {
	t.Setenv("SECUREFLOW_ONNX_BACKEND", "native")
	_, err := createONNXSession("/tmp/model.onnx", 128, 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build tag")
}

func TestCreateONNXSession_PythonMissing(t *testing.T) {
	t.Setenv("SECUREFLOW_ONNX_BACKEND", "")
	t.Setenv("PATH", t.TempDir())
	_, err := createONNXSession("/tmp/model.onnx", 128, 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "python backend")
}
