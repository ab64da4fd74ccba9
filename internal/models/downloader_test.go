package models

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var b bytes.Buffer
	gz := gzip.NewWriter(&b)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return b.Bytes()
}

func modelArchive(t *testing.T) []byte {
	return tarGz(t, map[string]string{
		"bert-base-ner/model.onnx":     "dummy-onnx",
		"bert-base-ner/labels.json":    `{"0":"O","1":"B-PER"}`,
		"bert-base-ner/tokenizer.json": `{"model":{"vocab":{"[UNK]":0,"[CLS]":1,"[SEP]":2}}}`,
	})
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func serveBytes(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadAndInstall(t *testing.T) {
	archive := modelArchive(t)
	srv := serveBytes(t, archive)

	root := t.TempDir()
	m := ModelSpec{Name: "bert-base-ner", Version: "1.0.0", URL: srv.URL, Checksum: checksum(archive)}
	var calls atomic.Int32
	var last Progress
	err := NewDownloader().DownloadAndInstall(context.Background(), m, root, func(p Progress) {
		calls.Add(1)
		last = p
	})
	require.NoError(t, err)
	assert.Positive(t, calls.Load())
	assert.Equal(t, int64(len(archive)), last.Downloaded)
	assert.Equal(t, int64(len(archive)), last.Total)

	assert.True(t, IsInstalled(root, m))
	rep := Verify(root, m)
	assert.True(t, rep.OK(), "%+v", rep)
	assert.Equal(t, ChecksumOK, rep.Checksum)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1, "staging directories are cleaned up")
	assert.Equal(t, "bert-base-ner", entries[0].Name())
}

func TestDownloadAndInstall_ChecksumMismatchKeepsOldInstall(t *testing.T) {
	archive := modelArchive(t)
	srv := serveBytes(t, archive)
	root := t.TempDir()
	m := ModelSpec{Name: "bert-base-ner", URL: srv.URL, Checksum: checksum(archive)}
	dl := NewDownloader()
	require.NoError(t, dl.DownloadAndInstall(context.Background(), m, root, nil))

	m.Checksum = "sha256:deadbeef"
	err := dl.DownloadAndInstall(context.Background(), m, root, nil)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.True(t, IsInstalled(root, m))

	m.Checksum = " "
	assert.ErrorIs(t, dl.DownloadAndInstall(context.Background(), m, root, nil), ErrChecksumMismatch)
}

func TestDownloadAndInstall_SlowNetwork(t *testing.T) {
	archive := modelArchive(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		for i := 0; i < len(archive); i += 128 {
			end := min(i+128, len(archive))
			_, _ = w.Write(archive[i:end])
			w.(http.Flusher).Flush()
			time.Sleep(2 * time.Millisecond)
		}
	}))
	defer srv.Close()

	var updates int
	err := NewDownloader().DownloadAndInstall(context.Background(), ModelSpec{Name: "bert-base-ner", URL: srv.URL, Checksum: checksum(archive)}, t.TempDir(), func(Progress) { updates++ })
	require.NoError(t, err)
	assert.Greater(t, updates, 1)
}

func TestDownloadAndInstall_Retries(t *testing.T) {
	archive := modelArchive(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	dl := NewDownloader()
	dl.RetryWait = time.Millisecond
	err := dl.DownloadAndInstall(context.Background(), ModelSpec{Name: "bert-base-ner", URL: srv.URL, Checksum: checksum(archive)}, t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())

	dl.Retries = 0
	hits.Store(0)
	err = dl.DownloadAndInstall(context.Background(), ModelSpec{Name: "bert-base-ner", URL: srv.URL, Checksum: checksum(archive)}, t.TempDir(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestDownloadAndInstall_RootIsFile(t *testing.T) {
	archive := modelArchive(t)
	srv := serveBytes(t, archive)

	root := filepath.Join(t.TempDir(), "models-file")
	require.NoError(t, os.WriteFile(root, []byte("x"), 0o644))
	err := NewDownloader().DownloadAndInstall(context.Background(), ModelSpec{Name: "bert-base-ner", URL: srv.URL, Checksum: checksum(archive)}, root, nil)
	assert.Error(t, err)
}

func TestDownloadAndInstall_Serialized(t *testing.T) {
	archive := modelArchive(t)
	var active, maxActive atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		cur := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if cur <= m || maxActive.CompareAndSwap(m, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	dl := NewDownloader()
	root := t.TempDir()
	errCh := make(chan error, 2)
	for _, name := range []string{"bert-base-ner", "distilbert-ner-multilingual"} {
		go func(name string) {
			errCh <- dl.DownloadAndInstall(context.Background(), ModelSpec{Name: name, URL: srv.URL, Checksum: checksum(archive)}, root, nil)
		}(name)
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errCh)
	}
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestExtractTarGz_SkipsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.tar.gz")
	require.NoError(t, os.WriteFile(archive, tarGz(t, map[string]string{
		"../escape.txt": "bad",
		"ok/file.txt":   "good",
	}), 0o644))

	dest := filepath.Join(dir, "out")
	require.NoError(t, ExtractTarGz(archive, dest))
	data, err := os.ReadFile(filepath.Join(dest, "ok", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "good", string(data))
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
}

func TestExtractTarGz_NotGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("plain"), 0o644))
	assert.ErrorIs(t, ExtractTarGz(path, t.TempDir()), ErrInvalidArchive)
}

func TestValidateModelDir_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("x"), 0o644))
	err := ValidateModelDir(dir)
	assert.ErrorIs(t, err, ErrInvalidArchive)
	assert.Contains(t, err.Error(), "tokenizer.json")
}

func TestVerifyChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	assert.NoError(t, VerifyChecksum(path, checksum([]byte("abc"))))
	assert.ErrorIs(t, VerifyChecksum(path, checksum([]byte("abd"))), ErrChecksumMismatch)
}

func TestIntegrationDownloadRealModel(t *testing.T) {
	if os.Getenv("SECUREFLOW_RUN_INTEGRATION") == "" {
		t.Skip("set SECUREFLOW_RUN_INTEGRATION=1 to download a real model")
	}
	reg, err := LoadEmbeddedRegistry()
	require.NoError(t, err)
	m, ok := reg.Find("bert-base-ner")
	require.True(t, ok, "bert-base-ner not in registry")
	if strings.Contains(m.Checksum, "REPLACE_WITH_RELEASE_CHECKSUM") {
		t.Skip("registry checksum is still a placeholder")
	}
	require.NoError(t, NewDownloader().DownloadAndInstall(context.Background(), m, t.TempDir(), nil))
}
