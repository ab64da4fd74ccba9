package models

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrChecksumMismatch means the archive does not match the registry.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrInvalidArchive means the archive is unreadable or lacks a required
	// model file.
	ErrInvalidArchive = errors.New("invalid model archive")
)

// maxExtractedFile caps a single file unpacked from a model archive.
const maxExtractedFile = 4 << 30

type Progress struct {
	Downloaded int64
	Total      int64
	SpeedMBps  float64
	ETA        time.Duration
}

type ProgressCallback func(Progress)

// Downloader fetches model archives. Installs are serialized so two of them
// never race on the models root.
type Downloader struct {
	Client    *http.Client
	Retries   int
	RetryWait time.Duration

	mu sync.Mutex
}

func NewDownloader() *Downloader {
	return &Downloader{
		Client:    &http.Client{},
		Retries:   2,
		RetryWait: 500 * time.Millisecond,
	}
}

// DownloadAndInstall fetches model into a staging directory under
// modelsRoot, checks the archive digest against the registry, unpacks it and
// swaps it into modelsRoot/<name>. A previous install survives any failure.
func (d *Downloader) DownloadAndInstall(ctx context.Context, model ModelSpec, modelsRoot string, onProgress ProgressCallback) error {
	if strings.TrimSpace(model.Checksum) == "" {
		return fmt.Errorf("%w: registry has no checksum for %s", ErrChecksumMismatch, model.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(modelsRoot, 0o755); err != nil {
		return fmt.Errorf("create models root: %w", err)
	}
	staging, err := os.MkdirTemp(modelsRoot, "."+model.Name+"-staging-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	archive := filepath.Join(staging, "model.tar.gz")
	digest, err := d.fetch(ctx, model.URL, archive, onProgress)
	if err != nil {
		return err
	}
	if digest != model.Checksum {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, model.Checksum, digest)
	}

	files := filepath.Join(staging, "files")
	if err := ExtractTarGz(archive, files); err != nil {
		return err
	}
	if err := ValidateModelDir(files); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(files, ".checksum"), []byte(model.Checksum+"\n"), 0o644); err != nil {
		return err
	}
	if err := swapDir(files, ModelInstallPath(modelsRoot, model.Name)); err != nil {
		return fmt.Errorf("install %s: %w", model.Name, err)
	}
	log.Info().Str("model", model.Name).Str("version", model.Version).Msg("model installed")
	return nil
}

// swapDir replaces dst with src, restoring the old dst if the rename fails.
func swapDir(src, dst string) error {
	backup := dst + ".bak"
	_ = os.RemoveAll(backup)
	hadOld := false
	if _, err := os.Stat(dst); err == nil {
		if err := os.Rename(dst, backup); err != nil {
			return err
		}
		hadOld = true
	}
	if err := os.Rename(src, dst); err != nil {
		if hadOld {
			_ = os.Rename(backup, dst)
		}
		return err
	}
	return os.RemoveAll(backup)
}

// fetch downloads url to dest, retrying transient failures, and returns the
// "sha256:<hex>" digest of what was written.
func (d *Downloader) fetch(ctx context.Context, url, dest string, onProgress ProgressCallback) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= d.Retries; attempt++ {
		if attempt > 0 {
			log.Warn().Err(lastErr).Int("attempt", attempt).Str("url", url).Msg("model download failed, retrying")
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d.RetryWait):
			}
		}
		digest, err := d.fetchOnce(ctx, url, dest, onProgress)
		if err == nil {
			return digest, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}
	return "", fmt.Errorf("download failed after %d attempts: %w", d.Retries+1, lastErr)
}

func (d *Downloader) fetchOnce(ctx context.Context, url, dest string, onProgress ProgressCallback) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	body := &progressReader{r: resp.Body, total: resp.ContentLength, start: time.Now(), report: onProgress}
	if _, err := io.Copy(io.MultiWriter(out, h), body); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return digestString(h), nil
}

// progressReader reports transfer progress after every read.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	start  time.Time
	report ProgressCallback
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.report != nil {
		p.read += int64(n)
		p.report(p.snapshot())
	}
	return n, err
}

func (p *progressReader) snapshot() Progress {
	pr := Progress{Downloaded: p.read, Total: p.total}
	elapsed := time.Since(p.start).Seconds()
	if elapsed <= 0 {
		return pr
	}
	pr.SpeedMBps = float64(p.read) / elapsed / (1 << 20)
	if p.total > 0 && pr.SpeedMBps > 0 {
		remaining := float64(p.total-p.read) / (1 << 20)
		pr.ETA = time.Duration(remaining / pr.SpeedMBps * float64(time.Second))
	}
	return pr
}

func digestString(h hash.Hash) string {
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// VerifyChecksum compares the sha256 of file with expected ("sha256:<hex>").
func VerifyChecksum(file, expected string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if actual := digestString(h); actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
	}
	return nil
}

// ExtractTarGz unpacks regular files and directories into dest. Entries that
// would land outside dest are skipped.
func ExtractTarGz(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer gz.Close()

	root := filepath.Clean(dest)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		target, ok := safeJoin(root, hdr.Name)
		if !ok {
			log.Warn().Str("entry", hdr.Name).Msg("skipping archive entry outside destination")
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr); err != nil {
				return err
			}
		}
	}
}

func safeJoin(root, name string) (string, bool) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", false
	}
	target := filepath.Join(root, clean)
	if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", false
	}
	return target, true
}

func writeEntry(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(r, maxExtractedFile+1))
	if err == nil && n > maxExtractedFile {
		err = fmt.Errorf("%w: %s exceeds size limit", ErrInvalidArchive, filepath.Base(target))
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// ValidateModelDir looks for the required files in base or in a single
// directory level below it, and moves them up into base.
func ValidateModelDir(base string) error {
	candidates := []string{base}
	if entries, err := os.ReadDir(base); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				candidates = append(candidates, filepath.Join(base, e.Name()))
			}
		}
	}
	for _, dir := range candidates {
		if !hasRequiredFiles(dir) {
			continue
		}
		if dir == base {
			return nil
		}
		for _, name := range RequiredFiles {
			if err := os.Rename(filepath.Join(dir, name), filepath.Join(base, name)); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: need %s", ErrInvalidArchive, strings.Join(RequiredFiles, ", "))
}

func hasRequiredFiles(dir string) bool {
	for _, name := range RequiredFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}
