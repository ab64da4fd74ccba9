package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type ChecksumStatus string

const (
	ChecksumOK       ChecksumStatus = "ok"
	ChecksumMismatch ChecksumStatus = "mismatch"
	ChecksumUnknown  ChecksumStatus = "unknown"
)

// Report is the outcome of verifying one installed model.
type Report struct {
	Name     string
	Dir      string
	Checksum ChecksumStatus
	Files    error
	Metadata error
}

func (r Report) OK() bool {
	return r.Checksum != ChecksumMismatch && r.Files == nil && r.Metadata == nil
}

// Verify checks the recorded archive checksum, the required files and that
// labels.json and tokenizer.json parse.
func Verify(root string, model ModelSpec) Report {
	dir := ModelInstallPath(root, model.Name)
	rep := Report{Name: model.Name, Dir: dir, Checksum: ChecksumUnknown}

	if data, err := os.ReadFile(filepath.Join(dir, ".checksum")); err == nil {
		if strings.TrimSpace(string(data)) == model.Checksum {
			rep.Checksum = ChecksumOK
		} else {
			rep.Checksum = ChecksumMismatch
		}
	}
	for _, f := range RequiredFiles {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			rep.Files = fmt.Errorf("missing %s", f)
			return rep
		}
	}
	rep.Metadata = ValidateMetadata(dir)
	return rep
}

// ValidateMetadata parses labels.json (index -> BIO label) and the
// tokenizer vocabulary.
func ValidateMetadata(modelDir string) error {
	labelsRaw, err := os.ReadFile(filepath.Join(modelDir, "labels.json"))
	if err != nil {
		return fmt.Errorf("read labels.json: %w", err)
	}
	var labels map[string]string
	if err := json.Unmarshal(labelsRaw, &labels); err != nil {
		return fmt.Errorf("parse labels.json: %w", err)
	}
	if len(labels) == 0 {
		return fmt.Errorf("labels.json is empty")
	}
	for k := range labels {
		if _, err := strconv.Atoi(k); err != nil {
			return fmt.Errorf("labels.json key %q is not an index", k)
		}
	}

	tokenizerRaw, err := os.ReadFile(filepath.Join(modelDir, "tokenizer.json"))
	if err != nil {
		return fmt.Errorf("read tokenizer.json: %w", err)
	}
	var tokenizer struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(tokenizerRaw, &tokenizer); err != nil {
		return fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if len(tokenizer.Model.Vocab) == 0 {
		return fmt.Errorf("tokenizer.json has no vocabulary")
	}
	return nil
}
