// Package models manages the installable NER models used by the ONNX
// detector: an embedded catalogue, downloads and on-disk verification.
package models

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

//go:embed registry.json
var embeddedRegistry []byte

// RequiredFiles must all be present in an installed model directory.
var RequiredFiles = []string{"model.onnx", "labels.json", "tokenizer.json"}

type Registry struct {
	Version string      `json:"version"`
	Models  []ModelSpec `json:"models"`
}

type Accuracy struct {
	F1Score   float64 `json:"f1_score"`
	Benchmark string  `json:"benchmark"`
}

type Requirements struct {
	MinMemoryMB int    `json:"min_memory_mb"`
	ONNXVersion string `json:"onnx_version"`
}

type ModelSpec struct {
	Name         string       `json:"name"`
	DisplayName  string       `json:"display_name"`
	Version      string       `json:"version"`
	Language     string       `json:"language"`
	URL          string       `json:"url"`
	Checksum     string       `json:"checksum"`
	SizeBytes    int64        `json:"size_bytes"`
	EntityTypes  []string     `json:"entity_types"`
	Description  string       `json:"description"`
	Architecture string       `json:"architecture"`
	Accuracy     Accuracy     `json:"accuracy"`
	Requirements Requirements `json:"requirements"`
	License      string       `json:"license"`
	Recommended  bool         `json:"recommended"`
}

func LoadEmbeddedRegistry() (Registry, error) {
	return parseRegistry(embeddedRegistry)
}

func parseRegistry(data []byte) (Registry, error) {
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return Registry{}, fmt.Errorf("parse model registry: %w", err)
	}
	sort.Slice(reg.Models, func(i, j int) bool { return reg.Models[i].Name < reg.Models[j].Name })
	return reg, nil
}

func (r Registry) Find(name string) (ModelSpec, bool) {
	for _, m := range r.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// Recommended lists the models installed by "download --all".
func (r Registry) Recommended() []ModelSpec {
	var out []ModelSpec
	for _, m := range r.Models {
		if m.Recommended {
			out = append(out, m)
		}
	}
	return out
}

func ModelInstallPath(root string, name string) string {
	return filepath.Join(root, name)
}

// IsInstalled reports whether every required file is present.
func IsInstalled(root string, model ModelSpec) bool {
	return hasRequiredFiles(ModelInstallPath(root, model.Name))
}

// Remove deletes an installed model. It reports false when nothing was
// installed.
func Remove(root string, model ModelSpec) (bool, error) {
	loc := ModelInstallPath(root, model.Name)
	if _, err := os.Stat(loc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(loc); err != nil {
		return false, fmt.Errorf("remove model %s: %w", model.Name, err)
	}
	return true, nil
}
