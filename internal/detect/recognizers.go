package detect

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed recognizers.yaml
var defaultRecognizersYAML []byte

// RecognizerFile is the top-level YAML structure for a recognizer file.
type RecognizerFile struct {
	Recognizers []RecognizerConfig `yaml:"recognizers"`
}

// RecognizerConfig declares the pattern detector for one entity type.
type RecognizerConfig struct {
	Name            string          `yaml:"name" json:"name"`
	SupportedEntity string          `yaml:"supported_entity" json:"supported_entity"`
	Enabled         *bool           `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Patterns        []PatternConfig `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Validator       string          `yaml:"validator,omitempty" json:"validator,omitempty"`
	InvalidScore    float64         `yaml:"invalid_score,omitempty" json:"invalid_score,omitempty"`
	Sensitivity     int             `yaml:"sensitivity,omitempty" json:"sensitivity,omitempty"`
}

// PatternConfig is a single regex within a recognizer.
type PatternConfig struct {
	Name  string  `yaml:"name" json:"name"`
	Regex string  `yaml:"regex" json:"regex"`
	Score float64 `yaml:"score" json:"score"`
	Group int     `yaml:"group,omitempty" json:"group,omitempty"`
}

// IsEnabled reports whether the recognizer is enabled (nil means enabled).
func (r *RecognizerConfig) IsEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// DefaultRecognizers returns the built-in recognizer definitions.
func DefaultRecognizers() ([]RecognizerConfig, error) {
	rf, err := ParseRecognizerFile(defaultRecognizersYAML)
	if err != nil {
		return nil, err
	}
	return rf.Recognizers, nil
}

// ParseRecognizerFile parses recognizer YAML bytes.
func ParseRecognizerFile(data []byte) (*RecognizerFile, error) {
	var rf RecognizerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	return &rf, nil
}

// LoadRecognizerFile reads a recognizer file from disk. A missing file is not
// an error and yields nil.
func LoadRecognizerFile(path string) (*RecognizerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recognizer file %s: %w", path, err)
	}
	return ParseRecognizerFile(data)
}

// MergeRecognizers overlays later layers on earlier ones by Name. Overrides
// keep the position of the recognizer they replace; new ones are appended.
func MergeRecognizers(layers ...[]RecognizerConfig) []RecognizerConfig {
	index := make(map[string]int)
	var merged []RecognizerConfig
	for _, layer := range layers {
		for _, rc := range layer {
			if idx, ok := index[rc.Name]; ok {
				merged[idx] = rc
				continue
			}
			index[rc.Name] = len(merged)
			merged = append(merged, rc)
		}
	}
	return merged
}

// ApplyEntityFilters forces recognizers on or off by supported entity. An
// entity listed in both is disabled.
func ApplyEntityFilters(recognizers []RecognizerConfig, enable, disable []string) []RecognizerConfig {
	on := toSet(enable)
	off := toSet(disable)
	out := make([]RecognizerConfig, len(recognizers))
	for i, rc := range recognizers {
		if on[rc.SupportedEntity] {
			rc.Enabled = boolPtr(true)
		}
		if off[rc.SupportedEntity] {
			rc.Enabled = boolPtr(false)
		}
		out[i] = rc
	}
	return out
}

// CompileRecognizers builds one PatternDetector per enabled recognizer, in
// recognizer order.
func CompileRecognizers(recognizers []RecognizerConfig) ([]*PatternDetector, error) {
	var out []*PatternDetector
	for _, rc := range recognizers {
		if !rc.IsEnabled() {
			continue
		}
		d, err := NewPatternDetector(rc)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

func boolPtr(b bool) *bool { return &b }

type compiledPattern struct {
	name  string
	re    *regexp.Regexp
	score float64
	group int
}

func compilePattern(rec string, p PatternConfig) (compiledPattern, error) {
	re, err := regexp.Compile(p.Regex)
	if err != nil {
		return compiledPattern{}, fmt.Errorf("compiling pattern %q in recognizer %q: %w", p.Name, rec, err)
	}
	if p.Group < 0 || p.Group > re.NumSubexp() {
		return compiledPattern{}, fmt.Errorf("pattern %q in recognizer %q: group %d out of range", p.Name, rec, p.Group)
	}
	return compiledPattern{name: p.Name, re: re, score: p.Score, group: p.Group}, nil
}
