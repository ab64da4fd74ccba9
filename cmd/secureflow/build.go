package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"secureflow/internal/audit"
	"secureflow/internal/config"
	"secureflow/internal/detect"
	"secureflow/internal/policy"
	"secureflow/internal/redact"
	"secureflow/internal/scan"
)

// applyLogConfig lets the config file choose log settings the command line
// left at their defaults.
func applyLogConfig(cmd *cobra.Command, cfg config.Config) {
	flags := cmd.Flags()
	if f := flags.Lookup("log-level"); f != nil && !f.Changed && cfg.Log.Level != "" {
		viper.Set("log_level", cfg.Log.Level)
	}
	if f := flags.Lookup("log-format"); f != nil && !f.Changed && cfg.Log.Format != "" {
		viper.Set("log_format", cfg.Log.Format)
	}
	setupLogging()
}

// recognizersFor layers the user recognizer file over the built-in set and
// applies the enable/disable lists.
func recognizersFor(cfg config.DetectorsConfig) ([]detect.RecognizerConfig, error) {
	base, err := detect.DefaultRecognizers()
	if err != nil {
		return nil, err
	}
	layers := [][]detect.RecognizerConfig{base}
	if cfg.RecognizerFile != "" {
		rf, err := detect.LoadRecognizerFile(cfg.RecognizerFile)
		if err != nil {
			return nil, err
		}
		if rf != nil {
			layers = append(layers, rf.Recognizers)
		} else {
			log.Warn().Str("path", cfg.RecognizerFile).Msg("recognizer file not found, using built-in recognizers")
		}
	}
	return detect.ApplyEntityFilters(detect.MergeRecognizers(layers...), cfg.Enable, cfg.Disable), nil
}

func buildRegistry(ctx context.Context, cfg config.Config) (*detect.Registry, error) {
	recognizers, err := recognizersFor(cfg.Detectors)
	if err != nil {
		return nil, err
	}
	opts := detect.BuildOptions{
		Recognizers:  recognizers,
		Secrets:      cfg.Detectors.Secrets,
		ModelTimeout: time.Duration(cfg.Model.TimeoutMS) * time.Millisecond,
	}
	if cfg.Model.Enabled {
		opts.Model = &detect.ONNXNERConfig{
			ModelDir:  cfg.ModelDir(),
			MaxBytes:  cfg.Model.MaxBytes,
			MaxTokens: cfg.Model.MaxTokens,
			MinScore:  cfg.Model.MinScore,
		}
	}
	if cfg.Model.SidecarURL != "" {
		opts.Sidecar = &detect.SidecarConfig{
			BaseURL:     cfg.Model.SidecarURL,
			Timeout:     opts.ModelTimeout,
			RuneOffsets: cfg.Model.SidecarRuneOffsets,
		}
	}
	reg, err := detect.BuildRegistry(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("building detectors: %w", err)
	}
	return reg, nil
}

// openAudit returns a nil store when auditing is disabled.
func openAudit(cfg config.Config) (audit.Store, *audit.Sealer, error) {
	if !cfg.Audit.Enabled {
		return nil, nil, nil
	}
	key, err := cfg.SealKey()
	if err != nil {
		return nil, nil, err
	}
	store, err := audit.Open(cfg.Audit)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit log: %w", err)
	}
	sealer := audit.NewSealer(key)
	if sealer == nil {
		log.Warn().Msg("audit.seal_key not set, original text will not be stored")
	}
	return store, sealer, nil
}

// newScanner builds the scan service. store may be nil.
func newScanner(cfg config.Config, reg *detect.Registry, store audit.Store, sealer *audit.Sealer) (*scan.Service, error) {
	style, err := redact.ParseStyle(cfg.Redaction.Style)
	if err != nil {
		return nil, err
	}
	redactor := redact.New(style).WithMaxReplacements(cfg.Redaction.MaxReplacements)
	engine := policy.NewEngine(cfg.Redaction.Steps, cfg.Redaction.Always)

	opts := []scan.Option{scan.WithDefaultLevel(cfg.Redaction.MaskLevel)}
	if store != nil {
		opts = append(opts, scan.WithAudit(store, sealer))
	}
	return scan.NewService(detect.NewPipeline(reg), redactor, engine, opts...), nil
}
