package detect

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// BuildOptions selects the detectors of a registry.
type BuildOptions struct {
	// Recognizers are the pattern detector definitions in order. Nil means
	// the built-in set.
	Recognizers []RecognizerConfig
	// Secrets enables the credential detector.
	Secrets bool
	// Model enables the in-process ONNX detector when non-nil.
	Model *ONNXNERConfig
	// Sidecar enables the HTTP model service when non-nil.
	Sidecar *SidecarConfig
	// ModelTimeout bounds each model call when positive. Zero lets every
	// model call run to completion.
	ModelTimeout time.Duration
}

// BuildRegistry loads every configured detector. Model detectors that fail
// to load are registered as absent; recognizer errors are returned.
// Registration order is model detectors, recognizers, then secrets.
func BuildRegistry(ctx context.Context, opts BuildOptions) (*Registry, error) {
	reg := NewRegistry()

	if opts.Model != nil {
		d, err := LoadONNXNERDetector(*opts.Model)
		if err != nil {
			log.Warn().Err(err).Str("model_dir", opts.Model.ModelDir).Msg("onnx model unavailable, continuing without it")
			reg.RegisterAbsent("onnx-ner", KindModel, err)
		} else {
			hopts := modelHandleOptions(opts.ModelTimeout)
			if !d.Concurrent() {
				hopts = append(hopts, Serialized())
			}
			reg.Register("onnx-ner", KindModel, d, hopts...)
			log.Info().Str("model_dir", opts.Model.ModelDir).Bool("serialized", !d.Concurrent()).Msg("onnx model loaded")
		}
	}

	if opts.Sidecar != nil {
		d, err := ConnectSidecar(ctx, *opts.Sidecar)
		if err != nil {
			log.Warn().Err(err).Str("url", opts.Sidecar.BaseURL).Msg("model sidecar unavailable, continuing without it")
			reg.RegisterAbsent("ner-sidecar", KindModel, err)
		} else {
			reg.Register("ner-sidecar", KindModel, d, modelHandleOptions(opts.ModelTimeout)...)
			log.Info().Str("url", opts.Sidecar.BaseURL).Msg("model sidecar connected")
		}
	}

	recognizers := opts.Recognizers
	if recognizers == nil {
		var err error
		if recognizers, err = DefaultRecognizers(); err != nil {
			return nil, err
		}
	}
	patterns, err := CompileRecognizers(recognizers)
	if err != nil {
		return nil, err
	}
	for _, p := range patterns {
		reg.Register(p.Name(), KindPattern, p)
	}

	if opts.Secrets {
		reg.Register("secrets", KindSecret, NewSecretDetector())
	}
	return reg, nil
}

func modelHandleOptions(timeout time.Duration) []HandleOption {
	if timeout <= 0 {
		return nil
	}
	return []HandleOption{WithTimeout(timeout)}
}
