package detect

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleText = "Contact john.doe@acme.com or 555-123-4567, SSN 123-45-6789"

func recognizersFor(t *testing.T, entities ...string) []*PatternDetector {
	t.Helper()
	defaults, err := DefaultRecognizers()
	require.NoError(t, err)
	want := toSet(entities)
	var picked []RecognizerConfig
	for _, rc := range defaults {
		if want[rc.SupportedEntity] {
			rc.Enabled = boolPtr(true)
			picked = append(picked, rc)
		}
	}
	require.Len(t, picked, len(entities))
	detectors, err := CompileRecognizers(picked)
	require.NoError(t, err)
	return detectors
}

func patternPipeline(t *testing.T, entities ...string) *Pipeline {
	t.Helper()
	reg := NewRegistry()
	for _, d := range recognizersFor(t, entities...) {
		reg.Register(d.Name(), KindPattern, d)
	}
	return NewPipeline(reg)
}

func TestPipeline_ContactExample(t *testing.T) {
	p := patternPipeline(t, "EMAIL", "PHONE", "SSN")
	res, err := p.Run(context.Background(), exampleText)
	require.NoError(t, err)

	require.Len(t, res.Entities, 3)
	assert.Equal(t, Entity{Type: "EMAIL", Start: 8, End: 25, Text: "john.doe@acme.com", Score: 0.95, Source: "pattern"}, res.Entities[0])
	assert.Equal(t, "PHONE", res.Entities[1].Type)
	assert.Equal(t, "555-123-4567", res.Entities[1].Text)
	assert.Equal(t, 29, res.Entities[1].Start)
	assert.Equal(t, "SSN", res.Entities[2].Type)
	assert.Equal(t, "123-45-6789", res.Entities[2].Text)
	assert.Equal(t, 47, res.Entities[2].Start)
	assert.Equal(t, 58, res.Entities[2].End)
	assert.Equal(t, map[string]int{"EMAIL": 1, "PHONE": 1, "SSN": 1}, res.Summary)
}

func TestPipeline_ContactExampleWithDefaultRegistry(t *testing.T) {
	reg, err := BuildRegistry(context.Background(), BuildOptions{})
	require.NoError(t, err)
	res, err := NewPipeline(reg).Run(context.Background(), exampleText)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"EMAIL": 1, "PHONE": 1, "SSN": 1}, res.Summary)
}

func TestPipeline_AccountExample(t *testing.T) {
	p := patternPipeline(t, "EMAIL", "ACCOUNT")
	res, err := p.Run(context.Background(), "ACCT:1234567890")
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "ACCOUNT", res.Entities[0].Type)
	assert.Equal(t, 0, res.Entities[0].Start)
	assert.Equal(t, 15, res.Entities[0].End)
	assert.Equal(t, map[string]int{"ACCOUNT": 1}, res.Summary)

	// The phone pattern also matches the digits but starts later.
	all := patternPipeline(t, "EMAIL", "PHONE", "ACCOUNT")
	res, err = all.Run(context.Background(), "ACCT:1234567890")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ACCOUNT": 1}, res.Summary)
}

func TestPipeline_EmptyInput(t *testing.T) {
	reg, err := BuildRegistry(context.Background(), BuildOptions{Secrets: true})
	require.NoError(t, err)
	res, err := NewPipeline(reg).Run(context.Background(), "")
	require.NoError(t, err)
	assert.NotNil(t, res.Entities)
	assert.Empty(t, res.Entities)
	assert.Empty(t, res.Summary)
}

func TestPipeline_NoDetectors(t *testing.T) {
	res, err := NewPipeline(NewRegistry()).Run(context.Background(), exampleText)
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
}

func TestPipeline_FailingDetectorContributesNothing(t *testing.T) {
	base := patternPipeline(t, "EMAIL", "PHONE", "SSN")
	want, err := base.Run(context.Background(), exampleText)
	require.NoError(t, err)

	for name, d := range map[string]Detector{
		"error": DetectorFunc(func(context.Context, string) ([]Entity, error) {
			return []Entity{{Type: "IGNORED", Start: 0, End: 7, Text: "Contact"}}, errors.New("boom")
		}),
		"panic": DetectorFunc(func(context.Context, string) ([]Entity, error) {
			panic("model crashed")
		}),
	} {
		t.Run(name, func(t *testing.T) {
			reg := NewRegistry()
			reg.Register("broken", KindModel, d)
			for _, pd := range recognizersFor(t, "EMAIL", "PHONE", "SSN") {
				reg.Register(pd.Name(), KindPattern, pd)
			}
			got, err := NewPipeline(reg).Run(context.Background(), exampleText)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestPipeline_ContractViolationFailsRequest(t *testing.T) {
	reg := NewRegistry()
	reg.Register("liar", KindModel, DetectorFunc(func(_ context.Context, text string) ([]Entity, error) {
		return []Entity{{Type: "PERSON", Start: 0, End: len(text) + 5, Text: text}}, nil
	}))
	_, err := NewPipeline(reg).Run(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContractViolation)
}

func TestPipeline_ModelSpanOverlapsPattern(t *testing.T) {
	// Mirrors {EMAIL 0-10} vs {MODEL_PII 5-20}: the earlier start wins.
	text := "abc@de.com is someone"
	reg := NewRegistry()
	reg.Register("model", KindModel, DetectorFunc(func(_ context.Context, text string) ([]Entity, error) {
		return []Entity{newEntity(text, "MODEL_PII", 5, 20, 0.9, "test")}, nil
	}))
	for _, d := range recognizersFor(t, "EMAIL") {
		reg.Register(d.Name(), KindPattern, d)
	}
	res, err := NewPipeline(reg).Run(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "EMAIL", res.Entities[0].Type)
	assert.Equal(t, "abc@de.com", res.Entities[0].Text)
}

func TestPipeline_ExactTieFollowsRegistrationOrder(t *testing.T) {
	text := "mail john.doe@acme.com"
	model := DetectorFunc(func(_ context.Context, text string) ([]Entity, error) {
		i := strings.Index(text, "john")
		return []Entity{newEntity(text, "PERSON", i, len(text), 0.8, "test")}, nil
	})
	reg := NewRegistry()
	reg.Register("model", KindModel, model)
	for _, d := range recognizersFor(t, "EMAIL") {
		reg.Register(d.Name(), KindPattern, d)
	}
	res, err := NewPipeline(reg).Run(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "PERSON", res.Entities[0].Type)
}

func TestPipeline_ResultIndependentOfCompletionOrder(t *testing.T) {
	text := "Jane Roe wrote to jane@roe.io from 10.1.2.3 on 01/02/2024"
	delayed := func(typ string, delay time.Duration, find string) Detector {
		return DetectorFunc(func(_ context.Context, text string) ([]Entity, error) {
			time.Sleep(delay)
			i := strings.Index(text, find)
			return []Entity{newEntity(text, typ, i, i+len(find), 0.5, "test")}, nil
		})
	}
	build := func(d1, d2 time.Duration) *Pipeline {
		reg := NewRegistry()
		reg.Register("person", KindModel, delayed("PERSON", d1, "Jane Roe"))
		reg.Register("org", KindModel, delayed("ORG", d2, "Roe wrote"))
		for _, d := range recognizersFor(t, "EMAIL", "IP_ADDRESS", "DATE") {
			reg.Register(d.Name(), KindPattern, d)
		}
		return NewPipeline(reg)
	}

	want, err := build(0, 5*time.Millisecond).Run(context.Background(), text)
	require.NoError(t, err)
	got, err := build(5*time.Millisecond, 0).Run(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, map[string]int{"PERSON": 1, "EMAIL": 1, "IP_ADDRESS": 1, "DATE": 1}, want.Summary)

	for i := 0; i < 10; i++ {
		again, err := build(0, 0).Run(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, want, again)
	}
}

func TestPipeline_AbsentModelDegradesToPatterns(t *testing.T) {
	patternsOnly := patternPipeline(t, "EMAIL", "PHONE", "SSN")
	want, err := patternsOnly.Run(context.Background(), exampleText)
	require.NoError(t, err)

	reg := NewRegistry()
	reg.RegisterAbsent("onnx-ner", KindModel, ErrModelUnavailable)
	for _, d := range recognizersFor(t, "EMAIL", "PHONE", "SSN") {
		reg.Register(d.Name(), KindPattern, d)
	}
	assert.False(t, reg.HasModel())
	got, err := NewPipeline(reg).Run(context.Background(), exampleText)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	status := reg.Status()
	require.Len(t, status, 4)
	assert.Equal(t, HandleStatus{Name: "onnx-ner", Kind: KindModel, Available: false, Reason: ErrModelUnavailable.Error()}, status[0])
}

func TestPipeline_SerializedHandleRunsOneAtATime(t *testing.T) {
	var inflight, peak int32
	model := DetectorFunc(func(context.Context, string) ([]Entity, error) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return nil, nil
	})
	reg := NewRegistry()
	reg.Register("model", KindModel, model, Serialized())
	p := NewPipeline(reg)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Run(context.Background(), "some text")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestPipeline_HandleTimeout(t *testing.T) {
	slow := DetectorFunc(func(ctx context.Context, _ string) ([]Entity, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reg := NewRegistry()
	reg.Register("slow", KindModel, slow, WithTimeout(10*time.Millisecond))
	for _, d := range recognizersFor(t, "SSN") {
		reg.Register(d.Name(), KindPattern, d)
	}
	res, err := NewPipeline(reg).Run(context.Background(), "SSN 123-45-6789")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"SSN": 1}, res.Summary)
}

func TestPipeline_DefaultModelHandleWaitsForSlowModel(t *testing.T) {
	text := "Jane SSN 123-45-6789"
	reg := NewRegistry()
	var delay atomic.Int64
	model := DetectorFunc(func(ctx context.Context, text string) ([]Entity, error) {
		select {
		case <-time.After(time.Duration(delay.Load())):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []Entity{newEntity(text, "PERSON", 0, 4, 0.9, "model")}, nil
	})
	reg.Register("model", KindModel, model, modelHandleOptions(0)...)
	for _, d := range recognizersFor(t, "SSN") {
		reg.Register(d.Name(), KindPattern, d)
	}
	p := NewPipeline(reg)

	want := map[string]int{"PERSON": 1, "SSN": 1}
	for _, d := range []time.Duration{5 * time.Millisecond, 40 * time.Millisecond} {
		delay.Store(int64(d))
		res, err := p.Run(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, want, res.Summary, "model delay %s", d)
	}
}
