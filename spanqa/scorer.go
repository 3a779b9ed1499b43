package spanqa

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Scorer exposes the minimal model surface required by the service layer: one
// start and one end logit per token position of a feature.
type Scorer interface {
	Score(ctx context.Context, feature Feature) (start, end []float32, err error)
	Close() error
	ModelID() string
}

// Shared ONNX Runtime environment, reference counted across scorers.
var (
	ortMu   sync.Mutex
	ortRefs int
)

func acquireOrtEnv(dll string) error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortRefs == 0 {
		if dll != "" {
			ort.SetSharedLibraryPath(dll)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}
	ortRefs++
	return nil
}

func releaseOrtEnv() {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortRefs == 0 {
		return
	}
	ortRefs--
	if ortRefs == 0 {
		_ = ort.DestroyEnvironment()
	}
}

// OrtScorer runs an extractive QA model exported to ONNX. The model takes
// input_ids/attention_mask (and optionally token_type_ids) and produces
// start_logits/end_logits, one scalar per token position.
type OrtScorer struct {
	cfg     ScorerConfig
	session *ort.DynamicAdvancedSession
	mu      sync.Mutex
}

// NewOrtScorer initializes the runtime and opens a session for the model.
func NewOrtScorer(cfg ScorerConfig) (*OrtScorer, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("model path is required")
	}
	if cfg.ModelID == "" {
		cfg.ModelID = filepath.Base(cfg.ModelPath)
	}
	if err := acquireOrtEnv(cfg.OrtDLL); err != nil {
		return nil, err
	}
	inputNames := []string{"input_ids", "attention_mask"}
	if cfg.UseTokenTypeIDs {
		inputNames = append(inputNames, "token_type_ids")
	}
	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		inputNames,
		[]string{"start_logits", "end_logits"},
		nil,
	)
	if err != nil {
		releaseOrtEnv()
		return nil, fmt.Errorf("open onnx session: %w", err)
	}
	return &OrtScorer{cfg: cfg, session: session}, nil
}

// ModelID returns the identifier used for cache keys.
func (s *OrtScorer) ModelID() string {
	return s.cfg.ModelID
}

// Close releases the session and, with the last scorer, the runtime.
func (s *OrtScorer) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		err := s.session.Destroy()
		s.session = nil
		releaseOrtEnv()
		return err
	}
	return nil
}

// Score runs one feature through the model as a batch of one.
func (s *OrtScorer) Score(ctx context.Context, feature Feature) ([]float32, []float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return nil, nil, errors.New("scorer is not initialized")
	}
	seqLen := len(feature.InputIDs)
	if seqLen == 0 {
		return nil, nil, errors.New("feature has no tokens")
	}
	shape := ort.NewShape(1, int64(seqLen))

	inputs := make([]ort.Value, 0, 3)
	destroyInputs := func() {
		for _, in := range inputs {
			in.Destroy()
		}
	}
	for _, data := range [][]int64{feature.InputIDs, feature.AttentionMask} {
		tensor, err := ort.NewTensor(shape, data)
		if err != nil {
			destroyInputs()
			return nil, nil, fmt.Errorf("create input tensor: %w", err)
		}
		inputs = append(inputs, tensor)
	}
	if s.cfg.UseTokenTypeIDs {
		tensor, err := ort.NewTensor(shape, feature.TypeIDs)
		if err != nil {
			destroyInputs()
			return nil, nil, fmt.Errorf("create input tensor: %w", err)
		}
		inputs = append(inputs, tensor)
	}
	defer destroyInputs()

	outputs := []ort.Value{nil, nil}
	if err := session.Run(inputs, outputs); err != nil {
		return nil, nil, fmt.Errorf("run model: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	start, err := tensorVector(outputs[0], seqLen)
	if err != nil {
		return nil, nil, fmt.Errorf("start_logits: %w", err)
	}
	end, err := tensorVector(outputs[1], seqLen)
	if err != nil {
		return nil, nil, fmt.Errorf("end_logits: %w", err)
	}
	return start, end, nil
}

// tensorVector copies the first row of a (1, seqLen) float32 output tensor.
func tensorVector(v ort.Value, seqLen int) ([]float32, error) {
	tensor, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("output is not a float32 tensor")
	}
	data := tensor.GetData()
	if len(data) < seqLen {
		return nil, fmt.Errorf("output has %d values for %d tokens", len(data), seqLen)
	}
	out := make([]float32, seqLen)
	copy(out, data[:seqLen])
	return out, nil
}
