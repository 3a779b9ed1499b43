package spanqa

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeaturizer struct {
	features []Feature
	err      error
}

func (f *fakeFeaturizer) Featurize(examples []Example, contexts []string) ([]Feature, error) {
	return f.features, f.err
}

type fakeScorer struct {
	mu     sync.Mutex
	logits map[string]logitEntry
	calls  int32
	err    error
}

func (s *fakeScorer) Score(ctx context.Context, f Feature) ([]float32, []float32, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return nil, nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.logits[f.ExampleID]
	return entry.start, entry.end, nil
}

func (s *fakeScorer) Close() error { return nil }

func (s *fakeScorer) ModelID() string { return "fake-model" }

func serviceFixture(t *testing.T) (*Service, *fakeScorer) {
	t.Helper()
	features := []Feature{{
		ExampleID: "q1",
		Offsets:   []*CharSpan{nil, {Start: 0, End: 5}, {Start: 6, End: 11}, nil},
		InputIDs:  []int64{101, 7592, 2088, 102},
	}}
	scorer := &fakeScorer{logits: map[string]logitEntry{
		"q1": {start: []float32{0, 5, 1, 0}, end: []float32{0, 1, 6, 0}},
	}}
	svc, err := NewService(scorer, &fakeFeaturizer{features: features}, Config{}, nil)
	require.NoError(t, err)
	return svc, scorer
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(nil, &fakeFeaturizer{}, Config{}, nil)
	require.Error(t, err)
	_, err = NewService(&fakeScorer{}, nil, Config{}, nil)
	require.Error(t, err)
}

func TestServicePredict(t *testing.T) {
	svc, _ := serviceFixture(t)
	examples := []Example{{ID: "q1", Question: "what?", Relevant: 0}}

	res, err := svc.Predict(context.Background(), examples, []string{"hello world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Answers["q1"])
	require.NotEmpty(t, res.NBest["q1"])
	assert.Equal(t, "hello world", res.NBest["q1"][0].Text)
}

func TestServicePredictUsesMemoryCache(t *testing.T) {
	svc, scorer := serviceFixture(t)
	examples := []Example{{ID: "q1", Question: "what?", Relevant: 0}}
	contexts := []string{"hello world"}

	_, err := svc.Predict(context.Background(), examples, contexts)
	require.NoError(t, err)
	_, err = svc.Predict(context.Background(), examples, contexts)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&scorer.calls))
}

func TestServicePredictDiskCacheAcrossServices(t *testing.T) {
	dir := t.TempDir()
	features := []Feature{{
		ExampleID: "q1",
		Offsets:   []*CharSpan{nil, {Start: 0, End: 5}, {Start: 6, End: 11}, nil},
		InputIDs:  []int64{101, 7592, 2088, 102},
	}}
	cfg := Config{Scorer: ScorerConfig{CacheDir: dir}}
	examples := []Example{{ID: "q1", Question: "what?", Relevant: 0}}
	contexts := []string{"hello world"}

	first := &fakeScorer{logits: map[string]logitEntry{
		"q1": {start: []float32{0, 5, 1, 0}, end: []float32{0, 1, 6, 0}},
	}}
	svc, err := NewService(first, &fakeFeaturizer{features: features}, cfg, nil)
	require.NoError(t, err)
	_, err = svc.Predict(context.Background(), examples, contexts)
	require.NoError(t, err)

	// A fresh service over the same cache dir should never call its scorer.
	second := &fakeScorer{logits: map[string]logitEntry{}}
	svc2, err := NewService(second, &fakeFeaturizer{features: features}, cfg, nil)
	require.NoError(t, err)
	res, err := svc2.Predict(context.Background(), examples, contexts)
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Answers["q1"])
	assert.Equal(t, int32(0), atomic.LoadInt32(&second.calls))
}

func TestServicePredictQuietWithoutLogger(t *testing.T) {
	svc, _ := serviceFixture(t)
	examples := []Example{{ID: "q1", Question: "what?", Relevant: 0}}

	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	_, predictErr := svc.Predict(context.Background(), examples, []string{"hello world"})
	w.Close()
	os.Stdout = old

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, predictErr)
	assert.Empty(t, string(out))
}

func TestServicePredictScorerError(t *testing.T) {
	scorer := &fakeScorer{err: errors.New("session closed")}
	features := []Feature{{ExampleID: "q1", InputIDs: []int64{101, 102}, Offsets: []*CharSpan{nil, nil}}}
	svc, err := NewService(scorer, &fakeFeaturizer{features: features}, Config{}, nil)
	require.NoError(t, err)

	_, err = svc.Predict(context.Background(), []Example{{ID: "q1"}}, []string{"ctx"})
	require.Error(t, err)
}

func TestServicePredictFeaturizerError(t *testing.T) {
	svc, err := NewService(&fakeScorer{}, &fakeFeaturizer{err: errors.New("bad tokenizer")}, Config{}, nil)
	require.NoError(t, err)

	_, err = svc.Predict(context.Background(), []Example{{ID: "q1"}}, []string{"ctx"})
	require.Error(t, err)
}

func TestServiceUpdateConfig(t *testing.T) {
	svc, _ := serviceFixture(t)
	cfg := svc.Config()
	assert.Equal(t, 20, cfg.Resolver.NBestSize)

	cfg.Resolver.NBestSize = 5
	svc.UpdateConfig(cfg)
	assert.Equal(t, 5, svc.Config().Resolver.NBestSize)
}
