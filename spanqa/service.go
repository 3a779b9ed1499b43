package spanqa

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"

	"github.com/schollz/progressbar/v2"
	"golang.org/x/sync/errgroup"
)

// Service orchestrates featurization, model scoring and span resolution.
type Service struct {
	scorer     Scorer
	featurizer Featurizer
	cache      *logitCache

	cfgMu sync.RWMutex
	cfg   Config

	logger *log.Logger
}

// NewService constructs a service with the given scorer, featurizer and
// configuration.
func NewService(scorer Scorer, featurizer Featurizer, cfg Config, logger *log.Logger) (*Service, error) {
	if scorer == nil {
		return nil, errors.New("scorer is required")
	}
	if featurizer == nil {
		return nil, errors.New("featurizer is required")
	}
	cfg.ApplyDefaults()
	return &Service{
		scorer:     scorer,
		featurizer: featurizer,
		cache:      newLogitCache(cfg.Scorer.CacheDir, scorer.ModelID()),
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Close releases scorer resources.
func (s *Service) Close() error {
	if s.scorer != nil {
		return s.scorer.Close()
	}
	return nil
}

// Config returns a copy of the current configuration.
func (s *Service) Config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Clone()
}

// UpdateConfig replaces the configuration.
func (s *Service) UpdateConfig(cfg Config) {
	cfg.ApplyDefaults()
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

// Predict featurizes the examples, scores every window and resolves the
// answers.
func (s *Service) Predict(ctx context.Context, examples []Example, contexts []string) (*Result, error) {
	cfg := s.Config()
	features, err := s.featurizer.Featurize(examples, contexts)
	if err != nil {
		return nil, fmt.Errorf("featurize: %w", err)
	}
	s.logf("Post-processing %d example predictions split into %d features", len(examples), len(features))

	startLogits, endLogits, err := s.scoreFeatures(ctx, features)
	if err != nil {
		return nil, fmt.Errorf("score features: %w", err)
	}
	res, err := Resolve(examples, features, contexts, startLogits, endLogits, cfg.Resolver)
	if err != nil {
		return nil, fmt.Errorf("resolve spans: %w", err)
	}
	return res, nil
}

// scoreFeatures scores all windows, cached windows first, the rest through the
// model with a bounded worker pool. Results are merged by feature index so the
// output order never depends on scheduling.
func (s *Service) scoreFeatures(ctx context.Context, features []Feature) ([][]float32, [][]float32, error) {
	starts := make([][]float32, len(features))
	ends := make([][]float32, len(features))

	// Progress rendering follows the logger: a service built without one
	// stays silent.
	var bar *progressbar.ProgressBar
	if s.logger != nil {
		bar = progressbar.New(len(features))
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for fi := range features {
		fi := fi
		g.Go(func() error {
			entry, err := s.scoreOne(ctx, features[fi])
			if err != nil {
				return err
			}
			starts[fi] = entry.start
			ends[fi] = entry.end
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if bar != nil {
		fmt.Println()
	}
	return starts, ends, nil
}

func (s *Service) scoreOne(ctx context.Context, feature Feature) (logitEntry, error) {
	key := featureCacheKey(s.cache.modelID, feature.InputIDs)
	if v, ok := s.cache.get(key); ok {
		return v, nil
	}
	if v, ok, err := s.cache.load(key); err != nil {
		return logitEntry{}, err
	} else if ok {
		s.cache.put(key, v)
		return v, nil
	}
	start, end, err := s.scorer.Score(ctx, feature)
	if err != nil {
		return logitEntry{}, err
	}
	entry := logitEntry{start: start, end: end}
	s.cache.put(key, entry)
	if err := s.cache.save(key, entry); err != nil {
		s.logf("cache save error: %v", err)
	}
	return entry, nil
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
