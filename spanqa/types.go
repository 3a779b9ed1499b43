package spanqa

import "encoding/json"

// CharSpan is a half-open [Start,End) range of code points within a context string.
type CharSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Answer is the gold answer attached to an example, when the dataset carries one.
type Answer struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
}

// Example is one question tied to a context by its index into the context list.
type Example struct {
	ID       string  `json:"id"`
	Question string  `json:"question"`
	Relevant int     `json:"relevant"`
	Answer   *Answer `json:"answer,omitempty"`
}

// Feature is one tokenized window of an example. Long contexts yield several
// overlapping features via stride-based chunking.
type Feature struct {
	ExampleID string
	// Offsets has one entry per token position; nil entries mark tokens that are
	// not part of the context (question, special tokens, padding).
	Offsets []*CharSpan
	// TokenIsMaxContext marks token positions for which this feature provides the
	// most surrounding context among the example's features. Optional; a nil map
	// disables the filter.
	TokenIsMaxContext map[int]bool

	InputIDs      []int64
	AttentionMask []int64
	TypeIDs       []int64
}

// Prediction is one ranked answer candidate of an example.
type Prediction struct {
	Text        string  `json:"text"`
	StartLogit  float32 `json:"start_logit"`
	EndLogit    float32 `json:"end_logit"`
	Probability float64 `json:"probability"`
	// Placeholder is set on the synthetic candidate inserted when filtering left
	// no usable span, so callers can tell it apart from a genuine null answer.
	Placeholder bool `json:"placeholder,omitempty"`
}

// Result aggregates the per-example outputs of Resolve.
type Result struct {
	// Answers maps example id to the chosen answer text ("" for a null answer).
	Answers map[string]string
	// NBest maps example id to its ranked candidate list.
	NBest map[string][]Prediction
	// ScoreDiffs maps example id to null_score - best_non_null score. Nil unless
	// null answers are enabled.
	ScoreDiffs map[string]float64
}

// ResolverConfig controls candidate search and null-answer selection.
type ResolverConfig struct {
	AllowNullAnswer        bool    `json:"allowNullAnswer"`
	NBestSize              int     `json:"nBestSize"`
	MaxAnswerLength        int     `json:"maxAnswerLength"`
	NullScoreDiffThreshold float64 `json:"nullScoreDiffThreshold"`
}

// WindowerConfig controls stride-based chunking of long contexts.
type WindowerConfig struct {
	TokenizerPath string `json:"tokenizerPath"`
	MaxSeqLength  int    `json:"maxSeqLength"`
	DocStride     int    `json:"docStride"`
}

// ScorerConfig wraps the configuration for the ONNX scorer and logit cache.
type ScorerConfig struct {
	OrtDLL          string `json:"ortDll"`
	ModelPath       string `json:"modelPath"`
	ModelID         string `json:"modelId"`
	UseTokenTypeIDs bool   `json:"useTokenTypeIds"`
	CacheDir        string `json:"cacheDir"`
}

// Config aggregates runtime settings persisted to config.json.
type Config struct {
	Resolver ResolverConfig `json:"resolver"`
	Windower WindowerConfig `json:"windower"`
	Scorer   ScorerConfig   `json:"scorer"`
}

// Clone creates a deep copy of the configuration so callers can mutate safely.
func (c Config) Clone() Config {
	buf, _ := json.Marshal(c)
	var out Config
	_ = json.Unmarshal(buf, &out)
	return out
}

// ApplyDefaults populates zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Resolver.NBestSize <= 0 {
		c.Resolver.NBestSize = 20
	}
	if c.Resolver.MaxAnswerLength <= 0 {
		c.Resolver.MaxAnswerLength = 30
	}
	if c.Windower.MaxSeqLength <= 0 {
		c.Windower.MaxSeqLength = 384
	}
	if c.Windower.DocStride <= 0 {
		c.Windower.DocStride = 128
	}
}
