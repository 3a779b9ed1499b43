package spanqa

import (
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Featurizer turns examples into tokenized feature windows.
type Featurizer interface {
	Featurize(examples []Example, contexts []string) ([]Feature, error)
}

// Windower featurizes question/context pairs with a HuggingFace tokenizer.json
// tokenizer, splitting long contexts into overlapping windows.
type Windower struct {
	tk  *tokenizer.Tokenizer
	cfg WindowerConfig
}

// NewWindower loads the tokenizer and configures truncation and padding for
// stride-based chunking.
func NewWindower(cfg WindowerConfig) (*Windower, error) {
	if cfg.MaxSeqLength <= 0 {
		cfg.MaxSeqLength = 384
	}
	if cfg.DocStride <= 0 {
		cfg.DocStride = 128
	}
	if cfg.DocStride >= cfg.MaxSeqLength {
		return nil, fmt.Errorf("doc stride %d must be smaller than max sequence length %d", cfg.DocStride, cfg.MaxSeqLength)
	}
	tk, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	// Only the context half is truncated; overflowing windows keep DocStride
	// tokens of overlap with the previous window.
	tk.WithTruncation(&tokenizer.TruncationParams{
		MaxLength: cfg.MaxSeqLength,
		Strategy:  tokenizer.OnlySecond,
		Stride:    cfg.DocStride,
	})
	padToken := "[PAD]"
	padID := 0
	if id, ok := tk.TokenToId(padToken); ok {
		padID = id
	}
	tk.WithPadding(&tokenizer.PaddingParams{
		Strategy:  *tokenizer.NewPaddingStrategy(tokenizer.WithFixed(cfg.MaxSeqLength)),
		Direction: tokenizer.Right,
		PadId:     padID,
		PadTypeId: 0,
		PadToken:  padToken,
	})
	return &Windower{tk: tk, cfg: cfg}, nil
}

// Featurize encodes every example as one or more feature windows, in example
// order. Offsets are kept only for context tokens; windows of the same example
// are annotated with max-context flags.
func (w *Windower) Featurize(examples []Example, contexts []string) ([]Feature, error) {
	var features []Feature
	for _, ex := range examples {
		if ex.Relevant < 0 || ex.Relevant >= len(contexts) {
			return nil, fmt.Errorf("example %s: relevant index %d out of range (%d contexts)",
				ex.ID, ex.Relevant, len(contexts))
		}
		question := NormalizeQuestion(ex.Question)
		input := tokenizer.NewDualEncodeInput(
			tokenizer.NewInputSequence(question),
			tokenizer.NewInputSequence(contexts[ex.Relevant]),
		)
		en, err := w.tk.Encode(input, true)
		if err != nil {
			return nil, fmt.Errorf("encode example %s: %w", ex.ID, err)
		}
		first := len(features)
		features = append(features, featureFromEncoding(ex.ID, en))
		for i := range en.Overflowing {
			features = append(features, featureFromEncoding(ex.ID, &en.Overflowing[i]))
		}
		annotateMaxContext(features[first:])
	}
	return features, nil
}

// featureFromEncoding converts one tokenizer encoding into a Feature, masking
// out offsets of every token that does not belong to the context (question,
// special tokens, padding).
func featureFromEncoding(exampleID string, en *tokenizer.Encoding) Feature {
	n := len(en.Ids)
	f := Feature{
		ExampleID:     exampleID,
		Offsets:       make([]*CharSpan, n),
		InputIDs:      make([]int64, n),
		AttentionMask: make([]int64, n),
		TypeIDs:       make([]int64, n),
	}
	for i := 0; i < n; i++ {
		f.InputIDs[i] = int64(en.Ids[i])
		if i < len(en.AttentionMask) {
			f.AttentionMask[i] = int64(en.AttentionMask[i])
		}
		if i < len(en.TypeIds) {
			f.TypeIDs[i] = int64(en.TypeIds[i])
		}
		if !isContextToken(en, i) {
			continue
		}
		if off := en.Offsets[i]; len(off) >= 2 {
			f.Offsets[i] = &CharSpan{Start: off[0], End: off[1]}
		}
	}
	return f
}

// isContextToken reports whether token i belongs to the context half of the
// pair encoding: second sequence, not special, not padding.
func isContextToken(en *tokenizer.Encoding, i int) bool {
	if i >= len(en.TypeIds) || en.TypeIds[i] != 1 {
		return false
	}
	if i < len(en.SpecialTokenMask) && en.SpecialTokenMask[i] != 0 {
		return false
	}
	if i < len(en.AttentionMask) && en.AttentionMask[i] == 0 {
		return false
	}
	return i < len(en.Offsets)
}

// annotateMaxContext marks, for every context token shared by overlapping
// windows of one example, the window that gives it the most surrounding
// context: score = min(left, right) + 0.01 * window context length. Single
// windows are left unannotated; the resolver treats a nil map as absent.
func annotateMaxContext(features []Feature) {
	if len(features) <= 1 {
		return
	}
	ctxCount := make([]int, len(features))
	for fi := range features {
		for _, off := range features[fi].Offsets {
			if off != nil {
				ctxCount[fi]++
			}
		}
	}
	bestFeature := make(map[CharSpan]int)
	bestScore := make(map[CharSpan]float64)
	for fi := range features {
		seen := 0
		for _, off := range features[fi].Offsets {
			if off == nil {
				continue
			}
			left := seen
			right := ctxCount[fi] - seen - 1
			seen++
			score := float64(min(left, right)) + 0.01*float64(ctxCount[fi])
			if prev, ok := bestScore[*off]; !ok || score > prev {
				bestScore[*off] = score
				bestFeature[*off] = fi
			}
		}
	}
	for fi := range features {
		flags := make(map[int]bool, ctxCount[fi])
		for ti, off := range features[fi].Offsets {
			if off == nil {
				continue
			}
			flags[ti] = bestFeature[*off] == fi
		}
		features[fi].TokenIsMaxContext = flags
	}
}
