package spanqa

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrShapeMismatch reports a logits/features count mismatch. It aborts the whole
// call before any per-example work begins; no partial results are produced.
var ErrShapeMismatch = errors.New("logits do not match features")

// placeholderText is the answer text of the synthetic candidate inserted when an
// example ends up with no usable span at all.
const placeholderText = "empty"

// candidate is a transient answer span during per-example search. A span of
// (0,0) represents the null answer.
type candidate struct {
	span       CharSpan
	score      float64
	startLogit float32
	endLogit   float32
}

// Resolve converts per-feature start/end logits into ranked answer spans per
// example. Offsets map candidate spans back to code points of the example's
// context; candidates are scored by startLogit+endLogit, the top nBestSize kept
// and softmax-calibrated. With null answers enabled the minimum per-feature
// null score competes against the best non-empty candidate via the configured
// threshold.
func Resolve(examples []Example, features []Feature, contexts []string, startLogits, endLogits [][]float32, cfg ResolverConfig) (*Result, error) {
	if len(startLogits) != len(features) || len(endLogits) != len(features) {
		return nil, fmt.Errorf("%w: got %d start and %d end logit vectors for %d features",
			ErrShapeMismatch, len(startLogits), len(endLogits), len(features))
	}
	if cfg.NBestSize <= 0 {
		cfg.NBestSize = 20
	}
	if cfg.MaxAnswerLength <= 0 {
		cfg.MaxAnswerLength = 30
	}

	featuresPerExample := groupFeatures(examples, features)

	res := &Result{
		Answers: make(map[string]string, len(examples)),
		NBest:   make(map[string][]Prediction, len(examples)),
	}
	if cfg.AllowNullAnswer {
		res.ScoreDiffs = make(map[string]float64, len(examples))
	}

	for exIndex, example := range examples {
		if example.Relevant < 0 || example.Relevant >= len(contexts) {
			return nil, fmt.Errorf("example %s: relevant index %d out of range (%d contexts)",
				example.ID, example.Relevant, len(contexts))
		}
		context := []rune(contexts[example.Relevant])

		var minNull *candidate
		var prelim []candidate

		for _, fi := range featuresPerExample[exIndex] {
			starts := startLogits[fi]
			ends := endLogits[fi]
			offsets := features[fi].Offsets
			maxContext := features[fi].TokenIsMaxContext

			if len(starts) > 0 && len(ends) > 0 {
				nullScore := float64(starts[0]) + float64(ends[0])
				if minNull == nil || minNull.score > nullScore {
					minNull = &candidate{
						span:       CharSpan{0, 0},
						score:      nullScore,
						startLogit: starts[0],
						endLogit:   ends[0],
					}
				}
			}

			startIndexes := topIndexes(starts, cfg.NBestSize)
			endIndexes := topIndexes(ends, cfg.NBestSize)
			for _, si := range startIndexes {
				for _, ei := range endIndexes {
					// Out-of-scope spans: indices beyond the offset mapping or
					// tokens that are not part of the context.
					if si >= len(offsets) || ei >= len(offsets) || offsets[si] == nil || offsets[ei] == nil {
						continue
					}
					if ei < si || ei-si+1 > cfg.MaxAnswerLength {
						continue
					}
					if maxContext != nil && !maxContext[si] {
						continue
					}
					prelim = append(prelim, candidate{
						span:       CharSpan{Start: offsets[si].Start, End: offsets[ei].End},
						score:      float64(starts[si]) + float64(ends[ei]),
						startLogit: starts[si],
						endLogit:   ends[ei],
					})
				}
			}
		}

		var nullScore float64
		if cfg.AllowNullAnswer && minNull != nil {
			prelim = append(prelim, *minNull)
			nullScore = minNull.score
		}

		sort.SliceStable(prelim, func(i, j int) bool { return prelim[i].score > prelim[j].score })
		kept := prelim
		if len(kept) > cfg.NBestSize {
			kept = kept[:cfg.NBestSize]
		}

		// The null candidate must survive truncation: it stays in the ranked list
		// as the reference even when it is not chosen.
		if cfg.AllowNullAnswer && minNull != nil && !containsNullSpan(kept) {
			kept = append(kept, *minNull)
		}

		preds := make([]Prediction, len(kept))
		scores := make([]float64, len(kept))
		for i, c := range kept {
			preds[i] = Prediction{
				Text:       sliceContext(context, c.span),
				StartLogit: c.startLogit,
				EndLogit:   c.endLogit,
			}
			scores[i] = c.score
		}

		if len(preds) == 0 || (len(preds) == 1 && preds[0].Text == "") {
			preds = append([]Prediction{{Text: placeholderText, Placeholder: true}}, preds...)
			scores = append([]float64{0}, scores...)
		}

		for i, p := range softmax(scores) {
			preds[i].Probability = p
		}

		if !cfg.AllowNullAnswer {
			res.Answers[example.ID] = preds[0].Text
		} else {
			best := bestNonNull(preds)
			scoreDiff := nullScore - float64(best.StartLogit) - float64(best.EndLogit)
			res.ScoreDiffs[example.ID] = scoreDiff
			if scoreDiff > cfg.NullScoreDiffThreshold {
				res.Answers[example.ID] = ""
			} else {
				res.Answers[example.ID] = best.Text
			}
		}
		res.NBest[example.ID] = preds
	}
	return res, nil
}

// groupFeatures maps each example index to the indices of its features, in
// feature order.
func groupFeatures(examples []Example, features []Feature) map[int][]int {
	idToIndex := make(map[string]int, len(examples))
	for i, ex := range examples {
		idToIndex[ex.ID] = i
	}
	out := make(map[int][]int, len(examples))
	for fi, f := range features {
		if exIndex, ok := idToIndex[f.ExampleID]; ok {
			out[exIndex] = append(out[exIndex], fi)
		}
	}
	return out
}

// topIndexes returns the indices of the k highest values in descending order,
// ties broken by original index order.
func topIndexes(values []float32, k int) []int {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return values[idx[i]] > values[idx[j]] })
	if len(idx) > k {
		idx = idx[:k]
	}
	return idx
}

func containsNullSpan(cands []candidate) bool {
	for _, c := range cands {
		if c.span.Start == 0 && c.span.End == 0 {
			return true
		}
	}
	return false
}

func sliceContext(context []rune, span CharSpan) string {
	start, end := span.Start, span.End
	if start < 0 {
		start = 0
	}
	if end > len(context) {
		end = len(context)
	}
	if start >= end {
		return ""
	}
	return string(context[start:end])
}

// bestNonNull returns the first candidate, in rank order, whose text is not
// empty, falling back to the last entry when every text is empty.
func bestNonNull(preds []Prediction) Prediction {
	for _, p := range preds {
		if p.Text != "" {
			return p
		}
	}
	return preds[len(preds)-1]
}

// softmax converts raw scores to a probability distribution, subtracting the
// maximum before exponentiating for numerical stability.
func softmax(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	max := scores[0]
	for _, s := range scores[1:] {
		if s > max {
			max = s
		}
	}
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
