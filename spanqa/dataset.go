package spanqa

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ExampleParseOptions allows callers to choose which CSV columns map to example fields.
type ExampleParseOptions struct {
	IDColumn       string
	QuestionColumn string
	RelevantColumn string
}

// LoadContexts reads the context list: a JSON array of raw context strings.
func LoadContexts(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context file: %w", err)
	}
	var contexts []string
	if err := json.Unmarshal(data, &contexts); err != nil {
		return nil, fmt.Errorf("decode context file: %w", err)
	}
	if len(contexts) == 0 {
		return nil, errors.New("context file is empty")
	}
	return contexts, nil
}

// LoadExamples reads examples from a JSON array or a CSV file, chosen by extension.
func LoadExamples(path string) ([]Example, error) {
	return LoadExamplesWithOptions(path, ExampleParseOptions{})
}

// LoadExamplesWithOptions allows callers to specify column mappings for CSV input.
func LoadExamplesWithOptions(path string, opts ExampleParseOptions) ([]Example, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return parseExampleCSV(path, opts)
	default:
		return parseExampleJSON(path)
	}
}

func parseExampleJSON(path string) ([]Example, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read example file: %w", err)
	}
	var examples []Example
	if err := json.Unmarshal(data, &examples); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return validateExamples(path, examples)
}

func parseExampleCSV(path string, opts ExampleParseOptions) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(rows) == 0 {
		return nil, errors.New("empty example file")
	}
	header := make([]string, len(rows[0]))
	for i, cell := range rows[0] {
		header[i] = cleanCell(cell)
	}
	idCol, err := resolveColumn(header, opts.IDColumn, []string{"id"})
	if err != nil {
		return nil, err
	}
	questionCol, err := resolveColumn(header, opts.QuestionColumn, []string{"question", "質問"})
	if err != nil {
		return nil, err
	}
	relevantCol, err := resolveColumn(header, opts.RelevantColumn, []string{"relevant", "context_id"})
	if err != nil {
		return nil, err
	}
	if idCol < 0 || questionCol < 0 || relevantCol < 0 {
		return nil, fmt.Errorf("missing id/question/relevant columns in %s", filepath.Base(path))
	}
	examples := make([]Example, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if idCol >= len(row) || questionCol >= len(row) || relevantCol >= len(row) {
			continue
		}
		relevant, err := strconv.Atoi(cleanCell(row[relevantCol]))
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid relevant index %q", i+2, row[relevantCol])
		}
		examples = append(examples, Example{
			ID:       cleanCell(row[idCol]),
			Question: cleanCell(row[questionCol]),
			Relevant: relevant,
		})
	}
	return validateExamples(path, examples)
}

func validateExamples(path string, examples []Example) ([]Example, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("no examples found in %s", path)
	}
	seen := make(map[string]struct{}, len(examples))
	for _, ex := range examples {
		if ex.ID == "" {
			return nil, fmt.Errorf("example with empty id in %s", path)
		}
		if _, ok := seen[ex.ID]; ok {
			return nil, fmt.Errorf("duplicate example id %q in %s", ex.ID, path)
		}
		seen[ex.ID] = struct{}{}
	}
	return examples, nil
}

// resolveColumn matches an explicit column name or #index, falling back to
// header auto-detection among the candidates.
func resolveColumn(header []string, explicit string, candidates []string) (int, error) {
	trimmed := strings.TrimSpace(explicit)
	if trimmed != "" {
		for i, col := range header {
			if strings.EqualFold(col, trimmed) {
				return i, nil
			}
		}
		if strings.HasPrefix(trimmed, "#") {
			idx, err := strconv.Atoi(strings.TrimPrefix(trimmed, "#"))
			if err != nil || idx <= 0 {
				return -1, fmt.Errorf("invalid column index %q", explicit)
			}
			if idx > len(header) {
				return -1, fmt.Errorf("column index %s is out of range", explicit)
			}
			return idx - 1, nil
		}
		return -1, fmt.Errorf("column %q not found", explicit)
	}
	for i, col := range header {
		for _, cand := range candidates {
			if strings.EqualFold(col, cand) {
				return i, nil
			}
		}
	}
	return -1, nil
}

func cleanCell(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "\uFEFF")
	return v
}

// VerifyGoldAnswers cross-checks gold answers against their contexts: the
// answer text must appear at Answer.Start, counted in code points. Returns one
// message per inconsistent example so callers can warn before evaluating.
func VerifyGoldAnswers(examples []Example, contexts []string) []string {
	var problems []string
	for _, ex := range examples {
		if ex.Answer == nil || ex.Answer.Text == "" {
			continue
		}
		if ex.Relevant < 0 || ex.Relevant >= len(contexts) {
			problems = append(problems, fmt.Sprintf("example %s: relevant index %d out of range (%d contexts)", ex.ID, ex.Relevant, len(contexts)))
			continue
		}
		context := []rune(contexts[ex.Relevant])
		answer := []rune(ex.Answer.Text)
		start := ex.Answer.Start
		if start < 0 || start+len(answer) > len(context) || string(context[start:start+len(answer)]) != ex.Answer.Text {
			problems = append(problems, fmt.Sprintf("example %s: gold answer %q not found at position %d", ex.ID, ex.Answer.Text, start))
		}
	}
	return problems
}

// WritePredictionsCSV writes the id,answer submission file, iterating the
// examples in input order.
func WritePredictionsCSV(path string, examples []Example, answers map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create result file: %w", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	if err := writer.Write([]string{"id", "answer"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, ex := range examples {
		if err := writer.Write([]string{ex.ID, answers[ex.ID]}); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush result: %w", err)
	}
	return nil
}

// WritePredictionsJSON writes the {id: answer} mapping as indented JSON.
func WritePredictionsJSON(path string, examples []Example, answers map[string]string) error {
	return writeOrderedJSON(path, examples, func(ex Example) (any, bool) {
		text, ok := answers[ex.ID]
		return text, ok
	})
}

// WriteNBestJSON writes the {id: [candidate...]} mapping as indented JSON.
func WriteNBestJSON(path string, examples []Example, nbest map[string][]Prediction) error {
	return writeOrderedJSON(path, examples, func(ex Example) (any, bool) {
		preds, ok := nbest[ex.ID]
		return preds, ok
	})
}

// WriteScoreDiffsJSON writes the {id: score_diff} mapping as indented JSON.
func WriteScoreDiffsJSON(path string, examples []Example, diffs map[string]float64) error {
	return writeOrderedJSON(path, examples, func(ex Example) (any, bool) {
		diff, ok := diffs[ex.ID]
		return diff, ok
	})
}

// writeOrderedJSON serializes one JSON object keyed by example id, preserving
// example input order so repeated runs produce identical files. Written via a
// temp file and rename.
func writeOrderedJSON(path string, examples []Example, value func(Example) (any, bool)) error {
	var b strings.Builder
	b.WriteString("{\n")
	first := true
	for _, ex := range examples {
		v, ok := value(ex)
		if !ok {
			continue
		}
		if !first {
			b.WriteString(",\n")
		}
		first = false
		key, err := json.Marshal(ex.ID)
		if err != nil {
			return fmt.Errorf("encode key %q: %w", ex.ID, err)
		}
		data, err := json.MarshalIndent(v, "  ", "  ")
		if err != nil {
			return fmt.Errorf("encode entry %q: %w", ex.ID, err)
		}
		b.WriteString("  ")
		b.Write(key)
		b.WriteString(": ")
		b.Write(data)
	}
	b.WriteString("\n}\n")

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// OutputPaths resolves the JSON output file names for a directory and optional
// prefix, matching predictions.json / nbest_predictions.json / null_odds.json.
func OutputPaths(dir, prefix string) (predictions, nbest, nullOdds string) {
	name := func(base string) string {
		if prefix != "" {
			base = prefix + "_" + base
		}
		return filepath.Join(dir, base)
	}
	return name("predictions.json"), name("nbest_predictions.json"), name("null_odds.json")
}
