package spanqa

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadExamplesJSON(t *testing.T) {
	path := writeTempFile(t, "valid.json", `[
		{"id": "q1", "question": "誰designed the tower?", "relevant": 2},
		{"id": "q2", "question": "when?", "relevant": 0, "answer": {"text": "1889", "start": 10}}
	]`)

	examples, err := LoadExamples(path)
	require.NoError(t, err)
	require.Len(t, examples, 2)
	assert.Equal(t, "q1", examples[0].ID)
	assert.Equal(t, 2, examples[0].Relevant)
	require.NotNil(t, examples[1].Answer)
	assert.Equal(t, "1889", examples[1].Answer.Text)
}

func TestLoadExamplesJSONRejectsDuplicates(t *testing.T) {
	path := writeTempFile(t, "valid.json", `[
		{"id": "q1", "question": "a", "relevant": 0},
		{"id": "q1", "question": "b", "relevant": 1}
	]`)
	_, err := LoadExamples(path)
	require.Error(t, err)
}

func TestLoadExamplesCSV(t *testing.T) {
	path := writeTempFile(t, "test.csv", "id,question,relevant\nq1,who built it,3\nq2,when,0\n")

	examples, err := LoadExamples(path)
	require.NoError(t, err)
	require.Len(t, examples, 2)
	assert.Equal(t, "who built it", examples[0].Question)
	assert.Equal(t, 3, examples[0].Relevant)
}

func TestLoadExamplesCSVExplicitColumns(t *testing.T) {
	path := writeTempFile(t, "test.csv", "key,text,ctx\nq1,who,1\n")

	examples, err := LoadExamplesWithOptions(path, ExampleParseOptions{
		IDColumn:       "key",
		QuestionColumn: "#2",
		RelevantColumn: "ctx",
	})
	require.NoError(t, err)
	require.Len(t, examples, 1)
	assert.Equal(t, "q1", examples[0].ID)
	assert.Equal(t, "who", examples[0].Question)
	assert.Equal(t, 1, examples[0].Relevant)
}

func TestLoadExamplesCSVMissingColumn(t *testing.T) {
	path := writeTempFile(t, "test.csv", "id,text\nq1,who\n")
	_, err := LoadExamples(path)
	require.Error(t, err)
}

func TestLoadExamplesCSVStripsBOM(t *testing.T) {
	path := writeTempFile(t, "test.csv", "\uFEFFid,question,relevant\nq1,who,0\n")

	examples, err := LoadExamples(path)
	require.NoError(t, err)
	require.Len(t, examples, 1)
	assert.Equal(t, "q1", examples[0].ID)
}

func TestCleanCell(t *testing.T) {
	assert.Equal(t, "id", cleanCell("\uFEFFid"))
	assert.Equal(t, "question", cleanCell("  question "))
}

func TestVerifyGoldAnswers(t *testing.T) {
	contexts := []string{"東京タワーは1958年に完成した。"}
	examples := []Example{
		{ID: "q1", Relevant: 0, Answer: &Answer{Text: "1958年", Start: 6}},
		{ID: "q2", Relevant: 0, Answer: &Answer{Text: "1959年", Start: 6}},
		{ID: "q3", Relevant: 5, Answer: &Answer{Text: "x", Start: 0}},
		{ID: "q4", Relevant: 0},
	}

	problems := VerifyGoldAnswers(examples, contexts)
	require.Len(t, problems, 2)
	assert.Contains(t, problems[0], "q2")
	assert.Contains(t, problems[1], "q3")
}

func TestLoadContexts(t *testing.T) {
	path := writeTempFile(t, "context.json", `["first context", "second context"]`)
	contexts, err := LoadContexts(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"first context", "second context"}, contexts)

	empty := writeTempFile(t, "empty.json", `[]`)
	_, err = LoadContexts(empty)
	require.Error(t, err)
}

func TestWritePredictionsCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "result.csv")
	examples := []Example{{ID: "q2"}, {ID: "q1"}}
	answers := map[string]string{"q1": "tower", "q2": "1889"}

	require.NoError(t, WritePredictionsCSV(path, examples, answers))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id,answer\nq2,1889\nq1,tower\n", string(data))
}

func TestWriteOrderedJSONPreservesExampleOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "predictions.json")
	examples := []Example{{ID: "z"}, {ID: "a"}}
	answers := map[string]string{"a": "second", "z": "first"}

	require.NoError(t, WritePredictionsJSON(path, examples, answers))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, answers, decoded)
	// The "z" entry must come first in the file despite map iteration order.
	assert.Less(t, strings.Index(string(data), `"z"`), strings.Index(string(data), `"a"`))
}

func TestWriteNBestJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nbest_predictions.json")
	examples := []Example{{ID: "q1"}}
	nbest := map[string][]Prediction{
		"q1": {{Text: "tower", StartLogit: 1, EndLogit: 2, Probability: 0.9}},
	}

	require.NoError(t, WriteNBestJSON(path, examples, nbest))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string][]Prediction
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, nbest, decoded)
}

func TestOutputPaths(t *testing.T) {
	pred, nbest, null := OutputPaths("out", "")
	assert.Equal(t, filepath.Join("out", "predictions.json"), pred)
	assert.Equal(t, filepath.Join("out", "nbest_predictions.json"), nbest)
	assert.Equal(t, filepath.Join("out", "null_odds.json"), null)

	pred, _, _ = OutputPaths("out", "eval")
	assert.Equal(t, filepath.Join("out", "eval_predictions.json"), pred)
}
