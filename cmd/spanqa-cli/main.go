package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"yashubustudio/spanqa/spanqa"
)

type cliOptions struct {
	configPath    string
	examplesPath  string
	contextsPath  string
	outputPath    string
	outputDir     string
	prefix        string
	exampleOpts   spanqa.ExampleParseOptions
	nBestSize     int
	maxAnswerLen  int
	nullAnswer    bool
	nullThreshold float64
	stdout        bool

	setFlags map[string]bool
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		log.Fatalf("spanqa-cli: %v", err)
	}
	if err := run(opts); err != nil {
		log.Fatalf("spanqa-cli: %v", err)
	}
}

func parseFlags() (cliOptions, error) {
	var opts cliOptions
	flag.StringVar(&opts.configPath, "config", "", "Path to config.json (default: ./config.json)")
	flag.StringVar(&opts.examplesPath, "examples", "", "JSON/CSV file containing question examples")
	flag.StringVar(&opts.contextsPath, "contexts", "", "JSON file containing the context list")
	flag.StringVar(&opts.outputPath, "output", "", "CSV file to write answers (default uses --output-dir/result_*.csv)")
	flag.StringVar(&opts.outputDir, "output-dir", "out", "Directory where result files are written")
	flag.StringVar(&opts.prefix, "prefix", "", "Prefix for the JSON output file names")
	flag.StringVar(&opts.exampleOpts.IDColumn, "id-column", "", "Column name or #index for the example id column (CSV input)")
	flag.StringVar(&opts.exampleOpts.QuestionColumn, "question-column", "", "Column name or #index for the question column (CSV input)")
	flag.StringVar(&opts.exampleOpts.RelevantColumn, "relevant-column", "", "Column name or #index for the context index column (CSV input)")
	flag.IntVar(&opts.nBestSize, "n-best-size", 0, "Number of candidate answers kept per example (overrides config)")
	flag.IntVar(&opts.maxAnswerLen, "max-answer-length", 0, "Maximum answer span length in tokens (overrides config)")
	flag.BoolVar(&opts.nullAnswer, "null-answer", false, "Allow unanswerable examples (overrides config)")
	flag.Float64Var(&opts.nullThreshold, "null-threshold", 0, "Null score difference threshold (overrides config)")
	flag.BoolVar(&opts.stdout, "stdout", false, "Print a per-example preview to STDOUT")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s --examples FILE --contexts FILE [options]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	opts.setFlags = make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { opts.setFlags[f.Name] = true })

	opts.configPath = strings.TrimSpace(opts.configPath)
	opts.examplesPath = strings.TrimSpace(opts.examplesPath)
	opts.contextsPath = strings.TrimSpace(opts.contextsPath)
	opts.outputPath = strings.TrimSpace(opts.outputPath)
	opts.outputDir = strings.TrimSpace(opts.outputDir)

	if opts.examplesPath == "" {
		flag.Usage()
		return opts, errors.New("missing required --examples file")
	}
	if opts.contextsPath == "" {
		flag.Usage()
		return opts, errors.New("missing required --contexts file")
	}
	return opts, nil
}

func run(opts cliOptions) error {
	cfg, err := spanqa.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = applyOverrides(cfg, opts)

	windower, err := spanqa.NewWindower(cfg.Windower)
	if err != nil {
		return fmt.Errorf("init windower: %w", err)
	}
	scorer, err := spanqa.NewOrtScorer(cfg.Scorer)
	if err != nil {
		return fmt.Errorf("init scorer: %w", err)
	}
	defer scorer.Close()

	logger := log.New(os.Stdout, "", log.LstdFlags)
	service, err := spanqa.NewService(scorer, windower, cfg, logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer service.Close()

	examples, err := spanqa.LoadExamplesWithOptions(opts.examplesPath, opts.exampleOpts)
	if err != nil {
		return fmt.Errorf("read examples: %w", err)
	}
	contexts, err := spanqa.LoadContexts(opts.contextsPath)
	if err != nil {
		return fmt.Errorf("read contexts: %w", err)
	}
	for _, msg := range spanqa.VerifyGoldAnswers(examples, contexts) {
		logger.Printf("warning: %s", msg)
	}

	res, err := service.Predict(context.Background(), examples, contexts)
	if err != nil {
		return fmt.Errorf("predict: %w", err)
	}

	outputPath, err := resolveOutputPath(opts.outputPath, opts.outputDir)
	if err != nil {
		return err
	}
	if err := spanqa.WritePredictionsCSV(outputPath, examples, res.Answers); err != nil {
		return err
	}
	fmt.Printf("Saved answers to %s\n", outputPath)

	predFile, nbestFile, nullFile := spanqa.OutputPaths(filepath.Dir(outputPath), opts.prefix)
	if err := spanqa.WritePredictionsJSON(predFile, examples, res.Answers); err != nil {
		return err
	}
	if err := spanqa.WriteNBestJSON(nbestFile, examples, res.NBest); err != nil {
		return err
	}
	if res.ScoreDiffs != nil {
		if err := spanqa.WriteScoreDiffsJSON(nullFile, examples, res.ScoreDiffs); err != nil {
			return err
		}
	}

	if metrics := spanqa.Evaluate(examples, res.Answers); metrics.Count > 0 {
		fmt.Printf("exact_match=%.2f f1=%.2f (%d examples)\n", metrics.ExactMatch, metrics.F1, metrics.Count)
	}
	if opts.stdout {
		printSummary(examples, res)
	}
	return nil
}

func applyOverrides(cfg spanqa.Config, opts cliOptions) spanqa.Config {
	if opts.setFlags["n-best-size"] {
		cfg.Resolver.NBestSize = opts.nBestSize
	}
	if opts.setFlags["max-answer-length"] {
		cfg.Resolver.MaxAnswerLength = opts.maxAnswerLen
	}
	if opts.setFlags["null-answer"] {
		cfg.Resolver.AllowNullAnswer = opts.nullAnswer
	}
	if opts.setFlags["null-threshold"] {
		cfg.Resolver.NullScoreDiffThreshold = opts.nullThreshold
	}
	cfg.ApplyDefaults()
	return cfg
}

func resolveOutputPath(path, dir string) (string, error) {
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("resolve output path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return "", fmt.Errorf("create output directory: %w", err)
		}
		return absPath, nil
	}
	if dir == "" {
		dir = "out"
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve output dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	filename := fmt.Sprintf("result_%s.csv", time.Now().Format("20060102150405"))
	return filepath.Join(absDir, filename), nil
}

func printSummary(examples []spanqa.Example, res *spanqa.Result) {
	fmt.Println()
	fmt.Println("==== answer preview ====")
	for i, ex := range examples {
		fmt.Printf("%d. [%s] %s\n", i+1, ex.ID, summarizeQuestion(ex.Question))
		answer := res.Answers[ex.ID]
		if answer == "" {
			fmt.Println("    (no answer)")
		} else {
			fmt.Printf("    answer: %s\n", answer)
		}
		if nbest := res.NBest[ex.ID]; len(nbest) > 0 {
			limit := 3
			if len(nbest) < limit {
				limit = len(nbest)
			}
			for _, p := range nbest[:limit] {
				fmt.Printf("      - %q (p=%.3f)\n", p.Text, p.Probability)
			}
		}
	}
}

func summarizeQuestion(q string) string {
	q = strings.TrimSpace(q)
	runes := []rune(q)
	if len(runes) > 60 {
		return string(runes[:60]) + "…"
	}
	return q
}
