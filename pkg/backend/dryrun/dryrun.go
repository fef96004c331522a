// Package dryrun is a deterministic in-process backend. It honours the file
// contracts of the real services (artifact names, checkpoint directory,
// generation file layout) without doing any learning, which makes it suitable
// for smoke runs and pipeline tests.
package dryrun

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pistobot/neoscratch/pkg/backend"
)

const (
	Name = "dryrun"

	CheckpointConfig = "config.json"
	CheckpointState  = "dryrun_state.json"
)

var specialTokens = []string{"<|endoftext|>"}

type Backend struct {
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Backend{logger: logger}
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Close() error {
	return nil
}

// TrainTokenizer writes a word-frequency vocabulary and an empty merge table.
func (b *Backend) TrainTokenizer(ctx context.Context, req backend.TokenizerRequest) error {
	if len(req.Files) == 0 {
		return fmt.Errorf("%w: no corpus files given", backend.ErrTokenizer)
	}
	if req.VocabSize <= len(specialTokens) {
		return fmt.Errorf("%w: vocab size %d is too small", backend.ErrTokenizer, req.VocabSize)
	}

	counts := make(map[string]int)
	for _, file := range req.Files {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", backend.ErrTokenizer, err)
		}
		if err := countWords(file, counts); err != nil {
			return fmt.Errorf("%w: %v", backend.ErrTokenizer, err)
		}
	}

	words := make([]string, 0, len(counts))
	for word, n := range counts {
		if n >= req.MinFrequency {
			words = append(words, word)
		}
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})

	vocab := make(map[string]int, req.VocabSize)
	for i, token := range specialTokens {
		vocab[token] = i
	}
	for _, word := range words {
		if len(vocab) >= req.VocabSize {
			break
		}
		vocab[word] = len(vocab)
	}

	artifacts := backend.ArtifactsIn(req.SaveDir)
	data, err := json.Marshal(vocab)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrTokenizer, err)
	}
	if err := os.WriteFile(artifacts.VocabFile, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrTokenizer, err)
	}
	if err := os.WriteFile(artifacts.MergesFile, []byte("#version: 0.2\n"), 0644); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrTokenizer, err)
	}

	b.logger.Debugf("dryrun tokenizer: %d tokens written to %s (dropout=%v)", len(vocab), req.SaveDir, describeDropout(req.Dropout))
	return nil
}

func describeDropout(d *float64) string {
	if d == nil {
		return "disabled"
	}
	return fmt.Sprintf("%g", *d)
}

func countWords(path string, counts map[string]int) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open corpus: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		for _, word := range strings.Fields(scanner.Text()) {
			counts[word]++
		}
	}
	return scanner.Err()
}

func (b *Backend) BuildModel(ctx context.Context, arch backend.Architecture, artifacts backend.TokenizerArtifacts, toGPU bool) (*backend.Model, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	if err := artifacts.Check(); err != nil {
		return nil, err
	}
	return &backend.Model{
		Backend:      Name,
		Architecture: arch,
		Artifacts:    artifacts,
		ToGPU:        toGPU,
	}, nil
}

type state struct {
	Steps        int     `json:"steps"`
	LearningRate float64 `json:"learning_rate"`
	BatchSize    int     `json:"batch_size"`
}

func (b *Backend) Train(ctx context.Context, model *backend.Model, req backend.TrainRequest) (*backend.TrainReport, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: model not built", backend.ErrTraining)
	}
	if _, err := os.Stat(req.Corpus); err != nil {
		return nil, fmt.Errorf("%w: corpus: %v", backend.ErrTraining, err)
	}
	if req.Steps <= 0 {
		return nil, fmt.Errorf("%w: step budget must be positive", backend.ErrTraining)
	}

	report := &backend.TrainReport{}
	for step := 1; step <= req.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("%w: %v", backend.ErrTraining, err)
		}
		report.Steps = step

		if req.GenerateEvery > 0 && step%req.GenerateEvery == 0 {
			report.Samples++
			b.logger.Debugf("dryrun step %d: sample generation skipped", step)
		}
		if (req.SaveEvery > 0 && step%req.SaveEvery == 0) || step == req.Steps {
			if err := b.saveCheckpoint(model, req, step); err != nil {
				return report, fmt.Errorf("%w: %v", backend.ErrTraining, err)
			}
			report.Checkpoints++
		}
	}

	model.CheckpointDir = req.OutputDir
	model.Steps += report.Steps
	return report, nil
}

func (b *Backend) saveCheckpoint(model *backend.Model, req backend.TrainRequest, step int) error {
	arch, err := json.MarshalIndent(model.Architecture, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(req.OutputDir, CheckpointConfig), arch, 0644); err != nil {
		return err
	}

	st, err := json.Marshal(state{Steps: model.Steps + step, LearningRate: req.LearningRate, BatchSize: req.BatchSize})
	if err != nil {
		return err
	}
	b.logger.Debugf("dryrun step %d: checkpoint saved to %s", step, req.OutputDir)
	return os.WriteFile(filepath.Join(req.OutputDir, CheckpointState), st, 0644)
}

// Generate writes req.N samples built from the prompt and words drawn from
// the tokenizer vocabulary. Each sample holds at most MaxLength words.
func (b *Backend) Generate(ctx context.Context, model *backend.Model, req backend.GenerateRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if !model.Trained() {
		return fmt.Errorf("%w: model has not been trained", backend.ErrGeneration)
	}

	vocab, err := loadVocab(model.Artifacts.VocabFile)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrGeneration, err)
	}

	b.logger.Debugf("dryrun generation: n=%d seed=%d max_length=%d cleanup=%t", req.N, req.Seed, req.MaxLength, req.Cleanup)

	rng := rand.New(rand.NewSource(req.Seed))
	samples := make([]string, 0, req.N)
	for i := 0; i < req.N; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", backend.ErrGeneration, err)
		}
		samples = append(samples, sample(rng, vocab, req))
	}

	out, err := os.Create(req.Destination)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrGeneration, err)
	}
	defer out.Close()

	if err := backend.WriteSamples(out, samples); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrGeneration, err)
	}
	return out.Close()
}

func sample(rng *rand.Rand, vocab []string, req backend.GenerateRequest) string {
	words := strings.Fields(req.Prompt)
	if len(words) > req.MaxLength {
		words = words[:req.MaxLength]
	}
	length := len(words)
	if len(vocab) > 0 && length < req.MaxLength {
		length += 1 + rng.Intn(req.MaxLength-length)
	}
	for len(words) < length {
		words = append(words, vocab[rng.Intn(len(vocab))])
	}

	return strings.Join(words, " ")
}

func loadVocab(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var vocab map[string]int
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("invalid vocab file: %w", err)
	}

	words := make([]string, 0, len(vocab))
	for word := range vocab {
		if isSpecial(word) {
			continue
		}
		words = append(words, word)
	}
	sort.Strings(words)
	return words, nil
}

func isSpecial(token string) bool {
	for _, special := range specialTokens {
		if token == special {
			return true
		}
	}
	return false
}
