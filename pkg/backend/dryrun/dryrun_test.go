package dryrun_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pistobot/neoscratch/pkg/backend"
	"github.com/pistobot/neoscratch/pkg/backend/dryrun"
)

func writeCorpus(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "corpus.txt")
	lines := []string{
		"the quick brown fox", "jumps over the lazy dog", "the dog sleeps",
		"a fox runs", "the end",
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0644))
	return path
}

func trainedModel(t *testing.T, b *dryrun.Backend, dir string) *backend.Model {
	t.Helper()
	ctx := context.Background()
	corpus := writeCorpus(t, dir)

	require.NoError(t, b.TrainTokenizer(ctx, backend.TokenizerRequest{
		Files: []string{corpus}, VocabSize: 5, MinFrequency: 1, SaveDir: dir,
	}))
	model, err := b.BuildModel(ctx, backend.NewArchitecture(5, 16, 4, 2), backend.ArtifactsIn(dir), false)
	require.NoError(t, err)

	report, err := b.Train(ctx, model, backend.TrainRequest{
		Corpus: corpus, OutputDir: dir, Steps: 5, GenerateEvery: 2, SaveEvery: 2,
		LearningRate: 1e-3, BatchSize: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, report.Steps)
	assert.Equal(t, 2, report.Samples)
	assert.Equal(t, 3, report.Checkpoints)
	return model
}

func TestTrainTokenizer_VocabLimit(t *testing.T) {
	dir := t.TempDir()
	b := dryrun.New(nil)
	corpus := writeCorpus(t, dir)

	err := b.TrainTokenizer(context.Background(), backend.TokenizerRequest{
		Files: []string{corpus}, VocabSize: 4, MinFrequency: 2, SaveDir: dir,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, backend.VocabFileName))
	require.NoError(t, err)
	var vocab map[string]int
	require.NoError(t, json.Unmarshal(data, &vocab))

	// "the" (4), "dog" (2), "fox" (2) pass min_frequency; special token first
	assert.Equal(t, map[string]int{"<|endoftext|>": 0, "the": 1, "dog": 2, "fox": 3}, vocab)
	assert.FileExists(t, filepath.Join(dir, backend.MergesFileName))
}

func TestTrainTokenizer_MissingCorpus(t *testing.T) {
	err := dryrun.New(nil).TrainTokenizer(context.Background(), backend.TokenizerRequest{
		Files: []string{"/does/not/exist.txt"}, VocabSize: 10, SaveDir: t.TempDir(),
	})
	assert.ErrorIs(t, err, backend.ErrTokenizer)
}

func TestBuildModel_Validation(t *testing.T) {
	dir := t.TempDir()
	b := dryrun.New(nil)

	_, err := b.BuildModel(context.Background(), backend.NewArchitecture(10, 16, 4, 2), backend.ArtifactsIn(dir), false)
	assert.ErrorIs(t, err, backend.ErrModelConstruction)

	_, err = b.BuildModel(context.Background(), backend.NewArchitecture(10, 16, 3, 2), backend.ArtifactsIn(dir), false)
	assert.ErrorIs(t, err, backend.ErrModelConstruction)
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	b := dryrun.New(nil)
	model := trainedModel(t, b, dir)
	assert.True(t, model.Trained())
	assert.FileExists(t, filepath.Join(dir, dryrun.CheckpointConfig))

	dest := filepath.Join(dir, "out.txt")
	req := backend.GenerateRequest{
		N: 4, BatchSize: 2, Destination: dest, Seed: 7, Prompt: "the fox",
		MaxLength: 6, Temperature: 1, TopP: 0.9, RepetitionPenalty: 1, NumBeams: 1,
	}
	require.NoError(t, b.Generate(context.Background(), model, req))

	samples, err := backend.ReadSamples(dest)
	require.NoError(t, err)
	require.Len(t, samples, 4)
	for _, s := range samples {
		assert.True(t, strings.HasPrefix(s, "the fox"), s)
		assert.LessOrEqual(t, len(strings.Fields(s)), 6)
	}

	// same seed, same output
	again := filepath.Join(dir, "again.txt")
	req.Destination = again
	require.NoError(t, b.Generate(context.Background(), model, req))
	first, _ := os.ReadFile(dest)
	second, _ := os.ReadFile(again)
	assert.Equal(t, string(first), string(second))
}

func TestGenerate_Untrained(t *testing.T) {
	err := dryrun.New(nil).Generate(context.Background(), &backend.Model{}, backend.GenerateRequest{
		N: 1, BatchSize: 1, Destination: filepath.Join(t.TempDir(), "x.txt"), MaxLength: 4,
	})
	assert.ErrorIs(t, err, backend.ErrGeneration)
}

func TestTrain_Cancelled(t *testing.T) {
	dir := t.TempDir()
	b := dryrun.New(nil)
	corpus := writeCorpus(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Train(ctx, &backend.Model{}, backend.TrainRequest{Corpus: corpus, OutputDir: dir, Steps: 3})
	assert.ErrorIs(t, err, backend.ErrTraining)
}
