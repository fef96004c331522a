// Package backend defines the capability boundary between the pipeline and
// the ML stack that trains the tokenizer, builds and trains the model, and
// samples text from it.
package backend

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTokenizer         = errors.New("tokenizer training failed")
	ErrModelConstruction = errors.New("model construction failed")
	ErrTraining          = errors.New("training failed")
	ErrGeneration        = errors.New("generation failed")
)

// Backend is implemented by every ML service adapter. Calls block until the
// underlying work is done.
type Backend interface {
	Name() string
	TrainTokenizer(ctx context.Context, req TokenizerRequest) error
	BuildModel(ctx context.Context, arch Architecture, artifacts TokenizerArtifacts, toGPU bool) (*Model, error)
	Train(ctx context.Context, model *Model, req TrainRequest) (*TrainReport, error)
	Generate(ctx context.Context, model *Model, req GenerateRequest) error
	Close() error
}

type TokenizerRequest struct {
	Files        []string `json:"files"`
	Dropout      *float64 `json:"dropout"`
	VocabSize    int      `json:"vocab_size"`
	MinFrequency int      `json:"min_frequency"`
	SaveDir      string   `json:"save_path"`
}

type TrainRequest struct {
	Corpus        string  `json:"file_path"`
	OutputDir     string  `json:"output_dir"`
	Steps         int     `json:"num_steps"`
	GenerateEvery int     `json:"generate_every"`
	SaveEvery     int     `json:"save_every"`
	LearningRate  float64 `json:"learning_rate"`
	BatchSize     int     `json:"batch_size"`
}

type GenerateRequest struct {
	N                 int     `json:"n"`
	BatchSize         int     `json:"batch_size"`
	Destination       string  `json:"destination_path"`
	Seed              int64   `json:"seed"`
	Cleanup           bool    `json:"cleanup"`
	Prompt            string  `json:"prompt"`
	MaxLength         int     `json:"max_length"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	EarlyStopping     bool    `json:"early_stopping"`
	NumBeams          int     `json:"num_beams"`
}

// Validate applies the constraints generate_to_file enforces before sampling.
func (r GenerateRequest) Validate() error {
	if r.N <= 0 || r.BatchSize <= 0 {
		return fmt.Errorf("%w: n and batch_size must be positive", ErrGeneration)
	}
	if r.N%r.BatchSize != 0 {
		return fmt.Errorf("%w: n (%d) must be divisible by batch_size (%d)", ErrGeneration, r.N, r.BatchSize)
	}
	if r.Destination == "" {
		return fmt.Errorf("%w: destination path is required", ErrGeneration)
	}
	return nil
}

// Model is the handle produced by BuildModel. Train updates it in place.
type Model struct {
	Backend       string
	Architecture  Architecture
	Artifacts     TokenizerArtifacts
	ToGPU         bool
	CheckpointDir string
	Steps         int
}

func (m *Model) Trained() bool {
	return m != nil && m.Steps > 0 && m.CheckpointDir != ""
}
