// Package aitextgen drives the Python aitextgen/transformers stack. Every
// operation runs the embedded bridge script in a fresh interpreter, so the
// model handle only records what the next subprocess needs to rebuild or
// reload the model.
package aitextgen

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/pistobot/neoscratch/pkg/backend"
	"github.com/pistobot/neoscratch/pkg/config"
)

const Name = "aitextgen"

type Options struct {
	// Python is the interpreter; empty means FindPython's lookup.
	Python string
	// BridgeDir receives the bridge script; defaults to the cache directory.
	BridgeDir string
	Logger    *logrus.Logger
}

type Backend struct {
	python string
	script string
	logger *logrus.Logger
}

func New(opts Options) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	python, err := FindPython(opts.Python)
	if err != nil {
		return nil, err
	}

	dir := opts.BridgeDir
	if dir == "" {
		dir = config.GetBridgeCacheDir()
	}
	script, err := installBridge(dir)
	if err != nil {
		return nil, err
	}

	logger.Debugf("aitextgen backend: interpreter %s, bridge %s", python, script)
	return &Backend{python: python, script: script, logger: logger}, nil
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) TrainTokenizer(ctx context.Context, req backend.TokenizerRequest) error {
	if err := b.call(ctx, "train_tokenizer", req, nil); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrTokenizer, err)
	}
	artifacts := backend.ArtifactsIn(req.SaveDir)
	for _, path := range []string{artifacts.VocabFile, artifacts.MergesFile} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%w: expected artifact missing: %v", backend.ErrTokenizer, err)
		}
	}
	return nil
}

// BuildModel validates the architecture and records the handle. The
// GPTNeoConfig is instantiated by the training subprocess.
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

type modelSpec struct {
	Architecture  backend.Architecture       `json:"architecture"`
	Artifacts     backend.TokenizerArtifacts `json:"artifacts"`
	ToGPU         bool                       `json:"to_gpu"`
	CheckpointDir string                     `json:"checkpoint_dir,omitempty"`
}

func specOf(model *backend.Model) modelSpec {
	return modelSpec{
		Architecture:  model.Architecture,
		Artifacts:     model.Artifacts,
		ToGPU:         model.ToGPU,
		CheckpointDir: model.CheckpointDir,
	}
}

type trainParams struct {
	Model modelSpec            `json:"model"`
	Train backend.TrainRequest `json:"train"`
}

func (b *Backend) Train(ctx context.Context, model *backend.Model, req backend.TrainRequest) (*backend.TrainReport, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: model not built", backend.ErrTraining)
	}

	report := &backend.TrainReport{}
	err := b.call(ctx, "train", trainParams{Model: specOf(model), Train: req}, func(ev event) {
		switch ev.Event {
		case "config":
			b.logger.Debugf("GptNeo configuration: %s", ev.Text)
		case "loss":
			report.AddLoss(ev.Loss)
			if ev.Step > report.Steps {
				report.Steps = ev.Step
			}
			b.logger.Debugf("step %d: loss %.4f", ev.Step, ev.Loss)
		case "sample":
			report.Samples++
			b.logger.Debugf("step %d: sample generated", ev.Step)
		case "checkpoint":
			report.Checkpoints++
			b.logger.Debugf("step %d: checkpoint saved to %s", ev.Step, ev.Path)
		}
	})
	if err != nil {
		return report, fmt.Errorf("%w: %v", backend.ErrTraining, err)
	}

	report.Steps = req.Steps
	model.CheckpointDir = req.OutputDir
	model.Steps += req.Steps
	return report, nil
}

type generateParams struct {
	Model    modelSpec               `json:"model"`
	Generate backend.GenerateRequest `json:"generate"`
}

func (b *Backend) Generate(ctx context.Context, model *backend.Model, req backend.GenerateRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if !model.Trained() {
		return fmt.Errorf("%w: model has not been trained", backend.ErrGeneration)
	}
	if err := b.call(ctx, "generate", generateParams{Model: specOf(model), Generate: req}, nil); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrGeneration, err)
	}
	return nil
}
