package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pistobot/neoscratch/pkg/backend"
	"github.com/pistobot/neoscratch/pkg/backend/aitextgen"
	"github.com/pistobot/neoscratch/pkg/backend/dryrun"
	"github.com/pistobot/neoscratch/pkg/config"
	"github.com/pistobot/neoscratch/pkg/corpus"
	"github.com/pistobot/neoscratch/pkg/database"
	"github.com/pistobot/neoscratch/pkg/elastic"
	"github.com/pistobot/neoscratch/pkg/metrics"
	"github.com/pistobot/neoscratch/pkg/rundir"
	"github.com/pistobot/neoscratch/pkg/session"
)

var DebugLog func(string, ...interface{})

type Stage string

const (
	StageConfigLoad     Stage = "ConfigLoad"
	StageDirCreate      Stage = "DirCreate"
	StageTokenizerTrain Stage = "TokenizerTrain"
	StageModelBuild     Stage = "ModelBuild"
	StageTrain          Stage = "Train"
	StageGenDirCreate   Stage = "GenDirCreate"
	StageGenerate       Stage = "Generate"
	StagePersistConfig  Stage = "PersistConfig"
	StageDone           Stage = "Done"
	StageAborted        Stage = "Aborted"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{
	StageConfigLoad, StageDirCreate, StageTokenizerTrain, StageModelBuild,
	StageTrain, StageGenDirCreate, StageGenerate, StagePersistConfig,
}

// StageError reports the stage that aborted the run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// BackendFactory builds the ML backend selected by the runtime options.
type BackendFactory func(rt config.Runtime, logger *logrus.Logger) (backend.Backend, error)

func DefaultBackendFactory(rt config.Runtime, logger *logrus.Logger) (backend.Backend, error) {
	switch rt.Backend {
	case dryrun.Name:
		return dryrun.New(logger), nil
	case aitextgen.Name, "":
		return aitextgen.New(aitextgen.Options{Python: rt.Python, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown backend %q", rt.Backend)
	}
}

type Options struct {
	ParamsPath string
	// Backend and Python override the runtime section when set.
	Backend string
	Python  string

	Logger      *logrus.Logger
	Clock       func() time.Time
	NewBackend  BackendFactory
	Session     *session.Session
	CorpusCache string
}

type Orchestrator struct {
	opts       Options
	logger     *logrus.Logger
	clock      func() time.Time
	newBackend BackendFactory
	session    *session.Session
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	factory := opts.NewBackend
	if factory == nil {
		factory = DefaultBackendFactory
	}
	sess := opts.Session
	if sess == nil {
		sess = session.New(0)
	}
	return &Orchestrator{
		opts:       opts,
		logger:     logger,
		clock:      clock,
		newBackend: factory,
		session:    sess,
	}
}

type StageTiming struct {
	Stage    Stage
	Duration time.Duration
}

// RunResult describes a finished or aborted run. Fields are filled in as the
// corresponding stages complete.
type RunResult struct {
	RunName        string
	RunDir         string
	Backend        string
	GenerationFile string
	ParamsFile     string
	MetricsFile    string
	Report         *backend.TrainReport
	Samples        int
	State          Stage
	Stages         []StageTiming
}

// pipeline carries the state shared between the stages of one run.
type pipeline struct {
	manager  *config.Manager
	cfg      *config.Config
	backend  backend.Backend
	dir      *rundir.RunDirectory
	corpus   string
	model    *backend.Model
	db       *database.DB
	recorder *metrics.Recorder
	started  time.Time
}

// Run executes the pipeline once. The first failing stage aborts every later
// stage and is returned as a *StageError.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	result := &RunResult{State: StageAborted}
	p := &pipeline{recorder: metrics.NewRecorder()}
	defer p.close(o.logger)

	stages := []struct {
		stage Stage
		fn    func(context.Context, *pipeline, *RunResult) error
	}{
		{StageConfigLoad, o.loadConfig},
		{StageDirCreate, o.createDir},
		{StageTokenizerTrain, o.trainTokenizer},
		{StageModelBuild, o.buildModel},
		{StageTrain, o.train},
		{StageGenDirCreate, o.createGenerationDir},
		{StageGenerate, o.generate},
		{StagePersistConfig, o.persistConfig},
	}

	for _, s := range stages {
		if DebugLog != nil {
			DebugLog("stage %s", s.stage)
		}
		start := time.Now()
		err := s.fn(ctx, p, result)
		elapsed := time.Since(start)
		p.recorder.ObserveStage(string(s.stage), elapsed, err)
		if err != nil {
			stageErr := &StageError{Stage: s.stage, Err: err}
			o.finish(p, result, stageErr)
			return result, stageErr
		}
		result.Stages = append(result.Stages, StageTiming{Stage: s.stage, Duration: elapsed})
	}

	result.State = StageDone
	o.finish(p, result, nil)
	return result, nil
}

func (o *Orchestrator) loadConfig(ctx context.Context, p *pipeline, result *RunResult) error {
	o.logger.Infof("Loading params from %s", o.opts.ParamsPath)
	p.manager = config.NewManager(o.opts.ParamsPath)
	if err := p.manager.LoadConfig(); err != nil {
		return err
	}
	for _, warning := range p.manager.Warnings() {
		o.logger.Warn(warning)
	}

	p.cfg = p.manager.GetConfig()
	if o.opts.Backend != "" {
		p.cfg.Runtime.Backend = o.opts.Backend
	}
	if o.opts.Python != "" {
		p.cfg.Runtime.Python = o.opts.Python
	}

	be, err := o.newBackend(p.cfg.Runtime, o.logger)
	if err != nil {
		return fmt.Errorf("failed to initialise %s backend: %w", p.cfg.Runtime.Backend, err)
	}
	p.backend = be
	result.Backend = be.Name()
	o.logger.Debugf("Backend: %s", be.Name())
	return nil
}

func (o *Orchestrator) createDir(ctx context.Context, p *pipeline, result *RunResult) error {
	p.started = o.clock()
	p.dir = rundir.New(p.cfg.Params.ML.SavePath, p.started)
	if err := p.dir.Create(); err != nil {
		return err
	}
	result.RunName = p.dir.Name
	result.RunDir = p.dir.Path
	o.logger.Infof("Run directory: %s", p.dir.Path)

	o.openRegistry(p)
	return nil
}

func (o *Orchestrator) trainTokenizer(ctx context.Context, p *pipeline, result *RunResult) error {
	o.logger.Info("Training tokenizer...")

	resolver := corpus.NewResolver(o.session, o.opts.CorpusCache)
	path, err := resolver.Resolve(ctx, p.cfg.Params.Data.FilePath)
	if err != nil {
		return fmt.Errorf("%w: %w", backend.ErrTokenizer, err)
	}
	p.corpus = path

	ml := p.cfg.Params.ML
	err = p.backend.TrainTokenizer(ctx, backend.TokenizerRequest{
		Files:        []string{p.corpus},
		Dropout:      ml.Dropout(),
		VocabSize:    ml.VocabSize,
		MinFrequency: ml.TokensMinFrequency,
		SaveDir:      p.dir.Path,
	})
	if err != nil {
		return err
	}
	o.logger.Info("Training tokenizer completed!")
	return nil
}

func (o *Orchestrator) buildModel(ctx context.Context, p *pipeline, result *RunResult) error {
	ml := p.cfg.Params.ML
	arch := backend.NewArchitecture(ml.VocabSize, ml.ModelMaxLength, ml.ModelNLayer, ml.ModelNHead)
	o.logger.Infof("GptNeo configuration: %s", arch)

	model, err := p.backend.BuildModel(ctx, arch, backend.ArtifactsIn(p.dir.Path), p.cfg.Runtime.ToGPU)
	if err != nil {
		return err
	}
	p.model = model
	return nil
}

func (o *Orchestrator) train(ctx context.Context, p *pipeline, result *RunResult) error {
	o.logger.Info("Training model...")
	ml := p.cfg.Params.ML
	report, err := p.backend.Train(ctx, p.model, backend.TrainRequest{
		Corpus:        p.corpus,
		OutputDir:     p.dir.Path,
		Steps:         ml.TrainSteps,
		GenerateEvery: ml.TrainGenerateEvery,
		SaveEvery:     ml.TrainSaveEvery,
		LearningRate:  ml.TrainLearningRate,
		BatchSize:     ml.TrainBatchSize,
	})
	result.Report = report
	if err != nil {
		return err
	}
	if report != nil {
		p.recorder.ObserveLoss(report.LastLoss(), report.MeanLoss())
		o.logger.Debugf("Training report: %s", report)
	}
	o.logger.Info("Training completed!")
	return nil
}

func (o *Orchestrator) createGenerationDir(ctx context.Context, p *pipeline, result *RunResult) error {
	return p.dir.CreateGeneration()
}

func (o *Orchestrator) generate(ctx context.Context, p *pipeline, result *RunResult) error {
	o.logger.Info("Generation starting...")
	gen := p.cfg.Params.Generation
	req := backend.GenerateRequest{
		N:                 gen.NText,
		BatchSize:         gen.BatchSize,
		Destination:       p.dir.GenerationFile(),
		Seed:              gen.Seed,
		Cleanup:           gen.Cleanup,
		Prompt:            gen.Prefix,
		MaxLength:         gen.MaxLength,
		Temperature:       gen.Temperature,
		TopP:              gen.TopP,
		RepetitionPenalty: gen.RepetitionPenalty,
		EarlyStopping:     gen.EarlyStopping,
		NumBeams:          gen.NumBeams,
	}
	if err := p.backend.Generate(ctx, p.model, req); err != nil {
		return err
	}
	result.GenerationFile = req.Destination
	o.logger.Info("Generation completed!")

	o.indexSamples(ctx, p, result, req)
	return nil
}

func (o *Orchestrator) persistConfig(ctx context.Context, p *pipeline, result *RunResult) error {
	path, err := p.manager.SaveRunConfig(p.dir.Path)
	if err != nil {
		return err
	}
	result.ParamsFile = path
	o.logger.Debugf("Model params saved at %s", path)
	return nil
}

func (o *Orchestrator) openRegistry(p *pipeline) {
	if !p.cfg.Runtime.Database.Enabled {
		return
	}
	db, err := database.New(p.cfg.Runtime.Database)
	if err != nil {
		o.logger.Warnf("Run registry unavailable: %v", err)
		db.Close()
		return
	}
	p.db = db
	if err := db.StartRun(p.dir.Name, p.manager.Path(), p.backend.Name(), p.started); err != nil {
		o.logger.Warnf("Failed to register run: %v", err)
	}
}

func (o *Orchestrator) indexSamples(ctx context.Context, p *pipeline, result *RunResult, req backend.GenerateRequest) {
	samples, err := backend.ReadSamples(req.Destination)
	if err != nil {
		o.logger.Warnf("Failed to read generated samples: %v", err)
		return
	}
	result.Samples = len(samples)
	p.recorder.AddSamples(len(samples))

	es := p.cfg.Runtime.Elastic
	if !es.Enabled {
		return
	}
	client, err := elastic.New(elastic.Config{URL: es.URL, Username: es.Username, Password: es.Password, Index: es.Index})
	if err != nil {
		o.logger.Warnf("Sample indexing skipped: %v", err)
		return
	}

	now := o.clock().UTC()
	docs := make([]elastic.SampleDocument, 0, len(samples))
	for i, text := range samples {
		docs = append(docs, elastic.SampleDocument{
			RunName:           p.dir.Name,
			Backend:           p.backend.Name(),
			Position:          i,
			Text:              text,
			Prompt:            req.Prompt,
			Seed:              req.Seed,
			MaxLength:         req.MaxLength,
			Temperature:       req.Temperature,
			TopP:              req.TopP,
			RepetitionPenalty: req.RepetitionPenalty,
			NumBeams:          req.NumBeams,
			GeneratedAt:       now,
		})
	}
	n, err := client.IndexSamples(ctx, docs)
	if err != nil {
		o.logger.Warnf("Sample indexing incomplete: %v", err)
	}
	o.logger.Debugf("Indexed %d samples into %s", n, client.Index())
}

// finish records the outcome in the side channels. Failures here are only
// logged.
func (o *Orchestrator) finish(p *pipeline, result *RunResult, runErr error) {
	if runErr == nil {
		o.logger.Infof("Run %s completed", result.RunName)
	}

	if p.db.IsEnabled() {
		outcome := database.Outcome{Status: database.StatusDone, GenerationFile: result.GenerationFile}
		var stageErr *StageError
		if errors.As(runErr, &stageErr) {
			outcome.Status = database.StatusAborted
			outcome.FailedStage = string(stageErr.Stage)
			outcome.Error = stageErr.Err.Error()
		}
		if err := p.db.FinishRun(result.RunName, outcome, o.clock()); err != nil {
			o.logger.Warnf("Failed to update run registry: %v", err)
		}
	}

	if p.cfg != nil && p.cfg.Runtime.Metrics && result.RunDir != "" {
		p.recorder.SetRun(result.RunName, result.Backend, string(result.State))
		path, err := p.recorder.WriteTextfile(p.dir.Path)
		if err != nil {
			o.logger.Warnf("Failed to write metrics: %v", err)
			return
		}
		result.MetricsFile = path
		o.logger.Debugf("Metrics written to %s", path)
	}
}

func (p *pipeline) close(logger *logrus.Logger) {
	if p.backend != nil {
		if err := p.backend.Close(); err != nil {
			logger.Warnf("Failed to close backend: %v", err)
		}
	}
	if p.db != nil {
		p.db.Close()
	}
}
