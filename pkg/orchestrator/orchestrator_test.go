package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/pistobot/neoscratch/pkg/backend"
	"github.com/pistobot/neoscratch/pkg/config"
	"github.com/pistobot/neoscratch/pkg/metrics"
	"github.com/pistobot/neoscratch/pkg/rundir"
)

var fixedTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

type params map[string]interface{}

func (p params) group(name string) map[string]interface{} {
	return p[name].(map[string]interface{})
}

func baseParams(corpus, savePath string) params {
	return params{
		"data": map[string]interface{}{"file_path": corpus},
		"ml": map[string]interface{}{
			"save_path":            savePath,
			"vocab_size":           100,
			"tokenizer_dropout":    0.0,
			"tokens_min_frequency": 1,
			"model_max_length":     64,
			"model_n_layer":        4,
			"model_n_head":         2,
			"train_steps":          1,
			"train_generate_every": 1,
			"train_save_every":     1,
			"train_learning_rate":  0.001,
			"train_batch_size":     1,
		},
		"generation": map[string]interface{}{
			"n_text":             1,
			"batch_size":         1,
			"seed":               42,
			"cleanup":            "True",
			"prefix":             "",
			"max_length":         20,
			"temperature":        0.9,
			"top_p":              0.9,
			"repetition_penalty": 1.0,
			"early_stopping":     false,
			"num_beams":          1,
		},
		"runtime": map[string]interface{}{"backend": "dryrun", "to_gpu": false},
	}
}

type fixture struct {
	dir      string
	corpus   string
	savePath string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	corpus := filepath.Join(dir, "corpus.txt")
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, fmt.Sprintf("line %d of the scratch corpus", i))
	}
	require.NoError(t, os.WriteFile(corpus, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return fixture{dir: dir, corpus: corpus, savePath: filepath.Join(dir, "runs")}
}

func (f fixture) write(t *testing.T, p params) string {
	t.Helper()
	data, err := yaml.Marshal(map[string]interface{}(p))
	require.NoError(t, err)
	path := filepath.Join(f.dir, fmt.Sprintf("params-%d.yaml", time.Now().UnixNano()))
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func testLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := NewLogger("test", true)
	logger.SetOutput(&buf)
	return logger, &buf
}

// recordingBackend records every call and can fail at a chosen one.
type recordingBackend struct {
	calls     []string
	failAt    string
	tokenizer backend.TokenizerRequest
	arch      backend.Architecture
	train     backend.TrainRequest
	generate  backend.GenerateRequest
}

func (r *recordingBackend) fail(call string, sentinel error) error {
	r.calls = append(r.calls, call)
	if r.failAt == call {
		return fmt.Errorf("%w: injected", sentinel)
	}
	return nil
}

func (r *recordingBackend) Name() string { return "recording" }

func (r *recordingBackend) Close() error {
	r.calls = append(r.calls, "Close")
	return nil
}

func (r *recordingBackend) TrainTokenizer(ctx context.Context, req backend.TokenizerRequest) error {
	r.tokenizer = req
	return r.fail("TrainTokenizer", backend.ErrTokenizer)
}

func (r *recordingBackend) BuildModel(ctx context.Context, arch backend.Architecture, artifacts backend.TokenizerArtifacts, toGPU bool) (*backend.Model, error) {
	r.arch = arch
	if err := r.fail("BuildModel", backend.ErrModelConstruction); err != nil {
		return nil, err
	}
	return &backend.Model{Backend: "recording", Architecture: arch, Artifacts: artifacts, ToGPU: toGPU}, nil
}

func (r *recordingBackend) Train(ctx context.Context, model *backend.Model, req backend.TrainRequest) (*backend.TrainReport, error) {
	r.train = req
	if err := r.fail("Train", backend.ErrTraining); err != nil {
		return nil, err
	}
	model.Steps += req.Steps
	model.CheckpointDir = req.OutputDir
	report := &backend.TrainReport{Steps: req.Steps}
	report.AddLoss(2.5)
	return report, nil
}

func (r *recordingBackend) Generate(ctx context.Context, model *backend.Model, req backend.GenerateRequest) error {
	r.generate = req
	if err := r.fail("Generate", backend.ErrGeneration); err != nil {
		return err
	}
	samples := make([]string, req.N)
	for i := range samples {
		samples[i] = fmt.Sprintf("sample %d", i)
	}
	f, err := os.Create(req.Destination)
	if err != nil {
		return err
	}
	defer f.Close()
	return backend.WriteSamples(f, samples)
}

func recordingFactory(r *recordingBackend) BackendFactory {
	return func(config.Runtime, *logrus.Logger) (backend.Backend, error) {
		return r, nil
	}
}

func TestRun_EndToEndDryrun(t *testing.T) {
	f := newFixture(t)
	p := baseParams(f.corpus, f.savePath)
	p.group("runtime")["metrics"] = true
	path := f.write(t, p)

	logger, logs := testLogger()
	o := New(Options{ParamsPath: path, Logger: logger, Clock: fixedClock(fixedTime)})

	result, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StageDone, result.State)
	assert.Equal(t, "dryrun", result.Backend)
	assert.Len(t, result.Stages, len(Stages))

	runDir := filepath.Join(f.savePath, "04_gpt_neo_scratch_20240102030405")
	assert.Equal(t, runDir, result.RunDir)
	assert.True(t, rundir.Match(result.RunName))
	assert.FileExists(t, filepath.Join(runDir, backend.VocabFileName))
	assert.FileExists(t, filepath.Join(runDir, backend.MergesFileName))

	entries, err := os.ReadDir(filepath.Join(runDir, rundir.GenerationDir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "20240102030405.txt", entries[0].Name())
	assert.Equal(t, filepath.Join(runDir, "generation", "20240102030405.txt"), result.GenerationFile)

	samples, err := backend.ReadSamples(result.GenerationFile)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.LessOrEqual(t, len(strings.Fields(samples[0])), 20)
	assert.Equal(t, 1, result.Samples)

	// persisted params are the three groups exactly as parsed
	persisted, err := os.ReadFile(filepath.Join(runDir, config.RunParamsFile))
	require.NoError(t, err)
	var got, want map[string]interface{}
	require.NoError(t, yaml.Unmarshal(persisted, &got))
	original, _ := os.ReadFile(path)
	require.NoError(t, yaml.Unmarshal(original, &want))
	delete(want, "runtime")
	assert.Equal(t, want, got)

	metricsData, err := os.ReadFile(filepath.Join(runDir, metrics.TextfileName))
	require.NoError(t, err)
	assert.Equal(t, len(Stages), strings.Count(string(metricsData), "neoscratch_stage_duration_seconds{"))
	assert.Equal(t, filepath.Join(runDir, metrics.TextfileName), result.MetricsFile)

	out := logs.String()
	for _, line := range []string{
		"[test][INFO]: Training tokenizer...",
		"[test][INFO]: Training tokenizer completed!",
		"[test][INFO]: Training model...",
		"[test][INFO]: Training completed!",
		"[test][INFO]: Generation starting...",
		"[test][INFO]: Generation completed!",
		"[test][DEBUG]: Model params saved at",
	} {
		assert.Contains(t, out, line)
	}
}

func TestRun_MissingKeyLeavesNoDirectory(t *testing.T) {
	f := newFixture(t)
	rec := &recordingBackend{}

	for _, key := range []string{"ml.train_steps", "data.file_path", "generation.seed"} {
		t.Run(key, func(t *testing.T) {
			p := baseParams(f.corpus, f.savePath)
			parts := strings.SplitN(key, ".", 2)
			delete(p.group(parts[0]), parts[1])

			o := New(Options{ParamsPath: f.write(t, p), NewBackend: recordingFactory(rec), Clock: fixedClock(fixedTime)})
			result, err := o.Run(context.Background())

			var stageErr *StageError
			require.True(t, errors.As(err, &stageErr))
			assert.Equal(t, StageConfigLoad, stageErr.Stage)
			assert.ErrorIs(t, err, config.ErrConfig)
			assert.Contains(t, err.Error(), key)
			assert.Equal(t, StageAborted, result.State)
			assert.NoDirExists(t, f.savePath)
		})
	}
	assert.Empty(t, rec.calls)
}

func TestRun_MissingParamsFile(t *testing.T) {
	o := New(Options{ParamsPath: filepath.Join(t.TempDir(), "nope.yaml")})
	_, err := o.Run(context.Background())

	var cfgErr *config.Error
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, config.KindMissingFile, cfgErr.Kind)
}

func TestRun_FailureStopsLaterStages(t *testing.T) {
	cases := []struct {
		failAt   string
		stage    Stage
		sentinel error
		calls    []string
	}{
		{"TrainTokenizer", StageTokenizerTrain, backend.ErrTokenizer, []string{"TrainTokenizer", "Close"}},
		{"BuildModel", StageModelBuild, backend.ErrModelConstruction, []string{"TrainTokenizer", "BuildModel", "Close"}},
		{"Train", StageTrain, backend.ErrTraining, []string{"TrainTokenizer", "BuildModel", "Train", "Close"}},
		{"Generate", StageGenerate, backend.ErrGeneration, []string{"TrainTokenizer", "BuildModel", "Train", "Generate", "Close"}},
	}

	for _, tc := range cases {
		t.Run(tc.failAt, func(t *testing.T) {
			f := newFixture(t)
			rec := &recordingBackend{failAt: tc.failAt}
			o := New(Options{ParamsPath: f.write(t, baseParams(f.corpus, f.savePath)), NewBackend: recordingFactory(rec), Clock: fixedClock(fixedTime)})

			result, err := o.Run(context.Background())
			var stageErr *StageError
			require.True(t, errors.As(err, &stageErr))
			assert.Equal(t, tc.stage, stageErr.Stage)
			assert.ErrorIs(t, err, tc.sentinel)
			assert.Equal(t, tc.calls, rec.calls)
			assert.Equal(t, StageAborted, result.State)

			// no rollback: the run directory stays, the params file is never written
			assert.DirExists(t, result.RunDir)
			assert.NoFileExists(t, filepath.Join(result.RunDir, config.RunParamsFile))
		})
	}
}

func TestRun_ModelBuildLayerMismatch(t *testing.T) {
	f := newFixture(t)
	p := baseParams(f.corpus, f.savePath)
	p.group("ml")["model_n_layer"] = 6

	o := New(Options{ParamsPath: f.write(t, p), Clock: fixedClock(fixedTime)})
	result, err := o.Run(context.Background())

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageModelBuild, stageErr.Stage)
	assert.ErrorIs(t, err, backend.ErrModelConstruction)
	assert.FileExists(t, filepath.Join(result.RunDir, backend.VocabFileName))
	assert.NoDirExists(t, filepath.Join(result.RunDir, rundir.GenerationDir))
}

func TestRun_PassesParameters(t *testing.T) {
	f := newFixture(t)
	p := baseParams(f.corpus, f.savePath)
	p.group("ml")["tokenizer_dropout"] = 0.1
	p.group("generation")["prefix"] = "Ciao"
	p.group("runtime")["to_gpu"] = true

	rec := &recordingBackend{}
	o := New(Options{ParamsPath: f.write(t, p), NewBackend: recordingFactory(rec), Clock: fixedClock(fixedTime)})
	result, err := o.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, rec.tokenizer.Dropout)
	assert.InDelta(t, 0.1, *rec.tokenizer.Dropout, 1e-12)
	assert.Equal(t, []string{f.corpus}, rec.tokenizer.Files)
	assert.Equal(t, result.RunDir, rec.tokenizer.SaveDir)

	assert.Equal(t, backend.GlobalLocalAttention(), rec.arch.AttentionTypes)
	assert.Equal(t, 64, rec.arch.MaxPositionEmbeddings)

	assert.Equal(t, f.corpus, rec.train.Corpus)
	assert.Equal(t, result.RunDir, rec.train.OutputDir)
	assert.InDelta(t, 0.001, rec.train.LearningRate, 1e-12)

	assert.Equal(t, "Ciao", rec.generate.Prompt)
	assert.Equal(t, int64(42), rec.generate.Seed)
	assert.True(t, rec.generate.Cleanup)
	assert.Equal(t, []float64{2.5}, result.Report.Losses)
}

func TestRun_ZeroDropoutIsDisabled(t *testing.T) {
	f := newFixture(t)
	rec := &recordingBackend{}
	o := New(Options{ParamsPath: f.write(t, baseParams(f.corpus, f.savePath)), NewBackend: recordingFactory(rec), Clock: fixedClock(fixedTime)})

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec.tokenizer.Dropout)
}

func TestRun_CleanupStrings(t *testing.T) {
	cases := []struct {
		value   interface{}
		want    bool
		warning bool
	}{
		{"True", true, false},
		{"False", false, false},
		{"true", false, true},
		{"1", false, true},
		{true, true, false},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.value), func(t *testing.T) {
			f := newFixture(t)
			p := baseParams(f.corpus, f.savePath)
			p.group("generation")["cleanup"] = tc.value

			logger, logs := testLogger()
			rec := &recordingBackend{}
			o := New(Options{ParamsPath: f.write(t, p), Logger: logger, NewBackend: recordingFactory(rec), Clock: fixedClock(fixedTime)})
			_, err := o.Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, tc.want, rec.generate.Cleanup)
			assert.Equal(t, tc.warning, strings.Contains(logs.String(), "[test][WARNING]: generation.cleanup"))
		})
	}
}

func TestRun_DistinctRunsDoNotOverlap(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, baseParams(f.corpus, f.savePath))

	first, err := New(Options{ParamsPath: path, Clock: fixedClock(fixedTime)}).Run(context.Background())
	require.NoError(t, err)
	second, err := New(Options{ParamsPath: path, Clock: fixedClock(fixedTime.Add(time.Second))}).Run(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.RunDir, second.RunDir)
	assert.FileExists(t, first.GenerationFile)
	assert.FileExists(t, second.GenerationFile)

	entries, err := os.ReadDir(f.savePath)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRun_BackendOverride(t *testing.T) {
	f := newFixture(t)
	p := baseParams(f.corpus, f.savePath)
	p.group("runtime")["backend"] = "aitextgen"

	var selected config.Runtime
	rec := &recordingBackend{}
	factory := func(rt config.Runtime, logger *logrus.Logger) (backend.Backend, error) {
		selected = rt
		return rec, nil
	}

	o := New(Options{ParamsPath: f.write(t, p), Backend: "dryrun", Python: "/opt/py/bin/python3", NewBackend: factory, Clock: fixedClock(fixedTime)})
	_, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dryrun", selected.Backend)
	assert.Equal(t, "/opt/py/bin/python3", selected.Python)
}

func TestRun_BackendUnavailable(t *testing.T) {
	f := newFixture(t)
	factory := func(config.Runtime, *logrus.Logger) (backend.Backend, error) {
		return nil, errors.New("python interpreter not found")
	}

	o := New(Options{ParamsPath: f.write(t, baseParams(f.corpus, f.savePath)), NewBackend: factory})
	_, err := o.Run(context.Background())

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageConfigLoad, stageErr.Stage)
	assert.NoDirExists(t, f.savePath)
}

func TestRun_MissingCorpus(t *testing.T) {
	f := newFixture(t)
	p := baseParams(filepath.Join(f.dir, "missing.txt"), f.savePath)

	rec := &recordingBackend{}
	o := New(Options{ParamsPath: f.write(t, p), NewBackend: recordingFactory(rec), Clock: fixedClock(fixedTime)})
	_, err := o.Run(context.Background())

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageTokenizerTrain, stageErr.Stage)
	assert.ErrorIs(t, err, backend.ErrTokenizer)
	assert.Equal(t, []string{"Close"}, rec.calls)
}

func TestRun_WithoutHomeDirectory(t *testing.T) {
	t.Setenv("HOME", "")
	t.Setenv("XDG_CACHE_HOME", "")
	t.Setenv("XDG_CONFIG_HOME", "")

	f := newFixture(t)
	o := New(Options{ParamsPath: f.write(t, baseParams(f.corpus, f.savePath)), Clock: fixedClock(fixedTime)})
	result, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StageDone, result.State)
	assert.FileExists(t, result.GenerationFile)
}

func TestDefaultBackendFactory(t *testing.T) {
	be, err := DefaultBackendFactory(config.Runtime{Backend: "dryrun"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "dryrun", be.Name())

	_, err = DefaultBackendFactory(config.Runtime{Backend: "tensorflow"}, nil)
	assert.Error(t, err)
}
