package metrics

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.ObserveStage("TokenizerTrain", 2*time.Second, nil)
	r.ObserveStage("Train", 500*time.Millisecond, nil)
	r.ObserveStage("Generate", time.Second, errors.New("boom"))
	r.ObserveLoss(1.5, 2.25)
	r.AddSamples(3)
	r.SetRun("04_gpt_neo_scratch_20240101000000", "dryrun", "Aborted")

	dir := t.TempDir()
	path, err := r.WriteTextfile(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, TextfileName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)

	assert.Contains(t, out, `neoscratch_stage_duration_seconds{stage="TokenizerTrain"} 2`)
	assert.Contains(t, out, `neoscratch_stage_duration_seconds{stage="Train"} 0.5`)
	assert.NotContains(t, out, `neoscratch_stage_duration_seconds{stage="Generate"}`)
	assert.Contains(t, out, `neoscratch_stage_success{stage="Generate"} 0`)
	assert.Contains(t, out, `neoscratch_train_loss{stat="mean"} 2.25`)
	assert.Contains(t, out, "neoscratch_generated_samples_total 3")
	assert.Contains(t, out, `state="Aborted"`)
	assert.Equal(t, 2, strings.Count(out, "neoscratch_stage_duration_seconds{"))
}

func TestObserveLoss_NaN(t *testing.T) {
	r := NewRecorder()
	r.ObserveLoss(math.NaN(), math.NaN())

	families, err := r.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		assert.NotEqual(t, "neoscratch_train_loss", mf.GetName())
	}
}
