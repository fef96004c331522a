// Package metrics records per-stage pipeline metrics on a private registry and
// writes them as a Prometheus textfile next to the run artifacts.
package metrics

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const TextfileName = "pipeline_metrics.prom"

type Recorder struct {
	registry      *prometheus.Registry
	stageDuration *prometheus.GaugeVec
	stageStatus   *prometheus.GaugeVec
	trainLoss     *prometheus.GaugeVec
	samples       prometheus.Counter
	runInfo       *prometheus.GaugeVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "neoscratch_stage_duration_seconds",
				Help: "Wall-clock duration of each completed pipeline stage",
			},
			[]string{"stage"},
		),
		stageStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "neoscratch_stage_success",
				Help: "1 when the stage completed, 0 when it failed",
			},
			[]string{"stage"},
		),
		trainLoss: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "neoscratch_train_loss",
				Help: "Training loss summary reported by the backend",
			},
			[]string{"stat"},
		),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "neoscratch_generated_samples_total",
			Help: "Number of samples written to the generation file",
		}),
		runInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "neoscratch_run_info",
				Help: "Run identity and final state",
			},
			[]string{"run", "backend", "state"},
		),
	}
	r.registry.MustRegister(r.stageDuration, r.stageStatus, r.trainLoss, r.samples, r.runInfo)
	return r
}

func (r *Recorder) ObserveStage(stage string, d time.Duration, err error) {
	if err != nil {
		r.stageStatus.WithLabelValues(stage).Set(0)
		return
	}
	r.stageDuration.WithLabelValues(stage).Set(d.Seconds())
	r.stageStatus.WithLabelValues(stage).Set(1)
}

// ObserveLoss skips NaN values so an empty loss history leaves no series.
func (r *Recorder) ObserveLoss(last, mean float64) {
	if !math.IsNaN(last) {
		r.trainLoss.WithLabelValues("last").Set(last)
	}
	if !math.IsNaN(mean) {
		r.trainLoss.WithLabelValues("mean").Set(mean)
	}
}

func (r *Recorder) AddSamples(n int) {
	if n > 0 {
		r.samples.Add(float64(n))
	}
}

func (r *Recorder) SetRun(run, backend, state string) {
	r.runInfo.Reset()
	r.runInfo.WithLabelValues(run, backend, state).Set(1)
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile writes the registry to dir/pipeline_metrics.prom.
func (r *Recorder) WriteTextfile(dir string) (string, error) {
	path := filepath.Join(dir, TextfileName)
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return "", fmt.Errorf("failed to write metrics: %w", err)
	}
	return path, nil
}
