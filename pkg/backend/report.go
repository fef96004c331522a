package backend

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// TrainReport summarises what a Train call did.
type TrainReport struct {
	Steps       int
	Checkpoints int
	Samples     int
	Losses      []float64
}

func (r *TrainReport) AddLoss(loss float64) {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return
	}
	r.Losses = append(r.Losses, loss)
}

// MeanLoss is NaN when no loss was reported.
func (r *TrainReport) MeanLoss() float64 {
	if len(r.Losses) == 0 {
		return math.NaN()
	}
	return stat.Mean(r.Losses, nil)
}

func (r *TrainReport) LossStdDev() float64 {
	if len(r.Losses) < 2 {
		return 0
	}
	return stat.StdDev(r.Losses, nil)
}

func (r *TrainReport) LastLoss() float64 {
	if len(r.Losses) == 0 {
		return math.NaN()
	}
	return r.Losses[len(r.Losses)-1]
}

func (r *TrainReport) String() string {
	if len(r.Losses) == 0 {
		return fmt.Sprintf("steps=%d checkpoints=%d samples=%d", r.Steps, r.Checkpoints, r.Samples)
	}
	return fmt.Sprintf("steps=%d checkpoints=%d samples=%d loss(last=%.4f mean=%.4f sd=%.4f)",
		r.Steps, r.Checkpoints, r.Samples, r.LastLoss(), r.MeanLoss(), r.LossStdDev())
}
