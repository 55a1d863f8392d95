package objective

import (
	"fmt"
	"math"
	"sort"
)

// LossFunc compares aligned simulated and observed values. Both slices have
// the same non-zero length.
type LossFunc func(sim, obs []float64) float64

var losses = map[string]LossFunc{
	"mse":  MSE,
	"rmse": RMSE,
	"mae":  MAE,
	"ssd":  SSD,
}

// LookupLoss returns the loss registered under name.
func LookupLoss(name string) (LossFunc, error) {
	if name == "" {
		name = "mse"
	}
	fn, ok := losses[name]
	if !ok {
		return nil, fmt.Errorf("unknown loss %q (available: %v)", name, LossNames())
	}
	return fn, nil
}

// LossNames lists the registered losses.
func LossNames() []string {
	names := make([]string, 0, len(losses))
	for n := range losses {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SSD is the sum of squared differences.
func SSD(sim, obs []float64) float64 {
	var sum float64
	for i := range obs {
		d := sim[i] - obs[i]
		sum += d * d
	}
	return sum
}

// MSE is the mean squared error.
func MSE(sim, obs []float64) float64 {
	return SSD(sim, obs) / float64(len(obs))
}

// RMSE is the root mean squared error.
func RMSE(sim, obs []float64) float64 {
	return math.Sqrt(MSE(sim, obs))
}

// MAE is the mean absolute error.
func MAE(sim, obs []float64) float64 {
	var sum float64
	for i := range obs {
		sum += math.Abs(sim[i] - obs[i])
	}
	return sum / float64(len(obs))
}
