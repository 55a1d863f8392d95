package opt

import (
	"math"

	"github.com/cwbudde/simcalib/internal/param"
)

// scaler maps continuous parameters to [-1, 1] and back, so that optimizers
// with a single step size or scalar bounds see every dimension alike.
type scaler struct {
	low  []float64
	high []float64
}

// newScaler rejects anything but continuous parameters.
func newScaler(optimizer string, params []param.Parameter) (*scaler, error) {
	if err := param.Validate(params); err != nil {
		return nil, err
	}
	s := &scaler{low: make([]float64, len(params)), high: make([]float64, len(params))}
	for i, p := range params {
		if p.Kind != param.Continuous {
			return nil, &param.ValidationError{
				Parameter: p.Name,
				Field:     "kind",
				Reason:    "must be continuous for the " + optimizer + " optimizer",
			}
		}
		s.low[i] = p.ValidRange.Low
		s.high[i] = p.ValidRange.High
	}
	return s, nil
}

func (s *scaler) dim() int { return len(s.low) }

// toUnit maps parameter values into [-1, 1].
func (s *scaler) toUnit(x []float64) []float64 {
	u := make([]float64, len(x))
	for i, v := range x {
		span := s.high[i] - s.low[i]
		if span == 0 {
			continue
		}
		u[i] = 2*(v-s.low[i])/span - 1
	}
	return u
}

// fromUnit maps [-1, 1] back to parameter values, clamping points that
// the optimizer placed outside the box.
func (s *scaler) fromUnit(u []float64) []float64 {
	x := make([]float64, len(u))
	for i, v := range u {
		v = math.Max(-1, math.Min(1, v))
		x[i] = s.low[i] + (v+1)/2*(s.high[i]-s.low[i])
	}
	return x
}
