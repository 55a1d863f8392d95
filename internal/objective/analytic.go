package objective

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/simcalib/internal/param"
)

// Analytic is a problem whose objective is a closed-form expression over the
// parameters. It stands in for the simulator in dry runs and benchmarks.
type Analytic struct {
	params []param.Parameter
	expr   *Expression
	logger *slog.Logger
}

// NewAnalytic compiles expression against the parameter names.
func NewAnalytic(params []param.Parameter, expression string) (*Analytic, error) {
	if err := param.Validate(params); err != nil {
		return nil, err
	}
	expr, err := CompileExpression(expression, param.Names(params))
	if err != nil {
		return nil, err
	}
	return &Analytic{params: params, expr: expr, logger: slog.Default()}, nil
}

// Parameters returns the declared parameters.
func (a *Analytic) Parameters() []param.Parameter { return a.params }

// Evaluate computes the expression. Evaluation errors yield NaN.
func (a *Analytic) Evaluate(_ context.Context, values []float64) float64 {
	if len(values) != len(a.params) {
		a.logger.Error("Parameter vector length mismatch", "expected", len(a.params), "got", len(values))
		return math.NaN()
	}
	v, err := a.expr.Eval(param.Named(a.params, values))
	if err != nil {
		a.logger.Warn("Expression evaluation failed", "expression", a.expr.String(), "error", fmt.Sprint(err))
		return math.NaN()
	}
	return v
}
