package objective

import (
	"fmt"
	"math"

	"github.com/cwbudde/simcalib/internal/sandbox"
)

// Aggregation kinds.
const (
	Sum        = "sum"
	Mean       = "mean"
	Weighted   = "weighted"
	Expr       = "expression"
	DefaultAgg = Sum
)

// Term is one named objective inside an aggregate.
type Term struct {
	Name      string
	Objective sandbox.Objective
	Weight    float64
}

// Aggregate combines several objectives into one score. If any term fails
// the aggregate fails.
type Aggregate struct {
	kind  string
	terms []Term
	expr  *Expression
}

// NewAggregate validates the combination. expression is only used by the
// expression kind and may reference term names.
func NewAggregate(kind string, terms []Term, expression string) (*Aggregate, error) {
	if len(terms) == 0 {
		return nil, fmt.Errorf("aggregate objective needs at least one term")
	}
	if kind == "" {
		kind = DefaultAgg
	}
	a := &Aggregate{kind: kind, terms: terms}

	names := make([]string, len(terms))
	seen := make(map[string]bool, len(terms))
	for i, t := range terms {
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate objective name %q", t.Name)
		}
		seen[t.Name] = true
		names[i] = t.Name
	}

	switch kind {
	case Sum, Mean, Weighted:
	case Expr:
		expr, err := CompileExpression(expression, names)
		if err != nil {
			return nil, err
		}
		a.expr = expr
	default:
		return nil, fmt.Errorf("unknown aggregation %q", kind)
	}
	return a, nil
}

// Score evaluates every term against dir and combines them.
func (a *Aggregate) Score(dir string) (float64, error) {
	values := make(map[string]float64, len(a.terms))
	var sum, weighted float64
	for _, t := range a.terms {
		v, err := t.Objective.Score(dir)
		if err != nil {
			return 0, fmt.Errorf("objective %s: %w", t.Name, err)
		}
		if math.IsNaN(v) {
			return math.NaN(), nil
		}
		values[t.Name] = v
		sum += v
		weighted += t.Weight * v
	}

	switch a.kind {
	case Mean:
		return sum / float64(len(a.terms)), nil
	case Weighted:
		return weighted, nil
	case Expr:
		return a.expr.Eval(values)
	default:
		return sum, nil
	}
}
