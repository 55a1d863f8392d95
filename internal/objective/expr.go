package objective

import (
	"errors"
	"fmt"
	"math"

	"github.com/Knetic/govaluate"
)

var constants = map[string]interface{}{
	"pi": math.Pi,
	"e":  math.E,
}

func unary(name string, fn func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%s expects 1 argument, got %d", name, len(args))
		}
		x, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("%s expects a number", name)
		}
		return fn(x), nil
	}
}

func binary(name string, fn func(float64, float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%s expects 2 arguments, got %d", name, len(args))
		}
		x, ok1 := args[0].(float64)
		y, ok2 := args[1].(float64)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%s expects numbers", name)
		}
		return fn(x, y), nil
	}
}

var functions = map[string]govaluate.ExpressionFunction{
	"abs":   unary("abs", math.Abs),
	"sqrt":  unary("sqrt", math.Sqrt),
	"exp":   unary("exp", math.Exp),
	"log":   unary("log", math.Log),
	"log10": unary("log10", math.Log10),
	"sin":   unary("sin", math.Sin),
	"cos":   unary("cos", math.Cos),
	"pow":   binary("pow", math.Pow),
	"min":   binary("min", math.Min),
	"max":   binary("max", math.Max),
}

// Expression is a compiled arithmetic expression over named variables.
// Names that are not plain identifiers can be written as [name].
type Expression struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// CompileExpression parses source and checks that every variable it uses is
// in vars or a known constant.
func CompileExpression(source string, vars []string) (*Expression, error) {
	if source == "" {
		return nil, errors.New("expression cannot be empty")
	}
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(source, functions)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", source, err)
	}
	known := make(map[string]bool, len(vars))
	for _, v := range vars {
		known[v] = true
	}
	for _, v := range expr.Vars() {
		if _, ok := constants[v]; ok {
			continue
		}
		if !known[v] {
			return nil, fmt.Errorf("expression %q references unknown variable %q", source, v)
		}
	}
	return &Expression{source: source, expr: expr}, nil
}

// String returns the expression source.
func (e *Expression) String() string { return e.source }

// Eval evaluates the expression with the given variable values.
func (e *Expression) Eval(vars map[string]float64) (float64, error) {
	params := make(map[string]interface{}, len(vars)+len(constants))
	for k, v := range constants {
		params[k] = v
	}
	for k, v := range vars {
		params[k] = v
	}
	out, err := e.expr.Evaluate(params)
	if err != nil {
		return math.NaN(), err
	}
	switch v := out.(type) {
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return math.NaN(), fmt.Errorf("expression %q produced %T, expected a number", e.source, out)
	}
}
