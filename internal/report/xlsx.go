package report

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/cwbudde/simcalib/internal/opt"
	"github.com/cwbudde/simcalib/internal/runlog"
)

// Sheet names of the workbook.
const (
	ResultSheet      = "Result"
	EvaluationsSheet = "Evaluations"
)

// WriteXLSX writes the result and, when evals is not nil, every evaluation
// into a workbook. Failed evaluations leave the objective cell empty.
func WriteXLSX(path string, r *opt.Result, evals *runlog.Evaluations) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ResultSheet); err != nil {
		return err
	}
	if err := writeResultSheet(f, r); err != nil {
		return err
	}
	if evals != nil {
		if _, err := f.NewSheet(EvaluationsSheet); err != nil {
			return err
		}
		if err := writeEvaluationsSheet(f, evals); err != nil {
			return err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

func writeResultSheet(f *excelize.File, r *opt.Result) error {
	rows := [][]any{
		{"optimizer", r.Optimizer},
		{"initial_objective", cellValue(r.InitialObjective)},
		{"best_objective", cellValue(r.BestObjective)},
		{"evaluations", r.Evaluations},
		{"steps", r.Steps},
		{"stop_reason", r.StopReason},
		{},
		{"name", "initial", "best", "low", "high"},
	}
	for _, p := range r.Parameters {
		row := []any{p.Name, p.Initial, p.Best}
		if p.ValidRange != nil {
			row = append(row, p.ValidRange.Low, p.ValidRange.High)
		}
		rows = append(rows, row)
	}
	return setRows(f, ResultSheet, rows)
}

func writeEvaluationsSheet(f *excelize.File, evals *runlog.Evaluations) error {
	header := []any{"step", "objective_value"}
	for _, name := range evals.Parameters {
		header = append(header, name)
	}
	rows := [][]any{header}
	for _, e := range evals.Rows {
		row := []any{e.Step, cellValue(e.Objective)}
		for _, v := range e.Values {
			row = append(row, v)
		}
		rows = append(rows, row)
	}
	return setRows(f, EvaluationsSheet, rows)
}

func setRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("sheet %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

// cellValue maps non-finite objectives to an empty cell.
func cellValue(v float64) any {
	if !finite(v) {
		return nil
	}
	return v
}
