// Package runlog implements recorders that persist what an optimizer reports.
package runlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/cwbudde/simcalib/internal/opt"
)

// ResultFile is the result log inside a run directory.
const ResultFile = "result.csv"

// CSVLog writes one row per evaluation: step,objective_value,<param...>.
// It is safe for concurrent use. Write errors are kept and reported by Close.
type CSVLog struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	width  int
	err    error
}

// NewCSVLog creates the result log. In append mode an existing file is
// extended without writing a second header.
func NewCSVLog(path string, params []string, appendMode bool) (*CSVLog, error) {
	writeHeader := true
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			writeHeader = false
		}
	}

	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open result log: %w", err)
	}

	l := &CSVLog{
		file:   file,
		writer: csv.NewWriter(file),
		width:  len(params),
	}
	if writeHeader {
		header := append([]string{"step", "objective_value"}, params...)
		if err := l.writer.Write(header); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write result header: %w", err)
		}
	}
	return l, nil
}

// RecordEvaluation implements opt.Recorder.
func (l *CSVLog) RecordEvaluation(e opt.Evaluation) {
	row := make([]string, 0, 2+len(e.Values))
	row = append(row, strconv.Itoa(e.Step), formatFloat(e.Objective))
	for _, v := range e.Values {
		row = append(row, formatFloat(v))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(e.Values) != l.width {
		l.err = errors.Join(l.err, fmt.Errorf("evaluation has %d values, log has %d columns", len(e.Values), l.width))
		return
	}
	if err := l.writer.Write(row); err != nil {
		l.err = errors.Join(l.err, err)
	}
}

// RecordProgress implements opt.Recorder. Progress goes to the trace.
func (l *CSVLog) RecordProgress(opt.Progress) {}

// Flush writes buffered rows to disk.
func (l *CSVLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer.Flush()
	return l.writer.Error()
}

// Close flushes and closes the file, returning the first write error.
func (l *CSVLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer.Flush()
	err := errors.Join(l.err, l.writer.Error(), l.file.Close())
	if err != nil {
		return fmt.Errorf("result log: %w", err)
	}
	return nil
}

// Evaluations is the content of a result log.
type Evaluations struct {
	Parameters []string
	Rows       []opt.Evaluation
}

// ReadCSV reads a result log written by CSVLog.
func ReadCSV(path string) (*Evaluations, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open result log: %w", err)
	}
	defer f.Close()
	return ParseCSV(f)
}

// ParseCSV parses result log rows. Failed evaluations read back as NaN.
func ParseCSV(r io.Reader) (*Evaluations, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read result header: %w", err)
	}
	if len(header) < 2 || header[0] != "step" || header[1] != "objective_value" {
		return nil, fmt.Errorf("not a result log: header %v", header)
	}

	out := &Evaluations{Parameters: header[2:]}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		step, err := strconv.Atoi(record[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad step %q", line, record[0])
		}
		e := opt.Evaluation{Step: step, Values: make([]float64, len(record)-2)}
		if e.Objective, err = strconv.ParseFloat(record[1], 64); err != nil {
			return nil, fmt.Errorf("line %d: bad objective %q", line, record[1])
		}
		for i, raw := range record[2:] {
			if e.Values[i], err = strconv.ParseFloat(raw, 64); err != nil {
				return nil, fmt.Errorf("line %d: bad value %q", line, raw)
			}
		}
		out.Rows = append(out.Rows, e)
	}
	return out, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
