// Package objective turns simulator output into a scalar score by comparing
// time series against observed targets.
package objective

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Series is a sequence of observations keyed by a normalized time stamp.
type Series struct {
	Keys   []string
	Values []float64
}

// Len returns the number of observations.
func (s Series) Len() int { return len(s.Keys) }

// TableOptions describe how to read a delimited text table.
type TableOptions struct {
	// Delimiter separates columns. Zero detects comma, tab or whitespace from
	// the header line.
	Delimiter rune
	// SkipRows drops leading lines before the header.
	SkipRows int
	// TimeColumn holds the time stamp of each row.
	TimeColumn string
	// TimeColumns, when set, compose the time stamp from year, month, day and
	// optional hour columns instead of TimeColumn.
	TimeColumns []string
	// ValueColumn holds the observed variable.
	ValueColumn string
}

// ReadSeries reads one value column from a delimited table file.
func ReadSeries(path string, opts TableOptions) (Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return Series{}, err
	}
	defer f.Close()

	s, err := ParseSeries(f, opts)
	if err != nil {
		return Series{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseSeries reads one value column from a delimited table.
func ParseSeries(r io.Reader, opts TableOptions) (Series, error) {
	header, rows, err := readTable(r, opts)
	if err != nil {
		return Series{}, err
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	column := func(name string) (int, error) {
		i, ok := index[name]
		if !ok {
			return 0, fmt.Errorf("missing column %q", name)
		}
		return i, nil
	}

	valueCol, err := column(opts.ValueColumn)
	if err != nil {
		return Series{}, err
	}

	var timeCols []int
	names := opts.TimeColumns
	if len(names) == 0 {
		name := opts.TimeColumn
		if name == "" {
			name = "time"
		}
		names = []string{name}
	}
	for _, name := range names {
		i, err := column(name)
		if err != nil {
			return Series{}, err
		}
		timeCols = append(timeCols, i)
	}

	s := Series{
		Keys:   make([]string, 0, len(rows)),
		Values: make([]float64, 0, len(rows)),
	}
	for n, row := range rows {
		if len(row) <= valueCol {
			return Series{}, fmt.Errorf("row %d: expected at least %d columns, got %d", n+1, valueCol+1, len(row))
		}
		key, err := rowKey(row, timeCols)
		if err != nil {
			return Series{}, fmt.Errorf("row %d: %w", n+1, err)
		}
		s.Keys = append(s.Keys, key)
		s.Values = append(s.Values, parseValue(row[valueCol]))
	}
	return s, nil
}

func readTable(r io.Reader, opts TableOptions) ([]string, [][]string, error) {
	br := bufio.NewReader(r)
	for i := 0; i < opts.SkipRows; i++ {
		if _, err := br.ReadString('\n'); err != nil {
			return nil, nil, fmt.Errorf("table ended while skipping rows")
		}
	}

	headerLine, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	headerLine = strings.TrimRight(headerLine, "\r\n")
	if strings.TrimSpace(headerLine) == "" {
		return nil, nil, errors.New("missing header row")
	}

	delim := opts.Delimiter
	if delim == 0 {
		switch {
		case strings.ContainsRune(headerLine, ','):
			delim = ','
		case strings.ContainsRune(headerLine, '\t'):
			delim = '\t'
		default:
			delim = ' '
		}
	}

	if delim == ' ' {
		header := strings.Fields(headerLine)
		var rows [][]string
		sc := bufio.NewScanner(br)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) == 0 {
				continue
			}
			rows = append(rows, fields)
		}
		return header, rows, sc.Err()
	}

	cr := csv.NewReader(io.MultiReader(strings.NewReader(headerLine+"\n"), br))
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	return records[0], records[1:], nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// NormalizeKey maps equivalent time stamps to one string. Times are rendered
// in RFC 3339 UTC, numbers in shortest float form, anything else trimmed.
func NormalizeKey(raw string) string {
	s := strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return s
}

func rowKey(row []string, cols []int) (string, error) {
	if len(cols) == 1 {
		if cols[0] >= len(row) {
			return "", errors.New("missing time value")
		}
		return NormalizeKey(row[cols[0]]), nil
	}

	parts := [4]int{0, 1, 1, 0}
	for i, c := range cols {
		if i >= len(parts) {
			break
		}
		if c >= len(row) {
			return "", errors.New("missing time value")
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[c]), 64)
		if err != nil {
			return "", fmt.Errorf("invalid time component %q", row[c])
		}
		parts[i] = int(v)
	}
	t := time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], 0, 0, 0, time.UTC)
	return t.Format(time.RFC3339), nil
}

func parseValue(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// Align pairs target observations with the simulated values at the same
// time stamps.
//
// Target rows with missing values are dropped. Target and simulated keys must
// be unique, and every remaining target key must be present in the
// simulation. Simulated values may be NaN; the loss then propagates NaN.
func Align(actual, target Series) (sim, obs []float64, err error) {
	byKey := make(map[string]float64, actual.Len())
	for i, k := range actual.Keys {
		if _, dup := byKey[k]; dup {
			return nil, nil, fmt.Errorf("duplicate time stamp %s in simulation output", k)
		}
		byKey[k] = actual.Values[i]
	}

	seen := make(map[string]bool, target.Len())
	for i, k := range target.Keys {
		v := target.Values[i]
		if math.IsNaN(v) {
			continue
		}
		if seen[k] {
			return nil, nil, fmt.Errorf("duplicate time stamp %s in target", k)
		}
		seen[k] = true

		a, ok := byKey[k]
		if !ok {
			return nil, nil, fmt.Errorf("target time stamp %s missing from simulation output", k)
		}
		sim = append(sim, a)
		obs = append(obs, v)
	}
	if len(obs) == 0 {
		return nil, nil, errors.New("no target observations to compare")
	}
	return sim, obs, nil
}
