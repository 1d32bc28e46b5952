// Package dataset holds the tabular side of the workflow: CSV loading, the
// composite word identifier, the left join of the two prominence tables, the
// missing-value audit and z-score standardization. Tables are treated as
// values; every operation returns a new Table.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

var (
	ErrMissingColumn  = errors.New("missing column")
	ErrConstantColumn = errors.New("column has no variance")
)

// DefaultNA lists the cell values read as missing when no tokens are configured.
var DefaultNA = []string{"", "NA", "NaN", "nan"}

type Table struct {
	cols  []string
	index map[string]int
	rows  [][]string
	na    map[string]bool
}

// New builds a table from a header and row-major cells. Short rows are padded
// with empty (missing) cells.
func New(header []string, rows [][]string, naTokens []string) (*Table, error) {
	t := &Table{
		cols:  append([]string(nil), header...),
		index: make(map[string]int, len(header)),
		rows:  make([][]string, len(rows)),
		na:    tokenSet(naTokens),
	}
	for i, c := range t.cols {
		if _, dup := t.index[c]; dup {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		t.index[c] = i
	}
	for i, r := range rows {
		if len(r) > len(header) {
			return nil, fmt.Errorf("row %d has %d cells, header has %d", i+1, len(r), len(header))
		}
		row := make([]string, len(header))
		copy(row, r)
		t.rows[i] = row
	}
	return t, nil
}

func tokenSet(tokens []string) map[string]bool {
	if tokens == nil {
		tokens = DefaultNA
	}
	m := make(map[string]bool, len(tokens)+1)
	m[""] = true
	m["NA"] = true
	for _, s := range tokens {
		m[s] = true
	}
	return m
}

type ReadOptions struct {
	Delimiter rune
	NA        []string
}

// ReadCSV loads a delimited file with a header row.
func ReadCSV(path string, opts ReadOptions) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Decode(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func Decode(r io.Reader, opts ReadOptions) (*Table, error) {
	cr := csv.NewReader(r)
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty file")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	// strip a UTF-8 BOM left by spreadsheet exports
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return New(header, rows, opts.NA)
}

// WriteCSV writes the table with a header row.
func (t *Table) WriteCSV(w io.Writer, delim rune) error {
	cw := csv.NewWriter(w)
	if delim != 0 {
		cw.Comma = delim
	}
	if err := cw.Write(t.cols); err != nil {
		return err
	}
	for _, r := range t.rows {
		if err := cw.Write(r); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (t *Table) Len() int          { return len(t.rows) }
func (t *Table) Columns() []string { return append([]string(nil), t.cols...) }

func (t *Table) Has(col string) bool {
	_, ok := t.index[col]
	return ok
}

// Require returns ErrMissingColumn naming every absent column.
func (t *Table) Require(cols ...string) error {
	var missing []string
	for _, c := range cols {
		if !t.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return nil
}

// Cell returns the raw cell value.
func (t *Table) Cell(row int, col string) string {
	i, ok := t.index[col]
	if !ok {
		return ""
	}
	return t.rows[row][i]
}

func (t *Table) IsNA(row int, col string) bool {
	return t.na[strings.TrimSpace(t.Cell(row, col))]
}

// Strings returns a copy of a column.
func (t *Table) Strings(col string) ([]string, error) {
	i, ok := t.index[col]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
	}
	out := make([]string, len(t.rows))
	for r, row := range t.rows {
		out[r] = row[i]
	}
	return out, nil
}

// Floats parses a column as numbers; missing cells become NaN.
func (t *Table) Floats(col string) ([]float64, error) {
	i, ok := t.index[col]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
	}
	out := make([]float64, len(t.rows))
	for r, row := range t.rows {
		s := strings.TrimSpace(row[i])
		if t.na[s] {
			out[r] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s row %d: %w", col, r+1, err)
		}
		if math.IsInf(v, 0) {
			return nil, fmt.Errorf("column %s row %d: non-finite value %q", col, r+1, s)
		}
		out[r] = v
	}
	return out, nil
}

// WithColumn returns a copy of t with col appended, or replaced when it exists.
func (t *Table) WithColumn(col string, values []string) (*Table, error) {
	if len(values) != len(t.rows) {
		return nil, fmt.Errorf("column %s: %d values for %d rows", col, len(values), len(t.rows))
	}
	out := t.clone()
	i, ok := out.index[col]
	if !ok {
		i = len(out.cols)
		out.cols = append(out.cols, col)
		out.index[col] = i
		for r := range out.rows {
			out.rows[r] = append(out.rows[r], "")
		}
	}
	for r := range out.rows {
		out.rows[r][i] = values[r]
	}
	return out, nil
}

// WithFloatColumn formats values into a new column; NaN is written as NA.
func (t *Table) WithFloatColumn(col string, values []float64) (*Table, error) {
	s := make([]string, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			s[i] = "NA"
			continue
		}
		s[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return t.WithColumn(col, s)
}

func (t *Table) clone() *Table {
	out := &Table{
		cols:  append([]string(nil), t.cols...),
		index: make(map[string]int, len(t.index)),
		rows:  make([][]string, len(t.rows)),
		na:    t.na,
	}
	for k, v := range t.index {
		out.index[k] = v
	}
	for r, row := range t.rows {
		out.rows[r] = append(make([]string, 0, len(row)+1), row...)
	}
	return out
}
