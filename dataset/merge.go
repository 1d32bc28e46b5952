package dataset

import (
	"fmt"
	"strings"
)

// IDColumn is the name of the derived identifier column.
const IDColumn = "ID"

// WithID appends the identifier built by concatenating keys (Speaker, Sentence,
// Word) with sep between them.
func WithID(t *Table, keys []string, sep string) (*Table, error) {
	if err := t.Require(keys...); err != nil {
		return nil, err
	}
	ids := make([]string, t.Len())
	parts := make([]string, len(keys))
	for r := range ids {
		for k, key := range keys {
			parts[k] = t.Cell(r, key)
		}
		ids[r] = strings.Join(parts, sep)
	}
	return t.WithColumn(IDColumn, ids)
}

// Overlap summarises how the identifiers of two tables line up.
type Overlap struct {
	Both      int
	OnlyLeft  int
	OnlyRight int
	// a few examples for the log
	LeftExamples  []string
	RightExamples []string
}

func (o Overlap) Complete() bool { return o.OnlyLeft == 0 && o.OnlyRight == 0 }

// CheckOverlap compares distinct values of col in both tables.
func CheckOverlap(left, right *Table, col string) (Overlap, error) {
	l, err := distinct(left, col)
	if err != nil {
		return Overlap{}, fmt.Errorf("left: %w", err)
	}
	r, err := distinct(right, col)
	if err != nil {
		return Overlap{}, fmt.Errorf("right: %w", err)
	}
	var o Overlap
	for _, id := range l.order {
		if r.set[id] {
			o.Both++
			continue
		}
		o.OnlyLeft++
		if len(o.LeftExamples) < 5 {
			o.LeftExamples = append(o.LeftExamples, id)
		}
	}
	for _, id := range r.order {
		if !l.set[id] {
			o.OnlyRight++
			if len(o.RightExamples) < 5 {
				o.RightExamples = append(o.RightExamples, id)
			}
		}
	}
	return o, nil
}

type distinctSet struct {
	order []string
	set   map[string]bool
}

func distinct(t *Table, col string) (distinctSet, error) {
	vals, err := t.Strings(col)
	if err != nil {
		return distinctSet{}, err
	}
	d := distinctSet{set: make(map[string]bool, len(vals))}
	for _, v := range vals {
		if !d.set[v] {
			d.set[v] = true
			d.order = append(d.order, v)
		}
	}
	return d, nil
}

// JoinStats reports what LeftJoin had to resolve.
type JoinStats struct {
	Matched    int
	Unmatched  int
	Duplicates int      // extra right rows sharing an identifier; the first one is used
	Renamed    []string // right columns suffixed with ".y" because the left already had them
}

// LeftJoin keeps every left row in order and appends the right table's columns
// except the key and exclude columns. Unmatched left rows get missing cells, so
// the result always has left.Len() rows.
func LeftJoin(left, right *Table, key string, exclude []string) (*Table, JoinStats, error) {
	var st JoinStats
	if err := left.Require(key); err != nil {
		return nil, st, fmt.Errorf("left: %w", err)
	}
	if err := right.Require(key); err != nil {
		return nil, st, fmt.Errorf("right: %w", err)
	}
	skip := map[string]bool{key: true}
	for _, c := range exclude {
		skip[c] = true
	}

	var add []string
	var names []string
	for _, c := range right.cols {
		if skip[c] {
			continue
		}
		add = append(add, c)
		name := c
		if left.Has(c) {
			name = c + ".y"
			st.Renamed = append(st.Renamed, c)
		}
		names = append(names, name)
	}

	first := make(map[string]int, right.Len())
	ki := right.index[key]
	for r, row := range right.rows {
		if _, seen := first[row[ki]]; seen {
			st.Duplicates++
			continue
		}
		first[row[ki]] = r
	}

	header := append(left.Columns(), names...)
	rows := make([][]string, left.Len())
	lk := left.index[key]
	for r, lrow := range left.rows {
		row := make([]string, 0, len(header))
		row = append(row, lrow...)
		rr, ok := first[lrow[lk]]
		if ok {
			st.Matched++
		} else {
			st.Unmatched++
		}
		for _, c := range add {
			if ok {
				row = append(row, right.rows[rr][right.index[c]])
			} else {
				row = append(row, "")
			}
		}
		rows[r] = row
	}

	out, err := New(header, rows, nil)
	if err != nil {
		return nil, st, err
	}
	out.na = mergeNA(left.na, right.na)
	return out, st, nil
}

func mergeNA(a, b map[string]bool) map[string]bool {
	m := make(map[string]bool, len(a)+len(b))
	for k := range a {
		m[k] = true
	}
	for k := range b {
		m[k] = true
	}
	return m
}
