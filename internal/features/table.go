package features

import (
	"bytes"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// Table is a parsed, column-oriented view of an ingested dataset. Numeric
// columns (int and float) are stored as float64; empty cells become nulls
// and mark the column nullable.
type Table struct {
	schema []catalog.Column
	rows   int

	floats map[string][]float64
	strs   map[string][]string
	bools  map[string][]bool
	times  map[string][]time.Time
	nulls  map[string][]bool
}

// Rows returns the number of data rows.
func (t *Table) Rows() int { return t.rows }

// Schema returns the ordered column schema.
func (t *Table) Schema() []catalog.Column { return t.schema }

// Has reports whether the column exists.
func (t *Table) Has(name string) bool {
	for _, c := range t.schema {
		if c.Name == name {
			return true
		}
	}

	return false
}

// Float returns a numeric column (int or float typed).
func (t *Table) Float(name string) ([]float64, bool) {
	v, ok := t.floats[name]

	return v, ok
}

// Str returns a string column.
func (t *Table) Str(name string) ([]string, bool) {
	v, ok := t.strs[name]

	return v, ok
}

// Bool returns a boolean column.
func (t *Table) Bool(name string) ([]bool, bool) {
	v, ok := t.bools[name]

	return v, ok
}

// Time returns a timestamp column.
func (t *Table) Time(name string) ([]time.Time, bool) {
	v, ok := t.times[name]

	return v, ok
}

// Null returns the per-row null mask for the column (nil when the column has
// no nulls).
func (t *Table) Null(name string) []bool { return t.nulls[name] }

// ParseCSV reads a headered CSV dataset, inferring each column's type from
// its values. Inference tries, in order: int, float, bool, RFC 3339
// timestamp; anything else is a string column. A dataset with no data rows
// fails with a Validation fault.
func ParseCSV(data []byte) (*Table, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.ReuseRecord = false

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fault.Validation("dataset is empty")
	}

	if err != nil {
		return nil, fault.Validation("reading CSV header: %v", err)
	}

	seen := make(map[string]bool, len(header))
	for _, name := range header {
		if name == "" {
			return nil, fault.Validation("dataset has an unnamed column")
		}

		if seen[name] {
			return nil, fault.Validation("dataset has duplicate column %q", name)
		}

		seen[name] = true
	}

	var records [][]string

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fault.Validation("reading CSV row %d: %v", len(records)+2, err)
		}

		records = append(records, record)
	}

	if len(records) == 0 {
		return nil, fault.Validation("dataset has a header but no rows")
	}

	t := &Table{
		rows:   len(records),
		floats: make(map[string][]float64),
		strs:   make(map[string][]string),
		bools:  make(map[string][]bool),
		times:  make(map[string][]time.Time),
		nulls:  make(map[string][]bool),
	}

	for col, name := range header {
		if err := t.addColumn(name, col, records); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *Table) addColumn(name string, col int, records [][]string) error {
	raw := make([]string, len(records))
	nullable := false

	for i, record := range records {
		if col >= len(record) {
			return fault.Validation("row %d has %d cells, header has more", i+2, len(record))
		}

		raw[i] = record[col]
		if raw[i] == "" {
			nullable = true
		}
	}

	ctype := inferType(raw)

	column := catalog.Column{Name: name, Type: ctype, Nullable: nullable}
	t.schema = append(t.schema, column)

	if nullable {
		mask := make([]bool, len(raw))
		for i, v := range raw {
			mask[i] = v == ""
		}

		t.nulls[name] = mask
	}

	switch ctype {
	case catalog.ColumnInt, catalog.ColumnFloat:
		vals := make([]float64, len(raw))
		for i, v := range raw {
			if v == "" {
				continue
			}

			vals[i], _ = strconv.ParseFloat(v, 64)
		}

		t.floats[name] = vals

	case catalog.ColumnBool:
		vals := make([]bool, len(raw))
		for i, v := range raw {
			if v == "" {
				continue
			}

			vals[i], _ = strconv.ParseBool(v)
		}

		t.bools[name] = vals

	case catalog.ColumnTimestamp:
		vals := make([]time.Time, len(raw))
		for i, v := range raw {
			if v == "" {
				continue
			}

			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return fault.Validation("column %q row %d: bad timestamp %q", name, i+2, v)
			}

			vals[i] = parsed.UTC()
		}

		t.times[name] = vals

	default:
		t.strs[name] = raw
	}

	return nil
}

// inferType finds the narrowest type every non-empty cell parses as.
func inferType(values []string) catalog.ColumnType {
	isInt, isFloat, isBool, isTime := true, true, true, true
	any := false

	for _, v := range values {
		if v == "" {
			continue
		}

		any = true

		if isInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				isInt = false
			}
		}

		if isFloat {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				isFloat = false
			}
		}

		if isBool {
			if v != "true" && v != "false" {
				isBool = false
			}
		}

		if isTime {
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				isTime = false
			}
		}
	}

	switch {
	case !any:
		return catalog.ColumnString
	case isBool:
		return catalog.ColumnBool
	case isInt:
		return catalog.ColumnInt
	case isFloat:
		return catalog.ColumnFloat
	case isTime:
		return catalog.ColumnTimestamp
	default:
		return catalog.ColumnString
	}
}
