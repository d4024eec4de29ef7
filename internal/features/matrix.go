package features

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"io"
	"strconv"

	"github.com/modelplane-io/modelplane/internal/fault"
)

// Matrix is the column-major engineered feature matrix. Every engineered
// feature is a float64 column; the column order is the feature order.
type Matrix struct {
	Names []string
	Cols  [][]float64
	Rows  int
}

// Column returns the named column, or nil.
func (m *Matrix) Column(name string) []float64 {
	for i, n := range m.Names {
		if n == name {
			return m.Cols[i]
		}
	}

	return nil
}

// Row materializes row i into buf (which must have len(m.Names)).
func (m *Matrix) Row(i int, buf []float64) []float64 {
	for j, col := range m.Cols {
		buf[j] = col[i]
	}

	return buf
}

// Select returns a new matrix with only the named columns, in the given
// order. Unknown names fail with a Validation fault.
func (m *Matrix) Select(names []string) (*Matrix, error) {
	out := &Matrix{Names: append([]string(nil), names...), Rows: m.Rows}

	for _, name := range names {
		col := m.Column(name)
		if col == nil {
			return nil, fault.Validation("matrix has no column %q", name)
		}

		out.Cols = append(out.Cols, col)
	}

	return out, nil
}

// featureDType is the storage type of every engineered feature column.
const featureDType = "float"

// SchemaHash is the SHA-256 over the ordered (name, dtype) feature list. It
// is the training-serving contract: equal hash means equal extraction
// schema, regardless of which config produced it.
func SchemaHash(names []string) string {
	h := sha256.New()

	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(featureDType))
		h.Write([]byte{'\n'})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// EncodeCSV serializes the matrix with a header row. Values use the
// shortest exact float representation so re-encoding an unchanged matrix is
// byte-identical.
func (m *Matrix) EncodeCSV() ([]byte, error) {
	var buf bytes.Buffer

	w := csv.NewWriter(&buf)

	if err := w.Write(m.Names); err != nil {
		return nil, fault.Internal(err, "writing matrix header")
	}

	record := make([]string, len(m.Names))

	for i := 0; i < m.Rows; i++ {
		for j, col := range m.Cols {
			record[j] = strconv.FormatFloat(col[i], 'g', -1, 64)
		}

		if err := w.Write(record); err != nil {
			return nil, fault.Internal(err, "writing matrix row %d", i)
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		return nil, fault.Internal(err, "flushing matrix")
	}

	return buf.Bytes(), nil
}

// DecodeMatrixCSV parses a matrix serialized by EncodeCSV.
func DecodeMatrixCSV(data []byte) (*Matrix, error) {
	reader := csv.NewReader(bytes.NewReader(data))

	header, err := reader.Read()
	if err != nil {
		return nil, fault.Corrupted("feature matrix has no header: %v", err)
	}

	m := &Matrix{Names: header, Cols: make([][]float64, len(header))}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fault.Corrupted("reading feature matrix row %d: %v", m.Rows+2, err)
		}

		if len(record) != len(header) {
			return nil, fault.Corrupted("feature matrix row %d has %d cells, want %d", m.Rows+2, len(record), len(header))
		}

		for j, cell := range record {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fault.Corrupted("feature matrix cell (%d, %d): %v", m.Rows+2, j, err)
			}

			m.Cols[j] = append(m.Cols[j], v)
		}

		m.Rows++
	}

	return m, nil
}

// RowMajor converts the matrix to row-major form for the learners.
func (m *Matrix) RowMajor() [][]float64 {
	rows := make([][]float64, m.Rows)

	for i := range rows {
		rows[i] = make([]float64, len(m.Cols))
		m.Row(i, rows[i])
	}

	return rows
}
