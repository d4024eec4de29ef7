package features

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// genTransactionsCSV builds a synthetic fraud dataset: frauds carry high
// amounts at night from a device the user does not normally use.
func genTransactionsCSV(n int, fraudRate float64, seed int64) []byte {
	rng := rand.New(rand.NewSource(seed))

	var buf bytes.Buffer

	buf.WriteString("transaction_id,user_id,amount,merchant_category,payment_method,device_type,country,home_country,timestamp,account_created_at,is_fraud\n")

	merchants := []string{"electronics", "grocery", "travel", "fashion"}
	payments := []string{"card", "wallet"}
	devices := []string{"mobile", "web"}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < n; i++ {
		user := fmt.Sprintf("user-%d", rng.Intn(n/10+1))
		created := base.AddDate(0, 0, -rng.Intn(720)-1)
		ts := base.Add(time.Duration(i) * 7 * time.Minute)

		fraud := rng.Float64() < fraudRate

		amount := 20 + rng.Float64()*80
		hourShift := time.Duration(0)
		country := "NL"

		if fraud {
			amount = 800 + rng.Float64()*400
			hourShift = time.Duration(23-ts.Hour()) * time.Hour // push into the night
			country = "RO"
		}

		fmt.Fprintf(&buf, "txn-%d,%s,%.2f,%s,%s,%s,%s,NL,%s,%s,%t\n",
			i, user, amount,
			merchants[rng.Intn(len(merchants))],
			payments[rng.Intn(len(payments))],
			devices[rng.Intn(len(devices))],
			country,
			ts.Add(hourShift).Format(time.RFC3339),
			created.Format(time.RFC3339),
			fraud,
		)
	}

	return buf.Bytes()
}

func TestParseCSVInfersTypes(t *testing.T) {
	data := []byte("id,amount,count,active,when,note\n" +
		"a,1.5,3,true,2026-01-02T15:04:05Z,hello\n" +
		"b,2.25,4,false,2026-01-03T15:04:05Z,\n")

	table, err := ParseCSV(data)
	require.NoError(t, err)

	assert.Equal(t, 2, table.Rows())

	want := []catalog.Column{
		{Name: "id", Type: catalog.ColumnString},
		{Name: "amount", Type: catalog.ColumnFloat},
		{Name: "count", Type: catalog.ColumnInt},
		{Name: "active", Type: catalog.ColumnBool},
		{Name: "when", Type: catalog.ColumnTimestamp},
		{Name: "note", Type: catalog.ColumnString, Nullable: true},
	}
	assert.Equal(t, want, table.Schema())

	amounts, ok := table.Float("amount")
	require.True(t, ok)
	assert.Equal(t, []float64{1.5, 2.25}, amounts)

	counts, ok := table.Float("count")
	require.True(t, ok)
	assert.Equal(t, []float64{3, 4}, counts)
}

func TestParseCSVEmptyDataset(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("a,b,c\n")} {
		_, err := ParseCSV(data)
		require.Error(t, err)
		assert.True(t, errors.Is(err, fault.ErrValidation))
	}
}

func TestParseCSVDuplicateColumn(t *testing.T) {
	_, err := ParseCSV([]byte("a,a\n1,2\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrValidation))
}

func TestMatrixCSVRoundTrip(t *testing.T) {
	m := &Matrix{
		Names: []string{"amount", "amount_zscore"},
		Cols:  [][]float64{{1.5, 2.0, 0.333333}, {-0.5, 0.25, 1e-9}},
		Rows:  3,
	}

	encoded, err := m.EncodeCSV()
	require.NoError(t, err)

	decoded, err := DecodeMatrixCSV(encoded)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)

	// Re-encoding is byte-identical: the determinism law for matrices.
	again, err := decoded.EncodeCSV()
	require.NoError(t, err)
	assert.Equal(t, encoded, again)
}

func TestSchemaHashStableAndOrderSensitive(t *testing.T) {
	a := SchemaHash([]string{"amount", "hour"})
	b := SchemaHash([]string{"amount", "hour"})
	c := SchemaHash([]string{"hour", "amount"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "schema hash must depend on feature order")
	assert.Len(t, a, 64)
}

func TestExtractTransactionFamily(t *testing.T) {
	data := []byte("user_id,amount,merchant_category,timestamp,is_fraud\n" +
		"u1,100,grocery,2026-01-05T23:30:00Z,false\n" +
		"u1,57.30,travel,2026-01-10T12:00:00Z,false\n" +
		"u2,2000,travel,2026-01-11T03:00:00Z,true\n")

	table, err := ParseCSV(data)
	require.NoError(t, err)

	cfg := catalog.FeatureConfig{Transaction: true}

	m, err := Extract(table, cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, []float64{100, 57.30, 2000}, m.Column("amount"))
	assert.Equal(t, []float64{1, 0, 1}, m.Column("amount_round"), "whole multiples of ten are round amounts")

	oneHot := m.Column("merchant_category_travel")
	require.NotNil(t, oneHot)
	assert.Equal(t, []float64{0, 1, 1}, oneHot)
}

func TestExtractTemporalFamily(t *testing.T) {
	data := []byte("user_id,amount,timestamp,is_fraud\n" +
		"u1,10,2026-01-03T23:30:00Z,false\n" + // Saturday night
		"u1,20,2026-01-05T12:00:00Z,false\n") // Monday noon

	table, err := ParseCSV(data)
	require.NoError(t, err)

	m, err := Extract(table, catalog.FeatureConfig{Temporal: true}, nil)
	require.NoError(t, err)

	assert.Equal(t, []float64{23, 12}, m.Column("hour"))
	assert.Equal(t, []float64{1, 0}, m.Column("is_weekend"))
	assert.Equal(t, []float64{1, 0}, m.Column("is_night"))

	since := m.Column("time_since_last_txn")
	require.NotNil(t, since)
	assert.Equal(t, 0.0, since[0])
	assert.InDelta(t, (36*time.Hour + 30*time.Minute).Seconds(), since[1], 1e-6)
}

type weekendHolidays struct{}

func (weekendHolidays) IsHoliday(ts time.Time) bool { return ts.Weekday() == time.Saturday }

func TestExtractHolidayCalendarIsInjected(t *testing.T) {
	data := []byte("user_id,amount,timestamp,is_fraud\n" +
		"u1,10,2026-01-03T10:00:00Z,false\n" + // Saturday
		"u1,20,2026-01-05T10:00:00Z,false\n")

	table, err := ParseCSV(data)
	require.NoError(t, err)

	m, err := Extract(table, catalog.FeatureConfig{Temporal: true}, weekendHolidays{})
	require.NoError(t, err)

	assert.Equal(t, []float64{1, 0}, m.Column("is_holiday"))
}

func TestExtractAggregationWindowsAndVelocity(t *testing.T) {
	data := []byte("user_id,amount,timestamp,is_fraud\n" +
		"u1,10,2026-01-05T10:00:00Z,false\n" +
		"u1,20,2026-01-05T10:30:00Z,false\n" +
		"u1,40,2026-01-05T13:00:00Z,false\n")

	table, err := ParseCSV(data)
	require.NoError(t, err)

	cfg := catalog.FeatureConfig{Aggregation: true, AggregationWindows: []string{"1h", "6h"}}

	m, err := Extract(table, cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, []float64{1, 2, 1}, m.Column("txn_count_1h"))
	assert.Equal(t, []float64{10, 30, 40}, m.Column("amount_sum_1h"))
	assert.Equal(t, []float64{1, 2, 3}, m.Column("txn_count_6h"))
	assert.Equal(t, []float64{10, 20, 40}, m.Column("amount_max_6h"))

	velocity := m.Column("velocity_1h_6h")
	require.NotNil(t, velocity)
	assert.InDelta(t, 1.0/3.0, velocity[2], 1e-9)
}

func TestExtractBadWindow(t *testing.T) {
	data := []byte("user_id,amount,timestamp,is_fraud\nu1,10,2026-01-05T10:00:00Z,false\n")

	table, err := ParseCSV(data)
	require.NoError(t, err)

	_, err = Extract(table, catalog.FeatureConfig{Aggregation: true, AggregationWindows: []string{"soon"}}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrValidation))
}

func TestMutualInfoRanksInformativeFeature(t *testing.T) {
	rng := rand.New(rand.NewSource(4))

	n := 500
	y := make([]float64, n)
	informative := make([]float64, n)
	noise := make([]float64, n)

	for i := 0; i < n; i++ {
		if rng.Float64() < 0.3 {
			y[i] = 1
			informative[i] = 3 + rng.NormFloat64()
		} else {
			informative[i] = rng.NormFloat64()
		}

		noise[i] = rng.NormFloat64()
	}

	assert.Greater(t, MutualInfo(informative, y), MutualInfo(noise, y))
}

func TestMutualInfoDiscretePerfectDependence(t *testing.T) {
	// X == Y: MI must equal the label entropy, ln(2) for a balanced label.
	xs := []float64{0, 1, 0, 1, 0, 1, 0, 1}
	y := []float64{0, 1, 0, 1, 0, 1, 0, 1}

	assert.InDelta(t, 0.6931, MutualInfo(xs, y), 1e-3)

	// Independent constant: zero information.
	flat := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	assert.InDelta(t, 0.0, MutualInfo(flat, y), 1e-9)
}

func TestSelectDropsLowVarianceAndCorrelated(t *testing.T) {
	rng := rand.New(rand.NewSource(6))

	n := 300
	y := make([]float64, n)
	signal := make([]float64, n)
	noise := make([]float64, n)
	constant := make([]float64, n)

	for i := 0; i < n; i++ {
		if rng.Float64() < 0.3 {
			y[i] = 1
			signal[i] = 3 + rng.NormFloat64()
		} else {
			signal[i] = rng.NormFloat64()
		}

		noise[i] = rng.NormFloat64()
		constant[i] = 42
	}

	// twin is signal shifted: |r| == 1 with "signal"; "a_twin" sorts
	// before "signal" so the correlation filter must keep a_twin.
	twin := make([]float64, n)
	for i := range twin {
		twin[i] = signal[i] + 5
	}

	m := &Matrix{
		Names: []string{"signal", "a_twin", "noise", "constant"},
		Cols:  [][]float64{signal, twin, noise, constant},
		Rows:  n,
	}

	cfg := catalog.DefaultFeatureConfig()

	sel, err := Select(m, y, cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	assert.NotContains(t, sel.Selected, "constant", "zero-variance column must be dropped")
	assert.Contains(t, sel.Selected, "a_twin", "name-ascending column of a correlated pair survives")
	assert.NotContains(t, sel.Selected, "signal", "later-name column of a correlated pair is dropped")
	assert.Equal(t, "a_twin", sel.Selected[0], "the informative feature must rank first")
}

func TestSelectCapsAtMaxFeatures(t *testing.T) {
	rng := rand.New(rand.NewSource(8))

	n := 200
	y := make([]float64, n)
	for i := range y {
		if rng.Float64() < 0.5 {
			y[i] = 1
		}
	}

	m := &Matrix{Rows: n}
	for f := 0; f < 10; f++ {
		col := make([]float64, n)
		for i := range col {
			col[i] = rng.NormFloat64()
		}

		m.add(fmt.Sprintf("f%02d", f), col)
	}

	cfg := catalog.DefaultFeatureConfig()
	cfg.MaxFeatures = 4

	sel, err := Select(m, y, cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Len(t, sel.Selected, 4)
	assert.Len(t, sel.Scores, 10)
}

func TestSelectDeterministicWithSameSeed(t *testing.T) {
	data := genTransactionsCSV(400, 0.1, 77)

	table, err := ParseCSV(data)
	require.NoError(t, err)

	label, err := Label(table)
	require.NoError(t, err)

	cfg := catalog.DefaultFeatureConfig()

	m1, err := Extract(table, cfg, nil)
	require.NoError(t, err)

	m2, err := Extract(table, cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, m1.Names, m2.Names, "extraction order must be deterministic")

	s1, err := Select(m1, label, cfg, rand.New(rand.NewSource(99)))
	require.NoError(t, err)

	s2, err := Select(m2, label, cfg, rand.New(rand.NewSource(99)))
	require.NoError(t, err)

	assert.Equal(t, s1.Selected, s2.Selected)
	assert.Equal(t, SchemaHash(s1.Selected), SchemaHash(s2.Selected))
}
