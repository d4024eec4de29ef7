package features

import (
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// Well-known input columns of an ingested transaction dataset. Families
// whose required columns are absent are skipped; the label column is
// mandatory for selection.
const (
	ColTransactionID  = "transaction_id"
	ColUserID         = "user_id"
	ColAmount         = "amount"
	ColMerchant       = "merchant_category"
	ColPayment        = "payment_method"
	ColDevice         = "device_type"
	ColCountry        = "country"
	ColHomeCountry    = "home_country"
	ColInternational  = "is_international"
	ColTimestamp      = "timestamp"
	ColAccountCreated = "account_created_at"
	ColLabel          = "is_fraud"
)

// maxOneHotLevels caps the one-hot expansion of a categorical column to the
// most frequent levels, keeping the feature count bounded on high-cardinality
// merchants.
const maxOneHotLevels = 8

// HolidayCalendar answers whether a date is a holiday for the temporal
// family. The concrete calendar is injected; NoHolidays is the default.
type HolidayCalendar interface {
	IsHoliday(t time.Time) bool
}

// NoHolidays is the calendar used when none is configured.
type NoHolidays struct{}

func (NoHolidays) IsHoliday(time.Time) bool { return false }

// Label extracts the fraud label column as 0/1 floats.
func Label(t *Table) ([]float64, error) {
	if vals, ok := t.Bool(ColLabel); ok {
		out := make([]float64, len(vals))
		for i, v := range vals {
			if v {
				out[i] = 1
			}
		}

		return out, nil
	}

	if vals, ok := t.Float(ColLabel); ok {
		out := make([]float64, len(vals))
		for i, v := range vals {
			if v > 0.5 {
				out[i] = 1
			}
		}

		return out, nil
	}

	return nil, fault.Validation("dataset has no %s label column", ColLabel)
}

// Extract computes every enabled feature family over the table. The output
// column order is fixed: transaction, behavioral, temporal, aggregation,
// each with a fixed internal order, so equal input and config always yield
// an identical matrix.
func Extract(t *Table, cfg catalog.FeatureConfig, cal HolidayCalendar) (*Matrix, error) {
	if cal == nil {
		cal = NoHolidays{}
	}

	m := &Matrix{Rows: t.Rows()}

	if cfg.Transaction {
		extractTransaction(t, m)
	}

	if cfg.Behavioral {
		extractBehavioral(t, m)
	}

	if cfg.Temporal {
		extractTemporal(t, m, cal)
	}

	if cfg.Aggregation {
		if err := extractAggregation(t, m, cfg.AggregationWindows); err != nil {
			return nil, err
		}
	}

	if len(m.Names) == 0 {
		return nil, fault.Validation("no feature family produced any columns (check config and dataset columns)")
	}

	return m, nil
}

func (m *Matrix) add(name string, col []float64) {
	m.Names = append(m.Names, name)
	m.Cols = append(m.Cols, col)
}

func extractTransaction(t *Table, m *Matrix) {
	amounts, ok := t.Float(ColAmount)
	if ok {
		m.add("amount", amounts)

		logCol := make([]float64, len(amounts))
		for i, a := range amounts {
			if a > 0 {
				logCol[i] = math.Log1p(a)
			}
		}

		m.add("amount_log", logCol)

		mean, std := stat.MeanStdDev(amounts, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}

		zCol := make([]float64, len(amounts))
		for i, a := range amounts {
			zCol[i] = (a - mean) / std
		}

		m.add("amount_zscore", zCol)

		roundCol := make([]float64, len(amounts))
		for i, a := range amounts {
			if a != 0 && a == math.Trunc(a) && math.Mod(a, 10) == 0 {
				roundCol[i] = 1
			}
		}

		m.add("amount_round", roundCol)

		p95 := percentile(amounts, 0.95)

		highCol := make([]float64, len(amounts))
		for i, a := range amounts {
			if a > p95 {
				highCol[i] = 1
			}
		}

		m.add("amount_high_value", highCol)
	}

	for _, col := range []string{ColMerchant, ColPayment, ColDevice} {
		if vals, ok := t.Str(col); ok {
			oneHot(m, col, vals)
		}
	}

	if intl, ok := t.Bool(ColInternational); ok {
		col := make([]float64, len(intl))
		for i, v := range intl {
			if v {
				col[i] = 1
			}
		}

		m.add("is_international", col)
	} else if country, ok := t.Str(ColCountry); ok {
		if home, ok := t.Str(ColHomeCountry); ok {
			col := make([]float64, len(country))
			for i := range country {
				if country[i] != home[i] {
					col[i] = 1
				}
			}

			m.add("is_international", col)
		}
	}
}

// oneHot expands a categorical column into indicator features for its most
// frequent levels. Levels tie-break by name so the expansion is stable.
func oneHot(m *Matrix, col string, vals []string) {
	counts := make(map[string]int)
	for _, v := range vals {
		if v != "" {
			counts[v]++
		}
	}

	levels := make([]string, 0, len(counts))
	for level := range counts {
		levels = append(levels, level)
	}

	sort.Slice(levels, func(a, b int) bool {
		if counts[levels[a]] != counts[levels[b]] {
			return counts[levels[a]] > counts[levels[b]]
		}

		return levels[a] < levels[b]
	})

	if len(levels) > maxOneHotLevels {
		levels = levels[:maxOneHotLevels]
	}

	// Stable output order within the kept set.
	sort.Strings(levels)

	for _, level := range levels {
		out := make([]float64, len(vals))
		for i, v := range vals {
			if v == level {
				out[i] = 1
			}
		}

		m.add(col+"_"+sanitizeLevel(level), out)
	}
}

func sanitizeLevel(s string) string {
	var b strings.Builder

	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	return b.String()
}

// userHistory returns, per row, the indices of the same user's rows ordered
// by event time (falling back to row order without timestamps), plus each
// row's position within its user's sequence.
func userHistory(t *Table) (order map[string][]int, ok bool) {
	users, hasUsers := t.Str(ColUserID)
	if !hasUsers {
		return nil, false
	}

	times, hasTimes := t.Time(ColTimestamp)

	order = make(map[string][]int)
	for i, u := range users {
		order[u] = append(order[u], i)
	}

	if hasTimes {
		for _, idx := range order {
			sort.SliceStable(idx, func(a, b int) bool {
				return times[idx[a]].Before(times[idx[b]])
			})
		}
	}

	return order, true
}

func extractBehavioral(t *Table, m *Matrix) {
	amounts, hasAmounts := t.Float(ColAmount)

	history, ok := userHistory(t)
	if !ok || !hasAmounts {
		return
	}

	n := t.Rows()
	countCol := make([]float64, n)
	avgCol := make([]float64, n)
	maxCol := make([]float64, n)
	ratioCol := make([]float64, n)

	for _, idx := range history {
		var sum, max float64

		for pos, i := range idx {
			if pos > 0 {
				countCol[i] = float64(pos)
				avgCol[i] = sum / float64(pos)
				maxCol[i] = max
			}

			ratioCol[i] = amounts[i] / (avgCol[i] + 1)

			sum += amounts[i]
			if amounts[i] > max {
				max = amounts[i]
			}
		}
	}

	m.add("user_txn_count", countCol)
	m.add("user_avg_amount", avgCol)
	m.add("user_max_amount", maxCol)
	m.add("user_amount_ratio", ratioCol)
}

func extractTemporal(t *Table, m *Matrix, cal HolidayCalendar) {
	times, ok := t.Time(ColTimestamp)
	if !ok {
		return
	}

	n := t.Rows()
	hourCol := make([]float64, n)
	weekdayCol := make([]float64, n)
	weekendCol := make([]float64, n)
	nightCol := make([]float64, n)
	holidayCol := make([]float64, n)

	for i, ts := range times {
		ts = ts.UTC()
		hour := ts.Hour()

		hourCol[i] = float64(hour)
		weekdayCol[i] = float64(ts.Weekday())

		if ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday {
			weekendCol[i] = 1
		}

		if hour < 6 || hour >= 22 {
			nightCol[i] = 1
		}

		if cal.IsHoliday(ts) {
			holidayCol[i] = 1
		}
	}

	m.add("hour", hourCol)
	m.add("weekday", weekdayCol)
	m.add("is_weekend", weekendCol)
	m.add("is_night", nightCol)
	m.add("is_holiday", holidayCol)

	if created, ok := t.Time(ColAccountCreated); ok {
		ageCol := make([]float64, n)
		for i := range times {
			if !created[i].IsZero() {
				ageCol[i] = times[i].Sub(created[i]).Hours() / 24
			}
		}

		m.add("account_age_days", ageCol)
	}

	if history, ok := userHistory(t); ok {
		sinceCol := make([]float64, n)

		for _, idx := range history {
			for pos := 1; pos < len(idx); pos++ {
				sinceCol[idx[pos]] = times[idx[pos]].Sub(times[idx[pos-1]]).Seconds()
			}
		}

		m.add("time_since_last_txn", sinceCol)
	}
}

func extractAggregation(t *Table, m *Matrix, windows []string) error {
	amounts, hasAmounts := t.Float(ColAmount)
	times, hasTimes := t.Time(ColTimestamp)

	history, ok := userHistory(t)
	if !ok || !hasAmounts || !hasTimes {
		return nil
	}

	n := t.Rows()

	type windowCols struct {
		label string
		dur   time.Duration
		count []float64
		sum   []float64
		max   []float64
	}

	cols := make([]windowCols, 0, len(windows))

	for _, w := range windows {
		dur, err := time.ParseDuration(w)
		if err != nil || dur <= 0 {
			return fault.Validation("bad aggregation window %q", w)
		}

		cols = append(cols, windowCols{
			label: w,
			dur:   dur,
			count: make([]float64, n),
			sum:   make([]float64, n),
			max:   make([]float64, n),
		})
	}

	sort.Slice(cols, func(a, b int) bool { return cols[a].dur < cols[b].dur })

	for _, idx := range history {
		for pos, i := range idx {
			for c := range cols {
				lo := times[i].Add(-cols[c].dur)

				// Walk back over the user's prior rows inside the
				// window, including the current one.
				for back := pos; back >= 0; back-- {
					j := idx[back]
					if times[j].Before(lo) || times[j].After(times[i]) {
						break
					}

					cols[c].count[i]++
					cols[c].sum[i] += amounts[j]

					if amounts[j] > cols[c].max[i] {
						cols[c].max[i] = amounts[j]
					}
				}
			}
		}
	}

	for _, c := range cols {
		m.add("txn_count_"+c.label, c.count)
		m.add("amount_sum_"+c.label, c.sum)
		m.add("amount_max_"+c.label, c.max)
	}

	// Velocity ratios between consecutive window sizes: a spike in the
	// short window relative to the long one.
	for c := 1; c < len(cols); c++ {
		short, long := cols[c-1], cols[c]

		ratio := make([]float64, n)
		for i := range ratio {
			ratio[i] = short.count[i] / long.count[i] // both include the current row, never zero
		}

		m.add("velocity_"+short.label+"_"+long.label, ratio)
	}

	return nil
}

// percentile returns the p-quantile (0..1) by nearest-rank on a sorted copy.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}

	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}

	return sorted[rank]
}
