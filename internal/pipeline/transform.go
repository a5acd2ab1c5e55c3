package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/etlmon/backend/internal/core"
	"github.com/etlmon/backend/internal/source"
)

var timestampColumns = []string{"ts", "timestamp", "time", "load_time", "event_time"}
var valueColumns = []string{"val", "value", "metric"}

// SegmentResolver maps segment tuples to dense per-loader codes.
type SegmentResolver interface {
	GetOrCreateSegmentCode(ctx context.Context, loaderCode string, segments [10]*string) (int, error)
}

// TransformResult is the output of one row transformation pass.
type TransformResult struct {
	Signals    []*core.SignalHistory
	ActualFrom *time.Time // min kept row timestamp, nil on zero kept rows
	ActualTo   *time.Time
	Skipped    int // rows dropped for unparseable timestamps or values

	// OutOfWindow counts rows whose timestamp fell outside the query
	// window. Ingesting them would let a misbehaving source query write
	// signals into ranges other executions own, so they are dropped.
	OutOfWindow int
}

type aggBucket struct {
	epoch    int64
	segments [10]*string
	rec      int64
	min, max float64
	sum      float64
}

// Transform maps source rows into aggregated signals. Rows are grouped by
// (timestamp bucket, segment tuple); the bucket is the raw UTC epoch when
// the loader has no aggregation period, else the epoch floored to it. Only
// rows with timestamps inside [window.From, window.To] are kept.
func Transform(ctx context.Context, l *core.Loader, rs *source.ResultSet, window core.TimeWindow, resolver SegmentResolver) (*TransformResult, error) {
	tsCol := findColumn(rs.Columns, timestampColumns)
	if tsCol == "" && len(rs.Rows) > 0 {
		return nil, core.Errf(core.CodeValidation,
			"no timestamp column among %v (want one of %v)", rs.Columns, timestampColumns)
	}
	valCol := findColumn(rs.Columns, valueColumns)
	segCols := findSegmentColumns(rs.Columns)

	res := &TransformResult{}
	buckets := map[string]*aggBucket{}

	for _, row := range rs.Rows {
		ts, err := parseTimestamp(row[tsCol], l.SourceTimezoneOffsetHours)
		if err != nil {
			res.Skipped++
			continue
		}
		if ts.Before(window.From) || ts.After(window.To) {
			res.OutOfWindow++
			continue
		}
		val := 0.0
		if valCol != "" {
			v, err := parseValue(row[valCol])
			if err != nil {
				res.Skipped++
				continue
			}
			val = v
		}

		if res.ActualFrom == nil || ts.Before(*res.ActualFrom) {
			t := ts
			res.ActualFrom = &t
		}
		if res.ActualTo == nil || ts.After(*res.ActualTo) {
			t := ts
			res.ActualTo = &t
		}

		epoch := ts.Unix()
		if l.AggregationPeriodSeconds != nil && *l.AggregationPeriodSeconds > 0 {
			period := int64(*l.AggregationPeriodSeconds)
			epoch -= epoch % period
		}

		var segments [10]*string
		for i, col := range segCols {
			if col == "" {
				continue
			}
			if v, ok := row[col]; ok && v != nil {
				s := fmt.Sprintf("%v", v)
				segments[i] = &s
			}
		}

		key := bucketKey(epoch, segments)
		b, ok := buckets[key]
		if !ok {
			b = &aggBucket{epoch: epoch, segments: segments, min: val, max: val}
			buckets[key] = b
		}
		b.rec++
		b.sum += val
		if val < b.min {
			b.min = val
		}
		if val > b.max {
			b.max = val
		}
	}

	// Emit buckets in deterministic order so segment codes allocate the
	// same way on every replica given the same rows.
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		bi, bj := buckets[keys[i]], buckets[keys[j]]
		if bi.epoch != bj.epoch {
			return bi.epoch < bj.epoch
		}
		return keys[i] < keys[j]
	})

	for _, key := range keys {
		b := buckets[key]
		code, err := resolver.GetOrCreateSegmentCode(ctx, l.LoaderCode, b.segments)
		if err != nil {
			return nil, err
		}
		res.Signals = append(res.Signals, &core.SignalHistory{
			LoaderCode:    l.LoaderCode,
			LoadTimestamp: b.epoch,
			SegmentCode:   code,
			RecCount:      b.rec,
			Min:           b.min,
			Max:           b.max,
			Avg:           b.sum / float64(b.rec),
			Sum:           b.sum,
		})
	}
	return res, nil
}

func bucketKey(epoch int64, segments [10]*string) string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(epoch, 10))
	for _, s := range segments {
		sb.WriteByte('|')
		if s != nil {
			sb.WriteString(*s)
		} else {
			sb.WriteByte(0)
		}
	}
	return sb.String()
}

func findColumn(cols []string, candidates []string) string {
	for _, cand := range candidates {
		for _, col := range cols {
			if strings.EqualFold(col, cand) {
				return col
			}
		}
	}
	return ""
}

// findSegmentColumns returns the column name per segment slot 1..10,
// accepting both "segmentN" and "segN" spellings.
func findSegmentColumns(cols []string) [10]string {
	var out [10]string
	for i := 0; i < 10; i++ {
		for _, col := range cols {
			lower := strings.ToLower(col)
			if lower == fmt.Sprintf("segment%d", i+1) || lower == fmt.Sprintf("seg%d", i+1) {
				out[i] = col
				break
			}
		}
	}
	return out
}

// parseTimestamp accepts time.Time, epoch seconds (integer or float), or
// RFC3339 / "2006-01-02 15:04:05" strings. Source-local wall clocks are
// normalized to UTC by subtracting the loader's timezone offset.
func parseTimestamp(v interface{}, tzOffsetHours int) (time.Time, error) {
	shift := time.Duration(tzOffsetHours) * time.Hour
	switch t := v.(type) {
	case time.Time:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(),
			t.Nanosecond(), time.UTC).Add(-shift), nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case int:
		return time.Unix(int64(t), 0).UTC(), nil
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed.UTC(), nil
		}
		if parsed, err := time.Parse("2006-01-02 15:04:05", t); err == nil {
			return parsed.UTC().Add(-shift), nil
		}
		if epoch, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.Unix(epoch, 0).UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %v (%T)", v, v)
}

func parseValue(v interface{}) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case []byte:
		return strconv.ParseFloat(string(n), 64)
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("unparseable value %v (%T)", v, v)
}
