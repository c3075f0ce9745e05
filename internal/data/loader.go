// Package data loads, validates and persists the market data a backtest
// consumes: OHLCV bars, mark price series and funding rate series.
package data

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"perp_backtester/internal/core"
	apperrors "perp_backtester/pkg/errors"
)

var barsHeader = []string{"timestamp", "open", "high", "low", "close", "volume"}

// LoadBarsCSV reads an OHLCV file with a
// timestamp,open,high,low,close,volume header. Timestamps are
// milliseconds UTC. The returned bars are validated and sorted.
func LoadBarsCSV(path string) ([]core.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bars file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read bars file %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: bars file %s is empty", apperrors.ErrConfiguration, path)
	}

	var bars []core.Bar
	for i, rec := range records {
		if i == 0 && rec[0] == barsHeader[0] {
			continue
		}
		if len(rec) < 6 {
			return nil, fmt.Errorf("%w: bars file %s row %d has %d columns, want 6", apperrors.ErrConfiguration, path, i+1, len(rec))
		}
		bar, err := parseBar(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: bars file %s row %d: %v", apperrors.ErrConfiguration, path, i+1, err)
		}
		bars = append(bars, bar)
	}

	return ValidateBars(bars)
}

func parseBar(rec []string) (core.Bar, error) {
	ts, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return core.Bar{}, fmt.Errorf("timestamp %q: %v", rec[0], err)
	}
	fields := make([]decimal.Decimal, 5)
	for i, name := range []string{"open", "high", "low", "close", "volume"} {
		fields[i], err = decimal.NewFromString(rec[i+1])
		if err != nil {
			return core.Bar{}, fmt.Errorf("%s %q: %v", name, rec[i+1], err)
		}
	}
	return core.Bar{
		Timestamp: ts,
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}

// ValidateBars sorts bars by timestamp, drops exact-timestamp
// duplicates (keeping the first) and rejects malformed candles.
func ValidateBars(bars []core.Bar) ([]core.Bar, error) {
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp < bars[j].Timestamp
	})

	out := bars[:0]
	var lastTs int64 = -1
	for _, b := range bars {
		if b.Timestamp == lastTs {
			continue
		}
		if b.High.LessThan(b.Low) {
			return nil, fmt.Errorf("%w: bar %d has high %s below low %s", apperrors.ErrConfiguration, b.Timestamp, b.High, b.Low)
		}
		if b.Open.LessThan(b.Low) || b.Open.GreaterThan(b.High) ||
			b.Close.LessThan(b.Low) || b.Close.GreaterThan(b.High) {
			return nil, fmt.Errorf("%w: bar %d open/close outside [low,high]", apperrors.ErrConfiguration, b.Timestamp)
		}
		if !b.Low.IsPositive() {
			return nil, fmt.Errorf("%w: bar %d has non-positive price", apperrors.ErrConfiguration, b.Timestamp)
		}
		out = append(out, b)
		lastTs = b.Timestamp
	}
	return out, nil
}

// SaveBarsCSV writes bars in the format LoadBarsCSV reads
func SaveBarsCSV(path string, bars []core.Bar) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create bars file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(barsHeader); err != nil {
		return err
	}
	for _, b := range bars {
		rec := []string{
			strconv.FormatInt(b.Timestamp, 10),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String(),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// LoadSeriesCSV reads a two-column timestamp,value file into a map.
// Used for mark price and funding rate series keyed by bar or boundary
// timestamp.
func LoadSeriesCSV(path string) (map[int64]decimal.Decimal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open series file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read series file %s: %w", path, err)
	}

	out := make(map[int64]decimal.Decimal, len(records))
	for i, rec := range records {
		if len(rec) < 2 {
			return nil, fmt.Errorf("%w: series file %s row %d has %d columns, want 2", apperrors.ErrConfiguration, path, i+1, len(rec))
		}
		if i == 0 && rec[0] == "timestamp" {
			continue
		}
		ts, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: series file %s row %d timestamp %q", apperrors.ErrConfiguration, path, i+1, rec[0])
		}
		v, err := decimal.NewFromString(rec[1])
		if err != nil {
			return nil, fmt.Errorf("%w: series file %s row %d value %q", apperrors.ErrConfiguration, path, i+1, rec[1])
		}
		out[ts] = v
	}
	return out, nil
}
