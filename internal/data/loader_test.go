package data

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp_backtester/internal/core"
	apperrors "perp_backtester/pkg/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadBarsCSV(t *testing.T) {
	path := writeFile(t, "bars.csv", `timestamp,open,high,low,close,volume
60000,100,101,99,100.5,12.5
120000,100.5,102,100,101,8
`)
	bars, err := LoadBarsCSV(path)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, int64(60000), bars[0].Timestamp)
	assert.True(t, bars[0].Close.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, bars[1].Volume.Equal(decimal.NewFromInt(8)))
}

func TestLoadBarsCSV_NoHeader(t *testing.T) {
	path := writeFile(t, "bars.csv", "60000,100,101,99,100,1\n")
	bars, err := LoadBarsCSV(path)
	require.NoError(t, err)
	assert.Len(t, bars, 1)
}

func TestLoadBarsCSV_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty file", ""},
		{"bad timestamp", "abc,100,101,99,100,1\n"},
		{"bad price", "60000,100,oops,99,100,1\n"},
		{"high below low", "60000,100,98,99,100,1\n"},
		{"open outside range", "60000,200,101,99,100,1\n"},
		{"non-positive price", "60000,0,0,0,0,1\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadBarsCSV(writeFile(t, "bars.csv", tc.content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrConfiguration))
		})
	}
}

func TestValidateBars_SortsAndDedupes(t *testing.T) {
	mk := func(ts int64) core.Bar {
		return core.Bar{
			Timestamp: ts,
			Open:      decimal.NewFromInt(100),
			High:      decimal.NewFromInt(101),
			Low:       decimal.NewFromInt(99),
			Close:     decimal.NewFromInt(100),
			Volume:    decimal.NewFromInt(1),
		}
	}
	bars, err := ValidateBars([]core.Bar{mk(180000), mk(60000), mk(120000), mk(60000)})
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, int64(60000), bars[0].Timestamp)
	assert.Equal(t, int64(120000), bars[1].Timestamp)
	assert.Equal(t, int64(180000), bars[2].Timestamp)
}

func TestSaveBarsCSV_RoundTrip(t *testing.T) {
	bars := []core.Bar{{
		Timestamp: 60000,
		Open:      decimal.RequireFromString("100.1"),
		High:      decimal.RequireFromString("101.2"),
		Low:       decimal.RequireFromString("99.3"),
		Close:     decimal.RequireFromString("100.4"),
		Volume:    decimal.RequireFromString("7.5"),
	}}
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, SaveBarsCSV(path, bars))

	got, err := LoadBarsCSV(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Open.Equal(bars[0].Open))
	assert.True(t, got[0].Volume.Equal(bars[0].Volume))
}

func TestLoadSeriesCSV(t *testing.T) {
	path := writeFile(t, "funding.csv", `timestamp,value
28800000,0.0001
57600000,-0.0002
`)
	series, err := LoadSeriesCSV(path)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.True(t, series[28800000].Equal(decimal.RequireFromString("0.0001")))
	assert.True(t, series[57600000].Equal(decimal.RequireFromString("-0.0002")))
}

func TestLoadSeriesCSV_Malformed(t *testing.T) {
	_, err := LoadSeriesCSV(writeFile(t, "s.csv", "60000,abc\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))
}
