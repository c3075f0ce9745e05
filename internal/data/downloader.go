package data

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"perp_backtester/internal/core"
	apperrors "perp_backtester/pkg/errors"
)

const (
	klinesPageLimit  = 1500
	fundingPageLimit = 1000
)

// Downloader fetches historical klines and funding rates from the
// Binance USDT-margined futures API. Public endpoints only, no keys
// needed.
type Downloader struct {
	client  *futures.Client
	limiter *rate.Limiter
	retry   retrypolicy.RetryPolicy[any]
	logger  core.ILogger
}

// NewDownloader creates a downloader capped at ratePerSecond requests
func NewDownloader(ratePerSecond int, logger core.ILogger) *Downloader {
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}

	retry := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil
		}).
		WithBackoff(500*time.Millisecond, 10*time.Second).
		WithMaxRetries(5).
		Build()

	return &Downloader{
		client:  futures.NewClient("", ""),
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		retry:   retry,
		logger:  logger.WithField("component", "downloader"),
	}
}

// Klines downloads all klines for [start, end] (ms, inclusive) at the
// given interval, paging forward through the API.
func (d *Downloader) Klines(ctx context.Context, symbol, interval string, start, end int64) ([]core.Bar, error) {
	if start > end {
		return nil, fmt.Errorf("%w: start %d after end %d", apperrors.ErrConfiguration, start, end)
	}

	var bars []core.Bar
	cursor := start
	for cursor <= end {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		page, err := failsafe.Get(func() (any, error) {
			return d.client.NewKlinesService().
				Symbol(symbol).
				Interval(interval).
				StartTime(cursor).
				EndTime(end).
				Limit(klinesPageLimit).
				Do(ctx)
		}, d.retry)
		if err != nil {
			return nil, fmt.Errorf("%w: klines %s %s: %v", apperrors.ErrNetwork, symbol, interval, err)
		}

		klines := page.([]*futures.Kline)
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			bar, err := barFromKline(k)
			if err != nil {
				return nil, err
			}
			bars = append(bars, bar)
		}

		d.logger.Debug("downloaded klines page",
			"symbol", symbol, "from", cursor, "count", len(klines))

		next := klines[len(klines)-1].OpenTime + 1
		if next <= cursor {
			break
		}
		cursor = next
	}

	return ValidateBars(bars)
}

func barFromKline(k *futures.Kline) (core.Bar, error) {
	fields := [5]string{k.Open, k.High, k.Low, k.Close, k.Volume}
	var parsed [5]decimal.Decimal
	for i, s := range fields {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return core.Bar{}, fmt.Errorf("%w: kline at %d field %q", apperrors.ErrNetwork, k.OpenTime, s)
		}
		parsed[i] = v
	}
	return core.Bar{
		Timestamp: k.OpenTime,
		Open:      parsed[0],
		High:      parsed[1],
		Low:       parsed[2],
		Close:     parsed[3],
		Volume:    parsed[4],
	}, nil
}

// FundingRates downloads the funding rate history for [start, end] (ms,
// inclusive), keyed by funding time.
func (d *Downloader) FundingRates(ctx context.Context, symbol string, start, end int64) (map[int64]decimal.Decimal, error) {
	if start > end {
		return nil, fmt.Errorf("%w: start %d after end %d", apperrors.ErrConfiguration, start, end)
	}

	out := make(map[int64]decimal.Decimal)
	cursor := start
	for cursor <= end {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		page, err := failsafe.Get(func() (any, error) {
			return d.client.NewFundingRateService().
				Symbol(symbol).
				StartTime(cursor).
				EndTime(end).
				Limit(fundingPageLimit).
				Do(ctx)
		}, d.retry)
		if err != nil {
			return nil, fmt.Errorf("%w: funding rates %s: %v", apperrors.ErrNetwork, symbol, err)
		}

		rates := page.([]*futures.FundingRate)
		if len(rates) == 0 {
			break
		}
		for _, r := range rates {
			v, err := decimal.NewFromString(r.FundingRate)
			if err != nil {
				return nil, fmt.Errorf("%w: funding rate at %d: %q", apperrors.ErrNetwork, r.FundingTime, r.FundingRate)
			}
			out[r.FundingTime] = v
		}

		next := rates[len(rates)-1].FundingTime + 1
		if next <= cursor {
			break
		}
		cursor = next
	}
	return out, nil
}
