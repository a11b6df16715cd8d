package history

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/plutus-app/plutus/internal/clients/moex"
	"github.com/plutus-app/plutus/internal/exchange"
	"github.com/plutus-app/plutus/internal/modules/pricing"
)

// priceLookbackDays is how far back a valuation walks to find the nearest
// prior close when a day had no trading.
const priceLookbackDays = 7

// SecuritiesPriceSource serves MOEX listing metadata and daily history.
// *moex.Client satisfies it.
type SecuritiesPriceSource interface {
	FindSecurity(ctx context.Context, query string) (*moex.SecurityMeta, error)
	MarketHistory(ctx context.Context, secid string, start, end time.Time) (map[string]decimal.Decimal, error)
}

// Resolver answers historical price questions cache-first, filling gaps
// from the exchange and MOEX APIs and persisting what it fetched.
type Resolver struct {
	cache  *pricing.Repository
	crypto exchange.HistoricalPricer
	moex   SecuritiesPriceSource
	log    zerolog.Logger

	secids map[string]string // isin -> secid, resolved once per process
}

// NewResolver creates a resolver over the daily price cache.
func NewResolver(cache *pricing.Repository, crypto exchange.HistoricalPricer, moexSource SecuritiesPriceSource, log zerolog.Logger) *Resolver {
	return &Resolver{
		cache:  cache,
		crypto: crypto,
		moex:   moexSource,
		log:    log.With().Str("service", "price_resolver").Logger(),
		secids: make(map[string]string),
	}
}

// CryptoRange returns day -> USDT close for [start, end]. The cached series
// is used when it covers both edges of the range; otherwise the full range
// is fetched once and persisted.
func (r *Resolver) CryptoRange(ctx context.Context, ticker string, start, end time.Time) (map[string]decimal.Decimal, error) {
	cached, err := r.cache.CryptoPrices(ticker, start, end)
	if err != nil {
		r.log.Warn().Err(err).Str("ticker", ticker).Msg("Price cache read failed, falling back to API")
		cached = nil
	}
	if rangeCovered(cached, start, end) {
		return cached, nil
	}

	fetched, err := r.crypto.HistoricalPriceRange(ctx, ticker, start, end)
	if err != nil {
		if len(cached) > 0 {
			r.log.Warn().Err(err).Str("ticker", ticker).Msg("History fetch failed, using partial cache")
			return cached, nil
		}
		return nil, fmt.Errorf("failed to fetch price history for %s: %w", ticker, err)
	}

	if err := r.cache.PutCryptoPrices(ticker, fetched); err != nil {
		r.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to persist fetched prices")
	}
	for day, price := range cached {
		if _, ok := fetched[day]; !ok {
			fetched[day] = price
		}
	}
	return fetched, nil
}

// SecurityPriceOn returns the RUB close for one security on a date, taking
// the last trading session within the prior week when the date itself had
// no trading. The resolved price is cached under the requested date, so a
// replay asks the API at most once per (isin, date).
func (r *Resolver) SecurityPriceOn(ctx context.Context, isin string, day time.Time) (decimal.Decimal, bool, error) {
	dateKey := day.Format(pricing.DateFormat)

	cached, err := r.cache.MoexPrices(isin, day, day)
	if err == nil {
		if price, ok := cached[dateKey]; ok {
			return price, true, nil
		}
	} else {
		r.log.Warn().Err(err).Str("isin", isin).Msg("Price cache read failed, falling back to API")
	}

	secid, ok := r.secids[isin]
	if !ok {
		meta, err := r.moex.FindSecurity(ctx, isin)
		if err != nil {
			return decimal.Decimal{}, false, fmt.Errorf("failed to resolve security %s: %w", isin, err)
		}
		secid = meta.SecID
		r.secids[isin] = secid
	}

	history, err := r.moex.MarketHistory(ctx, secid, day.AddDate(0, 0, -priceLookbackDays), day)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("failed to fetch history for %s: %w", secid, err)
	}

	// The window ends on the requested date, so the latest entry is the
	// last trading session on or before it. ISO dates sort as strings.
	var lastDate string
	for d := range history {
		if d > lastDate {
			lastDate = d
		}
	}
	if lastDate == "" {
		return decimal.Decimal{}, false, nil
	}

	price := history[lastDate]
	if err := r.cache.PutMoexPrices(isin, map[string]decimal.Decimal{dateKey: price}); err != nil {
		r.log.Warn().Err(err).Str("isin", isin).Msg("Failed to persist fetched price")
	}
	return price, true, nil
}

// rangeCovered reports whether a cached series reaches both edges of the
// requested range, within a few days of slack for non-trading weekends and
// the still-open last candle.
func rangeCovered(prices map[string]decimal.Decimal, start, end time.Time) bool {
	if len(prices) == 0 {
		return false
	}
	if _, ok := priceOnOrBefore(prices, start.AddDate(0, 0, 3), 4); !ok {
		return false
	}
	_, ok := priceOnOrBefore(prices, end, 4)
	return ok
}

// priceOnOrBefore walks back from day across lookback days and returns the
// first price found.
func priceOnOrBefore(prices map[string]decimal.Decimal, day time.Time, lookback int) (decimal.Decimal, bool) {
	for i := 0; i < lookback; i++ {
		key := day.AddDate(0, 0, -i).Format(pricing.DateFormat)
		if price, ok := prices[key]; ok {
			return price, true
		}
	}
	return decimal.Decimal{}, false
}
