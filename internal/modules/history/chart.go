package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plutus-app/plutus/internal/modules/pricing"
)

// TickerPerformance holds three years of daily prices for one ticker, each
// 365-day period normalized to its own maximum (100 = period high). Gaps
// longer than the price lookback stay nil so charts can break the line.
type TickerPerformance struct {
	Labels []int      `msgpack:"labels" json:"labels"`
	Year1  []*float64 `msgpack:"year1" json:"0-365"`
	Year2  []*float64 `msgpack:"year2" json:"365-730"`
	Year3  []*float64 `msgpack:"year3" json:"730-1095"`
}

// LeaderSnapshot is one cached market-leader quote, decimals as strings.
type LeaderSnapshot struct {
	Ticker    string `msgpack:"ticker" json:"ticker"`
	Price     string `msgpack:"price" json:"price"`
	ChangePct string `msgpack:"change_pct" json:"change_pct"`
}

// MarketLeadersSnapshot is the cached dashboard payload.
type MarketLeadersSnapshot struct {
	Moex        []LeaderSnapshot `msgpack:"moex" json:"moex"`
	Crypto      []LeaderSnapshot `msgpack:"crypto" json:"crypto"`
	LastUpdated string           `msgpack:"last_updated" json:"last_updated"`
}

// RefreshPerformanceChart rebuilds the normalized three-year performance
// series for the fixed dashboard ticker set and stores it in the blob
// cache. Tickers are fetched in parallel; one failing ticker drops out of
// the chart without failing the job.
func (s *Service) RefreshPerformanceChart(ctx context.Context) (bool, string) {
	today := dayOf(s.now())
	start := today.AddDate(-3, 0, 0)

	spot, err := s.chart.SpotTickers(ctx, performanceChartTickers)
	if err != nil {
		s.log.Warn().Err(err).Msg("Live prices unavailable, chart ends at last close")
		spot = nil
	}

	chart := make(map[string]TickerPerformance, len(performanceChartTickers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, ticker := range performanceChartTickers {
		wg.Add(1)
		go func(ticker string) {
			defer wg.Done()

			prices, err := s.resolver.CryptoRange(ctx, ticker, start, today)
			if err != nil {
				s.log.Warn().Err(err).Str("ticker", ticker).Msg("Ticker dropped from performance chart")
				return
			}
			if live, ok := spot[ticker]; ok {
				prices[today.Format(pricing.DateFormat)] = live.PriceUSDT
			}
			if len(prices) == 0 {
				s.log.Warn().Str("ticker", ticker).Msg("No price data for performance chart")
				return
			}

			perf := buildTickerPerformance(prices, today)
			mu.Lock()
			chart[ticker] = perf
			mu.Unlock()
		}(ticker)
	}
	wg.Wait()

	if err := s.cache.SetBlob(performanceChartKey, chart); err != nil {
		return false, fmt.Sprintf("Failed to store performance chart: %v", err)
	}
	return true, fmt.Sprintf("Success: performance chart refreshed for %d tickers.", len(chart))
}

// PerformanceChart returns the cached chart payload, empty when never built.
func (s *Service) PerformanceChart() (map[string]TickerPerformance, error) {
	chart := make(map[string]TickerPerformance)
	err := s.cache.GetBlob(performanceChartKey, 0, &chart)
	if errors.Is(err, pricing.ErrCacheMiss) {
		return map[string]TickerPerformance{}, nil
	}
	if err != nil {
		return nil, err
	}
	return chart, nil
}

// buildTickerPerformance splits the series into three year-long periods
// ending today and normalizes each one independently.
func buildTickerPerformance(prices map[string]decimal.Decimal, today time.Time) TickerPerformance {
	oneYearAgo := today.AddDate(0, 0, -365)
	twoYearsAgo := today.AddDate(0, 0, -730)
	year1Cut := oneYearAgo.Format(pricing.DateFormat)
	year2Cut := twoYearsAgo.Format(pricing.DateFormat)

	year1 := make(map[string]decimal.Decimal)
	year2 := make(map[string]decimal.Decimal)
	year3 := make(map[string]decimal.Decimal)
	for day, price := range prices {
		switch {
		case day > year1Cut:
			year1[day] = price
		case day > year2Cut:
			year2[day] = price
		default:
			year3[day] = price
		}
	}

	labels := make([]int, 365)
	for i := range labels {
		labels[i] = i + 1
	}

	return TickerPerformance{
		Labels: labels,
		Year1:  normalizePeriod(year1, today),
		Year2:  normalizePeriod(year2, oneYearAgo),
		Year3:  normalizePeriod(year3, twoYearsAgo),
	}
}

// normalizePeriod maps one 365-day window ending at baseDate onto 365 points
// scaled so the period maximum is 100.
func normalizePeriod(prices map[string]decimal.Decimal, baseDate time.Time) []*float64 {
	if len(prices) == 0 {
		return make([]*float64, 365)
	}
	out := make([]*float64, 0, 365)

	max := decimal.Zero
	for _, price := range prices {
		if price.GreaterThan(max) {
			max = price
		}
	}
	if !max.IsPositive() {
		zeros := make([]*float64, 365)
		for i := range zeros {
			v := 0.0
			zeros[i] = &v
		}
		return zeros
	}

	hundred := decimal.NewFromInt(100)
	for i := 364; i >= 0; i-- {
		price, ok := priceOnOrBefore(prices, baseDate.AddDate(0, 0, -i), priceLookbackDays)
		if !ok {
			out = append(out, nil)
			continue
		}
		v, _ := price.Div(max).Mul(hundred).Float64()
		out = append(out, &v)
	}
	return out
}

// RefreshMarketLeaders caches the dashboard quotes: MOEX index and blue
// chips plus the major crypto pairs.
func (s *Service) RefreshMarketLeaders(ctx context.Context) (bool, string) {
	moexLeaders, err := s.leaders.MarketLeaders(ctx, marketLeaderMoexTickers)
	if err != nil {
		return false, fmt.Sprintf("Failed to fetch MOEX leaders: %v", err)
	}
	spot, err := s.chart.SpotTickers(ctx, marketLeaderCryptoTickers)
	if err != nil {
		return false, fmt.Sprintf("Failed to fetch crypto leaders: %v", err)
	}

	snapshot := MarketLeadersSnapshot{
		LastUpdated: s.now().UTC().Format(time.RFC3339),
	}
	for _, l := range moexLeaders {
		snapshot.Moex = append(snapshot.Moex, LeaderSnapshot{
			Ticker:    l.Ticker,
			Price:     l.Price.String(),
			ChangePct: l.ChangePct.String(),
		})
	}
	for _, ticker := range marketLeaderCryptoTickers {
		t, ok := spot[ticker]
		if !ok {
			continue
		}
		snapshot.Crypto = append(snapshot.Crypto, LeaderSnapshot{
			Ticker:    t.Symbol,
			Price:     t.PriceUSDT.String(),
			ChangePct: t.Change24hPct.String(),
		})
	}

	if err := s.cache.SetBlob(marketLeadersKey, snapshot); err != nil {
		return false, fmt.Sprintf("Failed to store market leaders: %v", err)
	}
	return true, "Success: market leaders cache refreshed."
}

// MarketLeaders returns the cached dashboard quotes, zero-valued when the
// cache was never built.
func (s *Service) MarketLeaders() (MarketLeadersSnapshot, error) {
	var snapshot MarketLeadersSnapshot
	err := s.cache.GetBlob(marketLeadersKey, 0, &snapshot)
	if errors.Is(err, pricing.ErrCacheMiss) {
		return MarketLeadersSnapshot{}, nil
	}
	if err != nil {
		return MarketLeadersSnapshot{}, err
	}
	return snapshot, nil
}
