package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/plutus-app/plutus/internal/clients/moex"
	"github.com/plutus-app/plutus/internal/exchange"
	"github.com/plutus-app/plutus/internal/modules/assets"
	"github.com/plutus-app/plutus/internal/modules/ledger"
	"github.com/plutus-app/plutus/internal/modules/platforms"
	"github.com/plutus-app/plutus/internal/modules/pricing"
)

// Blob cache keys.
const (
	performanceChartKey = "performance_chart_data"
	marketLeadersKey    = "market_leaders_data"
)

// usdtToRub is the fixed conversion rate applied to crypto valuations.
// TODO: replace with a daily CBR rate series once the ruble leg matters.
var usdtToRub = decimal.RequireFromString("90.0")

var (
	performanceChartTickers   = []string{"BTC", "ETH", "SOL", "TON", "SUI", "NEAR", "XRP"}
	marketLeaderMoexTickers   = []string{"IMOEX", "SBER", "GAZP", "LKOH", "ROSN", "YNDX"}
	marketLeaderCryptoTickers = []string{"BTC", "ETH", "SOL", "TON"}
)

var cryptoChangePeriods = []struct {
	Name string
	Days int
}{
	{"24h", 1}, {"7d", 7}, {"30d", 30}, {"90d", 90}, {"180d", 180}, {"365d", 365},
}

var securitiesChangePeriods = []struct {
	Name string
	Days int
}{
	{"1d", 1}, {"7d", 7}, {"30d", 30}, {"90d", 90}, {"180d", 180}, {"365d", 365},
}

// LedgerSource is the slice of the ledger repository the replays need.
type LedgerSource interface {
	GetByPlatformType(platformType string) ([]ledger.Transaction, error)
}

// ChartPriceSource serves the spot and kline data behind the performance
// chart and the crypto price-change cache. The bybit client satisfies it.
type ChartPriceSource interface {
	exchange.HistoricalPricer
	SpotTickers(ctx context.Context, symbols []string) (map[string]exchange.Ticker, error)
}

// LeadersSource serves MOEX market leader quotes. *moex.Client satisfies it.
type LeadersSource interface {
	MarketLeaders(ctx context.Context, tickers []string) ([]moex.Leader, error)
}

// Service rebuilds portfolio value history and the derived caches.
type Service struct {
	platforms *platforms.Repository
	assets    *assets.Repository
	ledger    LedgerSource
	series    *Repository
	cache     *pricing.Repository
	resolver  *Resolver
	chart     ChartPriceSource
	leaders   LeadersSource
	log       zerolog.Logger
	now       func() time.Time
}

// NewService creates the history service.
func NewService(
	platformRepo *platforms.Repository,
	assetRepo *assets.Repository,
	ledgerRepo LedgerSource,
	seriesRepo *Repository,
	cache *pricing.Repository,
	resolver *Resolver,
	chart ChartPriceSource,
	leaders LeadersSource,
	log zerolog.Logger,
) *Service {
	return &Service{
		platforms: platformRepo,
		assets:    assetRepo,
		ledger:    ledgerRepo,
		series:    seriesRepo,
		cache:     cache,
		resolver:  resolver,
		chart:     chart,
		leaders:   leaders,
		log:       log.With().Str("service", "history").Logger(),
		now:       time.Now,
	}
}

// RebuildAll replays both portfolio series.
func (s *Service) RebuildAll(ctx context.Context) (bool, string) {
	cryptoOK, cryptoMsg := s.RebuildCrypto(ctx)
	securitiesOK, securitiesMsg := s.RebuildSecurities(ctx)
	return cryptoOK && securitiesOK, fmt.Sprintf("crypto: %s | securities: %s", cryptoMsg, securitiesMsg)
}

// RebuildCrypto replays every crypto-exchange transaction day by day and
// replaces the stored crypto value series. Price history for each ticker is
// loaded once for the whole replay window.
func (s *Service) RebuildCrypto(ctx context.Context) (bool, string) {
	txs, err := s.ledger.GetByPlatformType(platforms.TypeCryptoExchange)
	if err != nil {
		return false, fmt.Sprintf("Failed to load transactions: %v", err)
	}
	if len(txs) == 0 {
		return false, "No transactions to build history from."
	}

	startDay := dayOf(txs[0].Timestamp)
	endDay := dayOf(s.now())

	tickers := make(map[string]bool)
	for _, t := range txs {
		if t.Asset1 != "" {
			tickers[t.Asset1] = true
		}
		if t.Asset2 != "" {
			tickers[t.Asset2] = true
		}
	}

	priceSeries := make(map[string]map[string]decimal.Decimal)
	for _, ticker := range sortedKeys(tickers) {
		if exchange.Stablecoins[ticker] {
			continue
		}
		prices, err := s.resolver.CryptoRange(ctx, ticker, startDay, endDay)
		if err != nil {
			s.log.Warn().Err(err).Str("ticker", ticker).Msg("No price history, ticker will value at zero")
			prices = nil
		}
		priceSeries[ticker] = prices
	}

	holdings := make(map[string]decimal.Decimal)
	idx := 0
	var rows []Row

	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		for idx < len(txs) && !dayOf(txs[idx].Timestamp).After(day) {
			applyCryptoTransaction(holdings, txs[idx])
			idx++
		}

		totalUSDT := decimal.Zero
		for ticker, qty := range holdings {
			if qty.Cmp(exchange.DustThreshold) <= 0 {
				continue
			}
			if exchange.Stablecoins[ticker] {
				totalUSDT = totalUSDT.Add(qty)
				continue
			}
			price, ok := priceOnOrBefore(priceSeries[ticker], day, priceLookbackDays)
			if !ok {
				s.log.Warn().Str("ticker", ticker).Str("date", day.Format(pricing.DateFormat)).
					Msg("No historical price on or before date")
				continue
			}
			totalUSDT = totalUSDT.Add(qty.Mul(price))
		}

		rows = append(rows, Row{
			Date:          day.Format(pricing.DateFormat),
			TotalValueRUB: totalUSDT.Mul(usdtToRub),
		})
	}

	if err := s.series.ReplaceCrypto(rows); err != nil {
		return false, fmt.Sprintf("Failed to store crypto history: %v", err)
	}
	return true, fmt.Sprintf("Success: crypto history rebuilt for %d days.", len(rows))
}

// applyCryptoTransaction moves holdings for one ledger record. Trades move
// both legs; deposits and transfers add, withdrawals subtract.
func applyCryptoTransaction(holdings map[string]decimal.Decimal, t ledger.Transaction) {
	switch t.Type {
	case exchange.TxBuy:
		if t.Asset1 != "" {
			holdings[t.Asset1] = holdings[t.Asset1].Add(t.Amount1)
		}
		if t.Asset2 != "" {
			holdings[t.Asset2] = holdings[t.Asset2].Sub(t.Amount2)
		}
	case exchange.TxSell:
		if t.Asset1 != "" {
			holdings[t.Asset1] = holdings[t.Asset1].Sub(t.Amount1)
		}
		if t.Asset2 != "" {
			holdings[t.Asset2] = holdings[t.Asset2].Add(t.Amount2)
		}
	case exchange.TxDeposit, exchange.TxTransfer:
		if t.Asset1 != "" {
			holdings[t.Asset1] = holdings[t.Asset1].Add(t.Amount1)
		}
	case exchange.TxWithdrawal:
		if t.Asset1 != "" {
			holdings[t.Asset1] = holdings[t.Asset1].Sub(t.Amount1)
		}
	}
}

// RebuildSecurities replays stock-broker transactions and replaces the
// securities value series. Only the security leg moves holdings; the cash
// leg lives on the broker account outside this series. Days with no
// holdings still get a zero row so charts have no gaps.
func (s *Service) RebuildSecurities(ctx context.Context) (bool, string) {
	txs, err := s.ledger.GetByPlatformType(platforms.TypeStockBroker)
	if err != nil {
		return false, fmt.Sprintf("Failed to load transactions: %v", err)
	}
	if len(txs) == 0 {
		return false, "No transactions to build history from."
	}

	startDay := dayOf(txs[0].Timestamp)
	endDay := dayOf(s.now())

	holdings := make(map[string]decimal.Decimal)
	idx := 0
	var rows []Row

	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		for idx < len(txs) && !dayOf(txs[idx].Timestamp).After(day) {
			t := txs[idx]
			idx++
			if t.Asset1 == "" {
				continue
			}
			switch t.Type {
			case exchange.TxBuy:
				holdings[t.Asset1] = holdings[t.Asset1].Add(t.Amount1)
			case exchange.TxSell:
				holdings[t.Asset1] = holdings[t.Asset1].Sub(t.Amount1)
			}
		}

		totalRUB := decimal.Zero
		for isin, qty := range holdings {
			if qty.Cmp(exchange.DustThreshold) <= 0 {
				continue
			}
			price, ok, err := s.resolver.SecurityPriceOn(ctx, isin, day)
			if err != nil {
				s.log.Warn().Err(err).Str("isin", isin).Str("date", day.Format(pricing.DateFormat)).
					Msg("Price lookup failed")
				continue
			}
			if !ok {
				s.log.Warn().Str("isin", isin).Str("date", day.Format(pricing.DateFormat)).
					Msg("No trading session on or before date")
				continue
			}
			totalRUB = totalRUB.Add(qty.Mul(price))
		}

		rows = append(rows, Row{
			Date:          day.Format(pricing.DateFormat),
			TotalValueRUB: totalRUB,
		})
	}

	if err := s.series.ReplaceSecurities(rows); err != nil {
		return false, fmt.Sprintf("Failed to store securities history: %v", err)
	}
	return true, fmt.Sprintf("Success: securities history rebuilt for %d days.", len(rows))
}

// RefreshPriceChanges refreshes both price-change caches.
func (s *Service) RefreshPriceChanges(ctx context.Context) (bool, string) {
	cryptoOK, cryptoMsg := s.RefreshCryptoPriceChanges(ctx)
	securitiesOK, securitiesMsg := s.RefreshSecuritiesPriceChanges(ctx)
	return cryptoOK && securitiesOK, fmt.Sprintf("crypto: %s | securities: %s", cryptoMsg, securitiesMsg)
}

// RefreshCryptoPriceChanges recomputes period change percentages for every
// held crypto asset against its current price. One year of daily history
// per ticker covers every period.
func (s *Service) RefreshCryptoPriceChanges(ctx context.Context) (bool, string) {
	held, err := s.assets.GetByType("crypto")
	if err != nil {
		return false, fmt.Sprintf("Failed to load assets: %v", err)
	}

	currentPrices := make(map[string]decimal.Decimal)
	for _, a := range held {
		if a.Quantity.Cmp(exchange.DustThreshold) <= 0 {
			continue
		}
		if a.CurrentPrice.GreaterThan(currentPrices[a.Ticker]) {
			currentPrices[a.Ticker] = a.CurrentPrice
		}
	}
	if len(currentPrices) == 0 {
		return false, "No crypto assets to refresh."
	}

	today := dayOf(s.now())
	start := today.AddDate(0, 0, -366)

	var changes []pricing.PriceChange
	for _, ticker := range sortedKeys(currentPrices) {
		if exchange.Stablecoins[ticker] {
			continue
		}
		current := currentPrices[ticker]
		if !current.IsPositive() {
			continue
		}

		prices, err := s.resolver.CryptoRange(ctx, ticker, start, today)
		if err != nil {
			s.log.Warn().Err(err).Str("ticker", ticker).Msg("No price history for change computation")
			continue
		}

		for _, period := range cryptoChangePeriods {
			past, ok := priceOnOrBefore(prices, today.AddDate(0, 0, -period.Days), priceLookbackDays)
			if !ok || !past.IsPositive() {
				continue
			}
			changes = append(changes, pricing.PriceChange{
				Ticker:    ticker,
				Period:    period.Name,
				ChangePct: changePercent(current, past),
			})
		}
	}

	if err := s.cache.SetPriceChanges(changes); err != nil {
		return false, fmt.Sprintf("Failed to store price changes: %v", err)
	}
	return true, fmt.Sprintf("Success: price changes refreshed for %d crypto assets.", len(currentPrices))
}

// RefreshSecuritiesPriceChanges recomputes period change percentages for
// every held security against its latest MOEX close.
func (s *Service) RefreshSecuritiesPriceChanges(ctx context.Context) (bool, string) {
	isins, err := s.heldSecurityISINs()
	if err != nil {
		return false, fmt.Sprintf("Failed to load assets: %v", err)
	}
	if len(isins) == 0 {
		return false, "No securities to refresh."
	}

	today := dayOf(s.now())
	var changes []pricing.PriceChange
	for _, isin := range isins {
		current, ok, err := s.resolver.SecurityPriceOn(ctx, isin, today)
		if err != nil || !ok || !current.IsPositive() {
			if err != nil {
				s.log.Warn().Err(err).Str("isin", isin).Msg("Price lookup failed")
			}
			continue
		}

		for _, period := range securitiesChangePeriods {
			past, ok, err := s.resolver.SecurityPriceOn(ctx, isin, today.AddDate(0, 0, -period.Days))
			if err != nil || !ok || !past.IsPositive() {
				continue
			}
			changes = append(changes, pricing.PriceChange{
				Ticker:    isin,
				Period:    period.Name,
				ChangePct: changePercent(current, past),
			})
		}
	}

	if err := s.cache.SetPriceChanges(changes); err != nil {
		return false, fmt.Sprintf("Failed to store price changes: %v", err)
	}
	return true, fmt.Sprintf("Success: price changes refreshed for %d securities.", len(isins))
}

func (s *Service) heldSecurityISINs() ([]string, error) {
	all, err := s.platforms.GetAll()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var isins []string
	for _, p := range all {
		if p.Type != platforms.TypeStockBroker {
			continue
		}
		held, err := s.assets.GetByPlatform(p.ID)
		if err != nil {
			return nil, err
		}
		for _, a := range held {
			if a.Quantity.Cmp(exchange.DustThreshold) <= 0 {
				continue
			}
			isin := a.ISIN
			if isin == "" {
				isin = a.Ticker
			}
			if !seen[isin] {
				seen[isin] = true
				isins = append(isins, isin)
			}
		}
	}
	sort.Strings(isins)
	return isins, nil
}

func changePercent(current, past decimal.Decimal) decimal.Decimal {
	return current.Sub(past).Div(past).Mul(decimal.NewFromInt(100))
}

func dayOf(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
