package history

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/plutus-app/plutus/internal/clients/moex"
	"github.com/plutus-app/plutus/internal/exchange"
	"github.com/plutus-app/plutus/internal/modules/assets"
	"github.com/plutus-app/plutus/internal/modules/ledger"
	"github.com/plutus-app/plutus/internal/modules/platforms"
	"github.com/plutus-app/plutus/internal/modules/pricing"
)

func setupPortfolioDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE investment_platforms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			platform_type TEXT NOT NULL DEFAULT 'crypto_exchange',
			is_active INTEGER NOT NULL DEFAULT 1,
			api_key TEXT, api_secret TEXT, api_passphrase TEXT,
			notes TEXT, manual_earn_balances_json TEXT,
			last_sync_status TEXT, last_synced_at TEXT, last_tx_synced_at TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE TABLE investment_assets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			platform_id INTEGER NOT NULL,
			ticker TEXT NOT NULL,
			name TEXT,
			asset_type TEXT NOT NULL DEFAULT 'crypto',
			source_account_type TEXT NOT NULL DEFAULT 'Trading',
			quantity TEXT NOT NULL DEFAULT '0',
			current_price TEXT NOT NULL DEFAULT '0',
			price_currency TEXT NOT NULL DEFAULT 'USDT',
			isin TEXT,
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE (platform_id, ticker, source_account_type)
		);
		CREATE TABLE transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id TEXT NOT NULL UNIQUE,
			platform_id INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			tx_type TEXT NOT NULL,
			raw_type TEXT,
			asset1_ticker TEXT NOT NULL,
			asset1_amount TEXT NOT NULL,
			asset2_ticker TEXT, asset2_amount TEXT,
			fee_amount TEXT, fee_ticker TEXT,
			execution_price TEXT, description TEXT
		);
		CREATE TABLE portfolio_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			date TEXT NOT NULL UNIQUE,
			total_value_rub TEXT NOT NULL
		);
		CREATE TABLE securities_portfolio_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			date TEXT NOT NULL UNIQUE,
			total_value_rub TEXT NOT NULL
		);`)
	require.NoError(t, err)
	return db
}

func setupCacheDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE crypto_price_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker TEXT NOT NULL,
			date TEXT NOT NULL,
			price TEXT NOT NULL,
			UNIQUE (ticker, date)
		);
		CREATE TABLE moex_price_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			isin TEXT NOT NULL,
			date TEXT NOT NULL,
			price TEXT NOT NULL,
			UNIQUE (isin, date)
		);
		CREATE TABLE price_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker TEXT NOT NULL,
			period TEXT NOT NULL,
			change_pct TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE (ticker, period)
		);
		CREATE TABLE blob_cache (
			cache_key TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);`)
	require.NoError(t, err)
	return db
}

// fakeCrypto serves scripted klines and spot prices.
type fakeCrypto struct {
	prices     map[string]map[string]decimal.Decimal // ticker -> date -> close
	spot       map[string]exchange.Ticker
	spotErr    error
	rangeCalls map[string]int
}

func newFakeCrypto() *fakeCrypto {
	return &fakeCrypto{
		prices:     make(map[string]map[string]decimal.Decimal),
		rangeCalls: make(map[string]int),
	}
}

func (f *fakeCrypto) HistoricalPriceRange(ctx context.Context, ticker string, start, end time.Time) (map[string]decimal.Decimal, error) {
	f.rangeCalls[ticker]++
	from := start.Format(pricing.DateFormat)
	till := end.Format(pricing.DateFormat)
	out := make(map[string]decimal.Decimal)
	for day, price := range f.prices[ticker] {
		if day >= from && day <= till {
			out[day] = price
		}
	}
	return out, nil
}

func (f *fakeCrypto) SpotTickers(ctx context.Context, symbols []string) (map[string]exchange.Ticker, error) {
	return f.spot, f.spotErr
}

// fakeMoex serves scripted listing metadata and market history.
type fakeMoex struct {
	secids       map[string]string                     // isin -> secid
	history      map[string]map[string]decimal.Decimal // secid -> date -> close
	leaders      []moex.Leader
	findCalls    int
	historyCalls int
}

func newFakeMoex() *fakeMoex {
	return &fakeMoex{
		secids:  make(map[string]string),
		history: make(map[string]map[string]decimal.Decimal),
	}
}

func (f *fakeMoex) FindSecurity(ctx context.Context, query string) (*moex.SecurityMeta, error) {
	f.findCalls++
	secid, ok := f.secids[query]
	if !ok {
		return nil, fmt.Errorf("security %s not found", query)
	}
	return &moex.SecurityMeta{SecID: secid, ISIN: query}, nil
}

func (f *fakeMoex) MarketHistory(ctx context.Context, secid string, start, end time.Time) (map[string]decimal.Decimal, error) {
	f.historyCalls++
	from := start.Format(pricing.DateFormat)
	till := end.Format(pricing.DateFormat)
	out := make(map[string]decimal.Decimal)
	for day, price := range f.history[secid] {
		if day >= from && day <= till {
			out[day] = price
		}
	}
	return out, nil
}

func (f *fakeMoex) MarketLeaders(ctx context.Context, tickers []string) ([]moex.Leader, error) {
	return f.leaders, nil
}

type fixture struct {
	svc       *Service
	platforms *platforms.Repository
	assets    *assets.Repository
	ledger    *ledger.Repository
	series    *Repository
	cache     *pricing.Repository
	crypto    *fakeCrypto
	moex      *fakeMoex
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	portfolioDB := setupPortfolioDB(t)
	cacheDB := setupCacheDB(t)

	crypto := newFakeCrypto()
	moexSource := newFakeMoex()

	p := platforms.NewRepository(portfolioDB, nil, zerolog.Nop())
	a := assets.NewRepository(portfolioDB, zerolog.Nop())
	l := ledger.NewRepository(portfolioDB, zerolog.Nop())
	series := NewRepository(portfolioDB, zerolog.Nop())
	cache := pricing.NewRepository(cacheDB, zerolog.Nop())
	resolver := NewResolver(cache, crypto, moexSource, zerolog.Nop())

	svc := NewService(p, a, l, series, cache, resolver, crypto, moexSource, zerolog.Nop())
	svc.now = func() time.Time { return now }

	return &fixture{
		svc:       svc,
		platforms: p,
		assets:    a,
		ledger:    l,
		series:    series,
		cache:     cache,
		crypto:    crypto,
		moex:      moexSource,
	}
}

func (f *fixture) createPlatform(t *testing.T, name, platformType string) platforms.Platform {
	t.Helper()
	id, err := f.platforms.Create(platforms.Platform{Name: name, Type: platformType, IsActive: true})
	require.NoError(t, err)
	stored, err := f.platforms.GetByID(id)
	require.NoError(t, err)
	return *stored
}

func day(s string) time.Time {
	t, err := time.Parse(pricing.DateFormat, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func seriesByDate(rows []Row) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		out[r.Date] = r.TotalValueRUB
	}
	return out
}

func TestRebuildCrypto_ValuesDayByDay(t *testing.T) {
	f := newFixture(t, day("2024-01-05"))
	p := f.createPlatform(t, "Bybit", platforms.TypeCryptoExchange)

	_, err := f.ledger.InsertBatch(p.ID, []exchange.Transaction{
		{ExternalID: "bybit_deposits_1", Timestamp: day("2024-01-01").Add(10 * time.Hour),
			Type: exchange.TxDeposit, Asset1: "USDT", Amount1: decimal.NewFromInt(1000)},
		{ExternalID: "bybit_trades_1", Timestamp: day("2024-01-02").Add(12 * time.Hour),
			Type: exchange.TxBuy, Asset1: "BTC", Amount1: decimal.RequireFromString("0.1"),
			Asset2: "USDT", Amount2: decimal.NewFromInt(450)},
	})
	require.NoError(t, err)

	f.crypto.prices["BTC"] = map[string]decimal.Decimal{}
	for d := day("2024-01-01"); !d.After(day("2024-01-05")); d = d.AddDate(0, 0, 1) {
		f.crypto.prices["BTC"][d.Format(pricing.DateFormat)] = decimal.NewFromInt(5000)
	}

	ok, msg := f.svc.RebuildCrypto(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "Success: crypto history rebuilt for 5 days.", msg)

	rows, err := f.series.CryptoSeries()
	require.NoError(t, err)
	require.Len(t, rows, 5)

	byDate := seriesByDate(rows)
	// Day 1: 1000 USDT * 90.
	assert.True(t, byDate["2024-01-01"].Equal(decimal.NewFromInt(90000)), byDate["2024-01-01"].String())
	// Day 2 onward: 550 USDT + 0.1 BTC * 5000 = 1050 USDT * 90.
	assert.True(t, byDate["2024-01-02"].Equal(decimal.NewFromInt(94500)), byDate["2024-01-02"].String())
	assert.True(t, byDate["2024-01-05"].Equal(decimal.NewFromInt(94500)))
}

func TestRebuildCrypto_PriceLookbackWindow(t *testing.T) {
	f := newFixture(t, day("2024-01-10"))
	p := f.createPlatform(t, "Bybit", platforms.TypeCryptoExchange)

	_, err := f.ledger.InsertBatch(p.ID, []exchange.Transaction{
		{ExternalID: "bybit_deposits_1", Timestamp: day("2024-01-01"),
			Type: exchange.TxDeposit, Asset1: "BTC", Amount1: decimal.NewFromInt(2)},
	})
	require.NoError(t, err)

	// Only one traded day. The following week still values against it,
	// after that the position counts as unpriced.
	f.crypto.prices["BTC"] = map[string]decimal.Decimal{
		"2024-01-01": decimal.NewFromInt(100),
	}

	ok, _ := f.svc.RebuildCrypto(context.Background())
	assert.True(t, ok)

	rows, err := f.series.CryptoSeries()
	require.NoError(t, err)
	byDate := seriesByDate(rows)

	want := decimal.NewFromInt(2 * 100 * 90)
	assert.True(t, byDate["2024-01-07"].Equal(want), "within lookback: %s", byDate["2024-01-07"])
	assert.True(t, byDate["2024-01-08"].IsZero(), "beyond lookback: %s", byDate["2024-01-08"])
	assert.True(t, byDate["2024-01-10"].IsZero())
}

func TestRebuildCrypto_NoTransactions(t *testing.T) {
	f := newFixture(t, day("2024-01-05"))

	ok, msg := f.svc.RebuildCrypto(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "No transactions to build history from.", msg)
}

func TestRebuildCrypto_ReplacesPreviousSeries(t *testing.T) {
	f := newFixture(t, day("2024-01-03"))
	p := f.createPlatform(t, "Bybit", platforms.TypeCryptoExchange)

	require.NoError(t, f.series.ReplaceCrypto([]Row{
		{Date: "2019-05-05", TotalValueRUB: decimal.NewFromInt(1)},
	}))

	_, err := f.ledger.InsertBatch(p.ID, []exchange.Transaction{
		{ExternalID: "bybit_deposits_1", Timestamp: day("2024-01-01"),
			Type: exchange.TxDeposit, Asset1: "USDT", Amount1: decimal.NewFromInt(10)},
	})
	require.NoError(t, err)

	ok, _ := f.svc.RebuildCrypto(context.Background())
	assert.True(t, ok)

	rows, err := f.series.CryptoSeries()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "2024-01-01", rows[0].Date, "stale series dropped")
}

func TestRebuildSecurities_BuySellAndZeroRows(t *testing.T) {
	f := newFixture(t, day("2024-01-04"))
	broker := f.createPlatform(t, "Broker", platforms.TypeStockBroker)
	bybit := f.createPlatform(t, "Bybit", platforms.TypeCryptoExchange)

	_, err := f.ledger.InsertBatch(broker.ID, []exchange.Transaction{
		{ExternalID: "broker_trades_1", Timestamp: day("2024-01-01"),
			Type: exchange.TxBuy, Asset1: "RU0009029540", Amount1: decimal.NewFromInt(10),
			Asset2: "RUB", Amount2: decimal.NewFromInt(2400)},
		{ExternalID: "broker_trades_2", Timestamp: day("2024-01-03"),
			Type: exchange.TxSell, Asset1: "RU0009029540", Amount1: decimal.NewFromInt(10),
			Asset2: "RUB", Amount2: decimal.NewFromInt(2600)},
	})
	require.NoError(t, err)

	// Crypto activity must not leak into the securities series.
	_, err = f.ledger.InsertBatch(bybit.ID, []exchange.Transaction{
		{ExternalID: "bybit_deposits_1", Timestamp: day("2024-01-01"),
			Type: exchange.TxDeposit, Asset1: "BTC", Amount1: decimal.NewFromInt(1)},
	})
	require.NoError(t, err)

	f.moex.secids["RU0009029540"] = "SBER"
	f.moex.history["SBER"] = map[string]decimal.Decimal{}
	for d := day("2023-12-24"); !d.After(day("2024-01-04")); d = d.AddDate(0, 0, 1) {
		f.moex.history["SBER"][d.Format(pricing.DateFormat)] = decimal.NewFromInt(250)
	}

	ok, msg := f.svc.RebuildSecurities(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "Success: securities history rebuilt for 4 days.", msg)

	rows, err := f.series.SecuritiesSeries()
	require.NoError(t, err)
	require.Len(t, rows, 4)

	byDate := seriesByDate(rows)
	assert.True(t, byDate["2024-01-01"].Equal(decimal.NewFromInt(2500)))
	assert.True(t, byDate["2024-01-02"].Equal(decimal.NewFromInt(2500)))
	assert.True(t, byDate["2024-01-03"].IsZero(), "sold out, zero row still written")
	assert.True(t, byDate["2024-01-04"].IsZero())
}

func TestRefreshCryptoPriceChanges(t *testing.T) {
	f := newFixture(t, day("2024-06-10"))
	p := f.createPlatform(t, "Bybit", platforms.TypeCryptoExchange)

	for _, seed := range []assets.Asset{
		{PlatformID: p.ID, Ticker: "BTC", SourceAccountType: "Trading",
			Quantity: decimal.NewFromInt(1), CurrentPrice: decimal.NewFromInt(110)},
		{PlatformID: p.ID, Ticker: "USDT", SourceAccountType: "Trading",
			Quantity: decimal.NewFromInt(500), CurrentPrice: decimal.NewFromInt(1)},
	} {
		_, err := f.assets.Upsert(seed)
		require.NoError(t, err)
	}

	f.crypto.prices["BTC"] = map[string]decimal.Decimal{
		"2024-06-09": decimal.NewFromInt(100), // 24h ago
		"2024-06-03": decimal.NewFromInt(55),  // 7d ago
	}

	ok, msg := f.svc.RefreshCryptoPriceChanges(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "Success: price changes refreshed for 2 crypto assets.", msg)

	changes, err := f.cache.PriceChanges()
	require.NoError(t, err)

	require.Contains(t, changes, "BTC")
	assert.True(t, changes["BTC"]["24h"].Equal(decimal.NewFromInt(10)), changes["BTC"]["24h"].String())
	assert.True(t, changes["BTC"]["7d"].Equal(decimal.NewFromInt(100)), changes["BTC"]["7d"].String())
	assert.NotContains(t, changes["BTC"], "365d", "no price a year back")
	assert.NotContains(t, changes, "USDT", "stablecoins carry no change rows")
}

func TestRefreshSecuritiesPriceChanges(t *testing.T) {
	f := newFixture(t, day("2024-06-10"))
	broker := f.createPlatform(t, "Broker", platforms.TypeStockBroker)

	_, err := f.assets.Upsert(assets.Asset{
		PlatformID: broker.ID, Ticker: "SBER", ISIN: "RU0009029540", AssetType: "stock",
		SourceAccountType: "Broker", Quantity: decimal.NewFromInt(10),
		CurrentPrice: decimal.NewFromInt(250), PriceCurrency: "RUB",
	})
	require.NoError(t, err)

	f.moex.secids["RU0009029540"] = "SBER"
	f.moex.history["SBER"] = map[string]decimal.Decimal{
		"2024-06-10": decimal.NewFromInt(110),
		"2024-06-09": decimal.NewFromInt(100),
	}

	ok, msg := f.svc.RefreshSecuritiesPriceChanges(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "Success: price changes refreshed for 1 securities.", msg)

	changes, err := f.cache.PriceChanges()
	require.NoError(t, err)
	require.Contains(t, changes, "RU0009029540")
	assert.True(t, changes["RU0009029540"]["1d"].Equal(decimal.NewFromInt(10)))
}

func TestResolver_SecurityPriceCachedUnderRequestedDate(t *testing.T) {
	f := newFixture(t, day("2024-06-10"))

	f.moex.secids["RU0009029540"] = "SBER"
	f.moex.history["SBER"] = map[string]decimal.Decimal{
		"2024-06-07": decimal.NewFromInt(250), // Friday; the 9th is a Sunday
	}

	resolver := f.svc.resolver
	price, ok, err := resolver.SecurityPriceOn(context.Background(), "RU0009029540", day("2024-06-09"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(250)), "last session before the weekend")
	assert.Equal(t, 1, f.moex.historyCalls)

	// Second lookup must come from the cache.
	price, ok, err = resolver.SecurityPriceOn(context.Background(), "RU0009029540", day("2024-06-09"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(250)))
	assert.Equal(t, 1, f.moex.historyCalls)
	assert.Equal(t, 1, f.moex.findCalls)
}

func TestResolver_CryptoRangeUsesCoveringCache(t *testing.T) {
	f := newFixture(t, day("2024-01-10"))

	seeded := make(map[string]decimal.Decimal)
	for d := day("2024-01-01"); !d.After(day("2024-01-10")); d = d.AddDate(0, 0, 1) {
		seeded[d.Format(pricing.DateFormat)] = decimal.NewFromInt(42)
	}
	require.NoError(t, f.cache.PutCryptoPrices("BTC", seeded))

	resolver := f.svc.resolver
	prices, err := resolver.CryptoRange(context.Background(), "BTC", day("2024-01-01"), day("2024-01-10"))
	require.NoError(t, err)
	assert.Len(t, prices, 10)
	assert.Equal(t, 0, f.crypto.rangeCalls["BTC"], "covered range never hits the API")

	// A wider range misses the cache head and refetches.
	f.crypto.prices["BTC"] = map[string]decimal.Decimal{"2023-12-01": decimal.NewFromInt(40)}
	_, err = resolver.CryptoRange(context.Background(), "BTC", day("2023-12-01"), day("2024-01-10"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.crypto.rangeCalls["BTC"])
}

func TestRefreshPerformanceChart_NormalizesToPeriodMax(t *testing.T) {
	today := day("2024-06-10")
	f := newFixture(t, today)

	f.crypto.prices["BTC"] = map[string]decimal.Decimal{
		"2024-06-08": decimal.NewFromInt(200),
		"2024-06-05": decimal.NewFromInt(100),
	}
	f.crypto.spot = map[string]exchange.Ticker{
		"BTC": {Symbol: "BTC", PriceUSDT: decimal.NewFromInt(150)},
	}

	ok, msg := f.svc.RefreshPerformanceChart(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "Success: performance chart refreshed for 1 tickers.", msg)

	chart, err := f.svc.PerformanceChart()
	require.NoError(t, err)
	require.Contains(t, chart, "BTC")
	assert.NotContains(t, chart, "ETH", "tickers without data drop out")

	perf := chart["BTC"]
	require.Len(t, perf.Labels, 365)
	assert.Equal(t, 1, perf.Labels[0])
	require.Len(t, perf.Year1, 365)

	// Points run oldest to newest; the last one is today.
	last := perf.Year1[364]
	require.NotNil(t, last)
	assert.InDelta(t, 75.0, *last, 0.0001, "live price over period max 200")

	twoDaysAgo := perf.Year1[362]
	require.NotNil(t, twoDaysAgo)
	assert.InDelta(t, 100.0, *twoDaysAgo, 0.0001, "period high normalizes to 100")

	assert.Nil(t, perf.Year1[0], "days before first trade have no point")
}

func TestRefreshMarketLeaders_RoundTrip(t *testing.T) {
	f := newFixture(t, day("2024-06-10"))

	f.moex.leaders = []moex.Leader{
		{Ticker: "SBER", Price: decimal.RequireFromString("312.4"), ChangePct: decimal.RequireFromString("1.2")},
	}
	f.crypto.spot = map[string]exchange.Ticker{
		"BTC": {Symbol: "BTC", PriceUSDT: decimal.NewFromInt(65000), Change24hPct: decimal.RequireFromString("-2.5")},
		"ETH": {Symbol: "ETH", PriceUSDT: decimal.NewFromInt(3500), Change24hPct: decimal.NewFromInt(1)},
	}

	ok, msg := f.svc.RefreshMarketLeaders(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "Success: market leaders cache refreshed.", msg)

	snapshot, err := f.svc.MarketLeaders()
	require.NoError(t, err)
	require.Len(t, snapshot.Moex, 1)
	assert.Equal(t, LeaderSnapshot{Ticker: "SBER", Price: "312.4", ChangePct: "1.2"}, snapshot.Moex[0])

	require.Len(t, snapshot.Crypto, 2)
	assert.Equal(t, "BTC", snapshot.Crypto[0].Ticker, "fixed dashboard order")
	assert.Equal(t, "65000", snapshot.Crypto[0].Price)
	assert.NotEmpty(t, snapshot.LastUpdated)
}

func TestMarketLeaders_EmptyCache(t *testing.T) {
	f := newFixture(t, day("2024-06-10"))

	snapshot, err := f.svc.MarketLeaders()
	require.NoError(t, err)
	assert.Empty(t, snapshot.Moex)
	assert.Empty(t, snapshot.LastUpdated)
}
