package sync

import (
	"context"
	"database/sql"
	"errors"
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
)

func setupTestDB(t *testing.T) *sql.DB {
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
		);`)
	require.NoError(t, err)
	return db
}

// stubClient is a scripted exchange client.
type stubClient struct {
	balances    []exchange.Balance
	balancesErr error
	txs         []exchange.Transaction
	txsErr      error
	tickers     map[string]exchange.Ticker
	tickersErr  error

	txWindows [][2]time.Time
}

func (c *stubClient) Name() string { return "stub" }

func (c *stubClient) AccountAssets(ctx context.Context) ([]exchange.Balance, error) {
	return c.balances, c.balancesErr
}

func (c *stubClient) AllTransactions(ctx context.Context, start, end time.Time) ([]exchange.Transaction, error) {
	c.txWindows = append(c.txWindows, [2]time.Time{start, end})
	return c.txs, c.txsErr
}

func (c *stubClient) SpotTickers(ctx context.Context, symbols []string) (map[string]exchange.Ticker, error) {
	return c.tickers, c.tickersErr
}

type stubQuoter struct {
	metas      map[string]moex.SecurityMeta
	prices     map[string]decimal.Decimal
	pricesErr  error
	findCalls  []string
	priceCalls int
}

func (q *stubQuoter) FindSecurity(ctx context.Context, query string) (*moex.SecurityMeta, error) {
	q.findCalls = append(q.findCalls, query)
	meta, ok := q.metas[query]
	if !ok {
		return nil, errors.New("security not found on moex")
	}
	return &meta, nil
}

func (q *stubQuoter) CurrentPrices(ctx context.Context, securities map[string]moex.SecurityMeta) (map[string]decimal.Decimal, error) {
	q.priceCalls++
	if q.pricesErr != nil {
		return nil, q.pricesErr
	}
	return q.prices, nil
}

type fixture struct {
	svc       *Service
	platforms *platforms.Repository
	assets    *assets.Repository
	ledger    *ledger.Repository
	client    *stubClient
	quoter    *stubQuoter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)

	client := &stubClient{}
	registry := exchange.NewRegistry()
	registry.Register("bybit", func(creds exchange.Credentials) exchange.Client { return client })

	p := platforms.NewRepository(db, nil, zerolog.Nop())
	a := assets.NewRepository(db, zerolog.Nop())
	l := ledger.NewRepository(db, zerolog.Nop())
	quoter := &stubQuoter{}

	return &fixture{
		svc:       NewService(p, a, l, registry, quoter, zerolog.Nop()),
		platforms: p,
		assets:    a,
		ledger:    l,
		client:    client,
		quoter:    quoter,
	}
}

func (f *fixture) createPlatform(t *testing.T, p platforms.Platform) platforms.Platform {
	t.Helper()
	if p.Name == "" {
		p.Name = "Bybit"
	}
	p.Type = platforms.TypeCryptoExchange
	p.IsActive = true
	id, err := f.platforms.Create(p)
	require.NoError(t, err)
	stored, err := f.platforms.GetByID(id)
	require.NoError(t, err)
	return *stored
}

func TestSyncBalances_AddsUpdatesAndZeroes(t *testing.T) {
	f := newFixture(t)
	p := f.createPlatform(t, platforms.Platform{})

	// Pre-existing state: ETH will be updated, SOL will vanish.
	for _, seed := range []assets.Asset{
		{PlatformID: p.ID, Ticker: "ETH", SourceAccountType: "Trading", Quantity: decimal.NewFromInt(1), CurrentPrice: decimal.NewFromInt(2000)},
		{PlatformID: p.ID, Ticker: "SOL", SourceAccountType: "Trading", Quantity: decimal.NewFromInt(10), CurrentPrice: decimal.NewFromInt(150)},
	} {
		_, err := f.assets.Upsert(seed)
		require.NoError(t, err)
	}

	f.client.balances = []exchange.Balance{
		{Ticker: "BTC", AccountType: "Trading", Quantity: decimal.RequireFromString("0.5")},
		{Ticker: "ETH", AccountType: "Trading", Quantity: decimal.NewFromInt(2)},
	}
	f.client.tickers = map[string]exchange.Ticker{
		"BTC": {Symbol: "BTC", PriceUSDT: decimal.NewFromInt(60000)},
		"ETH": {Symbol: "ETH", PriceUSDT: decimal.NewFromInt(2500)},
	}

	ok, msg := f.svc.SyncBalances(context.Background(), p)
	assert.True(t, ok)
	assert.Equal(t, "Success: 1 added, 1 updated, 1 zeroed.", msg)

	rows, err := f.assets.GetByPlatform(p.ID)
	require.NoError(t, err)
	byTicker := make(map[string]assets.Asset)
	for _, a := range rows {
		byTicker[a.Ticker] = a
	}
	assert.True(t, byTicker["BTC"].Quantity.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, byTicker["ETH"].CurrentPrice.Equal(decimal.NewFromInt(2500)))
	assert.True(t, byTicker["SOL"].Quantity.IsZero(), "vanished asset zeroed, row kept")

	stored, err := f.platforms.GetByID(p.ID)
	require.NoError(t, err)
	assert.Equal(t, msg, stored.LastSyncStatus)
	assert.NotNil(t, stored.LastSyncedAt)
}

func TestSyncBalances_Idempotent(t *testing.T) {
	f := newFixture(t)
	p := f.createPlatform(t, platforms.Platform{})

	f.client.balances = []exchange.Balance{
		{Ticker: "BTC", AccountType: "Trading", Quantity: decimal.NewFromInt(1)},
	}
	f.client.tickers = map[string]exchange.Ticker{
		"BTC": {Symbol: "BTC", PriceUSDT: decimal.NewFromInt(60000)},
	}

	ok, _ := f.svc.SyncBalances(context.Background(), p)
	require.True(t, ok)

	ok, msg := f.svc.SyncBalances(context.Background(), p)
	assert.True(t, ok)
	assert.Equal(t, "Success: 0 added, 0 updated, 0 zeroed.", msg, "unchanged state counts nothing")
}

func TestSyncBalances_PreservesManualAssets(t *testing.T) {
	f := newFixture(t)
	p := f.createPlatform(t, platforms.Platform{})

	_, err := f.assets.Upsert(assets.Asset{
		PlatformID:        p.ID,
		Ticker:            "DOT",
		SourceAccountType: "Manual Earn",
		Quantity:          decimal.NewFromInt(100),
		CurrentPrice:      decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	// DOT absent from the fetch but present in the price map.
	f.client.balances = nil
	f.client.tickers = map[string]exchange.Ticker{
		"DOT": {Symbol: "DOT", PriceUSDT: decimal.RequireFromString("6.5")},
	}

	ok, msg := f.svc.SyncBalances(context.Background(), p)
	assert.True(t, ok)
	assert.Equal(t, "Success: 0 added, 1 updated, 0 zeroed.", msg)

	rows, err := f.assets.GetByPlatform(p.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Quantity.Equal(decimal.NewFromInt(100)), "manual quantity untouched")
	assert.True(t, rows[0].CurrentPrice.Equal(decimal.RequireFromString("6.5")), "manual price refreshed")
}

func TestSyncBalances_StablecoinsPinnedWithoutTickerCall(t *testing.T) {
	f := newFixture(t)
	p := f.createPlatform(t, platforms.Platform{})

	f.client.balances = []exchange.Balance{
		{Ticker: "USDT", AccountType: "Funding", Quantity: decimal.NewFromInt(1000)},
	}
	f.client.tickersErr = errors.New("should not matter for stablecoins")

	ok, msg := f.svc.SyncBalances(context.Background(), p)
	assert.True(t, ok)
	assert.Contains(t, msg, "1 added")

	rows, err := f.assets.GetByPlatform(p.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].CurrentPrice.Equal(decimal.NewFromInt(1)))
}

func TestSyncBalances_MergesManualEarnBalances(t *testing.T) {
	f := newFixture(t)
	p := f.createPlatform(t, platforms.Platform{
		ManualEarnBalances: map[string]decimal.Decimal{"ATOM": decimal.NewFromInt(50)},
	})

	f.client.balances = nil
	f.client.tickers = map[string]exchange.Ticker{
		"ATOM": {Symbol: "ATOM", PriceUSDT: decimal.NewFromInt(10)},
	}

	ok, _ := f.svc.SyncBalances(context.Background(), p)
	require.True(t, ok)

	rows, err := f.assets.GetByPlatform(p.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Manual Earn", rows[0].SourceAccountType)
	assert.True(t, rows[0].Quantity.Equal(decimal.NewFromInt(50)))
}

func TestSyncBalances_FetchErrorRecordsStatus(t *testing.T) {
	f := newFixture(t)
	p := f.createPlatform(t, platforms.Platform{})
	f.client.balancesErr = errors.New("exchange down")

	ok, msg := f.svc.SyncBalances(context.Background(), p)
	assert.False(t, ok)
	assert.Contains(t, msg, "Error: ")

	stored, err := f.platforms.GetByID(p.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.LastSyncStatus, "exchange down")
}

func TestSyncTransactions_WindowAndWatermark(t *testing.T) {
	f := newFixture(t)
	p := f.createPlatform(t, platforms.Platform{})

	ts := time.Now().UTC().Add(-time.Hour)
	f.client.txs = []exchange.Transaction{{
		ExternalID: "bybit_deposit_1",
		Timestamp:  ts,
		Type:       exchange.TxDeposit,
		Asset1:     "BTC",
		Amount1:    decimal.NewFromInt(1),
	}}

	ok, msg := f.svc.SyncTransactions(context.Background(), p)
	assert.True(t, ok)
	assert.Equal(t, "Success: 1 new transactions found.", msg)

	// Bootstrap window spans two years.
	require.Len(t, f.client.txWindows, 1)
	window := f.client.txWindows[0]
	assert.InDelta(t, 2*365*24, window[1].Sub(window[0]).Hours(), 1)

	stored, err := f.platforms.GetByID(p.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastTxSyncedAt)

	// Second run should start one day before the watermark.
	ok, msg = f.svc.SyncTransactions(context.Background(), *stored)
	assert.True(t, ok)
	assert.Equal(t, "Success: 0 new transactions found.", msg, "same payload adds nothing")

	window = f.client.txWindows[1]
	assert.InDelta(t, 24, window[1].Sub(window[0]).Hours(), 1)
}

func TestSyncTransactions_ErrorLeavesWatermark(t *testing.T) {
	f := newFixture(t)
	p := f.createPlatform(t, platforms.Platform{})
	f.client.txsErr = errors.New("timeout")

	ok, msg := f.svc.SyncTransactions(context.Background(), p)
	assert.False(t, ok)
	assert.Contains(t, msg, "timeout")

	stored, err := f.platforms.GetByID(p.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastTxSyncedAt, "failed sync must not advance the watermark")
}

func TestSyncAll_PlatformFailureIsolated(t *testing.T) {
	f := newFixture(t)

	// Second platform has no registered client and must fail alone.
	f.createPlatform(t, platforms.Platform{Name: "Bybit"})
	f.createPlatform(t, platforms.Platform{Name: "Unknown"})

	f.client.balances = []exchange.Balance{
		{Ticker: "BTC", AccountType: "Trading", Quantity: decimal.NewFromInt(1)},
	}
	f.client.tickers = map[string]exchange.Ticker{
		"BTC": {Symbol: "BTC", PriceUSDT: decimal.NewFromInt(60000)},
	}

	ok, msg := f.svc.SyncAll(context.Background())
	assert.False(t, ok, "one failing platform fails the aggregate")
	assert.Contains(t, msg, "Bybit: balances: Success")
	assert.Contains(t, msg, "unsupported exchange")
}

func (f *fixture) createBroker(t *testing.T, name string) platforms.Platform {
	t.Helper()
	id, err := f.platforms.Create(platforms.Platform{
		Name: name, Type: platforms.TypeStockBroker, IsActive: true,
	})
	require.NoError(t, err)
	stored, err := f.platforms.GetByID(id)
	require.NoError(t, err)
	return *stored
}

func TestSyncBalances_BrokerRefreshesSecurityPrices(t *testing.T) {
	f := newFixture(t)
	p := f.createBroker(t, "Tinkoff")

	_, err := f.assets.Upsert(assets.Asset{
		PlatformID: p.ID, Ticker: "RU000A0JX0J2", AssetType: "bond",
		SourceAccountType: "Broker", Quantity: decimal.NewFromInt(10),
		ISIN: "RU000A0JX0J2",
	})
	require.NoError(t, err)
	// Sold-out position keeps its row but must not be priced.
	_, err = f.assets.Upsert(assets.Asset{
		PlatformID: p.ID, Ticker: "RU0009029540", AssetType: "stock",
		SourceAccountType: "Broker", Quantity: decimal.Zero,
		ISIN: "RU0009029540",
	})
	require.NoError(t, err)

	f.quoter.metas = map[string]moex.SecurityMeta{
		"RU000A0JX0J2": {SecID: "RU000A0JX0J2", ISIN: "RU000A0JX0J2", Board: "TQCB", Group: "stock_bonds"},
	}
	f.quoter.prices = map[string]decimal.Decimal{
		"RU000A0JX0J2": decimal.RequireFromString("1014.5"),
	}

	ok, msg := f.svc.SyncBalances(context.Background(), p)
	require.True(t, ok, msg)
	assert.Equal(t, "Success: prices updated for 1 of 1 securities.", msg)
	assert.Equal(t, []string{"RU000A0JX0J2"}, f.quoter.findCalls)
	assert.Equal(t, 1, f.quoter.priceCalls)

	stored, err := f.assets.GetByPlatform(p.ID)
	require.NoError(t, err)
	byTicker := make(map[string]assets.Asset)
	for _, a := range stored {
		byTicker[a.Ticker] = a
	}
	assert.True(t, byTicker["RU000A0JX0J2"].CurrentPrice.Equal(decimal.RequireFromString("1014.5")))
	assert.Equal(t, "RUB", byTicker["RU000A0JX0J2"].PriceCurrency)

	platform, err := f.platforms.GetByID(p.ID)
	require.NoError(t, err)
	assert.Equal(t, msg, platform.LastSyncStatus)
}

func TestSyncBalances_BrokerPriceFetchError(t *testing.T) {
	f := newFixture(t)
	p := f.createBroker(t, "Tinkoff")

	_, err := f.assets.Upsert(assets.Asset{
		PlatformID: p.ID, Ticker: "RU0009029540", AssetType: "stock",
		SourceAccountType: "Broker", Quantity: decimal.NewFromInt(5),
		ISIN: "RU0009029540",
	})
	require.NoError(t, err)

	f.quoter.metas = map[string]moex.SecurityMeta{
		"RU0009029540": {SecID: "SBER", ISIN: "RU0009029540", Board: "TQBR", Group: "stock_shares"},
	}
	f.quoter.pricesErr = errors.New("moex unavailable")

	ok, msg := f.svc.SyncBalances(context.Background(), p)
	assert.False(t, ok)
	assert.Contains(t, msg, "Error")

	stored, err := f.assets.GetByPlatform(p.ID)
	require.NoError(t, err)
	assert.True(t, stored[0].CurrentPrice.IsZero(), "price must stay untouched on failure")
}

func TestSyncAll_IncludesBrokerPrices(t *testing.T) {
	f := newFixture(t)
	f.createPlatform(t, platforms.Platform{Name: "Bybit"})
	f.createBroker(t, "Tinkoff")

	f.client.balances = []exchange.Balance{
		{Ticker: "BTC", AccountType: "Trading", Quantity: decimal.NewFromInt(1)},
	}
	f.client.tickers = map[string]exchange.Ticker{
		"BTC": {Symbol: "BTC", PriceUSDT: decimal.NewFromInt(60000)},
	}

	ok, msg := f.svc.SyncAll(context.Background())
	require.True(t, ok, msg)
	assert.Contains(t, msg, "Tinkoff: prices: No held securities to price.")
}
