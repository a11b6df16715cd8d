package pricing

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
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
		);
		CREATE TABLE job_history (
			id TEXT PRIMARY KEY,
			job_name TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			success INTEGER,
			message TEXT
		);`)
	require.NoError(t, err)
	return db
}

func day(s string) time.Time {
	t, _ := time.Parse(DateFormat, s)
	return t
}

func TestRepository_CryptoPricesRangeAndUpsert(t *testing.T) {
	repo := NewRepository(setupTestDB(t), zerolog.Nop())

	require.NoError(t, repo.PutCryptoPrices("BTC", map[string]decimal.Decimal{
		"2025-06-01": decimal.NewFromInt(50000),
		"2025-06-02": decimal.NewFromInt(51000),
		"2025-06-10": decimal.NewFromInt(55000),
	}))

	prices, err := repo.CryptoPrices("BTC", day("2025-06-01"), day("2025-06-05"))
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.True(t, prices["2025-06-02"].Equal(decimal.NewFromInt(51000)))

	// Re-storing a day overwrites it.
	require.NoError(t, repo.PutCryptoPrices("BTC", map[string]decimal.Decimal{
		"2025-06-02": decimal.RequireFromString("51500.5"),
	}))
	prices, err = repo.CryptoPrices("BTC", day("2025-06-02"), day("2025-06-02"))
	require.NoError(t, err)
	assert.True(t, prices["2025-06-02"].Equal(decimal.RequireFromString("51500.5")))
}

func TestRepository_MoexPricesIsolatedFromCrypto(t *testing.T) {
	repo := NewRepository(setupTestDB(t), zerolog.Nop())

	require.NoError(t, repo.PutMoexPrices("RU0009029540", map[string]decimal.Decimal{
		"2025-06-01": decimal.RequireFromString("285.5"),
	}))

	moex, err := repo.MoexPrices("RU0009029540", day("2025-06-01"), day("2025-06-01"))
	require.NoError(t, err)
	assert.Len(t, moex, 1)

	crypto, err := repo.CryptoPrices("RU0009029540", day("2025-06-01"), day("2025-06-01"))
	require.NoError(t, err)
	assert.Empty(t, crypto)
}

func TestRepository_PriceChanges(t *testing.T) {
	repo := NewRepository(setupTestDB(t), zerolog.Nop())

	require.NoError(t, repo.SetPriceChanges([]PriceChange{
		{Ticker: "BTC", Period: "24h", ChangePct: decimal.RequireFromString("1.2")},
		{Ticker: "BTC", Period: "7d", ChangePct: decimal.RequireFromString("-3.4")},
		{Ticker: "ETH", Period: "24h", ChangePct: decimal.RequireFromString("0.5")},
	}))
	require.NoError(t, repo.SetPriceChanges([]PriceChange{
		{Ticker: "BTC", Period: "24h", ChangePct: decimal.RequireFromString("2.5")},
	}))

	changes, err := repo.PriceChanges()
	require.NoError(t, err)
	assert.True(t, changes["BTC"]["24h"].Equal(decimal.RequireFromString("2.5")))
	assert.True(t, changes["BTC"]["7d"].Equal(decimal.RequireFromString("-3.4")))
	assert.Len(t, changes["ETH"], 1)
}

func TestRepository_BlobCacheRoundTrip(t *testing.T) {
	repo := NewRepository(setupTestDB(t), zerolog.Nop())

	type chartPoint struct {
		Date  string `msgpack:"date"`
		Value string `msgpack:"value"`
	}
	original := []chartPoint{{"2025-06-01", "100.5"}, {"2025-06-02", "101"}}
	require.NoError(t, repo.SetBlob("performance_chart", original))

	var got []chartPoint
	require.NoError(t, repo.GetBlob("performance_chart", time.Hour, &got))
	assert.Equal(t, original, got)
}

func TestRepository_BlobCacheMissAndExpiry(t *testing.T) {
	repo := NewRepository(setupTestDB(t), zerolog.Nop())

	var out []string
	err := repo.GetBlob("absent", time.Hour, &out)
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, repo.SetBlob("stale", []string{"x"}))
	_, err2 := repo.db.Exec(`UPDATE blob_cache SET updated_at = datetime('now', '-2 hours') WHERE cache_key = 'stale'`)
	require.NoError(t, err2)

	err = repo.GetBlob("stale", time.Hour, &out)
	assert.ErrorIs(t, err, ErrCacheMiss)

	err = repo.GetBlob("stale", 0, &out)
	require.NoError(t, err, "maxAge 0 disables expiry")
	assert.Equal(t, []string{"x"}, out)
}

func TestRepository_JobRunLifecycle(t *testing.T) {
	repo := NewRepository(setupTestDB(t), zerolog.Nop())

	started := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	require.NoError(t, repo.StartJobRun("run-1", "sync_platforms", started))
	require.NoError(t, repo.FinishJobRun("run-1", true, "Success: 2 added, 0 updated, 0 zeroed.", started.Add(time.Minute)))
	require.NoError(t, repo.StartJobRun("run-2", "rebuild_history", started.Add(time.Hour)))

	runs, err := repo.RecentJobRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "run-2", runs[0].ID, "newest first")
	assert.Nil(t, runs[0].Success, "unfinished run has no outcome")

	finished := runs[1]
	require.NotNil(t, finished.Success)
	assert.True(t, *finished.Success)
	assert.Contains(t, finished.Message, "Success")
	require.NotNil(t, finished.FinishedAt)
}
