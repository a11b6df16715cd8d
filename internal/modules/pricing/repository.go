// Package pricing is the cache layer: historical daily closes, pre-computed
// price changes, serialized chart payloads and job run history. Everything
// here can be rebuilt from upstream APIs.
package pricing

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/plutus-app/plutus/internal/database"
)

// ErrCacheMiss is returned when a blob cache key has no entry.
var ErrCacheMiss = errors.New("cache miss")

// DateFormat is the canonical day key.
const DateFormat = "2006-01-02"

// Repository handles cache database persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a pricing repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "pricing").Logger()}
}

// historyTable maps an asset dimension onto its cache table.
func historyTable(crypto bool) (table, keyColumn string) {
	if crypto {
		return "crypto_price_history", "ticker"
	}
	return "moex_price_history", "isin"
}

// CryptoPrices returns cached date -> price for a ticker over [start, end].
func (r *Repository) CryptoPrices(ticker string, start, end time.Time) (map[string]decimal.Decimal, error) {
	return r.prices(true, ticker, start, end)
}

// MoexPrices returns cached date -> price for an ISIN over [start, end].
func (r *Repository) MoexPrices(isin string, start, end time.Time) (map[string]decimal.Decimal, error) {
	return r.prices(false, isin, start, end)
}

func (r *Repository) prices(crypto bool, key string, start, end time.Time) (map[string]decimal.Decimal, error) {
	table, keyCol := historyTable(crypto)
	rows, err := r.db.Query(
		`SELECT date, price FROM `+table+` WHERE `+keyCol+` = ? AND date >= ? AND date <= ?`,
		key, start.Format(DateFormat), end.Format(DateFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s for %s: %w", table, key, err)
	}
	defer rows.Close()

	prices := make(map[string]decimal.Decimal)
	for rows.Next() {
		var date, raw string
		if err := rows.Scan(&date, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan price row: %w", err)
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid cached price %q for %s on %s: %w", raw, key, date, err)
		}
		prices[date] = price
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prices: %w", err)
	}
	return prices, nil
}

// PutCryptoPrices stores a batch of daily closes for a ticker.
func (r *Repository) PutCryptoPrices(ticker string, prices map[string]decimal.Decimal) error {
	return r.putPrices(true, ticker, prices)
}

// PutMoexPrices stores a batch of daily closes for an ISIN.
func (r *Repository) PutMoexPrices(isin string, prices map[string]decimal.Decimal) error {
	return r.putPrices(false, isin, prices)
}

func (r *Repository) putPrices(crypto bool, key string, prices map[string]decimal.Decimal) error {
	if len(prices) == 0 {
		return nil
	}
	table, keyCol := historyTable(crypto)
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			`INSERT INTO ` + table + ` (` + keyCol + `, date, price) VALUES (?, ?, ?)
			 ON CONFLICT(` + keyCol + `, date) DO UPDATE SET price = excluded.price`)
		if err != nil {
			return fmt.Errorf("failed to prepare price insert: %w", err)
		}
		defer stmt.Close()

		for date, price := range prices {
			if _, err := stmt.Exec(key, date, price.String()); err != nil {
				return fmt.Errorf("failed to store price for %s on %s: %w", key, date, err)
			}
		}
		return nil
	})
}

// PriceChange is one cached change-over-period row.
type PriceChange struct {
	Ticker    string
	Period    string
	ChangePct decimal.Decimal
}

// SetPriceChanges replaces the cached change percentages for a ticker.
func (r *Repository) SetPriceChanges(changes []PriceChange) error {
	if len(changes) == 0 {
		return nil
	}
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO price_changes (ticker, period, change_pct, updated_at)
			VALUES (?, ?, ?, datetime('now'))
			ON CONFLICT(ticker, period) DO UPDATE SET change_pct = excluded.change_pct, updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("failed to prepare price change insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range changes {
			if _, err := stmt.Exec(c.Ticker, c.Period, c.ChangePct.String()); err != nil {
				return fmt.Errorf("failed to store price change %s/%s: %w", c.Ticker, c.Period, err)
			}
		}
		return nil
	})
}

// PriceChanges returns all cached change percentages grouped by ticker.
func (r *Repository) PriceChanges() (map[string]map[string]decimal.Decimal, error) {
	rows, err := r.db.Query(`SELECT ticker, period, change_pct FROM price_changes`)
	if err != nil {
		return nil, fmt.Errorf("failed to query price changes: %w", err)
	}
	defer rows.Close()

	changes := make(map[string]map[string]decimal.Decimal)
	for rows.Next() {
		var ticker, period, raw string
		if err := rows.Scan(&ticker, &period, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan price change: %w", err)
		}
		pct, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid cached change %q for %s/%s: %w", raw, ticker, period, err)
		}
		if changes[ticker] == nil {
			changes[ticker] = make(map[string]decimal.Decimal)
		}
		changes[ticker][period] = pct
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price changes: %w", err)
	}
	return changes, nil
}

// SetBlob caches an arbitrary payload under a key, msgpack-encoded.
func (r *Repository) SetBlob(key string, value any) error {
	payload, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache payload for %s: %w", key, err)
	}
	_, err = r.db.Exec(`
		INSERT INTO blob_cache (cache_key, payload, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(cache_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		key, payload)
	if err != nil {
		return fmt.Errorf("failed to store cache blob %s: %w", key, err)
	}
	return nil
}

// GetBlob decodes a cached payload into out. Entries older than maxAge count
// as misses; maxAge <= 0 disables the check.
func (r *Repository) GetBlob(key string, maxAge time.Duration, out any) error {
	var payload []byte
	var updatedAt string
	err := r.db.QueryRow(`SELECT payload, updated_at FROM blob_cache WHERE cache_key = ?`, key).
		Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("failed to read cache blob %s: %w", key, err)
	}

	if maxAge > 0 {
		t, err := time.Parse("2006-01-02 15:04:05", updatedAt)
		if err != nil || time.Since(t) > maxAge {
			return ErrCacheMiss
		}
	}
	if err := msgpack.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode cache blob %s: %w", key, err)
	}
	return nil
}

// JobRun is one scheduler job execution.
type JobRun struct {
	ID         string
	JobName    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Success    *bool
	Message    string
}

// StartJobRun records the start of a scheduled job.
func (r *Repository) StartJobRun(id, jobName string, startedAt time.Time) error {
	_, err := r.db.Exec(`INSERT INTO job_history (id, job_name, started_at) VALUES (?, ?, ?)`,
		id, jobName, startedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record job start for %s: %w", jobName, err)
	}
	return nil
}

// FinishJobRun records the outcome of a scheduled job.
func (r *Repository) FinishJobRun(id string, success bool, message string, finishedAt time.Time) error {
	_, err := r.db.Exec(`UPDATE job_history SET finished_at = ?, success = ?, message = ? WHERE id = ?`,
		finishedAt.UTC().Format(time.RFC3339), boolToInt(success), message, id)
	if err != nil {
		return fmt.Errorf("failed to record job finish %s: %w", id, err)
	}
	return nil
}

// RecentJobRuns returns the latest runs, newest first.
func (r *Repository) RecentJobRuns(limit int) ([]JobRun, error) {
	rows, err := r.db.Query(
		`SELECT id, job_name, started_at, finished_at, success, message
		 FROM job_history ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job history: %w", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var run JobRun
		var startedAt string
		var finishedAt, message sql.NullString
		var success sql.NullInt64
		if err := rows.Scan(&run.ID, &run.JobName, &startedAt, &finishedAt, &success, &message); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
			run.StartedAt = t
		}
		if finishedAt.Valid {
			if t, err := time.Parse(time.RFC3339, finishedAt.String); err == nil {
				run.FinishedAt = &t
			}
		}
		if success.Valid {
			ok := success.Int64 != 0
			run.Success = &ok
		}
		run.Message = message.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job history: %w", err)
	}
	return runs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
