// Package history rebuilds the day-by-day portfolio value series by
// replaying the transaction ledger against historical prices, and keeps
// the derived caches (price changes, performance chart) fresh.
package history

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/plutus-app/plutus/internal/database"
)

// Row is one day of total portfolio value.
type Row struct {
	Date          string // YYYY-MM-DD
	TotalValueRUB decimal.Decimal
}

// Repository persists the portfolio value series.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a history repository on the portfolio database.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "history").Logger()}
}

func seriesTable(crypto bool) string {
	if crypto {
		return "portfolio_history"
	}
	return "securities_portfolio_history"
}

// ReplaceCrypto atomically swaps the crypto series for a freshly replayed one.
func (r *Repository) ReplaceCrypto(rows []Row) error {
	return r.replace(true, rows)
}

// ReplaceSecurities atomically swaps the securities series.
func (r *Repository) ReplaceSecurities(rows []Row) error {
	return r.replace(false, rows)
}

func (r *Repository) replace(crypto bool, rows []Row) error {
	table := seriesTable(crypto)
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
		stmt, err := tx.Prepare(`INSERT INTO ` + table + ` (date, total_value_rub) VALUES (?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare %s insert: %w", table, err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.Exec(row.Date, row.TotalValueRUB.String()); err != nil {
				return fmt.Errorf("failed to insert %s row %s: %w", table, row.Date, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info().Str("table", table).Int("days", len(rows)).Msg("Portfolio history series replaced")
	return nil
}

// CryptoSeries returns the stored crypto value series in date order.
func (r *Repository) CryptoSeries() ([]Row, error) {
	return r.series(true)
}

// SecuritiesSeries returns the stored securities value series in date order.
func (r *Repository) SecuritiesSeries() ([]Row, error) {
	return r.series(false)
}

func (r *Repository) series(crypto bool) ([]Row, error) {
	table := seriesTable(crypto)
	rows, err := r.db.Query(`SELECT date, total_value_rub FROM ` + table + ` ORDER BY date`)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var series []Row
	for rows.Next() {
		var row Row
		var value string
		if err := rows.Scan(&row.Date, &value); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		row.TotalValueRUB, err = decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("invalid stored value %q in %s: %w", value, table, err)
		}
		series = append(series, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}
	return series, nil
}
