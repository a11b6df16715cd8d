// Package ledger stores the normalized transaction history. Rows are
// append-only: re-syncing the same window never duplicates or rewrites a
// record thanks to the external id uniqueness.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/plutus-app/plutus/internal/database"
	"github.com/plutus-app/plutus/internal/exchange"
)

// Transaction is one stored ledger record.
type Transaction struct {
	ID         int64
	PlatformID int64
	exchange.Transaction
}

// Repository handles ledger persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a ledger repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "ledger").Logger()}
}

// ExternalIDs returns the set of external ids already stored for a platform.
func (r *Repository) ExternalIDs(platformID int64) (map[string]bool, error) {
	rows, err := r.db.Query(`SELECT external_id FROM transactions WHERE platform_id = ?`, platformID)
	if err != nil {
		return nil, fmt.Errorf("failed to query external ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan external id: %w", err)
		}
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating external ids: %w", err)
	}
	return ids, nil
}

// InsertBatch stores new transactions atomically. The whole batch rolls
// back on any failure so the sync watermark can be trusted.
func (r *Repository) InsertBatch(platformID int64, txs []exchange.Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}

	inserted := 0
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO transactions
			(external_id, platform_id, timestamp, tx_type, raw_type,
			 asset1_ticker, asset1_amount, asset2_ticker, asset2_amount,
			 fee_amount, fee_ticker, execution_price, description)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, t := range txs {
			result, err := stmt.Exec(
				t.ExternalID, platformID, t.Timestamp.UTC().Format(time.RFC3339),
				t.Type, nullString(t.RawType),
				t.Asset1, t.Amount1.String(),
				nullString(t.Asset2), nullDecimal(t.Asset2, t.Amount2),
				nullDecimal(t.FeeTicker, t.FeeAmount), nullString(t.FeeTicker),
				nullDecimal(t.Asset2, t.Price), nullString(t.Description),
			)
			if err != nil {
				return fmt.Errorf("failed to insert transaction %s: %w", t.ExternalID, err)
			}
			if affected, _ := result.RowsAffected(); affected > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.log.Info().Int64("platform_id", platformID).Int("inserted", inserted).Int("received", len(txs)).
		Msg("Transaction batch stored")
	return inserted, nil
}

const txColumns = `id, external_id, platform_id, timestamp, tx_type, raw_type,
	asset1_ticker, asset1_amount, asset2_ticker, asset2_amount,
	fee_amount, fee_ticker, execution_price, description`

// GetByPlatform returns a platform's transactions in chronological order.
func (r *Repository) GetByPlatform(platformID int64) ([]Transaction, error) {
	return r.query(`SELECT `+txColumns+` FROM transactions WHERE platform_id = ? ORDER BY timestamp, id`, platformID)
}

// GetByPlatformType returns the chronological transactions of every platform
// of one type (crypto_exchange, stock_broker), the input for a replay.
func (r *Repository) GetByPlatformType(platformType string) ([]Transaction, error) {
	return r.query(`
		SELECT t.id, t.external_id, t.platform_id, t.timestamp, t.tx_type, t.raw_type,
		       t.asset1_ticker, t.asset1_amount, t.asset2_ticker, t.asset2_amount,
		       t.fee_amount, t.fee_ticker, t.execution_price, t.description
		FROM transactions t
		JOIN investment_platforms p ON p.id = t.platform_id
		WHERE p.platform_type = ?
		ORDER BY t.timestamp, t.id`, platformType)
}

// Recent returns the newest transactions across all platforms, newest first.
func (r *Repository) Recent(limit int) ([]Transaction, error) {
	return r.query(`SELECT `+txColumns+` FROM transactions ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// Delete removes one transaction, for cleaning up manual entry mistakes.
func (r *Repository) Delete(id int64) error {
	result, err := r.db.Exec(`DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction %d: %w", id, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("transaction %d not found", id)
	}
	return nil
}

func (r *Repository) query(q string, args ...any) ([]Transaction, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txs, nil
}

func scanTransaction(rows *sql.Rows) (Transaction, error) {
	var t Transaction
	var timestamp, amount1 string
	var rawType, asset2, amount2, feeAmount, feeTicker, price, description sql.NullString

	err := rows.Scan(&t.ID, &t.ExternalID, &t.PlatformID, &timestamp, &t.Type, &rawType,
		&t.Asset1, &amount1, &asset2, &amount2, &feeAmount, &feeTicker, &price, &description)
	if err != nil {
		return t, err
	}

	if t.Timestamp, err = time.Parse(time.RFC3339, timestamp); err != nil {
		return t, fmt.Errorf("invalid timestamp %q: %w", timestamp, err)
	}
	if t.Amount1, err = decimal.NewFromString(amount1); err != nil {
		return t, fmt.Errorf("invalid amount %q: %w", amount1, err)
	}
	t.RawType = rawType.String
	t.Asset2 = asset2.String
	t.FeeTicker = feeTicker.String
	t.Description = description.String
	if t.Amount2, err = parseNullDecimal(amount2); err != nil {
		return t, err
	}
	if t.FeeAmount, err = parseNullDecimal(feeAmount); err != nil {
		return t, err
	}
	if t.Price, err = parseNullDecimal(price); err != nil {
		return t, err
	}
	return t, nil
}

func parseNullDecimal(v sql.NullString) (decimal.Decimal, error) {
	if !v.Valid || v.String == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", v.String, err)
	}
	return d, nil
}

func nullString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: val, Valid: true}
}

// nullDecimal stores the amount only when its companion ticker is set, so
// single-leg transactions keep NULL second legs instead of zeros.
func nullDecimal(ticker string, d decimal.Decimal) sql.NullString {
	if ticker == "" && d.IsZero() {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
