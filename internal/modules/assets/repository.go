// Package assets stores current holdings: one row per
// (platform, ticker, source account type).
package assets

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Asset is one holding row.
type Asset struct {
	ID                int64
	PlatformID        int64
	Ticker            string
	Name              string
	AssetType         string // crypto | stock | bond | etf
	SourceAccountType string
	Quantity          decimal.Decimal
	CurrentPrice      decimal.Decimal
	PriceCurrency     string
	ISIN              string
	UpdatedAt         time.Time
}

// Key identifies an asset within a platform.
type Key struct {
	Ticker            string
	SourceAccountType string
}

// Repository handles asset persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates an asset repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "assets").Logger()}
}

const assetColumns = `id, platform_id, ticker, name, asset_type, source_account_type,
	quantity, current_price, price_currency, isin, updated_at`

// GetByPlatform returns all assets of one platform.
func (r *Repository) GetByPlatform(platformID int64) ([]Asset, error) {
	return r.query(`SELECT `+assetColumns+` FROM investment_assets WHERE platform_id = ? ORDER BY ticker`, platformID)
}

// GetAll returns every asset across platforms.
func (r *Repository) GetAll() ([]Asset, error) {
	return r.query(`SELECT ` + assetColumns + ` FROM investment_assets ORDER BY platform_id, ticker`)
}

// GetByType returns assets of one asset type across platforms.
func (r *Repository) GetByType(assetType string) ([]Asset, error) {
	return r.query(`SELECT `+assetColumns+` FROM investment_assets WHERE asset_type = ? ORDER BY ticker`, assetType)
}

func (r *Repository) query(q string, args ...any) ([]Asset, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", err)
	}
	return assets, nil
}

// SetCurrentPrice updates one asset row's price and quote currency.
func (r *Repository) SetCurrentPrice(id int64, price decimal.Decimal, currency string) error {
	_, err := r.db.Exec(`
		UPDATE investment_assets SET current_price = ?, price_currency = ?, updated_at = datetime('now') WHERE id = ?`,
		price.String(), currency, id)
	if err != nil {
		return fmt.Errorf("failed to update price for asset %d: %w", id, err)
	}
	return nil
}

// Upsert inserts a holding or updates its quantity and price in place,
// keyed by (platform_id, ticker, source_account_type). Returns true when a
// new row was created.
func (r *Repository) Upsert(a Asset) (created bool, err error) {
	a.Ticker = strings.ToUpper(strings.TrimSpace(a.Ticker))
	if a.Ticker == "" {
		return false, fmt.Errorf("asset ticker is required")
	}
	if a.AssetType == "" {
		a.AssetType = "crypto"
	}
	if a.PriceCurrency == "" {
		a.PriceCurrency = "USDT"
	}

	result, err := r.db.Exec(`
		UPDATE investment_assets
		SET quantity = ?, current_price = ?, updated_at = datetime('now')
		WHERE platform_id = ? AND ticker = ? AND source_account_type = ?`,
		a.Quantity.String(), a.CurrentPrice.String(),
		a.PlatformID, a.Ticker, a.SourceAccountType,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update asset %s: %w", a.Ticker, err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return false, nil
	}

	_, err = r.db.Exec(`
		INSERT INTO investment_assets
		(platform_id, ticker, name, asset_type, source_account_type, quantity, current_price, price_currency, isin)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.PlatformID, a.Ticker, nullString(a.Name), a.AssetType, a.SourceAccountType,
		a.Quantity.String(), a.CurrentPrice.String(), a.PriceCurrency, nullString(a.ISIN),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert asset %s: %w", a.Ticker, err)
	}
	return true, nil
}

// UpdatePrice sets the current price on every row holding the ticker.
func (r *Repository) UpdatePrice(ticker string, price decimal.Decimal) error {
	_, err := r.db.Exec(`
		UPDATE investment_assets SET current_price = ?, updated_at = datetime('now') WHERE ticker = ?`,
		price.String(), strings.ToUpper(strings.TrimSpace(ticker)))
	if err != nil {
		return fmt.Errorf("failed to update price for %s: %w", ticker, err)
	}
	return nil
}

// ZeroQuantity sets an asset's quantity to zero, keeping the row so manual
// metadata and price history context survive.
func (r *Repository) ZeroQuantity(id int64) error {
	_, err := r.db.Exec(`UPDATE investment_assets SET quantity = '0', updated_at = datetime('now') WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to zero asset %d: %w", id, err)
	}
	return nil
}

// Delete removes one asset row.
func (r *Repository) Delete(id int64) error {
	result, err := r.db.Exec(`DELETE FROM investment_assets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete asset %d: %w", id, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("asset %d not found", id)
	}
	r.log.Info().Int64("id", id).Msg("Asset deleted")
	return nil
}

func scanAsset(rows *sql.Rows) (Asset, error) {
	var a Asset
	var name, isin sql.NullString
	var quantity, price, updatedAt string

	err := rows.Scan(&a.ID, &a.PlatformID, &a.Ticker, &name, &a.AssetType, &a.SourceAccountType,
		&quantity, &price, &a.PriceCurrency, &isin, &updatedAt)
	if err != nil {
		return a, err
	}

	a.Name = name.String
	a.ISIN = isin.String
	if a.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return a, fmt.Errorf("invalid quantity %q for asset %d: %w", quantity, a.ID, err)
	}
	if a.CurrentPrice, err = decimal.NewFromString(price); err != nil {
		return a, fmt.Errorf("invalid price %q for asset %d: %w", price, a.ID, err)
	}
	if t, err := time.Parse("2006-01-02 15:04:05", updatedAt); err == nil {
		a.UpdatedAt = t
	} else if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		a.UpdatedAt = t
	}
	return a, nil
}

func nullString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: val, Valid: true}
}
