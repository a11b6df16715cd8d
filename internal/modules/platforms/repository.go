package platforms

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/plutus-app/plutus/internal/exchange"
)

// CredentialSource resolves credentials that are not stored on the platform
// row, typically environment variables keyed by exchange name.
type CredentialSource interface {
	ExchangeCredentials(name string) (key, secret, passphrase string, ok bool)
}

// Repository handles platform persistence.
type Repository struct {
	db    *sql.DB
	creds CredentialSource
	log   zerolog.Logger
}

// NewRepository creates a platform repository. creds may be nil when
// environment fallback is not wanted.
func NewRepository(db *sql.DB, creds CredentialSource, log zerolog.Logger) *Repository {
	return &Repository{
		db:    db,
		creds: creds,
		log:   log.With().Str("repo", "platforms").Logger(),
	}
}

const platformColumns = `id, name, platform_type, is_active, api_key, api_secret, api_passphrase,
	notes, manual_earn_balances_json, last_sync_status, last_synced_at, last_tx_synced_at, created_at`

// GetAll returns every platform, active or not, ordered by name.
func (r *Repository) GetAll() ([]Platform, error) {
	rows, err := r.db.Query(`SELECT ` + platformColumns + ` FROM investment_platforms ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query platforms: %w", err)
	}
	defer rows.Close()

	var platforms []Platform
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan platform: %w", err)
		}
		platforms = append(platforms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating platforms: %w", err)
	}
	return platforms, nil
}

// GetActive returns platforms enabled for sync.
func (r *Repository) GetActive() ([]Platform, error) {
	rows, err := r.db.Query(`SELECT ` + platformColumns + ` FROM investment_platforms WHERE is_active = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active platforms: %w", err)
	}
	defer rows.Close()

	var platforms []Platform
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan platform: %w", err)
		}
		platforms = append(platforms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating platforms: %w", err)
	}
	return platforms, nil
}

// GetByID returns one platform, or nil when it does not exist.
func (r *Repository) GetByID(id int64) (*Platform, error) {
	rows, err := r.db.Query(`SELECT `+platformColumns+` FROM investment_platforms WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query platform %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	p, err := scanPlatform(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan platform %d: %w", id, err)
	}
	return &p, nil
}

// Create inserts a platform and returns its id.
func (r *Repository) Create(p Platform) (int64, error) {
	if strings.TrimSpace(p.Name) == "" {
		return 0, fmt.Errorf("platform name is required")
	}
	if p.Type == "" {
		p.Type = TypeCryptoExchange
	}

	earnJSON, err := marshalEarnBalances(p.ManualEarnBalances)
	if err != nil {
		return 0, err
	}

	result, err := r.db.Exec(`
		INSERT INTO investment_platforms
		(name, platform_type, is_active, api_key, api_secret, api_passphrase, notes, manual_earn_balances_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Type, boolToInt(p.IsActive),
		nullString(p.APIKey), nullString(p.APISecret), nullString(p.APIPassphrase),
		nullString(p.Notes), nullString(earnJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert platform: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted platform id: %w", err)
	}
	r.log.Info().Int64("id", id).Str("name", p.Name).Msg("Platform created")
	return id, nil
}

// Update rewrites the editable fields of a platform.
func (r *Repository) Update(p Platform) error {
	earnJSON, err := marshalEarnBalances(p.ManualEarnBalances)
	if err != nil {
		return err
	}

	result, err := r.db.Exec(`
		UPDATE investment_platforms SET
			name = ?, platform_type = ?, is_active = ?,
			api_key = ?, api_secret = ?, api_passphrase = ?,
			notes = ?, manual_earn_balances_json = ?
		WHERE id = ?`,
		p.Name, p.Type, boolToInt(p.IsActive),
		nullString(p.APIKey), nullString(p.APISecret), nullString(p.APIPassphrase),
		nullString(p.Notes), nullString(earnJSON), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update platform %d: %w", p.ID, err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("platform %d not found", p.ID)
	}
	r.log.Info().Int64("id", p.ID).Str("name", p.Name).Msg("Platform updated")
	return nil
}

// Delete removes a platform. Assets and transactions cascade.
func (r *Repository) Delete(id int64) error {
	result, err := r.db.Exec(`DELETE FROM investment_platforms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete platform %d: %w", id, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("platform %d not found", id)
	}
	r.log.Warn().Int64("id", id).Msg("Platform deleted")
	return nil
}

// SetSyncStatus records the outcome of a balance sync. syncedAt is only
// advanced when the sync succeeded.
func (r *Repository) SetSyncStatus(id int64, status string, syncedAt *time.Time) error {
	var ts any
	if syncedAt != nil {
		ts = syncedAt.UTC().Format(time.RFC3339)
	}
	_, err := r.db.Exec(`
		UPDATE investment_platforms
		SET last_sync_status = ?, last_synced_at = COALESCE(?, last_synced_at)
		WHERE id = ?`, status, ts, id)
	if err != nil {
		return fmt.Errorf("failed to record sync status for platform %d: %w", id, err)
	}
	return nil
}

// SetTxSyncedAt advances the transaction sync watermark. Called only after
// a fully successful transaction sync.
func (r *Repository) SetTxSyncedAt(id int64, syncedAt time.Time) error {
	_, err := r.db.Exec(`UPDATE investment_platforms SET last_tx_synced_at = ? WHERE id = ?`,
		syncedAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to record tx sync watermark for platform %d: %w", id, err)
	}
	return nil
}

// Credentials resolves the API credentials for a platform. Values stored on
// the platform row override the environment fallback.
func (r *Repository) Credentials(p Platform) exchange.Credentials {
	creds := exchange.Credentials{Key: p.APIKey, Secret: p.APISecret, Passphrase: p.APIPassphrase}
	if creds.Key != "" && creds.Secret != "" {
		return creds
	}
	if r.creds == nil {
		return creds
	}
	key, secret, passphrase, ok := r.creds.ExchangeCredentials(strings.ToLower(p.Name))
	if !ok {
		return creds
	}
	if creds.Key == "" {
		creds.Key = key
	}
	if creds.Secret == "" {
		creds.Secret = secret
	}
	if creds.Passphrase == "" {
		creds.Passphrase = passphrase
	}
	return creds
}

func scanPlatform(rows *sql.Rows) (Platform, error) {
	var p Platform
	var isActive int
	var apiKey, apiSecret, apiPassphrase, notes, earnJSON, syncStatus sql.NullString
	var syncedAt, txSyncedAt sql.NullString
	var createdAt string

	err := rows.Scan(&p.ID, &p.Name, &p.Type, &isActive,
		&apiKey, &apiSecret, &apiPassphrase, &notes, &earnJSON,
		&syncStatus, &syncedAt, &txSyncedAt, &createdAt)
	if err != nil {
		return p, err
	}

	p.IsActive = isActive != 0
	p.APIKey = apiKey.String
	p.APISecret = apiSecret.String
	p.APIPassphrase = apiPassphrase.String
	p.Notes = notes.String
	p.LastSyncStatus = syncStatus.String

	if p.ManualEarnBalances, err = unmarshalEarnBalances(earnJSON.String); err != nil {
		return p, err
	}
	if t, ok := parseStoredTime(syncedAt); ok {
		p.LastSyncedAt = &t
	}
	if t, ok := parseStoredTime(txSyncedAt); ok {
		p.LastTxSyncedAt = &t
	}
	if t, err := parseAnyTime(createdAt); err == nil {
		p.CreatedAt = t
	}
	return p, nil
}

func parseStoredTime(v sql.NullString) (time.Time, bool) {
	if !v.Valid || v.String == "" {
		return time.Time{}, false
	}
	t, err := parseAnyTime(v.String)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// parseAnyTime accepts RFC 3339 and SQLite's datetime('now') format.
func parseAnyTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: val, Valid: true}
}
