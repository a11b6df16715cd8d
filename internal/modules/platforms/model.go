// Package platforms stores the investment platform registry: exchange and
// broker accounts, their API credentials and sync bookkeeping.
package platforms

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Platform types.
const (
	TypeCryptoExchange = "crypto_exchange"
	TypeStockBroker    = "stock_broker"
	TypeBank           = "bank"
)

// Platform is one investment account.
type Platform struct {
	ID            int64
	Name          string
	Type          string
	IsActive      bool
	APIKey        string
	APISecret     string
	APIPassphrase string
	Notes         string

	// ManualEarnBalances maps ticker -> quantity for earn positions the
	// exchange API cannot report. Stored as JSON.
	ManualEarnBalances map[string]decimal.Decimal

	LastSyncStatus string
	LastSyncedAt   *time.Time
	LastTxSyncedAt *time.Time
	CreatedAt      time.Time
}

func marshalEarnBalances(balances map[string]decimal.Decimal) (string, error) {
	if len(balances) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(balances)
	if err != nil {
		return "", fmt.Errorf("failed to marshal manual earn balances: %w", err)
	}
	return string(raw), nil
}

func unmarshalEarnBalances(raw string) (map[string]decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	var balances map[string]decimal.Decimal
	if err := json.Unmarshal([]byte(raw), &balances); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manual earn balances: %w", err)
	}
	return balances, nil
}
