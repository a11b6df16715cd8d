// Package exchange defines the shared types every exchange client produces
// and the interface the sync engine consumes. Exchange-specific signing,
// pagination and field quirks stay inside the per-exchange packages; nothing
// above this interface knows which exchange a record came from.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DustThreshold is the smallest quantity worth tracking. Balances and
// holdings at or below this are treated as zero.
var DustThreshold = decimal.New(1, -9) // 1e-9

// Stablecoins are pinned to 1.0 USDT and never priced via ticker calls.
var Stablecoins = map[string]bool{
	"USDT": true,
	"USDC": true,
	"DAI":  true,
}

// ErrHistoryDepth is returned when an exchange refuses a time window older
// than its retention limit. Pagination loops treat it as normal completion.
var ErrHistoryDepth = errors.New("requested window exceeds exchange history retention")

// Account types reported by exchanges. Assets from manual account types are
// never touched by sync.
const (
	AccountTrading = "Trading"
	AccountFunding = "Funding"
	AccountEarn    = "Earn"
)

// Transaction types after normalization.
const (
	TxBuy        = "buy"
	TxSell       = "sell"
	TxDeposit    = "deposit"
	TxWithdrawal = "withdrawal"
	TxTransfer   = "transfer"
)

// Credentials holds the key material for one exchange account.
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// Balance is one asset position in one account bucket on an exchange.
// Quantities for the same (Ticker, AccountType) are pre-summed by the client.
type Balance struct {
	Ticker      string
	AccountType string
	Quantity    decimal.Decimal
}

// Transaction is a normalized ledger record. ExternalID is globally unique:
// '{exchange}_{category}_{raw exchange id}'.
type Transaction struct {
	ExternalID  string
	Timestamp   time.Time
	Type        string
	RawType     string
	Asset1      string
	Amount1     decimal.Decimal
	Asset2      string
	Amount2     decimal.Decimal
	FeeAmount   decimal.Decimal
	FeeTicker   string
	Price       decimal.Decimal
	Description string
}

// Ticker is a spot price snapshot keyed by base ticker (quote suffix
// already stripped).
type Ticker struct {
	Symbol       string
	PriceUSDT    decimal.Decimal
	Change24hPct decimal.Decimal
}

// Client is implemented by every exchange adapter.
type Client interface {
	// Name returns the lowercase exchange identifier ("bybit", "okx", ...).
	Name() string

	// AccountAssets returns current balances across all account buckets,
	// summed by (ticker, account type), dust excluded.
	AccountAssets(ctx context.Context) ([]Balance, error)

	// AllTransactions returns every transaction category in [start, end),
	// deduplicated by external id. A category that fails is logged and
	// skipped; the remaining categories are still returned.
	AllTransactions(ctx context.Context, start, end time.Time) ([]Transaction, error)

	// SpotTickers returns prices for the requested base tickers in one
	// batched public call. Unknown tickers are simply absent from the map.
	SpotTickers(ctx context.Context, symbols []string) (map[string]Ticker, error)
}

// HistoricalPricer is implemented by exchanges that can serve daily klines.
type HistoricalPricer interface {
	// HistoricalPriceRange returns day -> close price for [start, end].
	HistoricalPriceRange(ctx context.Context, ticker string, start, end time.Time) (map[string]decimal.Decimal, error)
}
