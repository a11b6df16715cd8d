// Package sync reconciles exchange state into storage: current balances into
// the assets table and transaction history into the ledger. All entry points
// return a (success, message) pair instead of raising; the message is stored
// on the platform row for operator visibility and the next scheduled run is
// the retry mechanism.
package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/plutus-app/plutus/internal/clients/moex"
	"github.com/plutus-app/plutus/internal/exchange"
	"github.com/plutus-app/plutus/internal/modules/assets"
	"github.com/plutus-app/plutus/internal/modules/platforms"
)

// Transaction sync window: overlap the last watermark by one day to absorb
// clock skew and late-settling records, and bootstrap with two years.
const (
	txSyncOverlap    = 24 * time.Hour
	txSyncBootstrap  = 2 * 365 * 24 * time.Hour
	manualEarnBucket = "Manual Earn"
)

// manualAccountTypes are never auto-zeroed: their quantities are maintained
// by the operator, a sync only refreshes their prices.
var manualAccountTypes = map[string]bool{
	"Manual":      true,
	"Manual Earn": true,
	"Staking":     true,
	"Lending":     true,
}

// LedgerStore is the slice of the ledger repository the sync engine needs.
type LedgerStore interface {
	ExternalIDs(platformID int64) (map[string]bool, error)
	InsertBatch(platformID int64, txs []exchange.Transaction) (int, error)
}

// SecuritiesQuoter resolves MOEX metadata and current RUB prices for broker
// holdings. The moex client satisfies it.
type SecuritiesQuoter interface {
	FindSecurity(ctx context.Context, query string) (*moex.SecurityMeta, error)
	CurrentPrices(ctx context.Context, securities map[string]moex.SecurityMeta) (map[string]decimal.Decimal, error)
}

// Service drives balance and transaction synchronization.
type Service struct {
	platforms  *platforms.Repository
	assets     *assets.Repository
	ledger     LedgerStore
	registry   *exchange.Registry
	securities SecuritiesQuoter
	log        zerolog.Logger
	now        func() time.Time
}

// NewService creates the sync engine.
func NewService(p *platforms.Repository, a *assets.Repository, l LedgerStore, registry *exchange.Registry, quoter SecuritiesQuoter, log zerolog.Logger) *Service {
	return &Service{
		platforms:  p,
		assets:     a,
		ledger:     l,
		registry:   registry,
		securities: quoter,
		log:        log.With().Str("service", "sync").Logger(),
		now:        time.Now,
	}
}

func (s *Service) client(p platforms.Platform) (exchange.Client, error) {
	return s.registry.Client(strings.ToLower(p.Name), s.platforms.Credentials(p))
}

// SyncBalances reconciles one platform's live balances into the assets
// table. Never returns an error: failures come back as (false, message) and
// the message is recorded on the platform row either way.
func (s *Service) SyncBalances(ctx context.Context, p platforms.Platform) (bool, string) {
	ok, msg := s.syncBalances(ctx, p)
	now := s.now().UTC()
	if err := s.platforms.SetSyncStatus(p.ID, msg, &now); err != nil {
		s.log.Error().Err(err).Int64("platform_id", p.ID).Msg("Failed to record sync status")
	}
	return ok, msg
}

func (s *Service) syncBalances(ctx context.Context, p platforms.Platform) (bool, string) {
	if p.Type == platforms.TypeStockBroker {
		return s.syncSecuritiesPrices(ctx, p)
	}
	if p.Type != platforms.TypeCryptoExchange {
		return false, fmt.Sprintf("Error: no balance sync for platform type %s", p.Type)
	}

	client, err := s.client(p)
	if err != nil {
		return false, fmt.Sprintf("Error: %v", err)
	}

	fetched, err := client.AccountAssets(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("platform", p.Name).Msg("Balance fetch failed")
		return false, fmt.Sprintf("Error: %v", err)
	}

	// Operator-maintained earn positions the exchange API cannot report
	// join the fetch as their own bucket.
	for ticker, qty := range p.ManualEarnBalances {
		fetched = append(fetched, exchange.Balance{
			Ticker:      strings.ToUpper(ticker),
			AccountType: manualEarnBucket,
			Quantity:    qty,
		})
	}

	stored, err := s.assets.GetByPlatform(p.ID)
	if err != nil {
		return false, fmt.Sprintf("Error: %v", err)
	}

	prices := s.fetchPrices(ctx, client, stored, fetched)

	existing := make(map[assets.Key]assets.Asset, len(stored))
	for _, a := range stored {
		existing[assets.Key{Ticker: a.Ticker, SourceAccountType: a.SourceAccountType}] = a
	}

	added, updated, zeroed := 0, 0, 0
	for _, b := range fetched {
		ticker := strings.ToUpper(b.Ticker)
		price, priced := prices[ticker]
		key := assets.Key{Ticker: ticker, SourceAccountType: b.AccountType}

		if current, ok := existing[key]; ok {
			delete(existing, key)
			if !priced {
				price = current.CurrentPrice
			}
			if current.Quantity.Equal(b.Quantity) && current.CurrentPrice.Equal(price) {
				continue
			}
			current.Quantity = b.Quantity
			current.CurrentPrice = price
			if _, err := s.assets.Upsert(current); err != nil {
				return false, fmt.Sprintf("Error: %v", err)
			}
			updated++
			continue
		}

		_, err := s.assets.Upsert(assets.Asset{
			PlatformID:        p.ID,
			Ticker:            ticker,
			Name:              ticker,
			AssetType:         "crypto",
			SourceAccountType: b.AccountType,
			Quantity:          b.Quantity,
			CurrentPrice:      price,
			PriceCurrency:     "USDT",
		})
		if err != nil {
			return false, fmt.Sprintf("Error: %v", err)
		}
		added++
	}

	// Whatever the fetch did not mention is gone from the exchange, except
	// manually-maintained buckets which only get a price refresh.
	for _, leftover := range existing {
		if manualAccountTypes[leftover.SourceAccountType] {
			if price, ok := prices[leftover.Ticker]; ok && !leftover.CurrentPrice.Equal(price) {
				leftover.CurrentPrice = price
				if _, err := s.assets.Upsert(leftover); err != nil {
					return false, fmt.Sprintf("Error: %v", err)
				}
				updated++
			}
			continue
		}
		if !leftover.Quantity.IsZero() {
			if err := s.assets.ZeroQuantity(leftover.ID); err != nil {
				return false, fmt.Sprintf("Error: %v", err)
			}
			zeroed++
		}
	}

	msg := fmt.Sprintf("Success: %d added, %d updated, %d zeroed.", added, updated, zeroed)
	s.log.Info().Str("platform", p.Name).Str("status", msg).Msg("Balance sync complete")
	return true, msg
}

// syncSecuritiesPrices refreshes the current RUB price of every held
// security on a broker platform. Broker quantities are maintained by hand,
// so a "balance sync" for a broker only re-prices what is already there.
func (s *Service) syncSecuritiesPrices(ctx context.Context, p platforms.Platform) (bool, string) {
	if s.securities == nil {
		return false, "Error: securities price source is not configured"
	}

	stored, err := s.assets.GetByPlatform(p.ID)
	if err != nil {
		return false, fmt.Sprintf("Error: %v", err)
	}
	var held []assets.Asset
	for _, a := range stored {
		if a.Quantity.Cmp(exchange.DustThreshold) > 0 {
			held = append(held, a)
		}
	}
	if len(held) == 0 {
		return true, "No held securities to price."
	}

	metas := make(map[string]moex.SecurityMeta, len(held))
	for _, a := range held {
		isin := securityKey(a)
		if _, ok := metas[isin]; ok {
			continue
		}
		meta, err := s.securities.FindSecurity(ctx, isin)
		if err != nil {
			s.log.Warn().Err(err).Str("isin", isin).Msg("Security metadata lookup failed")
			continue
		}
		metas[isin] = *meta
	}

	prices, err := s.securities.CurrentPrices(ctx, metas)
	if err != nil {
		s.log.Error().Err(err).Str("platform", p.Name).Msg("Securities price fetch failed")
		return false, fmt.Sprintf("Error: %v", err)
	}

	updated := 0
	for _, a := range held {
		price, ok := prices[securityKey(a)]
		if !ok {
			continue
		}
		if err := s.assets.SetCurrentPrice(a.ID, price, "RUB"); err != nil {
			s.log.Error().Err(err).Int64("asset_id", a.ID).Msg("Failed to store security price")
			continue
		}
		updated++
	}
	msg := fmt.Sprintf("Success: prices updated for %d of %d securities.", updated, len(held))
	s.log.Info().Str("platform", p.Name).Str("status", msg).Msg("Securities price sync complete")
	return true, msg
}

// securityKey is the lookup key for a broker holding: ISIN when present,
// otherwise the ticker itself (older rows store the ISIN as the ticker).
func securityKey(a assets.Asset) string {
	if a.ISIN != "" {
		return a.ISIN
	}
	return a.Ticker
}

// fetchPrices issues one batched ticker call covering the union of stored
// and freshly fetched tickers. Stablecoins are pinned to 1.0 and never sent
// upstream. A failed price fetch degrades to stablecoin-only pricing.
func (s *Service) fetchPrices(ctx context.Context, client exchange.Client, stored []assets.Asset, fetched []exchange.Balance) map[string]decimal.Decimal {
	union := make(map[string]bool)
	for _, a := range stored {
		if a.AssetType == "crypto" {
			union[strings.ToUpper(a.Ticker)] = true
		}
	}
	for _, b := range fetched {
		union[strings.ToUpper(b.Ticker)] = true
	}

	prices := make(map[string]decimal.Decimal)
	one := decimal.NewFromInt(1)
	var toFetch []string
	for ticker := range union {
		if exchange.Stablecoins[ticker] {
			prices[ticker] = one
			continue
		}
		toFetch = append(toFetch, ticker)
	}
	if len(toFetch) == 0 {
		return prices
	}

	tickers, err := client.SpotTickers(ctx, toFetch)
	if err != nil {
		s.log.Warn().Err(err).Msg("Spot ticker fetch failed, prices left unchanged")
		return prices
	}
	for ticker, t := range tickers {
		prices[strings.ToUpper(ticker)] = t.PriceUSDT
	}
	return prices
}

// SyncTransactions pulls transaction history since the platform's watermark
// into the ledger. The watermark only advances after the batch commits, so a
// failed run retries the same window.
func (s *Service) SyncTransactions(ctx context.Context, p platforms.Platform) (bool, string) {
	if p.Type != platforms.TypeCryptoExchange {
		return false, fmt.Sprintf("Error: no transaction sync for platform type %s", p.Type)
	}

	client, err := s.client(p)
	if err != nil {
		return false, fmt.Sprintf("Error: %v", err)
	}

	end := s.now().UTC()
	start := end.Add(-txSyncBootstrap)
	if p.LastTxSyncedAt != nil {
		start = p.LastTxSyncedAt.UTC().Add(-txSyncOverlap)
	}

	txs, err := client.AllTransactions(ctx, start, end)
	if err != nil {
		s.log.Error().Err(err).Str("platform", p.Name).Msg("Transaction fetch failed")
		return false, fmt.Sprintf("Error: %v", err)
	}

	known, err := s.ledger.ExternalIDs(p.ID)
	if err != nil {
		return false, fmt.Sprintf("Error: %v", err)
	}
	fresh := txs[:0]
	for _, tx := range txs {
		if !known[tx.ExternalID] {
			fresh = append(fresh, tx)
		}
	}

	added, err := s.ledger.InsertBatch(p.ID, fresh)
	if err != nil {
		s.log.Error().Err(err).Str("platform", p.Name).Msg("Transaction batch failed, watermark not advanced")
		return false, fmt.Sprintf("Error: %v", err)
	}

	if err := s.platforms.SetTxSyncedAt(p.ID, end); err != nil {
		return false, fmt.Sprintf("Error: %v", err)
	}

	msg := fmt.Sprintf("Success: %d new transactions found.", added)
	s.log.Info().Str("platform", p.Name).Str("status", msg).Msg("Transaction sync complete")
	return true, msg
}

// SyncAll runs balance and transaction sync for every active platform.
// Platforms fail independently; the combined message reports each one.
func (s *Service) SyncAll(ctx context.Context) (bool, string) {
	active, err := s.platforms.GetActive()
	if err != nil {
		return false, fmt.Sprintf("Error: %v", err)
	}

	allOK := true
	var parts []string
	for _, p := range active {
		switch p.Type {
		case platforms.TypeCryptoExchange:
			balOK, balMsg := s.SyncBalances(ctx, p)
			txOK, txMsg := s.SyncTransactions(ctx, p)
			if !balOK || !txOK {
				allOK = false
			}
			parts = append(parts, fmt.Sprintf("%s: balances: %s transactions: %s", p.Name, balMsg, txMsg))
		case platforms.TypeStockBroker:
			ok, msg := s.SyncBalances(ctx, p)
			if !ok {
				allOK = false
			}
			parts = append(parts, fmt.Sprintf("%s: prices: %s", p.Name, msg))
		}
	}
	if len(parts) == 0 {
		return true, "No active platforms to sync."
	}
	return allOK, strings.Join(parts, " | ")
}
