// Package bybit implements the Bybit v5 REST client.
//
// History endpoints only accept 7-day windows, so collection walks backward
// from the requested end, cursor-paginating inside each window. Bybit keeps
// roughly two years of history; retCode 10001 marks the retention boundary
// and ends collection normally.
package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/plutus-app/plutus/internal/clients/gateway"
	"github.com/plutus-app/plutus/internal/exchange"
)

const (
	defaultBaseURL = "https://api.bybit.com"
	pageLimit      = 50
	windowDays     = 7
	klineLimit     = 1000
)

// Client talks to the Bybit v5 API.
type Client struct {
	creds   exchange.Credentials
	baseURL string
	gw      gateway.Requester
	log     zerolog.Logger
	pacer   *rate.Limiter
	now     func() time.Time
}

// New creates a Bybit client.
func New(creds exchange.Credentials, gw gateway.Requester, log zerolog.Logger) *Client {
	return &Client{
		creds:   creds,
		baseURL: defaultBaseURL,
		gw:      gw,
		log:     log.With().Str("client", "bybit").Logger(),
		pacer:   rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		now:     time.Now,
	}
}

// Name returns the exchange identifier.
func (c *Client) Name() string { return "bybit" }

// SetBaseURL overrides the API base URL. Test hook.
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) signedGet(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if c.creds.Key == "" || c.creds.Secret == "" {
		return nil, &gateway.MissingCredentialsError{Exchange: "bybit", Field: "api key/secret"}
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("recvWindow", recvWindow)

	// url.Values.Encode sorts by key, which is exactly what the signature requires
	queryString := params.Encode()
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	signature := sign(c.creds.Secret, timestamp, c.creds.Key, queryString)

	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.gw.Do(ctx, gateway.Request{
		Method: "GET",
		URL:    c.baseURL + path,
		Query:  params,
		Headers: map[string]string{
			"X-BAPI-API-KEY":     c.creds.Key,
			"X-BAPI-TIMESTAMP":   timestamp,
			"X-BAPI-RECV-WINDOW": recvWindow,
			"X-BAPI-SIGN":        signature,
		},
	})
	if err != nil {
		return nil, err
	}

	return c.decodeEnvelope(path, body)
}

func (c *Client) publicGet(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.gw.Do(ctx, gateway.Request{Method: "GET", URL: c.baseURL + path, Query: params})
	if err != nil {
		return nil, err
	}

	return c.decodeEnvelope(path, body)
}

func (c *Client) decodeEnvelope(path string, body json.RawMessage) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode bybit response from %s: %w", path, err)
	}
	switch env.RetCode {
	case 0:
		return env.Result, nil
	case 10001:
		// 'Can't query earlier than 2 years'
		return nil, exchange.ErrHistoryDepth
	default:
		return nil, fmt.Errorf("bybit API error for %s (retCode %d): %s", path, env.RetCode, env.RetMsg)
	}
}

// AccountAssets returns balances across the Unified Trading, Funding and
// Earn accounts. Funding and Earn are best-effort: an API key without those
// permissions still syncs its trading balances.
func (c *Client) AccountAssets(ctx context.Context) ([]exchange.Balance, error) {
	type balanceKey struct{ ticker, accountType string }
	assets := make(map[balanceKey]decimal.Decimal)
	add := func(ticker, accountType string, qty decimal.Decimal) {
		key := balanceKey{ticker, accountType}
		assets[key] = assets[key].Add(qty)
	}

	// Unified Trading account
	unifiedResult, err := c.signedGet(ctx, "/v5/account/wallet-balance", url.Values{"accountType": {"UNIFIED"}})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unified balance: %w", err)
	}
	var unified struct {
		List []struct {
			Coin []struct {
				Coin          string          `json:"coin"`
				WalletBalance decimal.Decimal `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(unifiedResult, &unified); err != nil {
		return nil, fmt.Errorf("failed to decode unified balance: %w", err)
	}
	if len(unified.List) > 0 {
		for _, cb := range unified.List[0].Coin {
			add(cb.Coin, "Unified Trading", cb.WalletBalance)
		}
	}

	// Funding account
	fundingResult, err := c.signedGet(ctx, "/v5/asset/transfer/query-account-coins-balance", url.Values{"accountType": {"FUND"}})
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to fetch funding balance, skipping")
	} else {
		var funding struct {
			Balance []struct {
				Coin          string          `json:"coin"`
				WalletBalance decimal.Decimal `json:"walletBalance"`
			} `json:"balance"`
		}
		if err := json.Unmarshal(fundingResult, &funding); err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode funding balance, skipping")
		} else {
			for _, cb := range funding.Balance {
				add(cb.Coin, exchange.AccountFunding, cb.WalletBalance)
			}
		}
	}

	// Earn positions per product category. A key without Earn permissions or
	// an empty category is not an error.
	for _, category := range []string{"FlexibleSaving", "OnChain"} {
		earnResult, err := c.signedGet(ctx, "/v5/earn/position", url.Values{"category": {category}})
		if err != nil {
			c.log.Debug().Err(err).Str("category", category).Msg("No earn positions for category")
			continue
		}
		var earn struct {
			List []struct {
				Coin   string          `json:"coin"`
				Amount decimal.Decimal `json:"amount"`
			} `json:"list"`
		}
		if err := json.Unmarshal(earnResult, &earn); err != nil {
			c.log.Warn().Err(err).Str("category", category).Msg("Failed to decode earn positions")
			continue
		}
		for _, pos := range earn.List {
			add(pos.Coin, exchange.AccountEarn, pos.Amount)
		}
	}

	balances := make([]exchange.Balance, 0, len(assets))
	for key, qty := range assets {
		if qty.Cmp(exchange.DustThreshold) <= 0 {
			continue
		}
		balances = append(balances, exchange.Balance{Ticker: key.ticker, AccountType: key.accountType, Quantity: qty})
	}
	return balances, nil
}

// AllTransactions collects deposits, internal deposits, withdrawals,
// transfers and spot executions in [start, end). Each category fails
// independently; records are deduplicated by external id, last write wins.
func (c *Client) AllTransactions(ctx context.Context, start, end time.Time) ([]exchange.Transaction, error) {
	categories := []struct {
		name      string
		path      string
		listField string
		extra     url.Values
		normalize func(json.RawMessage) (*exchange.Transaction, error)
	}{
		{"transfer", "/v5/asset/transfer/query-inter-transfer-list", "list", nil, c.normalizeTransfer},
		{"deposit", "/v5/asset/deposit/query-record", "rows", nil, c.normalizeDeposit},
		{"internal_deposit", "/v5/asset/deposit/query-internal-record", "rows", nil, c.normalizeInternalDeposit},
		{"withdrawal", "/v5/asset/withdraw/query-record", "rows", nil, c.normalizeWithdrawal},
		{"trade", "/v5/execution/list", "list", url.Values{"category": {"spot"}, "orderStatus": {"Filled"}}, c.normalizeTrade},
	}

	seen := make(map[string]exchange.Transaction)
	for _, cat := range categories {
		rows, err := c.collectWindowed(ctx, cat.path, cat.listField, cat.extra, start, end)
		if err != nil {
			c.log.Error().Err(err).Str("category", cat.name).Msg("Failed to fetch transaction category, skipping")
			continue
		}
		for _, row := range rows {
			tx, err := cat.normalize(row)
			if err != nil {
				c.log.Warn().Err(err).Str("category", cat.name).Msg("Skipping malformed record")
				continue
			}
			if tx == nil {
				continue // filtered by status
			}
			seen[tx.ExternalID] = *tx
		}
	}

	txs := make([]exchange.Transaction, 0, len(seen))
	for _, tx := range seen {
		txs = append(txs, tx)
	}
	return txs, nil
}

// collectWindowed walks 7-day windows backward from end to start, cursor
// paginating within each window. exchange.ErrHistoryDepth ends the walk
// normally with whatever was collected.
func (c *Client) collectWindowed(ctx context.Context, path, listField string, extra url.Values, start, end time.Time) ([]json.RawMessage, error) {
	var all []json.RawMessage

	windowEnd := end
	for windowEnd.After(start) {
		windowStart := windowEnd.Add(-windowDays * 24 * time.Hour)
		if windowStart.Before(start) {
			windowStart = start
		}

		cursor := ""
		depthReached := false
		for {
			params := url.Values{}
			for k, vs := range extra {
				params[k] = vs
			}
			params.Set("limit", strconv.Itoa(pageLimit))
			params.Set("startTime", strconv.FormatInt(windowStart.UnixMilli(), 10))
			params.Set("endTime", strconv.FormatInt(windowEnd.UnixMilli(), 10))
			if cursor != "" {
				params.Set("cursor", cursor)
			}

			result, err := c.signedGet(ctx, path, params)
			if errors.Is(err, exchange.ErrHistoryDepth) {
				c.log.Info().Str("path", path).Msg("History retention limit reached, stopping collection")
				depthReached = true
				break
			}
			if err != nil {
				return nil, err
			}

			var page struct {
				Rows           []json.RawMessage `json:"rows"`
				List           []json.RawMessage `json:"list"`
				NextPageCursor string            `json:"nextPageCursor"`
			}
			if err := json.Unmarshal(result, &page); err != nil {
				return nil, fmt.Errorf("failed to decode page from %s: %w", path, err)
			}

			rows := page.Rows
			if listField == "list" {
				rows = page.List
			}
			all = append(all, rows...)

			cursor = page.NextPageCursor
			if cursor == "" {
				break
			}
		}
		if depthReached {
			break
		}
		windowEnd = windowStart
	}

	return all, nil
}

func (c *Client) normalizeDeposit(raw json.RawMessage) (*exchange.Transaction, error) {
	var row struct {
		TxID      string          `json:"txID"`
		Coin      string          `json:"coin"`
		Amount    decimal.Decimal `json:"amount"`
		SuccessAt string          `json:"successAt"`
		Status    int             `json:"status"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("failed to decode deposit: %w", err)
	}
	if row.Status != 3 { // 3 = success
		return nil, nil
	}
	return &exchange.Transaction{
		ExternalID: "bybit_deposit_" + row.TxID,
		Timestamp:  parseMillis(row.SuccessAt),
		Type:       exchange.TxDeposit,
		RawType:    "deposit",
		Asset1:     row.Coin,
		Amount1:    row.Amount,
	}, nil
}

func (c *Client) normalizeInternalDeposit(raw json.RawMessage) (*exchange.Transaction, error) {
	var row struct {
		ID          string          `json:"id"`
		Coin        string          `json:"coin"`
		Amount      decimal.Decimal `json:"amount"`
		CreatedTime string          `json:"createdTime"`
		Status      int             `json:"status"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("failed to decode internal deposit: %w", err)
	}
	if row.Status != 2 { // 2 = success
		return nil, nil
	}
	return &exchange.Transaction{
		ExternalID: "bybit_internal_deposit_" + row.ID,
		Timestamp:  parseMillis(row.CreatedTime),
		Type:       exchange.TxDeposit,
		RawType:    "internal_deposit",
		Asset1:     row.Coin,
		Amount1:    row.Amount,
	}, nil
}

func (c *Client) normalizeWithdrawal(raw json.RawMessage) (*exchange.Transaction, error) {
	var row struct {
		TxID        string          `json:"txID"`
		Coin        string          `json:"coin"`
		Amount      decimal.Decimal `json:"amount"`
		WithdrawFee decimal.Decimal `json:"withdrawFee"`
		UpdateTime  string          `json:"updateTime"`
		Status      string          `json:"status"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("failed to decode withdrawal: %w", err)
	}
	if !strings.EqualFold(row.Status, "success") {
		return nil, nil
	}
	return &exchange.Transaction{
		ExternalID: "bybit_withdrawal_" + row.TxID,
		Timestamp:  parseMillis(row.UpdateTime),
		Type:       exchange.TxWithdrawal,
		RawType:    "withdrawal",
		Asset1:     row.Coin,
		Amount1:    row.Amount,
		FeeAmount:  row.WithdrawFee,
		FeeTicker:  row.Coin,
	}, nil
}

func (c *Client) normalizeTransfer(raw json.RawMessage) (*exchange.Transaction, error) {
	var row struct {
		TransferID      string          `json:"transferId"`
		Coin            string          `json:"coin"`
		Amount          decimal.Decimal `json:"amount"`
		Timestamp       string          `json:"timestamp"`
		Status          string          `json:"status"`
		FromAccountType string          `json:"fromAccountType"`
		ToAccountType   string          `json:"toAccountType"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("failed to decode transfer: %w", err)
	}
	if !strings.EqualFold(row.Status, "SUCCESS") {
		return nil, nil
	}
	return &exchange.Transaction{
		ExternalID:  "bybit_transfer_" + row.TransferID,
		Timestamp:   parseMillis(row.Timestamp),
		Type:        exchange.TxTransfer,
		RawType:     "transfer",
		Asset1:      row.Coin,
		Amount1:     row.Amount,
		Description: fmt.Sprintf("%s -> %s", row.FromAccountType, row.ToAccountType),
	}, nil
}

func (c *Client) normalizeTrade(raw json.RawMessage) (*exchange.Transaction, error) {
	var row struct {
		ExecID    string          `json:"execId"`
		Symbol    string          `json:"symbol"`
		Side      string          `json:"side"`
		ExecQty   decimal.Decimal `json:"execQty"`
		ExecPrice decimal.Decimal `json:"execPrice"`
		ExecValue decimal.Decimal `json:"execValue"`
		ExecFee   decimal.Decimal `json:"execFee"`
		ExecTime  string          `json:"execTime"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("failed to decode trade: %w", err)
	}

	base, quote := splitSymbol(row.Symbol)
	txType := exchange.TxBuy
	feeTicker := base // spot fees come out of the received asset
	if strings.EqualFold(row.Side, "Sell") {
		txType = exchange.TxSell
		feeTicker = quote
	}

	return &exchange.Transaction{
		ExternalID: "bybit_trade_" + row.ExecID,
		Timestamp:  parseMillis(row.ExecTime),
		Type:       txType,
		RawType:    strings.ToLower(row.Side),
		Asset1:     base,
		Amount1:    row.ExecQty,
		Asset2:     quote,
		Amount2:    row.ExecValue,
		FeeAmount:  row.ExecFee,
		FeeTicker:  feeTicker,
		Price:      row.ExecPrice,
	}, nil
}

// SpotTickers fetches the full spot ticker list once and filters it to the
// requested base tickers. Symbols are quoted in USDT on this exchange.
func (c *Client) SpotTickers(ctx context.Context, symbols []string) (map[string]exchange.Ticker, error) {
	result, err := c.publicGet(ctx, "/v5/market/tickers", url.Values{"category": {"spot"}})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spot tickers: %w", err)
	}

	var payload struct {
		List []struct {
			Symbol       string          `json:"symbol"`
			LastPrice    decimal.Decimal `json:"lastPrice"`
			Price24hPcnt decimal.Decimal `json:"price24hPcnt"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode spot tickers: %w", err)
	}

	bySymbol := make(map[string]int, len(payload.List))
	for i, t := range payload.List {
		bySymbol[t.Symbol] = i
	}

	hundred := decimal.NewFromInt(100)
	tickers := make(map[string]exchange.Ticker, len(symbols))
	for _, base := range symbols {
		i, ok := bySymbol[base+"USDT"]
		if !ok {
			continue
		}
		t := payload.List[i]
		tickers[base] = exchange.Ticker{
			Symbol:       base,
			PriceUSDT:    t.LastPrice,
			Change24hPct: t.Price24hPcnt.Mul(hundred), // API reports a fraction
		}
	}
	return tickers, nil
}

// HistoricalPriceRange returns daily close prices for [start, end]. Klines
// come back up to 1000 at a time; the window start advances one day past the
// newest candle returned until the range is covered.
func (c *Client) HistoricalPriceRange(ctx context.Context, ticker string, start, end time.Time) (map[string]decimal.Decimal, error) {
	symbol := ticker + "USDT"
	prices := make(map[string]decimal.Decimal)

	cursor := start.UTC().Truncate(24 * time.Hour)
	endDay := end.UTC().Truncate(24 * time.Hour)

	for !cursor.After(endDay) {
		params := url.Values{
			"category": {"spot"},
			"symbol":   {symbol},
			"interval": {"D"},
			"start":    {strconv.FormatInt(cursor.UnixMilli(), 10)},
			"limit":    {strconv.Itoa(klineLimit)},
		}

		result, err := c.publicGet(ctx, "/v5/market/kline", params)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
		}

		var payload struct {
			List [][]string `json:"list"`
		}
		if err := json.Unmarshal(result, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode klines for %s: %w", symbol, err)
		}
		if len(payload.List) == 0 {
			break
		}

		var newest time.Time
		for _, kline := range payload.List {
			if len(kline) < 5 {
				continue
			}
			day := parseMillis(kline[0]).UTC().Truncate(24 * time.Hour)
			if day.After(newest) {
				newest = day
			}
			if day.Before(cursor) || day.After(endDay) {
				continue
			}
			price, err := decimal.NewFromString(kline[4])
			if err != nil {
				c.log.Warn().Str("symbol", symbol).Str("close", kline[4]).Msg("Skipping unparseable kline close")
				continue
			}
			prices[day.Format("2006-01-02")] = price
		}

		next := newest.Add(24 * time.Hour)
		if !next.After(cursor) {
			break // no forward progress
		}
		cursor = next
	}

	return prices, nil
}

// splitSymbol separates a concatenated spot pair into base and quote.
func splitSymbol(symbol string) (base, quote string) {
	for _, q := range []string{"USDT", "USDC", "DAI"} {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return symbol, "USDT"
}

// parseMillis converts a millisecond timestamp string to UTC time. Values
// that would land before the year 2000 are retried as seconds.
func parseMillis(s string) time.Time {
	raw, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	t := time.UnixMilli(raw).UTC()
	if t.Year() < 2000 && raw > 1_000_000_000 {
		t = time.Unix(raw, 0).UTC()
	}
	return t
}
