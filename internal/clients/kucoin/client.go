// Package kucoin implements the KuCoin REST client.
//
// KuCoin paginates by page number (currentPage/pageSize/totalNum) instead of
// cursors, and the fills endpoint only accepts 24-hour time windows, so trade
// history is collected in day-sized slices.
package kucoin

import (
	"context"
	"encoding/json"
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
	defaultBaseURL = "https://api.kucoin.com"
	pageSize       = 500
	fillsWindow    = 24 * time.Hour
)

// accountTypes maps KuCoin account types onto the shared bucket names.
var accountTypes = map[string]string{
	"main":   exchange.AccountFunding,
	"trade":  exchange.AccountTrading,
	"earn":   exchange.AccountEarn,
	"margin": "Margin",
}

// Client talks to the KuCoin API.
type Client struct {
	creds   exchange.Credentials
	baseURL string
	gw      gateway.Requester
	log     zerolog.Logger
	pacer   *rate.Limiter
	now     func() time.Time
}

// New creates a KuCoin client.
func New(creds exchange.Credentials, gw gateway.Requester, log zerolog.Logger) *Client {
	return &Client{
		creds:   creds,
		baseURL: defaultBaseURL,
		gw:      gw,
		log:     log.With().Str("client", "kucoin").Logger(),
		pacer:   rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		now:     time.Now,
	}
}

// Name returns the exchange identifier.
func (c *Client) Name() string { return "kucoin" }

// SetBaseURL overrides the API base URL. Test hook.
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) signedGet(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if c.creds.Key == "" || c.creds.Secret == "" {
		return nil, &gateway.MissingCredentialsError{Exchange: "kucoin", Field: "api key/secret"}
	}
	if c.creds.Passphrase == "" {
		return nil, &gateway.MissingCredentialsError{Exchange: "kucoin", Field: "api passphrase"}
	}

	endpoint := path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	signature := sign(c.creds.Secret, timestamp, "GET", endpoint)

	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.gw.Do(ctx, gateway.Request{
		Method: "GET",
		URL:    c.baseURL + path,
		Query:  params,
		Headers: map[string]string{
			"KC-API-KEY":         c.creds.Key,
			"KC-API-SIGN":        signature,
			"KC-API-TIMESTAMP":   timestamp,
			"KC-API-PASSPHRASE":  signPassphrase(c.creds.Secret, c.creds.Passphrase),
			"KC-API-KEY-VERSION": "2",
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
		return nil, fmt.Errorf("failed to decode kucoin response from %s: %w", path, err)
	}
	if env.Code != "200000" {
		return nil, fmt.Errorf("kucoin API error for %s (code %s): %s", path, env.Code, env.Msg)
	}
	return env.Data, nil
}

// AccountAssets returns balances across all KuCoin account types, summed per
// (currency, mapped account type).
func (c *Client) AccountAssets(ctx context.Context) ([]exchange.Balance, error) {
	data, err := c.signedGet(ctx, "/api/v1/accounts", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch accounts: %w", err)
	}

	var accounts []struct {
		Currency string          `json:"currency"`
		Balance  decimal.Decimal `json:"balance"`
		Type     string          `json:"type"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}

	type balanceKey struct{ ticker, accountType string }
	assets := make(map[balanceKey]decimal.Decimal)
	for _, a := range accounts {
		key := balanceKey{a.Currency, mapAccountType(a.Type)}
		assets[key] = assets[key].Add(a.Balance)
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

func mapAccountType(raw string) string {
	if mapped, ok := accountTypes[strings.ToLower(raw)]; ok {
		return mapped
	}
	if raw == "" {
		return exchange.AccountTrading
	}
	return strings.ToUpper(raw[:1]) + strings.ToLower(raw[1:])
}

// AllTransactions collects deposits, withdrawals and fills in [start, end).
// Categories fail independently.
func (c *Client) AllTransactions(ctx context.Context, start, end time.Time) ([]exchange.Transaction, error) {
	seen := make(map[string]exchange.Transaction)
	collect := func(name string, txs []exchange.Transaction, err error) {
		if err != nil {
			c.log.Error().Err(err).Str("category", name).Msg("Failed to fetch transaction category, skipping")
			return
		}
		for _, tx := range txs {
			seen[tx.ExternalID] = tx
		}
	}

	deposits, err := c.fetchDeposits(ctx, start, end)
	collect("deposit", deposits, err)
	withdrawals, err := c.fetchWithdrawals(ctx, start, end)
	collect("withdrawal", withdrawals, err)
	fills, err := c.fetchFills(ctx, start, end)
	collect("trade", fills, err)

	txs := make([]exchange.Transaction, 0, len(seen))
	for _, tx := range seen {
		txs = append(txs, tx)
	}
	return txs, nil
}

// fetchPaged walks a page-numbered endpoint until every record is read.
func (c *Client) fetchPaged(ctx context.Context, path string, base url.Values) ([]json.RawMessage, error) {
	var all []json.RawMessage
	for page := 1; ; page++ {
		params := url.Values{}
		for k, vs := range base {
			params[k] = vs
		}
		params.Set("currentPage", strconv.Itoa(page))
		params.Set("pageSize", strconv.Itoa(pageSize))

		data, err := c.signedGet(ctx, path, params)
		if err != nil {
			return nil, err
		}

		var result struct {
			CurrentPage int               `json:"currentPage"`
			PageSize    int               `json:"pageSize"`
			TotalNum    int               `json:"totalNum"`
			Items       []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("failed to decode page from %s: %w", path, err)
		}

		all = append(all, result.Items...)
		if len(result.Items) == 0 || page*pageSize >= result.TotalNum {
			break
		}
	}
	return all, nil
}

func (c *Client) fetchDeposits(ctx context.Context, start, end time.Time) ([]exchange.Transaction, error) {
	type record struct {
		Currency   string          `json:"currency"`
		Amount     decimal.Decimal `json:"amount"`
		WalletTxID string          `json:"walletTxId"`
		Status     string          `json:"status"`
		CreatedAt  int64           `json:"createdAt"`
	}
	rows, err := c.fetchPaged(ctx, "/api/v1/deposits", url.Values{
		"startAt": {strconv.FormatInt(start.UnixMilli(), 10)},
		"endAt":   {strconv.FormatInt(end.UnixMilli(), 10)},
	})
	if err != nil {
		return nil, err
	}

	var txs []exchange.Transaction
	for _, raw := range rows {
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			c.log.Warn().Err(err).Msg("Skipping malformed deposit record")
			continue
		}
		if !strings.EqualFold(r.Status, "SUCCESS") {
			continue
		}
		id := r.WalletTxID
		if id == "" {
			id = r.Currency + "_" + strconv.FormatInt(r.CreatedAt, 10)
		}
		txs = append(txs, exchange.Transaction{
			ExternalID: "kucoin_deposit_" + id,
			Timestamp:  time.UnixMilli(r.CreatedAt).UTC(),
			Type:       exchange.TxDeposit,
			RawType:    "deposit",
			Asset1:     r.Currency,
			Amount1:    r.Amount,
		})
	}
	return txs, nil
}

func (c *Client) fetchWithdrawals(ctx context.Context, start, end time.Time) ([]exchange.Transaction, error) {
	type record struct {
		ID        string          `json:"id"`
		Currency  string          `json:"currency"`
		Amount    decimal.Decimal `json:"amount"`
		Fee       decimal.Decimal `json:"fee"`
		Status    string          `json:"status"`
		CreatedAt int64           `json:"createdAt"`
	}
	rows, err := c.fetchPaged(ctx, "/api/v1/withdrawals", url.Values{
		"startAt": {strconv.FormatInt(start.UnixMilli(), 10)},
		"endAt":   {strconv.FormatInt(end.UnixMilli(), 10)},
	})
	if err != nil {
		return nil, err
	}

	var txs []exchange.Transaction
	for _, raw := range rows {
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			c.log.Warn().Err(err).Msg("Skipping malformed withdrawal record")
			continue
		}
		if !strings.EqualFold(r.Status, "SUCCESS") {
			continue
		}
		txs = append(txs, exchange.Transaction{
			ExternalID: "kucoin_withdrawal_" + r.ID,
			Timestamp:  time.UnixMilli(r.CreatedAt).UTC(),
			Type:       exchange.TxWithdrawal,
			RawType:    "withdrawal",
			Asset1:     r.Currency,
			Amount1:    r.Amount,
			FeeAmount:  r.Fee,
			FeeTicker:  r.Currency,
		})
	}
	return txs, nil
}

// fetchFills walks [start, end) in 24-hour slices, paging within each slice.
// The fills endpoint rejects wider windows.
func (c *Client) fetchFills(ctx context.Context, start, end time.Time) ([]exchange.Transaction, error) {
	type record struct {
		TradeID     string          `json:"tradeId"`
		Symbol      string          `json:"symbol"`
		Side        string          `json:"side"`
		Price       decimal.Decimal `json:"price"`
		Size        decimal.Decimal `json:"size"`
		Funds       decimal.Decimal `json:"funds"`
		Fee         decimal.Decimal `json:"fee"`
		FeeCurrency string          `json:"feeCurrency"`
		CreatedAt   int64           `json:"createdAt"`
	}

	var txs []exchange.Transaction
	for sliceStart := start; sliceStart.Before(end); sliceStart = sliceStart.Add(fillsWindow) {
		sliceEnd := sliceStart.Add(fillsWindow)
		if sliceEnd.After(end) {
			sliceEnd = end
		}

		rows, err := c.fetchPaged(ctx, "/api/v1/fills", url.Values{
			"startAt": {strconv.FormatInt(sliceStart.UnixMilli(), 10)},
			"endAt":   {strconv.FormatInt(sliceEnd.UnixMilli(), 10)},
		})
		if err != nil {
			return nil, err
		}

		for _, raw := range rows {
			var r record
			if err := json.Unmarshal(raw, &r); err != nil {
				c.log.Warn().Err(err).Msg("Skipping malformed fill record")
				continue
			}

			base, quote := splitSymbol(r.Symbol)
			txType := exchange.TxBuy
			if strings.EqualFold(r.Side, "sell") {
				txType = exchange.TxSell
			}
			txs = append(txs, exchange.Transaction{
				ExternalID: "kucoin_trade_" + r.TradeID,
				Timestamp:  time.UnixMilli(r.CreatedAt).UTC(),
				Type:       txType,
				RawType:    strings.ToLower(r.Side),
				Asset1:     base,
				Amount1:    r.Size,
				Asset2:     quote,
				Amount2:    r.Funds,
				FeeAmount:  r.Fee,
				FeeTicker:  r.FeeCurrency,
				Price:      r.Price,
			})
		}
	}
	return txs, nil
}

// SpotTickers fetches the full ticker snapshot and filters locally. Symbols
// are dash-separated (BTC-USDT); changeRate comes back as a fraction.
func (c *Client) SpotTickers(ctx context.Context, symbols []string) (map[string]exchange.Ticker, error) {
	data, err := c.publicGet(ctx, "/api/v1/market/allTickers", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spot tickers: %w", err)
	}

	var result struct {
		Ticker []struct {
			Symbol     string          `json:"symbol"`
			Last       decimal.Decimal `json:"last"`
			ChangeRate decimal.Decimal `json:"changeRate"`
		} `json:"ticker"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode spot tickers: %w", err)
	}

	bySymbol := make(map[string]int, len(result.Ticker))
	for i, t := range result.Ticker {
		bySymbol[t.Symbol] = i
	}

	hundred := decimal.NewFromInt(100)
	tickers := make(map[string]exchange.Ticker, len(symbols))
	for _, base := range symbols {
		i, ok := bySymbol[base+"-USDT"]
		if !ok {
			continue
		}
		t := result.Ticker[i]
		tickers[base] = exchange.Ticker{
			Symbol:       base,
			PriceUSDT:    t.Last,
			Change24hPct: t.ChangeRate.Mul(hundred),
		}
	}
	return tickers, nil
}

func splitSymbol(symbol string) (base, quote string) {
	parts := strings.SplitN(symbol, "-", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return symbol, "USDT"
}
