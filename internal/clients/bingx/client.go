// Package bingx implements the BingX spot REST client.
//
// BingX signs the query string itself rather than headers, rejects requests
// whose timestamp drifts from its server clock, and serves history endpoints
// in windows of at most seven days. The client fetches the server time once
// and applies the offset to every signed request.
package bingx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/plutus-app/plutus/internal/clients/gateway"
	"github.com/plutus-app/plutus/internal/exchange"
)

const (
	defaultBaseURL = "https://open-api.bingx.com"
	historyLimit   = 100
	windowDays     = 7
)

// Client talks to the BingX spot API.
type Client struct {
	creds   exchange.Credentials
	baseURL string
	gw      gateway.Requester
	log     zerolog.Logger
	pacer   *rate.Limiter
	now     func() time.Time

	offsetOnce sync.Once
	offset     time.Duration
}

// New creates a BingX client.
func New(creds exchange.Credentials, gw gateway.Requester, log zerolog.Logger) *Client {
	return &Client{
		creds:   creds,
		baseURL: defaultBaseURL,
		gw:      gw,
		log:     log.With().Str("client", "bingx").Logger(),
		pacer:   rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		now:     time.Now,
	}
}

// Name returns the exchange identifier.
func (c *Client) Name() string { return "bingx" }

// SetBaseURL overrides the API base URL. Test hook.
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// serverTime fetches the exchange clock once and caches the offset from the
// local clock. Failure leaves the offset at zero.
func (c *Client) serverTime(ctx context.Context) time.Time {
	c.offsetOnce.Do(func() {
		data, err := c.publicGet(ctx, "/openApi/spot/v1/server/time", nil)
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to fetch server time, using local clock")
			return
		}
		var result struct {
			ServerTime int64 `json:"serverTime"`
		}
		if err := json.Unmarshal(data, &result); err != nil || result.ServerTime == 0 {
			c.log.Warn().Err(err).Msg("Failed to decode server time, using local clock")
			return
		}
		c.offset = time.UnixMilli(result.ServerTime).Sub(c.now())
	})
	return c.now().Add(c.offset)
}

func (c *Client) signedGet(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if c.creds.Key == "" || c.creds.Secret == "" {
		return nil, &gateway.MissingCredentialsError{Exchange: "bingx", Field: "api key/secret"}
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.serverTime(ctx).UnixMilli(), 10))
	params.Set("apiKey", c.creds.Key)
	params.Set("signature", sign(c.creds.Secret, withoutSignature(params)))

	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.gw.Do(ctx, gateway.Request{
		Method:  "GET",
		URL:     c.baseURL + path,
		Query:   params,
		Headers: map[string]string{"X-BX-APIKEY": c.creds.Key},
	})
	if err != nil {
		return nil, err
	}
	return c.decodeEnvelope(path, body)
}

func withoutSignature(params url.Values) url.Values {
	out := url.Values{}
	for k, vs := range params {
		if k == "signature" {
			continue
		}
		out[k] = vs
	}
	return out
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
		return nil, fmt.Errorf("failed to decode bingx response from %s: %w", path, err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("bingx API error for %s (code %d): %s", path, env.Code, env.Msg)
	}
	return env.Data, nil
}

// AccountAssets returns spot balances. BingX exposes a single balance
// endpoint covering spot funds; free and locked amounts are summed.
func (c *Client) AccountAssets(ctx context.Context) ([]exchange.Balance, error) {
	data, err := c.signedGet(ctx, "/openApi/spot/v1/account/balance", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spot balance: %w", err)
	}

	var result struct {
		Balances []struct {
			Asset  string          `json:"asset"`
			Free   decimal.Decimal `json:"free"`
			Locked decimal.Decimal `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode spot balance: %w", err)
	}

	var balances []exchange.Balance
	for _, b := range result.Balances {
		qty := b.Free.Add(b.Locked)
		if qty.Cmp(exchange.DustThreshold) <= 0 {
			continue
		}
		balances = append(balances, exchange.Balance{Ticker: b.Asset, AccountType: "Spot", Quantity: qty})
	}
	return balances, nil
}

// AllTransactions collects deposits, withdrawals and trades in [start, end).
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
	trades, err := c.fetchTrades(ctx, start, end)
	collect("trade", trades, err)

	txs := make([]exchange.Transaction, 0, len(seen))
	for _, tx := range seen {
		txs = append(txs, tx)
	}
	return txs, nil
}

// collectWindowed walks [start, end) backward in 7-day chunks, the widest
// window the history endpoints accept. Chunks never overlap: each one ends
// a millisecond before the previous one starts.
func (c *Client) collectWindowed(ctx context.Context, path string) func(start, end time.Time) ([]json.RawMessage, error) {
	return func(start, end time.Time) ([]json.RawMessage, error) {
		var all []json.RawMessage
		chunk := time.Duration(windowDays) * 24 * time.Hour

		currentEnd := end
		for currentEnd.After(start) {
			tempStart := currentEnd.Add(-chunk)
			if tempStart.Before(start) {
				tempStart = start
			}

			params := url.Values{
				"startTime": {strconv.FormatInt(tempStart.UnixMilli(), 10)},
				"endTime":   {strconv.FormatInt(currentEnd.UnixMilli(), 10)},
				"limit":     {strconv.Itoa(historyLimit)},
			}
			data, err := c.signedGet(ctx, path, params)
			if err != nil {
				return nil, err
			}

			var records []json.RawMessage
			if len(data) > 0 {
				if err := json.Unmarshal(data, &records); err != nil {
					// Some endpoints wrap the list in an object.
					var wrapped struct {
						Records []json.RawMessage `json:"records"`
					}
					if err := json.Unmarshal(data, &wrapped); err != nil {
						return nil, fmt.Errorf("failed to decode records from %s: %w", path, err)
					}
					records = wrapped.Records
				}
			}
			all = append(all, records...)

			currentEnd = tempStart.Add(-time.Millisecond)
		}
		return all, nil
	}
}

func (c *Client) fetchDeposits(ctx context.Context, start, end time.Time) ([]exchange.Transaction, error) {
	type record struct {
		Coin       string          `json:"coin"`
		Amount     decimal.Decimal `json:"amount"`
		TxID       string          `json:"txId"`
		Status     int             `json:"status"`
		InsertTime int64           `json:"insertTime"`
	}
	rows, err := c.collectWindowed(ctx, "/openApi/spot/v1/wallet/deposit/history")(start, end)
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
		if r.Status != 1 { // 1 = credited
			continue
		}
		txs = append(txs, exchange.Transaction{
			ExternalID: "bingx_deposit_" + r.TxID,
			Timestamp:  time.UnixMilli(r.InsertTime).UTC(),
			Type:       exchange.TxDeposit,
			RawType:    "deposit",
			Asset1:     r.Coin,
			Amount1:    r.Amount,
		})
	}
	return txs, nil
}

func (c *Client) fetchWithdrawals(ctx context.Context, start, end time.Time) ([]exchange.Transaction, error) {
	type record struct {
		ID             string          `json:"id"`
		Coin           string          `json:"coin"`
		Amount         decimal.Decimal `json:"amount"`
		TransactionFee decimal.Decimal `json:"transactionFee"`
		Status         int             `json:"status"`
		ApplyTime      int64           `json:"applyTime"`
	}
	rows, err := c.collectWindowed(ctx, "/openApi/spot/v1/wallet/withdraw/history")(start, end)
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
		if r.Status != 6 { // 6 = completed
			continue
		}
		txs = append(txs, exchange.Transaction{
			ExternalID: "bingx_withdrawal_" + r.ID,
			Timestamp:  time.UnixMilli(r.ApplyTime).UTC(),
			Type:       exchange.TxWithdrawal,
			RawType:    "withdrawal",
			Asset1:     r.Coin,
			Amount1:    r.Amount,
			FeeAmount:  r.TransactionFee,
			FeeTicker:  r.Coin,
		})
	}
	return txs, nil
}

func (c *Client) fetchTrades(ctx context.Context, start, end time.Time) ([]exchange.Transaction, error) {
	type record struct {
		ID              int64           `json:"id"`
		Symbol          string          `json:"symbol"`
		Price           decimal.Decimal `json:"price"`
		Qty             decimal.Decimal `json:"qty"`
		QuoteQty        decimal.Decimal `json:"quoteQty"`
		Commission      decimal.Decimal `json:"commission"`
		CommissionAsset string          `json:"commissionAsset"`
		Time            int64           `json:"time"`
		IsBuyer         bool            `json:"isBuyer"`
	}
	rows, err := c.collectWindowed(ctx, "/openApi/spot/v1/trade/myTrades")(start, end)
	if err != nil {
		return nil, err
	}

	var txs []exchange.Transaction
	for _, raw := range rows {
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			c.log.Warn().Err(err).Msg("Skipping malformed trade record")
			continue
		}

		base, quote := splitSymbol(r.Symbol)
		txType := exchange.TxSell
		rawType := "sell"
		if r.IsBuyer {
			txType = exchange.TxBuy
			rawType = "buy"
		}
		txs = append(txs, exchange.Transaction{
			ExternalID: "bingx_trade_" + strconv.FormatInt(r.ID, 10),
			Timestamp:  time.UnixMilli(r.Time).UTC(),
			Type:       txType,
			RawType:    rawType,
			Asset1:     base,
			Amount1:    r.Qty,
			Asset2:     quote,
			Amount2:    r.QuoteQty,
			FeeAmount:  r.Commission.Abs(),
			FeeTicker:  r.CommissionAsset,
			Price:      r.Price,
		})
	}
	return txs, nil
}

// SpotTickers fetches the 24h ticker snapshot and filters locally. Symbols
// are dash-separated (BTC-USDT) and the endpoint requires a timestamp even
// though it is public. The change percent sometimes carries a "%" suffix.
func (c *Client) SpotTickers(ctx context.Context, symbols []string) (map[string]exchange.Ticker, error) {
	params := url.Values{"timestamp": {strconv.FormatInt(c.serverTime(ctx).UnixMilli(), 10)}}
	data, err := c.publicGet(ctx, "/openApi/spot/v1/ticker/24hr", params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spot tickers: %w", err)
	}

	var list []struct {
		Symbol             string          `json:"symbol"`
		LastPrice          decimal.Decimal `json:"lastPrice"`
		PriceChangePercent json.RawMessage `json:"priceChangePercent"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode spot tickers: %w", err)
	}

	bySymbol := make(map[string]int, len(list))
	for i, t := range list {
		bySymbol[t.Symbol] = i
	}

	tickers := make(map[string]exchange.Ticker, len(symbols))
	for _, base := range symbols {
		i, ok := bySymbol[base+"-USDT"]
		if !ok {
			continue
		}
		t := list[i]
		tickers[base] = exchange.Ticker{
			Symbol:       base,
			PriceUSDT:    t.LastPrice,
			Change24hPct: parseChangePercent(t.PriceChangePercent),
		}
	}
	return tickers, nil
}

// parseChangePercent accepts a bare number, a quoted number, or a quoted
// number with a trailing percent sign.
func parseChangePercent(raw json.RawMessage) decimal.Decimal {
	s := strings.Trim(string(raw), `"`)
	s = strings.TrimSuffix(s, "%")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func splitSymbol(symbol string) (base, quote string) {
	parts := strings.SplitN(symbol, "-", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return symbol, "USDT"
}
