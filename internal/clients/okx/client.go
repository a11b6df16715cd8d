// Package okx implements the OKX v5 REST client.
//
// Deposit and withdrawal history accept begin/end time parameters; trade
// fills do not, so the requested window is enforced client-side there. All
// three paginate by record id via the `after` parameter until a short page.
package okx

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
	defaultBaseURL = "https://www.okx.com"
	pageLimit      = 100
)

// Client talks to the OKX v5 API.
type Client struct {
	creds   exchange.Credentials
	baseURL string
	gw      gateway.Requester
	log     zerolog.Logger
	pacer   *rate.Limiter
	now     func() time.Time
}

// New creates an OKX client.
func New(creds exchange.Credentials, gw gateway.Requester, log zerolog.Logger) *Client {
	return &Client{
		creds:   creds,
		baseURL: defaultBaseURL,
		gw:      gw,
		log:     log.With().Str("client", "okx").Logger(),
		pacer:   rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		now:     time.Now,
	}
}

// Name returns the exchange identifier.
func (c *Client) Name() string { return "okx" }

// SetBaseURL overrides the API base URL. Test hook.
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) signedGet(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if c.creds.Key == "" || c.creds.Secret == "" {
		return nil, &gateway.MissingCredentialsError{Exchange: "okx", Field: "api key/secret"}
	}
	if c.creds.Passphrase == "" {
		return nil, &gateway.MissingCredentialsError{Exchange: "okx", Field: "api passphrase"}
	}

	requestPath := path
	if len(params) > 0 {
		requestPath += "?" + params.Encode()
	}

	timestamp := isoTimestamp(c.now())
	signature := sign(c.creds.Secret, timestamp, "GET", requestPath)

	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.gw.Do(ctx, gateway.Request{
		Method: "GET",
		URL:    c.baseURL + path,
		Query:  params,
		Headers: map[string]string{
			"OK-ACCESS-KEY":        c.creds.Key,
			"OK-ACCESS-SIGN":       signature,
			"OK-ACCESS-TIMESTAMP":  timestamp,
			"OK-ACCESS-PASSPHRASE": c.creds.Passphrase,
			"Content-Type":         "application/json",
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
		return nil, fmt.Errorf("failed to decode okx response from %s: %w", path, err)
	}
	if env.Code != "0" {
		return nil, fmt.Errorf("okx API error for %s (code %s): %s", path, env.Code, env.Msg)
	}
	return env.Data, nil
}

// AccountAssets returns Trading, Funding and Savings (Earn) balances.
// Funding and Savings are best-effort.
func (c *Client) AccountAssets(ctx context.Context) ([]exchange.Balance, error) {
	type balanceKey struct{ ticker, accountType string }
	assets := make(map[balanceKey]decimal.Decimal)
	add := func(ticker, accountType string, qty decimal.Decimal) {
		key := balanceKey{ticker, accountType}
		assets[key] = assets[key].Add(qty)
	}

	tradingData, err := c.signedGet(ctx, "/api/v5/account/balance", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trading balance: %w", err)
	}
	var trading []struct {
		Details []struct {
			Ccy     string          `json:"ccy"`
			CashBal decimal.Decimal `json:"cashBal"`
		} `json:"details"`
	}
	if err := json.Unmarshal(tradingData, &trading); err != nil {
		return nil, fmt.Errorf("failed to decode trading balance: %w", err)
	}
	if len(trading) > 0 {
		for _, d := range trading[0].Details {
			add(d.Ccy, exchange.AccountTrading, d.CashBal)
		}
	}

	fundingData, err := c.signedGet(ctx, "/api/v5/asset/balances", nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to fetch funding balance, skipping")
	} else {
		var funding []struct {
			Ccy string          `json:"ccy"`
			Bal decimal.Decimal `json:"bal"`
		}
		if err := json.Unmarshal(fundingData, &funding); err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode funding balance, skipping")
		} else {
			for _, d := range funding {
				add(d.Ccy, exchange.AccountFunding, d.Bal)
			}
		}
	}

	savingsData, err := c.signedGet(ctx, "/api/v5/finance/savings/balance", nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to fetch savings balance, skipping")
	} else {
		var savings []struct {
			Ccy string          `json:"ccy"`
			Amt decimal.Decimal `json:"amt"`
		}
		if err := json.Unmarshal(savingsData, &savings); err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode savings balance, skipping")
		} else {
			for _, d := range savings {
				add(d.Ccy, exchange.AccountEarn, d.Amt)
			}
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

// AllTransactions collects deposits, withdrawals and spot fills in
// [start, end). Categories fail independently.
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

// fetchIDPaginated walks an `after`-paginated endpoint until a short page.
func (c *Client) fetchIDPaginated(ctx context.Context, path string, base url.Values, lastID func(json.RawMessage) string) ([]json.RawMessage, error) {
	var all []json.RawMessage
	cursor := ""
	for {
		params := url.Values{}
		for k, vs := range base {
			params[k] = vs
		}
		if cursor != "" {
			params.Set("after", cursor)
		}

		data, err := c.signedGet(ctx, path, params)
		if err != nil {
			return nil, err
		}

		var records []json.RawMessage
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("failed to decode records from %s: %w", path, err)
		}
		if len(records) == 0 {
			break
		}
		all = append(all, records...)
		if len(records) < pageLimit {
			break
		}
		cursor = lastID(records[len(records)-1])
		if cursor == "" {
			break
		}
	}
	return all, nil
}

func (c *Client) fetchDeposits(ctx context.Context, start, end time.Time) ([]exchange.Transaction, error) {
	type record struct {
		DepID string          `json:"depId"`
		Ccy   string          `json:"ccy"`
		Amt   decimal.Decimal `json:"amt"`
		TS    string          `json:"ts"`
		State string          `json:"state"`
	}
	base := url.Values{
		"begin": {strconv.FormatInt(start.UnixMilli(), 10)},
		"end":   {strconv.FormatInt(end.UnixMilli(), 10)},
	}
	rows, err := c.fetchIDPaginated(ctx, "/api/v5/asset/deposit-history", base, func(raw json.RawMessage) string {
		var r record
		_ = json.Unmarshal(raw, &r)
		return r.DepID
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
		if r.State != "2" { // 2 = completed
			continue
		}
		txs = append(txs, exchange.Transaction{
			ExternalID: "okx_deposit_" + r.DepID,
			Timestamp:  parseMillis(r.TS),
			Type:       exchange.TxDeposit,
			RawType:    "deposit",
			Asset1:     r.Ccy,
			Amount1:    r.Amt,
		})
	}
	return txs, nil
}

func (c *Client) fetchWithdrawals(ctx context.Context, start, end time.Time) ([]exchange.Transaction, error) {
	type record struct {
		WdID  string          `json:"wdId"`
		Ccy   string          `json:"ccy"`
		Amt   decimal.Decimal `json:"amt"`
		Fee   decimal.Decimal `json:"fee"`
		TS    string          `json:"ts"`
		State string          `json:"state"`
	}
	base := url.Values{
		"begin": {strconv.FormatInt(start.UnixMilli(), 10)},
		"end":   {strconv.FormatInt(end.UnixMilli(), 10)},
	}
	rows, err := c.fetchIDPaginated(ctx, "/api/v5/asset/withdrawal-history", base, func(raw json.RawMessage) string {
		var r record
		_ = json.Unmarshal(raw, &r)
		return r.WdID
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
		if r.State != "2" { // 2 = success
			continue
		}
		txs = append(txs, exchange.Transaction{
			ExternalID: "okx_withdrawal_" + r.WdID,
			Timestamp:  parseMillis(r.TS),
			Type:       exchange.TxWithdrawal,
			RawType:    "withdrawal",
			Asset1:     r.Ccy,
			Amount1:    r.Amt,
			FeeAmount:  r.Fee,
			FeeTicker:  r.Ccy,
		})
	}
	return txs, nil
}

// fetchTrades paginates spot fills by trade id. The endpoint serves roughly
// the last three months and ignores time parameters, so the window filter
// is applied locally.
func (c *Client) fetchTrades(ctx context.Context, start, end time.Time) ([]exchange.Transaction, error) {
	type record struct {
		TradeID string          `json:"tradeId"`
		InstID  string          `json:"instId"`
		Side    string          `json:"side"`
		FillPx  decimal.Decimal `json:"fillPx"`
		FillSz  decimal.Decimal `json:"fillSz"`
		Fee     decimal.Decimal `json:"fee"`
		FeeCcy  string          `json:"feeCcy"`
		TS      string          `json:"ts"`
	}
	rows, err := c.fetchIDPaginated(ctx, "/api/v5/trade/fills-history", url.Values{"instType": {"SPOT"}}, func(raw json.RawMessage) string {
		var r record
		_ = json.Unmarshal(raw, &r)
		return r.TradeID
	})
	if err != nil {
		return nil, err
	}

	startMs := start.UnixMilli()
	endMs := end.UnixMilli()

	var txs []exchange.Transaction
	for _, raw := range rows {
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			c.log.Warn().Err(err).Msg("Skipping malformed fill record")
			continue
		}
		ts := parseMillis(r.TS)
		if ts.UnixMilli() < startMs || ts.UnixMilli() > endMs {
			continue
		}

		base, quote := splitInstID(r.InstID)
		txType := exchange.TxBuy
		if strings.EqualFold(r.Side, "sell") {
			txType = exchange.TxSell
		}
		txs = append(txs, exchange.Transaction{
			ExternalID: "okx_trade_" + r.TradeID,
			Timestamp:  ts,
			Type:       txType,
			RawType:    strings.ToLower(r.Side),
			Asset1:     base,
			Amount1:    r.FillSz,
			Asset2:     quote,
			Amount2:    r.FillSz.Mul(r.FillPx),
			FeeAmount:  r.Fee.Abs(), // fees come back negative
			FeeTicker:  r.FeeCcy,
			Price:      r.FillPx,
		})
	}
	return txs, nil
}

// SpotTickers fetches all SPOT instrument tickers and filters locally.
// Instruments are dash-separated (BTC-USDT).
func (c *Client) SpotTickers(ctx context.Context, symbols []string) (map[string]exchange.Ticker, error) {
	data, err := c.publicGet(ctx, "/api/v5/market/tickers", url.Values{"instType": {"SPOT"}})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spot tickers: %w", err)
	}

	var list []struct {
		InstID string          `json:"instId"`
		Last   decimal.Decimal `json:"last"`
		Open24 decimal.Decimal `json:"open24h"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode spot tickers: %w", err)
	}

	byInst := make(map[string]int, len(list))
	for i, t := range list {
		byInst[t.InstID] = i
	}

	hundred := decimal.NewFromInt(100)
	tickers := make(map[string]exchange.Ticker, len(symbols))
	for _, base := range symbols {
		i, ok := byInst[base+"-USDT"]
		if !ok {
			continue
		}
		t := list[i]
		change := decimal.Zero
		if t.Open24.Sign() != 0 {
			change = t.Last.Sub(t.Open24).Div(t.Open24).Mul(hundred)
		}
		tickers[base] = exchange.Ticker{
			Symbol:       base,
			PriceUSDT:    t.Last,
			Change24hPct: change,
		}
	}
	return tickers, nil
}

func splitInstID(instID string) (base, quote string) {
	parts := strings.SplitN(instID, "-", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return instID, "USDT"
}

func parseMillis(s string) time.Time {
	raw, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	return time.UnixMilli(raw).UTC()
}
