// Package bitget implements the Bitget v2 REST client.
//
// History endpoints paginate by record id rather than cursor: each page is
// requested with the previous page's last id and collection stops at the
// first short page. Trade fills ignore the server-side time filter, so the
// window is enforced client-side.
package bitget

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
	defaultBaseURL = "https://api.bitget.com"
	recordLimit    = 100
	fillsLimit     = 500
)

// Client talks to the Bitget v2 API.
type Client struct {
	creds   exchange.Credentials
	baseURL string
	gw      gateway.Requester
	log     zerolog.Logger
	pacer   *rate.Limiter
	now     func() time.Time
}

// New creates a Bitget client.
func New(creds exchange.Credentials, gw gateway.Requester, log zerolog.Logger) *Client {
	return &Client{
		creds:   creds,
		baseURL: defaultBaseURL,
		gw:      gw,
		log:     log.With().Str("client", "bitget").Logger(),
		pacer:   rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		now:     time.Now,
	}
}

// Name returns the exchange identifier.
func (c *Client) Name() string { return "bitget" }

// SetBaseURL overrides the API base URL. Test hook.
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) signedGet(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if c.creds.Key == "" || c.creds.Secret == "" {
		return nil, &gateway.MissingCredentialsError{Exchange: "bitget", Field: "api key/secret"}
	}
	if c.creds.Passphrase == "" {
		return nil, &gateway.MissingCredentialsError{Exchange: "bitget", Field: "api passphrase"}
	}

	requestPath := path
	if len(params) > 0 {
		requestPath += "?" + params.Encode()
	}

	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	signature := sign(c.creds.Secret, timestamp, "GET", requestPath)

	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.gw.Do(ctx, gateway.Request{
		Method: "GET",
		URL:    c.baseURL + path,
		Query:  params,
		Headers: map[string]string{
			"ACCESS-KEY":        c.creds.Key,
			"ACCESS-SIGN":       signature,
			"ACCESS-TIMESTAMP":  timestamp,
			"ACCESS-PASSPHRASE": c.creds.Passphrase,
			"Content-Type":      "application/json",
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
		return nil, fmt.Errorf("failed to decode bitget response from %s: %w", path, err)
	}
	if env.Code != "00000" {
		return nil, fmt.Errorf("bitget API error for %s (code %s): %s", path, env.Code, env.Msg)
	}
	return env.Data, nil
}

// AccountAssets returns Spot and Earn balances. Earn is best-effort.
func (c *Client) AccountAssets(ctx context.Context) ([]exchange.Balance, error) {
	type balanceKey struct{ ticker, accountType string }
	assets := make(map[balanceKey]decimal.Decimal)

	spotData, err := c.signedGet(ctx, "/api/v2/spot/account/assets", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spot balance: %w", err)
	}
	var spot []struct {
		Coin      string          `json:"coin"`
		Available decimal.Decimal `json:"available"`
		Frozen    decimal.Decimal `json:"frozen"`
	}
	if err := json.Unmarshal(spotData, &spot); err != nil {
		return nil, fmt.Errorf("failed to decode spot balance: %w", err)
	}
	for _, a := range spot {
		key := balanceKey{a.Coin, "Spot"}
		assets[key] = assets[key].Add(a.Available).Add(a.Frozen)
	}

	earnData, err := c.signedGet(ctx, "/api/v2/earn/account/assets", nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to fetch earn balance, skipping")
	} else {
		var earn []struct {
			Coin   string          `json:"coin"`
			Amount decimal.Decimal `json:"amount"`
		}
		if err := json.Unmarshal(earnData, &earn); err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode earn balance, skipping")
		} else {
			for _, a := range earn {
				key := balanceKey{a.Coin, exchange.AccountEarn}
				assets[key] = assets[key].Add(a.Amount)
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

// fetchIDPaginated walks an id-paginated endpoint: each request passes the
// previous page's last id in pageParam, a short page ends the walk.
func (c *Client) fetchIDPaginated(ctx context.Context, path, pageParam string, limit int, base url.Values, lastID func(json.RawMessage) string) ([]json.RawMessage, error) {
	var all []json.RawMessage
	cursor := ""
	for {
		params := url.Values{}
		for k, vs := range base {
			params[k] = vs
		}
		params.Set("limit", strconv.Itoa(limit))
		if cursor != "" {
			params.Set(pageParam, cursor)
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
		if len(records) < limit {
			break
		}
		cursor = lastID(records[len(records)-1])
		if cursor == "" {
			break
		}
	}
	return all, nil
}

type transferRecord struct {
	ID         string          `json:"id"`
	WithdrawID string          `json:"withdrawId"`
	Coin       string          `json:"coin"`
	Size       decimal.Decimal `json:"size"`
	Fee        decimal.Decimal `json:"fee"`
	Status     string          `json:"status"`
	CTime      string          `json:"cTime"`
}

func (c *Client) fetchDeposits(ctx context.Context, start, end time.Time) ([]exchange.Transaction, error) {
	base := url.Values{
		"startTime": {strconv.FormatInt(start.UnixMilli(), 10)},
		"endTime":   {strconv.FormatInt(end.UnixMilli(), 10)},
	}
	rows, err := c.fetchIDPaginated(ctx, "/api/v2/asset/deposit-record", "idLessThan", recordLimit, base, func(raw json.RawMessage) string {
		var r transferRecord
		_ = json.Unmarshal(raw, &r)
		return r.ID
	})
	if err != nil {
		return nil, err
	}

	var txs []exchange.Transaction
	for _, raw := range rows {
		var r transferRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			c.log.Warn().Err(err).Msg("Skipping malformed deposit record")
			continue
		}
		if !strings.EqualFold(r.Status, "success") {
			continue
		}
		txs = append(txs, exchange.Transaction{
			ExternalID: "bitget_deposit_" + r.ID,
			Timestamp:  parseMillis(r.CTime),
			Type:       exchange.TxDeposit,
			RawType:    "deposit",
			Asset1:     r.Coin,
			Amount1:    r.Size,
		})
	}
	return txs, nil
}

func (c *Client) fetchWithdrawals(ctx context.Context, start, end time.Time) ([]exchange.Transaction, error) {
	base := url.Values{
		"startTime": {strconv.FormatInt(start.UnixMilli(), 10)},
		"endTime":   {strconv.FormatInt(end.UnixMilli(), 10)},
	}
	rows, err := c.fetchIDPaginated(ctx, "/api/v2/asset/withdrawal-record", "idLessThan", recordLimit, base, func(raw json.RawMessage) string {
		var r transferRecord
		_ = json.Unmarshal(raw, &r)
		if r.WithdrawID != "" {
			return r.WithdrawID
		}
		return r.ID
	})
	if err != nil {
		return nil, err
	}

	var txs []exchange.Transaction
	for _, raw := range rows {
		var r transferRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			c.log.Warn().Err(err).Msg("Skipping malformed withdrawal record")
			continue
		}
		if !strings.EqualFold(r.Status, "success") {
			continue
		}
		id := r.WithdrawID
		if id == "" {
			id = r.ID
		}
		txs = append(txs, exchange.Transaction{
			ExternalID: "bitget_withdrawal_" + id,
			Timestamp:  parseMillis(r.CTime),
			Type:       exchange.TxWithdrawal,
			RawType:    "withdrawal",
			Asset1:     r.Coin,
			Amount1:    r.Size,
			FeeAmount:  r.Fee,
			FeeTicker:  r.Coin,
		})
	}
	return txs, nil
}

// fetchTrades paginates spot fills by trade id with no server-side time
// filter. Pages come back newest first; collection stops once a fill older
// than the window start appears.
func (c *Client) fetchTrades(ctx context.Context, start, end time.Time) ([]exchange.Transaction, error) {
	startMs := start.UnixMilli()
	endMs := end.UnixMilli()

	type fill struct {
		TradeID   string          `json:"tradeId"`
		Symbol    string          `json:"symbol"`
		Side      string          `json:"side"`
		PriceAvg  decimal.Decimal `json:"priceAvg"`
		Size      decimal.Decimal `json:"size"`
		Amount    decimal.Decimal `json:"amount"`
		FeeDetail struct {
			TotalFee decimal.Decimal `json:"totalFee"`
			FeeCoin  string          `json:"feeCoin"`
		} `json:"feeDetail"`
		CTime string `json:"cTime"`
	}

	var txs []exchange.Transaction
	cursor := ""
	for {
		params := url.Values{"limit": {strconv.Itoa(fillsLimit)}}
		if cursor != "" {
			params.Set("after", cursor)
		}

		data, err := c.signedGet(ctx, "/api/v2/spot/trade/fills", params)
		if err != nil {
			return nil, err
		}

		var page []json.RawMessage
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("failed to decode fills: %w", err)
		}
		if len(page) == 0 {
			break
		}

		stop := false
		var lastTradeID string
		for _, raw := range page {
			var f fill
			if err := json.Unmarshal(raw, &f); err != nil {
				c.log.Warn().Err(err).Msg("Skipping malformed fill record")
				continue
			}
			lastTradeID = f.TradeID

			ts := parseMillis(f.CTime)
			if ts.UnixMilli() < startMs {
				stop = true
				break
			}
			if ts.UnixMilli() > endMs {
				continue
			}

			base, quote := splitSymbol(f.Symbol)
			txType := exchange.TxBuy
			if strings.EqualFold(f.Side, "sell") {
				txType = exchange.TxSell
			}
			txs = append(txs, exchange.Transaction{
				ExternalID: "bitget_trade_" + f.TradeID,
				Timestamp:  ts,
				Type:       txType,
				RawType:    strings.ToLower(f.Side),
				Asset1:     base,
				Amount1:    f.Size,
				Asset2:     quote,
				Amount2:    f.Amount,
				FeeAmount:  f.FeeDetail.TotalFee,
				FeeTicker:  f.FeeDetail.FeeCoin,
				Price:      f.PriceAvg,
			})
		}

		if stop || len(page) < fillsLimit || lastTradeID == "" {
			break
		}
		cursor = lastTradeID
	}
	return txs, nil
}

// SpotTickers fetches all spot tickers and filters locally. Symbols are
// quoted in USDT on this exchange; the 24h change comes back as a fraction.
func (c *Client) SpotTickers(ctx context.Context, symbols []string) (map[string]exchange.Ticker, error) {
	data, err := c.publicGet(ctx, "/api/v2/spot/market/tickers", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spot tickers: %w", err)
	}

	var list []struct {
		Symbol                string          `json:"symbol"`
		LastPr                decimal.Decimal `json:"lastPr"`
		PriceChangePercent24h decimal.Decimal `json:"priceChangePercent24h"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode spot tickers: %w", err)
	}

	bySymbol := make(map[string]int, len(list))
	for i, t := range list {
		bySymbol[t.Symbol] = i
	}

	hundred := decimal.NewFromInt(100)
	tickers := make(map[string]exchange.Ticker, len(symbols))
	for _, base := range symbols {
		i, ok := bySymbol[base+"USDT"]
		if !ok {
			continue
		}
		t := list[i]
		tickers[base] = exchange.Ticker{
			Symbol:       base,
			PriceUSDT:    t.LastPr,
			Change24hPct: t.PriceChangePercent24h.Mul(hundred),
		}
	}
	return tickers, nil
}

func splitSymbol(symbol string) (base, quote string) {
	for _, q := range []string{"USDT", "USDC", "DAI"} {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return symbol, "USDT"
}

func parseMillis(s string) time.Time {
	raw, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	return time.UnixMilli(raw).UTC()
}
