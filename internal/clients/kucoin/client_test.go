package kucoin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/plutus-app/plutus/internal/clients/gateway"
	"github.com/plutus-app/plutus/internal/exchange"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	gw := gateway.New(zerolog.Nop())
	gw.SetBackoffBase(time.Millisecond)

	c := New(exchange.Credentials{Key: "k", Secret: "s", Passphrase: "p"}, gw, zerolog.Nop())
	c.SetBaseURL(server.URL)
	c.pacer.SetLimit(rate.Inf)
	return c
}

func TestSignPassphrase_DoubleSigned(t *testing.T) {
	signed := signPassphrase("s", "p")
	assert.NotEqual(t, "p", signed)
	assert.Len(t, signed, 44)
	assert.Equal(t, signed, signPassphrase("s", "p"))
}

func TestMapAccountType(t *testing.T) {
	assert.Equal(t, exchange.AccountFunding, mapAccountType("main"))
	assert.Equal(t, exchange.AccountTrading, mapAccountType("trade"))
	assert.Equal(t, exchange.AccountEarn, mapAccountType("earn"))
	assert.Equal(t, "Margin", mapAccountType("margin"))
	assert.Equal(t, "Option", mapAccountType("option"))
}

func TestAccountAssets_SumsPerTypeAndDropsDust(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("KC-API-KEY"))
		assert.Equal(t, "2", r.Header.Get("KC-API-KEY-VERSION"))
		assert.NotEmpty(t, r.Header.Get("KC-API-SIGN"))
		assert.NotEqual(t, "p", r.Header.Get("KC-API-PASSPHRASE"))

		fmt.Fprint(w, `{"code":"200000","data":[
			{"currency":"BTC","balance":"0.5","type":"trade"},
			{"currency":"BTC","balance":"0.25","type":"trade"},
			{"currency":"USDT","balance":"100","type":"main"},
			{"currency":"SHIB","balance":"0.0000000001","type":"main"}]}`)
	})

	c := newTestClient(t, handler)
	balances, err := c.AccountAssets(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 2)

	byTicker := make(map[string]exchange.Balance)
	for _, b := range balances {
		byTicker[b.Ticker] = b
	}
	assert.True(t, byTicker["BTC"].Quantity.Equal(decimal.RequireFromString("0.75")))
	assert.Equal(t, exchange.AccountTrading, byTicker["BTC"].AccountType)
	assert.Equal(t, exchange.AccountFunding, byTicker["USDT"].AccountType)
}

func TestFetchPaged_WalksAllPages(t *testing.T) {
	total := 1203
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/withdrawals", r.URL.Path)
		page, _ := strconv.Atoi(r.URL.Query().Get("currentPage"))
		require.Equal(t, strconv.Itoa(pageSize), r.URL.Query().Get("pageSize"))

		first := (page-1)*pageSize + 1
		last := page * pageSize
		if last > total {
			last = total
		}
		items := ""
		for i := first; i <= last; i++ {
			if items != "" {
				items += ","
			}
			items += fmt.Sprintf(`{"id":"w%d","currency":"BTC","amount":"1","fee":"0.001","status":"SUCCESS","createdAt":1700000000000}`, i)
		}
		fmt.Fprintf(w, `{"code":"200000","data":{"currentPage":%d,"pageSize":%d,"totalNum":%d,"items":[%s]}}`, page, pageSize, total, items)
	})

	c := newTestClient(t, handler)
	txs, err := c.fetchWithdrawals(context.Background(), time.Unix(0, 0), time.Now())
	require.NoError(t, err)
	assert.Len(t, txs, total)
}

func TestFetchFills_DaySlices(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(72 * time.Hour)

	var windows [][2]int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/fills", r.URL.Path)
		startAt, _ := strconv.ParseInt(r.URL.Query().Get("startAt"), 10, 64)
		endAt, _ := strconv.ParseInt(r.URL.Query().Get("endAt"), 10, 64)
		windows = append(windows, [2]int64{startAt, endAt})

		fmt.Fprintf(w, `{"code":"200000","data":{"currentPage":1,"pageSize":%d,"totalNum":1,"items":[
			{"tradeId":"t%d","symbol":"BTC-USDT","side":"buy","price":"50000","size":"0.1","funds":"5000","fee":"5","feeCurrency":"USDT","createdAt":%d}]}}`,
			pageSize, len(windows), startAt)
	})

	c := newTestClient(t, handler)
	txs, err := c.fetchFills(context.Background(), start, end)
	require.NoError(t, err)

	require.Len(t, windows, 3, "72 hours should produce three 24-hour slices")
	for _, win := range windows {
		assert.LessOrEqual(t, win[1]-win[0], fillsWindow.Milliseconds())
	}
	require.Len(t, txs, 3)
	assert.Equal(t, exchange.TxBuy, txs[0].Type)
	assert.Equal(t, "BTC", txs[0].Asset1)
	assert.Equal(t, "USDT", txs[0].Asset2)
	assert.True(t, txs[0].Amount2.Equal(decimal.NewFromInt(5000)))
}

func TestAllTransactions_DropsNonSuccess(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	ts := start.Add(time.Hour).UnixMilli()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/deposits":
			fmt.Fprintf(w, `{"code":"200000","data":{"currentPage":1,"pageSize":500,"totalNum":2,"items":[
				{"currency":"BTC","amount":"1","walletTxId":"tx1","status":"SUCCESS","createdAt":%d},
				{"currency":"BTC","amount":"2","walletTxId":"tx2","status":"PROCESSING","createdAt":%d}]}}`, ts, ts)
		case "/api/v1/withdrawals":
			fmt.Fprint(w, `{"code":"200000","data":{"currentPage":1,"pageSize":500,"totalNum":0,"items":[]}}`)
		case "/api/v1/fills":
			fmt.Fprint(w, `{"code":"200000","data":{"currentPage":1,"pageSize":500,"totalNum":0,"items":[]}}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	c := newTestClient(t, handler)
	txs, err := c.AllTransactions(context.Background(), start, end)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "kucoin_deposit_tx1", txs[0].ExternalID)
}

func TestSpotTickers_FractionToPercent(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/market/allTickers", r.URL.Path)
		fmt.Fprint(w, `{"code":"200000","data":{"ticker":[
			{"symbol":"BTC-USDT","last":"50000","changeRate":"0.0123"},
			{"symbol":"DOGE-BTC","last":"0.000001","changeRate":"0.5"}]}}`)
	})

	c := newTestClient(t, handler)
	tickers, err := c.SpotTickers(context.Background(), []string{"BTC", "DOGE"})
	require.NoError(t, err)
	require.Len(t, tickers, 1, "DOGE has no USDT pair")
	assert.True(t, tickers["BTC"].PriceUSDT.Equal(decimal.NewFromInt(50000)))
	assert.True(t, tickers["BTC"].Change24hPct.Equal(decimal.RequireFromString("1.23")))
}
