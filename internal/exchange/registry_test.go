package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopClient struct {
	creds Credentials
}

func (c *nopClient) Name() string { return "nop" }

func (c *nopClient) AccountAssets(ctx context.Context) ([]Balance, error) { return nil, nil }

func (c *nopClient) AllTransactions(ctx context.Context, start, end time.Time) ([]Transaction, error) {
	return nil, nil
}

func (c *nopClient) SpotTickers(ctx context.Context, symbols []string) (map[string]Ticker, error) {
	return nil, nil
}

func TestRegistry_LookupIsCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.Register("Bybit", func(creds Credentials) Client { return &nopClient{creds: creds} })

	assert.True(t, r.Supported("bybit"))
	assert.True(t, r.Supported("BYBIT"))
	assert.False(t, r.Supported("binance"))

	client, err := r.Client("bybit", Credentials{Key: "k", Secret: "s"})
	require.NoError(t, err)
	assert.Equal(t, "k", client.(*nopClient).creds.Key)

	_, err = r.Client("binance", Credentials{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exchange")
}

func TestRegistry_NamesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"okx", "bybit", "kucoin"} {
		r.Register(name, func(creds Credentials) Client { return &nopClient{} })
	}
	assert.Equal(t, []string{"bybit", "kucoin", "okx"}, r.Names())
}

func TestDustThreshold(t *testing.T) {
	assert.True(t, decimal.RequireFromString("0.0000000001").Cmp(DustThreshold) <= 0)
	assert.True(t, decimal.RequireFromString("0.00000001").Cmp(DustThreshold) > 0)
	assert.True(t, Stablecoins["USDT"])
	assert.True(t, Stablecoins["USDC"])
	assert.False(t, Stablecoins["BTC"])
}
