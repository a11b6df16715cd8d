// Package moex implements a client for the Moscow Exchange ISS API.
//
// ISS is public and unauthenticated. Responses are column-oriented: each
// block carries a `columns` array and a `data` array of rows, which issTable
// turns back into keyed records. History endpoints paginate through an
// explicit history.cursor block.
package moex

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
)

const defaultBaseURL = "https://iss.moex.com"

// Asset types derived from the ISS security group.
const (
	AssetStock = "stock"
	AssetBond  = "bond"
	AssetETF   = "etf"
	AssetOther = "other"
)

var groupTypes = map[string]string{
	"stock_shares": AssetStock,
	"stock_bonds":  AssetBond,
	"stock_etf":    AssetETF,
	"stock_ppif":   AssetETF,
}

// priceFields in priority order: the first positive one wins.
var priceFields = []string{"LAST", "MARKETPRICE", "MARKETPRICE2", "LCLOSE", "PREVADMITTEDQUOTE", "PREVPRICE"}

// SecurityMeta describes one listed security.
type SecurityMeta struct {
	SecID     string
	ISIN      string
	Name      string
	AssetType string
	Board     string
	Group     string
}

// Leader is a market snapshot row for the dashboard.
type Leader struct {
	Ticker    string
	Price     decimal.Decimal
	ChangePct decimal.Decimal
}

// Client talks to the MOEX ISS API.
type Client struct {
	baseURL string
	gw      gateway.Requester
	log     zerolog.Logger
	pacer   *rate.Limiter
}

// New creates a MOEX ISS client.
func New(gw gateway.Requester, log zerolog.Logger) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		gw:      gw,
		log:     log.With().Str("client", "moex").Logger(),
		pacer:   rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
}

// SetBaseURL overrides the API base URL. Test hook.
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

func (c *Client) get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("iss.meta", "off")
	return c.gw.Do(ctx, gateway.Request{Method: "GET", URL: c.baseURL + path, Query: params})
}

// issBlock is one column-oriented table in an ISS response.
type issBlock struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
}

// rows converts the block into keyed records.
func (b issBlock) rows() []map[string]any {
	out := make([]map[string]any, 0, len(b.Data))
	for _, row := range b.Data {
		record := make(map[string]any, len(b.Columns))
		for i, col := range b.Columns {
			if i < len(row) {
				record[col] = row[i]
			}
		}
		out = append(out, record)
	}
	return out
}

func issString(record map[string]any, key string) string {
	if v, ok := record[key].(string); ok {
		return v
	}
	return ""
}

// issDecimal reads a numeric or string cell; nil and garbage come back as
// zero with ok=false.
func issDecimal(record map[string]any, key string) (decimal.Decimal, bool) {
	switch v := record[key].(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}

// FindSecurity resolves a ticker or ISIN to its listing metadata. The first
// match is the most relevant one.
func (c *Client) FindSecurity(ctx context.Context, query string) (*SecurityMeta, error) {
	body, err := c.get(ctx, "/iss/securities.json", url.Values{
		"q":                  {query},
		"securities.columns": {"secid,isin,name,group,primary_boardid"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search securities for %q: %w", query, err)
	}

	var resp struct {
		Securities issBlock `json:"securities"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode securities search for %q: %w", query, err)
	}

	records := resp.Securities.rows()
	if len(records) == 0 {
		return nil, fmt.Errorf("security %q not found on moex", query)
	}

	r := records[0]
	group := issString(r, "group")
	assetType, ok := groupTypes[group]
	if !ok {
		assetType = AssetOther
	}
	return &SecurityMeta{
		SecID:     issString(r, "secid"),
		ISIN:      issString(r, "isin"),
		Name:      issString(r, "name"),
		AssetType: assetType,
		Board:     issString(r, "primary_boardid"),
		Group:     group,
	}, nil
}

// MarketHistory returns date -> close price for one security over
// [start, end], dates formatted YYYY-MM-DD. Non-trading days are absent.
func (c *Client) MarketHistory(ctx context.Context, secid string, start, end time.Time) (map[string]decimal.Decimal, error) {
	path := fmt.Sprintf("/iss/history/engines/stock/markets/shares/securities/%s.json", url.PathEscape(secid))
	prices := make(map[string]decimal.Decimal)

	offset := 0
	for {
		body, err := c.get(ctx, path, url.Values{
			"from":            {start.Format("2006-01-02")},
			"till":            {end.Format("2006-01-02")},
			"history.columns": {"TRADEDATE,CLOSE"},
			"start":           {strconv.Itoa(offset)},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch history for %s: %w", secid, err)
		}

		var resp struct {
			History issBlock `json:"history"`
			Cursor  issBlock `json:"history.cursor"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode history for %s: %w", secid, err)
		}

		for _, r := range resp.History.rows() {
			date := issString(r, "TRADEDATE")
			close, ok := issDecimal(r, "CLOSE")
			if date == "" || !ok {
				continue
			}
			prices[date] = close
		}

		next, done := nextCursorOffset(resp.Cursor)
		if done || next <= offset {
			break
		}
		offset = next
	}
	return prices, nil
}

// nextCursorOffset reads the history.cursor block. done is true when the
// current page already covers the total.
func nextCursorOffset(cursor issBlock) (next int, done bool) {
	rows := cursor.rows()
	if len(rows) == 0 {
		return 0, true
	}
	index, okI := issDecimal(rows[0], "INDEX")
	total, okT := issDecimal(rows[0], "TOTAL")
	pageSize, okP := issDecimal(rows[0], "PAGESIZE")
	if !okI || !okT || !okP {
		return 0, true
	}
	next = int(index.IntPart() + pageSize.IntPart())
	return next, int64(next) >= total.IntPart()
}

// CurrentPrices resolves the latest price in RUB for each security, batching
// one request pair per (board, market, engine). Bond quotes come as a
// percentage of face value, so they are converted to the dirty price:
// facevalue * quote / 100 + accrued interest.
func (c *Client) CurrentPrices(ctx context.Context, securities map[string]SecurityMeta) (map[string]decimal.Decimal, error) {
	type boardKey struct{ board, market, engine string }
	groups := make(map[boardKey][]string)
	secidToISIN := make(map[string]string)

	for isin, meta := range securities {
		if meta.Board == "" || meta.SecID == "" || meta.Group == "" {
			continue
		}
		engine, market := "stock", "shares"
		if parts := strings.SplitN(meta.Group, "_", 2); len(parts) == 2 {
			engine, market = parts[0], parts[1]
		}
		// Funds trade on the stock market despite their group name.
		if market == "etf" || market == "ppif" {
			market = "stock"
		}
		secid := strings.ToUpper(meta.SecID)
		groups[boardKey{meta.Board, market, engine}] = append(groups[boardKey{meta.Board, market, engine}], secid)
		secidToISIN[secid] = isin
	}

	hundred := decimal.NewFromInt(100)
	prices := make(map[string]decimal.Decimal)

	for key, secids := range groups {
		path := fmt.Sprintf("/iss/engines/%s/markets/%s/boards/%s/securities.json",
			url.PathEscape(key.engine), url.PathEscape(key.market), url.PathEscape(key.board))
		body, err := c.get(ctx, path, url.Values{
			"securities.columns": {"SECID,FACEVALUE"},
			"marketdata.columns": {"SECID," + strings.Join(priceFields, ",") + ",ACCRUEDINT"},
		})
		if err != nil {
			c.log.Error().Err(err).Str("board", key.board).Msg("Failed to fetch board prices, skipping")
			continue
		}

		var resp struct {
			Securities issBlock `json:"securities"`
			MarketData issBlock `json:"marketdata"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			c.log.Error().Err(err).Str("board", key.board).Msg("Failed to decode board prices, skipping")
			continue
		}

		specs := make(map[string]map[string]any)
		for _, r := range resp.Securities.rows() {
			specs[issString(r, "SECID")] = r
		}
		market := make(map[string]map[string]any)
		for _, r := range resp.MarketData.rows() {
			market[issString(r, "SECID")] = r
		}

		for _, secid := range secids {
			md, ok := market[secid]
			if !ok {
				c.log.Debug().Str("secid", secid).Str("board", key.board).Msg("No market data on board")
				continue
			}

			var price decimal.Decimal
			found := false
			for _, field := range priceFields {
				if v, ok := issDecimal(md, field); ok && v.Sign() > 0 {
					price, found = v, true
					break
				}
			}
			if !found {
				continue
			}

			isin := secidToISIN[secid]
			if securities[isin].AssetType == AssetBond {
				spec := specs[secid]
				faceValue, ok := issDecimal(spec, "FACEVALUE")
				if !ok || faceValue.Sign() <= 0 {
					c.log.Warn().Str("secid", secid).Msg("Missing face value for bond, skipping")
					continue
				}
				accrued, _ := issDecimal(md, "ACCRUEDINT")
				price = faceValue.Mul(price).Div(hundred).Add(accrued)
			}
			prices[isin] = price
		}
	}
	return prices, nil
}

// MarketLeaders returns price and day change for the dashboard tickers.
// Stocks are read from the TQBR board, indices (IMOEX*, RTSI*) from SNDX.
func (c *Client) MarketLeaders(ctx context.Context, tickers []string) ([]Leader, error) {
	var stocks, indices []string
	for _, t := range tickers {
		if strings.HasPrefix(t, "IMOEX") || strings.HasPrefix(t, "RTSI") {
			indices = append(indices, t)
		} else {
			stocks = append(stocks, t)
		}
	}

	var leaders []Leader
	if len(stocks) > 0 {
		rows, err := c.boardMarketData(ctx, "stock", "shares", "TQBR", "SECID,LAST,LASTTOPREVPRICE")
		if err != nil {
			return nil, err
		}
		for _, ticker := range stocks {
			r, ok := rows[ticker]
			if !ok {
				continue
			}
			price, ok := issDecimal(r, "LAST")
			if !ok {
				continue
			}
			change, _ := issDecimal(r, "LASTTOPREVPRICE")
			leaders = append(leaders, Leader{Ticker: ticker, Price: price, ChangePct: change})
		}
	}
	if len(indices) > 0 {
		rows, err := c.boardMarketData(ctx, "stock", "index", "SNDX", "SECID,CURRENTVALUE,LASTTOPREVPRICE")
		if err != nil {
			return nil, err
		}
		for _, ticker := range indices {
			r, ok := rows[ticker]
			if !ok {
				continue
			}
			value, ok := issDecimal(r, "CURRENTVALUE")
			if !ok {
				continue
			}
			change, _ := issDecimal(r, "LASTTOPREVPRICE")
			leaders = append(leaders, Leader{Ticker: ticker, Price: value, ChangePct: change})
		}
	}
	return leaders, nil
}

func (c *Client) boardMarketData(ctx context.Context, engine, market, board, columns string) (map[string]map[string]any, error) {
	path := fmt.Sprintf("/iss/engines/%s/markets/%s/boards/%s/securities.json", engine, market, board)
	body, err := c.get(ctx, path, url.Values{"marketdata.columns": {columns}})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s market data: %w", board, err)
	}

	var resp struct {
		MarketData issBlock `json:"marketdata"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s market data: %w", board, err)
	}

	rows := make(map[string]map[string]any)
	for _, r := range resp.MarketData.rows() {
		rows[issString(r, "SECID")] = r
	}
	return rows, nil
}
