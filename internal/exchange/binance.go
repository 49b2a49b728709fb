package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"position_bot/internal/models"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const defaultBinanceURL = "https://api.binance.com"

type BinanceConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Timeout    time.Duration
	RecvWindow int
}

// Binance is a spot REST client. It has no positions endpoint: spot holdings
// are balances.
type Binance struct {
	http      *resty.Client
	apiKey    string
	apiSecret string
	recv      int

	mu     sync.RWMutex
	minQty map[string]float64
}

var _ Client = (*Binance)(nil)

func NewBinance(cfg BinanceConfig) *Binance {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBinanceURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}

	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Accept", "application/json")
	client.SetJSONMarshaler(sonic.Marshal)
	client.SetJSONUnmarshaler(sonic.Unmarshal)

	return &Binance{
		http:      client,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		recv:      cfg.RecvWindow,
		minQty:    make(map[string]float64),
	}
}

func (b *Binance) Name() string { return "binance" }

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type binanceTicker struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type binanceAccount struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type binanceOrder struct {
	OrderID             int64         `json:"orderId"`
	Symbol              string        `json:"symbol"`
	Status              string        `json:"status"`
	Side                string        `json:"side"`
	OrigQty             string        `json:"origQty"`
	ExecutedQty         string        `json:"executedQty"`
	CummulativeQuoteQty string        `json:"cummulativeQuoteQty"`
	TransactTime        int64         `json:"transactTime"`
	Fills               []binanceFill `json:"fills"`
}

type binanceFill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

type orderFee struct {
	fee     float64
	asset   string
	baseFee float64
}

// convertFees prices commission charged in the base asset at its fill price.
// Commission in a third asset (BNB) is summed in that asset and reported
// unconverted.
func convertFees(fills []binanceFill, symbol string) orderFee {
	base, quote := models.SplitSymbol(symbol)
	inQuote, inBase, other := decimal.Zero, decimal.Zero, decimal.Zero
	var otherAsset, asset string
	for _, f := range fills {
		c, err := decimal.NewFromString(f.Commission)
		if err != nil || c.IsZero() {
			continue
		}
		switch {
		case strings.EqualFold(f.CommissionAsset, quote):
			inQuote = inQuote.Add(c)
		case strings.EqualFold(f.CommissionAsset, base):
			px, _ := decimal.NewFromString(f.Price)
			inBase = inBase.Add(c)
			inQuote = inQuote.Add(c.Mul(px))
		default:
			other = other.Add(c)
			otherAsset = f.CommissionAsset
		}
		if asset == "" {
			asset = f.CommissionAsset
		}
	}
	if other.IsPositive() {
		return orderFee{fee: other.InexactFloat64(), asset: otherAsset}
	}
	return orderFee{fee: inQuote.InexactFloat64(), asset: asset, baseFee: inBase.InexactFloat64()}
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			MinQty     string `json:"minQty"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (b *Binance) GetTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	var out binanceTicker
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", MarketSymbol(symbol)).
		SetResult(&out).
		SetError(&binanceError{}).
		Get("/api/v3/ticker/price")
	if err := b.check("get_ticker", resp, err); err != nil {
		return models.Ticker{}, err
	}

	last, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return models.Ticker{}, &Error{Kind: KindFatal, Op: "get_ticker", Err: err}
	}
	return models.Ticker{Symbol: symbol, Last: last, Time: time.Now()}, nil
}

// RecentCloses returns the close prices of the last limit klines of
// interval (1m, 5m, 1h, ...), oldest first.
func (b *Binance) RecentCloses(ctx context.Context, symbol, interval string, limit int) ([]float64, error) {
	var rows [][]any
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   MarketSymbol(symbol),
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&rows).
		SetError(&binanceError{}).
		Get("/api/v3/klines")
	if err := b.check("get_klines", resp, err); err != nil {
		return nil, err
	}

	closes := make([]float64, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			return nil, &Error{Kind: KindFatal, Op: "get_klines", Err: fmt.Errorf("short kline row: %v", row)}
		}
		raw, _ := row[4].(string)
		px, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, &Error{Kind: KindFatal, Op: "get_klines", Err: err}
		}
		closes = append(closes, px)
	}
	return closes, nil
}

func (b *Binance) GetBalance(ctx context.Context) (models.Balance, error) {
	var out binanceAccount
	req, query := b.signed(ctx, url.Values{})
	resp, err := req.
		SetResult(&out).
		Get("/api/v3/account?" + query)
	if err := b.check("get_balance", resp, err); err != nil {
		return models.Balance{}, err
	}

	bal := models.Balance{
		Free:  make(map[string]float64, len(out.Balances)),
		Used:  make(map[string]float64, len(out.Balances)),
		Total: make(map[string]float64, len(out.Balances)),
	}
	for _, a := range out.Balances {
		free, _ := strconv.ParseFloat(a.Free, 64)
		locked, _ := strconv.ParseFloat(a.Locked, 64)
		bal.Free[a.Asset] = free
		bal.Used[a.Asset] = locked
		bal.Total[a.Asset] = free + locked
	}
	return bal, nil
}

func (b *Binance) CreateMarketBuyOrder(ctx context.Context, symbol string, amount float64) (*models.Order, error) {
	return b.marketOrder(ctx, symbol, models.OrderBuy, amount)
}

func (b *Binance) CreateMarketSellOrder(ctx context.Context, symbol string, amount float64) (*models.Order, error) {
	return b.marketOrder(ctx, symbol, models.OrderSell, amount)
}

func (b *Binance) marketOrder(ctx context.Context, symbol string, side models.OrderSide, amount float64) (*models.Order, error) {
	op := "market_" + string(side)
	params := url.Values{}
	params.Set("symbol", MarketSymbol(symbol))
	params.Set("side", map[models.OrderSide]string{models.OrderBuy: "BUY", models.OrderSell: "SELL"}[side])
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(amount, 'f', -1, 64))
	params.Set("newOrderRespType", "FULL")

	var out binanceOrder
	req, query := b.signed(ctx, params)
	resp, err := req.
		SetResult(&out).
		Post("/api/v3/order?" + query)
	if err := b.check(op, resp, err); err != nil {
		return nil, err
	}

	filled, _ := strconv.ParseFloat(out.ExecutedQty, 64)
	cost, _ := strconv.ParseFloat(out.CummulativeQuoteQty, 64)
	fee := convertFees(out.Fills, symbol)
	price := 0.0
	if filled > 0 {
		price = cost / filled
	}

	return &models.Order{
		ID:        strconv.FormatInt(out.OrderID, 10),
		Symbol:    symbol,
		Side:      side,
		Type:      models.OrderTypeMarket,
		Amount:    amount,
		Price:     price,
		Cost:      cost,
		Filled:    filled,
		Fee:       fee.fee,
		FeeAsset:  fee.asset,
		BaseFee:   fee.baseFee,
		Status:    binanceStatus(out.Status),
		Timestamp: time.UnixMilli(out.TransactTime),
	}, nil
}

// GetPositions is not available on spot.
func (b *Binance) GetPositions(context.Context, string) ([]map[string]any, error) {
	return nil, ErrNotSupported
}

// MinOrderQty reads the LOT_SIZE filter once per symbol.
func (b *Binance) MinOrderQty(ctx context.Context, symbol string) (float64, error) {
	ms := MarketSymbol(symbol)
	b.mu.RLock()
	v, ok := b.minQty[ms]
	b.mu.RUnlock()
	if ok {
		return v, nil
	}

	var out binanceExchangeInfo
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", ms).
		SetResult(&out).
		SetError(&binanceError{}).
		Get("/api/v3/exchangeInfo")
	if err := b.check("min_order_qty", resp, err); err != nil {
		return 0, err
	}

	for _, s := range out.Symbols {
		if s.Symbol != ms {
			continue
		}
		for _, f := range s.Filters {
			if f.FilterType == "LOT_SIZE" {
				v, _ = strconv.ParseFloat(f.MinQty, 64)
			}
		}
	}
	b.mu.Lock()
	b.minQty[ms] = v
	b.mu.Unlock()
	return v, nil
}

// signed returns the authenticated request and its query string with the
// HMAC-SHA256 signature appended last. The query goes on the URL verbatim so
// the signed byte sequence is what the exchange receives.
func (b *Binance) signed(ctx context.Context, params url.Values) (*resty.Request, string) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(b.recv))
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req := b.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", b.apiKey).
		SetError(&binanceError{})
	return req, query
}

func (b *Binance) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return &Error{Kind: Classify(err), Op: op, Err: err}
	}
	if !resp.IsError() {
		return nil
	}

	xe := &Error{
		Kind:   statusKind(resp.StatusCode()),
		Op:     op,
		Status: resp.StatusCode(),
		Msg:    resp.String(),
	}
	if be, ok := resp.Error().(*binanceError); ok && be.Code != 0 {
		xe.Code, xe.Msg = be.Code, be.Msg
		// -2010: account has insufficient balance
		if be.Code == -2010 {
			xe.Err = ErrInsufficientBalance
		}
	}
	if ra := resp.Header().Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			xe.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return xe
}

func binanceStatus(s string) string {
	switch s {
	case "FILLED":
		return "closed"
	case "NEW", "PARTIALLY_FILLED":
		return "open"
	case "CANCELED", "EXPIRED", "REJECTED":
		return "canceled"
	}
	return s
}
