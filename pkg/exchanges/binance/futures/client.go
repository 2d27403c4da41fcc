package futures

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"grid-core/pkg/cache"
	"grid-core/pkg/exchange"
	"grid-core/pkg/logger"
)

var log = logger.Component("binance")

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client talks to Binance USDT-M futures in hedge mode and implements
// exchange.Gateway. Requests are paced by a weight-based limiter so a burst
// of reconcile calls cannot trip the ban threshold.
type Client struct {
	cfg        Config
	baseURL    string
	wsBaseURL  string
	httpClient *http.Client
	limiter    *rate.Limiter
	timeSync   *exchange.TimeSync
	filters    *cache.TTL[exchange.SymbolFilters]
}

func NewClient(cfg Config) *Client {
	base := "https://fapi.binance.com"
	wsBase := "wss://fstream.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
		wsBase = "wss://stream.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		wsBaseURL:  wsBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// 2400 weight/min; leave headroom for the user stream keepalive.
		limiter: rate.NewLimiter(rate.Limit(30), 60),
		filters: cache.NewTTL[exchange.SymbolFilters](time.Hour),
	}
	c.timeSync = exchange.NewTimeSync(c.serverTime)
	return c
}

// TimeSync exposes the client's clock synchronizer for startup wiring.
func (c *Client) TimeSync() *exchange.TimeSync { return c.timeSync }

// EnableHedgeMode switches the account to dual position side. Binance returns
// an error when the mode is already set; that case is not a failure.
func (c *Client) EnableHedgeMode(ctx context.Context) error {
	params := url.Values{}
	params.Set("dualSidePosition", "true")
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params)
	var apiErr *requestError
	if errors.As(err, &apiErr) && apiErr.code == -4059 { // no need to change position side
		return nil
	}
	return err
}

// MarkPrice returns the current mark price.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/premiumIndex?symbol="+symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", exchange.ErrUnavailable, err)
	}
	var resp premiumIndexResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode mark price: %w", err)
	}
	price := parseFloat(resp.MarkPrice)
	if price <= 0 {
		return 0, fmt.Errorf("%w: zero mark price for %s", exchange.ErrUnavailable, symbol)
	}
	return price, nil
}

// Position returns the hedge-mode leg for one side.
func (c *Client) Position(ctx context.Context, symbol string, side exchange.PositionSide) (exchange.PositionInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return exchange.PositionInfo{}, fmt.Errorf("%w: %v", exchange.ErrUnavailable, err)
	}
	var positions []positionRisk
	if err := json.Unmarshal(body, &positions); err != nil {
		return exchange.PositionInfo{}, fmt.Errorf("decode positions: %w", err)
	}
	for _, p := range positions {
		if p.PositionSide != string(side) {
			continue
		}
		qty := parseFloat(p.PositionAmt)
		if qty < 0 {
			qty = -qty
		}
		return exchange.PositionInfo{
			Symbol:           symbol,
			Side:             side,
			Quantity:         qty,
			AvgPrice:         parseFloat(p.EntryPrice),
			LiquidationPrice: parseFloat(p.LiquidationPrice),
		}, nil
	}
	return exchange.PositionInfo{Symbol: symbol, Side: side}, nil
}

// SubmitOrder places a hedge-mode order.
func (c *Client) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("positionSide", string(req.PositionSide))
	params.Set("type", string(req.Type))
	params.Set("quantity", formatFloat(req.Qty))
	if req.Type == exchange.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = exchange.TIFGTC
		}
		params.Set("timeInForce", string(tif))
	}
	if req.Type == exchange.OrderTypeTakeProfit {
		params.Set("stopPrice", formatFloat(req.StopPrice))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly && req.PositionSide == "" {
		// In hedge mode reduceOnly is implied by positionSide + side; the
		// parameter is only legal in one-way mode.
		params.Set("reduceOnly", "true")
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			switch reqErr.code {
			case codeMarginInsufficient, codeReduceOnlyRejected, codePositionSideNoMatch:
				return exchange.OrderResult{}, fmt.Errorf("%w: %s", exchange.ErrOrderRejected, reqErr.msg)
			}
		}
		return exchange.OrderResult{}, fmt.Errorf("%w: %v", exchange.ErrUnavailable, err)
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return exchange.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientID:        resp.ClientOrderID,
		Status:          mapStatus(resp.Status),
		AvgFillPrice:    parseFloat(resp.AvgPrice),
		FilledQty:       parseFloat(resp.ExecutedQty),
	}, nil
}

// CancelOrder cancels by client order id. An already-gone order maps to
// exchange.ErrOrderNotFound so callers can treat the race as a fill.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	if err == nil {
		return nil
	}
	var reqErr *requestError
	if errors.As(err, &reqErr) && (reqErr.code == codeUnknownOrder || reqErr.code == codeOrderNotExist) {
		return exchange.ErrOrderNotFound
	}
	return fmt.Errorf("%w: %v", exchange.ErrUnavailable, err)
}

// Balance returns available margin, equity and the maintenance margin ratio.
func (c *Client) Balance(ctx context.Context) (exchange.BalanceSnapshot, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/account", url.Values{})
	if err != nil {
		return exchange.BalanceSnapshot{}, fmt.Errorf("%w: %v", exchange.ErrUnavailable, err)
	}
	var resp accountResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.BalanceSnapshot{}, fmt.Errorf("decode account: %w", err)
	}
	equity := parseFloat(resp.TotalMarginBalance)
	maint := parseFloat(resp.TotalMaintMargin)
	ratio := 0.0
	if equity > 0 {
		ratio = maint / equity
	}
	return exchange.BalanceSnapshot{
		Available:   parseFloat(resp.AvailableBalance),
		Equity:      equity,
		MarginRatio: ratio,
		FetchedAt:   time.Now(),
	}, nil
}

// RealizedPnL sums the realized pnl of the fills behind one of our orders,
// looked up by client order id. This is the authoritative close pnl; it is
// never estimated locally.
func (c *Client) RealizedPnL(ctx context.Context, symbol, clientID string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", exchange.ErrUnavailable, err)
	}
	var ord orderResp
	if err := json.Unmarshal(body, &ord); err != nil {
		return 0, fmt.Errorf("decode order lookup: %w", err)
	}

	params = url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(ord.OrderID, 10))
	body, err = c.doSigned(ctx, http.MethodGet, "/fapi/v1/userTrades", params)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", exchange.ErrUnavailable, err)
	}
	var trades []userTrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return 0, fmt.Errorf("decode trades: %w", err)
	}
	total := 0.0
	for _, t := range trades {
		total += parseFloat(t.RealizedPnl)
	}
	return total, nil
}

// Filters returns tick/step/min constraints for a symbol, cached for an hour.
func (c *Client) Filters(ctx context.Context, symbol string) (exchange.SymbolFilters, error) {
	if f, ok := c.filters.Get(symbol); ok {
		return f, nil
	}
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo")
	if err != nil {
		return exchange.SymbolFilters{}, fmt.Errorf("%w: %v", exchange.ErrUnavailable, err)
	}
	var resp exchangeInfoResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.SymbolFilters{}, fmt.Errorf("decode exchange info: %w", err)
	}
	var found exchange.SymbolFilters
	for _, s := range resp.Symbols {
		f := exchange.SymbolFilters{}
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "PRICE_FILTER":
				f.TickSize = parseFloat(flt.TickSize)
			case "LOT_SIZE":
				f.StepSize = parseFloat(flt.StepSize)
				f.MinQty = parseFloat(flt.MinQty)
			case "MIN_NOTIONAL":
				f.MinNotional = parseFloat(flt.MinNotional)
			}
		}
		c.filters.Set(s.Symbol, f)
		if s.Symbol == symbol {
			found = f
		}
	}
	if found == (exchange.SymbolFilters{}) {
		return found, fmt.Errorf("symbol %s not in exchange info", symbol)
	}
	return found, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// CreateListenKey opens a user data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("create listen key status %d: %s", res.StatusCode, string(b))
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends the listen key's life.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/fapi/v1/listenKey?listenKey="+listenKey, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("keepalive listen key status %d: %s", res.StatusCode, string(b))
	}
	return nil
}

func (c *Client) serverTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time")
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// requestError carries the Binance error code through the error chain.
type requestError struct {
	status int
	code   int
	msg    string
}

func (e *requestError) Error() string {
	return fmt.Sprintf("binance status %d code %d: %s", e.status, e.code, e.msg)
}

func (c *Client) doPublic(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errors.New("binance futures: API key/secret required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))
	encoded := params.Encode()

	var req *http.Request
	var err error
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if used := res.Header.Get("X-MBX-USED-WEIGHT-1M"); used != "" {
		if w, perr := strconv.Atoi(used); perr == nil && w > 2000 {
			log.WithField("used_weight", w).Warn("approaching binance weight limit")
		}
	}

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		if apiErr, ok := decodeAPIError(body); ok {
			return nil, &requestError{status: res.StatusCode, code: apiErr.Code, msg: apiErr.Msg}
		}
		return nil, fmt.Errorf("binance %s %s status %d: %s", req.Method, req.URL.Path, res.StatusCode, string(body))
	}
	return body, nil
}
