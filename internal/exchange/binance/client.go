package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trade-terminal/internal/config"
	"trade-terminal/internal/core"
)

const (
	pathKlines       = "/klines"
	pathExchangeInfo = "/exchangeInfo"
	pathAccount      = "/account"
	pathOpenOrders   = "/openOrders"
	pathAllOrders    = "/allOrders"
	pathMyTrades     = "/myTrades"
	pathOrder        = "/order"

	defaultKlineLimit = 500
	maxErrorBodyBytes = 1 << 16
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthSigned
)

// Client is the exchange REST gateway. Credentials are passed per call and never stored; the
// secret is only used to sign locally.
type Client struct {
	baseURL    string
	recvWindow time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	now        func() time.Time

	mu          sync.Mutex
	symbolCache map[string]core.SymbolInfo
}

type Options struct {
	RestBaseURL       string
	RecvWindowMs      int64
	HTTPTimeoutSec    int64
	RequestsPerSecond float64
	RequestBurst      int
	Logger            *zap.Logger
	HTTPClient        *http.Client
	Now               func() time.Time
}

func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) *Client {
	return NewClientWithOptions(Options{
		RestBaseURL:       cfg.RestBaseURL,
		RecvWindowMs:      cfg.RecvWindowMs,
		HTTPTimeoutSec:    cfg.HTTPTimeoutSec,
		RequestsPerSecond: cfg.RequestsPerSecond,
		RequestBurst:      cfg.RequestBurst,
		Logger:            logger,
	})
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.RequestBurst
	if burst <= 0 {
		burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.RestBaseURL), "/"),
		recvWindow:  time.Duration(opts.RecvWindowMs) * time.Millisecond,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger.Named("binance"),
		now:         now,
		symbolCache: make(map[string]core.SymbolInfo),
	}
}

func (c *Client) Name() string { return "binance" }

type KlineQuery struct {
	Symbol    string
	Interval  string
	Limit     int
	StartTime time.Time
	EndTime   time.Time
}

// Klines returns the latest limit candles, oldest first.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error) {
	return c.KlineRange(ctx, KlineQuery{Symbol: symbol, Interval: interval, Limit: limit})
}

// KlineRange returns candles oldest first, optionally bounded by open time.
func (c *Client) KlineRange(ctx context.Context, q KlineQuery) ([]core.Kline, error) {
	if strings.TrimSpace(q.Symbol) == "" {
		return nil, core.ErrSymbolRequired
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultKlineLimit
	}
	params := &Params{}
	params.Set("symbol", q.Symbol).Set("interval", q.Interval).Set("limit", strconv.Itoa(limit))
	if !q.StartTime.IsZero() {
		params.Set("startTime", strconv.FormatInt(q.StartTime.UnixMilli(), 10))
	}
	if !q.EndTime.IsZero() {
		params.Set("endTime", strconv.FormatInt(q.EndTime.UnixMilli(), 10))
	}
	body, err := c.doRequest(ctx, http.MethodGet, pathKlines, params, core.Credentials{}, AuthNone)
	if err != nil {
		return nil, genericError(err, "failed to fetch klines")
	}
	return parseKlines(body)
}

// ExchangeInfo lists tradable symbols and refreshes the filter cache. With complete
// credentials the list is narrowed to symbols whose base or quote asset is held; when the
// account lookup fails the full list is returned.
func (c *Client) ExchangeInfo(ctx context.Context, creds core.Credentials) (core.ExchangeInfo, error) {
	var (
		info       core.ExchangeInfo
		infoErr    error
		account    core.Account
		accountErr error
	)
	filterByAccount := creds.Complete()

	var wg conc.WaitGroup
	wg.Go(func() {
		info, infoErr = c.fetchExchangeInfo(ctx, nil)
	})
	if filterByAccount {
		wg.Go(func() {
			account, accountErr = c.AccountInfo(ctx, creds)
		})
	}
	wg.Wait()

	if infoErr != nil {
		return core.ExchangeInfo{}, genericError(infoErr, "failed to fetch exchange info")
	}
	c.cacheSymbols(info.Symbols)
	if !filterByAccount {
		return info, nil
	}
	if accountErr != nil {
		if !core.IsAborted(accountErr) {
			c.logger.Warn("exchange_info_account_filter_failed", zap.Error(accountErr))
		}
		return info, nil
	}
	held := account.HeldAssets()
	filtered := make([]core.SymbolInfo, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		_, base := held[s.BaseAsset]
		_, quote := held[s.QuoteAsset]
		if base || quote {
			filtered = append(filtered, s)
		}
	}
	info.Symbols = filtered
	return info, nil
}

// SymbolInfo returns cached filters for symbol, fetching them on first use.
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return core.SymbolInfo{}, core.ErrSymbolRequired
	}
	c.mu.Lock()
	if info, ok := c.symbolCache[symbol]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	params := &Params{}
	params.Set("symbol", symbol)
	resp, err := c.fetchExchangeInfo(ctx, params)
	if err != nil {
		return core.SymbolInfo{}, genericError(err, "failed to fetch exchange info")
	}
	info, ok := resp.Lookup(symbol)
	if !ok {
		return core.SymbolInfo{}, fmt.Errorf("symbol %s not found", symbol)
	}
	c.cacheSymbols([]core.SymbolInfo{info})
	return info, nil
}

// InvalidateSymbol drops cached filters so the next lookup refetches them.
func (c *Client) InvalidateSymbol(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.symbolCache, strings.ToUpper(strings.TrimSpace(symbol)))
}

func (c *Client) AccountInfo(ctx context.Context, creds core.Credentials) (core.Account, error) {
	if !creds.Complete() {
		return core.Account{}, core.ErrCredentialsMissing
	}
	params := &Params{}
	params.Set("timestamp", c.timestamp())
	body, err := c.doRequest(ctx, http.MethodGet, pathAccount, params, creds, AuthSigned)
	if err != nil {
		return core.Account{}, surfacedError(err, "failed to fetch account info")
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Account{}, err
	}
	return resp.toAccount(), nil
}

// OpenOrders lists open orders for symbol, or across all symbols when symbol is empty.
func (c *Client) OpenOrders(ctx context.Context, creds core.Credentials, symbol string) ([]core.Order, error) {
	if !creds.Complete() {
		return nil, core.ErrCredentialsMissing
	}
	params := &Params{}
	params.Set("timestamp", c.timestamp())
	params.SetIfNotEmpty("symbol", strings.TrimSpace(symbol))
	body, err := c.doRequest(ctx, http.MethodGet, pathOpenOrders, params, creds, AuthSigned)
	if err != nil {
		return nil, surfacedError(err, "failed to fetch open orders")
	}
	return decodeOrders(body)
}

func (c *Client) AllOrders(ctx context.Context, creds core.Credentials, symbol string) ([]core.Order, error) {
	if !creds.Complete() {
		return nil, core.ErrCredentialsMissing
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("fetch order history: %w", core.ErrSymbolRequired)
	}
	params := &Params{}
	params.Set("symbol", symbol).Set("timestamp", c.timestamp())
	body, err := c.doRequest(ctx, http.MethodGet, pathAllOrders, params, creds, AuthSigned)
	if err != nil {
		return nil, surfacedError(err, "failed to fetch order history")
	}
	return decodeOrders(body)
}

func (c *Client) MyTrades(ctx context.Context, creds core.Credentials, symbol string) ([]core.Trade, error) {
	if !creds.Complete() {
		return nil, core.ErrCredentialsMissing
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("fetch trades: %w", core.ErrSymbolRequired)
	}
	params := &Params{}
	params.Set("symbol", symbol).Set("timestamp", c.timestamp())
	body, err := c.doRequest(ctx, http.MethodGet, pathMyTrades, params, creds, AuthSigned)
	if err != nil {
		return nil, surfacedError(err, "failed to fetch trades")
	}
	var resp []tradeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	trades := make([]core.Trade, 0, len(resp))
	for _, tr := range resp {
		trades = append(trades, tr.toTrade())
	}
	return trades, nil
}

// PlaceOrder submits a new order. Price is sent only for limit types, stopPrice only for
// stop and take-profit types, and LIMIT orders default to GTC.
func (c *Client) PlaceOrder(ctx context.Context, creds core.Credentials, order core.CandidateOrder) (core.Order, error) {
	if !creds.Complete() {
		return core.Order{}, core.ErrCredentialsMissing
	}
	symbol := strings.ToUpper(strings.TrimSpace(order.Symbol))
	if symbol == "" {
		return core.Order{}, core.ErrSymbolRequired
	}
	orderType := order.Type.ExchangeType()
	timeInForce := order.TimeInForce
	if timeInForce == "" && orderType == core.Limit {
		timeInForce = core.GTC
	}

	params := &Params{}
	params.Set("symbol", symbol).
		Set("side", string(order.Side)).
		Set("type", string(orderType)).
		Set("quantity", order.Quantity.String()).
		Set("timestamp", c.timestamp())
	if orderType.IsLimit() && order.Price.Sign() > 0 {
		params.Set("price", order.Price.String())
	}
	if orderType.NeedsStopPrice() && order.StopPrice.Sign() > 0 {
		params.Set("stopPrice", order.StopPrice.String())
	}
	if orderType.IsLimit() && timeInForce != "" {
		params.Set("timeInForce", string(timeInForce))
	}
	params.Set("newClientOrderId", newClientOrderID())

	body, err := c.doRequest(ctx, http.MethodPost, pathOrder, params, creds, AuthSigned)
	if err != nil {
		return core.Order{}, surfacedError(err, "order failed")
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}
	placed := resp.toOrder()
	if placed.ClientID == "" {
		placed.ClientID = params.Get("newClientOrderId")
	}
	c.logger.Info("order_placed",
		zap.String("symbol", placed.Symbol),
		zap.String("side", string(placed.Side)),
		zap.String("type", string(placed.Type)),
		zap.String("order_id", placed.ID),
		zap.String("client_id", placed.ClientID),
	)
	return placed, nil
}

func (c *Client) fetchExchangeInfo(ctx context.Context, params *Params) (core.ExchangeInfo, error) {
	body, err := c.doRequest(ctx, http.MethodGet, pathExchangeInfo, params, core.Credentials{}, AuthNone)
	if err != nil {
		return core.ExchangeInfo{}, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.ExchangeInfo{}, err
	}
	info := core.ExchangeInfo{
		Timezone: resp.Timezone,
		Symbols:  make([]core.SymbolInfo, 0, len(resp.Symbols)),
	}
	if resp.ServerTime > 0 {
		info.ServerTime = time.UnixMilli(resp.ServerTime)
	}
	for _, s := range resp.Symbols {
		info.Symbols = append(info.Symbols, parseSymbolInfo(s))
	}
	return info, nil
}

func (c *Client) cacheSymbols(symbols []core.SymbolInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		c.symbolCache[s.Symbol] = s
	}
}

func (c *Client) timestamp() string {
	return strconv.FormatInt(c.now().UnixMilli(), 10)
}

func (c *Client) doRequest(ctx context.Context, method, path string, params *Params, creds core.Credentials, auth AuthType) ([]byte, error) {
	if params == nil {
		params = &Params{}
	}
	query := params.Encode()
	if auth == AuthSigned {
		if !creds.Complete() {
			return nil, core.ErrCredentialsMissing
		}
		if c.recvWindow > 0 && !params.Has("recvWindow") {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		signed, err := Sign(params, creds.SecretKey)
		if err != nil {
			return nil, err
		}
		query = signed
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if query != "" {
			urlStr += "?" + query
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(query))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", creds.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		c.logger.Debug("request_failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func decodeOrders(body []byte) ([]core.Order, error) {
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(resp))
	for _, ord := range resp {
		orders = append(orders, ord.toOrder())
	}
	return orders, nil
}

func parseAPIError(status int, body []byte) error {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && (apiErr.Msg != "" || apiErr.Code != 0) {
		return wrapAPIError(status, apiErr.Code, apiErr.Msg)
	}
	return APIError{Status: status}
}

// surfacedError keeps the exchange message when there is one and falls back to a fixed text.
func surfacedError(err error, fallback string) error {
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Msg != "" {
		return err
	}
	apiErr.Msg = fallback
	return apiErr
}

// genericError replaces any exchange message with a fixed text. Transport and cancellation
// errors pass through.
func genericError(err error, fallback string) error {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return err
	}
	return APIError{Status: apiErr.Status, Msg: fallback}
}

func newClientOrderID() string {
	return "tt-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}
