package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"trade-terminal/internal/alert"
	"trade-terminal/internal/candles"
	"trade-terminal/internal/core"
	"trade-terminal/internal/exchange"
	"trade-terminal/internal/portfolio"
	"trade-terminal/internal/store"
	"trade-terminal/internal/stream"
	"trade-terminal/internal/ticker"
)

// FilterMaxOrderNotional names the locally configured order value cap in validation errors.
const FilterMaxOrderNotional core.FilterType = "MAX_ORDER_NOTIONAL"

// Streams is the shared market-data connection.
type Streams interface {
	ReplaceStreams(remove, add []stream.Channel) error
	Subscribe(handler stream.Handler, channels ...stream.Channel) func()
	SubscribeStatus(fn stream.StatusFunc) func()
	StreamsKey() string
}

// PriceSource tracks the last traded price of the selected symbol.
type PriceSource interface {
	SetSymbol(symbol string)
	Price() (decimal.Decimal, bool)
	OnPrice(fn func(ticker.Update)) func()
}

type StatusStore interface {
	SaveRuntimeStatus(status store.RuntimeStatus) error
}

// Hooks receive session updates. Any of them may be nil. They run on stream and polling
// goroutines and must not block.
type Hooks struct {
	OnCandle     func(symbol, interval string, candle core.Kline)
	OnPrice      func(update ticker.Update)
	OnStatus     func(connected bool)
	OnAccount    func(account core.Account)
	OnOpenOrders func(orders []core.Order)
	OnTrades     func(trades []core.Trade)
	OnPosition   func(position portfolio.Position)
}

type Options struct {
	Mode         string
	InstanceID   string
	Symbol       string
	Interval     string
	HistoryLimit int
	Credentials  core.Credentials
	MaxNotional  decimal.Decimal
	KnownQuotes  []string

	AccountEvery    time.Duration
	OpenOrdersEvery time.Duration
	TradesEvery     time.Duration

	Gateway exchange.Gateway
	Streams Streams
	Prices  PriceSource
	Status  StatusStore
	Alerts  alert.Alerter
	Hooks   Hooks
	Logger  *zap.Logger
	Now     func() time.Time
}

// Terminal is one trading session: the chart of the selected symbol, its tracked price, order
// submission, and account polling.
type Terminal struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	runCtx      context.Context
	startedAt   time.Time
	creds       core.Credentials
	symbol      string
	interval    string
	series      *candles.Series
	chartUnsub  func()
	chartChans  []stream.Channel
	chartCancel context.CancelFunc
	symbolInfo  core.SymbolInfo

	account    core.Account
	hasAccount bool
	openOrders []core.Order
	trades     []core.Trade

	pollGen    uint64
	pollCancel context.CancelFunc
	pollWG     conc.WaitGroup
	ordersKick chan struct{}
	tradesKick chan struct{}

	connected      bool
	wasConnected   bool
	disconnectedAt time.Time
	reconnects     int
	lastErr        string

	statusUnsub func()
	priceUnsub  func()
	stopped     bool
}

func NewTerminal(opts Options) (*Terminal, error) {
	if opts.Gateway == nil {
		return nil, errors.New("gateway required")
	}
	if opts.Streams == nil {
		return nil, errors.New("streams required")
	}
	if opts.Prices == nil {
		return nil, errors.New("price source required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Mode == "" {
		opts.Mode = "testnet"
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "default"
	}
	if opts.Interval == "" {
		opts.Interval = "1m"
	}
	return &Terminal{
		opts:       opts,
		logger:     opts.Logger.Named("terminal"),
		now:        opts.Now,
		creds:      opts.Credentials,
		ordersKick: make(chan struct{}, 1),
		tradesKick: make(chan struct{}, 1),
	}, nil
}

// Start subscribes to connectivity and prices, opens the initial chart, and starts polling
// when credentials are complete. A chart history failure is returned but leaves the session
// running.
func (t *Terminal) Start(ctx context.Context) error {
	t.mu.Lock()
	t.runCtx = ctx
	t.startedAt = t.now().UTC()
	t.mu.Unlock()
	t.persistStatus("starting")

	statusUnsub := t.opts.Streams.SubscribeStatus(t.onStatus)
	priceUnsub := t.opts.Prices.OnPrice(t.onPrice)
	t.mu.Lock()
	t.statusUnsub = statusUnsub
	t.priceUnsub = priceUnsub
	t.mu.Unlock()

	err := t.WatchChart(ctx, t.opts.Symbol, t.opts.Interval)
	t.mu.Lock()
	if t.pollCancel == nil {
		t.restartPollingLocked()
	}
	t.mu.Unlock()
	t.persistStatus("running")
	return err
}

// Stop ends polling and detaches from the stream and price source. It does not shut them down.
func (t *Terminal) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	if t.pollCancel != nil {
		t.pollCancel()
		t.pollCancel = nil
	}
	if t.chartCancel != nil {
		t.chartCancel()
		t.chartCancel = nil
	}
	unsubs := []func(){t.statusUnsub, t.priceUnsub, t.chartUnsub}
	t.chartUnsub = nil
	t.mu.Unlock()

	for _, fn := range unsubs {
		if fn != nil {
			fn()
		}
	}
	t.pollWG.Wait()
	t.persistStatus("stopped")
}

// WatchChart switches the chart to symbol and interval: it replaces the stream subscription,
// points the price tracker at symbol, and loads history. Watching the current chart again is a
// no-op.
func (t *Terminal) WatchChart(ctx context.Context, symbol, interval string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	interval = strings.TrimSpace(interval)
	if symbol == "" {
		return core.ErrSymbolRequired
	}
	if interval == "" {
		interval = t.opts.Interval
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return errors.New("terminal stopped")
	}
	if t.series != nil && t.symbol == symbol && t.interval == interval {
		t.mu.Unlock()
		return nil
	}
	symbolChanged := t.symbol != symbol
	oldUnsub, oldChans := t.chartUnsub, t.chartChans
	if t.chartCancel != nil {
		t.chartCancel()
	}
	series := candles.NewSeries(symbol, interval, t.opts.HistoryLimit)
	chans := []stream.Channel{stream.TradeChannel(symbol), stream.KlineChannel(symbol, interval)}
	loadCtx, cancel := context.WithCancel(ctx)
	t.symbol = symbol
	t.interval = interval
	t.series = series
	t.chartChans = chans
	t.chartCancel = cancel
	t.chartUnsub = t.opts.Streams.Subscribe(t.chartHandler(series), chans...)
	if symbolChanged {
		t.symbolInfo = core.SymbolInfo{}
		t.openOrders = nil
		t.trades = nil
		t.restartPollingLocked()
	}
	t.mu.Unlock()

	if oldUnsub != nil {
		oldUnsub()
	}
	if err := t.opts.Streams.ReplaceStreams(channelsNotIn(oldChans, chans), chans); err != nil {
		return err
	}
	if symbolChanged {
		t.opts.Prices.SetSymbol(symbol)
		if tagged, ok := t.opts.Alerts.(interface{ SetSymbol(string) }); ok {
			tagged.SetSymbol(symbol)
		}
	}
	t.logger.Info("chart_watch", zap.String("symbol", symbol), zap.String("interval", interval))

	if err := series.Load(loadCtx, t.opts.Gateway); err != nil {
		if core.IsAborted(err) {
			return nil
		}
		t.logger.Warn("chart_history_failed", zap.String("symbol", symbol), zap.Error(err))
		t.recordError(err)
		return err
	}
	if symbolChanged {
		t.refreshSymbolInfo(loadCtx, symbol)
	}
	return nil
}

func channelsNotIn(list, keep []stream.Channel) []stream.Channel {
	var out []stream.Channel
	for _, c := range list {
		found := false
		for _, k := range keep {
			if c == k {
				found = true
				break
			}
		}
		if !found {
			out = append(out, c)
		}
	}
	return out
}

func (t *Terminal) refreshSymbolInfo(ctx context.Context, symbol string) {
	info, err := t.opts.Gateway.SymbolInfo(ctx, symbol)
	if err != nil {
		if !core.IsAborted(err) {
			t.logger.Warn("symbol_info_failed", zap.String("symbol", symbol), zap.Error(err))
		}
		return
	}
	t.mu.Lock()
	if t.symbol == symbol && ctx.Err() == nil {
		t.symbolInfo = info
	}
	t.mu.Unlock()
}

func (t *Terminal) chartHandler(series *candles.Series) stream.Handler {
	return func(msg stream.Message) {
		var (
			candle core.Kline
			ok     bool
		)
		switch msg.Event {
		case "kline":
			ev, err := msg.Kline()
			if err != nil {
				t.logger.Debug("kline_decode_failed", zap.Error(err))
				return
			}
			if ev.Interval != series.Interval() {
				return
			}
			price, hasPrice := t.opts.Prices.Price()
			candle, ok = series.ApplyKline(ev.Kline, price, hasPrice), true
		case "trade":
			tr, err := msg.Trade()
			if err != nil {
				t.logger.Debug("trade_decode_failed", zap.Error(err))
				return
			}
			candle, ok = series.ApplyTrade(tr.Price)
		}
		if ok && t.opts.Hooks.OnCandle != nil {
			t.opts.Hooks.OnCandle(series.Symbol(), series.Interval(), candle)
		}
	}
}

func (t *Terminal) onPrice(u ticker.Update) {
	if t.opts.Hooks.OnPrice != nil {
		t.opts.Hooks.OnPrice(u)
	}
	t.emitPosition()
}

func (t *Terminal) onStatus(connected bool) {
	t.mu.Lock()
	if t.stopped || (connected == t.connected && t.wasConnected) {
		t.mu.Unlock()
		return
	}
	now := t.now().UTC()
	var (
		event  string
		fields map[string]string
		state  = "running"
	)
	switch {
	case connected:
		if !t.disconnectedAt.IsZero() {
			t.reconnects++
			event = "stream_reconnected"
			fields = map[string]string{
				"down_duration": now.Sub(t.disconnectedAt).Round(time.Second).String(),
				"reconnects":    strconv.Itoa(t.reconnects),
			}
			t.disconnectedAt = time.Time{}
		}
		t.wasConnected = true
	case t.wasConnected:
		t.disconnectedAt = now
		event = "stream_disconnected"
		state = "disconnected"
		fields = map[string]string{"streams_key": t.opts.Streams.StreamsKey()}
	default:
		state = "connecting"
	}
	t.connected = connected
	t.mu.Unlock()

	if event != "" {
		t.logger.Warn(event, zap.Any("fields", fields))
		if t.opts.Alerts != nil {
			t.opts.Alerts.Important(event, fields)
		}
	}
	if t.opts.Hooks.OnStatus != nil {
		t.opts.Hooks.OnStatus(connected)
	}
	t.persistStatus(state)
}

// SetCredentials replaces the session credentials and restarts polling with them.
func (t *Terminal) SetCredentials(creds core.Credentials) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.creds = core.Credentials{
		APIKey:    strings.TrimSpace(creds.APIKey),
		SecretKey: strings.TrimSpace(creds.SecretKey),
	}
	t.account = core.Account{}
	t.hasAccount = false
	t.openOrders = nil
	t.trades = nil
	t.restartPollingLocked()
	t.logger.Info("credentials_set", zap.String("api_key", t.creds.MaskedKey()), zap.Bool("complete", t.creds.Complete()))
}

func (t *Terminal) Credentials() core.Credentials {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creds
}

// SubmitOrder runs entry checks, the symbol's exchange filters, and the local notional cap,
// then places the order. Market orders are valued at the tracked last price.
func (t *Terminal) SubmitOrder(ctx context.Context, order core.CandidateOrder) (core.Order, error) {
	t.mu.Lock()
	creds := t.creds
	if strings.TrimSpace(order.Symbol) == "" {
		order.Symbol = t.symbol
	}
	trackedSymbol := t.symbol
	t.mu.Unlock()
	order.Symbol = strings.ToUpper(strings.TrimSpace(order.Symbol))

	if err := core.CheckEntry(order); err != nil {
		return core.Order{}, err
	}
	if !creds.Complete() {
		return core.Order{}, core.ErrCredentialsMissing
	}
	info, err := t.opts.Gateway.SymbolInfo(ctx, order.Symbol)
	if err != nil {
		return core.Order{}, fmt.Errorf("load %s filters: %w", order.Symbol, err)
	}

	price := order.Price
	if !order.Type.IsLimit() {
		price = decimal.Zero
		if order.Symbol == trackedSymbol {
			if last, ok := t.opts.Prices.Price(); ok {
				price = last
			}
		}
	}
	if err := core.ValidateOrder(info.Filters, order.Type, order.Quantity, price); err != nil {
		return core.Order{}, err
	}
	if max := t.opts.MaxNotional; max.Sign() > 0 {
		if value := order.Quantity.Mul(price); value.GreaterThan(max) {
			return core.Order{}, &core.ValidationError{
				Filter: FilterMaxOrderNotional,
				Reason: fmt.Sprintf("Order value too large. Max: %s%s", max, quoteSuffix(info.Filters.QuoteAsset)),
			}
		}
	}

	placed, err := t.opts.Gateway.PlaceOrder(ctx, creds, order)
	if err != nil {
		if core.IsAborted(err) {
			return core.Order{}, err
		}
		kind := submitErrorKind(err)
		if errors.Is(err, core.ErrOrderRejected) {
			if cache, ok := t.opts.Gateway.(exchange.SymbolCache); ok {
				cache.InvalidateSymbol(order.Symbol)
			}
		}
		t.logger.Warn("order_submit_failed",
			zap.String("symbol", order.Symbol),
			zap.String("side", string(order.Side)),
			zap.String("type", string(order.Type)),
			zap.String("kind", kind),
			zap.Error(err),
		)
		if t.opts.Alerts != nil {
			t.opts.Alerts.Important("order_submit_failed", map[string]string{
				"symbol": order.Symbol,
				"side":   string(order.Side),
				"type":   string(order.Type),
				"kind":   kind,
				"reason": err.Error(),
			})
		}
		return core.Order{}, err
	}
	t.logger.Info("order_submitted",
		zap.String("symbol", placed.Symbol),
		zap.String("order_id", placed.ID),
		zap.String("status", string(placed.Status)),
	)
	for _, kick := range []chan struct{}{t.ordersKick, t.tradesKick} {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
	return placed, nil
}

func submitErrorKind(err error) string {
	switch {
	case errors.Is(err, core.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, core.ErrFilterFailure):
		return "filter_failure"
	case errors.Is(err, core.ErrOrderRejected):
		return "rejected"
	}
	return "request_failed"
}

func quoteSuffix(quote string) string {
	if quote == "" {
		return ""
	}
	return " " + quote
}

func (t *Terminal) Symbol() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.symbol
}

func (t *Terminal) Interval() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Series returns the current chart, or nil before the first WatchChart.
func (t *Terminal) Series() *candles.Series {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.series
}

func (t *Terminal) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Terminal) Account() (core.Account, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.account, t.hasAccount
}

func (t *Terminal) OpenOrders() []core.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.Order(nil), t.openOrders...)
}

func (t *Terminal) Trades() []core.Trade {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.Trade(nil), t.trades...)
}

// Position summarises the selected symbol from the last polled account and trades.
func (t *Terminal) Position() (portfolio.Position, bool) {
	t.mu.Lock()
	symbol, info := t.symbol, t.symbolInfo
	account, hasAccount := t.account, t.hasAccount
	trades := append([]core.Trade(nil), t.trades...)
	t.mu.Unlock()
	if !hasAccount || symbol == "" {
		return portfolio.Position{}, false
	}
	base := portfolio.BaseAsset(symbol, info, t.opts.KnownQuotes)
	last, _ := t.opts.Prices.Price()
	return portfolio.Summarize(symbol, base, account, trades, last)
}

func (t *Terminal) emitPosition() {
	if t.opts.Hooks.OnPosition == nil {
		return
	}
	if pos, ok := t.Position(); ok {
		t.opts.Hooks.OnPosition(pos)
	}
}

func (t *Terminal) recordError(err error) {
	t.mu.Lock()
	t.lastErr = err.Error()
	t.mu.Unlock()
}

func (t *Terminal) persistStatus(state string) {
	if t.opts.Status == nil {
		return
	}
	t.mu.Lock()
	status := store.RuntimeStatus{
		Mode:       t.opts.Mode,
		Symbol:     t.symbol,
		Interval:   t.interval,
		InstanceID: t.opts.InstanceID,
		PID:        os.Getpid(),
		State:      state,
		Connected:  t.connected,
		StartedAt:  t.startedAt,
		UpdatedAt:  t.now().UTC(),
		LastError:  t.lastErr,
		Reconnects: t.reconnects,
	}
	if !t.disconnectedAt.IsZero() {
		at := t.disconnectedAt
		status.DisconnectedAt = &at
	}
	t.mu.Unlock()
	status.StreamsKey = t.opts.Streams.StreamsKey()
	if err := t.opts.Status.SaveRuntimeStatus(status); err != nil {
		t.logger.Warn("runtime_status_write_failed", zap.Error(err))
	}
}
