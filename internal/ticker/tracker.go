package ticker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"trade-terminal/internal/stream"
)

type Options struct {
	BaseURL        string
	ReconnectDelay time.Duration
	Dialer         stream.Dialer
	AfterFunc      stream.AfterFunc
	Logger         *zap.Logger
}

type Update struct {
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
}

// Tracker follows the last trade price of one symbol over a dedicated trade connection.
// Changing the symbol drops the old connection and the known price.
type Tracker struct {
	baseURL   string
	dialer    stream.Dialer
	afterFunc stream.AfterFunc
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup

	mu         sync.Mutex
	policy     backoff.BackOff
	symbol     string
	price      decimal.Decimal
	hasPrice   bool
	conn       stream.Conn
	connCancel context.CancelFunc
	gen        uint64
	timer      stream.Timer
	closed     bool
	nextID     uint64
	listeners  map[uint64]func(Update)
}

func New(opts Options) *Tracker {
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = stream.DefaultReconnectDelay
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = stream.WebsocketDialer{}
	}
	afterFunc := opts.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, fn func()) stream.Timer {
			return time.AfterFunc(d, fn)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		baseURL:   opts.BaseURL,
		dialer:    dialer,
		afterFunc: afterFunc,
		logger:    logger.Named("ticker"),
		ctx:       ctx,
		cancel:    cancel,
		policy:    backoff.NewConstantBackOff(delay),
		listeners: make(map[uint64]func(Update)),
	}
}

// SetSymbol switches tracking to symbol. Setting the current symbol again is a no-op.
func (t *Tracker) SetSymbol(symbol string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var closing stream.Conn
	t.mu.Lock()
	if t.closed || symbol == t.symbol {
		t.mu.Unlock()
		return
	}
	closing = t.teardownLocked()
	t.symbol = symbol
	t.hasPrice = false
	t.price = decimal.Zero
	t.policy.Reset()
	if symbol != "" {
		t.openLocked()
	}
	t.mu.Unlock()
	closeConn(closing)
}

func (t *Tracker) Symbol() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.symbol
}

// Price returns the last traded price, or false when none arrived since the symbol was set.
func (t *Tracker) Price() (decimal.Decimal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.price, t.hasPrice
}

// OnPrice registers fn for price updates and returns a function that removes it.
func (t *Tracker) OnPrice(fn func(Update)) func() {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

// Close stops tracking. It is idempotent.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	closing := t.teardownLocked()
	t.listeners = make(map[uint64]func(Update))
	t.mu.Unlock()
	t.cancel()
	closeConn(closing)
}

func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) teardownLocked() stream.Conn {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.connCancel != nil {
		t.connCancel()
		t.connCancel = nil
	}
	conn := t.conn
	t.conn = nil
	return conn
}

func (t *Tracker) openLocked() {
	t.gen++
	gen := t.gen
	url := stream.RawURL(t.baseURL, stream.TradeChannel(t.symbol))
	ctx, cancel := context.WithCancel(t.ctx)
	t.connCancel = cancel
	t.wg.Go(func() {
		t.run(ctx, gen, url)
	})
}

func (t *Tracker) run(ctx context.Context, gen uint64, url string) {
	conn, err := t.dialer.Dial(ctx, url)
	if err != nil {
		t.handleClose(gen, err)
		return
	}
	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.policy.Reset()
	t.mu.Unlock()
	t.logger.Info("ticker_connected", zap.String("url", url))

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(gen, err)
			return
		}
		t.apply(gen, data)
	}
}

func (t *Tracker) apply(gen uint64, data []byte) {
	msg, err := stream.Decode(data)
	if err != nil {
		t.logger.Debug("ticker_decode_failed", zap.Error(err))
		return
	}
	trade, err := msg.Trade()
	if err != nil {
		return
	}
	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		return
	}
	t.price = trade.Price
	t.hasPrice = true
	update := Update{Symbol: t.symbol, Price: trade.Price, Time: trade.Time}
	listeners := make([]func(Update), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(update)
	}
}

func (t *Tracker) handleClose(gen uint64, cause error) {
	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		return
	}
	closing := t.conn
	t.conn = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	delay := t.policy.NextBackOff()
	if delay != backoff.Stop {
		t.timer = t.afterFunc(delay, func() {
			t.reconnect(gen)
		})
	}
	symbol := t.symbol
	t.mu.Unlock()
	closeConn(closing)
	t.logger.Warn("ticker_disconnected",
		zap.String("symbol", symbol),
		zap.Error(cause),
		zap.Duration("reconnect_in", delay),
	)
}

func (t *Tracker) reconnect(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.closed || t.symbol == "" {
		return
	}
	t.timer = nil
	t.openLocked()
}

func closeConn(conn stream.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
