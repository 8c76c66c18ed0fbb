package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trade-terminal/internal/core"
	"trade-terminal/internal/portfolio"
	"trade-terminal/internal/store"
	"trade-terminal/internal/stream"
	"trade-terminal/internal/ticker"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testCreds = core.Credentials{APIKey: "key-1-abcdefgh", SecretKey: "secret-1"}

type gatewaySpy struct {
	mu          sync.Mutex
	calls       []string
	info        core.SymbolInfo
	klines      []core.Kline
	placed      []core.CandidateOrder
	placedCreds []core.Credentials
	placeErr    error
	trades      []core.Trade
	account     func(creds core.Credentials) core.Account
	accountGate chan struct{}
	accountIn   chan string
	invalidated []string
}

func (g *gatewaySpy) InvalidateSymbol(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invalidated = append(g.invalidated, symbol)
}

func (g *gatewaySpy) countOf(call string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (g *gatewaySpy) record(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *gatewaySpy) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *gatewaySpy) Name() string { return "spy" }

func (g *gatewaySpy) ExchangeInfo(context.Context, core.Credentials) (core.ExchangeInfo, error) {
	g.record("exchangeInfo")
	return core.ExchangeInfo{Symbols: []core.SymbolInfo{g.info}}, nil
}

func (g *gatewaySpy) SymbolInfo(_ context.Context, symbol string) (core.SymbolInfo, error) {
	g.record("symbolInfo:" + symbol)
	return g.info, nil
}

func (g *gatewaySpy) Klines(_ context.Context, symbol, interval string, _ int) ([]core.Kline, error) {
	g.record("klines:" + symbol + ":" + interval)
	return g.klines, nil
}

func (g *gatewaySpy) AccountInfo(_ context.Context, creds core.Credentials) (core.Account, error) {
	g.record("account")
	if g.accountIn != nil {
		g.accountIn <- creds.APIKey
	}
	if g.accountGate != nil {
		<-g.accountGate
	}
	if g.account != nil {
		return g.account(creds), nil
	}
	return core.Account{}, nil
}

func (g *gatewaySpy) OpenOrders(context.Context, core.Credentials, string) ([]core.Order, error) {
	g.record("openOrders")
	return nil, nil
}

func (g *gatewaySpy) AllOrders(context.Context, core.Credentials, string) ([]core.Order, error) {
	g.record("allOrders")
	return nil, nil
}

func (g *gatewaySpy) MyTrades(context.Context, core.Credentials, string) ([]core.Trade, error) {
	g.record("myTrades")
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]core.Trade(nil), g.trades...), nil
}

func (g *gatewaySpy) PlaceOrder(_ context.Context, creds core.Credentials, order core.CandidateOrder) (core.Order, error) {
	g.record("placeOrder")
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		return core.Order{}, g.placeErr
	}
	g.placed = append(g.placed, order)
	g.placedCreds = append(g.placedCreds, creds)
	return core.Order{ID: "1", Symbol: order.Symbol, Status: core.OrderNew}, nil
}

type streamsSpy struct {
	mu         sync.Mutex
	subscribed map[stream.Channel]int
	removed    []stream.Channel
	replaces   int
	handlers   map[int]streamListener
	nextID     int
	status     []stream.StatusFunc
	connected  bool
}

type streamListener struct {
	handler  stream.Handler
	channels []stream.Channel
}

func newStreamsSpy() *streamsSpy {
	return &streamsSpy{subscribed: map[stream.Channel]int{}, handlers: map[int]streamListener{}}
}

func (s *streamsSpy) ReplaceStreams(remove, add []stream.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaces++
	for _, c := range remove {
		delete(s.subscribed, c)
		s.removed = append(s.removed, c)
	}
	for _, c := range add {
		s.subscribed[c]++
	}
	return nil
}

func (s *streamsSpy) Subscribe(handler stream.Handler, channels ...stream.Channel) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.handlers[id] = streamListener{handler: handler, channels: channels}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

func (s *streamsSpy) SubscribeStatus(fn stream.StatusFunc) func() {
	s.mu.Lock()
	s.status = append(s.status, fn)
	connected := s.connected
	s.mu.Unlock()
	fn(connected)
	return func() {}
}

func (s *streamsSpy) StreamsKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]stream.Channel, 0, len(s.subscribed))
	for c := range s.subscribed {
		list = append(list, c)
	}
	return stream.StreamsKey(list)
}

func (s *streamsSpy) setStatus(connected bool) {
	s.mu.Lock()
	s.connected = connected
	fns := append([]stream.StatusFunc(nil), s.status...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

func (s *streamsSpy) emit(t *testing.T, frame string) {
	t.Helper()
	msg, err := stream.Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	s.mu.Lock()
	var targets []stream.Handler
	for _, l := range s.handlers {
		for _, c := range l.channels {
			if c == msg.Stream {
				targets = append(targets, l.handler)
				break
			}
		}
	}
	s.mu.Unlock()
	for _, h := range targets {
		h(msg)
	}
}

func (s *streamsSpy) has(c stream.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed[c] > 0
}

type pricesSpy struct {
	mu       sync.Mutex
	symbols  []string
	price    decimal.Decimal
	hasPrice bool
}

func (p *pricesSpy) SetSymbol(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbols = append(p.symbols, symbol)
}

func (p *pricesSpy) Price() (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price, p.hasPrice
}

func (p *pricesSpy) OnPrice(func(ticker.Update)) func() { return func() {} }

func (p *pricesSpy) set(price string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = d(price)
	p.hasPrice = true
}

type alertSpy struct {
	mu     sync.Mutex
	events []string
	fields []map[string]string
}

func (a *alertSpy) Important(event string, fields map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.fields = append(a.fields, fields)
}

type statusSpy struct {
	mu   sync.Mutex
	last store.RuntimeStatus
	n    int
}

func (s *statusSpy) SaveRuntimeStatus(status store.RuntimeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = status
	s.n++
	return nil
}

func testKlines() []core.Kline {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []core.Kline{
		{OpenTime: base, Open: d("100"), High: d("101"), Low: d("99"), Close: d("100")},
		{OpenTime: base.Add(time.Minute), Open: d("100"), High: d("102"), Low: d("99"), Close: d("101")},
	}
}

func btcInfo() core.SymbolInfo {
	return core.SymbolInfo{
		Symbol:     "BTCUSDT",
		BaseAsset:  "BTC",
		QuoteAsset: "USDT",
		Filters: core.SymbolFilterSet{
			Symbol:     "BTCUSDT",
			QuoteAsset: "USDT",
			Filters: []core.Filter{
				{Type: core.FilterLotSize, MinQty: d("0.001"), MaxQty: d("100"), StepSize: d("0.001")},
				{Type: core.FilterNotional, MinNotional: d("10")},
			},
		},
	}
}

type fixture struct {
	term    *Terminal
	gateway *gatewaySpy
	streams *streamsSpy
	prices  *pricesSpy
	alerts  *alertSpy
	status  *statusSpy
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		gateway: &gatewaySpy{info: btcInfo(), klines: testKlines()},
		streams: newStreamsSpy(),
		prices:  &pricesSpy{},
		alerts:  &alertSpy{},
		status:  &statusSpy{},
	}
	opts := Options{
		Symbol:   "BTCUSDT",
		Interval: "1m",
		Gateway:  f.gateway,
		Streams:  f.streams,
		Prices:   f.prices,
		Alerts:   f.alerts,
		Status:   f.status,
	}
	if mutate != nil {
		mutate(&opts)
	}
	term, err := NewTerminal(opts)
	if err != nil {
		t.Fatalf("NewTerminal() error = %v", err)
	}
	f.term = term
	t.Cleanup(term.Stop)
	return f
}

func TestSubmitOrderWithoutCredentialsMakesNoCalls(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.term.SubmitOrder(context.Background(), core.CandidateOrder{
		Symbol: "BTCUSDT", Side: core.Buy, Type: core.Limit, Quantity: d("0.01"), Price: d("30000"),
	})
	if !errors.Is(err, core.ErrCredentialsMissing) {
		t.Fatalf("SubmitOrder() error = %v, want ErrCredentialsMissing", err)
	}
	if n := f.gateway.callCount(); n != 0 {
		t.Fatalf("gateway calls = %d, want 0", n)
	}
}

func TestSubmitOrderReportsFirstFilterViolation(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Credentials = testCreds })
	_, err := f.term.SubmitOrder(context.Background(), core.CandidateOrder{
		Symbol: "BTCUSDT", Side: core.Buy, Type: core.Limit, Quantity: d("0.0005"), Price: d("30000"),
	})
	var verr *core.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("SubmitOrder() error = %v, want ValidationError", err)
	}
	if err.Error() != "LOT_SIZE: Quantity is too low. Min: 0.001" {
		t.Fatalf("SubmitOrder() error = %q", err.Error())
	}
	if len(f.gateway.placed) != 0 {
		t.Fatalf("order placed despite violation")
	}
}

func TestSubmitOrderRejectsBadEntry(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Credentials = testCreds })
	_, err := f.term.SubmitOrder(context.Background(), core.CandidateOrder{
		Symbol: "BTCUSDT", Side: core.Buy, Type: core.Limit, Quantity: d("0.01"),
	})
	if !errors.Is(err, core.ErrInvalidOrder) {
		t.Fatalf("SubmitOrder() error = %v, want ErrInvalidOrder", err)
	}
	if n := f.gateway.callCount(); n != 0 {
		t.Fatalf("gateway calls = %d, want 0", n)
	}
}

func TestSubmitMarketOrderValuesAtTrackedPrice(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Credentials = testCreds })
	ctx := context.Background()
	if err := f.term.WatchChart(ctx, "BTCUSDT", "1m"); err != nil {
		t.Fatalf("WatchChart() error = %v", err)
	}
	order := core.CandidateOrder{Side: core.Buy, Type: core.Market, Quantity: d("0.001")}

	_, err := f.term.SubmitOrder(ctx, order)
	if err == nil || !strings.HasPrefix(err.Error(), "NOTIONAL: Order value too small. Min: 10") {
		t.Fatalf("SubmitOrder() without price error = %v, want NOTIONAL violation", err)
	}

	f.prices.set("20000")
	placed, err := f.term.SubmitOrder(ctx, order)
	if err != nil {
		t.Fatalf("SubmitOrder() error = %v", err)
	}
	if placed.Symbol != "BTCUSDT" {
		t.Fatalf("placed symbol = %q, want BTCUSDT", placed.Symbol)
	}
	if len(f.gateway.placedCreds) != 1 || f.gateway.placedCreds[0] != testCreds {
		t.Fatalf("placed with credentials %v", f.gateway.placedCreds)
	}
}

func TestSubmitOrderAppliesLocalNotionalCap(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Credentials = testCreds
		o.MaxNotional = d("500")
	})
	_, err := f.term.SubmitOrder(context.Background(), core.CandidateOrder{
		Symbol: "BTCUSDT", Side: core.Sell, Type: core.Limit, Quantity: d("0.02"), Price: d("30000"),
	})
	var verr *core.ValidationError
	if !errors.As(err, &verr) || verr.Filter != FilterMaxOrderNotional {
		t.Fatalf("SubmitOrder() error = %v, want %s violation", err, FilterMaxOrderNotional)
	}
	if !strings.Contains(err.Error(), "Max: 500 USDT") {
		t.Fatalf("SubmitOrder() error = %q", err.Error())
	}
}

func TestSubmitOrderFailureRaisesAlert(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Credentials = testCreds })
	f.gateway.placeErr = errors.Join(core.ErrInsufficientBalance, errors.New("Account has insufficient balance"))
	_, err := f.term.SubmitOrder(context.Background(), core.CandidateOrder{
		Symbol: "BTCUSDT", Side: core.Buy, Type: core.Limit, Quantity: d("0.01"), Price: d("30000"),
	})
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("SubmitOrder() error = %v, want ErrInsufficientBalance", err)
	}
	if len(f.alerts.events) != 1 || f.alerts.events[0] != "order_submit_failed" {
		t.Fatalf("alerts = %v, want [order_submit_failed]", f.alerts.events)
	}
	if got := f.alerts.fields[0]["kind"]; got != "insufficient_balance" {
		t.Fatalf("alert kind = %q, want insufficient_balance", got)
	}
	if len(f.gateway.invalidated) != 0 {
		t.Fatalf("balance failure invalidated filters for %v", f.gateway.invalidated)
	}
}

func TestSubmitOrderFilterRejectionInvalidatesSymbol(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Credentials = testCreds })
	f.gateway.placeErr = errors.Join(errors.New("Filter failure: LOT_SIZE"), core.ErrFilterFailure)
	_, err := f.term.SubmitOrder(context.Background(), core.CandidateOrder{
		Symbol: "btcusdt", Side: core.Buy, Type: core.Limit, Quantity: d("0.01"), Price: d("30000"),
	})
	if !errors.Is(err, core.ErrOrderRejected) {
		t.Fatalf("SubmitOrder() error = %v, want ErrOrderRejected", err)
	}
	if len(f.gateway.invalidated) != 1 || f.gateway.invalidated[0] != "BTCUSDT" {
		t.Fatalf("invalidated = %v, want [BTCUSDT]", f.gateway.invalidated)
	}
	if len(f.alerts.fields) != 1 || f.alerts.fields[0]["kind"] != "filter_failure" {
		t.Fatalf("alert fields = %v, want kind filter_failure", f.alerts.fields)
	}
}

func TestPlacedOrderRefreshesOrdersAndTrades(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Credentials = testCreds
		o.OpenOrdersEvery = time.Hour
		o.TradesEvery = time.Hour
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.term.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForCalls(t, f.gateway, "openOrders", 1)
	waitForCalls(t, f.gateway, "myTrades", 1)

	if _, err := f.term.SubmitOrder(ctx, core.CandidateOrder{
		Side: core.Buy, Type: core.Limit, Quantity: d("0.01"), Price: d("30000"),
	}); err != nil {
		t.Fatalf("SubmitOrder() error = %v", err)
	}
	waitForCalls(t, f.gateway, "openOrders", 2)
	waitForCalls(t, f.gateway, "myTrades", 2)
}

func waitForCalls(t *testing.T, g *gatewaySpy, call string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for g.countOf(call) < want {
		if time.Now().After(deadline) {
			t.Fatalf("%s calls = %d, want %d", call, g.countOf(call), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWatchChartSubscribesAndMergesKlines(t *testing.T) {
	var mu sync.Mutex
	var got []core.Kline
	f := newFixture(t, func(o *Options) {
		o.Hooks.OnCandle = func(_, _ string, k core.Kline) {
			mu.Lock()
			got = append(got, k)
			mu.Unlock()
		}
	})
	ctx := context.Background()
	if err := f.term.WatchChart(ctx, "btcusdt", "1m"); err != nil {
		t.Fatalf("WatchChart() error = %v", err)
	}
	if !f.streams.has("btcusdt@trade") || !f.streams.has("btcusdt@kline_1m") {
		t.Fatalf("subscribed = %v", f.streams.subscribed)
	}
	if len(f.prices.symbols) != 1 || f.prices.symbols[0] != "BTCUSDT" {
		t.Fatalf("price tracker symbols = %v", f.prices.symbols)
	}
	if n := len(f.term.Series().Candles()); n != 2 {
		t.Fatalf("history candles = %d, want 2", n)
	}

	f.prices.set("103")
	openMs := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC).UnixMilli()
	f.streams.emit(t, `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1,"s":"BTCUSDT","k":{"t":`+
		itoa(openMs)+`,"T":1,"i":"1m","o":"100","h":"102","l":"99","c":"101.5","v":"1","x":false}}}`)
	f.streams.emit(t, `{"stream":"btcusdt@trade","data":{"e":"trade","E":1,"s":"BTCUSDT","t":9,"p":"98","q":"1","T":1,"m":false}}`)

	mu.Lock()
	if len(got) != 2 {
		mu.Unlock()
		t.Fatalf("OnCandle calls = %d, want 2", len(got))
	}
	if !got[0].Close.Equal(d("103")) || !got[0].High.Equal(d("103")) {
		t.Fatalf("kline candle = %+v, want close/high 103", got[0])
	}
	if !got[1].Low.Equal(d("98")) {
		t.Fatalf("trade candle low = %s, want 98", got[1].Low)
	}
	mu.Unlock()
	if n := len(f.term.Series().Candles()); n != 2 {
		t.Fatalf("candles after same-open update = %d, want 2", n)
	}

	if err := f.term.WatchChart(ctx, "BTCUSDT", "5m"); err != nil {
		t.Fatalf("WatchChart(5m) error = %v", err)
	}
	if f.streams.has("btcusdt@kline_1m") || !f.streams.has("btcusdt@kline_5m") || !f.streams.has("btcusdt@trade") {
		t.Fatalf("subscribed after interval change = %v", f.streams.subscribed)
	}
	for _, c := range f.streams.removed {
		if c == "btcusdt@trade" {
			t.Fatalf("interval change dropped the trade channel")
		}
	}
	if len(f.prices.symbols) != 1 {
		t.Fatalf("interval change reset the price tracker: %v", f.prices.symbols)
	}
	if f.streams.replaces != 2 {
		t.Fatalf("stream set changes = %d, want one per chart", f.streams.replaces)
	}
}

type liveConn struct {
	closed chan struct{}
	once   sync.Once
}

func (c *liveConn) ReadMessage() ([]byte, error) {
	<-c.closed
	return nil, errors.New("connection closed")
}

func (c *liveConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type liveDialer struct {
	dialed chan string
}

func (d *liveDialer) Dial(_ context.Context, url string) (stream.Conn, error) {
	d.dialed <- url
	return &liveConn{closed: make(chan struct{})}, nil
}

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

func TestSymbolSwitchOnLiveStreamRaisesNoAlerts(t *testing.T) {
	dialer := &liveDialer{dialed: make(chan string, 8)}
	mux := stream.NewMultiplexer(stream.Options{
		BaseURL: "wss://testnet.binance.vision",
		Dialer:  dialer,
		AfterFunc: func(time.Duration, func()) stream.Timer {
			t.Errorf("reconnect scheduled during a symbol switch")
			return idleTimer{}
		},
	})
	t.Cleanup(func() {
		mux.Shutdown()
		mux.Wait()
	})
	statuses := make(chan bool, 8)
	f := newFixture(t, func(o *Options) {
		o.Streams = mux
		o.Hooks.OnStatus = func(connected bool) { statuses <- connected }
	})

	if err := f.term.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	expectURL(t, dialer, "btcusdt%40kline_1m%2Fbtcusdt%40trade")
	deadline := time.After(2 * time.Second)
	for connected := false; !connected; {
		select {
		case connected = <-statuses:
		case <-deadline:
			t.Fatalf("timed out waiting for the stream to open")
		}
	}

	if err := f.term.WatchChart(context.Background(), "ETHUSDT", "1m"); err != nil {
		t.Fatalf("WatchChart() error = %v", err)
	}
	expectURL(t, dialer, "ethusdt%40kline_1m%2Fethusdt%40trade")
	for end := time.Now().Add(2 * time.Second); mux.State() != stream.StateOpen; {
		if time.Now().After(end) {
			t.Fatalf("State() = %v, want OPEN", mux.State())
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case got := <-statuses:
		t.Fatalf("symbol switch reported status %v", got)
	default:
	}
	f.alerts.mu.Lock()
	events := append([]string(nil), f.alerts.events...)
	f.alerts.mu.Unlock()
	if len(events) != 0 {
		t.Fatalf("symbol switch raised alerts %v", events)
	}
	f.status.mu.Lock()
	last := f.status.last
	f.status.mu.Unlock()
	if last.Reconnects != 0 || !f.term.Connected() {
		t.Fatalf("runtime status = %+v, connected = %v, want connected with no reconnects", last, f.term.Connected())
	}
	if got := mux.StreamsKey(); got != "ethusdt@kline_1m|ethusdt@trade" {
		t.Fatalf("StreamsKey() = %q", got)
	}
}

func expectURL(t *testing.T, d *liveDialer, streams string) {
	t.Helper()
	select {
	case url := <-d.dialed:
		if !strings.HasSuffix(url, "/stream?streams="+streams) {
			t.Fatalf("dial url = %q, want streams %q", url, streams)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dial of %q", streams)
	}
}

func TestStatusTransitionsRaiseAlertsAndPersist(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.term.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(f.alerts.events) != 0 {
		t.Fatalf("initial disconnected state raised %v", f.alerts.events)
	}

	f.streams.setStatus(true)
	f.streams.setStatus(true)
	f.streams.setStatus(false)
	f.streams.setStatus(true)

	f.alerts.mu.Lock()
	events := append([]string(nil), f.alerts.events...)
	f.alerts.mu.Unlock()
	if strings.Join(events, ",") != "stream_disconnected,stream_reconnected" {
		t.Fatalf("alerts = %v", events)
	}
	if got := f.alerts.fields[1]["reconnects"]; got != "1" {
		t.Fatalf("reconnected fields = %v", f.alerts.fields[1])
	}
	if got := f.alerts.fields[0]["streams_key"]; got != "btcusdt@kline_1m|btcusdt@trade" {
		t.Fatalf("disconnected streams_key = %q", got)
	}

	f.status.mu.Lock()
	last := f.status.last
	f.status.mu.Unlock()
	if last.State != "running" || !last.Connected || last.Reconnects != 1 || last.DisconnectedAt != nil {
		t.Fatalf("runtime status = %+v", last)
	}
	if !f.term.Connected() {
		t.Fatalf("Connected() = false after reconnect")
	}
}

func TestPollingFeedsPosition(t *testing.T) {
	positions := make(chan portfolio.Position, 8)
	f := newFixture(t, func(o *Options) {
		o.Credentials = testCreds
		o.AccountEvery = time.Hour
		o.TradesEvery = time.Hour
		o.Hooks.OnPosition = func(p portfolio.Position) { positions <- p }
	})
	f.gateway.account = func(core.Credentials) core.Account {
		return core.Account{Balances: []core.AssetBalance{{Asset: "BTC", Free: d("1"), Locked: decimal.Zero}}}
	}
	f.gateway.trades = []core.Trade{{Symbol: "BTCUSDT", Price: d("100"), Qty: d("1"), IsBuyer: true}}
	f.prices.set("110")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.term.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-positions:
			if !p.Size.Equal(d("1")) || !p.EntryPrice.Equal(d("100")) {
				continue
			}
			if !p.UnrealizedPnL.Equal(d("10")) || p.BaseAsset != "BTC" || p.RealizedPnL.Sign() != 0 {
				t.Fatalf("position = %+v", p)
			}
			return
		case <-deadline:
			t.Fatalf("timed out waiting for position")
		}
	}
}

func TestPollingDiscardsResultsAfterCredentialChange(t *testing.T) {
	accounts := make(chan core.Account, 4)
	f := newFixture(t, func(o *Options) {
		o.Credentials = testCreds
		o.AccountEvery = time.Hour
		o.Hooks.OnAccount = func(a core.Account) { accounts <- a }
	})
	gate := make(chan struct{})
	f.gateway.accountGate = gate
	f.gateway.accountIn = make(chan string, 4)
	f.gateway.account = func(creds core.Credentials) core.Account {
		return core.Account{AccountType: creds.APIKey}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.term.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case key := <-f.gateway.accountIn:
		if key != testCreds.APIKey {
			t.Fatalf("first poll key = %q", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for first account poll")
	}

	f.term.SetCredentials(core.Credentials{APIKey: "key-2-abcdefgh", SecretKey: "secret-2"})
	close(gate)

	select {
	case a := <-accounts:
		if a.AccountType != "key-2-abcdefgh" {
			t.Fatalf("applied account from %q, want key-2-abcdefgh", a.AccountType)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for account")
	}
}

func itoa(v int64) string {
	return decimal.NewFromInt(v).String()
}
