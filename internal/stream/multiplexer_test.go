package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testBase = "wss://testnet.binance.vision"

var errConnClosed = errors.New("connection closed")

type fakeConn struct {
	url     string
	frames  chan []byte
	closed  chan struct{}
	closeMu sync.Once
}

func newFakeConn(url string) *fakeConn {
	return &fakeConn{url: url, frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeMu.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	urls   []string
	failN  int
	dialed chan *fakeConn
	failed chan string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16), failed: make(chan string, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	fail := d.failN > 0
	if fail {
		d.failN--
	}
	d.mu.Unlock()
	if fail {
		d.failed <- url
		return nil, errors.New("dial refused")
	}
	c := newFakeConn(url)
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

type fakeScheduler struct {
	mu        sync.Mutex
	timers    []*fakeTimer
	scheduled chan struct{}
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: make(chan struct{}, 16)}
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	timer := &fakeTimer{delay: d, fn: fn}
	s.timers = append(s.timers, timer)
	s.mu.Unlock()
	s.scheduled <- struct{}{}
	return stopFunc(func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		was := !timer.stopped
		timer.stopped = true
		return was
	})
}

type stopFunc func() bool

func (f stopFunc) Stop() bool { return f() }

func (s *fakeScheduler) active() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, timer := range s.timers {
		if !timer.stopped {
			out = append(out, timer)
		}
	}
	return out
}

func (s *fakeScheduler) fire(timer *fakeTimer) {
	s.mu.Lock()
	timer.stopped = true
	s.mu.Unlock()
	timer.fn()
}

func newTestMultiplexer(t *testing.T) (*Multiplexer, *fakeDialer, *fakeScheduler, chan bool) {
	t.Helper()
	dialer := newFakeDialer()
	sched := newFakeScheduler()
	m := NewMultiplexer(Options{
		BaseURL:   testBase,
		Dialer:    dialer,
		AfterFunc: sched.AfterFunc,
	})
	status := make(chan bool, 32)
	m.SubscribeStatus(func(connected bool) { status <- connected })
	expectStatus(t, status, false)
	t.Cleanup(func() {
		m.Shutdown()
		m.Wait()
	})
	return m, dialer, sched, status
}

func expectStatus(t *testing.T, status chan bool, want bool) {
	t.Helper()
	select {
	case got := <-status:
		if got != want {
			t.Fatalf("status = %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for status %v", want)
	}
}

func expectDial(t *testing.T, dialer *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-dialer.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dial")
	}
	return nil
}

func expectMessage(t *testing.T, ch chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return Message{}
}

func TestSubscriptionsShareOneConnection(t *testing.T) {
	m, dialer, _, status := newTestMultiplexer(t)

	kline := KlineChannel("BTCUSDT", "1m")
	trade := TradeChannel("BTCUSDT")
	if err := m.SubscribeToStreams(kline, trade); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	conn := expectDial(t, dialer)
	expectStatus(t, status, true)

	want := testBase + "/stream?streams=btcusdt%40kline_1m%2Fbtcusdt%40trade"
	if conn.url != want {
		t.Fatalf("dial url = %q, want %q", conn.url, want)
	}

	// Same set in a different order keeps the open connection.
	if err := m.SubscribeToStreams(trade, kline); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := m.State(); got != StateOpen {
		t.Fatalf("State() = %v, want OPEN", got)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dial count = %d, want 1", got)
	}
	if conn.isClosed() {
		t.Fatalf("connection closed for unchanged set")
	}
}

func TestChangingSetReplacesConnection(t *testing.T) {
	m, dialer, sched, status := newTestMultiplexer(t)

	if err := m.SubscribeToStreams(TradeChannel("BTCUSDT")); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	first := expectDial(t, dialer)
	expectStatus(t, status, true)

	if err := m.SubscribeToStreams(KlineChannel("BTCUSDT", "5m")); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	expectStatus(t, status, false)
	second := expectDial(t, dialer)
	expectStatus(t, status, true)

	if !first.isClosed() {
		t.Fatalf("replaced connection still open")
	}
	if second.url != testBase+"/stream?streams=btcusdt%40kline_5m%2Fbtcusdt%40trade" {
		t.Fatalf("second url = %q", second.url)
	}
	if got := m.StreamsKey(); got != "btcusdt@kline_5m|btcusdt@trade" {
		t.Fatalf("StreamsKey() = %q", got)
	}

	if err := m.UnsubscribeFromStreams(KlineChannel("BTCUSDT", "5m"), TradeChannel("BTCUSDT")); err != nil {
		t.Fatalf("UnsubscribeFromStreams() error = %v", err)
	}
	expectStatus(t, status, false)
	third := expectDial(t, dialer)
	if third.url != testBase+"/ws" {
		t.Fatalf("empty set url = %q, want %q", third.url, testBase+"/ws")
	}
	expectStatus(t, status, true)
	if len(sched.active()) != 0 {
		t.Fatalf("replacing connections scheduled a reconnect")
	}
}

func TestListenersReceiveOnlyTheirChannels(t *testing.T) {
	m, dialer, _, status := newTestMultiplexer(t)

	trade := TradeChannel("BTCUSDT")
	kline := KlineChannel("BTCUSDT", "1m")
	tradeCh := make(chan Message, 8)
	klineCh := make(chan Message, 8)
	allCh := make(chan Message, 8)
	m.Subscribe(func(msg Message) { tradeCh <- msg }, trade)
	m.Subscribe(func(msg Message) { klineCh <- msg }, kline)
	m.Subscribe(func(msg Message) { allCh <- msg })

	if err := m.SubscribeToStreams(trade, kline); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	conn := expectDial(t, dialer)
	expectStatus(t, status, true)

	conn.frames <- []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1,"s":"BTCUSDT","t":1,"p":"1","q":"1","T":1,"m":false}}`)
	conn.frames <- []byte(klineFrame)

	if got := expectMessage(t, tradeCh); got.Stream != trade {
		t.Fatalf("trade listener got %q", got.Stream)
	}
	// Frames are dispatched in order, so a misrouted trade would arrive first.
	if got := expectMessage(t, klineCh); got.Stream != kline {
		t.Fatalf("kline listener got %q, want %q", got.Stream, kline)
	}
	if got := expectMessage(t, allCh); got.Stream != trade {
		t.Fatalf("broadcast listener first got %q", got.Stream)
	}
	if got := expectMessage(t, allCh); got.Stream != kline {
		t.Fatalf("broadcast listener second got %q", got.Stream)
	}
	select {
	case msg := <-tradeCh:
		t.Fatalf("trade listener got extra message %q", msg.Stream)
	default:
	}
}

func TestUnsubscribedListenerStopsReceiving(t *testing.T) {
	m, dialer, _, status := newTestMultiplexer(t)

	trade := TradeChannel("BTCUSDT")
	first := make(chan Message, 8)
	second := make(chan Message, 8)
	unsubscribe := m.Subscribe(func(msg Message) { first <- msg }, trade)
	m.Subscribe(func(msg Message) { second <- msg }, trade)

	if err := m.SubscribeToStreams(trade); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	conn := expectDial(t, dialer)
	expectStatus(t, status, true)

	unsubscribe()
	unsubscribe()
	conn.frames <- []byte(`{"e":"trade","E":1,"s":"BTCUSDT","t":1,"p":"1","q":"1","T":1,"m":false}`)
	expectMessage(t, second)
	select {
	case <-first:
		t.Fatalf("removed listener received a message")
	default:
	}
}

func TestUnexpectedCloseSchedulesOneReconnect(t *testing.T) {
	m, dialer, sched, status := newTestMultiplexer(t)

	if err := m.SubscribeToStreams(TradeChannel("BTCUSDT")); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	conn := expectDial(t, dialer)
	expectStatus(t, status, true)

	conn.Close()
	expectStatus(t, status, false)
	<-sched.scheduled

	active := sched.active()
	if len(active) != 1 {
		t.Fatalf("active timers = %d, want 1", len(active))
	}
	if active[0].delay != DefaultReconnectDelay {
		t.Fatalf("reconnect delay = %v, want %v", active[0].delay, DefaultReconnectDelay)
	}
	if got := m.State(); got != StateClosed {
		t.Fatalf("State() = %v, want CLOSED", got)
	}

	sched.fire(active[0])
	again := expectDial(t, dialer)
	expectStatus(t, status, true)
	if again.url != conn.url {
		t.Fatalf("reconnect url = %q, want %q", again.url, conn.url)
	}
}

func TestFailedDialsRetryWithSingleTimer(t *testing.T) {
	m, dialer, sched, status := newTestMultiplexer(t)
	dialer.failN = 2

	if err := m.SubscribeToStreams(TradeChannel("BTCUSDT")); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		<-dialer.failed
		<-sched.scheduled
		active := sched.active()
		if len(active) != 1 {
			t.Fatalf("attempt %d: active timers = %d, want 1", i, len(active))
		}
		sched.fire(active[0])
	}
	expectDial(t, dialer)
	expectStatus(t, status, true)
	if got := dialer.dialCount(); got != 3 {
		t.Fatalf("dial count = %d, want 3", got)
	}
}

func TestConnectCancelsPendingReconnect(t *testing.T) {
	m, dialer, sched, status := newTestMultiplexer(t)

	if err := m.SubscribeToStreams(TradeChannel("BTCUSDT")); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	conn := expectDial(t, dialer)
	expectStatus(t, status, true)
	conn.Close()
	expectStatus(t, status, false)
	<-sched.scheduled

	pending := sched.active()
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	expectDial(t, dialer)
	expectStatus(t, status, true)
	if len(sched.active()) != 0 {
		t.Fatalf("pending reconnect timer not stopped")
	}

	// A late fire of the stopped timer must not open another connection.
	pending[0].fn()
	if got := m.State(); got != StateOpen {
		t.Fatalf("State() = %v, want OPEN", got)
	}
	if got := dialer.dialCount(); got != 2 {
		t.Fatalf("dial count = %d, want 2", got)
	}
}

func TestStaleCloseIsIgnored(t *testing.T) {
	m, dialer, sched, status := newTestMultiplexer(t)

	if err := m.SubscribeToStreams(TradeChannel("BTCUSDT")); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	expectDial(t, dialer)
	expectStatus(t, status, true)

	m.mu.Lock()
	staleGen := m.gen
	m.mu.Unlock()

	if err := m.SubscribeToStreams(KlineChannel("BTCUSDT", "1m")); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	expectStatus(t, status, false)
	expectDial(t, dialer)
	expectStatus(t, status, true)

	m.mu.Lock()
	m.handleCloseLocked(staleGen, errors.New("late close"))
	m.unlockAndFlush()

	if got := m.State(); got != StateOpen {
		t.Fatalf("State() = %v, want OPEN", got)
	}
	if len(sched.active()) != 0 {
		t.Fatalf("stale close scheduled a reconnect")
	}
	select {
	case got := <-status:
		t.Fatalf("stale close emitted status %v", got)
	default:
	}
}

func TestShutdownIsTerminalAndIdempotent(t *testing.T) {
	m, dialer, sched, status := newTestMultiplexer(t)

	if err := m.SubscribeToStreams(TradeChannel("BTCUSDT")); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	conn := expectDial(t, dialer)
	expectStatus(t, status, true)

	m.Shutdown()
	m.Shutdown()
	m.Wait()

	expectStatus(t, status, false)
	select {
	case got := <-status:
		t.Fatalf("extra status %v after shutdown", got)
	default:
	}
	if !conn.isClosed() {
		t.Fatalf("connection still open after shutdown")
	}
	if len(sched.active()) != 0 {
		t.Fatalf("shutdown left a reconnect timer")
	}
	if got := m.State(); got != StateDisconnected {
		t.Fatalf("State() = %v, want DISCONNECTED", got)
	}
	if len(m.Channels()) != 0 {
		t.Fatalf("Channels() = %v, want empty", m.Channels())
	}
	if err := m.SubscribeToStreams(TradeChannel("ETHUSDT")); !errors.Is(err, ErrShutdown) {
		t.Fatalf("SubscribeToStreams() error = %v, want ErrShutdown", err)
	}
	if err := m.Connect(); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Connect() error = %v, want ErrShutdown", err)
	}
}

func TestStatusObserverGetsCurrentState(t *testing.T) {
	m, dialer, _, status := newTestMultiplexer(t)

	if err := m.SubscribeToStreams(TradeChannel("BTCUSDT")); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	expectDial(t, dialer)
	expectStatus(t, status, true)

	late := make(chan bool, 4)
	unsubscribe := m.SubscribeStatus(func(connected bool) { late <- connected })
	expectStatus(t, late, true)
	unsubscribe()

	m.Shutdown()
	expectStatus(t, status, false)
	select {
	case got := <-late:
		t.Fatalf("removed observer got %v", got)
	default:
	}
}

func waitForState(t *testing.T, m *Multiplexer, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %v, want %v", m.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReplaceStreamsHandsOverOpenConnection(t *testing.T) {
	m, dialer, sched, status := newTestMultiplexer(t)

	if err := m.SubscribeToStreams(TradeChannel("BTCUSDT"), KlineChannel("BTCUSDT", "1m")); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	first := expectDial(t, dialer)
	expectStatus(t, status, true)

	remove := []Channel{TradeChannel("BTCUSDT"), KlineChannel("BTCUSDT", "1m")}
	add := []Channel{TradeChannel("ETHUSDT"), KlineChannel("ETHUSDT", "1m")}
	if err := m.ReplaceStreams(remove, add); err != nil {
		t.Fatalf("ReplaceStreams() error = %v", err)
	}
	second := expectDial(t, dialer)
	waitForState(t, m, StateOpen)

	if !first.isClosed() {
		t.Fatalf("replaced connection still open")
	}
	if second.url != testBase+"/stream?streams=ethusdt%40kline_1m%2Fethusdt%40trade" {
		t.Fatalf("second url = %q", second.url)
	}
	if got := dialer.dialCount(); got != 2 {
		t.Fatalf("dial count = %d, want 2", got)
	}
	select {
	case got := <-status:
		t.Fatalf("handover emitted status %v", got)
	default:
	}
	if len(sched.active()) != 0 {
		t.Fatalf("handover scheduled a reconnect")
	}

	// The same set again is a no-op.
	if err := m.ReplaceStreams(nil, add); err != nil {
		t.Fatalf("ReplaceStreams() error = %v", err)
	}
	if got := dialer.dialCount(); got != 2 {
		t.Fatalf("dial count after unchanged replace = %d, want 2", got)
	}
}

func TestFailedHandoverReportsDisconnect(t *testing.T) {
	m, dialer, sched, status := newTestMultiplexer(t)

	if err := m.SubscribeToStreams(TradeChannel("BTCUSDT")); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	expectDial(t, dialer)
	expectStatus(t, status, true)

	dialer.mu.Lock()
	dialer.failN = 1
	dialer.mu.Unlock()
	if err := m.ReplaceStreams([]Channel{TradeChannel("BTCUSDT")}, []Channel{TradeChannel("ETHUSDT")}); err != nil {
		t.Fatalf("ReplaceStreams() error = %v", err)
	}
	<-dialer.failed
	expectStatus(t, status, false)
	<-sched.scheduled
	if got := m.State(); got != StateClosed {
		t.Fatalf("State() = %v, want CLOSED", got)
	}

	active := sched.active()
	if len(active) != 1 {
		t.Fatalf("active timers = %d, want 1", len(active))
	}
	sched.fire(active[0])
	expectDial(t, dialer)
	expectStatus(t, status, true)
}

func TestStatusDeliveryKeepsTransitionOrder(t *testing.T) {
	m, dialer, _, status := newTestMultiplexer(t)

	var inFlight atomic.Int32
	var overlapped atomic.Bool
	enter := func() {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
	}

	blocked := make(chan struct{})
	release := make(chan struct{})
	var sawOpen, held bool
	m.SubscribeStatus(func(connected bool) {
		enter()
		defer inFlight.Add(-1)
		if connected {
			sawOpen = true
			return
		}
		if sawOpen && !held {
			held = true
			close(blocked)
			<-release
		}
	})

	var mu sync.Mutex
	var seen []bool
	m.SubscribeStatus(func(connected bool) {
		enter()
		defer inFlight.Add(-1)
		mu.Lock()
		seen = append(seen, connected)
		mu.Unlock()
	})

	if err := m.SubscribeToStreams(TradeChannel("BTCUSDT")); err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	expectDial(t, dialer)
	expectStatus(t, status, true)

	done := make(chan error, 1)
	go func() {
		done <- m.SubscribeToStreams(KlineChannel("BTCUSDT", "1m"))
	}()
	<-blocked
	expectDial(t, dialer)
	waitForState(t, m, StateOpen)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("SubscribeToStreams() error = %v", err)
	}
	expectStatus(t, status, false)
	expectStatus(t, status, true)

	mu.Lock()
	defer mu.Unlock()
	want := []bool{false, true, false, true}
	if len(seen) != len(want) {
		t.Fatalf("observer saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("observer saw %v, want %v", seen, want)
		}
	}
	if overlapped.Load() {
		t.Fatalf("observers were called concurrently")
	}
}
