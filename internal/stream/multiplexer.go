package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// ErrShutdown is returned by calls made after Shutdown.
var ErrShutdown = errors.New("stream multiplexer is shut down")

const DefaultReconnectDelay = 5 * time.Second

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateDisconnected:
		return "DISCONNECTED"
	}
	return "UNKNOWN"
}

type Handler func(Message)

type StatusFunc func(connected bool)

type Timer interface {
	Stop() bool
}

// AfterFunc schedules fn after d. It matches time.AfterFunc and is replaceable in tests.
type AfterFunc func(d time.Duration, fn func()) Timer

func realAfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

type Options struct {
	BaseURL        string
	ReconnectDelay time.Duration
	Dialer         Dialer
	AfterFunc      AfterFunc
	Logger         *zap.Logger
}

type listener struct {
	id       uint64
	channels map[Channel]struct{}
	handler  Handler
}

func (l listener) wants(c Channel) bool {
	if len(l.channels) == 0 {
		return true
	}
	_, ok := l.channels[c]
	return ok
}

// Multiplexer shares one connection across all subscribed channels and fans inbound
// messages out to listeners. The connection always reflects the full channel set; a change
// of set replaces it. After an unexpected close a single reconnect is scheduled after a
// fixed delay.
//
// Status observers and deferred closes run outside the lock, one at a time and in the order
// the transitions happened.
type Multiplexer struct {
	baseURL   string
	dialer    Dialer
	afterFunc AfterFunc
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup

	mu         sync.Mutex
	policy     backoff.BackOff
	state      State
	channels   map[Channel]struct{}
	key        string
	conn       Conn
	connCancel context.CancelFunc
	gen        uint64
	timer      Timer
	shutdown   bool
	connected  bool
	nextID     uint64
	listeners  []listener
	observers  []statusObserver
	pending    []func()
	delivering bool
}

type statusObserver struct {
	id uint64
	fn StatusFunc
}

func NewMultiplexer(opts Options) *Multiplexer {
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	afterFunc := opts.AfterFunc
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		baseURL:   opts.BaseURL,
		dialer:    dialer,
		afterFunc: afterFunc,
		logger:    logger.Named("stream"),
		ctx:       ctx,
		cancel:    cancel,
		policy:    backoff.NewConstantBackOff(delay),
		state:     StateIdle,
		channels:  make(map[Channel]struct{}),
	}
}

// SubscribeToStreams adds channels to the set and reconciles the connection.
func (m *Multiplexer) SubscribeToStreams(channels ...Channel) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	for _, c := range channels {
		if c != "" {
			m.channels[c] = struct{}{}
		}
	}
	m.reconcileLocked(false)
	m.unlockAndFlush()
	return nil
}

// ReplaceStreams removes and adds channels in one step and reconciles once. Replacing an open
// connection is a handover: observers stay connected unless the new connection fails.
func (m *Multiplexer) ReplaceStreams(remove, add []Channel) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	for _, c := range remove {
		delete(m.channels, c)
	}
	for _, c := range add {
		if c != "" {
			m.channels[c] = struct{}{}
		}
	}
	m.reconcileLocked(true)
	m.unlockAndFlush()
	return nil
}

// UnsubscribeFromStreams removes channels from the set and reconciles the connection. An
// empty set leaves a connection to the raw base endpoint.
func (m *Multiplexer) UnsubscribeFromStreams(channels ...Channel) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	for _, c := range channels {
		delete(m.channels, c)
	}
	m.reconcileLocked(false)
	m.unlockAndFlush()
	return nil
}

// Connect opens the connection for the current set unless an equivalent one is open or
// connecting. A pending automatic reconnect is cancelled.
func (m *Multiplexer) Connect() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	m.reconcileLocked(false)
	m.unlockAndFlush()
	return nil
}

// Subscribe registers handler for messages on the given channels, or for every message when
// no channel is given. Listening does not add channels to the connection. The returned
// function removes the listener.
func (m *Multiplexer) Subscribe(handler Handler, channels ...Channel) func() {
	if handler == nil {
		return func() {}
	}
	l := listener{handler: handler}
	if len(channels) > 0 {
		l.channels = make(map[Channel]struct{}, len(channels))
		for _, c := range channels {
			l.channels[c] = struct{}{}
		}
	}
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return func() {}
	}
	m.nextID++
	l.id = m.nextID
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, existing := range m.listeners {
				if existing.id == l.id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// SubscribeStatus registers fn for connectivity transitions. fn first receives the current
// state, ahead of any later transition.
func (m *Multiplexer) SubscribeStatus(fn StatusFunc) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		fn(false)
		return func() {}
	}
	m.nextID++
	id := m.nextID
	m.observers = append(m.observers, statusObserver{id: id, fn: fn})
	connected := m.connected
	m.pending = append(m.pending, func() {
		fn(connected)
	})
	m.unlockAndFlush()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, existing := range m.observers {
				if existing.id == id {
					m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Shutdown stops reconnection, closes the connection, and drops all channels, listeners, and
// observers. Observers are told the terminal disconnected state once. It is idempotent.
func (m *Multiplexer) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.stopTimerLocked()
	m.closeConnLocked()
	m.gen++
	m.emitLocked(false)
	m.observers = nil
	m.listeners = nil
	m.channels = make(map[Channel]struct{})
	m.key = ""
	m.state = StateDisconnected
	m.cancel()
	m.unlockAndFlush()
	m.logger.Info("stream_shutdown")
}

// Wait blocks until connection goroutines have exited. Call it after Shutdown, never from a
// handler.
func (m *Multiplexer) Wait() {
	m.wg.Wait()
}

func (m *Multiplexer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Multiplexer) Connected() bool {
	return m.State() == StateOpen
}

// Channels returns the subscribed channels in key order.
func (m *Multiplexer) Channels() []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channelListLocked()
}

// StreamsKey returns the key of the current or last connection.
func (m *Multiplexer) StreamsKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key
}

func (m *Multiplexer) channelListLocked() []Channel {
	list := make([]Channel, 0, len(m.channels))
	for c := range m.channels {
		list = append(list, c)
	}
	return sortedChannels(list)
}

func (m *Multiplexer) reconcileLocked(handover bool) {
	key := StreamsKey(m.channelListLocked())
	if (m.state == StateOpen || m.state == StateConnecting) && key == m.key {
		return
	}
	m.openLocked(handover && m.state == StateOpen)
}

func (m *Multiplexer) openLocked(handover bool) {
	m.stopTimerLocked()
	m.closeConnLocked()
	if m.connected && !handover {
		m.emitLocked(false)
	}
	channels := m.channelListLocked()
	m.gen++
	gen := m.gen
	m.key = StreamsKey(channels)
	m.state = StateConnecting
	url := BuildURL(m.baseURL, channels)
	ctx, cancel := context.WithCancel(m.ctx)
	m.connCancel = cancel
	m.logger.Info("stream_connecting", zap.String("url", url), zap.Uint64("generation", gen))
	m.wg.Go(func() {
		m.run(ctx, gen, url)
	})
}

func (m *Multiplexer) run(ctx context.Context, gen uint64, url string) {
	conn, err := m.dialer.Dial(ctx, url)
	m.mu.Lock()
	if err != nil {
		m.handleCloseLocked(gen, err)
		m.unlockAndFlush()
		return
	}
	if gen != m.gen || m.shutdown {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.state = StateOpen
	m.policy.Reset()
	if !m.connected {
		m.emitLocked(true)
	}
	m.logger.Info("stream_open", zap.String("streams_key", m.key), zap.Uint64("generation", gen))
	m.unlockAndFlush()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			m.handleCloseLocked(gen, err)
			m.unlockAndFlush()
			return
		}
		m.dispatch(gen, data)
	}
}

// handleCloseLocked reacts to the end of connection gen. Closes of replaced connections and
// closes after shutdown are ignored.
func (m *Multiplexer) handleCloseLocked(gen uint64, err error) {
	if gen != m.gen || m.shutdown {
		return
	}
	m.closeConnLocked()
	m.state = StateClosed
	if m.connected {
		m.emitLocked(false)
	}
	delay := m.policy.NextBackOff()
	if delay == backoff.Stop {
		m.logger.Warn("stream_closed", zap.Error(err), zap.Bool("reconnect", false))
		return
	}
	m.stopTimerLocked()
	m.timer = m.afterFunc(delay, func() {
		m.reconnect(gen)
	})
	m.logger.Warn("stream_closed",
		zap.Error(err),
		zap.String("streams_key", m.key),
		zap.Duration("reconnect_in", delay),
	)
}

func (m *Multiplexer) reconnect(gen uint64) {
	m.mu.Lock()
	if m.shutdown || gen != m.gen || m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.openLocked(false)
	m.unlockAndFlush()
}

func (m *Multiplexer) dispatch(gen uint64, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		m.logger.Debug("stream_decode_failed", zap.Error(err))
		return
	}
	m.mu.Lock()
	if gen != m.gen || m.shutdown {
		m.mu.Unlock()
		return
	}
	targets := make([]Handler, 0, len(m.listeners))
	for _, l := range m.listeners {
		if l.wants(msg.Stream) {
			targets = append(targets, l.handler)
		}
	}
	m.mu.Unlock()
	for _, h := range targets {
		h(msg)
	}
}

func (m *Multiplexer) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// closeConnLocked detaches the current connection; the close itself runs after unlock.
func (m *Multiplexer) closeConnLocked() {
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	if m.conn == nil {
		return
	}
	conn := m.conn
	m.conn = nil
	m.pending = append(m.pending, func() {
		_ = conn.Close()
	})
}

func (m *Multiplexer) emitLocked(connected bool) {
	m.connected = connected
	for _, o := range m.observers {
		fn := o.fn
		m.pending = append(m.pending, func() {
			fn(connected)
		})
	}
}

// unlockAndFlush releases the lock and runs queued work. Only one goroutine drains the queue
// at a time; a caller that finds it busy leaves its work to the current drainer.
func (m *Multiplexer) unlockAndFlush() {
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for len(m.pending) > 0 {
		batch := m.pending
		m.pending = nil
		m.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
}
