package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter accepts important terminal events such as connectivity loss or order failures.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultAlertQueueSize     = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	Logger             *zap.Logger
	Now                func() time.Time
}

// Manager delivers alerts asynchronously. Important never blocks; when the queue is full the
// event is dropped and counted.
type Manager struct {
	mode                 string
	symbol               atomic.Value
	notifier             Notifier
	logger               *zap.Logger
	now                  func() time.Time
	queue                chan alertEvent
	stop                 chan struct{}
	done                 chan struct{}
	dropReportInterval   time.Duration
	droppedTotal         uint64
	droppedSinceReported uint64
	wg                   conc.WaitGroup
	mu                   sync.RWMutex
	closed               bool
}

type alertEvent struct {
	event  string
	at     time.Time
	fields map[string]string
}

func NewManager(mode, symbol string, notifier Notifier) *Manager {
	return NewManagerWithOptions(mode, symbol, notifier, ManagerOptions{
		QueueSize:          defaultAlertQueueSize,
		DropReportInterval: defaultDropReportInterval,
	})
}

// NewManagerWithOptions returns nil when notifier is nil; a nil Manager ignores all calls.
func NewManagerWithOptions(mode, symbol string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultAlertQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		mode:               mode,
		notifier:           notifier,
		logger:             logger.Named("alert"),
		now:                now,
		queue:              make(chan alertEvent, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
	}
	m.symbol.Store(symbol)
	m.wg.Go(m.loop)
	if m.dropReportInterval > 0 {
		m.wg.Go(m.dropReportLoop)
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

// SetSymbol changes the symbol stamped on subsequent alerts.
func (m *Manager) SetSymbol(symbol string) {
	if m == nil {
		return
	}
	m.symbol.Store(symbol)
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := alertEvent{
		event:  event,
		at:     m.now(),
		fields: cloneFields(fields),
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
		return
	default:
		droppedTotal := atomic.AddUint64(&m.droppedTotal, 1)
		droppedInWindow := atomic.AddUint64(&m.droppedSinceReported, 1)
		m.mu.RUnlock()
		// First drop in a window is reported immediately; the periodic summary covers the rest.
		if droppedInWindow == 1 {
			m.logger.Warn("alert_queue_dropped",
				zap.String("target_event", event),
				zap.String("reason", "queue_full"),
				zap.Uint64("dropped_total", droppedTotal),
				zap.Int("queue_len", len(m.queue)),
				zap.Int("queue_cap", cap(m.queue)),
			)
		}
	}
}

// Close stops accepting alerts, flushes the queue, and waits for delivery or ctx.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDroppedSummary()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDroppedSummary()
		case <-m.stop:
			m.reportDroppedSummary()
			return
		}
	}
}

func (m *Manager) reportDroppedSummary() {
	dropped := atomic.SwapUint64(&m.droppedSinceReported, 0)
	if dropped == 0 {
		return
	}
	m.logger.Warn("alert_queue_dropped_report",
		zap.Uint64("dropped_since_last", dropped),
		zap.Uint64("dropped_total", atomic.LoadUint64(&m.droppedTotal)),
		zap.Duration("report_interval", m.dropReportInterval),
		zap.Int("queue_len", len(m.queue)),
		zap.Int("queue_cap", cap(m.queue)),
	)
}

func (m *Manager) droppedStats() (uint64, uint64) {
	if m == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedSinceReported)
}

func (m *Manager) send(ev alertEvent) {
	msg := m.buildMessage(ev)
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, msg); err != nil {
		m.logger.Error("alert_notify_failed", zap.String("target_event", ev.event), zap.Error(err))
	}
}

func (m *Manager) buildMessage(ev alertEvent) string {
	symbol, _ := m.symbol.Load().(string)
	lines := []string{
		"[trade-terminal] important",
		"time: " + ev.at.UTC().Format(time.RFC3339),
		"mode: " + m.mode,
		"symbol: " + symbol,
		"event: " + ev.event,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
