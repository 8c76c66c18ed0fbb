package candles

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"trade-terminal/internal/core"
)

const DefaultHistoryLimit = 500

var hundred = decimal.NewFromInt(100)

// KlineSource loads candle history, oldest first.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error)
}

// Series is the candle chart of one symbol and interval: history loaded over REST, then kept
// current from kline and trade events.
type Series struct {
	symbol   string
	interval string
	limit    int

	mu        sync.RWMutex
	candles   []core.Kline
	prevClose decimal.Decimal
	hasPrev   bool
}

func NewSeries(symbol, interval string, limit int) *Series {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Series{symbol: symbol, interval: interval, limit: limit}
}

func (s *Series) Symbol() string   { return s.symbol }
func (s *Series) Interval() string { return s.interval }

// Load replaces the series with history from src. Results arriving after ctx is cancelled are
// discarded.
func (s *Series) Load(ctx context.Context, src KlineSource) error {
	history, err := src.Klines(ctx, s.symbol, s.interval, s.limit)
	if err != nil {
		s.Reset(nil)
		return fmt.Errorf("load %s %s history: %w", s.symbol, s.interval, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Reset(history)
	return nil
}

// Reset installs history. Fewer than two candles leave the series empty with no previous close.
func (s *Series) Reset(history []core.Kline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(history) < 2 {
		s.candles = nil
		s.prevClose = decimal.Zero
		s.hasPrev = false
		return
	}
	if len(history) > s.limit {
		history = history[len(history)-s.limit:]
	}
	s.candles = append([]core.Kline(nil), history...)
	s.prevClose = history[len(history)-2].Close
	s.hasPrev = true
}

// ApplyKline merges a live candle update. The close is lastPrice when known, widening high and
// low to include it. An update for the current open time replaces the last candle; a new open
// time appends and makes the old last close the previous close.
func (s *Series) ApplyKline(k core.Kline, lastPrice decimal.Decimal, hasPrice bool) core.Kline {
	price := k.Close
	if hasPrice {
		price = lastPrice
	}
	candle := k
	candle.High = decimal.Max(k.High, price)
	candle.Low = decimal.Min(k.Low, price)
	candle.Close = price

	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.candles)
	if n > 0 && s.candles[n-1].OpenTime.Equal(candle.OpenTime) {
		s.candles[n-1] = candle
		return candle
	}
	if n > 0 {
		s.prevClose = s.candles[n-1].Close
		s.hasPrev = true
	} else {
		s.prevClose = decimal.Zero
		s.hasPrev = false
	}
	s.candles = append(s.candles, candle)
	if len(s.candles) > s.limit {
		s.candles = append([]core.Kline(nil), s.candles[len(s.candles)-s.limit:]...)
	}
	return candle
}

// ApplyTrade moves the live candle's close to price and stretches its range. It reports false
// when there is no live candle.
func (s *Series) ApplyTrade(price decimal.Decimal) (core.Kline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.candles)
	if n == 0 || price.Sign() <= 0 {
		return core.Kline{}, false
	}
	last := &s.candles[n-1]
	last.Close = price
	if price.GreaterThan(last.High) {
		last.High = price
	}
	if price.LessThan(last.Low) {
		last.Low = price
	}
	return *last, true
}

func (s *Series) Candles() []core.Kline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Kline, len(s.candles))
	copy(out, s.candles)
	return out
}

func (s *Series) Last() (core.Kline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.candles) == 0 {
		return core.Kline{}, false
	}
	return s.candles[len(s.candles)-1], true
}

func (s *Series) PrevClose() (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prevClose, s.hasPrev
}

// ChangePercent returns (last - prevClose) / prevClose * 100, or false without a non-zero
// previous close or a positive last price.
func (s *Series) ChangePercent(last decimal.Decimal) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasPrev || s.prevClose.IsZero() || last.Sign() <= 0 {
		return decimal.Zero, false
	}
	return last.Sub(s.prevClose).Div(s.prevClose).Mul(hundred), true
}
