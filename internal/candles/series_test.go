package candles

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trade-terminal/internal/core"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func kline(minute int, o, h, l, c string) core.Kline {
	open := base.Add(time.Duration(minute) * time.Minute)
	return core.Kline{
		OpenTime:  open,
		CloseTime: open.Add(time.Minute - time.Millisecond),
		Open:      d(o),
		High:      d(h),
		Low:       d(l),
		Close:     d(c),
		Volume:    d("1"),
	}
}

type stubSource struct {
	klines []core.Kline
	err    error
	limit  int
}

func (s *stubSource) Klines(_ context.Context, _, _ string, limit int) ([]core.Kline, error) {
	s.limit = limit
	return s.klines, s.err
}

func TestLoadSetsHistoryAndPrevClose(t *testing.T) {
	src := &stubSource{klines: []core.Kline{
		kline(0, "100", "101", "99", "100.5"),
		kline(1, "100.5", "102", "100", "101"),
		kline(2, "101", "103", "100.5", "102"),
	}}
	s := NewSeries("BTCUSDT", "1m", 0)
	if err := s.Load(context.Background(), src); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if src.limit != DefaultHistoryLimit {
		t.Fatalf("history limit = %d, want %d", src.limit, DefaultHistoryLimit)
	}
	if got := len(s.Candles()); got != 3 {
		t.Fatalf("len(Candles()) = %d, want 3", got)
	}
	prev, ok := s.PrevClose()
	if !ok || !prev.Equal(d("101")) {
		t.Fatalf("PrevClose() = %s, %v, want 101", prev, ok)
	}
	pct, ok := s.ChangePercent(d("111.1"))
	if !ok || !pct.Equal(d("10")) {
		t.Fatalf("ChangePercent() = %s, %v, want 10", pct, ok)
	}
}

func TestLoadShortOrFailedHistoryClears(t *testing.T) {
	s := NewSeries("BTCUSDT", "1m", 10)
	s.Reset([]core.Kline{kline(0, "1", "1", "1", "1"), kline(1, "1", "1", "1", "2")})

	if err := s.Load(context.Background(), &stubSource{klines: []core.Kline{kline(0, "1", "1", "1", "1")}}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(s.Candles()) != 0 {
		t.Fatalf("single-candle history kept %d candles", len(s.Candles()))
	}
	if _, ok := s.PrevClose(); ok {
		t.Fatalf("PrevClose() ok = true for short history")
	}

	err := s.Load(context.Background(), &stubSource{err: errors.New("boom")})
	if err == nil {
		t.Fatalf("Load() error = nil, want error")
	}
}

func TestLoadDiscardsResultAfterCancel(t *testing.T) {
	s := NewSeries("BTCUSDT", "1m", 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &stubSource{klines: []core.Kline{kline(0, "1", "1", "1", "1"), kline(1, "1", "1", "1", "2")}}
	if err := s.Load(ctx, src); !errors.Is(err, context.Canceled) {
		t.Fatalf("Load() error = %v, want context.Canceled", err)
	}
	if len(s.Candles()) != 0 {
		t.Fatalf("cancelled load applied %d candles", len(s.Candles()))
	}
}

func TestApplyKlineReplacesOrAppends(t *testing.T) {
	s := NewSeries("BTCUSDT", "1m", 3)
	s.Reset([]core.Kline{
		kline(0, "100", "101", "99", "100"),
		kline(1, "100", "102", "99", "101"),
	})

	got := s.ApplyKline(kline(1, "100", "102", "99", "101.5"), d("103"), true)
	if !got.Close.Equal(d("103")) || !got.High.Equal(d("103")) {
		t.Fatalf("ApplyKline() = %+v, want close/high 103", got)
	}
	if n := len(s.Candles()); n != 2 {
		t.Fatalf("same open time appended: %d candles", n)
	}

	s.ApplyKline(kline(2, "103", "104", "102", "103.5"), decimal.Zero, false)
	prev, _ := s.PrevClose()
	if !prev.Equal(d("103")) {
		t.Fatalf("PrevClose() = %s, want 103", prev)
	}
	last, _ := s.Last()
	if !last.Close.Equal(d("103.5")) {
		t.Fatalf("Last().Close = %s, want 103.5", last.Close)
	}

	s.ApplyKline(kline(3, "103.5", "104", "98", "99"), d("97"), true)
	candles := s.Candles()
	if len(candles) != 3 {
		t.Fatalf("len(Candles()) = %d, want limit 3", len(candles))
	}
	if !candles[0].OpenTime.Equal(base.Add(time.Minute)) {
		t.Fatalf("oldest candle = %v, want minute 1", candles[0].OpenTime)
	}
	if !candles[2].Low.Equal(d("97")) {
		t.Fatalf("live low = %s, want 97", candles[2].Low)
	}
}

func TestApplyTradeStretchesLiveCandle(t *testing.T) {
	s := NewSeries("BTCUSDT", "1m", 10)
	if _, ok := s.ApplyTrade(d("1")); ok {
		t.Fatalf("ApplyTrade() on empty series ok = true")
	}
	s.Reset([]core.Kline{
		kline(0, "100", "101", "99", "100"),
		kline(1, "100", "102", "99", "101"),
	})
	got, ok := s.ApplyTrade(d("105"))
	if !ok || !got.High.Equal(d("105")) || !got.Close.Equal(d("105")) {
		t.Fatalf("ApplyTrade(105) = %+v, %v", got, ok)
	}
	got, _ = s.ApplyTrade(d("98"))
	if !got.Low.Equal(d("98")) || !got.High.Equal(d("105")) {
		t.Fatalf("ApplyTrade(98) = %+v", got)
	}
}

func TestChangePercentWithoutPrevClose(t *testing.T) {
	s := NewSeries("BTCUSDT", "1m", 10)
	if _, ok := s.ChangePercent(d("100")); ok {
		t.Fatalf("ChangePercent() ok = true without history")
	}
}
