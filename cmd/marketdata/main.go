package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"trade-terminal/internal/config"
	"trade-terminal/internal/core"
	"trade-terminal/internal/exchange/binance"
	"trade-terminal/internal/logger"
)

const (
	defaultOutDir = "data/binance"
	batchLimit    = 1000
	maxAttempts   = 5
)

// candleLine is one JSONL record.
type candleLine struct {
	Time      string `json:"time"`
	Timestamp int64  `json:"timestamp"`
	Symbol    string `json:"symbol"`
	Interval  string `json:"interval"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
}

func newCandleLine(symbol, interval string, k core.Kline) candleLine {
	open := k.OpenTime.UTC()
	return candleLine{
		Time:      open.Format(time.RFC3339),
		Timestamp: open.UnixMilli(),
		Symbol:    symbol,
		Interval:  interval,
		Open:      k.Open.String(),
		High:      k.High.String(),
		Low:       k.Low.String(),
		Close:     k.Close.String(),
		Volume:    k.Volume.String(),
	}
}

// dailyFiles writes each UTC day to <root>/<date>.jsonl, truncating a day's file when it is
// first opened.
type dailyFiles struct {
	root string
	day  string
	file *os.File
}

func newDailyFiles(root string) (*dailyFiles, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &dailyFiles{root: root}, nil
}

func (w *dailyFiles) append(day string, record any) error {
	if day != w.day || w.file == nil {
		if err := w.close(); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(w.root, day+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		w.file, w.day = f, day
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = w.file.Write(append(data, '\n'))
	return err
}

func (w *dailyFiles) close() error {
	if w == nil || w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type klineRanger interface {
	KlineRange(ctx context.Context, q binance.KlineQuery) ([]core.Kline, error)
}

type download struct {
	source   klineRanger
	symbol   string
	interval string
	start    time.Time
	end      time.Time
	retry    func() backoff.BackOff
	logger   *zap.Logger
}

// run pages forward from start until end, writing every candle that opens before end.
func (d download) run(ctx context.Context, out *dailyFiles) (records, requests int, err error) {
	cursor := d.start
	for cursor.Before(d.end) {
		batch, err := d.fetch(ctx, cursor)
		if err != nil {
			return records, requests, err
		}
		requests++
		if len(batch) == 0 {
			break
		}
		advanced := false
		for _, k := range batch {
			if !k.OpenTime.Before(d.end) {
				continue
			}
			if err := out.append(k.OpenTime.UTC().Format("2006-01-02"), newCandleLine(d.symbol, d.interval, k)); err != nil {
				return records, requests, err
			}
			records++
			if next := k.OpenTime.Add(time.Millisecond); next.After(cursor) {
				cursor = next
				advanced = true
			}
		}
		if !advanced {
			break
		}
		if requests%20 == 0 {
			d.logger.Info("progress",
				zap.Int("requests", requests),
				zap.Int("records", records),
				zap.Time("cursor", cursor),
			)
		}
	}
	return records, requests, nil
}

func (d download) fetch(ctx context.Context, from time.Time) ([]core.Kline, error) {
	q := binance.KlineQuery{
		Symbol:    d.symbol,
		Interval:  d.interval,
		Limit:     batchLimit,
		StartTime: from,
		EndTime:   d.end.Add(-time.Millisecond),
	}
	policy := d.retry
	if policy == nil {
		policy = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	return backoff.Retry(ctx, func() ([]core.Kline, error) {
		batch, err := d.source.KlineRange(ctx, q)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return batch, err
	}, backoff.WithBackOff(policy()), backoff.WithMaxTries(maxAttempts))
}

// retryable reports rate limiting, server errors, and transport failures.
func retryable(err error) bool {
	if core.IsAborted(err) {
		return false
	}
	apiErr, ok := binance.AsAPIError(err)
	if !ok {
		return true
	}
	return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
}

func main() {
	var (
		mode       string
		baseURL    string
		symbol     string
		interval   string
		months     int
		startRaw   string
		endRaw     string
		outDir     string
		timeoutSec int64
		rps        float64
	)
	flag.StringVar(&mode, "mode", string(config.ModeLive), "testnet or live; picks the default REST endpoint")
	flag.StringVar(&baseURL, "base-url", "", "REST base url including /api/v3 (overrides -mode)")
	flag.StringVar(&symbol, "symbol", "BTCUSDT", "symbol, e.g. BTCUSDT")
	flag.StringVar(&interval, "interval", "1m", "kline interval, e.g. 1m/5m/15m/1h")
	flag.IntVar(&months, "months", 6, "how many months to fetch back from now")
	flag.StringVar(&startRaw, "start", "", "start time (YYYY-MM-DD or RFC3339, UTC)")
	flag.StringVar(&endRaw, "end", "", "end time (YYYY-MM-DD or RFC3339, UTC), inclusive for date")
	flag.StringVar(&outDir, "out-dir", defaultOutDir, "output root dir")
	flag.Int64Var(&timeoutSec, "timeout-sec", 20, "http timeout seconds")
	flag.Float64Var(&rps, "rps", 8, "request rate limit per second")
	flag.Parse()

	cfg := config.Config{
		Mode:     config.Mode(mode),
		Symbol:   symbol,
		Interval: interval,
		Exchange: config.ExchangeConfig{RestBaseURL: baseURL},
	}
	if err := cfg.Resolve(); err != nil {
		fatal(err.Error())
	}
	start, end, err := resolveWindow(time.Now().UTC(), months, startRaw, endRaw)
	if err != nil {
		fatal(err.Error())
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fatal(err.Error())
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	targetDir := filepath.Join(outDir, cfg.Symbol, cfg.Interval)
	out, err := newDailyFiles(targetDir)
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if closeErr := out.close(); closeErr != nil {
			log.Warn("close_output_failed", zap.Error(closeErr))
		}
	}()

	client := binance.NewClientWithOptions(binance.Options{
		RestBaseURL:       cfg.Exchange.RestBaseURL,
		HTTPTimeoutSec:    timeoutSec,
		RequestsPerSecond: rps,
		RequestBurst:      1,
		Logger:            log,
	})
	log.Info("fetching",
		zap.String("symbol", cfg.Symbol),
		zap.String("interval", cfg.Interval),
		zap.Time("from", start),
		zap.Time("to", end.Add(-time.Millisecond)),
	)
	records, requests, err := download{
		source:   client,
		symbol:   cfg.Symbol,
		interval: cfg.Interval,
		start:    start,
		end:      end,
		logger:   log,
	}.run(ctx, out)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("canceled", zap.Int("records", records))
			return
		}
		fatal(err.Error())
	}
	log.Info("done", zap.Int("records", records), zap.Int("requests", requests), zap.String("output", targetDir))
}

// resolveWindow returns [start, end). Without explicit bounds it covers the last months up to
// now. A date-only end includes that whole day.
func resolveWindow(now time.Time, months int, startRaw, endRaw string) (time.Time, time.Time, error) {
	startRaw, endRaw = strings.TrimSpace(startRaw), strings.TrimSpace(endRaw)
	if startRaw == "" && endRaw == "" {
		if months < 1 {
			return time.Time{}, time.Time{}, errors.New("months must be >= 1")
		}
		return now.AddDate(0, -months, 0), now, nil
	}
	if startRaw == "" || endRaw == "" {
		return time.Time{}, time.Time{}, errors.New("start and end must be provided together")
	}
	start, _, err := parseBound(startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	end, dateOnly, err := parseBound(endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if dateOnly {
		end = end.AddDate(0, 0, 1)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	return start, end, nil
}

var boundLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02 15:04"}

func parseBound(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.UTC(), true, nil
	}
	for _, layout := range boundLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unsupported time format %q", raw)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
