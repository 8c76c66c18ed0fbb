package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade-terminal/internal/config"
	"trade-terminal/internal/core"
	"trade-terminal/internal/exchange/binance"
	"trade-terminal/internal/logger"
	"trade-terminal/internal/store"
	"trade-terminal/internal/stream"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
	statusSkip checkStatus = "SKIP"
)

var errSkipped = errors.New("skipped")

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Symbol     string        `json:"symbol"`
	Checks     []checkResult `json:"checks"`
}

func (r *report) run(name string, fn func() (string, error)) checkResult {
	start := time.Now()
	detail, err := fn()
	cr := checkResult{Name: name, DurationMs: time.Since(start).Milliseconds(), Detail: detail, Status: statusPass}
	switch {
	case errors.Is(err, errSkipped):
		cr.Status = statusSkip
	case err != nil:
		cr.Status = statusFail
		cr.Error = err.Error()
	}
	r.Checks = append(r.Checks, cr)
	switch cr.Status {
	case statusFail:
		fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
	default:
		fmt.Printf("[%s] %s (%dms)", cr.Status, name, cr.DurationMs)
		if cr.Detail != "" {
			fmt.Printf(" - %s", cr.Detail)
		}
		fmt.Println()
	}
	return cr
}

func (r report) failed() int {
	n := 0
	for _, c := range r.Checks {
		if c.Status == statusFail {
			n++
		}
	}
	return n
}

type selectedChecks struct {
	rest      bool
	filters   bool
	validator bool
	stream    bool
	account   bool
}

func main() {
	var (
		configPath   string
		timeoutSec   int
		streamWait   int
		outJSONPath  string
		allowLiveRun bool
		checkFlag    string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 60, "total timeout seconds")
	flag.IntVar(&streamWait, "stream-wait-sec", 15, "wait seconds for the first stream message")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&allowLiveRun, "allow-live", false, "allow running checks when mode=live")
	flag.StringVar(&checkFlag, "check", "all", "checks to run: all | comma list (rest,filters,validator,stream,account)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode == config.ModeLive && !allowLiveRun {
		fatal("mode=live blocked by default; set -allow-live=true to continue")
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 10 {
		timeoutSec = 10
	}
	if streamWait < 3 {
		streamWait = 3
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fatal(err.Error())
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	creds, err := store.EnvCredentials(cfg.Credentials)
	if err != nil {
		fatal(err.Error())
	}
	client := binance.NewClient(cfg.Exchange, log)
	r := report{StartedAt: time.Now().UTC(), Mode: cfg.Mode, Symbol: cfg.Symbol}

	var (
		lastClose decimal.Decimal
		info      core.SymbolInfo
	)
	if checks.rest {
		r.run("rest_klines", func() (string, error) {
			klines, err := client.Klines(ctx, cfg.Symbol, cfg.Interval, 5)
			if err != nil {
				return "", err
			}
			if len(klines) == 0 {
				return "", errors.New("no candles returned")
			}
			last := klines[len(klines)-1]
			lastClose = last.Close
			return fmt.Sprintf("candles=%d last_open=%s close=%s", len(klines), last.OpenTime.UTC().Format(time.RFC3339), last.Close), nil
		})
	}
	if checks.filters || checks.validator {
		r.run("symbol_filters", func() (string, error) {
			info, err = client.SymbolInfo(ctx, cfg.Symbol)
			if err != nil {
				return "", err
			}
			if !info.Trading() {
				return "", fmt.Errorf("symbol status %s", info.Status)
			}
			names := make([]string, 0, len(info.Filters.Filters))
			for _, f := range info.Filters.Filters {
				names = append(names, string(f.Type))
			}
			return fmt.Sprintf("base=%s quote=%s filters=%s", info.BaseAsset, info.QuoteAsset, strings.Join(names, ",")), nil
		})
	}
	if checks.validator {
		r.run("order_validator", func() (string, error) {
			if lastClose.Sign() <= 0 {
				klines, err := client.Klines(ctx, cfg.Symbol, cfg.Interval, 1)
				if err != nil {
					return "", err
				}
				if len(klines) == 0 {
					return "", errors.New("no reference price")
				}
				lastClose = klines[len(klines)-1].Close
			}
			return checkValidator(info.Filters, lastClose)
		})
	}
	if checks.stream {
		r.run("stream_first_message", func() (string, error) {
			return checkStream(ctx, cfg, log, time.Duration(streamWait)*time.Second)
		})
	}
	if checks.account {
		r.run("signed_account", func() (string, error) {
			if !creds.Complete() {
				return fmt.Sprintf("set %s and %s", cfg.Credentials.EnvAPIKey, cfg.Credentials.EnvSecretKey), errSkipped
			}
			account, err := client.AccountInfo(ctx, creds)
			if err != nil {
				return "", err
			}
			base := account.Balance(info.BaseAsset)
			quote := account.Balance(info.QuoteAsset)
			return fmt.Sprintf("can_trade=%t assets=%d %s=%s %s=%s",
				account.CanTrade, len(account.HeldAssets()),
				base.Asset, base.Total(), quote.Asset, quote.Total()), nil
		})
	}

	r.FinishedAt = time.Now().UTC()
	printSummary(r)
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
	}
	if r.failed() > 0 {
		os.Exit(2)
	}
}

// checkValidator confirms that the smallest order the filters allow passes validation and that
// one step below LOT_SIZE minQty is rejected. The limit price is the reference price rounded down
// to the PRICE_FILTER tick.
func checkValidator(filters core.SymbolFilterSet, price decimal.Decimal) (string, error) {
	if price.Sign() <= 0 {
		return "", errors.New("reference price must be positive")
	}
	if price = core.RoundDown(price, filters.PriceTick()); price.Sign() <= 0 {
		return "", errors.New("reference price is below one tick")
	}
	qty := minimalQty(filters, price)
	if qty.Sign() <= 0 {
		return "", errors.New("could not derive a minimal quantity")
	}
	if err := core.ValidateOrder(filters, core.Limit, qty, price); err != nil {
		return "", fmt.Errorf("minimal order rejected: %w", err)
	}
	lot, ok := filters.Find(core.FilterLotSize)
	if !ok || lot.MinQty.Sign() <= 0 {
		return fmt.Sprintf("min_qty=%s price=%s (no LOT_SIZE minimum)", qty, price), nil
	}
	below := lot.MinQty.Sub(lot.StepSize)
	if lot.StepSize.Sign() <= 0 || below.Sign() <= 0 {
		below = lot.MinQty.Div(decimal.NewFromInt(2))
	}
	err := core.ValidateOrder(filters, core.Limit, below, price)
	var verr *core.ValidationError
	if !errors.As(err, &verr) || verr.Filter != core.FilterLotSize {
		return "", fmt.Errorf("qty %s below minimum not rejected by LOT_SIZE: %v", below, err)
	}
	return fmt.Sprintf("min_qty=%s price=%s rejected=%q", qty, price, verr.Error()), nil
}

// minimalQty is the smallest step-aligned quantity meeting LOT_SIZE and the notional minimum.
func minimalQty(filters core.SymbolFilterSet, price decimal.Decimal) decimal.Decimal {
	qty := decimal.Zero
	step := filters.QtyStep()
	if lot, ok := filters.Find(core.FilterLotSize); ok {
		qty = lot.MinQty
	}
	for _, t := range []core.FilterType{core.FilterNotional, core.FilterMinNotional} {
		if f, ok := filters.Find(t); ok && f.MinNotional.Sign() > 0 {
			if need := f.MinNotional.Div(price); need.GreaterThan(qty) {
				qty = need
			}
		}
	}
	if step.Sign() > 0 {
		qty = qty.Div(step).Ceil().Mul(step)
	}
	if qty.Sign() <= 0 {
		qty = step
	}
	return qty
}

func checkStream(ctx context.Context, cfg config.Config, log *zap.Logger, wait time.Duration) (string, error) {
	mux := stream.NewMultiplexer(stream.Options{
		BaseURL:        cfg.Exchange.WSBaseURL,
		ReconnectDelay: time.Duration(cfg.Stream.ReconnectDelayMs) * time.Millisecond,
		Dialer: stream.WebsocketDialer{
			HandshakeTimeout: time.Duration(cfg.Stream.HandshakeTimeoutSec) * time.Second,
			ReadLimit:        cfg.Stream.ReadLimitBytes,
		},
		Logger: log,
	})
	defer func() {
		mux.Shutdown()
		mux.Wait()
	}()

	channels := []stream.Channel{stream.TradeChannel(cfg.Symbol), stream.KlineChannel(cfg.Symbol, cfg.Interval)}
	first := make(chan stream.Message, 1)
	unsubscribe := mux.Subscribe(func(msg stream.Message) {
		select {
		case first <- msg:
		default:
		}
	}, channels...)
	defer unsubscribe()
	if err := mux.SubscribeToStreams(channels...); err != nil {
		return "", err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case msg := <-first:
		return fmt.Sprintf("streams=%s first=%s event=%s", mux.StreamsKey(), msg.Stream, msg.Event), nil
	case <-timer.C:
		return "", fmt.Errorf("no message within %s (state=%s)", wait, mux.State())
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "all" {
		return selectedChecks{rest: true, filters: true, validator: true, stream: true, account: true}, nil
	}
	var out selectedChecks
	for _, p := range strings.Split(raw, ",") {
		switch name := strings.TrimSpace(p); name {
		case "":
		case "rest", "rest_klines":
			out.rest = true
		case "filters", "symbol_filters":
			out.filters = true
		case "validator", "order_validator":
			out.validator = true
		case "stream", "stream_first_message":
			out.stream = true
		case "account", "signed_account":
			out.account = true
		default:
			return selectedChecks{}, fmt.Errorf("unknown check: %s", name)
		}
	}
	if out == (selectedChecks{}) {
		return selectedChecks{}, errors.New("no checks selected")
	}
	return out, nil
}

func printSummary(r report) {
	counts := map[checkStatus]int{}
	for _, c := range r.Checks {
		counts[c.Status]++
	}
	fmt.Printf("\nsummary mode=%s symbol=%s pass=%d fail=%d skip=%d duration=%s\n",
		r.Mode,
		r.Symbol,
		counts[statusPass],
		counts[statusFail],
		counts[statusSkip],
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
	)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
