package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade-terminal/internal/alert"
	"trade-terminal/internal/config"
	"trade-terminal/internal/core"
	"trade-terminal/internal/engine"
	"trade-terminal/internal/exchange/binance"
	"trade-terminal/internal/logger"
	"trade-terminal/internal/portfolio"
	"trade-terminal/internal/store"
	"trade-terminal/internal/stream"
	"trade-terminal/internal/ticker"
)

type orderFlags struct {
	side      string
	orderType string
	qty       string
	price     string
	stopPrice string
	tif       string
}

func main() {
	var (
		configPath       string
		symbol           string
		interval         string
		instanceID       string
		saveCredentials  bool
		clearCredentials bool
		order            orderFlags
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&symbol, "symbol", "", "override the configured symbol")
	flag.StringVar(&interval, "interval", "", "override the configured chart interval")
	flag.StringVar(&instanceID, "instance", "", "instance id (default: random)")
	flag.BoolVar(&saveCredentials, "save-credentials", false, "persist the environment credentials and exit")
	flag.BoolVar(&clearCredentials, "clear-credentials", false, "remove persisted credentials and exit")
	flag.StringVar(&order.side, "order-side", "", "submit one order after start: BUY or SELL")
	flag.StringVar(&order.orderType, "order-type", "LIMIT", "order type")
	flag.StringVar(&order.qty, "order-qty", "", "order quantity")
	flag.StringVar(&order.price, "order-price", "", "limit price")
	flag.StringVar(&order.stopPrice, "order-stop", "", "stop price")
	flag.StringVar(&order.tif, "order-tif", "", "time in force for limit orders")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if symbol != "" {
		cfg.Symbol = strings.ToUpper(strings.TrimSpace(symbol))
	}
	if interval != "" {
		cfg.Interval = strings.TrimSpace(interval)
	}
	if err := cfg.Validate(); err != nil {
		fatal(err.Error())
	}
	if instanceID == "" {
		instanceID = uuid.NewString()[:8]
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fatal(err.Error())
	}
	defer log.Sync() //nolint:errcheck
	log = log.With(zap.String("mode", string(cfg.Mode)), zap.String("instance", instanceID))

	dir := stateDir(cfg)
	st, err := store.New(dir, log)
	if err != nil {
		fatal(err.Error())
	}
	envCreds, err := store.EnvCredentials(cfg.Credentials)
	if err != nil {
		fatal(err.Error())
	}
	switch {
	case clearCredentials:
		if err := st.ClearCredentials(); err != nil {
			fatal(err.Error())
		}
		fmt.Println("credentials cleared")
		return
	case saveCredentials:
		if !envCreds.Complete() {
			fatal(fmt.Sprintf("set %s and %s to save credentials", cfg.Credentials.EnvAPIKey, cfg.Credentials.EnvSecretKey))
		}
		if err := st.SaveCredentials(envCreds); err != nil {
			fatal(err.Error())
		}
		fmt.Printf("credentials saved api_key=%s\n", envCreds.MaskedKey())
		return
	}
	creds, err := st.LoadCredentials(envCreds)
	if err != nil {
		fatal(err.Error())
	}
	candidate, hasOrder, err := order.candidate(cfg.Symbol)
	if err != nil {
		fatal(err.Error())
	}

	instanceLock, err := store.AcquireInstanceLock(dir, store.LockOptions{
		InstanceID:      instanceID,
		TakeoverEnabled: *cfg.State.LockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if relErr := instanceLock.Release(); relErr != nil {
			log.Warn("release_instance_lock_failed", zap.Error(relErr))
		}
	}()

	alerts := buildAlertManager(cfg, log)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := alerts.Close(closeCtx); err != nil {
			log.Warn("close_alert_manager_failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := binance.NewClient(cfg.Exchange, log)
	reconnectDelay := time.Duration(cfg.Stream.ReconnectDelayMs) * time.Millisecond
	dialer := stream.WebsocketDialer{
		HandshakeTimeout: time.Duration(cfg.Stream.HandshakeTimeoutSec) * time.Second,
		ReadLimit:        cfg.Stream.ReadLimitBytes,
	}
	mux := stream.NewMultiplexer(stream.Options{
		BaseURL:        cfg.Exchange.WSBaseURL,
		ReconnectDelay: reconnectDelay,
		Dialer:         dialer,
		Logger:         log,
	})
	prices := ticker.New(ticker.Options{
		BaseURL:        cfg.Exchange.WSBaseURL,
		ReconnectDelay: reconnectDelay,
		Dialer:         dialer,
		Logger:         log,
	})

	term, err := engine.NewTerminal(engine.Options{
		Mode:            string(cfg.Mode),
		InstanceID:      instanceID,
		Symbol:          cfg.Symbol,
		Interval:        cfg.Interval,
		HistoryLimit:    cfg.Stream.HistoryLimit,
		Credentials:     creds,
		MaxNotional:     cfg.Order.MaxNotional.Decimal,
		KnownQuotes:     cfg.Portfolio.KnownQuotes,
		AccountEvery:    time.Duration(cfg.Polling.AccountSec) * time.Second,
		OpenOrdersEvery: time.Duration(cfg.Polling.OpenOrdersSec) * time.Second,
		TradesEvery:     time.Duration(cfg.Polling.TradesSec) * time.Second,
		Gateway:         client,
		Streams:         mux,
		Prices:          prices,
		Status:          st,
		Alerts:          alerts,
		Hooks:           printHooks(log),
		Logger:          log,
	})
	if err != nil {
		fatal(err.Error())
	}

	log.Info("terminal_start",
		zap.String("symbol", cfg.Symbol),
		zap.String("interval", cfg.Interval),
		zap.String("api_key", creds.MaskedKey()),
		zap.String("state_dir", dir),
	)
	if err := term.Start(ctx); err != nil && !core.IsAborted(err) {
		log.Warn("chart_start_failed", zap.Error(err))
	}
	if hasOrder {
		placed, err := term.SubmitOrder(ctx, candidate)
		if err != nil {
			log.Error("order_rejected", zap.Error(err))
		} else {
			fmt.Printf("order placed id=%s symbol=%s status=%s\n", placed.ID, placed.Symbol, placed.Status)
		}
	}

	<-ctx.Done()
	log.Info("terminal_stopping")
	term.Stop()
	mux.Shutdown()
	prices.Close()
	mux.Wait()
	prices.Wait()
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

// stateDir keeps each mode and symbol in its own directory so a testnet session never reads
// live credentials.
func stateDir(cfg config.Config) string {
	return filepath.Join(cfg.State.Dir, strings.ToLower(string(cfg.Mode)), cfg.Symbol)
}

func buildAlertManager(cfg config.Config, log *zap.Logger) *alert.Manager {
	notifier := alert.Fanout(alert.NewLogNotifier(log))
	if tg := alert.NewTelegramNotifier(cfg.Observability.Telegram); tg != nil {
		notifier = alert.Fanout(alert.NewLogNotifier(log), tg)
	}
	return alert.NewManagerWithOptions(string(cfg.Mode), cfg.Symbol, notifier, alert.ManagerOptions{
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
		Logger:             log,
	})
}

// candidate builds the one-shot order from flags. No side means no order.
func (f orderFlags) candidate(symbol string) (core.CandidateOrder, bool, error) {
	side := core.Side(strings.ToUpper(strings.TrimSpace(f.side)))
	if side == "" {
		return core.CandidateOrder{}, false, nil
	}
	if side != core.Buy && side != core.Sell {
		return core.CandidateOrder{}, false, fmt.Errorf("order-side must be BUY or SELL, got %q", f.side)
	}
	order := core.CandidateOrder{
		Symbol:      symbol,
		Side:        side,
		Type:        core.OrderType(strings.ToUpper(strings.TrimSpace(f.orderType))),
		TimeInForce: core.TimeInForce(strings.ToUpper(strings.TrimSpace(f.tif))),
	}
	for _, field := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"order-qty", f.qty, &order.Quantity},
		{"order-price", f.price, &order.Price},
		{"order-stop", f.stopPrice, &order.StopPrice},
	} {
		raw := strings.TrimSpace(field.raw)
		if raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return core.CandidateOrder{}, false, fmt.Errorf("%s: %w", field.name, err)
		}
		*field.dst = v
	}
	return order, true, nil
}

func printHooks(log *zap.Logger) engine.Hooks {
	return engine.Hooks{
		OnPrice: func(u ticker.Update) {
			log.Debug("price", zap.String("symbol", u.Symbol), zap.String("price", u.Price.String()))
		},
		OnCandle: func(symbol, interval string, k core.Kline) {
			log.Debug("candle",
				zap.String("symbol", symbol),
				zap.String("interval", interval),
				zap.Time("open_time", k.OpenTime),
				zap.String("open", k.Open.String()),
				zap.String("high", k.High.String()),
				zap.String("low", k.Low.String()),
				zap.String("close", k.Close.String()),
			)
		},
		OnStatus: func(connected bool) {
			log.Info("stream_status", zap.Bool("connected", connected))
		},
		OnAccount: func(a core.Account) {
			held := make([]string, 0, len(a.Balances))
			for _, b := range a.Balances {
				if b.Total().Sign() > 0 {
					held = append(held, b.Asset+"="+b.Total().String())
				}
			}
			log.Info("account", zap.Bool("can_trade", a.CanTrade), zap.Strings("balances", held))
		},
		OnOpenOrders: func(orders []core.Order) {
			log.Info("open_orders", zap.Int("count", len(orders)))
		},
		OnTrades: func(trades []core.Trade) {
			log.Debug("trades", zap.Int("count", len(trades)))
		},
		OnPosition: func(p portfolio.Position) {
			log.Info("position",
				zap.String("symbol", p.Symbol),
				zap.String("size", p.Size.String()),
				zap.String("entry", p.EntryPrice.StringFixed(8)),
				zap.String("unrealized", p.UnrealizedPnL.StringFixed(8)),
				zap.String("pnl_pct", p.PnLPercent.StringFixed(2)),
			)
		},
	}
}
