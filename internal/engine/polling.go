package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"trade-terminal/internal/core"
	"trade-terminal/internal/portfolio"
)

// restartPollingLocked cancels the running poll loops and, with complete credentials, starts
// new ones bound to the current symbol. Results of cancelled loops are never applied.
func (t *Terminal) restartPollingLocked() {
	if t.pollCancel != nil {
		t.pollCancel()
		t.pollCancel = nil
	}
	t.pollGen++
	if t.runCtx == nil || t.stopped || !t.creds.Complete() || t.symbol == "" {
		return
	}
	ctx, cancel := context.WithCancel(t.runCtx)
	t.pollCancel = cancel
	gen, symbol, creds := t.pollGen, t.symbol, t.creds

	if every := t.opts.AccountEvery; every > 0 {
		t.pollWG.Go(func() {
			t.pollLoop(ctx, "account", every, nil, func(ctx context.Context) error {
				return t.pollAccount(ctx, gen, creds)
			})
		})
	}
	if every := t.opts.OpenOrdersEvery; every > 0 {
		t.pollWG.Go(func() {
			t.pollLoop(ctx, "open_orders", every, t.ordersKick, func(ctx context.Context) error {
				return t.pollOpenOrders(ctx, gen, creds, symbol)
			})
		})
	}
	if every := t.opts.TradesEvery; every > 0 {
		t.pollWG.Go(func() {
			t.pollLoop(ctx, "trades", every, t.tradesKick, func(ctx context.Context) error {
				return t.pollTrades(ctx, gen, creds, symbol)
			})
		})
	}
}

// pollLoop runs fn immediately and then every interval, or early when kick fires.
func (t *Terminal) pollLoop(ctx context.Context, name string, every time.Duration, kick <-chan struct{}, fn func(context.Context) error) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		if err := fn(ctx); err != nil && !core.IsAborted(err) && ctx.Err() == nil {
			t.logger.Warn("poll_failed", zap.String("poll", name), zap.Error(err))
			t.recordError(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		case <-kick:
		}
	}
}

// currentLocked reports whether results fetched under gen may still be applied.
func (t *Terminal) currentLocked(ctx context.Context, gen uint64) bool {
	return ctx.Err() == nil && gen == t.pollGen && !t.stopped
}

func (t *Terminal) pollAccount(ctx context.Context, gen uint64, creds core.Credentials) error {
	account, err := t.opts.Gateway.AccountInfo(ctx, creds)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if !t.currentLocked(ctx, gen) {
		t.mu.Unlock()
		return nil
	}
	t.account = account
	t.hasAccount = true
	t.mu.Unlock()
	if t.opts.Hooks.OnAccount != nil {
		t.opts.Hooks.OnAccount(account)
	}
	t.emitPosition()
	return nil
}

func (t *Terminal) pollOpenOrders(ctx context.Context, gen uint64, creds core.Credentials, symbol string) error {
	orders, err := t.opts.Gateway.OpenOrders(ctx, creds, symbol)
	if err != nil {
		return err
	}
	orders = portfolio.OrdersNewestFirst(orders)
	t.mu.Lock()
	if !t.currentLocked(ctx, gen) {
		t.mu.Unlock()
		return nil
	}
	t.openOrders = orders
	t.mu.Unlock()
	if t.opts.Hooks.OnOpenOrders != nil {
		t.opts.Hooks.OnOpenOrders(orders)
	}
	return nil
}

func (t *Terminal) pollTrades(ctx context.Context, gen uint64, creds core.Credentials, symbol string) error {
	trades, err := t.opts.Gateway.MyTrades(ctx, creds, symbol)
	if err != nil {
		return err
	}
	trades = portfolio.NewestFirst(trades)
	t.mu.Lock()
	if !t.currentLocked(ctx, gen) {
		t.mu.Unlock()
		return nil
	}
	t.trades = trades
	t.mu.Unlock()
	if t.opts.Hooks.OnTrades != nil {
		t.opts.Hooks.OnTrades(trades)
	}
	t.emitPosition()
	return nil
}
