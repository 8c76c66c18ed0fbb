package exchange

import (
	"context"

	"trade-terminal/internal/core"
)

// Gateway is the REST surface the terminal session depends on.
type Gateway interface {
	Name() string
	ExchangeInfo(ctx context.Context, creds core.Credentials) (core.ExchangeInfo, error)
	SymbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error)
	AccountInfo(ctx context.Context, creds core.Credentials) (core.Account, error)
	OpenOrders(ctx context.Context, creds core.Credentials, symbol string) ([]core.Order, error)
	AllOrders(ctx context.Context, creds core.Credentials, symbol string) ([]core.Order, error)
	MyTrades(ctx context.Context, creds core.Credentials, symbol string) ([]core.Trade, error)
	PlaceOrder(ctx context.Context, creds core.Credentials, order core.CandidateOrder) (core.Order, error)
}

// SymbolCache is implemented by gateways that cache symbol filters.
type SymbolCache interface {
	InvalidateSymbol(symbol string)
}
