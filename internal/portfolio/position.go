package portfolio

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"trade-terminal/internal/core"
)

var DefaultKnownQuotes = []string{"USDT", "BUSD", "BTC", "ETH", "BNB", "TRY", "USD"}

var hundred = decimal.NewFromInt(100)

// Position summarises holdings of one symbol's base asset. Prices are in the quote asset.
type Position struct {
	Symbol        string
	BaseAsset     string
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarketPrice   decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	PnLPercent    decimal.Decimal
}

// BaseAsset resolves the base asset of symbol. Exchange metadata wins; otherwise the first known
// quote that is a proper suffix is stripped. An unresolved symbol returns "".
func BaseAsset(symbol string, info core.SymbolInfo, knownQuotes []string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if info.Symbol == symbol && info.BaseAsset != "" {
		return info.BaseAsset
	}
	if len(knownQuotes) == 0 {
		knownQuotes = DefaultKnownQuotes
	}
	for _, quote := range knownQuotes {
		quote = strings.ToUpper(quote)
		if quote != "" && strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return ""
}

// Summarize derives the position from the account balance and trade history. Entry is the
// volume-weighted buy price; sells realise against it; the held size is marked at lastPrice.
// It reports false when nothing is held and there is no history.
func Summarize(symbol, baseAsset string, account core.Account, trades []core.Trade, lastPrice decimal.Decimal) (Position, bool) {
	size := decimal.Zero
	if baseAsset != "" {
		size = account.Balance(baseAsset).Total()
	}
	if size.Sign() <= 0 && len(trades) == 0 {
		return Position{}, false
	}

	buyQty, buyCost := decimal.Zero, decimal.Zero
	sellQty, sellValue := decimal.Zero, decimal.Zero
	for _, t := range trades {
		value := t.Qty.Mul(t.Price)
		if t.IsBuyer {
			buyQty = buyQty.Add(t.Qty)
			buyCost = buyCost.Add(value)
		} else {
			sellQty = sellQty.Add(t.Qty)
			sellValue = sellValue.Add(value)
		}
	}

	entry := decimal.Zero
	if buyQty.Sign() > 0 {
		entry = buyCost.Div(buyQty)
	}
	pos := Position{
		Symbol:        symbol,
		BaseAsset:     baseAsset,
		Size:          size,
		EntryPrice:    entry,
		MarketPrice:   lastPrice,
		RealizedPnL:   sellValue.Sub(sellQty.Mul(entry)),
		UnrealizedPnL: lastPrice.Sub(entry).Mul(size),
		PnLPercent:    decimal.Zero,
	}
	if entry.Sign() > 0 {
		pos.PnLPercent = lastPrice.Sub(entry).Div(entry).Mul(hundred)
	}
	return pos, true
}

// NewestFirst returns trades sorted by time, latest first.
func NewestFirst(trades []core.Trade) []core.Trade {
	out := append([]core.Trade(nil), trades...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return out
}

// OrdersNewestFirst returns orders sorted by creation time, latest first.
func OrdersNewestFirst(orders []core.Order) []core.Order {
	out := append([]core.Order(nil), orders...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
