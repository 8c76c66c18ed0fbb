package core

import "github.com/shopspring/decimal"

type FilterType string

const (
	FilterLotSize       FilterType = "LOT_SIZE"
	FilterMarketLotSize FilterType = "MARKET_LOT_SIZE"
	FilterPrice         FilterType = "PRICE_FILTER"
	FilterMinNotional   FilterType = "MIN_NOTIONAL"
	FilterNotional      FilterType = "NOTIONAL"
)

// Filter is one exchange trading rule. Only the bounds relevant to Type are populated;
// the others stay zero.
type Filter struct {
	Type        FilterType
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	StepSize    decimal.Decimal
	MinPrice    decimal.Decimal
	MaxPrice    decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
	MaxNotional decimal.Decimal
}

// SymbolFilterSet holds the trading filters of one symbol, in exchange order.
type SymbolFilterSet struct {
	Symbol     string
	QuoteAsset string
	Filters    []Filter
}

// Find returns the first filter of the given type.
func (s SymbolFilterSet) Find(t FilterType) (Filter, bool) {
	for _, f := range s.Filters {
		if f.Type == t {
			return f, true
		}
	}
	return Filter{}, false
}

// QtyStep returns the LOT_SIZE step, or zero when the symbol has none.
func (s SymbolFilterSet) QtyStep() decimal.Decimal {
	if f, ok := s.Find(FilterLotSize); ok {
		return f.StepSize
	}
	return decimal.Zero
}

// PriceTick returns the PRICE_FILTER tick, or zero when the symbol has none.
func (s SymbolFilterSet) PriceTick() decimal.Decimal {
	if f, ok := s.Find(FilterPrice); ok {
		return f.TickSize
	}
	return decimal.Zero
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
