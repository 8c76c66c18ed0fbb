package core

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// stepTolerance absorbs drift in step and tick divisibility checks.
var stepTolerance = decimal.New(1, -8)

// ValidationError names the violated filter and why. It is shown to the user verbatim and is
// never sent to the exchange.
type ValidationError struct {
	Filter FilterType
	Reason string
}

func (e *ValidationError) Error() string {
	return string(e.Filter) + ": " + e.Reason
}

func violation(filter FilterType, format string, args ...interface{}) error {
	return &ValidationError{Filter: filter, Reason: fmt.Sprintf(format, args...)}
}

// ValidateOrder checks a candidate order against the symbol filters and returns the first
// violation, or nil. Filters missing from the set are not enforced. PRICE_FILTER applies to
// limit orders only, MARKET_LOT_SIZE to market orders only.
func ValidateOrder(filters SymbolFilterSet, orderType OrderType, qty, price decimal.Decimal) error {
	quote := ""
	if filters.QuoteAsset != "" {
		quote = " " + filters.QuoteAsset
	}
	for _, f := range filters.Filters {
		switch f.Type {
		case FilterLotSize:
			if qty.LessThan(f.MinQty) {
				return violation(f.Type, "Quantity is too low. Min: %s", f.MinQty)
			}
			if f.MaxQty.Sign() > 0 && qty.GreaterThan(f.MaxQty) {
				return violation(f.Type, "Quantity is too high. Max: %s", f.MaxQty)
			}
			if !onStep(qty, f.MinQty, f.StepSize) {
				return violation(f.Type, "Invalid quantity step. Must be multiple of %s", f.StepSize)
			}
		case FilterMinNotional:
			notional := price.Mul(qty)
			if notional.LessThan(f.MinNotional) {
				return violation(f.Type, "Order value too small. Min: %s%s", f.MinNotional, quote)
			}
		case FilterNotional:
			notional := price.Mul(qty)
			if notional.LessThan(f.MinNotional) {
				return violation(f.Type, "Order value too small. Min: %s%s", f.MinNotional, quote)
			}
			if f.MaxNotional.Sign() > 0 && notional.GreaterThan(f.MaxNotional) {
				return violation(f.Type, "Order value too high. Max: %s%s", f.MaxNotional, quote)
			}
		case FilterPrice:
			if !orderType.IsLimit() {
				continue
			}
			if price.LessThan(f.MinPrice) {
				return violation(f.Type, "Price too low. Min: %s", f.MinPrice)
			}
			if f.MaxPrice.Sign() > 0 && price.GreaterThan(f.MaxPrice) {
				return violation(f.Type, "Price too high. Max: %s", f.MaxPrice)
			}
			if !onStep(price, f.MinPrice, f.TickSize) {
				return violation(f.Type, "Invalid price tick. Must be multiple of %s", f.TickSize)
			}
		case FilterMarketLotSize:
			if !orderType.IsMarket() {
				continue
			}
			if qty.LessThan(f.MinQty) {
				return violation(f.Type, "Market qty too low. Min: %s", f.MinQty)
			}
			if f.MaxQty.Sign() > 0 && qty.GreaterThan(f.MaxQty) {
				return violation(f.Type, "Market qty too high. Max: %s", f.MaxQty)
			}
		}
	}
	return nil
}

// onStep accepts a remainder within tolerance of 0 or of the full step. A zero step disables
// the check.
func onStep(value, min, step decimal.Decimal) bool {
	if step.Sign() <= 0 {
		return true
	}
	remainder := value.Sub(min).Mod(step)
	if remainder.LessThanOrEqual(stepTolerance) {
		return true
	}
	return remainder.Sub(step).Abs().LessThanOrEqual(stepTolerance)
}

// CheckEntry rejects order-entry input that cannot be validated: non-positive quantity,
// non-positive limit price, a missing stop price for stop types.
func CheckEntry(order CandidateOrder) error {
	if strings.TrimSpace(order.Symbol) == "" {
		return ErrSymbolRequired
	}
	if order.Side != Buy && order.Side != Sell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	}
	if order.Quantity.Sign() <= 0 {
		return fmt.Errorf("%w: invalid quantity", ErrInvalidOrder)
	}
	if order.Type.IsLimit() && order.Price.Sign() <= 0 {
		return fmt.Errorf("%w: invalid price", ErrInvalidOrder)
	}
	if order.Type.NeedsStopPrice() && order.StopPrice.Sign() <= 0 {
		return fmt.Errorf("%w: invalid stop price", ErrInvalidOrder)
	}
	return nil
}
