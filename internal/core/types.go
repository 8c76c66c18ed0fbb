package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

type TimeInForce string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit           OrderType = "LIMIT"
	Market          OrderType = "MARKET"
	StopLoss        OrderType = "STOP_LOSS"
	StopLossLimit   OrderType = "STOP_LOSS_LIMIT"
	TakeProfit      OrderType = "TAKE_PROFIT"
	TakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"

	// StopMarket is the order-entry name for a stop order; the exchange calls it STOP_LOSS.
	StopMarket OrderType = "STOP_MARKET"
)

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// ExchangeType maps order-entry aliases to the type the exchange accepts.
func (t OrderType) ExchangeType() OrderType {
	if t == StopMarket {
		return StopLoss
	}
	return t
}

// IsLimit reports whether the order rests on the book at a limit price.
func (t OrderType) IsLimit() bool {
	switch t.ExchangeType() {
	case Limit, StopLossLimit, TakeProfitLimit:
		return true
	}
	return false
}

// IsMarket reports whether the order executes at market once triggered.
func (t OrderType) IsMarket() bool {
	switch t.ExchangeType() {
	case Market, StopLoss, TakeProfit:
		return true
	}
	return false
}

// NeedsStopPrice reports whether the exchange requires a trigger price.
func (t OrderType) NeedsStopPrice() bool {
	switch t.ExchangeType() {
	case StopLoss, StopLossLimit, TakeProfit, TakeProfitLimit:
		return true
	}
	return false
}

// CandidateOrder is order-entry input before validation and submission.
type CandidateOrder struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	StopPrice   decimal.Decimal
	TimeInForce TimeInForce
}

type Order struct {
	ID                 string
	ClientID           string
	Symbol             string
	Side               Side
	Type               OrderType
	TimeInForce        TimeInForce
	Price              decimal.Decimal
	StopPrice          decimal.Decimal
	Qty                decimal.Decimal
	ExecutedQty        decimal.Decimal
	CumulativeQuoteQty decimal.Decimal
	Status             OrderStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Trade struct {
	ID              string
	OrderID         string
	Symbol          string
	Price           decimal.Decimal
	Qty             decimal.Decimal
	QuoteQty        decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	IsBuyer         bool
	IsMaker         bool
	Time            time.Time
}

// Kline is one OHLCV candle.
type Kline struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

type AssetBalance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

func (b AssetBalance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

type Account struct {
	AccountType string
	CanTrade    bool
	CanWithdraw bool
	CanDeposit  bool
	Permissions []string
	Balances    []AssetBalance
	UpdateTime  time.Time
}

// Balance returns the balance of asset, or a zero balance when the account holds none.
func (a Account) Balance(asset string) AssetBalance {
	for _, b := range a.Balances {
		if b.Asset == asset {
			return b
		}
	}
	return AssetBalance{Asset: asset, Free: decimal.Zero, Locked: decimal.Zero}
}

// HeldAssets returns the assets with a positive free or locked amount.
func (a Account) HeldAssets() map[string]struct{} {
	held := make(map[string]struct{})
	for _, b := range a.Balances {
		if b.Free.Sign() > 0 || b.Locked.Sign() > 0 {
			held[b.Asset] = struct{}{}
		}
	}
	return held
}

type SymbolInfo struct {
	Symbol     string
	Status     string
	BaseAsset  string
	QuoteAsset string
	Filters    SymbolFilterSet
}

func (s SymbolInfo) Trading() bool {
	return s.Status == "" || s.Status == "TRADING"
}

type ExchangeInfo struct {
	Timezone   string
	ServerTime time.Time
	Symbols    []SymbolInfo
}

// Lookup finds a symbol by exact name.
func (e ExchangeInfo) Lookup(symbol string) (SymbolInfo, bool) {
	for _, s := range e.Symbols {
		if s.Symbol == symbol {
			return s, true
		}
	}
	return SymbolInfo{}, false
}

// Credentials authenticate signed requests. Secret is only used to compute signatures locally.
type Credentials struct {
	APIKey    string
	SecretKey string
}

func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.SecretKey) != ""
}

// MaskedKey renders the API key safe for logs.
func (c Credentials) MaskedKey() string {
	key := strings.TrimSpace(c.APIKey)
	if len(key) <= 8 {
		if key == "" {
			return ""
		}
		return "****"
	}
	return key[:4] + "…" + key[len(key)-4:]
}

func (c Credentials) String() string {
	return "Credentials{api_key=" + c.MaskedKey() + "}"
}
