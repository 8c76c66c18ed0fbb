package binance

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"trade-terminal/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// APIError is a non-2xx response from the exchange. Code is zero when the body carried no
// exchange error code.
type APIError struct {
	Status int
	Code   int
	Msg    string
}

func (e APIError) Error() string {
	if e.Code == 0 {
		if e.Msg == "" {
			return "binance http error " + strconv.Itoa(e.Status)
		}
		return "binance http error " + strconv.Itoa(e.Status) + ": " + e.Msg
	}
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type orderResponse struct {
	Symbol             string `json:"symbol"`
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	Price              string `json:"price"`
	StopPrice          string `json:"stopPrice"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status             string `json:"status"`
	TimeInForce        string `json:"timeInForce"`
	Side               string `json:"side"`
	Type               string `json:"type"`
	Time               int64  `json:"time"`
	TransactTime       int64  `json:"transactTime"`
	UpdateTime         int64  `json:"updateTime"`
}

func (r orderResponse) toOrder() core.Order {
	order := core.Order{
		ID:                 strconv.FormatInt(r.OrderID, 10),
		ClientID:           r.ClientOrderID,
		Symbol:             r.Symbol,
		Side:               core.Side(r.Side),
		Type:               core.OrderType(r.Type),
		TimeInForce:        core.TimeInForce(r.TimeInForce),
		Price:              parseDecimal(r.Price),
		StopPrice:          parseDecimal(r.StopPrice),
		Qty:                parseDecimal(r.OrigQty),
		ExecutedQty:        parseDecimal(r.ExecutedQty),
		CumulativeQuoteQty: parseDecimal(r.CumulativeQuoteQty),
		Status:             core.OrderStatus(r.Status),
	}
	switch {
	case r.Time > 0:
		order.CreatedAt = time.UnixMilli(r.Time)
	case r.TransactTime > 0:
		order.CreatedAt = time.UnixMilli(r.TransactTime)
	}
	if r.UpdateTime > 0 {
		order.UpdatedAt = time.UnixMilli(r.UpdateTime)
	} else {
		order.UpdatedAt = order.CreatedAt
	}
	return order
}

type tradeResponse struct {
	Symbol          string `json:"symbol"`
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
	IsMaker         bool   `json:"isMaker"`
}

func (r tradeResponse) toTrade() core.Trade {
	return core.Trade{
		ID:              strconv.FormatInt(r.ID, 10),
		OrderID:         strconv.FormatInt(r.OrderID, 10),
		Symbol:          r.Symbol,
		Price:           parseDecimal(r.Price),
		Qty:             parseDecimal(r.Qty),
		QuoteQty:        parseDecimal(r.QuoteQty),
		Commission:      parseDecimal(r.Commission),
		CommissionAsset: r.CommissionAsset,
		IsBuyer:         r.IsBuyer,
		IsMaker:         r.IsMaker,
		Time:            time.UnixMilli(r.Time),
	}
}

type accountResponse struct {
	AccountType string   `json:"accountType"`
	CanTrade    bool     `json:"canTrade"`
	CanWithdraw bool     `json:"canWithdraw"`
	CanDeposit  bool     `json:"canDeposit"`
	UpdateTime  int64    `json:"updateTime"`
	Permissions []string `json:"permissions"`
	Balances    []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (r accountResponse) toAccount() core.Account {
	account := core.Account{
		AccountType: r.AccountType,
		CanTrade:    r.CanTrade,
		CanWithdraw: r.CanWithdraw,
		CanDeposit:  r.CanDeposit,
		Permissions: r.Permissions,
		Balances:    make([]core.AssetBalance, 0, len(r.Balances)),
	}
	if r.UpdateTime > 0 {
		account.UpdateTime = time.UnixMilli(r.UpdateTime)
	}
	for _, b := range r.Balances {
		account.Balances = append(account.Balances, core.AssetBalance{
			Asset:  b.Asset,
			Free:   parseDecimal(b.Free),
			Locked: parseDecimal(b.Locked),
		})
	}
	return account
}

type exchangeInfoResponse struct {
	Timezone   string               `json:"timezone"`
	ServerTime int64                `json:"serverTime"`
	Symbols    []symbolInfoResponse `json:"symbols"`
}

type symbolInfoResponse struct {
	Symbol     string           `json:"symbol"`
	Status     string           `json:"status"`
	BaseAsset  string           `json:"baseAsset"`
	QuoteAsset string           `json:"quoteAsset"`
	Filters    []filterResponse `json:"filters"`
}

type filterResponse struct {
	FilterType  string `json:"filterType"`
	MinQty      string `json:"minQty"`
	MaxQty      string `json:"maxQty"`
	StepSize    string `json:"stepSize"`
	MinPrice    string `json:"minPrice"`
	MaxPrice    string `json:"maxPrice"`
	TickSize    string `json:"tickSize"`
	MinNotional string `json:"minNotional"`
	MaxNotional string `json:"maxNotional"`
}

// parseSymbolInfo keeps the filters the validator knows about, in exchange order.
func parseSymbolInfo(src symbolInfoResponse) core.SymbolInfo {
	info := core.SymbolInfo{
		Symbol:     src.Symbol,
		Status:     src.Status,
		BaseAsset:  src.BaseAsset,
		QuoteAsset: src.QuoteAsset,
		Filters: core.SymbolFilterSet{
			Symbol:     src.Symbol,
			QuoteAsset: src.QuoteAsset,
		},
	}
	for _, f := range src.Filters {
		filterType := core.FilterType(f.FilterType)
		switch filterType {
		case core.FilterLotSize, core.FilterMarketLotSize, core.FilterPrice, core.FilterMinNotional, core.FilterNotional:
		default:
			continue
		}
		info.Filters.Filters = append(info.Filters.Filters, core.Filter{
			Type:        filterType,
			MinQty:      parseDecimal(f.MinQty),
			MaxQty:      parseDecimal(f.MaxQty),
			StepSize:    parseDecimal(f.StepSize),
			MinPrice:    parseDecimal(f.MinPrice),
			MaxPrice:    parseDecimal(f.MaxPrice),
			TickSize:    parseDecimal(f.TickSize),
			MinNotional: parseDecimal(f.MinNotional),
			MaxNotional: parseDecimal(f.MaxNotional),
		})
	}
	return info
}

// parseKlines decodes the positional kline rows. Malformed rows are skipped.
func parseKlines(body []byte) ([]core.Kline, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	out := make([]core.Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		openTime, err := parseInt64(row[0])
		if err != nil {
			continue
		}
		closeTime, err := parseInt64(row[6])
		if err != nil {
			closeTime = 0
		}
		out = append(out, core.Kline{
			OpenTime:  time.UnixMilli(openTime),
			CloseTime: time.UnixMilli(closeTime),
			Open:      parseDecimal(parseStr(row[1])),
			High:      parseDecimal(parseStr(row[2])),
			Low:       parseDecimal(parseStr(row[3])),
			Close:     parseDecimal(parseStr(row[4])),
			Volume:    parseDecimal(parseStr(row[5])),
		})
	}
	return out, nil
}

func parseInt64(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func parseStr(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func parseDecimal(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return v
}
