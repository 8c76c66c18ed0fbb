package stream

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"trade-terminal/internal/core"
)

var errUnexpectedEvent = errors.New("unexpected stream event")

// Message is one inbound frame. Stream is the envelope stream name, or for single-stream
// payloads the channel derived from the event type and symbol; it is empty when neither
// applies. Data is the event payload without the envelope.
type Message struct {
	Stream    Channel
	Event     string
	Symbol    string
	EventTime time.Time
	Data      json.RawMessage
}

// Trade is a public trade or aggregate trade event.
type Trade struct {
	Symbol     string
	TradeID    int64
	Price      decimal.Decimal
	Qty        decimal.Decimal
	Time       time.Time
	BuyerMaker bool
}

// KlineEvent is a candle update. Closed marks the final update of the candle.
type KlineEvent struct {
	Symbol   string
	Interval string
	Kline    core.Kline
	Closed   bool
}

// Decode parses a combined-stream envelope {"stream","data"} or a raw single-stream payload.
// Keys are matched exactly since payloads use keys differing only by case ("e" and "E").
func Decode(frame []byte) (Message, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return Message{}, errors.New("empty frame")
	}
	if trimmed[0] == '[' {
		return Message{Data: json.RawMessage(trimmed)}, nil
	}
	var top fields
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}

	msg := Message{Data: json.RawMessage(trimmed)}
	payload := top
	if data, ok := top["data"]; ok {
		if _, hasStream := top["stream"]; hasStream {
			msg.Stream = Channel(top.str("stream"))
			msg.Data = data
			payload = nil
			_ = json.Unmarshal(data, &payload)
		}
	}
	msg.Event = payload.str("e")
	msg.Symbol = payload.str("s")
	if ms := payload.int64("E"); ms > 0 {
		msg.EventTime = time.UnixMilli(ms)
	}
	if msg.Stream == "" {
		msg.Stream = deriveChannel(msg.Event, msg.Symbol, payload)
	}
	return msg, nil
}

func deriveChannel(event, symbol string, payload fields) Channel {
	if event == "" || symbol == "" {
		return ""
	}
	switch event {
	case "trade":
		return NewChannel(symbol, "trade")
	case "aggTrade":
		return NewChannel(symbol, "aggTrade")
	case "kline":
		interval := payload.object("k").str("i")
		if interval == "" {
			return ""
		}
		return KlineChannel(symbol, interval)
	case "24hrTicker":
		return NewChannel(symbol, "ticker")
	case "24hrMiniTicker":
		return NewChannel(symbol, "miniTicker")
	case "depthUpdate":
		return NewChannel(symbol, "depth")
	}
	return ""
}

func (m Message) payload() (fields, error) {
	var f fields
	if err := json.Unmarshal(m.Data, &f); err != nil {
		return nil, err
	}
	return f, nil
}

func (m Message) Trade() (Trade, error) {
	if m.Event != "trade" && m.Event != "aggTrade" {
		return Trade{}, fmt.Errorf("%w: %q is not a trade", errUnexpectedEvent, m.Event)
	}
	f, err := m.payload()
	if err != nil {
		return Trade{}, err
	}
	price, err := f.decimal("p")
	if err != nil {
		return Trade{}, err
	}
	qty, err := f.decimal("q")
	if err != nil {
		return Trade{}, err
	}
	id := f.int64("t")
	if m.Event == "aggTrade" {
		id = f.int64("a")
	}
	return Trade{
		Symbol:     f.str("s"),
		TradeID:    id,
		Price:      price,
		Qty:        qty,
		Time:       time.UnixMilli(f.int64("T")),
		BuyerMaker: f.bool("m"),
	}, nil
}

func (m Message) Kline() (KlineEvent, error) {
	if m.Event != "kline" {
		return KlineEvent{}, fmt.Errorf("%w: %q is not a kline", errUnexpectedEvent, m.Event)
	}
	f, err := m.payload()
	if err != nil {
		return KlineEvent{}, err
	}
	k := f.object("k")
	if k == nil {
		return KlineEvent{}, errors.New("kline payload missing k")
	}
	ev := KlineEvent{
		Symbol:   f.str("s"),
		Interval: k.str("i"),
		Closed:   k.bool("x"),
		Kline: core.Kline{
			OpenTime:  time.UnixMilli(k.int64("t")),
			CloseTime: time.UnixMilli(k.int64("T")),
		},
	}
	for _, field := range []struct {
		key string
		dst *decimal.Decimal
	}{
		{"o", &ev.Kline.Open},
		{"h", &ev.Kline.High},
		{"l", &ev.Kline.Low},
		{"c", &ev.Kline.Close},
		{"v", &ev.Kline.Volume},
	} {
		v, err := k.decimal(field.key)
		if err != nil {
			return KlineEvent{}, err
		}
		*field.dst = v
	}
	return ev, nil
}

type fields map[string]json.RawMessage

func (f fields) str(key string) string {
	raw, ok := f[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (f fields) int64(key string) int64 {
	raw, ok := f[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	n, _ = strconv.ParseInt(strings.Trim(string(raw), `"`), 10, 64)
	return n
}

func (f fields) bool(key string) bool {
	raw, ok := f[key]
	if !ok {
		return false
	}
	var b bool
	_ = json.Unmarshal(raw, &b)
	return b
}

func (f fields) decimal(key string) (decimal.Decimal, error) {
	s := f.str(key)
	if s == "" {
		return decimal.Zero, fmt.Errorf("missing decimal field %q", key)
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %q: %w", key, err)
	}
	return v, nil
}

func (f fields) object(key string) fields {
	raw, ok := f[key]
	if !ok {
		return nil
	}
	var obj fields
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}
