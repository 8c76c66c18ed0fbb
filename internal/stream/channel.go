package stream

import (
	"net/url"
	"sort"
	"strings"
)

// Channel names one exchange stream, "{symbol_lowercase}@{type}", e.g. "btcusdt@kline_1m".
type Channel string

func NewChannel(symbol, kind string) Channel {
	return Channel(strings.ToLower(strings.TrimSpace(symbol)) + "@" + strings.TrimSpace(kind))
}

func TradeChannel(symbol string) Channel {
	return NewChannel(symbol, "trade")
}

// KlineChannel keeps interval case as given; "1M" (month) and "1m" (minute) differ.
func KlineChannel(symbol, interval string) Channel {
	return NewChannel(symbol, "kline_"+interval)
}

func (c Channel) String() string { return string(c) }

func (c Channel) Symbol() string {
	s, _, _ := strings.Cut(string(c), "@")
	return s
}

func (c Channel) Kind() string {
	_, kind, _ := strings.Cut(string(c), "@")
	return kind
}

func sortedChannels(channels []Channel) []Channel {
	seen := make(map[Channel]struct{}, len(channels))
	out := make([]Channel, 0, len(channels))
	for _, c := range channels {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StreamsKey is the canonical identity of a channel set: sorted, deduplicated, joined by "|".
// Equal sets give equal keys regardless of order.
func StreamsKey(channels []Channel) string {
	sorted := sortedChannels(channels)
	parts := make([]string, len(sorted))
	for i, c := range sorted {
		parts[i] = string(c)
	}
	return strings.Join(parts, "|")
}

// BuildURL returns the combined-stream URL for channels, or the raw "/ws" endpoint when there
// are none. The joined channel list is escaped as a single query component.
func BuildURL(base string, channels []Channel) string {
	base = normalizeBaseURL(base)
	sorted := sortedChannels(channels)
	if len(sorted) == 0 {
		return base + "/ws"
	}
	parts := make([]string, len(sorted))
	for i, c := range sorted {
		parts[i] = string(c)
	}
	return base + "/stream?streams=" + url.QueryEscape(strings.Join(parts, "/"))
}

// RawURL returns the single-stream endpoint "{base}/ws/{channel}".
func RawURL(base string, channel Channel) string {
	return normalizeBaseURL(base) + "/ws/" + string(channel)
}

// normalizeBaseURL strips a trailing slash and any /ws or /stream path (with query) so that
// configured endpoint URLs and bare hosts both work as a base.
func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	for {
		trimmed := strings.TrimRight(base, "/")
		switch {
		case strings.HasSuffix(trimmed, "/ws"):
			trimmed = strings.TrimSuffix(trimmed, "/ws")
		case strings.HasSuffix(trimmed, "/stream"):
			trimmed = strings.TrimSuffix(trimmed, "/stream")
		}
		if trimmed == base {
			return base
		}
		base = trimmed
	}
}
