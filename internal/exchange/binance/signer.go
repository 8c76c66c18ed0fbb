package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
)

var (
	errEmptySecret   = errors.New("signing secret is empty")
	errEmptyParamKey = errors.New("parameter name is empty")
)

type param struct {
	key   string
	value string
}

// Params is an ordered query parameter list. Unlike url.Values it encodes in insertion order,
// which is the order the signature is computed over. The zero value is ready to use.
type Params struct {
	pairs []param
}

// Set appends key, or replaces its value in place when already present.
func (p *Params) Set(key, value string) *Params {
	for i := range p.pairs {
		if p.pairs[i].key == key {
			p.pairs[i].value = value
			return p
		}
	}
	p.pairs = append(p.pairs, param{key: key, value: value})
	return p
}

// SetIfNotEmpty sets key only when value carries something.
func (p *Params) SetIfNotEmpty(key, value string) *Params {
	if value == "" {
		return p
	}
	return p.Set(key, value)
}

func (p *Params) Get(key string) string {
	for _, kv := range p.pairs {
		if kv.key == key {
			return kv.value
		}
	}
	return ""
}

func (p *Params) Has(key string) bool {
	for _, kv := range p.pairs {
		if kv.key == key {
			return true
		}
	}
	return false
}

func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.pairs)
}

// Encode renders "k1=v1&k2=v2" in insertion order with form encoding.
func (p *Params) Encode() string {
	if p == nil || len(p.pairs) == 0 {
		return ""
	}
	var b strings.Builder
	for i, kv := range p.pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.value))
	}
	return b.String()
}

// Sign returns the encoded query followed by "&signature=" and the lowercase hex HMAC-SHA256
// of that query under secret. It has no side effects on params.
func Sign(params *Params, secret string) (string, error) {
	if secret == "" {
		return "", errEmptySecret
	}
	if params != nil {
		for _, kv := range params.pairs {
			if kv.key == "" {
				return "", errEmptyParamKey
			}
		}
	}
	query := params.Encode()
	signed := sign(secret, query)
	if query == "" {
		return "signature=" + signed, nil
	}
	return query + "&signature=" + signed, nil
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
