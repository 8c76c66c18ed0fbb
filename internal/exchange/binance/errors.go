package binance

import (
	"errors"
	"strings"

	"trade-terminal/internal/core"
)

// Order placement failures the exchange reports with a code.
const (
	codeFilterFailure    = -1013
	codeNewOrderRejected = -2010
)

// balanceMessages are the -2010 texts that mean the account cannot fund the order.
var balanceMessages = []string{
	"account has insufficient balance",
	"balance is insufficient",
}

// wrapAPIError joins the exchange error with the kind callers can match with errors.Is.
func wrapAPIError(status, code int, msg string) error {
	apiErr := APIError{Status: status, Code: code, Msg: msg}
	if kind := rejectionKind(apiErr); kind != nil {
		return errors.Join(apiErr, kind)
	}
	return apiErr
}

func rejectionKind(apiErr APIError) error {
	msg := strings.ToLower(strings.TrimSpace(apiErr.Msg))
	switch {
	case apiErr.Code == codeFilterFailure, strings.HasPrefix(msg, "filter failure:"):
		return core.ErrFilterFailure
	case apiErr.Code != codeNewOrderRejected:
		return nil
	}
	for _, prefix := range balanceMessages {
		if strings.HasPrefix(msg, prefix) {
			return core.ErrInsufficientBalance
		}
	}
	return core.ErrOrderRejected
}

// AsAPIError finds the exchange error in err's chain.
func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	if err == nil || !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
