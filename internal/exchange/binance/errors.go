package binance

import (
	"errors"
	"strings"

	"github.com/uoaths/harmony/internal/core"
)

// Binance error codes the client reacts to.
const (
	CodeTooManyRequests   = -1003
	CodeTooManyOrders     = -1015
	CodeFilterFailure     = -1013
	CodeInvalidSymbol     = -1121
	CodeNewOrderRejected  = -2010
	CodeOrderDoesNotExist = -2013
)

// errorRule maps a code, a message or both onto a core error kind. Message
// matching is case-insensitive on the trimmed text.
type errorRule struct {
	code int
	msg  string
	kind error
}

// Message rules come first so a -2010 with a known message is not also
// reported as a plain rejection.
var errorRules = []errorRule{
	{msg: "duplicate order sent.", kind: core.ErrDuplicateOrder},
	{msg: "account has insufficient balance for requested action.", kind: core.ErrInsufficientBalance},
	{msg: "balance is insufficient.", kind: core.ErrInsufficientBalance},
	{msg: "order does not exist.", kind: core.ErrOrderNotFound},
	{msg: "invalid symbol.", kind: core.ErrSymbolNotFound},
	{code: CodeOrderDoesNotExist, kind: core.ErrOrderNotFound},
	{code: CodeInvalidSymbol, kind: core.ErrSymbolNotFound},
	{code: CodeFilterFailure, kind: core.ErrOrderRejected},
	{code: CodeNewOrderRejected, kind: core.ErrOrderRejected},
}

func wrapAPIError(code int, msg string) error {
	apiErr := APIError{Code: code, Msg: msg}
	kind := classify(apiErr)
	if kind == nil {
		return apiErr
	}
	return errors.Join(apiErr, kind)
}

// classify returns the first matching kind. A message rule ends the search
// so that one error carries at most one kind.
func classify(apiErr APIError) error {
	msg := strings.ToLower(strings.TrimSpace(apiErr.Msg))
	for _, rule := range errorRules {
		switch {
		case rule.msg != "" && rule.msg == msg:
			return rule.kind
		case rule.msg == "" && rule.code == apiErr.Code:
			return rule.kind
		}
	}
	return nil
}

func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	if err == nil || !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

// IsThrottled reports a request-weight or order-rate limit rejection.
// Callers should back off before retrying.
func IsThrottled(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && (apiErr.Code == CodeTooManyRequests || apiErr.Code == CodeTooManyOrders)
}
