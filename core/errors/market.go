package errors

import stderrors "errors"

// Settlement failures. Every one of them aborts the enclosing operation without
// partial effects; callers match them with errors.Is.
var (
	ErrAmountMismatch    = stderrors.New("market: payment amount does not match price")
	ErrUnauthorized      = stderrors.New("market: caller not authorized")
	ErrNotFound          = stderrors.New("market: not found")
	ErrAlreadyHeld       = stderrors.New("market: item already held")
	ErrWrongState        = stderrors.New("market: operation not allowed in current state")
	ErrAlreadyResolved   = stderrors.New("market: escrow already resolved")
	ErrInvalidCapability = stderrors.New("market: invalid capability")
	ErrEmptyBalance      = stderrors.New("market: no pending balance")

	ErrCurrencyMismatch = stderrors.New("market: payment currency does not match instance")
	ErrInvalidAmount    = stderrors.New("market: amount must be positive and fit in 256 bits")
	ErrInstanceExists   = stderrors.New("market: instance already exists for currency")
	ErrInvalidInput     = stderrors.New("market: invalid input")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrAmountMismatch, "amount_mismatch"},
	{ErrUnauthorized, "unauthorized"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyHeld, "already_held"},
	{ErrWrongState, "wrong_state"},
	{ErrAlreadyResolved, "already_resolved"},
	{ErrInvalidCapability, "invalid_capability"},
	{ErrEmptyBalance, "empty_balance"},
	{ErrCurrencyMismatch, "currency_mismatch"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInstanceExists, "instance_exists"},
	{ErrInvalidInput, "invalid_input"},
}

// Code returns a stable short identifier for err, suitable for metric labels and
// API error bodies. Unknown errors map to "internal"; nil maps to "".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range codes {
		if stderrors.Is(err, entry.err) {
			return entry.code
		}
	}
	return "internal"
}
