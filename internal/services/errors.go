package services

import "errors"

// Every failure a caller can see. Handlers map each to its own status and
// message.
var (
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidSide              = errors.New("side must be buy or sell")
	ErrUnknownSymbol            = errors.New("unknown symbol")
	ErrPriceUnavailable         = errors.New("price unavailable")
	ErrBelowMinimumTradeValue   = errors.New("below minimum trade value")
	ErrInsufficientFiatBalance  = errors.New("insufficient fiat balance")
	ErrInsufficientAssetBalance = errors.New("insufficient asset balance")
	ErrConcurrencyConflict      = errors.New("concurrency conflict")
	ErrTimeout                  = errors.New("timeout")
	ErrDuplicateRequest         = errors.New("duplicate request")

	ErrUnknownPaymentMethod  = errors.New("unknown payment method")
	ErrInvalidFundingRequest = errors.New("invalid funding request")
	ErrNotPending            = errors.New("transaction is not pending")
	ErrNotOwner              = errors.New("transaction does not belong to user")
	ErrUnbalancedLedger      = errors.New("ledger entries do not balance")
)
