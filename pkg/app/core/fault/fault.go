// Package fault holds the error kinds surfaced by the marketplace engines.
//
// Every kind is a single sentinel so callers compare with errors.Is even after
// the engines wrap it with context.
package fault

import "errors"

// Ownership and authorization
var (
	ErrNotOwner      = errors.New("caller is not the asset owner")
	ErrNotSeller     = errors.New("caller is not the auction seller")
	ErrNotAuthorized = errors.New("marketplace lacks transfer rights")
	ErrUnknownAsset  = errors.New("unknown asset")
)

// Fixed-price sales
var (
	ErrInvalidPrice        = errors.New("price must be positive")
	ErrNotListed           = errors.New("asset is not listed")
	ErrInsufficientPayment = errors.New("payment below listing price")
)

// Auctions
var (
	ErrInvalidDuration = errors.New("auction duration must be positive")
	ErrNotActive       = errors.New("no active auction")
	ErrAlreadyActive   = errors.New("auction already active")
	ErrExpired         = errors.New("auction has expired")
	ErrNotYetEnded     = errors.New("auction has not ended")
	ErrBelowMinBid     = errors.New("bid below minimum")
	ErrNotHighEnough   = errors.New("bid does not exceed highest bid")
	ErrHasBids         = errors.New("auction has bids")
)

// Settlement
var (
	// ErrPaymentTransferFailed requires external intervention when it is
	// returned after bookkeeping already moved; it is never retried.
	ErrPaymentTransferFailed = errors.New("payment transfer failed")
	ErrReentrant             = errors.New("operation already in flight for asset")
)

// Kind returns the short name of the sentinel wrapped by err, or "" if err
// does not wrap one of the marketplace kinds.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

var kinds = []struct {
	name string
	err  error
}{
	{"NotOwner", ErrNotOwner},
	{"NotSeller", ErrNotSeller},
	{"NotAuthorized", ErrNotAuthorized},
	{"UnknownAsset", ErrUnknownAsset},
	{"InvalidPrice", ErrInvalidPrice},
	{"NotListed", ErrNotListed},
	{"InsufficientPayment", ErrInsufficientPayment},
	{"InvalidDuration", ErrInvalidDuration},
	{"NotActive", ErrNotActive},
	{"AlreadyActive", ErrAlreadyActive},
	{"Expired", ErrExpired},
	{"NotYetEnded", ErrNotYetEnded},
	{"BelowMinBid", ErrBelowMinBid},
	{"NotHighEnough", ErrNotHighEnough},
	{"HasBids", ErrHasBids},
	{"PaymentTransferFailed", ErrPaymentTransferFailed},
	{"Reentrant", ErrReentrant},
}
