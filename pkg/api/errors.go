package api

import (
	"errors"
	"net/http"

	"github.com/uhyunpark/hyperbid/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperbid/pkg/app/market"
)

// kindStatus maps execution error kinds to HTTP status codes for receipts.
var kindStatus = map[string]int{
	"InvalidTx":    http.StatusBadRequest,
	"BadSignature": http.StatusUnauthorized,
	"StaleNonce":   http.StatusConflict,

	"NotOwner":      http.StatusForbidden,
	"NotSeller":     http.StatusForbidden,
	"NotAuthorized": http.StatusForbidden,

	"UnknownAsset": http.StatusNotFound,
	"NotListed":    http.StatusNotFound,
	"NotActive":    http.StatusNotFound,

	"AlreadyActive": http.StatusConflict,
	"HasBids":       http.StatusConflict,
	"Reentrant":     http.StatusConflict,

	"InvalidPrice":        http.StatusUnprocessableEntity,
	"InvalidDuration":     http.StatusUnprocessableEntity,
	"InsufficientPayment": http.StatusUnprocessableEntity,
	"BelowMinBid":         http.StatusUnprocessableEntity,
	"NotHighEnough":       http.StatusUnprocessableEntity,
	"Expired":             http.StatusUnprocessableEntity,
	"NotYetEnded":         http.StatusUnprocessableEntity,

	"PaymentTransferFailed": http.StatusBadGateway,
}

// StatusForKind returns the HTTP status for a receipt error kind; 200 for
// success and 422 for kinds without a dedicated mapping.
func StatusForKind(kind string) int {
	if kind == "" {
		return http.StatusOK
	}
	if code, ok := kindStatus[kind]; ok {
		return code
	}
	return http.StatusUnprocessableEntity
}

// statusForSubmit maps mempool admission errors.
func statusForSubmit(err error) int {
	switch {
	case errors.Is(err, transaction.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, market.ErrMempoolFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
