// Package apierr defines the shared error taxonomy for the settlement engine.
//
// Every failure that can cross the API boundary maps to exactly one of the
// sentinel errors below. Domain packages wrap them with context via
// fmt.Errorf("%w: ..."); handlers recover them with errors.Is and render a
// structured JSON body.
package apierr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

var (
	// ErrInvalidTransition means the requested action is not legal from the
	// record's current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrUnauthorized means the caller's role does not permit the action.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConcurrentModification means a guarded write lost a race with
	// another transition. Retryable against the new state.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrTransactionNotFound means the claimed funding transaction is not
	// (yet) visible on chain. Retryable: propagation may be pending.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTransactionFailed means the chain reports the transaction reverted.
	// Terminal for that funding attempt.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrTransferFailed means a settlement leg failed. The escrow is left in
	// its pre-transition state and the operation may be retried.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrAlreadyResolved means a dispute resolution was attempted twice.
	ErrAlreadyResolved = errors.New("already resolved")

	// ErrValidation means the input was malformed (e.g. notes too short).
	ErrValidation = errors.New("validation error")

	// ErrNotFound means the referenced record does not exist.
	ErrNotFound = errors.New("not found")
)

// Code returns the machine-readable error kind for a taxonomy error.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrTransactionNotFound):
		return "transaction_not_found"
	case errors.Is(err, ErrTransactionFailed):
		return "transaction_failed"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps a taxonomy error to its response status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, ErrValidation), errors.Is(err, ErrTransactionFailed):
		return http.StatusBadRequest
	case errors.Is(err, ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, ErrTransactionNotFound):
		// The tx may still land. The escrow stays pending_funding and the
		// buyer can retry the fund call once the transfer propagates.
		return http.StatusBadRequest
	case errors.Is(err, ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes the standard JSON error body for err.
func Respond(c *gin.Context, err error) {
	c.JSON(HTTPStatus(err), gin.H{
		"error":   Code(err),
		"message": err.Error(),
	})
}
