// Package apperrors defines the sentinel error taxonomy shared by the trading, session,
// and runtime services, and the HTTP status mapping the REST surface applies to them.
//
// Naming follows the original system's explicit exception names (AgentNotFoundError,
// AgentConfigurationError, ...) translated into Go's errors.Is-friendly sentinel style.
package apperrors

import (
	"errors"
	"net/http"
)

var (
	// ErrAgentNotFound is returned when an agent id does not resolve.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrSessionNotFound is returned when a session id does not resolve.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAgentBusy signals a single-flight collision: an execution is already running.
	ErrAgentBusy = errors.New("agent is busy")
	// ErrValidation signals a rejected request: bad quantity, price, action, or mode.
	ErrValidation = errors.New("validation failed")
	// ErrAgentConfiguration signals a missing env var, incomplete catalog row, or
	// unknown mode discovered while building an Agent Runtime.
	ErrAgentConfiguration = errors.New("agent configuration error")
	// ErrInsufficientFunds signals a BUY that would drive current_funds below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientHoldings signals a SELL larger than the current holding quantity.
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	// ErrTransient signals a retryable failure (subprocess timeout, transient market API
	// error) that has exhausted its retry budget.
	ErrTransient = errors.New("transient upstream error")
	// ErrCancelled signals a cooperative cancellation observed by the runtime.
	ErrCancelled = errors.New("execution cancelled")
	// ErrTimeout signals a wall-clock deadline exceeded, either the execution deadline
	// or the periodic timeout sweep.
	ErrTimeout = errors.New("execution timeout")
	// ErrMarketClosed signals a trade rejected because the simulated TWSE session is
	// closed (weekend, holiday, or outside the morning trading window).
	ErrMarketClosed = errors.New("market is closed")
)

// HTTPStatus maps an error to the HTTP status code the REST surface should return,
// per SPEC_FULL.md §7/§10. Unrecognized errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrAgentNotFound), errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAgentBusy):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientHoldings):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrMarketClosed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
