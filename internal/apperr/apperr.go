// Package apperr classifies domain errors into a small set of kinds and
// renders them as HTTP responses.
//
// Domain packages declare their sentinels with New so that handlers can
// dispatch on the kind without importing every domain package.
package apperr

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind is the category of a domain error.
type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	Unauthorized
	InsufficientFunds
	InvalidStateTransition
	ReleaseExceedsRemaining
	Conflict
	InvalidSignature
	PaymentNotSettled
	AlreadyProcessed
	Transient
)

var kindNames = map[Kind]string{
	Internal:                "internal_error",
	Validation:              "validation_error",
	NotFound:                "not_found",
	Unauthorized:            "unauthorized",
	InsufficientFunds:       "insufficient_funds",
	InvalidStateTransition:  "invalid_state_transition",
	ReleaseExceedsRemaining: "release_exceeds_remaining",
	Conflict:                "conflict",
	InvalidSignature:        "invalid_signature",
	PaymentNotSettled:       "payment_not_settled",
	AlreadyProcessed:        "already_processed",
	Transient:               "temporarily_unavailable",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "internal_error"
}

// Status returns the HTTP status for the kind.
func (k Kind) Status() int {
	switch k {
	case Validation, InvalidSignature:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusForbidden
	case InsufficientFunds:
		return http.StatusPaymentRequired
	case InvalidStateTransition, ReleaseExceedsRemaining, Conflict, PaymentNotSettled:
		return http.StatusConflict
	case AlreadyProcessed:
		return http.StatusOK
	case Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a sentinel error tagged with a kind.
type Error struct {
	Kind Kind
	msg  string
}

// New creates a sentinel of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Detailer is implemented by errors that carry structured fields for the
// response body, such as required and available amounts.
type Detailer interface {
	Details() map[string]any
}

// KindOf returns the kind of the first tagged error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Respond writes err as a JSON error body. Internal errors are logged and
// answered with a generic message.
func Respond(c *gin.Context, logger *slog.Logger, err error) {
	kind := KindOf(err)

	switch kind {
	case AlreadyProcessed:
		c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
		return
	case Internal:
		if logger != nil {
			logger.Error("request failed", "path", c.FullPath(), "error", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   kind.String(),
			"message": "internal error",
		})
		return
	}

	msg := err.Error()
	if kind == InvalidSignature {
		msg = "payment verification failed"
	}
	body := gin.H{"error": kind.String(), "message": msg}

	var d Detailer
	if errors.As(err, &d) {
		for k, v := range d.Details() {
			body[k] = v
		}
	}
	c.JSON(kind.Status(), body)
}

// BadRequest writes a validation error for malformed input that never
// reached a service.
func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": Validation.String(), "message": msg})
}
