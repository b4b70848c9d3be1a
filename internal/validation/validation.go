// Package validation provides request field validation and the request
// size middleware.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dealroom/internal/apperr"
	"github.com/mbd888/dealroom/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// ErrInvalid is the sentinel every ValidationErrors unwraps to.
var ErrInvalid = apperr.New(apperr.Validation, "validation failed")

var (
	ifscRegex    = regexp.MustCompile(`^[A-Z]{4}0[A-Z0-9]{6}$`)
	accountRegex = regexp.MustCompile(`^[0-9]{9,18}$`)
	vpaRegex     = regexp.MustCompile(`^[a-zA-Z0-9.\-_]{2,256}@[a-zA-Z]{2,64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, drops NUL bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
	return s
}

// ValidationError is a problem with one field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

func (e ValidationErrors) Unwrap() error { return ErrInvalid }

func (e ValidationErrors) Details() map[string]any {
	return map[string]any{"details": []ValidationError(e)}
}

// Validate runs validators and returns nil when all pass.
func Validate(validators ...func() *ValidationError) error {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLen checks that value has at most n characters.
func MaxLen(field, value string, n int) func() *ValidationError {
	return func() *ValidationError {
		if utf8.RuneCountInString(value) > n {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be at most %d characters", n)}
		}
		return nil
	}
}

// ValidAmount checks that value is a positive amount with at most two
// decimal places.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if _, err := money.Parse(value); err != nil {
			return &ValidationError{Field: field, Message: "must be a positive amount with at most 2 decimal places"}
		}
		return nil
	}
}

// IntRange checks lo <= value <= hi.
func IntRange(field string, value, lo, hi int) func() *ValidationError {
	return func() *ValidationError {
		if value < lo || value > hi {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d", lo, hi)}
		}
		return nil
	}
}

// ValidIFSC checks an Indian Financial System Code.
func ValidIFSC(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !ifscRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be a valid IFSC code"}
		}
		return nil
	}
}

// ValidAccountNumber checks a 9 to 18 digit bank account number.
func ValidAccountNumber(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !accountRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be 9 to 18 digits"}
		}
		return nil
	}
}

// ValidVPA checks a UPI virtual payment address.
func ValidVPA(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !vpaRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be a valid UPI address"}
		}
		return nil
	}
}
