package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dealroom/internal/apperr"
)

func TestValidate_CollectsErrors(t *testing.T) {
	err := Validate(
		Required("title", " "),
		ValidAmount("amount", "10.005"),
		IntRange("percent", 0, 1, 100),
		MaxLen("note", "ok", 10),
	)
	require.Error(t, err)

	var errs ValidationErrors
	require.True(t, errors.As(err, &errs))
	assert.Len(t, errs, 3)
	assert.Equal(t, "title", errs[0].Field)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestValidate_NilWhenValid(t *testing.T) {
	assert.NoError(t, Validate(Required("title", "Logo"), ValidAmount("amount", "1000")))
}

func TestBankFields(t *testing.T) {
	tests := []struct {
		name string
		v    func() *ValidationError
		ok   bool
	}{
		{"ifsc ok", ValidIFSC("ifsc", "HDFC0001234"), true},
		{"ifsc lowercase", ValidIFSC("ifsc", "hdfc0001234"), false},
		{"ifsc fifth char", ValidIFSC("ifsc", "HDFC1001234"), false},
		{"account ok", ValidAccountNumber("acct", "123456789012"), true},
		{"account short", ValidAccountNumber("acct", "12345"), false},
		{"account letters", ValidAccountNumber("acct", "12345678A"), false},
		{"vpa ok", ValidVPA("vpa", "vendor.one@okhdfc"), true},
		{"vpa no handle", ValidVPA("vpa", "vendor"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.v() == nil)
		})
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("  a\x00bc  ", 10))
	assert.Equal(t, "₹₹", SanitizeString("₹₹₹", 2))
}
