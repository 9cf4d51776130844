package validator

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amirk1998/authsession/pkg/errors"
)

func TestValidateLogin(t *testing.T) {
	v := New()

	tests := []struct {
		name       string
		identifier string
		password   string
		wantField  string
	}{
		{"valid username", "demo", "demo123", ""},
		{"valid email", "demo@example.com", "secret", ""},
		{"blank identifier", "   ", "demo123", "identifier"},
		{"empty password", "demo", "", "password"},
		{"short password", "demo", "12345", "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateLogin(tt.identifier, tt.password)
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}

			var valErr *errors.ValidationError
			require.True(t, stderrors.As(err, &valErr))
			require.Equal(t, tt.wantField, valErr.Field)
			require.Equal(t, errors.KindValidation, errors.Kind(err))
		})
	}
}

func TestValidateTwoFactorCode(t *testing.T) {
	v := New()
	require.NoError(t, v.ValidateTwoFactorCode("123456"))

	for _, code := range []string{"", "12345", "1234567", "12a456", " 123456"} {
		require.Error(t, v.ValidateTwoFactorCode(code), code)
	}
}

func TestValidatePassword(t *testing.T) {
	v := New()

	tests := []struct {
		password string
		message  string
	}{
		{"Secret12", ""},
		{"abc", "Password must be at least 8 characters"},
		{"lowercase1", "Password must contain at least one uppercase letter"},
		{"NoDigitsHere", "Password must contain at least one number"},
	}

	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			err := v.ValidatePassword(tt.password)
			if tt.message == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, errors.ErrWeakPassword)
			require.Equal(t, tt.message, errors.UserMessage(err))
		})
	}
}

func TestValidateRegistration(t *testing.T) {
	v := New()
	valid := Registration{
		Username:        "new_user",
		Email:           "new@example.com",
		Password:        "Secret12",
		ConfirmPassword: "Secret12",
	}
	require.NoError(t, v.ValidateRegistration(valid))

	mismatch := valid
	mismatch.ConfirmPassword = "Secret13"
	require.EqualError(t, v.ValidateRegistration(mismatch), "confirm_password: Passwords do not match")

	badEmail := valid
	badEmail.Email = "not-an-email"
	require.ErrorIs(t, v.ValidateRegistration(badEmail), errors.ErrInvalidEmail)

	badName := valid
	badName.Username = "a b"
	require.ErrorIs(t, v.ValidateRegistration(badName), errors.ErrInvalidUsername)
}

func TestSanitizeString(t *testing.T) {
	require.Equal(t, "demo", New().SanitizeString("  de\x00mo \n"))
}
