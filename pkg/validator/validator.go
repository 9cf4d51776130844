package validator

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/amirk1998/authsession/pkg/errors"
)

const (
	// MinLoginPasswordLength is the shortest password a login form submits.
	MinLoginPasswordLength = 6

	// MinRegisterPasswordLength is the policy minimum for new accounts.
	MinRegisterPasswordLength = 8

	maxPasswordLength = 128

	// TwoFactorCodeLength is the number of digits in a verification code.
	TwoFactorCodeLength = 6
)

var (
	// Username: 3-50 alphanumeric characters, dots, dashes and underscores
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,50}$`)

	// Email: basic email validation
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

	codeRegex = regexp.MustCompile(`^[0-9]{6}$`)
)

// Registration holds the fields collected by the registration form.
type Registration struct {
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
	FullName        string
}

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// ValidateLogin checks the login form before it is submitted
func (v *Validator) ValidateLogin(identifier, password string) error {
	if strings.TrimSpace(identifier) == "" {
		return errors.NewValidationError("identifier", "Username or email is required", nil)
	}

	if password == "" {
		return errors.NewValidationError("password", "Password is required", nil)
	}

	if len(password) < MinLoginPasswordLength {
		return errors.NewValidationError("password", "Password must be at least 6 characters", errors.ErrWeakPassword)
	}

	return nil
}

// ValidateTwoFactorCode checks that code is exactly six digits
func (v *Validator) ValidateTwoFactorCode(code string) error {
	if !codeRegex.MatchString(code) {
		return errors.NewValidationError("code", "Enter the 6-digit code from your authenticator app", nil)
	}
	return nil
}

// ValidateRegistration checks required fields and the password policy
func (v *Validator) ValidateRegistration(r Registration) error {
	if err := v.ValidateUsername(r.Username); err != nil {
		return err
	}

	if err := v.ValidateEmail(r.Email); err != nil {
		return err
	}

	if err := v.ValidatePassword(r.Password); err != nil {
		return err
	}

	if r.Password != r.ConfirmPassword {
		return errors.NewValidationError("confirm_password", "Passwords do not match", nil)
	}

	return nil
}

// ValidateUsername checks if username is valid
func (v *Validator) ValidateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return errors.NewValidationError("username", "Username is required", errors.ErrInvalidUsername)
	}

	if !usernameRegex.MatchString(username) {
		return errors.NewValidationError("username", "Username must be 3-50 letters, digits, dots, dashes or underscores", errors.ErrInvalidUsername)
	}

	return nil
}

// ValidateEmail checks if email format is valid
func (v *Validator) ValidateEmail(email string) error {
	if len(email) == 0 {
		return errors.NewValidationError("email", "Email is required", errors.ErrInvalidEmail)
	}

	if len(email) > 255 || !emailRegex.MatchString(email) {
		return errors.NewValidationError("email", "Enter a valid email address", errors.ErrInvalidEmail)
	}

	return nil
}

// ValidatePassword checks password strength
func (v *Validator) ValidatePassword(password string) error {
	if password == "" {
		return errors.NewValidationError("password", "Password is required", errors.ErrWeakPassword)
	}

	if len(password) < MinRegisterPasswordLength {
		return errors.NewValidationError("password", "Password must be at least 8 characters", errors.ErrWeakPassword)
	}

	if len(password) > maxPasswordLength {
		return errors.NewValidationError("password", "Password must be at most 128 characters", errors.ErrWeakPassword)
	}

	var (
		hasUpper  = false
		hasNumber = false
	)

	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsNumber(char):
			hasNumber = true
		}
	}

	if !hasUpper {
		return errors.NewValidationError("password", "Password must contain at least one uppercase letter", errors.ErrWeakPassword)
	}

	if !hasNumber {
		return errors.NewValidationError("password", "Password must contain at least one number", errors.ErrWeakPassword)
	}

	return nil
}

// SanitizeString removes null bytes and surrounding whitespace
func (v *Validator) SanitizeString(input string) string {
	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	// Trim whitespace
	input = strings.TrimSpace(input)

	return input
}
