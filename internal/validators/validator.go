// Package validators holds the request schemas. Each schema reports only the
// first failing field.
package validators

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// FieldError is a schema violation on a single field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string {
	return e.Message
}

// Rule checks one field and returns nil when it is valid.
type Rule func() *FieldError

// Validate runs rules in order and returns the first failure.
func Validate(rules ...Rule) error {
	for _, rule := range rules {
		if err := rule(); err != nil {
			return err
		}
	}
	return nil
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,6}$`)

const (
	MsgInvalidEmail    = "Email is invalid! Example: test@gmail.com"
	MsgInvalidPassword = "Password must contain at least 8 characters, one uppercase, one lowercase, one number"
	MsgInvalidUserID   = "Invalid user ID"
	MsgTokenRequired   = "Token is required"
	MsgInvalidName     = "Invalid name"

	// bcrypt ignores input past 72 bytes
	maxPasswordBytes = 72
	minNameLength    = 3
)

func required(field, value string) Rule {
	return requiredMsg(field, value, field+" is a required field")
}

func requiredMsg(field, value, msg string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: msg}
		}
		return nil
	}
}

// Email requires a well-formed address.
func Email(value string) Rule {
	return func() *FieldError {
		if err := required("email", value)(); err != nil {
			return err
		}
		if !emailRegex.MatchString(value) {
			return &FieldError{Field: "email", Message: MsgInvalidEmail}
		}
		return nil
	}
}

// Password requires at least 8 ASCII letters or digits including a lowercase
// letter, an uppercase letter and a digit.
func Password(value string) Rule {
	return func() *FieldError {
		if err := required("password", value)(); err != nil {
			return err
		}
		if !strongPassword(value) {
			return &FieldError{Field: "password", Message: MsgInvalidPassword}
		}
		return nil
	}
}

func strongPassword(p string) bool {
	if len(p) < 8 || len(p) > maxPasswordBytes {
		return false
	}
	var lower, upper, digit bool
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		default:
			return false
		}
	}
	return lower && upper && digit
}

// UserID requires a UUID.
func UserID(value string) Rule {
	return func() *FieldError {
		if _, err := uuid.Parse(value); err != nil {
			return &FieldError{Field: "id", Message: MsgInvalidUserID}
		}
		return nil
	}
}

func Token(value string) Rule {
	return requiredMsg("token", value, MsgTokenRequired)
}

// NewUser is the sign-up schema.
func NewUser(name, email, password string) error {
	return Validate(Email(email), Password(password), required("name", name))
}

// TokenAndID is the schema for verification and reset-token checks.
func TokenAndID(id, token string) error {
	return Validate(UserID(id), Token(token))
}

// ResetPassword is the schema for setting a new password with a reset token.
func ResetPassword(id, token, password string) error {
	return Validate(UserID(id), Token(token), Password(password))
}

// NormalizeEmail lowercases and trims an address so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeText trims s and folds it to Unicode NFC.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimFunc(s, unicode.IsSpace))
}

// Name normalizes a display name and requires at least three characters.
func Name(name string) (string, error) {
	name = NormalizeText(name)
	if utf8.RuneCountInString(name) < minNameLength {
		return "", &FieldError{Field: "name", Message: MsgInvalidName}
	}
	return name, nil
}
