package identity

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	nameMinLength    = 2
	nameMaxLength    = 50
	emailMaxLength   = 254
	messageMaxLength = 500
)

// Letters (any script), spaces, hyphens, apostrophes.
var nameChars = regexp.MustCompile(`^[\p{L}\s'-]+$`)

// emailShape is deliberately permissive: something before an @, something
// after it containing a dot, no whitespace anywhere.
var emailShape = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidEmail reports whether the address has a plausible local@domain.tld
// shape. It is not an RFC 5322 validator.
func ValidEmail(email string) bool {
	return emailShape.MatchString(email)
}

// Validate checks a normalized record's fields against the form limits.
// The first message is optional; everything else is required.
func Validate(r Record) error {
	if err := validateName(r.FirstName, "first name"); err != nil {
		return err
	}
	if err := validateName(r.LastName, "last name"); err != nil {
		return err
	}
	if err := validateEmail(r.Email); err != nil {
		return err
	}
	if utf8.RuneCountInString(r.FirstMessage) > messageMaxLength {
		return fmt.Errorf("identity: first message exceeds %d characters", messageMaxLength)
	}
	return nil
}

func validateName(name, field string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("identity: %s is required", field)
	}
	n := utf8.RuneCountInString(name)
	if n < nameMinLength {
		return fmt.Errorf("identity: %s must be at least %d characters", field, nameMinLength)
	}
	if n > nameMaxLength {
		return fmt.Errorf("identity: %s must be at most %d characters", field, nameMaxLength)
	}
	if !nameChars.MatchString(name) {
		return fmt.Errorf("identity: %s contains invalid characters", field)
	}
	return nil
}

func validateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return fmt.Errorf("identity: email is required")
	}
	if len(email) > emailMaxLength {
		return fmt.Errorf("identity: email exceeds %d characters", emailMaxLength)
	}
	if !ValidEmail(email) {
		return fmt.Errorf("identity: email has an invalid format")
	}
	return nil
}
