package identity

import (
	"regexp"
	"strings"
)

// Record is the caller's submitted identity. Empty string is the canonical
// "unset" value for every field so consumers can do plain length checks.
type Record struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Email        string `json:"email"`
	FirstMessage string `json:"first_message"`
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize trims and collapses interior whitespace in every field.
func (r Record) Normalize() Record {
	return Record{
		FirstName:    sanitize(r.FirstName),
		LastName:     sanitize(r.LastName),
		Email:        strings.TrimSpace(r.Email),
		FirstMessage: sanitize(r.FirstMessage),
	}
}

func sanitize(s string) string {
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
}

// FullName joins the name fields, tolerating either being unset.
func (r Record) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// HasCompleteNames reports whether both name fields are present.
func (r Record) HasCompleteNames() bool {
	return r.FirstName != "" && r.LastName != ""
}

// IsZero reports whether no field is set.
func (r Record) IsZero() bool {
	return r == Record{}
}
