package content

import (
	"bytes"
	"errors"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy = bluemonday.UGCPolicy()
	md     = goldmark.New()

	// Underscore is excluded: it is the separator inside derived direct
	// conversation ids (dm_<a>_<b>), so user ids must not contain it.
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like message content.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// RenderMarkdown converts markdown input to HTML and sanitizes the result.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return policy.Sanitize(buf.String()), nil
}

// ValidateUserID checks if the user id contains only allowed characters
// (alphanumeric, dot, dash) and is not empty.
func ValidateUserID(id string) error {
	if id == "" {
		return errors.New("user id cannot be empty")
	}
	if !userIDRegex.MatchString(id) {
		return errors.New("user id contains invalid characters (allowed: alphanumeric, dot, dash)")
	}
	return nil
}
