package util

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	// MaxIdentifierLength bounds agent, server and tool identifiers.
	MaxIdentifierLength = 64
	// MaxMessageBytes bounds task descriptions and free-form tool inputs.
	MaxMessageBytes = 100 * 1024
)

var urlSafe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared struct validator with the custom tags
// registered: "urlsafe" and "nonul".
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("urlsafe", func(fl validator.FieldLevel) bool {
			return IsURLSafe(fl.Field().String())
		})
		_ = v.RegisterValidation("nonul", func(fl validator.FieldLevel) bool {
			return !strings.ContainsRune(fl.Field().String(), 0)
		})
		validate = v
	})
	return validate
}

// ValidateStruct runs the shared validator and flattens field errors into a
// single readable error.
func ValidateStruct(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// IsURLSafe reports whether s only contains letters, digits, '_' and '-'.
func IsURLSafe(s string) bool {
	return urlSafe.MatchString(s)
}

// ValidateIdentifier checks a non-empty URL-safe identifier within the length bound.
func ValidateIdentifier(field, value string) error {
	switch {
	case value == "":
		return &ValidationError{Field: field, Value: value, Message: "must not be empty"}
	case len(value) > MaxIdentifierLength:
		return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf("must be at most %d characters", MaxIdentifierLength)}
	case !IsURLSafe(value):
		return &ValidationError{Field: field, Value: value, Message: "must contain only letters, digits, '_' or '-'"}
	}
	return nil
}

// ValidateMessage checks a free-form message: non-empty, valid UTF-8, no null
// bytes and within MaxMessageBytes.
func ValidateMessage(field, value string) error {
	switch {
	case strings.TrimSpace(value) == "":
		return &ValidationError{Field: field, Message: "must not be empty"}
	case len(value) > MaxMessageBytes:
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be at most %d bytes", MaxMessageBytes)}
	case !utf8.ValidString(value):
		return &ValidationError{Field: field, Message: "must be valid UTF-8"}
	case strings.ContainsRune(value, 0):
		return &ValidationError{Field: field, Message: "must not contain null bytes"}
	}
	return nil
}

// ParseUUID parses the canonical 36 character form only.
func ParseUUID(field, value string) (uuid.UUID, error) {
	if len(value) != 36 {
		return uuid.Nil, &ValidationError{Field: field, Value: value, Message: "must be a canonical UUID"}
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, &ValidationError{Field: field, Value: value, Message: "must be a canonical UUID"}
	}
	return id, nil
}

// NewID returns prefix + "_" + a random UUID, or a bare UUID when prefix is empty.
func NewID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "_" + uuid.NewString()
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
