// Package validation provides chainable request validation
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	slugPattern        = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	processorIDPattern = regexp.MustCompile(`^[a-z]{2,5}_[A-Za-z0-9]+$`)
)

// Validator collects field errors
type Validator struct {
	errors []string
	fields map[string]string
}

// New creates a new Validator
func New() *Validator {
	return &Validator{fields: make(map[string]string)}
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Fields returns the first error per field, for error detail payloads
func (v *Validator) Fields() map[string]string {
	return v.fields
}

// Error returns a combined error message
func (v *Validator) Error() string {
	return strings.Join(v.errors, "; ")
}

func (v *Validator) add(field, message string) {
	v.errors = append(v.errors, message)
	if _, ok := v.fields[field]; !ok {
		v.fields[field] = message
	}
}

// Required validates that a value is not empty
func (v *Validator) Required(value, field string) *Validator {
	if strings.TrimSpace(value) == "" {
		v.add(field, fmt.Sprintf("%s is required", field))
	}
	return v
}

// Min validates minimum int value
func (v *Validator) Min(value, min int, field string) *Validator {
	if value < min {
		v.add(field, fmt.Sprintf("%s must be at least %d", field, min))
	}
	return v
}

// OneOf validates value is one of allowed values
func (v *Validator) OneOf(value string, allowed []string, field string) *Validator {
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	v.add(field, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
	return v
}

// Slug validates slug format (lowercase, alphanumeric, hyphens)
func (v *Validator) Slug(value, field string) *Validator {
	if !slugPattern.MatchString(value) {
		v.add(field, fmt.Sprintf("%s must be a valid slug", field))
	}
	return v
}

// AbsoluteURL validates an http(s) URL with a host
func (v *Validator) AbsoluteURL(value, field string) *Validator {
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		v.add(field, fmt.Sprintf("%s must be an absolute http(s) URL", field))
	}
	return v
}

// ProcessorID validates identifiers like sub_123 or cus_ABC
func (v *Validator) ProcessorID(value, field string) *Validator {
	if !processorIDPattern.MatchString(value) {
		v.add(field, fmt.Sprintf("%s must be a processor object id", field))
	}
	return v
}
