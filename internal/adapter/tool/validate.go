package tool

import (
	"fmt"
	"net/url"
	"strings"
)

// RequireField returns an error if the string value is empty.
func RequireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("'%s' is required", name)
	}
	return nil
}

// ValidateURL checks that value is an absolute http or https URL. Other
// schemes (file:, javascript:, data:, chrome:) are rejected.
func ValidateURL(name, value string) error {
	u, err := url.Parse(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid %s: %s", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid %s: scheme must be http or https", name)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s: missing host", name)
	}
	return nil
}

// ValidateAll returns the first non-nil error from the given list.
func ValidateAll(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
