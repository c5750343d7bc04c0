package classes

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/secure/precis"
)

const maxTenantLength = 64

// NormalizeTenant maps a tenant path segment onto its canonical form.
// Fullwidth and compatibility characters are folded by the PRECIS username
// profile; the result may only contain letters, digits, '-', '_' and '.'
// because it becomes part of storage and Redis keys.
func NormalizeTenant(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: tenant is required", ErrBadRequest)
	}
	tenant, err := precis.UsernameCasePreserved.String(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: invalid tenant %q", ErrBadRequest, raw)
	}
	if len(tenant) > maxTenantLength {
		return "", fmt.Errorf("%w: tenant exceeds %d characters", ErrBadRequest, maxTenantLength)
	}
	if strings.IndexFunc(tenant, invalidTenantRune) >= 0 {
		return "", fmt.Errorf("%w: invalid tenant %q", ErrBadRequest, raw)
	}
	return tenant, nil
}

func invalidTenantRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return false
	}
	switch r {
	case '-', '_', '.':
		return false
	}
	return true
}
