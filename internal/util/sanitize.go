package util

import (
	"html"
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^\+\d{8,15}$`)
	digitsOnly   = regexp.MustCompile(`\D`)
)

// SanitizeInput escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious flags values carrying script-injection markers.
func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	for _, c := range badChars {
		if strings.Contains(strings.ToLower(s), c) {
			return true
		}
	}
	return false
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidEmail reports whether the address is plausibly deliverable.
func IsValidEmail(email string) bool {
	return emailPattern.MatchString(NormalizeEmail(email))
}

// NormalizePhone strips formatting characters and prefixes the default
// country code when the number carries none.
func NormalizePhone(phone, defaultCountryCode string) string {
	phone = strings.TrimSpace(phone)
	hadPlus := strings.HasPrefix(phone, "+")
	digits := digitsOnly.ReplaceAllString(phone, "")
	if digits == "" {
		return ""
	}
	if hadPlus {
		return "+" + digits
	}
	return defaultCountryCode + digits
}

// IsValidPhone accepts E.164-style numbers with 8 to 15 digits.
func IsValidPhone(phone string) bool {
	return phonePattern.MatchString(phone)
}
