package api

import (
	"net"
	"net/url"
	"regexp"
	"unicode/utf8"
)

// maxDescriptionLen is the maximum length for free-text description fields.
const maxDescriptionLen = 200

// maxCallerIDLen is the maximum length for a presented caller identity.
const maxCallerIDLen = 40

// maxURLLen is the maximum length for webhook URL fields.
const maxURLLen = 2048

// prefixRe validates route prefixes: destination digits, 1-15 chars.
// The catch-all "*" is accepted separately.
var prefixRe = regexp.MustCompile(`^\d{1,15}$`)

// phoneRe is a light E.164 shape check; real normalization happens in
// the phone package. Used where a raw value is stored, not dialed.
var phoneRe = regexp.MustCompile(`^\+?\d{6,15}$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks a non-empty string against maxLen.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateChannel checks a delivery channel name.
func validateChannel(field, value string) string {
	if value != "sms" && value != "voice" {
		return field + " must be sms or voice"
	}
	return ""
}

// validateRoutePrefix checks a caller-ID route prefix: digits without
// a leading +, or the "*" catch-all.
func validateRoutePrefix(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if value == "*" {
		return ""
	}
	if !prefixRe.MatchString(value) {
		return field + " must be 1-15 digits or *"
	}
	return ""
}

// validateIP checks that a string is a valid IPv4 or IPv6 address.
func validateIP(field, value string) string {
	if value == "" {
		return ""
	}
	if net.ParseIP(value) == nil {
		return field + " is not a valid IP address"
	}
	return ""
}

// validatePhoneShape checks that a value looks like a phone number.
func validatePhoneShape(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !phoneRe.MatchString(value) {
		return field + " is not a valid phone number"
	}
	return ""
}

// validateWebhookURL checks an optional callback URL: http or https
// with a host.
func validateWebhookURL(field, value string) string {
	if value == "" {
		return ""
	}
	if len(value) > maxURLLen {
		return field + " exceeds maximum length"
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return field + " must be an http or https URL"
	}
	return ""
}
