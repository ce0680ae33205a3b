package notify

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const (
	DefaultBaseURL     = "https://wa.me"
	DefaultCountryCode = "216"
	localDigits        = 8
)

// ErrNoPhone is returned when a phone has no digits left after
// normalization. It is an informational outcome, not a failure.
var ErrNoPhone = errors.New("no phone number")

// Composer builds deep links for one messaging service and country.
type Composer struct {
	BaseURL     string
	CountryCode string
}

// NewComposer fills empty settings with the defaults.
func NewComposer(baseURL, countryCode string) Composer {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	return Composer{BaseURL: strings.TrimRight(baseURL, "/"), CountryCode: countryCode}
}

// NormalizePhone keeps the digits of s. An 8-digit local number gets the
// country code in front; any other length passes through unchanged.
func NormalizePhone(s, countryCode string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == localDigits {
		return countryCode + digits
	}
	return digits
}

// NormalizePhone normalizes with the composer's country code.
func (c Composer) NormalizePhone(s string) string {
	return NormalizePhone(s, c.CountryCode)
}

// Link returns <base>/<digits>?text=<message>, or "" when phone has no
// digits.
func (c Composer) Link(phone, text string) string {
	link, err := c.LinkFor(phone, text)
	if err != nil {
		return ""
	}
	return link
}

// LinkFor is Link reporting ErrNoPhone instead of "".
func (c Composer) LinkFor(phone, text string) (string, error) {
	num := c.NormalizePhone(phone)
	if num == "" {
		return "", ErrNoPhone
	}
	return c.BaseURL + "/" + num + "?text=" + escape(text), nil
}

// escape percent-encodes everything but unreserved characters; spaces
// become %20.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
