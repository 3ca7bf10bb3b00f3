// Package phone normalizes dialable numbers to E.164 and derives the
// country metadata the fraud rules and caller-ID routing work from.
package phone

import (
	"errors"
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalidNumber is returned for input that does not parse to a
// valid dialable number.
var ErrInvalidNumber = errors.New("invalid phone number")

// Info is the parsed form of a phone number.
type Info struct {
	E164    string // +14155550123
	Country string // ISO region, e.g. US
	Prefix  string // country calling code, e.g. 1
}

// Parse normalizes raw input to E.164. Separators are tolerated and a
// missing leading + is assumed rather than rejected, since upstream
// callers frequently strip it.
func Parse(raw string) (Info, error) {
	cleaned := clean(raw)
	if cleaned == "" || cleaned == "+" {
		return Info{}, ErrInvalidNumber
	}
	if !strings.HasPrefix(cleaned, "+") {
		cleaned = "+" + cleaned
	}

	num, err := phonenumbers.Parse(cleaned, "")
	if err != nil {
		return Info{}, ErrInvalidNumber
	}
	if !phonenumbers.IsValidNumber(num) {
		return Info{}, ErrInvalidNumber
	}

	return Info{
		E164:    phonenumbers.Format(num, phonenumbers.E164),
		Country: phonenumbers.GetRegionCodeForNumber(num),
		Prefix:  strconv.Itoa(int(num.GetCountryCode())),
	}, nil
}

// Digits strips everything but digits. Telephony channel names and
// CDR destination fields carry numbers without the + sign, so this is
// the form used for matching against them.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func clean(raw string) string {
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separator noise
		default:
			return ""
		}
	}
	return b.String()
}
