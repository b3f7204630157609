package handlers

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMoneyMinor converts a provider decimal money string ("10.00", "7.5",
// "1234") into integer minor units. Parsing is exact; no float ever holds
// the value. Negative amounts keep their sign.
func ParseMoneyMinor(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}

	whole, frac := s, ""
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		whole, frac = s[:dot], s[dot+1:]
	}
	if whole == "" {
		whole = "0"
	}
	switch len(frac) {
	case 0:
		frac = "00"
	case 1:
		frac += "0"
	case 2:
	default:
		return 0, fmt.Errorf("money %q: more than two decimal places", s)
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("money %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("money %q: %w", s, err)
	}

	minor := w*100 + f
	if negative {
		minor = -minor
	}
	return minor, nil
}

// MustMoneyMinor is ParseMoneyMinor tolerating bad provider data by falling
// back to zero. Used where a malformed optional field must not fail the
// whole event.
func MustMoneyMinor(s string) int64 {
	minor, err := ParseMoneyMinor(s)
	if err != nil {
		return 0
	}
	return minor
}
