package datastore

import (
	"strings"

	"golang.org/x/text/width"
)

// UnknownNumber is the aggregate key for calls without a usable number.
const UnknownNumber = "unknown"

// NormalizeNumber returns the aggregate key for a phone number.
//
// Full-width digits are folded to ASCII, formatting characters are dropped,
// a leading "+" is kept and a "00" international prefix becomes "+".
// Device call logs report withheld and payphone numbers as negative codes;
// those and empty numbers map to UnknownNumber.
func NormalizeNumber(raw string) string {
	folded := strings.TrimSpace(width.Fold.String(raw))
	if folded == "" || strings.HasPrefix(folded, "-") {
		return UnknownNumber
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		}
	}

	n := b.String()
	if strings.HasPrefix(n, "00") {
		n = "+" + n[2:]
	}
	if n == "" || n == "+" {
		return UnknownNumber
	}
	return n
}
