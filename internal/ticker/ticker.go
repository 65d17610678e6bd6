// Package ticker handles company ticker symbol normalisation and validation.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// tickerRegex matches 1-5 uppercase ASCII letters, e.g. AAPL.
var tickerRegex = regexp.MustCompile(`^[A-Z]{1,5}$`)

var ErrInvalidTicker = errors.New("ticker: invalid ticker format")

// Parse trims and upper-cases s and validates the result.
func Parse(s string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(s))
	if !tickerRegex.MatchString(t) {
		return "", fmt.Errorf("%w: %q (expected 1-5 letters)", ErrInvalidTicker, s)
	}
	return t, nil
}

// Valid reports whether s is already a canonical ticker.
func Valid(s string) bool {
	return tickerRegex.MatchString(s)
}
