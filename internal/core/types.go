package core

import (
	"regexp"
	"time"
)

// AckDeadline is the chat platform's hard limit for acknowledging a slash
// command or modal interaction. Trigger ids expire within the same window
// and are never used from detached tasks.
const AckDeadline = 3 * time.Second

// DefaultCallDeadline is the deadline inherited by external calls when the
// originating chat event carries none.
const DefaultCallDeadline = 10 * time.Second

// symbolPattern matches valid ticker symbols: uppercase A-Z, 1-5 chars.
var symbolPattern = regexp.MustCompile(`^[A-Z]{1,5}$`)

// ValidSymbolShape reports whether s has the shape of a ticker symbol.
// The market data gateway additionally checks the provider allow-list.
func ValidSymbolShape(s string) bool {
	return symbolPattern.MatchString(s)
}
