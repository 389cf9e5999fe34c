package chat

import (
	"errors"
	"strings"
	"unicode"
)

const maxFreeTextLen = 120

// ValidateFreeText checks free-form text taken from a modal input before it
// is stored or echoed back into message blocks.
func ValidateFreeText(input string) error {
	if len(input) > maxFreeTextLen {
		return errors.New("input too long")
	}
	for _, r := range input {
		if r == unicode.ReplacementChar || (unicode.IsControl(r) && r != '\n') {
			return errors.New("input contains control characters")
		}
	}
	// Block payloads that would break out of mrkdwn text sections.
	if strings.ContainsAny(input, "<>`") {
		return errors.New("input contains markup characters")
	}
	return nil
}
