package domain

import (
	"fmt"
	"strings"
)

const pairKeySeparator = "|"

// PairKey derives the order-independent key identifying the direct
// conversation between two users. It backs the UNIQUE constraint that keeps
// one direct conversation per pair.
func PairKey(a, b string) (string, error) {
	if err := ValidatePair(a, b); err != nil {
		return "", err
	}
	if b < a {
		a, b = b, a
	}
	return a + pairKeySeparator + b, nil
}

// ValidatePair rejects empty ids, ids containing the separator, and
// self-conversations.
func ValidatePair(a, b string) error {
	if a == "" || b == "" {
		return fmt.Errorf("%w: both user ids are required", ErrValidation)
	}
	if strings.Contains(a, pairKeySeparator) || strings.Contains(b, pairKeySeparator) {
		return fmt.Errorf("%w: user id must not contain %q", ErrValidation, pairKeySeparator)
	}
	if a == b {
		return fmt.Errorf("%w: cannot start a conversation with yourself", ErrValidation)
	}
	return nil
}
