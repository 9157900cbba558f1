package domain

import (
	"strings"
	"unicode"

	"github.com/rivo/uniseg"
)

// MaxNameGraphemes bounds the length of a subscriber name in user-perceived
// characters.
const MaxNameGraphemes = 256

const forbiddenNameChars = `/()"<>\{}`

// SubscriberName is a validated subscriber display name.
type SubscriberName string

// ParseSubscriberName validates raw and returns it as a SubscriberName.
func ParseSubscriberName(raw string) (SubscriberName, error) {
	if strings.TrimSpace(raw) == "" {
		return "", invalid("name", "must not be empty")
	}
	if n := uniseg.GraphemeClusterCount(raw); n > MaxNameGraphemes {
		return "", invalid("name", "must be at most %d characters, got %d", MaxNameGraphemes, n)
	}
	for _, r := range raw {
		if strings.ContainsRune(forbiddenNameChars, r) {
			return "", invalid("name", "contains forbidden character %q", r)
		}
		if unicode.IsControl(r) {
			return "", invalid("name", "contains a control character")
		}
	}
	return SubscriberName(raw), nil
}

func (n SubscriberName) String() string { return string(n) }
