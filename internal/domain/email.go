package domain

import (
	"strings"
	"unicode"
)

// MaxEmailLength is the longest address accepted (RFC 5321 path limit).
const MaxEmailLength = 254

const localSpecials = "!#$%&'*+/=?^_`{|}~-."

// SubscriberEmail is a syntactically valid email address.
type SubscriberEmail string

// ParseSubscriberEmail validates raw and returns it as a SubscriberEmail.
func ParseSubscriberEmail(raw string) (SubscriberEmail, error) {
	if raw == "" {
		return "", invalid("email", "must not be empty")
	}
	if len(raw) > MaxEmailLength {
		return "", invalid("email", "must be at most %d bytes", MaxEmailLength)
	}
	if strings.Count(raw, "@") != 1 {
		return "", invalid("email", "%q is not a valid email address", raw)
	}
	local, dom, _ := strings.Cut(raw, "@")
	if err := checkLocalPart(local); err != nil {
		return "", err
	}
	if err := checkDomain(dom); err != nil {
		return "", err
	}
	return SubscriberEmail(raw), nil
}

func (e SubscriberEmail) String() string { return string(e) }

func checkLocalPart(local string) error {
	if local == "" {
		return invalid("email", "local part must not be empty")
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return invalid("email", "local part has a misplaced '.'")
	}
	for _, r := range local {
		if r > unicode.MaxASCII {
			if unicode.IsSpace(r) || unicode.IsControl(r) {
				return invalid("email", "local part contains whitespace")
			}
			continue
		}
		if isASCIIAlnum(r) || strings.ContainsRune(localSpecials, r) {
			continue
		}
		return invalid("email", "local part contains invalid character %q", r)
	}
	return nil
}

func checkDomain(dom string) error {
	if dom == "" {
		return invalid("email", "domain must not be empty")
	}
	if !strings.Contains(dom, ".") {
		return invalid("email", "domain %q must contain a '.'", dom)
	}
	for _, label := range strings.Split(dom, ".") {
		if label == "" {
			return invalid("email", "domain %q has a misplaced '.'", dom)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return invalid("email", "domain label %q must not start or end with '-'", label)
		}
		for _, r := range label {
			if r > unicode.MaxASCII && unicode.IsLetter(r) {
				continue
			}
			if !isASCIIAlnum(r) && r != '-' {
				return invalid("email", "domain contains invalid character %q", r)
			}
		}
	}
	return nil
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
