package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubscriberEmail(t *testing.T) {
	valid := []string{
		"ursula@example.com",
		"first.last@sub.example.co.uk",
		"tag+news@example.org",
		"o'hara@example.ie",
		"x@a-b.io",
	}
	for _, raw := range valid {
		t.Run("valid "+raw, func(t *testing.T) {
			got, err := ParseSubscriberEmail(raw)
			require.NoError(t, err)
			assert.Equal(t, raw, got.String())
		})
	}

	invalidInputs := map[string]string{
		"empty":               "",
		"missing at":          "ursuladomain.com",
		"missing local":       "@domain.com",
		"missing domain":      "ursula@",
		"domain without dot":  "ursula@localhost",
		"two ats":             "a@b@example.com",
		"leading dot local":   ".ursula@example.com",
		"trailing dot local":  "ursula.@example.com",
		"double dot local":    "ur..sula@example.com",
		"leading dot domain":  "ursula@.example.com",
		"trailing dot domain": "ursula@example.com.",
		"double dot domain":   "ursula@example..com",
		"space":               "ur sula@example.com",
		"hyphen label":        "ursula@-example.com",
		"too long":            strings.Repeat("a", 250) + "@example.com",
	}
	for name, raw := range invalidInputs {
		t.Run("invalid "+name, func(t *testing.T) {
			_, err := ParseSubscriberEmail(raw)
			require.Error(t, err)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, "email", vErr.Field)
		})
	}
}

func FuzzParseSubscriberEmail(f *testing.F) {
	for _, seed := range []string{"ursula@example.com", "a@b.c", "@", "a@b", "..@..", ""} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		email, err := ParseSubscriberEmail(raw)
		if err != nil {
			return
		}
		s := email.String()
		local, dom, ok := strings.Cut(s, "@")
		if !ok || local == "" || !strings.Contains(dom, ".") {
			t.Fatalf("accepted malformed address %q", s)
		}
		if strings.Contains(s, "..") || strings.HasSuffix(s, ".") {
			t.Fatalf("accepted address with misplaced separator %q", s)
		}
	})
}
