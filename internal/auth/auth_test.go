package auth

import (
	"testing"
)

func TestAuthenticator_Check(t *testing.T) {
	a := NewAuthenticator("sk_internal_123")

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"correct key", "sk_internal_123", nil},
		{"empty key", "", ErrNoAPIKey},
		{"wrong key", "sk_internal_124", ErrInvalidAPIKey},
		{"prefix of key", "sk_internal", ErrInvalidAPIKey},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := a.Check(tc.raw); got != tc.want {
				t.Errorf("Check(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestAuthenticator_DisabledAllowsAll(t *testing.T) {
	a := NewAuthenticator("")
	if a.Enabled() {
		t.Fatal("Expected authenticator without key to be disabled")
	}
	if err := a.Check(""); err != nil {
		t.Errorf("Expected nil without configured key, got %v", err)
	}
}

func TestExtractKey(t *testing.T) {
	tests := []struct {
		authorization string
		apiKey        string
		want          string
	}{
		{"Bearer abc", "", "abc"},
		{"abc", "", "abc"},
		{"", "xyz", "xyz"},
		{"Bearer abc", "xyz", "abc"},
		{"", "", ""},
	}
	for _, tc := range tests {
		if got := extractKey(tc.authorization, tc.apiKey); got != tc.want {
			t.Errorf("extractKey(%q, %q) = %q, want %q", tc.authorization, tc.apiKey, got, tc.want)
		}
	}
}
