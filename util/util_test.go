package util

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestGetNameAndVersion(t *testing.T) {
	result := GetNameAndVersion()
	expected := "boardfed / " + GetVersion()

	if result != expected {
		t.Errorf("Expected '%s', got '%s'", expected, result)
	}
	if GetVersion() == "" {
		t.Error("Expected embedded version to be non-empty")
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent("board.example")

	if !strings.HasPrefix(ua, "boardfed/") {
		t.Errorf("Expected user agent to start with 'boardfed/', got '%s'", ua)
	}
	if !strings.Contains(ua, "https://board.example/") {
		t.Errorf("Expected user agent to name the instance, got '%s'", ua)
	}
}

func TestGeneratePemKeypairRoundTrip(t *testing.T) {
	pair, err := GeneratePemKeypair(1024)
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}

	if !strings.Contains(pair.Private, "RSA PRIVATE KEY") {
		t.Error("Expected PKCS#1 private key block")
	}
	if !strings.Contains(pair.Public, "BEGIN PUBLIC KEY") {
		t.Error("Expected PKIX public key block")
	}

	priv, err := ParsePrivateKey(pair.Private)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	pub, err := ParsePublicKey(pair.Public)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if priv.PublicKey.N.Cmp(pub.N) != 0 {
		t.Error("Public key does not match private key")
	}
}

func TestParseKeysInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not pem", "hello"},
		{"garbage block", "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePublicKey(tt.input); err == nil {
				t.Error("Expected ParsePublicKey to fail")
			}
			if _, err := ParsePrivateKey(tt.input); err == nil {
				t.Error("Expected ParsePrivateKey to fail")
			}
		})
	}
}

func TestResolveFilePathAbsolute(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "board.db")
	if got := ResolveFilePath(abs); got != abs {
		t.Errorf("Expected '%s', got '%s'", abs, got)
	}
}
