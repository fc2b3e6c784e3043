package activitypub

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testKeyID = "https://remote.example/users/bob#main-key"

var testBody = []byte(`{"type":"Like","actor":"https://remote.example/users/bob"}`)

// calculateDigest calculates SHA-256 digest for request body
func calculateDigest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// rewriteSignature replaces the Signature header of r with one rebuilt from
// its parsed parameters after edit has run.
func rewriteSignature(t *testing.T, r *http.Request, edit func(sc *SignatureContext)) {
	t.Helper()
	sc, err := ParseSignatureHeader(r.Header.Get("Signature"))
	if err != nil {
		t.Fatalf("Failed to parse signature: %v", err)
	}
	edit(sc)

	parts := []string{fmt.Sprintf(`keyId="%s"`, sc.KeyID)}
	if sc.Algorithm != "" {
		parts = append(parts, fmt.Sprintf(`algorithm="%s"`, sc.Algorithm))
	}
	parts = append(parts,
		fmt.Sprintf(`headers="%s"`, strings.Join(sc.Headers, " ")),
		fmt.Sprintf(`signature="%s"`, sc.Signature),
	)
	r.Header.Set("Signature", strings.Join(parts, ","))
}

func TestSignAndVerifyRoundtrip(t *testing.T) {
	now := newFakeClock().Now()
	key := testKey(t, 0)

	r := signedRequest(t, "/inbox", testBody, key, testKeyID, now)

	if r.Header.Get("Digest") != calculateDigest(testBody) {
		t.Errorf("Expected digest %s, got %s", calculateDigest(testBody), r.Header.Get("Digest"))
	}

	sc, err := Verify(r, testBody, &key.PublicKey, now)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if sc.KeyID != testKeyID {
		t.Errorf("Expected keyId %s, got %s", testKeyID, sc.KeyID)
	}
	for _, h := range []string{"(request-target)", "host", "date", "digest", "content-type"} {
		if !sc.Covers(h) {
			t.Errorf("Expected %s to be signed, headers: %v", h, sc.Headers)
		}
	}
}

func TestSignGetIncludesDigest(t *testing.T) {
	now := newFakeClock().Now()
	header, err := Sign(http.MethodGet, "https://remote.example/users/bob", nil, "", testKey(t, 0), testKeyID, now)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if header.Get("Digest") != calculateDigest(nil) {
		t.Errorf("Expected empty-body digest, got %q", header.Get("Digest"))
	}
	if header.Get("Date") != now.Format(http.TimeFormat) {
		t.Errorf("Expected Date %s, got %s", now.Format(http.TimeFormat), header.Get("Date"))
	}
	if !strings.Contains(header.Get("Signature"), `keyId="`+testKeyID+`"`) {
		t.Errorf("Signature header missing keyId: %s", header.Get("Signature"))
	}
}

func TestVerifyClockSkew(t *testing.T) {
	signedAt := newFakeClock().Now()
	key := testKey(t, 0)

	tests := []struct {
		offset time.Duration
		valid  bool
	}{
		{0, true},
		{29 * time.Second, true},
		{30 * time.Second, true},
		{31 * time.Second, false},
		{-29 * time.Second, true},
		{-31 * time.Second, false},
		{time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.offset.String(), func(t *testing.T) {
			r := signedRequest(t, "/inbox", testBody, key, testKeyID, signedAt)
			_, err := Verify(r, testBody, &key.PublicKey, signedAt.Add(tt.offset))
			if tt.valid && err != nil {
				t.Errorf("Expected valid signature at %s, got %v", tt.offset, err)
			}
			if !tt.valid && !errors.Is(err, ErrSignatureExpired) {
				t.Errorf("Expected ErrSignatureExpired at %s, got %v", tt.offset, err)
			}
		})
	}
}

func TestVerifyDigestMismatch(t *testing.T) {
	now := newFakeClock().Now()
	key := testKey(t, 0)
	r := signedRequest(t, "/inbox", testBody, key, testKeyID, now)

	tampered := bytes.Replace(testBody, []byte("Like"), []byte("Undo"), 1)
	_, err := Verify(r, tampered, &key.PublicKey, now)
	if !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Expected ErrDigestMismatch, got %v", err)
	}
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Error("Expected digest mismatch to be a signature failure")
	}
}

func TestVerifyMissingDigestHeader(t *testing.T) {
	now := newFakeClock().Now()
	key := testKey(t, 0)
	r := signedRequest(t, "/inbox", testBody, key, testKeyID, now)
	r.Header.Del("Digest")

	if _, err := Verify(r, testBody, &key.PublicKey, now); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Expected ErrDigestMismatch, got %v", err)
	}
}

func TestVerifyRequiresSignedHeaders(t *testing.T) {
	now := newFakeClock().Now()
	key := testKey(t, 0)

	for _, drop := range []string{"(request-target)", "host", "date", "digest"} {
		t.Run(drop, func(t *testing.T) {
			r := signedRequest(t, "/inbox", testBody, key, testKeyID, now)
			rewriteSignature(t, r, func(sc *SignatureContext) {
				var kept []string
				for _, h := range sc.Headers {
					if h != drop {
						kept = append(kept, h)
					}
				}
				sc.Headers = kept
			})
			if _, err := Verify(r, testBody, &key.PublicKey, now); !errors.Is(err, ErrMissingSignedHeader) {
				t.Errorf("Expected ErrMissingSignedHeader without %s, got %v", drop, err)
			}
		})
	}
}

func TestVerifyAlgorithm(t *testing.T) {
	now := newFakeClock().Now()
	key := testKey(t, 0)

	tests := []struct {
		algorithm string
		wantErr   error
	}{
		{"", nil},
		{"hs2019", nil},
		{"rsa-sha256", nil},
		{"RSA-SHA256", nil},
		{"hmac-sha256", ErrUnsupportedAlgorithm},
		{"ed25519", ErrUnsupportedAlgorithm},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			r := signedRequest(t, "/inbox", testBody, key, testKeyID, now)
			rewriteSignature(t, r, func(sc *SignatureContext) { sc.Algorithm = tt.algorithm })

			_, err := Verify(r, testBody, &key.PublicKey, now)
			if tt.wantErr == nil && err != nil {
				t.Errorf("Expected algorithm %q to verify, got %v", tt.algorithm, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v for %q, got %v", tt.wantErr, tt.algorithm, err)
			}
		})
	}
}

func TestVerifyWrongKey(t *testing.T) {
	now := newFakeClock().Now()
	r := signedRequest(t, "/inbox", testBody, testKey(t, 0), testKeyID, now)

	_, err := Verify(r, testBody, &testKey(t, 1).PublicKey, now)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("Expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifyWrongTarget(t *testing.T) {
	now := newFakeClock().Now()
	key := testKey(t, 0)
	signed := signedRequest(t, "/inbox", testBody, key, testKeyID, now)

	// Same headers replayed against another path.
	r := httptest.NewRequest(http.MethodPost, "https://"+testDomain+"/users/alice/inbox", bytes.NewReader(testBody))
	r.Header = signed.Header.Clone()

	if _, err := Verify(r, testBody, &key.PublicKey, now); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("Expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifyMissingSignature(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "https://"+testDomain+"/inbox", bytes.NewReader(testBody))
	_, err := Verify(r, testBody, &testKey(t, 0).PublicKey, time.Now())
	if !errors.Is(err, ErrSignatureMissing) {
		t.Errorf("Expected ErrSignatureMissing, got %v", err)
	}
}

func TestParseSignatureHeader(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    SignatureContext
		wantErr bool
	}{
		{
			name:   "full",
			header: `keyId="https://remote.example/users/bob#main-key",algorithm="rsa-sha256",headers="(request-target) host date digest",signature="abc+/=="`,
			want: SignatureContext{
				KeyID:     "https://remote.example/users/bob#main-key",
				Algorithm: "rsa-sha256",
				Headers:   []string{"(request-target)", "host", "date", "digest"},
				Signature: "abc+/==",
			},
		},
		{
			name:   "headers default to date",
			header: `keyId="k",signature="s"`,
			want:   SignatureContext{KeyID: "k", Headers: []string{"date"}, Signature: "s"},
		},
		{
			name:   "comma inside quotes",
			header: `keyId="https://remote.example/key,1", signature="s", headers="Host Date"`,
			want:   SignatureContext{KeyID: "https://remote.example/key,1", Headers: []string{"host", "date"}, Signature: "s"},
		},
		{name: "empty", header: "", wantErr: true},
		{name: "no keyId", header: `signature="s"`, wantErr: true},
		{name: "no signature", header: `keyId="k"`, wantErr: true},
		{name: "garbage", header: `keyId`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSignatureHeader(tt.header)
			if tt.wantErr {
				if !errors.Is(err, ErrSignatureMissing) {
					t.Errorf("Expected ErrSignatureMissing, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSignatureHeader failed: %v", err)
			}
			if got.KeyID != tt.want.KeyID || got.Algorithm != tt.want.Algorithm || got.Signature != tt.want.Signature {
				t.Errorf("Expected %+v, got %+v", tt.want, *got)
			}
			if strings.Join(got.Headers, " ") != strings.Join(tt.want.Headers, " ") {
				t.Errorf("Expected headers %v, got %v", tt.want.Headers, got.Headers)
			}
		})
	}
}

func TestKeyHost(t *testing.T) {
	tests := map[string]string{
		"https://Remote.Example/users/bob#main-key": "remote.example",
		"https://remote.example:8443/actor#key":     "remote.example",
		"not a url":                                 "",
	}
	for keyID, want := range tests {
		if got := KeyHost(keyID); got != want {
			t.Errorf("KeyHost(%q): expected %q, got %q", keyID, want, got)
		}
	}
}
