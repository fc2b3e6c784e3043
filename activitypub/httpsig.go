package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/deemkeen/boardfed/util"
)

// MaxClockSkew is how far a signed Date may drift from our clock, either way.
const MaxClockSkew = 30 * time.Second

const (
	algRSASHA256 = "rsa-sha256"
	algHS2019    = "hs2019"
)

var (
	ErrSignatureInvalid     = errors.New("signature invalid")
	ErrSignatureMissing     = fmt.Errorf("%w: missing or malformed Signature header", ErrSignatureInvalid)
	ErrSignatureExpired     = fmt.Errorf("%w: date outside allowed window", ErrSignatureInvalid)
	ErrDigestMismatch       = fmt.Errorf("%w: digest does not match body", ErrSignatureInvalid)
	ErrMissingSignedHeader  = fmt.Errorf("%w: required header not signed", ErrSignatureInvalid)
	ErrUnsupportedAlgorithm = fmt.Errorf("%w: unsupported algorithm", ErrSignatureInvalid)
	ErrKeyUnresolvable      = fmt.Errorf("%w: key cannot be resolved", ErrSignatureInvalid)
	ErrSignatureMismatch    = fmt.Errorf("%w: signature does not verify", ErrSignatureInvalid)
)

// requiredHeaders must be covered by every inbound signature.
var requiredHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}

// SignatureContext is the parsed Signature header.
type SignatureContext struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature string
}

// ParseSignatureHeader splits a cavage-style Signature header into its
// parameters. An absent headers list defaults to "date".
func ParseSignatureHeader(value string) (*SignatureContext, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrSignatureMissing
	}

	sc := &SignatureContext{}
	for _, part := range splitParams(value) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: bad parameter %q", ErrSignatureMissing, part)
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.Trim(strings.TrimSpace(v), `"`)
		switch k {
		case "keyid":
			sc.KeyID = v
		case "algorithm":
			sc.Algorithm = strings.ToLower(v)
		case "headers":
			sc.Headers = strings.Fields(strings.ToLower(v))
		case "signature":
			sc.Signature = v
		}
	}

	if sc.KeyID == "" || sc.Signature == "" {
		return nil, fmt.Errorf("%w: keyId and signature are required", ErrSignatureMissing)
	}
	if len(sc.Headers) == 0 {
		sc.Headers = []string{"date"}
	}
	return sc, nil
}

// splitParams splits on commas that are not inside quotes.
func splitParams(s string) []string {
	var (
		parts   []string
		start   int
		inQuote bool
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(s[start:]); tail != "" {
		parts = append(parts, tail)
	}
	return parts
}

// Covers reports whether h is one of the signed headers.
func (sc *SignatureContext) Covers(h string) bool {
	for _, s := range sc.Headers {
		if s == h {
			return true
		}
	}
	return false
}

// KeySigner signs requests as one local actor. It satisfies
// safehttp.RequestSigner.
type KeySigner struct {
	Key   *rsa.PrivateKey
	KeyID string
	Clock util.Clock
}

// NewKeySigner parses the actor's private key.
func NewKeySigner(privateKeyPem, keyID string, clock util.Clock) (*KeySigner, error) {
	key, err := util.ParsePrivateKey(privateKeyPem)
	if err != nil {
		return nil, fmt.Errorf("signer key for %s: %w", keyID, err)
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &KeySigner{Key: key, KeyID: keyID, Clock: clock}, nil
}

// SignRequest sets Date, Host and Digest and adds the Signature header.
// body must be exactly what will be sent.
func (s *KeySigner) SignRequest(req *http.Request, body []byte) error {
	if body == nil {
		body = []byte{}
	}
	req.Header.Set("Date", s.Clock.Now().UTC().Format(http.TimeFormat))
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	req.Header.Set("Host", host)
	req.Header.Del("Digest")

	headers := append([]string(nil), requiredHeaders...)
	if req.Method == http.MethodPost && req.Header.Get("Content-Type") != "" {
		headers = append(headers, "content-type")
	}

	// httpsig signers keep per-signature state, so one is built per request.
	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256, headers, httpsig.Signature, 0)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(s.Key, s.KeyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return nil
}

// Sign returns the headers a request with the given parameters must carry.
func Sign(method, rawURL string, body []byte, contentType string, key *rsa.PrivateKey, keyID string, now time.Time) (http.Header, error) {
	req, err := http.NewRequest(method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	s := &KeySigner{Key: key, KeyID: keyID, Clock: fixedClock(now)}
	if err := s.SignRequest(req, body); err != nil {
		return nil, err
	}
	return req.Header, nil
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

// Verify checks r against publicKey. body is the raw request body, already
// read. The algorithm, covered headers, Date window and Digest are checked
// before the signature itself.
func Verify(r *http.Request, body []byte, publicKey *rsa.PublicKey, now time.Time) (*SignatureContext, error) {
	sc, err := ParseSignatureHeader(r.Header.Get("Signature"))
	if err != nil {
		return nil, err
	}
	if err := checkSignatureContext(sc, r, body, now); err != nil {
		return sc, err
	}

	// The server moves Host out of the header map.
	if r.Header.Get("Host") == "" {
		r.Header.Set("Host", r.Host)
	}
	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return sc, fmt.Errorf("%w: %v", ErrSignatureMissing, err)
	}
	if err := verifier.Verify(publicKey, httpsig.RSA_SHA256); err != nil {
		return sc, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return sc, nil
}

func checkSignatureContext(sc *SignatureContext, r *http.Request, body []byte, now time.Time) error {
	switch sc.Algorithm {
	case "", algHS2019, algRSASHA256:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, sc.Algorithm)
	}

	for _, h := range requiredHeaders {
		if !sc.Covers(h) {
			return fmt.Errorf("%w: %s", ErrMissingSignedHeader, h)
		}
	}

	date, err := http.ParseTime(r.Header.Get("Date"))
	if err != nil {
		return fmt.Errorf("%w: unreadable Date", ErrSignatureExpired)
	}
	skew := now.Sub(date)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return fmt.Errorf("%w: skew %s", ErrSignatureExpired, skew)
	}

	return checkDigest(r.Header.Get("Digest"), body)
}

// checkDigest compares the SHA-256 entry of a Digest header with body.
func checkDigest(header string, body []byte) error {
	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])

	for _, entry := range strings.Split(header, ",") {
		alg, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || !strings.EqualFold(alg, "SHA-256") {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(value), []byte(want)) == 1 {
			return nil
		}
		return ErrDigestMismatch
	}
	return fmt.Errorf("%w: no SHA-256 digest", ErrDigestMismatch)
}

// KeyHost returns the host part of a keyId, lowercased.
func KeyHost(keyID string) string {
	return hostOf(keyID)
}
