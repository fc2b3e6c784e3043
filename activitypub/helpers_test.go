package activitypub

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/boardfed/db"
	"github.com/deemkeen/boardfed/domain"
	"github.com/deemkeen/boardfed/policy"
)

const testDomain = "board.example"

var (
	keysOnce sync.Once
	testKeys []*rsa.PrivateKey
)

// testKey returns one of a few keys generated once per test binary.
func testKey(t *testing.T, n int) *rsa.PrivateKey {
	t.Helper()
	keysOnce.Do(func() {
		for i := 0; i < 3; i++ {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			testKeys = append(testKeys, k)
		}
	})
	return testKeys[n]
}

// privateKeyToPEM converts private key to PEM string
func privateKeyToPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

// publicKeyToPEM converts public key to PEM string
func publicKeyToPEM(t *testing.T, key *rsa.PublicKey) string {
	t.Helper()
	keyBytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: keyBytes}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func setupPolicy(t *testing.T, database *db.DB) *policy.Cache {
	t.Helper()
	cache := policy.New(database, policy.ModeBlocklist)
	if err := cache.Reload(context.Background()); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	return cache
}

// remoteActor describes a remote actor whose key is one of the test keys.
func remoteActor(t *testing.T, host, name string, key int) *domain.RemoteActor {
	uri := fmt.Sprintf("https://%s/users/%s", host, name)
	return &domain.RemoteActor{
		ActorURI:       uri,
		KeyID:          uri + "#main-key",
		Handle:         name,
		Domain:         host,
		PublicKeyPem:   publicKeyToPEM(t, &testKey(t, key).PublicKey),
		InboxURI:       uri + "/inbox",
		SharedInboxURI: fmt.Sprintf("https://%s/inbox", host),
		Kind:           domain.KindPerson,
		FetchedAt:      time.Now(),
	}
}

// localActor stores a local actor signing with test key n.
func localActor(t *testing.T, store *db.DB, name string, key int) *domain.LocalActor {
	t.Helper()
	k := testKey(t, key)
	acc := &domain.LocalActor{
		Username:      name,
		ActorURI:      LocalActorURI(testDomain, name),
		Kind:          domain.KindPerson,
		PublicKeyPem:  publicKeyToPEM(t, &k.PublicKey),
		PrivateKeyPem: privateKeyToPEM(k),
		CreatedAt:     time.Now(),
	}
	if err := store.CreateLocalActor(context.Background(), acc); err != nil {
		t.Fatalf("Failed to create local actor: %v", err)
	}
	return acc
}

// fakeResolver serves actors from memory. refreshed, when set, is what
// Refresh returns for an actor.
type fakeResolver struct {
	mu        sync.Mutex
	actors    map[string]*domain.RemoteActor
	refreshed map[string]*domain.RemoteActor
	refreshes int
}

func newFakeResolver(actors ...*domain.RemoteActor) *fakeResolver {
	r := &fakeResolver{
		actors:    make(map[string]*domain.RemoteActor),
		refreshed: make(map[string]*domain.RemoteActor),
	}
	for _, a := range actors {
		r.actors[a.ActorURI] = a
	}
	return r
}

func (r *fakeResolver) Resolve(_ context.Context, uri string) (*domain.RemoteActor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[uri]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("fetch %s: status 404", uri)
}

func (r *fakeResolver) Refresh(_ context.Context, uri string) (*domain.RemoteActor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes++
	if a, ok := r.refreshed[uri]; ok {
		r.actors[uri] = a
		return a, nil
	}
	if a, ok := r.actors[uri]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("fetch %s: status 404", uri)
}

func (r *fakeResolver) ResolveKey(_ context.Context, keyID string) (*domain.RemoteActor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.actors {
		if a.KeyID == keyID {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyUnresolvable, keyID)
}

// signedRequest builds an inbound POST to path signed with key as keyID at
// now.
func signedRequest(t *testing.T, path string, body []byte, key *rsa.PrivateKey, keyID string, now time.Time) *http.Request {
	t.Helper()
	target := "https://" + testDomain + path

	out, err := http.NewRequest(http.MethodPost, target, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	out.Header.Set("Content-Type", ContentTypeActivity)
	signer := &KeySigner{Key: key, KeyID: keyID, Clock: fixedClock(now)}
	if err := signer.SignRequest(out, body); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}

	in := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	for k, vs := range out.Header {
		if k == "Host" {
			continue
		}
		in.Header[k] = vs
	}
	return in
}
