package activitypub

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/deemkeen/boardfed/db"
	"github.com/deemkeen/boardfed/domain"
	"github.com/deemkeen/boardfed/util"
	"github.com/google/uuid"
)

var (
	ErrInvalidUsername = errors.New("invalid username")
	validUsername      = regexp.MustCompile(`^[a-z0-9_]{1,30}$`)
)

// LocalActorCreator creates and reads local actors. *db.DB satisfies it.
type LocalActorCreator interface {
	LocalActorStore
	CreateLocalActor(ctx context.Context, acc *domain.LocalActor) error
}

func LocalActorURI(sslDomain, username string) string {
	return fmt.Sprintf("https://%s/users/%s", sslDomain, username)
}

func InstanceActorURI(sslDomain string) string {
	return fmt.Sprintf("https://%s/actor", sslDomain)
}

// CreateLocalActor generates a keypair and stores a new Person named
// username. db.ErrDuplicate when the name is taken.
func CreateLocalActor(ctx context.Context, store LocalActorCreator, sslDomain, username, displayName string) (*domain.LocalActor, error) {
	if !validUsername.MatchString(username) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	return createLocalActor(ctx, store, username, LocalActorURI(sslDomain, username), domain.KindPerson, displayName)
}

// EnsureInstanceActor returns the instance actor, creating it on first use.
func EnsureInstanceActor(ctx context.Context, store LocalActorCreator, sslDomain string) (*domain.LocalActor, error) {
	acc, err := store.ReadLocalActorByUsername(ctx, domain.InstanceActorName)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	acc, err = createLocalActor(ctx, store, domain.InstanceActorName, InstanceActorURI(sslDomain), domain.KindApplication, sslDomain)
	if errors.Is(err, db.ErrDuplicate) {
		// Created concurrently by another process.
		return store.ReadLocalActorByUsername(ctx, domain.InstanceActorName)
	}
	return acc, err
}

func createLocalActor(ctx context.Context, store LocalActorCreator, username, actorURI string, kind domain.ActorKind, displayName string) (*domain.LocalActor, error) {
	keys, err := util.GeneratePemKeypair(util.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	acc := &domain.LocalActor{
		Id:            uuid.New(),
		Username:      username,
		ActorURI:      actorURI,
		Kind:          kind,
		DisplayName:   displayName,
		PublicKeyPem:  keys.Public,
		PrivateKeyPem: keys.Private,
		CreatedAt:     time.Now(),
	}
	if err := store.CreateLocalActor(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// SignerFor returns a request signer using acc's key.
func SignerFor(acc *domain.LocalActor, clock util.Clock) (*KeySigner, error) {
	return NewKeySigner(acc.PrivateKeyPem, acc.KeyID(), clock)
}
