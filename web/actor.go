package web

import (
	"context"
	"errors"
	"fmt"

	"github.com/deemkeen/boardfed/db"
	"github.com/deemkeen/boardfed/domain"
)

const (
	contextActivityStreams = "https://www.w3.org/ns/activitystreams"
	contextSecurity        = "https://w3id.org/security/v1"
)

var errNoSuchActor = errors.New("no such actor")

type action uint

const (
	id action = iota
	inbox
	outbox
	followers
	following
	sharedInbox
)

type publicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type endpoints struct {
	SharedInbox string `json:"sharedInbox"`
}

// ActorDocument is the JSON-LD representation of a local actor.
type ActorDocument struct {
	Context                   []string  `json:"@context"`
	ID                        string    `json:"id"`
	Type                      string    `json:"type"`
	PreferredUsername         string    `json:"preferredUsername"`
	Name                      string    `json:"name"`
	Inbox                     string    `json:"inbox"`
	Outbox                    string    `json:"outbox"`
	Followers                 string    `json:"followers"`
	Following                 string    `json:"following"`
	URL                       string    `json:"url"`
	ManuallyApprovesFollowers bool      `json:"manuallyApprovesFollowers"`
	Discoverable              bool      `json:"discoverable"`
	Endpoints                 endpoints `json:"endpoints"`
	PublicKey                 publicKey `json:"publicKey"`
}

// OrderedCollection is served for the outbox and follower collections.
// Items are not listed, only the total.
type OrderedCollection struct {
	Context      string `json:"@context"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	TotalItems   int    `json:"totalItems"`
	OrderedItems []any  `json:"orderedItems"`
}

func getIRI(sslDomain string, acc *domain.LocalActor, action action) string {
	prefix := acc.ActorURI
	switch action {
	case inbox:
		if isInstanceActor(acc) {
			return fmt.Sprintf("https://%s/inbox", sslDomain)
		}
		return fmt.Sprintf("%s/inbox", prefix)
	case outbox:
		return fmt.Sprintf("%s/outbox", prefix)
	case followers:
		return fmt.Sprintf("%s/followers", prefix)
	case following:
		return fmt.Sprintf("%s/following", prefix)
	case id:
		return prefix
	case sharedInbox:
		return fmt.Sprintf("https://%s/inbox", sslDomain)
	default:
		return ""
	}
}

func isInstanceActor(acc *domain.LocalActor) bool {
	return acc.Username == domain.InstanceActorName
}

// NewActorDocument renders acc. The private key never leaves the database.
func NewActorDocument(sslDomain string, acc *domain.LocalActor) *ActorDocument {
	name := acc.DisplayName
	if name == "" {
		name = acc.Username
	}
	kind := string(acc.Kind)
	if kind == "" {
		kind = string(domain.KindPerson)
	}

	return &ActorDocument{
		Context:                   []string{contextActivityStreams, contextSecurity},
		ID:                        getIRI(sslDomain, acc, id),
		Type:                      kind,
		PreferredUsername:         acc.Username,
		Name:                      name,
		Inbox:                     getIRI(sslDomain, acc, inbox),
		Outbox:                    getIRI(sslDomain, acc, outbox),
		Followers:                 getIRI(sslDomain, acc, followers),
		Following:                 getIRI(sslDomain, acc, following),
		URL:                       getIRI(sslDomain, acc, id),
		ManuallyApprovesFollowers: isInstanceActor(acc),
		Discoverable:              !isInstanceActor(acc),
		Endpoints:                 endpoints{SharedInbox: getIRI(sslDomain, acc, sharedInbox)},
		PublicKey: publicKey{
			ID:           acc.KeyID(),
			Owner:        acc.ActorURI,
			PublicKeyPem: acc.PublicKeyPem,
		},
	}
}

// lookupUser finds a Person by the username in a /users/ path. The instance
// actor is only reachable through its own route.
func lookupUser(ctx context.Context, store Store, username string) (*domain.LocalActor, error) {
	if username == domain.InstanceActorName {
		return nil, errNoSuchActor
	}
	acc, err := store.ReadLocalActorByUsername(ctx, username)
	if errors.Is(err, db.ErrNotFound) {
		return nil, errNoSuchActor
	}
	return acc, err
}

// GetActor returns the actor document for username.
func GetActor(ctx context.Context, store Store, sslDomain, username string) (*ActorDocument, error) {
	acc, err := lookupUser(ctx, store, username)
	if err != nil {
		return nil, err
	}
	return NewActorDocument(sslDomain, acc), nil
}

// GetInstanceActor returns the document of the actor that signs fetches on
// behalf of the server.
func GetInstanceActor(ctx context.Context, store Store, sslDomain string) (*ActorDocument, error) {
	acc, err := store.ReadLocalActorByUsername(ctx, domain.InstanceActorName)
	if errors.Is(err, db.ErrNotFound) {
		return nil, errNoSuchActor
	}
	if err != nil {
		return nil, err
	}
	return NewActorDocument(sslDomain, acc), nil
}

// GetFollowers returns the follower collection of username with only the
// accepted count.
func GetFollowers(ctx context.Context, store Store, sslDomain, username string) (*OrderedCollection, error) {
	acc, err := lookupUser(ctx, store, username)
	if err != nil {
		return nil, err
	}
	edges, err := store.ReadFollowers(ctx, acc.ActorURI, domain.FollowAccepted)
	if err != nil {
		return nil, err
	}
	return newCollection(getIRI(sslDomain, acc, followers), len(edges)), nil
}

// GetEmptyCollection serves the outbox and following collections, which
// are not kept.
func GetEmptyCollection(ctx context.Context, store Store, sslDomain, username string, which action) (*OrderedCollection, error) {
	acc, err := lookupUser(ctx, store, username)
	if err != nil {
		return nil, err
	}
	return newCollection(getIRI(sslDomain, acc, which), 0), nil
}

func newCollection(uri string, total int) *OrderedCollection {
	return &OrderedCollection{
		Context:      contextActivityStreams,
		ID:           uri,
		Type:         "OrderedCollection",
		TotalItems:   total,
		OrderedItems: []any{},
	}
}
