package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/boardfed/db"
	"github.com/deemkeen/boardfed/domain"
	"github.com/deemkeen/boardfed/safehttp"
	"github.com/deemkeen/boardfed/util"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	ContentTypeActivity = "application/activity+json"
	ContentTypeLD       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// DefaultActorTTL is how long a fetched actor is served without refetching.
const DefaultActorTTL = 24 * time.Hour

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           any             `json:"@context"`
	ID                string          `json:"id"`
	Type              json.RawMessage `json:"type"`
	PreferredUsername string          `json:"preferredUsername"`
	Name              string          `json:"name"`
	Inbox             string          `json:"inbox"`
	Outbox            string          `json:"outbox"`
	Followers         string          `json:"followers"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
	// Owner is set when the document is a bare key rather than an actor.
	Owner string `json:"owner"`
}

// ActorStore persists fetched actors. *db.DB satisfies it.
type ActorStore interface {
	ReadRemoteActorByURI(ctx context.Context, actorURI string) (*domain.RemoteActor, error)
	ReadRemoteActorByKeyID(ctx context.Context, keyID string) (*domain.RemoteActor, error)
	UpsertRemoteActor(ctx context.Context, actor *domain.RemoteActor) error
}

// Fetcher performs outbound GETs. *safehttp.Client satisfies it.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, header http.Header, signer safehttp.RequestSigner) (*safehttp.Response, error)
}

// Resolver resolves actor URIs and key ids to cached actors, going to the
// network only when the cached copy is missing or stale.
type Resolver struct {
	store    ActorStore
	client   Fetcher
	instance safehttp.RequestSigner
	ttl      time.Duration
	clock    util.Clock
	logger   zerolog.Logger

	mu     sync.RWMutex
	actors map[string]*domain.RemoteActor
	keys   map[string]string // key id -> actor URI

	group singleflight.Group
}

type ResolverOptions struct {
	// InstanceSigner signs the retry when a server refuses an anonymous
	// fetch. Nil disables the retry.
	InstanceSigner safehttp.RequestSigner
	TTL            time.Duration
	Clock          util.Clock
}

func NewResolver(store ActorStore, client Fetcher, opts ResolverOptions) *Resolver {
	if opts.TTL <= 0 {
		opts.TTL = DefaultActorTTL
	}
	if opts.Clock == nil {
		opts.Clock = util.SystemClock{}
	}
	return &Resolver{
		store:    store,
		client:   client,
		instance: opts.InstanceSigner,
		ttl:      opts.TTL,
		clock:    opts.Clock,
		logger:   log.With().Str("component", "resolver").Logger(),
		actors:   make(map[string]*domain.RemoteActor),
		keys:     make(map[string]string),
	}
}

// Resolve returns the actor, fetching it when not cached or stale. When the
// fetch fails and a stale copy exists, the stale copy is returned.
func (r *Resolver) Resolve(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	cached, err := r.cached(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	if cached != nil && !cached.Stale(r.clock.Now(), r.ttl) {
		return cached, nil
	}

	fresh, err := r.fetch(ctx, actorURI)
	if err != nil {
		if cached != nil {
			r.logger.Warn().Err(err).Str("actor", actorURI).Msg("Resolver: serving stale actor")
			return cached, nil
		}
		return nil, err
	}
	return fresh, nil
}

// Refresh refetches the actor regardless of its age. A failed refresh leaves
// the cached copy in place.
func (r *Resolver) Refresh(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	return r.fetch(ctx, actorURI)
}

// ResolveKey returns the actor owning keyID.
func (r *Resolver) ResolveKey(ctx context.Context, keyID string) (*domain.RemoteActor, error) {
	r.mu.RLock()
	actorURI, ok := r.keys[keyID]
	r.mu.RUnlock()

	if !ok {
		stored, err := r.store.ReadRemoteActorByKeyID(ctx, keyID)
		switch {
		case err == nil:
			r.remember(stored)
			actorURI = stored.ActorURI
		case !errors.Is(err, db.ErrNotFound):
			return nil, err
		}
	}

	if actorURI == "" {
		return r.fetchKey(ctx, keyID)
	}
	actor, err := r.Resolve(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	if actor.KeyID != keyID {
		return nil, fmt.Errorf("%w: %s no longer owned by %s", ErrKeyUnresolvable, keyID, actorURI)
	}
	return actor, nil
}

// fetchKey dereferences an unknown key id. The document is either the actor
// itself or a key whose owner is the actor.
func (r *Resolver) fetchKey(ctx context.Context, keyID string) (*domain.RemoteActor, error) {
	docURI, _, _ := strings.Cut(keyID, "#")
	doc, err := r.fetchDocument(ctx, docURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnresolvable, err)
	}

	actorURI := doc.ID
	if doc.Inbox == "" && doc.Owner != "" {
		actorURI = doc.Owner
	}
	actor, err := r.Resolve(ctx, actorURI)
	if err == nil && actor.KeyID != keyID {
		// A cached actor may predate a key change.
		actor, err = r.Refresh(ctx, actorURI)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnresolvable, err)
	}
	if actor.KeyID != keyID {
		return nil, fmt.Errorf("%w: %s does not advertise %s", ErrKeyUnresolvable, actorURI, keyID)
	}
	return actor, nil
}

func (r *Resolver) cached(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	r.mu.RLock()
	actor, ok := r.actors[actorURI]
	r.mu.RUnlock()
	if ok {
		return actor, nil
	}

	stored, err := r.store.ReadRemoteActorByURI(ctx, actorURI)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.remember(stored)
	return stored, nil
}

func (r *Resolver) remember(actor *domain.RemoteActor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.actors[actor.ActorURI]; ok && old.KeyID != actor.KeyID {
		delete(r.keys, old.KeyID)
	}
	r.actors[actor.ActorURI] = actor
	r.keys[actor.KeyID] = actor.ActorURI
}

// fetch loads the actor from the network, collapsing concurrent fetches of
// the same URI.
func (r *Resolver) fetch(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	v, err, _ := r.group.Do(actorURI, func() (any, error) {
		doc, err := r.fetchDocument(ctx, actorURI)
		if err != nil {
			return nil, err
		}
		actor, err := r.toRemoteActor(actorURI, doc)
		if err != nil {
			return nil, err
		}
		if err := r.store.UpsertRemoteActor(ctx, actor); err != nil {
			return nil, fmt.Errorf("store actor %s: %w", actorURI, err)
		}
		r.remember(actor)
		r.logger.Debug().Str("actor", actorURI).Msg("Resolver: fetched actor")
		return actor, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.RemoteActor), nil
}

func (r *Resolver) fetchDocument(ctx context.Context, uri string) (*ActorResponse, error) {
	header := http.Header{"Accept": {ContentTypeActivity + ", " + ContentTypeLD}}

	resp, err := r.client.Get(ctx, uri, header, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && r.instance != nil {
		resp, err = r.client.Get(ctx, uri, header, r.instance)
		if err != nil {
			return nil, fmt.Errorf("signed fetch %s: %w", uri, err)
		}
	}
	if !resp.OK() {
		return nil, fmt.Errorf("fetch %s: status %d", uri, resp.StatusCode)
	}

	var doc ActorResponse
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return nil, fmt.Errorf("%w: actor %s: %v", ErrMalformed, uri, err)
	}
	return &doc, nil
}

// toRemoteActor validates doc as the actor at requested.
func (r *Resolver) toRemoteActor(requested string, doc *ActorResponse) (*domain.RemoteActor, error) {
	if doc.ID != requested {
		return nil, fmt.Errorf("%w: actor id %q does not match %q", ErrMalformed, doc.ID, requested)
	}
	typ, err := typeOf(doc.Type)
	if err != nil {
		return nil, err
	}
	if !domain.IsActorKind(typ) {
		return nil, fmt.Errorf("%w: %s is a %s, not an actor", ErrMalformed, requested, typ)
	}
	for field, uri := range map[string]string{"id": doc.ID, "inbox": doc.Inbox, "publicKey.id": doc.PublicKey.ID} {
		if err := checkURI(field, uri); err != nil {
			return nil, err
		}
	}
	if doc.Endpoints.SharedInbox != "" {
		if err := checkURI("endpoints.sharedInbox", doc.Endpoints.SharedInbox); err != nil {
			return nil, err
		}
	}
	if doc.PublicKey.Owner != doc.ID {
		return nil, fmt.Errorf("%w: key owner %q is not %q", ErrMalformed, doc.PublicKey.Owner, doc.ID)
	}
	if _, err := util.ParsePublicKey(doc.PublicKey.PublicKeyPem); err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrMalformed, err)
	}

	handle := doc.PreferredUsername
	if handle == "" {
		handle = lastSegment(doc.ID)
	}
	return &domain.RemoteActor{
		ActorURI:       doc.ID,
		KeyID:          doc.PublicKey.ID,
		Handle:         handle,
		DisplayName:    doc.Name,
		Domain:         hostOf(doc.ID),
		PublicKeyPem:   doc.PublicKey.PublicKeyPem,
		InboxURI:       doc.Inbox,
		SharedInboxURI: doc.Endpoints.SharedInbox,
		Kind:           domain.ActorKind(typ),
		FetchedAt:      r.clock.Now(),
	}, nil
}

// lastSegment extracts the username from URIs like
// https://example.com/users/alice or https://example.com/@alice.
func lastSegment(uri string) string {
	uri = strings.TrimRight(uri, "/")
	i := strings.LastIndexByte(uri, '/')
	return strings.TrimPrefix(uri[i+1:], "@")
}
