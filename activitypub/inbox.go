package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/deemkeen/boardfed/db"
	"github.com/deemkeen/boardfed/domain"
	"github.com/deemkeen/boardfed/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultMaxBodyBytes = 256 * 1024

var (
	ErrAttributionMismatch  = errors.New("attribution mismatch")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrUnknownTarget        = errors.New("unknown target")
	ErrDomainBlocked        = errors.New("domain blocked")
)

// ContentStore holds remote content. db.ContentTable satisfies it.
type ContentStore interface {
	Create(ctx context.Context, c *domain.Content) error
	Update(ctx context.Context, c *domain.Content) error
	SoftDelete(ctx context.Context, objectURI, actorURI string) error
	SoftDeleteByAuthor(ctx context.Context, actorURI string) (int64, error)
}

// PrivateMessageStore holds content addressed to individual actors.
type PrivateMessageStore interface {
	ContentStore
}

// EdgeStore holds favourites or boosts. db.EdgeTable satisfies it.
type EdgeStore interface {
	Add(ctx context.Context, e *domain.Edge) error
	Remove(ctx context.Context, activityURI, actorURI, objectURI string) error
}

type ReportSink interface {
	CreateReport(ctx context.Context, r *domain.Report) error
}

type FollowStore interface {
	UpsertFollow(ctx context.Context, f *domain.Follow) error
	ReadFollow(ctx context.Context, followerURI, followedURI string) (*domain.Follow, error)
	ReadFollowByActivityURI(ctx context.Context, activityURI string) (*domain.Follow, error)
	ReadFollowers(ctx context.Context, followedURI string, state domain.FollowState) ([]domain.Follow, error)
	UpdateFollowState(ctx context.Context, id uuid.UUID, state domain.FollowState) error
	DeleteFollow(ctx context.Context, followerURI, followedURI string) error
	DeleteFollowByActivityURI(ctx context.Context, activityURI string) error
	DeleteFollowsByActor(ctx context.Context, actorURI string) (int64, error)
}

type ActivityLog interface {
	RecordActivity(ctx context.Context, a *domain.Activity) error
	ReadActivityByURI(ctx context.Context, activityURI string) (*domain.Activity, error)
}

// ActorResolver is the part of *Resolver the dispatcher needs.
type ActorResolver interface {
	Resolve(ctx context.Context, actorURI string) (*domain.RemoteActor, error)
	Refresh(ctx context.Context, actorURI string) (*domain.RemoteActor, error)
	ResolveKey(ctx context.Context, keyID string) (*domain.RemoteActor, error)
}

// FollowAcceptor answers an inbound Follow. *Outbox satisfies it.
type FollowAcceptor interface {
	Accept(ctx context.Context, local *domain.LocalActor, follower *domain.RemoteActor, followID string) error
}

// Stores groups the persistence the dispatcher writes to.
type Stores struct {
	Content     ContentStore
	Private     PrivateMessageStore
	Favourites  EdgeStore
	Boosts      EdgeStore
	Reports     ReportSink
	Follows     FollowStore
	Activities  ActivityLog
	LocalActors LocalActorStore
}

// StoresFrom wires every store to database.
func StoresFrom(database *db.DB) Stores {
	return Stores{
		Content:     database.Content(),
		Private:     database.PrivateMessages(),
		Favourites:  database.Favourites(),
		Boosts:      database.Boosts(),
		Reports:     database,
		Follows:     database,
		Activities:  database,
		LocalActors: database,
	}
}

type DispatcherOptions struct {
	MaxBodyBytes int64
	Clock        util.Clock
}

// Dispatcher authenticates inbound activities and applies their effects.
type Dispatcher struct {
	stores   Stores
	resolver ActorResolver
	policy   DomainPolicy
	acceptor FollowAcceptor
	opts     DispatcherOptions
	logger   zerolog.Logger
}

func NewDispatcher(stores Stores, resolver ActorResolver, policy DomainPolicy, acceptor FollowAcceptor, opts DispatcherOptions) *Dispatcher {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Clock == nil {
		opts.Clock = util.SystemClock{}
	}
	return &Dispatcher{
		stores:   stores,
		resolver: resolver,
		policy:   policy,
		acceptor: acceptor,
		opts:     opts,
		logger:   log.With().Str("component", "inbox").Logger(),
	}
}

// HandleInbox runs an inbound POST through every check and applies its
// effect. It returns the HTTP status to answer with and, for failures, the
// reason. Requests from blocked domains get 202 and no effect.
func (d *Dispatcher) HandleInbox(r *http.Request) (status int, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error().Interface("panic", p).Msg("Inbox: recovered panic")
			status, err = http.StatusInternalServerError, errors.New("internal error")
		}
	}()
	ctx := r.Context()

	if !AcceptableMediaType(r.Header.Get("Content-Type")) {
		return http.StatusUnsupportedMediaType, ErrUnsupportedMediaType
	}

	body, err := d.readBody(r)
	if errors.Is(err, ErrPayloadTooLarge) {
		return http.StatusRequestEntityTooLarge, err
	}
	if err != nil {
		return http.StatusBadRequest, err
	}

	sc, err := ParseSignatureHeader(r.Header.Get("Signature"))
	if err != nil {
		d.logger.Warn().Err(err).Msg("Inbox: missing signature")
		return http.StatusUnauthorized, err
	}
	if !d.policy.Allowed(KeyHost(sc.KeyID)) {
		d.logger.Debug().Str("keyId", sc.KeyID).Msg("Inbox: dropping request from blocked domain")
		return http.StatusAccepted, nil
	}

	signer, err := d.verify(ctx, r, body, sc)
	if err != nil {
		d.logger.Warn().Err(err).Str("keyId", sc.KeyID).Msg("Inbox: signature rejected")
		return http.StatusUnauthorized, err
	}

	activity, err := ParseActivity(body)
	if err != nil {
		if errors.Is(err, ErrAttributionMismatch) {
			return http.StatusForbidden, err
		}
		d.logger.Info().Err(err).Str("actor", signer.ActorURI).Msg("Inbox: malformed activity")
		return http.StatusBadRequest, err
	}
	meta := MetaOf(activity)
	logger := d.logger.With().Str("type", meta.Type).Str("id", meta.ID).Str("actor", meta.Actor).Logger()

	if meta.Actor != signer.ActorURI {
		logger.Warn().Str("keyOwner", signer.ActorURI).Msg("Inbox: actor does not match signing key")
		return http.StatusUnauthorized, fmt.Errorf("%w: actor is not the key owner", ErrAttributionMismatch)
	}
	if !d.policy.Allowed(hostOf(meta.Actor)) {
		logger.Debug().Msg("Inbox: dropping activity from blocked domain")
		return http.StatusAccepted, nil
	}
	if err := checkContentAttribution(activity); err != nil {
		logger.Warn().Err(err).Msg("Inbox: content attribution mismatch")
		return http.StatusForbidden, err
	}

	if _, err := d.stores.Activities.ReadActivityByURI(ctx, meta.ID); err == nil {
		logger.Debug().Msg("Inbox: activity already processed")
		return http.StatusAccepted, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return http.StatusInternalServerError, err
	}

	err = d.dispatch(ctx, activity, signer)
	switch {
	case err == nil, errors.Is(err, db.ErrDuplicate):
	case errors.Is(err, ErrUnknownTarget):
		return http.StatusNotFound, err
	case errors.Is(err, db.ErrNotAuthor), errors.Is(err, ErrAttributionMismatch):
		logger.Warn().Err(err).Msg("Inbox: rejected")
		return http.StatusForbidden, err
	case errors.Is(err, db.ErrNotFound):
		logger.Debug().Err(err).Msg("Inbox: nothing to change")
	default:
		logger.Error().Err(err).Msg("Inbox: failed to apply activity")
		return http.StatusInternalServerError, errors.New("failed to process activity")
	}

	record := &domain.Activity{
		ActivityURI:  meta.ID,
		ActivityType: meta.Type,
		ActorURI:     meta.Actor,
		ObjectURI:    ObjectURI(activity),
		RawJSON:      string(meta.Raw),
		CreatedAt:    d.opts.Clock.Now(),
	}
	if err := d.stores.Activities.RecordActivity(ctx, record); err != nil && !errors.Is(err, db.ErrDuplicate) {
		logger.Error().Err(err).Msg("Inbox: failed to log activity")
	}
	return http.StatusAccepted, nil
}

// AcceptableMediaType reports whether contentType is one of the
// ActivityStreams JSON types.
func AcceptableMediaType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/activity+json", "application/ld+json", "application/json":
		return true
	}
	return false
}

func (d *Dispatcher) readBody(r *http.Request) ([]byte, error) {
	limit := d.opts.MaxBodyBytes
	if r.ContentLength > limit {
		return nil, ErrPayloadTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, ErrPayloadTooLarge
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if int64(len(body)) > limit {
		return nil, ErrPayloadTooLarge
	}
	return body, nil
}

// verify resolves the signing key and checks the signature. A mismatch
// against a cached key triggers one refresh of the actor, which picks up a
// rotated key.
func (d *Dispatcher) verify(ctx context.Context, r *http.Request, body []byte, sc *SignatureContext) (*domain.RemoteActor, error) {
	actor, err := d.resolver.ResolveKey(ctx, sc.KeyID)
	if err != nil {
		if errors.Is(err, ErrKeyUnresolvable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyUnresolvable, err)
	}

	err = d.verifyWith(r, body, actor)
	if !errors.Is(err, ErrSignatureMismatch) {
		return actor, err
	}

	refreshed, rerr := d.resolver.Refresh(ctx, actor.ActorURI)
	if rerr != nil || refreshed.PublicKeyPem == actor.PublicKeyPem || refreshed.KeyID != sc.KeyID {
		return nil, err
	}
	d.logger.Info().Str("actor", actor.ActorURI).Msg("Inbox: retrying with refreshed key")
	if err := d.verifyWith(r, body, refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

func (d *Dispatcher) verifyWith(r *http.Request, body []byte, actor *domain.RemoteActor) error {
	pub, err := util.ParsePublicKey(actor.PublicKeyPem)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyUnresolvable, err)
	}
	_, err = Verify(r, body, pub, d.opts.Clock.Now())
	return err
}

// checkContentAttribution requires content objects to be authored by the
// actor delivering them.
func checkContentAttribution(a Activity) error {
	var obj *ContentObject
	switch v := a.(type) {
	case *Create:
		obj = &v.Object
	case *CreatePrivate:
		obj = &v.Object
	case *UpdateContent:
		obj = &v.Object
	default:
		return nil
	}
	if obj.AttributedTo != MetaOf(a).Actor {
		return fmt.Errorf("%w: %s attributed to %s", ErrAttributionMismatch, obj.ID, obj.AttributedTo)
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, a Activity, sender *domain.RemoteActor) error {
	now := d.opts.Clock.Now()

	switch v := a.(type) {
	case *Follow:
		return d.handleFollow(ctx, v, sender, now)
	case *UndoFollow:
		return d.undoFollow(ctx, v.Actor, v.FollowID, v.Object)
	case *Accept:
		return d.answerFollow(ctx, v.Actor, v.FollowID, v.FollowActor, v.FollowObject, domain.FollowAccepted)
	case *Reject:
		return d.answerFollow(ctx, v.Actor, v.FollowID, v.FollowActor, v.FollowObject, domain.FollowRejected)
	case *Create:
		return d.stores.Content.Create(ctx, toContent(&v.Object, v.ID, now))
	case *CreatePrivate:
		return d.stores.Private.Create(ctx, toContent(&v.Object, v.ID, now))
	case *Like:
		return d.stores.Favourites.Add(ctx, &domain.Edge{ActivityURI: v.ID, ActorURI: v.Actor, ObjectURI: v.Object, CreatedAt: now})
	case *UndoLike:
		return d.stores.Favourites.Remove(ctx, v.LikeID, v.Actor, v.Object)
	case *Announce:
		return d.stores.Boosts.Add(ctx, &domain.Edge{ActivityURI: v.ID, ActorURI: v.Actor, ObjectURI: v.Object, CreatedAt: now})
	case *UndoAnnounce:
		return d.stores.Boosts.Remove(ctx, v.AnnounceID, v.Actor, v.Object)
	case *UpdateContent:
		return d.updateContent(ctx, v, now)
	case *UpdateActor:
		if v.Object != v.Actor {
			return fmt.Errorf("%w: update of another actor", ErrAttributionMismatch)
		}
		_, err := d.resolver.Refresh(ctx, v.Actor)
		return err
	case *Delete:
		return d.handleDelete(ctx, v)
	case *Flag:
		return d.stores.Reports.CreateReport(ctx, &domain.Report{
			ActivityURI: v.ID,
			ReporterURI: v.Actor,
			ObjectURIs:  v.Objects,
			Content:     v.Content,
			CreatedAt:   now,
		})
	case *Block:
		d.logger.Info().Str("actor", v.Actor).Str("object", v.Object).Msg("Inbox: blocked by remote actor")
		return nil
	case *UndoBlock:
		d.logger.Info().Str("actor", v.Actor).Str("object", v.Object).Msg("Inbox: unblocked by remote actor")
		return nil
	case *UndoRef:
		return d.undoRef(ctx, v)
	case *Unknown:
		d.logger.Debug().Str("type", v.Type).Msg("Inbox: ignoring unsupported activity type")
		return nil
	}
	return fmt.Errorf("unhandled activity %T", a)
}

func (d *Dispatcher) handleFollow(ctx context.Context, f *Follow, follower *domain.RemoteActor, now time.Time) error {
	local, err := d.stores.LocalActors.ReadLocalActorByURI(ctx, f.Object)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, f.Object)
	}
	if err != nil {
		return err
	}

	edge := &domain.Follow{
		FollowerURI: f.Actor,
		FollowedURI: local.ActorURI,
		ActivityURI: f.ID,
		State:       domain.FollowPending,
		CreatedAt:   now,
	}
	if err := d.stores.Follows.UpsertFollow(ctx, edge); err != nil {
		return fmt.Errorf("store follow: %w", err)
	}
	if err := d.acceptor.Accept(ctx, local, follower, f.ID); err != nil {
		return fmt.Errorf("queue accept: %w", err)
	}
	if err := d.stores.Follows.UpdateFollowState(ctx, edge.Id, domain.FollowAccepted); err != nil {
		return fmt.Errorf("accept follow: %w", err)
	}
	d.logger.Info().Str("follower", f.Actor).Str("followed", local.Username).Msg("Inbox: accepted follow")
	return nil
}

func (d *Dispatcher) undoFollow(ctx context.Context, actor, followID, object string) error {
	edge, err := d.stores.Follows.ReadFollowByActivityURI(ctx, followID)
	switch {
	case err == nil:
		if edge.FollowerURI != actor {
			return fmt.Errorf("%w: follow %s belongs to %s", ErrAttributionMismatch, followID, edge.FollowerURI)
		}
		err = d.stores.Follows.DeleteFollowByActivityURI(ctx, followID)
	case errors.Is(err, db.ErrNotFound) && object != "":
		err = d.stores.Follows.DeleteFollow(ctx, actor, object)
	}
	if err == nil {
		d.logger.Info().Str("follower", actor).Msg("Inbox: removed follow")
	}
	return err
}

// answerFollow applies an Accept or Reject of one of our Follows. Only the
// followed actor may answer.
func (d *Dispatcher) answerFollow(ctx context.Context, actor, followID, followActor, followObject string, state domain.FollowState) error {
	edge, err := d.stores.Follows.ReadFollowByActivityURI(ctx, followID)
	if errors.Is(err, db.ErrNotFound) && followActor != "" && followObject != "" {
		edge, err = d.stores.Follows.ReadFollow(ctx, followActor, followObject)
	}
	if err != nil {
		return err
	}
	if edge.FollowedURI != actor {
		return fmt.Errorf("%w: %s cannot answer a follow of %s", ErrAttributionMismatch, actor, edge.FollowedURI)
	}
	if edge.State == state {
		return nil
	}
	if err := d.stores.Follows.UpdateFollowState(ctx, edge.Id, state); err != nil {
		return err
	}
	d.logger.Info().Str("followed", actor).Str("state", string(state)).Msg("Inbox: follow answered")
	return nil
}

// updateContent edits public content, falling back to private messages.
func (d *Dispatcher) updateContent(ctx context.Context, u *UpdateContent, now time.Time) error {
	updated := now
	if !u.Object.Updated.IsZero() {
		updated = u.Object.Updated
	}
	c := &domain.Content{
		ObjectURI:    u.Object.ID,
		AttributedTo: u.Actor,
		Name:         u.Object.Name,
		Content:      u.Object.Content,
		UpdatedAt:    &updated,
	}
	err := d.stores.Content.Update(ctx, c)
	if errors.Is(err, db.ErrNotFound) {
		err = d.stores.Private.Update(ctx, c)
	}
	return err
}

func (d *Dispatcher) handleDelete(ctx context.Context, del *Delete) error {
	if del.ActorDeleted() {
		return d.deleteActor(ctx, del.Actor)
	}
	err := d.stores.Content.SoftDelete(ctx, del.Object, del.Actor)
	if errors.Is(err, db.ErrNotFound) {
		err = d.stores.Private.SoftDelete(ctx, del.Object, del.Actor)
	}
	return err
}

// deleteActor retires everything a deleted actor authored and drops the
// follow edges it takes part in. The cached actor document stays.
func (d *Dispatcher) deleteActor(ctx context.Context, actorURI string) error {
	posts, err := d.stores.Content.SoftDeleteByAuthor(ctx, actorURI)
	if err != nil {
		return err
	}
	messages, err := d.stores.Private.SoftDeleteByAuthor(ctx, actorURI)
	if err != nil {
		return err
	}
	edges, err := d.stores.Follows.DeleteFollowsByActor(ctx, actorURI)
	if err != nil {
		return err
	}
	d.logger.Info().
		Str("actor", actorURI).
		Int64("content", posts+messages).
		Int64("follows", edges).
		Msg("Inbox: actor deleted")
	return nil
}

// undoRef resolves an Undo that names its target by id through the activity
// log.
func (d *Dispatcher) undoRef(ctx context.Context, u *UndoRef) error {
	prev, err := d.stores.Activities.ReadActivityByURI(ctx, u.Ref)
	if err != nil {
		return err
	}
	if prev.ActorURI != u.Actor {
		return fmt.Errorf("%w: %s was sent by %s", ErrAttributionMismatch, u.Ref, prev.ActorURI)
	}

	switch prev.ActivityType {
	case "Follow":
		return d.undoFollow(ctx, u.Actor, u.Ref, prev.ObjectURI)
	case "Like":
		return d.stores.Favourites.Remove(ctx, u.Ref, u.Actor, prev.ObjectURI)
	case "Announce":
		return d.stores.Boosts.Remove(ctx, u.Ref, u.Actor, prev.ObjectURI)
	case "Block":
		d.logger.Info().Str("actor", u.Actor).Msg("Inbox: unblocked by remote actor")
		return nil
	}
	d.logger.Debug().Str("type", prev.ActivityType).Msg("Inbox: undo of unsupported type")
	return nil
}

func toContent(o *ContentObject, activityID string, now time.Time) *domain.Content {
	c := &domain.Content{
		ObjectURI:    o.ID,
		ActivityURI:  activityID,
		AttributedTo: o.AttributedTo,
		Type:         o.Type,
		Name:         o.Name,
		Content:      o.Content,
		InReplyTo:    o.InReplyTo,
		Recipients:   o.Recipients(),
		Published:    o.Published,
		CreatedAt:    now,
	}
	if c.Published.IsZero() {
		c.Published = now
	}
	if !o.Updated.IsZero() {
		updated := o.Updated
		c.UpdatedAt = &updated
	}
	return c
}
