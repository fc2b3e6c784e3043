package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/boardfed/db"
	"github.com/deemkeen/boardfed/domain"
	"github.com/deemkeen/boardfed/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Enqueuer accepts outgoing activities for delivery. *Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, out Outgoing, recipients []Recipient) ([]domain.DeliveryJob, error)
}

// Outbox builds activities sent by local actors and hands them to the
// delivery queue.
type Outbox struct {
	domain   string
	follows  FollowStore
	locals   LocalActorStore
	resolver ActorResolver
	queue    Enqueuer
	policy   DomainPolicy
	clock    util.Clock
	logger   zerolog.Logger
}

func NewOutbox(sslDomain string, follows FollowStore, locals LocalActorStore, resolver ActorResolver, queue Enqueuer, policy DomainPolicy, clock util.Clock) *Outbox {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Outbox{
		domain:   strings.ToLower(sslDomain),
		follows:  follows,
		locals:   locals,
		resolver: resolver,
		queue:    queue,
		policy:   policy,
		clock:    clock,
		logger:   log.With().Str("component", "outbox").Logger(),
	}
}

// NewActivityID mints an id for an activity originating here.
func (o *Outbox) NewActivityID() string {
	return fmt.Sprintf("https://%s/activities/%s", o.domain, uuid.New().String())
}

func (o *Outbox) isLocal(uri string) bool {
	return hostOf(uri) == o.domain
}

// Follow makes local follow targetURI. A local target is followed
// immediately; a remote one gets a pending edge and a queued Follow.
func (o *Outbox) Follow(ctx context.Context, local *domain.LocalActor, targetURI string) (*domain.Follow, error) {
	edge := &domain.Follow{
		FollowerURI: local.ActorURI,
		ActivityURI: o.NewActivityID(),
		CreatedAt:   o.clock.Now(),
	}

	if o.isLocal(targetURI) {
		target, err := o.locals.ReadLocalActorByURI(ctx, targetURI)
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, targetURI)
		}
		if err != nil {
			return nil, err
		}
		edge.FollowedURI = target.ActorURI
		edge.State = domain.FollowAccepted
		edge.IsLocal = true
		if err := o.follows.UpsertFollow(ctx, edge); err != nil {
			return nil, fmt.Errorf("store follow: %w", err)
		}
		o.logger.Info().Str("follower", local.Username).Str("followed", target.Username).Msg("Outbox: local follow")
		return edge, nil
	}

	if !o.policy.Allowed(hostOf(targetURI)) {
		return nil, fmt.Errorf("%w: %s", ErrDomainBlocked, hostOf(targetURI))
	}
	target, err := o.resolver.Resolve(ctx, targetURI)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", targetURI, err)
	}

	edge.FollowedURI = target.ActorURI
	edge.State = domain.FollowPending
	if err := o.follows.UpsertFollow(ctx, edge); err != nil {
		return nil, fmt.Errorf("store follow: %w", err)
	}

	follow := followActivity(edge.ActivityURI, local.ActorURI, target.ActorURI)
	if err := o.send(ctx, local, edge.ActivityURI, follow, []Recipient{RecipientOf(target)}); err != nil {
		return nil, err
	}
	o.logger.Info().Str("follower", local.Username).Str("followed", target.ActorURI).Msg("Outbox: follow sent")
	return edge, nil
}

// Unfollow removes the edge and, for a remote target, sends Undo(Follow).
func (o *Outbox) Unfollow(ctx context.Context, local *domain.LocalActor, targetURI string) error {
	edge, err := o.follows.ReadFollow(ctx, local.ActorURI, targetURI)
	if err != nil {
		return err
	}
	if err := o.follows.DeleteFollow(ctx, local.ActorURI, targetURI); err != nil {
		return err
	}
	if edge.IsLocal {
		return nil
	}

	target, err := o.resolver.Resolve(ctx, targetURI)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", targetURI, err)
	}
	id := o.NewActivityID()
	undo := map[string]any{
		"@context": activityStreamsContext,
		"id":       id,
		"type":     "Undo",
		"actor":    local.ActorURI,
		"object":   followActivity(edge.ActivityURI, local.ActorURI, target.ActorURI),
	}
	delete(undo["object"].(map[string]any), "@context")
	return o.send(ctx, local, id, undo, []Recipient{RecipientOf(target)})
}

// Accept answers follower's Follow of local.
func (o *Outbox) Accept(ctx context.Context, local *domain.LocalActor, follower *domain.RemoteActor, followID string) error {
	id := o.NewActivityID()
	accept := map[string]any{
		"@context": activityStreamsContext,
		"id":       id,
		"type":     "Accept",
		"actor":    local.ActorURI,
		"object": map[string]any{
			"id":     followID,
			"type":   "Follow",
			"actor":  follower.ActorURI,
			"object": local.ActorURI,
		},
	}
	return o.send(ctx, local, id, accept, []Recipient{RecipientOf(follower)})
}

// Publish delivers activity to every accepted remote follower of local.
// Missing id, actor and @context fields are filled in.
func (o *Outbox) Publish(ctx context.Context, local *domain.LocalActor, activity map[string]any) ([]domain.DeliveryJob, error) {
	if _, ok := activity["@context"]; !ok {
		activity["@context"] = activityStreamsContext
	}
	if _, ok := activity["actor"]; !ok {
		activity["actor"] = local.ActorURI
	}
	id, _ := activity["id"].(string)
	if id == "" {
		id = o.NewActivityID()
		activity["id"] = id
	}

	followers, err := o.follows.ReadFollowers(ctx, local.ActorURI, domain.FollowAccepted)
	if err != nil {
		return nil, fmt.Errorf("read followers: %w", err)
	}

	recipients := make([]Recipient, 0, len(followers))
	for _, f := range followers {
		if f.IsLocal || o.isLocal(f.FollowerURI) {
			continue
		}
		actor, err := o.resolver.Resolve(ctx, f.FollowerURI)
		if err != nil {
			o.logger.Warn().Err(err).Str("follower", f.FollowerURI).Msg("Outbox: skipping unresolvable follower")
			continue
		}
		recipients = append(recipients, RecipientOf(actor))
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(activity)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", id, err)
	}
	jobs, err := o.queue.Enqueue(ctx, Outgoing{ActivityID: id, Payload: payload, Signer: local.ActorURI}, recipients)
	if err != nil {
		return jobs, err
	}
	o.logger.Info().Str("id", id).Int("jobs", len(jobs)).Msg("Outbox: published")
	return jobs, nil
}

func (o *Outbox) send(ctx context.Context, local *domain.LocalActor, id string, activity map[string]any, to []Recipient) error {
	payload, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", id, err)
	}
	if _, err := o.queue.Enqueue(ctx, Outgoing{ActivityID: id, Payload: payload, Signer: local.ActorURI}, to); err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}

func followActivity(id, actor, object string) map[string]any {
	return map[string]any{
		"@context": activityStreamsContext,
		"id":       id,
		"type":     "Follow",
		"actor":    actor,
		"object":   object,
	}
}
