package domain

import (
	"time"

	"github.com/google/uuid"
)

type ActorKind string

const (
	KindPerson       ActorKind = "Person"
	KindGroup        ActorKind = "Group"
	KindOrganization ActorKind = "Organization"
	KindService      ActorKind = "Service"
	KindApplication  ActorKind = "Application"
)

// IsActorKind reports whether t names an actor type.
func IsActorKind(t string) bool {
	switch ActorKind(t) {
	case KindPerson, KindGroup, KindOrganization, KindService, KindApplication:
		return true
	}
	return false
}

// RemoteActor represents a cached federated identity
type RemoteActor struct {
	Id             uuid.UUID
	ActorURI       string
	KeyID          string
	Handle         string
	DisplayName    string
	Domain         string
	PublicKeyPem   string
	InboxURI       string
	SharedInboxURI string
	Kind           ActorKind
	FetchedAt      time.Time
}

// DeliveryInbox is where activities for this actor should be posted, the
// shared inbox when the server advertises one.
func (a *RemoteActor) DeliveryInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}

// Stale reports whether the cached copy is older than ttl.
func (a *RemoteActor) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(a.FetchedAt) > ttl
}

type FollowState string

const (
	FollowPending  FollowState = "pending"
	FollowAccepted FollowState = "accepted"
	FollowRejected FollowState = "rejected"
)

// Follow represents a follow relationship
type Follow struct {
	Id          uuid.UUID
	FollowerURI string
	FollowedURI string
	ActivityURI string // Follow activity id, matched by Accept/Reject
	State       FollowState
	IsLocal     bool // both ends are hosted here
	CreatedAt   time.Time
}

// Activity represents an inbound ActivityPub activity (audit log)
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	CreatedAt    time.Time
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobDelivered JobStatus = "delivered"
	JobFailed    JobStatus = "failed"
	JobAbandoned JobStatus = "abandoned"
)

// Terminal reports whether the job will never be attempted again.
func (s JobStatus) Terminal() bool {
	return s == JobDelivered || s == JobAbandoned
}

const (
	ReasonDomainBlocked = "domain_blocked"
	ReasonMaxAttempts   = "max_attempts"
)

// DeliveryJob is one activity destined for one inbox
type DeliveryJob struct {
	Id            uuid.UUID
	ActivityURI   string
	InboxURI      string
	TargetActor   string // dedup key together with InboxURI
	SignerURI     string // local actor whose key signs the request
	Payload       string
	Attempts      int
	Status        JobStatus
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
