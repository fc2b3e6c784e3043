package domain

import (
	"time"

	"github.com/google/uuid"
)

// Content is a remote object received through a Create activity. Public posts
// and private messages share the shape and live in separate stores.
type Content struct {
	Id           uuid.UUID
	ObjectURI    string
	ActivityURI  string
	AttributedTo string
	Type         string
	Name         string
	Content      string
	InReplyTo    string
	Recipients   []string
	Published    time.Time
	UpdatedAt    *time.Time
	DeletedAt    *time.Time
	CreatedAt    time.Time
}

// Edge is a favourite (Like) or boost (Announce) of an object by an actor.
type Edge struct {
	Id          uuid.UUID
	ActivityURI string
	ActorURI    string
	ObjectURI   string
	CreatedAt   time.Time
}

// Report is a moderation report built from an inbound Flag.
type Report struct {
	Id          uuid.UUID
	ActivityURI string
	ReporterURI string
	ObjectURIs  []string
	Content     string
	CreatedAt   time.Time
}
