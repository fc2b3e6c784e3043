package domain

import (
	"time"

	"github.com/google/uuid"
)

// InstanceActorName is the username reserved for the instance actor that
// signs authorized-fetch requests on behalf of the server.
const InstanceActorName = "instance.actor"

// LocalActor is an identity hosted on this server that can sign requests.
type LocalActor struct {
	Id            uuid.UUID
	Username      string
	ActorURI      string
	Kind          ActorKind
	DisplayName   string
	PublicKeyPem  string
	PrivateKeyPem string
	CreatedAt     time.Time
}

// KeyID is the publicKey.id advertised in the actor document.
func (acc *LocalActor) KeyID() string {
	return acc.ActorURI + "#main-key"
}
