package domain

import (
	"fmt"
	"time"
)

// Actor represents an identity participating in the network, local or remote.
// Local actors carry a private key and have an empty Domain; remote actors are
// cache entries populated by the resolver and refreshed on demand.
type Actor struct {
	// ID is the local database id.
	ID int64

	// ActorURL is the canonical, globally unique identity URL.
	ActorURL string

	// Username is the preferred username without the domain part.
	Username string

	// Domain is the actor's home domain. Empty for local actors.
	Domain string

	InboxURL       string
	SharedInboxURL string
	OutboxURL      string
	FollowersURL   string
	FollowingURL   string

	// PublicKeyPEM is the PEM-encoded RSA public key published by the actor.
	PublicKeyPEM string

	// PrivateKeyPEM is set only for local actors. Only the owning node may
	// sign with it.
	PrivateKeyPEM string

	// FetchedAt is when the record was last fetched or updated. Used for
	// cache freshness on remote actors.
	FetchedAt time.Time
}

// IsLocal reports whether the actor is owned by this node.
func (a *Actor) IsLocal() bool {
	return a.Domain == ""
}

// KeyID returns the key identifier advertised in signed requests.
func (a *Actor) KeyID() string {
	return a.ActorURL + "#main-key"
}

// Handle returns the user@domain form of the actor's identity. For local
// actors the caller supplies the node's own domain via localDomain.
func (a *Actor) Handle(localDomain string) string {
	if a.IsLocal() {
		return fmt.Sprintf("%s@%s", a.Username, localDomain)
	}
	return fmt.Sprintf("%s@%s", a.Username, a.Domain)
}
