package domain

import (
	"context"
)

// ActorRepository defines persistence operations for local and cached remote
// actors. Remote entries are append-only cache rows keyed by actor URL.
type ActorRepository interface {
	// CreateLocalActor inserts a provisioned local actor.
	CreateLocalActor(ctx context.Context, actor *Actor) error

	// UpsertRemoteActor inserts or refreshes a cached remote actor keyed by
	// its actor URL. Concurrent writers for the same URL converge to one row.
	UpsertRemoteActor(ctx context.Context, actor *Actor) error

	// GetActorByURL retrieves an actor by its canonical URL. Returns
	// ErrActorNotFound when no row exists.
	GetActorByURL(ctx context.Context, actorURL string) (*Actor, error)

	// GetActorByID retrieves an actor by database id.
	GetActorByID(ctx context.Context, id int64) (*Actor, error)

	// GetLocalActor retrieves a local actor by username.
	GetLocalActor(ctx context.Context, username string) (*Actor, error)

	// DeleteActorByURL removes a cached actor, e.g. after a 410 Gone or a
	// Delete activity. Local actors are never deleted through this path.
	DeleteActorByURL(ctx context.Context, actorURL string) error
}

// FollowRepository defines persistence operations for follow edges. The
// at-most-one-row-per-ordered-pair invariant is enforced here with an upsert,
// so concurrent duplicate deliveries of the same Follow converge.
type FollowRepository interface {
	// UpsertFollow inserts a follow edge or, if a row for the ordered pair
	// already exists, updates its URI, flags and updated_at.
	UpsertFollow(ctx context.Context, follow *FollowRelationship) error

	// GetFollow retrieves the edge for an ordered pair. Returns
	// ErrFollowNotFound when absent.
	GetFollow(ctx context.Context, followerID, followeeID int64) (*FollowRelationship, error)

	// GetFollowByURI retrieves the edge created by the Follow activity with
	// the given id.
	GetFollowByURI(ctx context.Context, uri string) (*FollowRelationship, error)

	// AcceptFollow marks the edge created by the given Follow activity id as
	// accepted.
	AcceptFollow(ctx context.Context, uri string) error

	// DeleteFollowByURI removes the edge created by the given Follow
	// activity id. Undone follows are hard-deleted, so every query path sees
	// them as absent immediately.
	DeleteFollowByURI(ctx context.Context, uri string) error

	// CountFollowers returns the number of accepted edges pointing at the
	// actor.
	CountFollowers(ctx context.Context, actorID int64) (int64, error)

	// CountFollowing returns the number of accepted edges originating from
	// the actor.
	CountFollowing(ctx context.Context, actorID int64) (int64, error)

	// ListFollowerInboxes returns the delivery inboxes of all accepted
	// followers of the actor, preferring each follower's shared inbox.
	ListFollowerInboxes(ctx context.Context, actorID int64) ([]string, error)
}

// ActivityLogRepository records activities this node has sent. Entries are
// write-once at send time and read back only to authenticate a remote Accept
// or Reject referencing them.
type ActivityLogRepository interface {
	// LogSent records an outbound activity by id. Replays of the same id are
	// ignored.
	LogSent(ctx context.Context, activityID, actorURL string, body []byte) error

	// GetSent retrieves the recorded body of a previously sent activity.
	// Returns ErrIntegrityViolation when no entry exists.
	GetSent(ctx context.Context, activityID string) ([]byte, error)
}

// NoteRepository defines persistence operations for ingested content objects.
type NoteRepository interface {
	// CreateNote inserts a note. Replays of the same URI are ignored.
	CreateNote(ctx context.Context, note *Note) error

	// DeleteNote removes a note by URI, but only if it is attributed to the
	// given actor.
	DeleteNote(ctx context.Context, uri, actorURL string) error

	// DeleteNotesByActor removes all notes attributed to an actor, used when
	// the actor itself is deleted.
	DeleteNotesByActor(ctx context.Context, actorURL string) error
}
