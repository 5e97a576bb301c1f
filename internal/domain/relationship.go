package domain

import "time"

// FollowRelationship is a directed follow edge between two actors. At most
// one row exists per ordered (FollowerID, FolloweeID) pair; a replayed Follow
// updates the existing row.
type FollowRelationship struct {
	ID         int64
	FollowerID int64
	FolloweeID int64

	// URI is the id of the Follow activity that created or last updated
	// this edge.
	URI string

	// Accepted is false while a locally initiated follow awaits the remote
	// server's Accept. Incoming follows are accepted at creation time since
	// this node auto-accepts.
	Accepted bool

	ShowReblogs bool
	Notify      bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Relation describes the follow state between an ordered pair of actors.
type Relation int

const (
	RelationNone Relation = iota
	RelationFollowing
	RelationFollowedBy
	RelationMutual
)

func (r Relation) String() string {
	switch r {
	case RelationFollowing:
		return "following"
	case RelationFollowedBy:
		return "followed_by"
	case RelationMutual:
		return "mutual"
	default:
		return "none"
	}
}
