// Package sqlite implements the domain repositories on an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/blackmichael/fedinode/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS actors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	actor_url TEXT NOT NULL UNIQUE,
	username TEXT NOT NULL,
	domain TEXT NOT NULL DEFAULT '',
	inbox_url TEXT NOT NULL DEFAULT '',
	shared_inbox_url TEXT NOT NULL DEFAULT '',
	outbox_url TEXT NOT NULL DEFAULT '',
	followers_url TEXT NOT NULL DEFAULT '',
	following_url TEXT NOT NULL DEFAULT '',
	public_key_pem TEXT NOT NULL DEFAULT '',
	private_key_pem TEXT NOT NULL DEFAULT '',
	fetched_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS follows (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	follower_id INTEGER NOT NULL REFERENCES actors(id),
	followee_id INTEGER NOT NULL REFERENCES actors(id),
	uri TEXT NOT NULL,
	accepted INTEGER NOT NULL DEFAULT 0,
	show_reblogs INTEGER NOT NULL DEFAULT 1,
	notify INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (follower_id, followee_id)
);

CREATE TABLE IF NOT EXISTS sent_activities (
	activity_id TEXT PRIMARY KEY,
	actor_url TEXT NOT NULL,
	body BLOB NOT NULL,
	sent_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS notes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uri TEXT NOT NULL UNIQUE,
	actor_url TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	in_reply_to TEXT NOT NULL DEFAULT '',
	published TIMESTAMP NOT NULL
);
`

// Repository implements domain.ActorRepository, domain.FollowRepository,
// domain.ActivityLogRepository and domain.NoteRepository using SQLite.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the SQLite database at the given path,
// verifies the connection and applies the schema. The caller should call
// Close when the repository is no longer needed.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer; serializing through one connection
	// keeps concurrent upserts from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateLocalActor inserts a provisioned local actor.
func (r *Repository) CreateLocalActor(ctx context.Context, actor *domain.Actor) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO actors (actor_url, username, domain, inbox_url, shared_inbox_url,
			outbox_url, followers_url, following_url, public_key_pem, private_key_pem, fetched_at)
		VALUES (?, ?, '', ?, ?, ?, ?, ?, ?, ?, ?)`,
		actor.ActorURL,
		actor.Username,
		actor.InboxURL,
		actor.SharedInboxURL,
		actor.OutboxURL,
		actor.FollowersURL,
		actor.FollowingURL,
		actor.PublicKeyPEM,
		actor.PrivateKeyPEM,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert local actor %s: %w", actor.ActorURL, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		actor.ID = id
	}
	return nil
}

// UpsertRemoteActor inserts or refreshes a cached remote actor. Racing
// writers for the same actor URL converge on one row, last write wins.
func (r *Repository) UpsertRemoteActor(ctx context.Context, actor *domain.Actor) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO actors (actor_url, username, domain, inbox_url, shared_inbox_url,
			outbox_url, followers_url, following_url, public_key_pem, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (actor_url) DO UPDATE SET
			username = excluded.username,
			domain = excluded.domain,
			inbox_url = excluded.inbox_url,
			shared_inbox_url = excluded.shared_inbox_url,
			outbox_url = excluded.outbox_url,
			followers_url = excluded.followers_url,
			following_url = excluded.following_url,
			public_key_pem = excluded.public_key_pem,
			fetched_at = excluded.fetched_at`,
		actor.ActorURL,
		actor.Username,
		actor.Domain,
		actor.InboxURL,
		actor.SharedInboxURL,
		actor.OutboxURL,
		actor.FollowersURL,
		actor.FollowingURL,
		actor.PublicKeyPEM,
		actor.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert remote actor %s: %w", actor.ActorURL, err)
	}
	return nil
}

const actorColumns = `id, actor_url, username, domain, inbox_url, shared_inbox_url,
	outbox_url, followers_url, following_url, public_key_pem, private_key_pem, fetched_at`

// GetActorByURL retrieves an actor by its canonical URL.
func (r *Repository) GetActorByURL(ctx context.Context, actorURL string) (*domain.Actor, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+actorColumns+` FROM actors WHERE actor_url = ?`, actorURL)
	return scanActor(row)
}

// GetActorByID retrieves an actor by database id.
func (r *Repository) GetActorByID(ctx context.Context, id int64) (*domain.Actor, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+actorColumns+` FROM actors WHERE id = ?`, id)
	return scanActor(row)
}

// GetLocalActor retrieves a local actor by username.
func (r *Repository) GetLocalActor(ctx context.Context, username string) (*domain.Actor, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+actorColumns+` FROM actors WHERE username = ? AND domain = ''`, username)
	return scanActor(row)
}

// DeleteActorByURL removes a cached remote actor. Local actors are left
// untouched.
func (r *Repository) DeleteActorByURL(ctx context.Context, actorURL string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM actors WHERE actor_url = ? AND domain != ''`, actorURL)
	if err != nil {
		return fmt.Errorf("delete actor %s: %w", actorURL, err)
	}
	return nil
}

func scanActor(row *sql.Row) (*domain.Actor, error) {
	var a domain.Actor
	err := row.Scan(
		&a.ID,
		&a.ActorURL,
		&a.Username,
		&a.Domain,
		&a.InboxURL,
		&a.SharedInboxURL,
		&a.OutboxURL,
		&a.FollowersURL,
		&a.FollowingURL,
		&a.PublicKeyPEM,
		&a.PrivateKeyPEM,
		&a.FetchedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrActorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan actor: %w", err)
	}
	return &a, nil
}

// UpsertFollow inserts a follow edge, or updates the existing row for the
// ordered pair. This is the compare-and-upsert discipline that keeps the
// table at one row per pair under concurrent duplicate deliveries.
func (r *Repository) UpsertFollow(ctx context.Context, follow *domain.FollowRelationship) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO follows (follower_id, followee_id, uri, accepted, show_reblogs, notify, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (follower_id, followee_id) DO UPDATE SET
			uri = excluded.uri,
			accepted = excluded.accepted,
			show_reblogs = excluded.show_reblogs,
			notify = excluded.notify,
			updated_at = excluded.updated_at`,
		follow.FollowerID,
		follow.FolloweeID,
		follow.URI,
		follow.Accepted,
		follow.ShowReblogs,
		follow.Notify,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert follow %d->%d: %w", follow.FollowerID, follow.FolloweeID, err)
	}
	return nil
}

const followColumns = `id, follower_id, followee_id, uri, accepted, show_reblogs, notify, created_at, updated_at`

// GetFollow retrieves the edge for an ordered actor pair.
func (r *Repository) GetFollow(ctx context.Context, followerID, followeeID int64) (*domain.FollowRelationship, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+followColumns+` FROM follows WHERE follower_id = ? AND followee_id = ?`,
		followerID, followeeID)
	return scanFollow(row)
}

// GetFollowByURI retrieves the edge created by a Follow activity id.
func (r *Repository) GetFollowByURI(ctx context.Context, uri string) (*domain.FollowRelationship, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+followColumns+` FROM follows WHERE uri = ?`, uri)
	return scanFollow(row)
}

// AcceptFollow marks the edge created by a Follow activity id as accepted.
func (r *Repository) AcceptFollow(ctx context.Context, uri string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE follows SET accepted = 1, updated_at = ? WHERE uri = ?`,
		time.Now().UTC(), uri)
	if err != nil {
		return fmt.Errorf("accept follow %s: %w", uri, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrFollowNotFound
	}
	return nil
}

// DeleteFollowByURI removes the edge created by a Follow activity id.
// Deleting an already-absent edge is a no-op, which keeps Undo idempotent.
func (r *Repository) DeleteFollowByURI(ctx context.Context, uri string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM follows WHERE uri = ?`, uri)
	if err != nil {
		return fmt.Errorf("delete follow %s: %w", uri, err)
	}
	return nil
}

// CountFollowers returns the number of accepted edges pointing at the actor.
func (r *Repository) CountFollowers(ctx context.Context, actorID int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM follows WHERE followee_id = ? AND accepted = 1`, actorID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count followers of %d: %w", actorID, err)
	}
	return n, nil
}

// CountFollowing returns the number of accepted edges originating from the
// actor.
func (r *Repository) CountFollowing(ctx context.Context, actorID int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM follows WHERE follower_id = ? AND accepted = 1`, actorID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count following of %d: %w", actorID, err)
	}
	return n, nil
}

// ListFollowerInboxes returns the delivery inboxes of accepted followers,
// preferring each follower's shared inbox.
func (r *Repository) ListFollowerInboxes(ctx context.Context, actorID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT
			CASE WHEN a.shared_inbox_url != '' THEN a.shared_inbox_url ELSE a.inbox_url END
		FROM follows f
		JOIN actors a ON a.id = f.follower_id
		WHERE f.followee_id = ? AND f.accepted = 1 AND a.inbox_url != ''`,
		actorID)
	if err != nil {
		return nil, fmt.Errorf("list follower inboxes of %d: %w", actorID, err)
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return nil, fmt.Errorf("scan follower inbox: %w", err)
		}
		inboxes = append(inboxes, inbox)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate follower inboxes: %w", err)
	}
	return inboxes, nil
}

func scanFollow(row *sql.Row) (*domain.FollowRelationship, error) {
	var f domain.FollowRelationship
	err := row.Scan(
		&f.ID,
		&f.FollowerID,
		&f.FolloweeID,
		&f.URI,
		&f.Accepted,
		&f.ShowReblogs,
		&f.Notify,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrFollowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan follow: %w", err)
	}
	return &f, nil
}

// LogSent records an outbound activity. Entries are write-once: replaying an
// id leaves the original row untouched.
func (r *Repository) LogSent(ctx context.Context, activityID, actorURL string, body []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sent_activities (activity_id, actor_url, body, sent_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (activity_id) DO NOTHING`,
		activityID, actorURL, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("log sent activity %s: %w", activityID, err)
	}
	return nil
}

// GetSent retrieves the recorded body of a previously sent activity. A
// missing entry is an integrity violation from the engine's perspective: it
// means a remote party referenced an activity this node never sent.
func (r *Repository) GetSent(ctx context.Context, activityID string) ([]byte, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT body FROM sent_activities WHERE activity_id = ?`, activityID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrIntegrityViolation
	}
	if err != nil {
		return nil, fmt.Errorf("get sent activity %s: %w", activityID, err)
	}
	return body, nil
}

// CreateNote inserts an ingested note. Replayed Create activities hit the
// URI conflict and are ignored.
func (r *Repository) CreateNote(ctx context.Context, note *domain.Note) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notes (uri, actor_url, content, in_reply_to, published)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (uri) DO NOTHING`,
		note.URI, note.ActorURL, note.Content, note.InReplyTo, note.Published)
	if err != nil {
		return fmt.Errorf("insert note %s: %w", note.URI, err)
	}
	return nil
}

// DeleteNote removes a note by URI when attributed to the given actor.
func (r *Repository) DeleteNote(ctx context.Context, uri, actorURL string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM notes WHERE uri = ? AND actor_url = ?`, uri, actorURL)
	if err != nil {
		return fmt.Errorf("delete note %s: %w", uri, err)
	}
	return nil
}

// DeleteNotesByActor removes all notes attributed to an actor.
func (r *Repository) DeleteNotesByActor(ctx context.Context, actorURL string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM notes WHERE actor_url = ?`, actorURL)
	if err != nil {
		return fmt.Errorf("delete notes of %s: %w", actorURL, err)
	}
	return nil
}

// GetNoteByURI retrieves an ingested note.
func (r *Repository) GetNoteByURI(ctx context.Context, uri string) (*domain.Note, error) {
	var n domain.Note
	err := r.db.QueryRowContext(ctx,
		`SELECT id, uri, actor_url, content, in_reply_to, published FROM notes WHERE uri = ?`, uri).
		Scan(&n.ID, &n.URI, &n.ActorURL, &n.Content, &n.InReplyTo, &n.Published)
	if err != nil {
		return nil, fmt.Errorf("get note %s: %w", uri, err)
	}
	return &n, nil
}
