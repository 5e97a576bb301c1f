package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/fedinode/internal/domain"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seedLocalActor(t *testing.T, repo *Repository, username string) *domain.Actor {
	t.Helper()
	actor := &domain.Actor{
		ActorURL:     "https://node.example/users/" + username,
		Username:     username,
		InboxURL:     "https://node.example/users/" + username + "/inbox",
		FollowersURL: "https://node.example/users/" + username + "/followers",
		PublicKeyPEM: "pub",
	}
	require.NoError(t, repo.CreateLocalActor(context.Background(), actor))
	require.NotZero(t, actor.ID)
	return actor
}

func seedRemoteActor(t *testing.T, repo *Repository, username, host string) *domain.Actor {
	t.Helper()
	actor := &domain.Actor{
		ActorURL:       "https://" + host + "/users/" + username,
		Username:       username,
		Domain:         host,
		InboxURL:       "https://" + host + "/users/" + username + "/inbox",
		SharedInboxURL: "https://" + host + "/inbox",
		PublicKeyPEM:   "pub",
		FetchedAt:      time.Now().UTC(),
	}
	require.NoError(t, repo.UpsertRemoteActor(context.Background(), actor))
	stored, err := repo.GetActorByURL(context.Background(), actor.ActorURL)
	require.NoError(t, err)
	return stored
}

func TestActorRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	local := seedLocalActor(t, repo, "alice")
	got, err := repo.GetLocalActor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, local.ActorURL, got.ActorURL)
	assert.True(t, got.IsLocal())

	byID, err := repo.GetActorByID(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ActorURL, byID.ActorURL)

	_, err = repo.GetLocalActor(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrActorNotFound)
}

func TestUpsertRemoteActorConverges(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	first := seedRemoteActor(t, repo, "bob", "remote.example")

	// A second write for the same URL updates the row in place.
	require.NoError(t, repo.UpsertRemoteActor(ctx, &domain.Actor{
		ActorURL:     first.ActorURL,
		Username:     "bob",
		Domain:       "remote.example",
		InboxURL:     first.InboxURL,
		PublicKeyPEM: "rotated",
		FetchedAt:    time.Now().UTC(),
	}))

	got, err := repo.GetActorByURL(ctx, first.ActorURL)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "rotated", got.PublicKeyPEM)
}

func TestDeleteActorSparesLocalActors(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	local := seedLocalActor(t, repo, "alice")
	remote := seedRemoteActor(t, repo, "bob", "remote.example")

	require.NoError(t, repo.DeleteActorByURL(ctx, local.ActorURL))
	require.NoError(t, repo.DeleteActorByURL(ctx, remote.ActorURL))

	_, err := repo.GetActorByURL(ctx, local.ActorURL)
	assert.NoError(t, err)
	_, err = repo.GetActorByURL(ctx, remote.ActorURL)
	assert.ErrorIs(t, err, domain.ErrActorNotFound)
}

func TestUpsertFollowKeepsOneRowPerPair(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	alice := seedLocalActor(t, repo, "alice")
	bob := seedRemoteActor(t, repo, "bob", "remote.example")

	first := &domain.FollowRelationship{
		FollowerID: bob.ID,
		FolloweeID: alice.ID,
		URI:        "https://remote.example/follows/1",
		Accepted:   true,
	}
	require.NoError(t, repo.UpsertFollow(ctx, first))

	// Replayed follow with a new activity id updates the same row.
	require.NoError(t, repo.UpsertFollow(ctx, &domain.FollowRelationship{
		FollowerID: bob.ID,
		FolloweeID: alice.ID,
		URI:        "https://remote.example/follows/2",
		Accepted:   true,
		Notify:     true,
	}))

	got, err := repo.GetFollow(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://remote.example/follows/2", got.URI)
	assert.True(t, got.Notify)

	count, err := repo.CountFollowers(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAcceptFollow(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	alice := seedLocalActor(t, repo, "alice")
	bob := seedRemoteActor(t, repo, "bob", "remote.example")

	uri := "https://node.example/activities/f1"
	require.NoError(t, repo.UpsertFollow(ctx, &domain.FollowRelationship{
		FollowerID: alice.ID,
		FolloweeID: bob.ID,
		URI:        uri,
	}))

	count, err := repo.CountFollowing(ctx, alice.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "pending follows are not counted")

	require.NoError(t, repo.AcceptFollow(ctx, uri))

	got, err := repo.GetFollowByURI(ctx, uri)
	require.NoError(t, err)
	assert.True(t, got.Accepted)

	count, err = repo.CountFollowing(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	assert.ErrorIs(t, repo.AcceptFollow(ctx, "https://node.example/activities/unknown"), domain.ErrFollowNotFound)
}

func TestDeleteFollowByURI(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	alice := seedLocalActor(t, repo, "alice")
	bob := seedRemoteActor(t, repo, "bob", "remote.example")

	uri := "https://remote.example/follows/1"
	require.NoError(t, repo.UpsertFollow(ctx, &domain.FollowRelationship{
		FollowerID: bob.ID,
		FolloweeID: alice.ID,
		URI:        uri,
		Accepted:   true,
	}))

	require.NoError(t, repo.DeleteFollowByURI(ctx, uri))
	_, err := repo.GetFollow(ctx, bob.ID, alice.ID)
	assert.ErrorIs(t, err, domain.ErrFollowNotFound)

	// Deleting again is a no-op.
	require.NoError(t, repo.DeleteFollowByURI(ctx, uri))
}

func TestListFollowerInboxesPrefersSharedInbox(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	alice := seedLocalActor(t, repo, "alice")
	bob := seedRemoteActor(t, repo, "bob", "remote.example")

	carol := &domain.Actor{
		ActorURL:  "https://other.example/users/carol",
		Username:  "carol",
		Domain:    "other.example",
		InboxURL:  "https://other.example/users/carol/inbox",
		FetchedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.UpsertRemoteActor(ctx, carol))
	carol, err := repo.GetActorByURL(ctx, carol.ActorURL)
	require.NoError(t, err)

	for i, follower := range []*domain.Actor{bob, carol} {
		require.NoError(t, repo.UpsertFollow(ctx, &domain.FollowRelationship{
			FollowerID: follower.ID,
			FolloweeID: alice.ID,
			URI:        "https://remote.example/follows/" + string(rune('1'+i)),
			Accepted:   true,
		}))
	}

	inboxes, err := repo.ListFollowerInboxes(ctx, alice.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"https://remote.example/inbox",
		"https://other.example/users/carol/inbox",
	}, inboxes)
}

func TestSentActivityLogIsWriteOnce(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	id := "https://node.example/activities/a1"
	require.NoError(t, repo.LogSent(ctx, id, "https://node.example/users/alice", []byte(`{"v":1}`)))
	require.NoError(t, repo.LogSent(ctx, id, "https://node.example/users/alice", []byte(`{"v":2}`)))

	body, err := repo.GetSent(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(body))

	_, err = repo.GetSent(ctx, "https://node.example/activities/never-sent")
	assert.ErrorIs(t, err, domain.ErrIntegrityViolation)
}

func TestNoteLifecycle(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	note := &domain.Note{
		URI:       "https://remote.example/notes/1",
		ActorURL:  "https://remote.example/users/bob",
		Content:   "hello fediverse",
		Published: time.Now().UTC(),
	}
	require.NoError(t, repo.CreateNote(ctx, note))

	// Replayed Create is ignored.
	replay := *note
	replay.Content = "changed"
	require.NoError(t, repo.CreateNote(ctx, &replay))

	got, err := repo.GetNoteByURI(ctx, note.URI)
	require.NoError(t, err)
	assert.Equal(t, "hello fediverse", got.Content)

	// Deletion by the wrong actor is refused silently.
	require.NoError(t, repo.DeleteNote(ctx, note.URI, "https://evil.example/users/mallory"))
	_, err = repo.GetNoteByURI(ctx, note.URI)
	require.NoError(t, err)

	require.NoError(t, repo.DeleteNote(ctx, note.URI, note.ActorURL))
	_, err = repo.GetNoteByURI(ctx, note.URI)
	assert.Error(t, err)
}
