package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/fedinode/internal/domain"
)

// recordingEvents captures published dispatch events.
type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) Publish(kind, actorURL, objectURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s %s %s", kind, actorURL, objectURL))
}

func (r *recordingEvents) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.events...)
}

func newDispatcher(t *testing.T) (*Dispatcher, *followEnv, *recordingEvents) {
	t.Helper()
	env := newFollowEnv(t)
	events := &recordingEvents{}
	d := NewDispatcher(env.repo, env.repo, env.svc, env.repo, env.res, env.deliverer, events, testLogger())
	return d, env, events
}

func createActivity(t *testing.T, id, actorURL string, note domain.NoteDocument) []byte {
	t.Helper()
	object, err := json.Marshal(note)
	require.NoError(t, err)
	raw, err := json.Marshal(&domain.Activity{
		Context: domain.ActivityStreamsContext,
		ID:      id,
		Type:    "Create",
		Actor:   actorURL,
		Object:  object,
	})
	require.NoError(t, err)
	return raw
}

func TestDispatchRejectsUnknownKinds(t *testing.T) {
	d, env, events := newDispatcher(t)

	raw := []byte(`{"type":"Like","id":"https://remote.example/activities/like-1","actor":"` + env.bob.ActorURL + `"}`)
	err := d.Dispatch(context.Background(), raw)
	assert.ErrorIs(t, err, domain.ErrUnknownActivity)
	assert.Empty(t, events.all())
}

func TestDispatchRejectsMalformedDocuments(t *testing.T) {
	d, _, _ := newDispatcher(t)

	err := d.Dispatch(context.Background(), []byte(`{"type":`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrUnknownActivity)

	err = d.Dispatch(context.Background(), []byte(`{"type":"Follow"}`))
	require.Error(t, err, "an activity without an actor is unusable")
}

func TestDispatchCreateStoresNote(t *testing.T) {
	d, env, events := newDispatcher(t)
	ctx := context.Background()

	noteURI := "https://remote.example/notes/1"
	raw := createActivity(t, "https://remote.example/activities/c1", env.bob.ActorURL, domain.NoteDocument{
		ID:           noteURI,
		Type:         "Note",
		AttributedTo: env.bob.ActorURL,
		Content:      "hello from bob",
		Published:    time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, d.Dispatch(ctx, raw))

	note, err := env.repo.GetNoteByURI(ctx, noteURI)
	require.NoError(t, err)
	assert.Equal(t, "hello from bob", note.Content)
	assert.Equal(t, env.bob.ActorURL, note.ActorURL)

	// At-least-once delivery: the replay changes nothing.
	require.NoError(t, d.Dispatch(ctx, raw))
	note, err = env.repo.GetNoteByURI(ctx, noteURI)
	require.NoError(t, err)
	assert.Equal(t, "hello from bob", note.Content)

	require.NotEmpty(t, events.all())
	assert.Contains(t, events.all()[0], "create")
}

func TestDispatchCreateRejectsMisattributedNotes(t *testing.T) {
	d, env, _ := newDispatcher(t)

	raw := createActivity(t, "https://remote.example/activities/c1", env.bob.ActorURL, domain.NoteDocument{
		ID:           "https://remote.example/notes/1",
		Type:         "Note",
		AttributedTo: "https://evil.example/users/mallory",
		Content:      "spoofed",
	})
	err := d.Dispatch(context.Background(), raw)
	assert.ErrorIs(t, err, domain.ErrIntegrityViolation)

	_, err = env.repo.GetNoteByURI(context.Background(), "https://remote.example/notes/1")
	assert.Error(t, err)
}

func TestDispatchDeleteRemovesNote(t *testing.T) {
	d, env, _ := newDispatcher(t)
	ctx := context.Background()

	noteURI := "https://remote.example/notes/1"
	raw := createActivity(t, "https://remote.example/activities/c1", env.bob.ActorURL, domain.NoteDocument{
		ID:           noteURI,
		Type:         "Note",
		AttributedTo: env.bob.ActorURL,
		Content:      "short-lived",
	})
	require.NoError(t, d.Dispatch(ctx, raw))

	del := []byte(`{
		"type": "Delete",
		"id": "https://remote.example/activities/d1",
		"actor": "` + env.bob.ActorURL + `",
		"object": "` + noteURI + `"
	}`)
	require.NoError(t, d.Dispatch(ctx, del))

	_, err := env.repo.GetNoteByURI(ctx, noteURI)
	assert.Error(t, err)
}

func TestDispatchDeleteOfActorPurgesEverything(t *testing.T) {
	d, env, _ := newDispatcher(t)
	ctx := context.Background()

	raw := createActivity(t, "https://remote.example/activities/c1", env.bob.ActorURL, domain.NoteDocument{
		ID:           "https://remote.example/notes/1",
		Type:         "Note",
		AttributedTo: env.bob.ActorURL,
		Content:      "soon gone",
	})
	require.NoError(t, d.Dispatch(ctx, raw))

	del := []byte(`{
		"type": "Delete",
		"id": "https://remote.example/activities/d1",
		"actor": "` + env.bob.ActorURL + `",
		"object": "` + env.bob.ActorURL + `"
	}`)
	require.NoError(t, d.Dispatch(ctx, del))

	_, err := env.repo.GetActorByURL(ctx, env.bob.ActorURL)
	assert.ErrorIs(t, err, domain.ErrActorNotFound)
	_, err = env.repo.GetNoteByURI(ctx, "https://remote.example/notes/1")
	assert.Error(t, err)
}

func TestDispatchRoutesLocalActivityOutbound(t *testing.T) {
	d, env, _ := newDispatcher(t)
	ctx := context.Background()

	object, err := json.Marshal(domain.NoteDocument{
		ID:           "https://node.example/notes/1",
		Type:         "Note",
		AttributedTo: env.alice.ActorURL,
		Content:      "hello world",
	})
	require.NoError(t, err)
	raw, err := json.Marshal(&domain.Activity{
		Context: domain.ActivityStreamsContext,
		ID:      "https://node.example/activities/c1",
		Type:    "Create",
		Actor:   env.alice.ActorURL,
		Object:  object,
		To:      []string{domain.PublicCollection, env.bob.ActorURL},
	})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, raw))

	// The activity is logged and delivered, not ingested as a remote note.
	logged, err := env.repo.GetSent(ctx, "https://node.example/activities/c1")
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(logged))

	delivered := env.inbox.activities(t)
	require.Len(t, delivered, 1, "the public collection is not a deliverable inbox")
	assert.Equal(t, "Create", delivered[0].Type)
	assert.Equal(t, env.alice.ActorURL, delivered[0].Actor)
}

func TestDispatchFansOutToFollowers(t *testing.T) {
	d, env, _ := newDispatcher(t)
	ctx := context.Background()

	require.NoError(t, env.repo.UpsertFollow(ctx, &domain.FollowRelationship{
		FollowerID: env.bob.ID,
		FolloweeID: env.alice.ID,
		URI:        "https://remote.example/follows/1",
		Accepted:   true,
	}))

	object, err := json.Marshal(domain.NoteDocument{
		ID:           "https://node.example/notes/1",
		Type:         "Note",
		AttributedTo: env.alice.ActorURL,
		Content:      "for my followers",
	})
	require.NoError(t, err)
	raw, err := json.Marshal(&domain.Activity{
		Context: domain.ActivityStreamsContext,
		ID:      "https://node.example/activities/c1",
		Type:    "Create",
		Actor:   env.alice.ActorURL,
		Object:  object,
		To:      []string{env.alice.FollowersURL},
	})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, raw))

	delivered := env.inbox.activities(t)
	require.Len(t, delivered, 1)
	assert.Equal(t, "https://node.example/activities/c1", delivered[0].ID)
}
