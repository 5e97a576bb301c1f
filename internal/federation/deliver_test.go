package federation

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/fedinode/internal/domain"
	"github.com/blackmichael/fedinode/internal/httpsig"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// staticKeySource serves one local actor's private key.
type staticKeySource struct {
	key string
}

func (s *staticKeySource) PrivateKeyFor(actor *domain.Actor) (*rsa.PrivateKey, error) {
	return httpsig.DecodePrivateKeyPEM(s.key)
}

func newTestActor(t *testing.T) (*domain.Actor, *staticKeySource) {
	t.Helper()
	_, privPEM, err := httpsig.GenerateKeyPair()
	require.NoError(t, err)
	actor := &domain.Actor{
		ID:       1,
		ActorURL: "https://node.example/users/alice",
		Username: "alice",
	}
	return actor, &staticKeySource{key: privPEM}
}

func testActivity() *domain.Activity {
	return &domain.Activity{
		ID:     "https://node.example/activities/a1",
		Type:   "Follow",
		Actor:  "https://node.example/users/alice",
		Object: json.RawMessage(`"https://remote.example/users/bob"`),
	}
}

func TestDeliverSuccess(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	actor, keys := newTestActor(t)
	d := NewDeliverer(keys, testLogger(), 5*time.Second)

	activity := testActivity()
	status, err := d.Deliver(context.Background(), actor, activity, srv.URL+"/inbox")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Nil(t, activity.Context, "the caller's activity is not modified")

	require.NotNil(t, got)
	assert.Equal(t, activityContentType, got.Header.Get("Content-Type"))
	assert.NotEmpty(t, got.Header.Get("Date"))
	assert.Equal(t, httpsig.Digest(gotBody), got.Header.Get("Digest"))
	assert.Contains(t, got.Header.Get("Signature"), `keyId="https://node.example/users/alice#main-key"`)

	var sent domain.Activity
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	assert.Equal(t, "Follow", sent.Type)
	assert.Equal(t, domain.ActivityStreamsContext, sent.Context)
}

func TestDeliverFollowsRedirects(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer final.Close()

	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL+"/inbox", http.StatusTemporaryRedirect)
	}))
	defer redirecting.Close()

	actor, keys := newTestActor(t)
	d := NewDeliverer(keys, testLogger(), 5*time.Second)

	status, err := d.Deliver(context.Background(), actor, testActivity(), redirecting.URL+"/inbox")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
}

func TestDeliverBoundsRedirectChain(t *testing.T) {
	var requests atomic.Int64
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Redirect(w, r, srv.URL+"/elsewhere", http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	actor, keys := newTestActor(t)
	d := NewDeliverer(keys, testLogger(), 10*time.Second)

	status, err := d.Deliver(context.Background(), actor, testActivity(), srv.URL+"/inbox")
	require.NoError(t, err)

	// The bound is honored and the last response comes back as-is.
	assert.Equal(t, http.StatusTemporaryRedirect, status)
	assert.Equal(t, int64(maxRedirects+1), requests.Load())
}

func TestDeliverReportsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing is listening anymore

	actor, keys := newTestActor(t)
	d := NewDeliverer(keys, testLogger(), time.Second)

	_, err := d.Deliver(context.Background(), actor, testActivity(), srv.URL+"/inbox")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestDeliverPassesBackRemoteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	actor, keys := newTestActor(t)
	d := NewDeliverer(keys, testLogger(), time.Second)

	status, err := d.Deliver(context.Background(), actor, testActivity(), srv.URL+"/inbox")
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, status)
}
