// Package resolver maps identity references (user@domain handles, actor
// URLs, local usernames) to actor records, performing WebFinger discovery
// and actor-document fetches with a persistent cache. It is the only
// component that makes outbound identity-discovery calls.
package resolver

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/blackmichael/fedinode/internal/domain"
	"github.com/blackmichael/fedinode/internal/httpsig"
)

const (
	activityJSONType = "application/activity+json"
	fetchTimeout     = 15 * time.Second

	// cacheMaxAge is how long a cached remote actor is served without a
	// refresh fetch.
	cacheMaxAge = time.Hour
)

// Resolver resolves identity references to actor records.
type Resolver struct {
	actors domain.ActorRepository
	client *resty.Client
	logger *slog.Logger

	// scheme is https everywhere except in tests, where httptest servers
	// only speak plain HTTP.
	scheme string
	now    func() time.Time
}

// New creates a Resolver backed by the given actor repository.
func New(actors domain.ActorRepository, logger *slog.Logger) *Resolver {
	return &Resolver{
		actors: actors,
		client: resty.New().SetTimeout(fetchTimeout),
		logger: logger,
		scheme: "https",
		now:    time.Now,
	}
}

// Resolve dispatches on the shape of the reference: an http(s) URL resolves
// as an actor URL, a handle containing "@" goes through WebFinger, and
// anything else is looked up as a local username.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*domain.Actor, error) {
	switch {
	case strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://"):
		return r.ResolveActorURL(ctx, ref)
	case strings.Contains(ref, "@"):
		return r.ResolveHandle(ctx, ref)
	default:
		return r.actors.GetLocalActor(ctx, ref)
	}
}

// ResolveHandle resolves a user@domain handle via WebFinger and then fetches
// the actor document the rel="self" link points at.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (*domain.Actor, error) {
	handle = strings.TrimPrefix(handle, "@")
	_, domainPart, ok := strings.Cut(handle, "@")
	if !ok || domainPart == "" {
		return nil, fmt.Errorf("malformed handle %q: %w", handle, domain.ErrActorNotFound)
	}

	wfURL := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=acct:%s",
		r.scheme, domainPart, url.QueryEscape(handle))

	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/jrd+json, application/json").
		Get(wfURL)
	if err != nil {
		return nil, fmt.Errorf("webfinger %s: %w", handle, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("webfinger %s returned %d: %w", handle, resp.StatusCode(), domain.ErrActorNotFound)
	}

	var wf domain.WebFingerResponse
	if err := json.Unmarshal(resp.Body(), &wf); err != nil {
		return nil, fmt.Errorf("webfinger %s: decode response: %w", handle, err)
	}

	self, ok := wf.SelfLink()
	if !ok {
		return nil, fmt.Errorf("webfinger %s has no self link: %w", handle, domain.ErrActorNotFound)
	}
	return r.ResolveActorURL(ctx, self)
}

// ResolveActorURL returns the cached actor for the URL if it is local or
// still fresh, otherwise fetches the actor document and refreshes the cache.
// When a refresh fetch fails transiently, a stale cached record is returned
// rather than an error.
func (r *Resolver) ResolveActorURL(ctx context.Context, actorURL string) (*domain.Actor, error) {
	cached, err := r.actors.GetActorByURL(ctx, actorURL)
	if err == nil {
		if cached.IsLocal() || r.now().Sub(cached.FetchedAt) < cacheMaxAge {
			return cached, nil
		}
	} else if !errors.Is(err, domain.ErrActorNotFound) {
		return nil, fmt.Errorf("lookup cached actor %s: %w", actorURL, err)
	}

	fetched, err := r.fetchActor(ctx, actorURL)
	if err != nil {
		if cached != nil && !errors.Is(err, domain.ErrActorGone) {
			r.logger.Warn("actor refresh failed, serving stale cache", "actor", actorURL, "error", err)
			return cached, nil
		}
		return nil, err
	}
	return fetched, nil
}

// Refresh fetches the actor document unconditionally, bypassing the cache.
func (r *Resolver) Refresh(ctx context.Context, actorURL string) (*domain.Actor, error) {
	return r.fetchActor(ctx, actorURL)
}

func (r *Resolver) fetchActor(ctx context.Context, actorURL string) (*domain.Actor, error) {
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Accept", activityJSONType).
		Get(actorURL)
	if err != nil {
		return nil, fmt.Errorf("fetch actor %s: %w", actorURL, err)
	}

	switch {
	case resp.StatusCode() == http.StatusGone:
		// The actor no longer exists; purge the cache entry so it is not
		// served again.
		if err := r.actors.DeleteActorByURL(ctx, actorURL); err != nil {
			r.logger.Error("failed to purge gone actor", "actor", actorURL, "error", err)
		}
		return nil, fmt.Errorf("actor %s: %w", actorURL, domain.ErrActorGone)
	case resp.StatusCode() != http.StatusOK:
		return nil, fmt.Errorf("fetch actor %s returned %d: %w", actorURL, resp.StatusCode(), domain.ErrActorNotFound)
	}

	var doc domain.ActorDocument
	if err := json.Unmarshal(resp.Body(), &doc); err != nil {
		return nil, fmt.Errorf("fetch actor %s: decode document: %w", actorURL, err)
	}
	if doc.ID == "" || doc.Inbox == "" {
		return nil, fmt.Errorf("actor document %s missing id or inbox: %w", actorURL, domain.ErrActorNotFound)
	}

	parsed, err := url.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("actor %s has unparseable id %q: %w", actorURL, doc.ID, err)
	}

	actor := &domain.Actor{
		ActorURL:     doc.ID,
		Username:     doc.PreferredUsername,
		Domain:       parsed.Host,
		InboxURL:     doc.Inbox,
		OutboxURL:    doc.Outbox,
		FollowersURL: doc.Followers,
		FollowingURL: doc.Following,
		PublicKeyPEM: doc.PublicKey.PublicKeyPem,
		FetchedAt:    r.now().UTC(),
	}
	if doc.Endpoints != nil {
		actor.SharedInboxURL = doc.Endpoints.SharedInbox
	}

	if err := r.actors.UpsertRemoteActor(ctx, actor); err != nil {
		return nil, fmt.Errorf("cache actor %s: %w", doc.ID, err)
	}

	// Read back to pick up the database id of the converged row.
	stored, err := r.actors.GetActorByURL(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("reload cached actor %s: %w", doc.ID, err)
	}
	return stored, nil
}

// PublicKeyFor returns the published key of the actor at the given URL,
// resolving and caching the actor if necessary. Part of httpsig.KeySource.
func (r *Resolver) PublicKeyFor(ctx context.Context, actorURL string) (*rsa.PublicKey, error) {
	actor, err := r.ResolveActorURL(ctx, actorURL)
	if err != nil {
		return nil, err
	}
	return r.publicKeyOf(actor)
}

// RefreshPublicKey re-fetches the actor document and returns the current
// key, absorbing remote key rotation. Part of httpsig.KeySource.
func (r *Resolver) RefreshPublicKey(ctx context.Context, actorURL string) (*rsa.PublicKey, error) {
	actor, err := r.Refresh(ctx, actorURL)
	if err != nil {
		return nil, err
	}
	return r.publicKeyOf(actor)
}

func (r *Resolver) publicKeyOf(actor *domain.Actor) (*rsa.PublicKey, error) {
	if actor.PublicKeyPEM == "" {
		return nil, fmt.Errorf("actor %s publishes no key: %w", actor.ActorURL, domain.ErrKeyNotFound)
	}
	key, err := httpsig.DecodePublicKeyPEM(actor.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("actor %s: %w", actor.ActorURL, err)
	}
	return key, nil
}

// PrivateKeyFor returns the signing key of a local actor. Remote actors have
// no private key on this node; asking for one is a key-not-found error.
func (r *Resolver) PrivateKeyFor(actor *domain.Actor) (*rsa.PrivateKey, error) {
	if actor.PrivateKeyPEM == "" {
		return nil, fmt.Errorf("actor %s: %w", actor.ActorURL, domain.ErrKeyNotFound)
	}
	key, err := httpsig.DecodePrivateKeyPEM(actor.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("actor %s: %w", actor.ActorURL, err)
	}
	return key, nil
}
