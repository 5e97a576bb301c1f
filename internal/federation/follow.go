package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/blackmichael/fedinode/internal/domain"
	"github.com/blackmichael/fedinode/internal/resolver"
)

// FollowService owns the follow-relationship state machine: recording
// incoming follows, authenticating Accept/Reject/Undo against this node's
// own output, and initiating follows on behalf of local actors. Every
// handler is safe to invoke twice with the same activity id, since remote
// servers deliver at least once.
type FollowService struct {
	actors    domain.ActorRepository
	follows   domain.FollowRepository
	outbox    domain.ActivityLogRepository
	resolver  *resolver.Resolver
	deliverer *Deliverer
	logger    *slog.Logger

	// nodeDomain is the domain activity ids are minted under.
	nodeDomain string
}

// NewFollowService creates a FollowService.
func NewFollowService(
	actors domain.ActorRepository,
	follows domain.FollowRepository,
	outbox domain.ActivityLogRepository,
	res *resolver.Resolver,
	deliverer *Deliverer,
	logger *slog.Logger,
	nodeDomain string,
) *FollowService {
	return &FollowService{
		actors:     actors,
		follows:    follows,
		outbox:     outbox,
		resolver:   res,
		deliverer:  deliverer,
		logger:     logger,
		nodeDomain: nodeDomain,
	}
}

func (s *FollowService) mintActivityID() string {
	return fmt.Sprintf("https://%s/activities/%s", s.nodeDomain, uuid.NewString())
}

// HandleFollow processes an incoming Follow addressed to a local actor: the
// edge is recorded (or refreshed, on replay) and a courtesy Accept is sent
// back. A failed Accept delivery does not roll the edge back; the Accept is
// idempotent and can be regenerated.
func (s *FollowService) HandleFollow(ctx context.Context, act *domain.Activity) error {
	targetURL, err := act.ObjectURL()
	if err != nil {
		return err
	}

	followee, err := s.actors.GetActorByURL(ctx, targetURL)
	if err != nil {
		return fmt.Errorf("follow %s targets unknown actor %s: %w", act.ID, targetURL, err)
	}
	if !followee.IsLocal() {
		return fmt.Errorf("follow %s targets non-local actor %s: %w", act.ID, targetURL, domain.ErrActorNotFound)
	}

	follower, err := s.resolver.ResolveActorURL(ctx, act.Actor)
	if err != nil {
		return fmt.Errorf("resolve follower for %s: %w", act.ID, err)
	}

	rel := &domain.FollowRelationship{
		FollowerID:  follower.ID,
		FolloweeID:  followee.ID,
		URI:         act.ID,
		Accepted:    true,
		ShowReblogs: true,
	}
	if err := s.follows.UpsertFollow(ctx, rel); err != nil {
		return fmt.Errorf("record follow %s: %w", act.ID, err)
	}

	// Wrap the received Follow, minus its @context, in the Accept.
	wrapped := *act
	wrapped.Context = nil
	wrappedRaw, err := json.Marshal(&wrapped)
	if err != nil {
		return fmt.Errorf("wrap follow %s: %w", act.ID, err)
	}

	accept := &domain.Activity{
		Context: domain.ActivityStreamsContext,
		ID:      s.mintActivityID(),
		Type:    "Accept",
		Actor:   followee.ActorURL,
		Object:  wrappedRaw,
		To:      []string{follower.ActorURL},
	}
	s.logSent(ctx, accept, followee.ActorURL)

	status, err := s.deliverer.Deliver(ctx, followee, accept, follower.InboxURL)
	if err != nil {
		s.logger.Error("accept delivery failed", "follow", act.ID, "inbox", follower.InboxURL, "error", err)
	} else if status != http.StatusAccepted {
		s.logger.Warn("accept delivery returned unexpected status",
			"follow", act.ID, "inbox", follower.InboxURL, "status", status)
	}
	return nil
}

// HandleAccept processes an incoming Accept wrapping a Follow this node
// previously sent. Before any state changes, the wrapped object is checked
// against the outbound activity log: an Accept is otherwise just an
// assertion by the remote party about an activity we allegedly sent.
func (s *FollowService) HandleAccept(ctx context.Context, act *domain.Activity) error {
	inner, err := s.authenticateWrapped(ctx, act)
	if err != nil {
		return err
	}
	if err := s.follows.AcceptFollow(ctx, inner.ID); err != nil {
		return fmt.Errorf("accept follow %s: %w", inner.ID, err)
	}
	return nil
}

// HandleReject processes an incoming Reject of a Follow this node sent,
// authenticated the same way as Accept. The pending edge is removed.
func (s *FollowService) HandleReject(ctx context.Context, act *domain.Activity) error {
	inner, err := s.authenticateWrapped(ctx, act)
	if err != nil {
		return err
	}
	if err := s.follows.DeleteFollowByURI(ctx, inner.ID); err != nil {
		return fmt.Errorf("reject follow %s: %w", inner.ID, err)
	}
	return nil
}

// authenticateWrapped validates an Accept/Reject envelope: the wrapped
// object must be a Follow whose id appears in the outbound log, and the
// logged body must match the wrapped object byte for byte once @context is
// stripped from both sides.
func (s *FollowService) authenticateWrapped(ctx context.Context, act *domain.Activity) (*domain.Activity, error) {
	inner, err := act.InnerActivity()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", act.Type, act.ID, domain.ErrIntegrityViolation, err)
	}
	if inner.Type != "Follow" {
		return nil, fmt.Errorf("%s %s wraps a %s, not a Follow: %w", act.Type, act.ID, inner.Type, domain.ErrUnknownActivity)
	}

	sent, err := s.outbox.GetSent(ctx, inner.ID)
	if err != nil {
		s.logger.Error("rejecting activity referencing an unsent follow",
			"type", act.Type, "activity", act.ID, "follow", inner.ID)
		return nil, fmt.Errorf("%s %s references unsent follow %s: %w", act.Type, act.ID, inner.ID, err)
	}

	sentNorm, err := domain.NormalizeObject(sent)
	if err != nil {
		return nil, fmt.Errorf("%s %s: normalize logged follow: %w", act.Type, act.ID, err)
	}
	gotNorm, err := domain.NormalizeObject(act.Object)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", act.Type, act.ID, domain.ErrIntegrityViolation, err)
	}
	if !bytes.Equal(sentNorm, gotNorm) {
		s.logger.Error("rejecting activity whose wrapped follow differs from the logged send",
			"type", act.Type, "activity", act.ID, "follow", inner.ID)
		return nil, fmt.Errorf("%s %s wraps an object that differs from the logged send: %w",
			act.Type, act.ID, domain.ErrIntegrityViolation)
	}
	return inner, nil
}

// HandleUndo processes an incoming Undo wrapping a Follow. Ownership is
// checked against the stored edge, not the wrapped document: the wrapped
// Follow's actor field is attacker-controlled, so the recorded follower of
// the referenced edge must be the Undo's own actor. Undoing an edge that no
// longer exists is a no-op.
func (s *FollowService) HandleUndo(ctx context.Context, act *domain.Activity) error {
	inner, err := act.InnerActivity()
	if err != nil {
		return fmt.Errorf("undo %s: %w: %w", act.ID, domain.ErrIntegrityViolation, err)
	}
	if inner.Type != "Follow" {
		s.logger.Info("ignoring undo of unhandled activity type", "undo", act.ID, "type", inner.Type)
		return fmt.Errorf("undo of %s: %w", inner.Type, domain.ErrUnknownActivity)
	}

	rel, err := s.follows.GetFollowByURI(ctx, inner.ID)
	if err != nil {
		if errors.Is(err, domain.ErrFollowNotFound) {
			return nil
		}
		return fmt.Errorf("undo %s: lookup follow %s: %w", act.ID, inner.ID, err)
	}

	follower, err := s.actors.GetActorByID(ctx, rel.FollowerID)
	if err != nil {
		return fmt.Errorf("undo %s: resolve follower of %s: %w", act.ID, inner.ID, err)
	}
	if follower.ActorURL != act.Actor {
		s.logger.Error("rejecting undo of someone else's follow",
			"undo", act.ID, "undo_actor", act.Actor, "follow_actor", follower.ActorURL)
		return fmt.Errorf("undo %s actor %s does not own follow %s: %w",
			act.ID, act.Actor, inner.ID, domain.ErrIntegrityViolation)
	}

	if err := s.follows.DeleteFollowByURI(ctx, rel.URI); err != nil {
		return fmt.Errorf("undo follow %s: %w", rel.URI, err)
	}
	return nil
}

// Follow initiates a follow from a local actor to the target reference
// (handle, actor URL, or local username). The edge is persisted pending and
// the Follow activity is logged before delivery, so a later Accept can be
// authenticated against the logged bytes.
func (s *FollowService) Follow(ctx context.Context, local *domain.Actor, targetRef string) (*domain.FollowRelationship, error) {
	if !local.IsLocal() {
		return nil, fmt.Errorf("follow initiator %s is not a local actor: %w", local.ActorURL, domain.ErrKeyNotFound)
	}

	target, err := s.resolver.Resolve(ctx, targetRef)
	if err != nil {
		return nil, fmt.Errorf("resolve follow target %q: %w", targetRef, err)
	}

	rel := &domain.FollowRelationship{
		FollowerID:  local.ID,
		FolloweeID:  target.ID,
		URI:         s.mintActivityID(),
		ShowReblogs: true,
	}

	if target.IsLocal() {
		// No federation involved; the edge is effective immediately.
		rel.Accepted = true
		if err := s.follows.UpsertFollow(ctx, rel); err != nil {
			return nil, fmt.Errorf("record local follow: %w", err)
		}
		return rel, nil
	}

	objectRaw, err := json.Marshal(target.ActorURL)
	if err != nil {
		return nil, fmt.Errorf("encode follow object: %w", err)
	}
	follow := &domain.Activity{
		Context: domain.ActivityStreamsContext,
		ID:      rel.URI,
		Type:    "Follow",
		Actor:   local.ActorURL,
		Object:  objectRaw,
	}

	if err := s.follows.UpsertFollow(ctx, rel); err != nil {
		return nil, fmt.Errorf("record pending follow: %w", err)
	}
	s.logSent(ctx, follow, local.ActorURL)

	status, err := s.deliverer.Deliver(ctx, local, follow, target.InboxURL)
	if err != nil {
		return rel, err
	}
	if status < 200 || status >= 300 {
		return rel, fmt.Errorf("follow %s: inbox %s returned %d: %w", rel.URI, target.InboxURL, status, ErrDeliveryFailed)
	}
	return rel, nil
}

// Unfollow removes a local actor's follow of the target and federates an
// Undo wrapping the original Follow. Removing an edge that does not exist is
// a no-op.
func (s *FollowService) Unfollow(ctx context.Context, local *domain.Actor, targetRef string) error {
	target, err := s.resolver.Resolve(ctx, targetRef)
	if err != nil {
		return fmt.Errorf("resolve unfollow target %q: %w", targetRef, err)
	}

	rel, err := s.follows.GetFollow(ctx, local.ID, target.ID)
	if err != nil {
		if errors.Is(err, domain.ErrFollowNotFound) {
			return nil
		}
		return fmt.Errorf("lookup follow of %s: %w", target.ActorURL, err)
	}

	if err := s.follows.DeleteFollowByURI(ctx, rel.URI); err != nil {
		return fmt.Errorf("remove follow %s: %w", rel.URI, err)
	}

	if target.IsLocal() {
		return nil
	}

	// Prefer the logged bytes of the original Follow; reconstruct if the
	// edge predates the log.
	var wrappedRaw json.RawMessage
	if sent, err := s.outbox.GetSent(ctx, rel.URI); err == nil {
		if norm, err := domain.NormalizeObject(sent); err == nil {
			wrappedRaw = norm
		}
	}
	if wrappedRaw == nil {
		objectRaw, _ := json.Marshal(target.ActorURL)
		wrappedRaw, err = json.Marshal(&domain.Activity{
			ID:     rel.URI,
			Type:   "Follow",
			Actor:  local.ActorURL,
			Object: objectRaw,
		})
		if err != nil {
			return fmt.Errorf("encode undo object: %w", err)
		}
	}

	undo := &domain.Activity{
		Context: domain.ActivityStreamsContext,
		ID:      s.mintActivityID(),
		Type:    "Undo",
		Actor:   local.ActorURL,
		Object:  wrappedRaw,
		To:      []string{target.ActorURL},
	}
	s.logSent(ctx, undo, local.ActorURL)

	status, err := s.deliverer.Deliver(ctx, local, undo, target.InboxURL)
	if err != nil {
		s.logger.Error("undo delivery failed", "follow", rel.URI, "error", err)
	} else if status != http.StatusAccepted {
		s.logger.Warn("undo delivery returned unexpected status", "follow", rel.URI, "status", status)
	}
	return nil
}

// RelationOf reports the follow state between two actors, derived from both
// directed edges. Only accepted edges count; pending and undone follows are
// absent.
func (s *FollowService) RelationOf(ctx context.Context, a, b *domain.Actor) (domain.Relation, error) {
	aFollowsB, err := s.acceptedFollow(ctx, a.ID, b.ID)
	if err != nil {
		return domain.RelationNone, err
	}
	bFollowsA, err := s.acceptedFollow(ctx, b.ID, a.ID)
	if err != nil {
		return domain.RelationNone, err
	}

	switch {
	case aFollowsB && bFollowsA:
		return domain.RelationMutual, nil
	case aFollowsB:
		return domain.RelationFollowing, nil
	case bFollowsA:
		return domain.RelationFollowedBy, nil
	default:
		return domain.RelationNone, nil
	}
}

func (s *FollowService) acceptedFollow(ctx context.Context, followerID, followeeID int64) (bool, error) {
	rel, err := s.follows.GetFollow(ctx, followerID, followeeID)
	if err != nil {
		if errors.Is(err, domain.ErrFollowNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("lookup follow %d->%d: %w", followerID, followeeID, err)
	}
	return rel.Accepted, nil
}

// FollowerInboxes returns the delivery inboxes of an actor's accepted
// followers, preferring shared inboxes.
func (s *FollowService) FollowerInboxes(ctx context.Context, actorID int64) ([]string, error) {
	return s.follows.ListFollowerInboxes(ctx, actorID)
}

// logSent records an outbound activity in the send log. Logging failure is
// reported but does not block delivery.
func (s *FollowService) logSent(ctx context.Context, act *domain.Activity, actorURL string) {
	raw, err := json.Marshal(act)
	if err != nil {
		s.logger.Error("failed to encode activity for the send log", "activity", act.ID, "error", err)
		return
	}
	if err := s.outbox.LogSent(ctx, act.ID, actorURL, raw); err != nil {
		s.logger.Error("failed to record sent activity", "activity", act.ID, "error", err)
	}
}
