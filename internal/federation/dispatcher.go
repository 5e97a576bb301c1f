// Package federation implements the activity protocol engine: classifying
// and dispatching incoming activity documents, the follow-relationship state
// machine, and signed delivery of outgoing activities to remote inboxes.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/blackmichael/fedinode/internal/domain"
	"github.com/blackmichael/fedinode/internal/resolver"
)

const activityContentType = "application/activity+json"

// Kind is a recognized activity type.
type Kind string

const (
	KindFollow Kind = "Follow"
	KindAccept Kind = "Accept"
	KindReject Kind = "Reject"
	KindUndo   Kind = "Undo"
	KindCreate Kind = "Create"
	KindDelete Kind = "Delete"
)

// Classify parses an untrusted JSON document into an activity envelope and
// determines its kind from the "type" field. Unrecognized kinds return the
// parsed envelope alongside ErrUnknownActivity so the caller can log what it
// dropped; federation partners send many kinds this node does not support.
func Classify(raw []byte) (*domain.Activity, Kind, error) {
	var act domain.Activity
	if err := json.Unmarshal(raw, &act); err != nil {
		return nil, "", fmt.Errorf("parse activity: %w", err)
	}
	if act.Type == "" || act.Actor == "" {
		return nil, "", fmt.Errorf("activity missing type or actor")
	}

	switch kind := Kind(act.Type); kind {
	case KindFollow, KindAccept, KindReject, KindUndo, KindCreate, KindDelete:
		return &act, kind, nil
	default:
		return &act, "", fmt.Errorf("activity type %q: %w", act.Type, domain.ErrUnknownActivity)
	}
}

// EventPublisher receives a notification for every successfully dispatched
// activity. The streaming hub implements it; a no-op implementation is used
// when streaming is disabled.
type EventPublisher interface {
	Publish(kind, actorURL, objectURL string)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(string, string, string) {}

// Dispatcher routes classified activities to their handlers. Inbound
// activities from remote actors go to the per-kind handlers; activities
// whose actor is one of this node's own local actors are outbound
// publications and are delivered instead of processed.
type Dispatcher struct {
	actors    domain.ActorRepository
	notes     domain.NoteRepository
	follows   *FollowService
	outbox    domain.ActivityLogRepository
	resolver  *resolver.Resolver
	deliverer *Deliverer
	events    EventPublisher
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	actors domain.ActorRepository,
	notes domain.NoteRepository,
	follows *FollowService,
	outbox domain.ActivityLogRepository,
	res *resolver.Resolver,
	deliverer *Deliverer,
	events EventPublisher,
	logger *slog.Logger,
) *Dispatcher {
	if events == nil {
		events = NopPublisher{}
	}
	return &Dispatcher{
		actors:    actors,
		notes:     notes,
		follows:   follows,
		outbox:    outbox,
		resolver:  res,
		deliverer: deliverer,
		events:    events,
		logger:    logger,
	}
}

// Dispatch classifies a raw activity document and routes it. Unknown kinds
// are logged and dropped, surfaced as ErrUnknownActivity for the transport
// layer to answer harmlessly.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	act, kind, err := Classify(raw)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownActivity) {
			d.logger.Info("dropping unhandled activity", "type", act.Type, "id", act.ID, "actor", act.Actor)
		}
		return err
	}

	// Self-addressed activities reuse the same envelope for the outbound
	// direction: a local actor publishing, not a remote event to process.
	if local, err := d.actors.GetActorByURL(ctx, act.Actor); err == nil && local.IsLocal() {
		return d.publishOutbound(ctx, local, act, raw)
	}

	switch kind {
	case KindFollow:
		err = d.follows.HandleFollow(ctx, act)
	case KindAccept:
		err = d.follows.HandleAccept(ctx, act)
	case KindReject:
		err = d.follows.HandleReject(ctx, act)
	case KindUndo:
		err = d.follows.HandleUndo(ctx, act)
	case KindCreate:
		err = d.handleCreate(ctx, act)
	case KindDelete:
		err = d.handleDelete(ctx, act)
	}
	if err != nil {
		return err
	}

	object := ""
	if url, err := act.ObjectURL(); err == nil {
		object = url
	}
	d.events.Publish(strings.ToLower(string(kind)), act.Actor, object)
	return nil
}

// publishOutbound logs a locally authored activity and delivers it to every
// addressed inbox. The public collection never resolves to an inbox; the
// local actor's own followers collection fans out to follower inboxes.
func (d *Dispatcher) publishOutbound(ctx context.Context, local *domain.Actor, act *domain.Activity, raw []byte) error {
	if err := d.outbox.LogSent(ctx, act.ID, local.ActorURL, raw); err != nil {
		return fmt.Errorf("log outbound activity %s: %w", act.ID, err)
	}

	inboxes := make(map[string]struct{})
	for _, addr := range append(append([]string{}, act.To...), act.CC...) {
		switch addr {
		case domain.PublicCollection:
			continue
		case local.FollowersURL:
			followerInboxes, err := d.follows.FollowerInboxes(ctx, local.ID)
			if err != nil {
				d.logger.Error("failed to list follower inboxes", "actor", local.ActorURL, "error", err)
				continue
			}
			for _, inbox := range followerInboxes {
				inboxes[inbox] = struct{}{}
			}
		default:
			recipient, err := d.resolver.ResolveActorURL(ctx, addr)
			if err != nil {
				d.logger.Error("failed to resolve recipient", "activity", act.ID, "recipient", addr, "error", err)
				continue
			}
			inboxes[recipient.InboxURL] = struct{}{}
		}
	}

	for inbox := range inboxes {
		status, err := d.deliverer.Deliver(ctx, local, act, inbox)
		if err != nil {
			d.logger.Error("outbound delivery failed", "activity", act.ID, "inbox", inbox, "error", err)
		} else if status < 200 || status >= 300 {
			d.logger.Warn("outbound delivery rejected", "activity", act.ID, "inbox", inbox, "status", status)
		}
	}
	return nil
}
