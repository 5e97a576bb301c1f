package federation

import (
	"context"
	"fmt"
	"time"

	"github.com/blackmichael/fedinode/internal/domain"
)

// handleCreate ingests the Note carried by a Create activity. The sender is
// resolved first so its record is cached, and a note may only be attributed
// to the activity's own actor. Replays of the same note URI are no-ops.
func (d *Dispatcher) handleCreate(ctx context.Context, act *domain.Activity) error {
	doc, err := act.InnerNote()
	if err != nil {
		return err
	}
	if doc.AttributedTo != "" && doc.AttributedTo != act.Actor {
		return fmt.Errorf("create %s: note %s attributed to %s, not the sender: %w",
			act.ID, doc.ID, doc.AttributedTo, domain.ErrIntegrityViolation)
	}

	if _, err := d.resolver.ResolveActorURL(ctx, act.Actor); err != nil {
		return fmt.Errorf("create %s: %w", act.ID, err)
	}

	published := time.Now().UTC()
	if doc.Published != "" {
		if ts, err := time.Parse(time.RFC3339, doc.Published); err == nil {
			published = ts.UTC()
		}
	}

	note := &domain.Note{
		URI:       doc.ID,
		ActorURL:  act.Actor,
		Content:   doc.Content,
		InReplyTo: doc.InReplyTo,
		Published: published,
	}
	if err := d.notes.CreateNote(ctx, note); err != nil {
		return fmt.Errorf("create %s: store note %s: %w", act.ID, doc.ID, err)
	}
	return nil
}

// handleDelete tombstones what the Delete points at. An actor deleting
// itself purges the cached actor record and its notes; anything else is
// treated as a note URI and removed only if attributed to the sender.
func (d *Dispatcher) handleDelete(ctx context.Context, act *domain.Activity) error {
	objectURL, err := act.ObjectURL()
	if err != nil {
		return err
	}

	if objectURL == act.Actor {
		if err := d.notes.DeleteNotesByActor(ctx, act.Actor); err != nil {
			return fmt.Errorf("delete %s: purge notes of %s: %w", act.ID, act.Actor, err)
		}
		if err := d.actors.DeleteActorByURL(ctx, act.Actor); err != nil {
			return fmt.Errorf("delete %s: purge actor %s: %w", act.ID, act.Actor, err)
		}
		return nil
	}

	if err := d.notes.DeleteNote(ctx, objectURL, act.Actor); err != nil {
		return fmt.Errorf("delete %s: remove note %s: %w", act.ID, objectURL, err)
	}
	return nil
}
