package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActivityStreamsContext is the JSON-LD context attached to outgoing
// activities and actor documents.
const ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"

// SecurityContext is the additional context required for publicKey fields.
const SecurityContext = "https://w3id.org/security/v1"

// PublicCollection is the special addressing URI meaning "everyone". It never
// resolves to an inbox.
const PublicCollection = "https://www.w3.org/ns/activitystreams#Public"

// Activity is the common envelope of an ActivityStreams activity. Object is
// kept raw because its shape depends on the activity type: a bare URL string,
// a nested activity, or a content object such as a Note. Handlers decode it
// into the concrete shape they expect.
type Activity struct {
	Context   any             `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object,omitempty"`
	Published string          `json:"published,omitempty"`
	To        []string        `json:"to,omitempty"`
	CC        []string        `json:"cc,omitempty"`
}

// ObjectURL decodes the object field as a bare URL string. Nested objects
// fall back to their "id" field, matching how remote servers interchangeably
// send either form.
func (a *Activity) ObjectURL() (string, error) {
	if len(a.Object) == 0 {
		return "", fmt.Errorf("activity %s has no object", a.ID)
	}
	var url string
	if err := json.Unmarshal(a.Object, &url); err == nil {
		return url, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &obj); err != nil || obj.ID == "" {
		return "", fmt.Errorf("activity %s: object is neither a URL nor an object with an id", a.ID)
	}
	return obj.ID, nil
}

// InnerActivity decodes the object field as a nested activity, as carried by
// Accept, Reject and Undo.
func (a *Activity) InnerActivity() (*Activity, error) {
	if len(a.Object) == 0 {
		return nil, fmt.Errorf("activity %s has no object", a.ID)
	}
	var inner Activity
	if err := json.Unmarshal(a.Object, &inner); err != nil {
		return nil, fmt.Errorf("activity %s: decode inner activity: %w", a.ID, err)
	}
	if inner.ID == "" || inner.Type == "" {
		return nil, fmt.Errorf("activity %s: inner object is not an activity", a.ID)
	}
	return &inner, nil
}

// InnerNote decodes the object field as a Note document, as carried by Create.
func (a *Activity) InnerNote() (*NoteDocument, error) {
	if len(a.Object) == 0 {
		return nil, fmt.Errorf("activity %s has no object", a.ID)
	}
	var note NoteDocument
	if err := json.Unmarshal(a.Object, &note); err != nil {
		return nil, fmt.Errorf("activity %s: decode note: %w", a.ID, err)
	}
	if note.ID == "" {
		return nil, fmt.Errorf("activity %s: note has no id", a.ID)
	}
	return &note, nil
}

// NormalizeObject re-encodes a raw activity document with its @context
// removed and keys in canonical order. Both sides of the Accept/Reject
// integrity comparison go through this so that stored and received copies of
// the same activity compare byte-equal regardless of original key order.
func NormalizeObject(raw []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("normalize object: %w", err)
	}
	delete(m, "@context")
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("normalize object: %w", err)
	}
	return out, nil
}

// NoteDocument is the wire form of a Note content object.
type NoteDocument struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	AttributedTo string   `json:"attributedTo"`
	Content      string   `json:"content"`
	Published    string   `json:"published,omitempty"`
	InReplyTo    string   `json:"inReplyTo,omitempty"`
	To           []string `json:"to,omitempty"`
	CC           []string `json:"cc,omitempty"`
}

// Note is a stored content object ingested from a Create activity.
type Note struct {
	ID        int64
	URI       string
	ActorURL  string
	Content   string
	InReplyTo string
	Published time.Time
}

// ActorDocument is the wire form of an actor profile, served for local actors
// and parsed when fetching remote ones.
type ActorDocument struct {
	Context           any               `json:"@context"`
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	PreferredUsername string            `json:"preferredUsername"`
	Inbox             string            `json:"inbox"`
	Outbox            string            `json:"outbox,omitempty"`
	Followers         string            `json:"followers,omitempty"`
	Following         string            `json:"following,omitempty"`
	Endpoints         *ActorEndpoints   `json:"endpoints,omitempty"`
	PublicKey         PublicKeyDocument `json:"publicKey"`
}

// ActorEndpoints carries the optional sharedInbox endpoint.
type ActorEndpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// PublicKeyDocument is the publicKey block of an actor document.
type PublicKeyDocument struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// WebFingerResponse is the JRD document returned by a WebFinger query.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Links   []WebFingerLink `json:"links"`
}

// WebFingerLink is a single link relation in a WebFinger response.
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// SelfLink returns the href of the rel="self" link, which points at the
// actor document.
func (w *WebFingerResponse) SelfLink() (string, bool) {
	for _, l := range w.Links {
		if l.Rel == "self" && l.Href != "" {
			return l.Href, true
		}
	}
	return "", false
}

// OrderedCollectionSummary is the totalItems-only form of an
// OrderedCollection, served for follower and following collections.
type OrderedCollectionSummary struct {
	Context    any    `json:"@context"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	TotalItems int64  `json:"totalItems"`
}
