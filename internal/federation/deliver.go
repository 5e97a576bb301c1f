package federation

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/blackmichael/fedinode/internal/domain"
	"github.com/blackmichael/fedinode/internal/httpsig"
)

// maxRedirects bounds how many 301/307/308 hops a single delivery follows
// before the last response is returned as-is.
const maxRedirects = 8

// ErrDeliveryFailed indicates an activity could not be handed to the remote
// inbox. The caller decides whether to retry later; the engine schedules no
// retries beyond the redirect bound.
var ErrDeliveryFailed = errors.New("delivery failed")

// PrivateKeySource supplies the signing key for a local actor.
type PrivateKeySource interface {
	PrivateKeyFor(actor *domain.Actor) (*rsa.PrivateKey, error)
}

// Deliverer signs and transmits outgoing activities to remote inboxes.
type Deliverer struct {
	client *http.Client
	keys   PrivateKeySource
	logger *slog.Logger
}

// NewDeliverer creates a Deliverer. timeout is the overall wall-clock budget
// for one delivery including its redirect chain.
func NewDeliverer(keys PrivateKeySource, logger *slog.Logger, timeout time.Duration) *Deliverer {
	return &Deliverer{
		client: &http.Client{
			Timeout: timeout,
			// Redirects are followed manually so each hop is re-signed
			// against its own target and host.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		keys:   keys,
		logger: logger,
	}
}

// Deliver serializes the activity, signs it with the sender's key, and POSTs
// it to the inbox URL. 301/307/308 responses are retried against the
// Location target up to maxRedirects times; after that the last status is
// returned. 202 is the expected success status; all other statuses are
// passed back for the caller to interpret.
func (d *Deliverer) Deliver(ctx context.Context, sender *domain.Actor, activity *domain.Activity, inboxURL string) (int, error) {
	key, err := d.keys.PrivateKeyFor(sender)
	if err != nil {
		return 0, fmt.Errorf("deliver %s: %w", activity.ID, err)
	}

	if activity.Context == nil {
		// Default the context on a copy; the caller's activity stays untouched.
		withContext := *activity
		withContext.Context = domain.ActivityStreamsContext
		activity = &withContext
	}
	body, err := json.Marshal(activity)
	if err != nil {
		return 0, fmt.Errorf("deliver %s: marshal: %w", activity.ID, err)
	}

	target := inboxURL
	for redirects := 0; ; redirects++ {
		status, location, err := d.post(ctx, sender, key, body, target)
		if err != nil {
			return 0, fmt.Errorf("deliver %s to %s: %w: %w", activity.ID, target, ErrDeliveryFailed, err)
		}

		switch status {
		case http.StatusMovedPermanently, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			if location == "" || redirects >= maxRedirects {
				d.logger.Warn("delivery redirect chain exhausted",
					"activity", activity.ID, "target", target, "redirects", redirects)
				return status, nil
			}
			d.logger.Debug("following delivery redirect", "activity", activity.ID, "location", location)
			target = location
		default:
			return status, nil
		}
	}
}

// post issues one signed POST and returns the status plus any resolved
// Location header.
func (d *Deliverer) post(ctx context.Context, sender *domain.Actor, key *rsa.PrivateKey, body []byte, target string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", activityContentType)
	req.Header.Set("Accept", activityContentType)
	if err := httpsig.Sign(req, body, sender.KeyID(), key); err != nil {
		return 0, "", err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	location := ""
	if loc, err := resp.Location(); err == nil {
		location = loc.String()
	}
	return resp.StatusCode, location, nil
}
