// Package httpserver is the thin routing layer in front of the federation
// engine: the inbox endpoint plus the discovery surface remote peers need to
// find and verify local actors.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/blackmichael/fedinode/internal/config"
	"github.com/blackmichael/fedinode/internal/domain"
	"github.com/blackmichael/fedinode/internal/federation"
	"github.com/blackmichael/fedinode/internal/httpsig"
	"github.com/blackmichael/fedinode/internal/streaming"
)

const (
	activityJSONType = "application/activity+json"
	jrdJSONType      = "application/jrd+json"
)

// Server is the HTTP server exposing the federation boundary.
type Server struct {
	cfg        *config.Config
	verifier   *httpsig.Verifier
	dispatcher *federation.Dispatcher
	actors     domain.ActorRepository
	follows    domain.FollowRepository
	hub        *streaming.Hub
	logger     *slog.Logger
	echo       *echo.Echo
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(
	cfg *config.Config,
	verifier *httpsig.Verifier,
	dispatcher *federation.Dispatcher,
	actors domain.ActorRepository,
	follows domain.FollowRepository,
	hub *streaming.Hub,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:        cfg,
		verifier:   verifier,
		dispatcher: dispatcher,
		actors:     actors,
		follows:    follows,
		hub:        hub,
		logger:     logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.requestLogger)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
	}))

	e.POST("/inbox", s.handleInbox)
	e.POST("/users/:username/inbox", s.handleInbox)
	e.GET("/.well-known/webfinger", s.handleWebFinger)
	e.GET("/users/:username", s.handleActor)
	e.GET("/users/:username/followers", s.handleFollowers)
	e.GET("/users/:username/following", s.handleFollowing)
	e.GET("/api/v1/streaming", s.handleStreaming)
	e.GET("/health", s.handleHealth)

	s.echo = e
	return s
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info("starting HTTP server", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleInbox is the federation entry point: verify the signature against
// the sender's published key, then classify and dispatch the activity.
// Verification failures never reach a handler.
func (s *Server) handleInbox(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "InvalidRequest", "could not read request body")
	}

	signer, ok := s.verifier.Verify(req.Context(), req, body)
	if !ok {
		return jsonError(c, http.StatusUnauthorized, "Unauthorized", "signature verification failed")
	}

	// The signer must be the activity's actor; a valid signature over
	// someone else's activity is still a forgery.
	var envelope struct {
		Actor string `json:"actor"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return jsonError(c, http.StatusBadRequest, "InvalidRequest", "body is not valid JSON")
	}
	if envelope.Actor != signer {
		s.logger.Warn("rejecting activity signed by a different actor", "signer", signer, "actor", envelope.Actor)
		return jsonError(c, http.StatusUnauthorized, "Unauthorized", "signature does not match actor")
	}

	err = s.dispatcher.Dispatch(req.Context(), body)
	switch {
	case err == nil:
		return c.NoContent(http.StatusAccepted)
	case errors.Is(err, domain.ErrUnknownActivity):
		// Harmless: remote servers send many kinds this node ignores.
		return c.NoContent(http.StatusOK)
	case errors.Is(err, domain.ErrIntegrityViolation),
		errors.Is(err, domain.ErrActorNotFound),
		errors.Is(err, domain.ErrActorGone),
		errors.Is(err, domain.ErrFollowNotFound),
		errors.Is(err, federation.ErrDeliveryFailed):
		// The single activity failed; the request itself was well-formed
		// and authenticated.
		s.logger.Error("activity processing failed", "error", err)
		return c.NoContent(http.StatusAccepted)
	default:
		s.logger.Error("rejecting malformed activity", "error", err)
		return jsonError(c, http.StatusBadRequest, "InvalidRequest", "malformed activity")
	}
}

func (s *Server) handleWebFinger(c echo.Context) error {
	resource := c.QueryParam("resource")
	handle, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		return jsonError(c, http.StatusBadRequest, "InvalidRequest", "resource must be an acct: URI")
	}
	handle = strings.TrimPrefix(handle, "@")

	username, handleDomain, ok := strings.Cut(handle, "@")
	if !ok || handleDomain != s.cfg.Domain {
		return jsonError(c, http.StatusNotFound, "NotFound", "unknown resource")
	}

	actor, err := s.actors.GetLocalActor(c.Request().Context(), username)
	if err != nil {
		return jsonError(c, http.StatusNotFound, "NotFound", "unknown resource")
	}

	resp := domain.WebFingerResponse{
		Subject: "acct:" + handle,
		Links: []domain.WebFingerLink{
			{
				Rel:  "self",
				Type: activityJSONType,
				Href: actor.ActorURL,
			},
		},
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, jrdJSONType, b)
}

func (s *Server) handleActor(c echo.Context) error {
	actor, err := s.actors.GetLocalActor(c.Request().Context(), c.Param("username"))
	if err != nil {
		return jsonError(c, http.StatusNotFound, "NotFound", "unknown actor")
	}

	doc := domain.ActorDocument{
		Context: []string{
			domain.ActivityStreamsContext,
			domain.SecurityContext,
		},
		ID:                actor.ActorURL,
		Type:              "Person",
		PreferredUsername: actor.Username,
		Inbox:             actor.InboxURL,
		Outbox:            actor.OutboxURL,
		Followers:         actor.FollowersURL,
		Following:         actor.FollowingURL,
		PublicKey: domain.PublicKeyDocument{
			ID:           actor.KeyID(),
			Owner:        actor.ActorURL,
			PublicKeyPem: actor.PublicKeyPEM,
		},
	}
	if actor.SharedInboxURL != "" {
		doc.Endpoints = &domain.ActorEndpoints{SharedInbox: actor.SharedInboxURL}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, activityJSONType, b)
}

func (s *Server) handleFollowers(c echo.Context) error {
	return s.handleCollection(c, func(ctx context.Context, actorID int64) (int64, error) {
		return s.follows.CountFollowers(ctx, actorID)
	}, "followers")
}

func (s *Server) handleFollowing(c echo.Context) error {
	return s.handleCollection(c, func(ctx context.Context, actorID int64) (int64, error) {
		return s.follows.CountFollowing(ctx, actorID)
	}, "following")
}

func (s *Server) handleCollection(c echo.Context, count func(context.Context, int64) (int64, error), name string) error {
	ctx := c.Request().Context()
	actor, err := s.actors.GetLocalActor(ctx, c.Param("username"))
	if err != nil {
		return jsonError(c, http.StatusNotFound, "NotFound", "unknown actor")
	}

	total, err := count(ctx, actor.ID)
	if err != nil {
		s.logger.Error("failed to count collection", "actor", actor.ActorURL, "collection", name, "error", err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "failed to load collection")
	}

	summary := domain.OrderedCollectionSummary{
		Context:    domain.ActivityStreamsContext,
		ID:         fmt.Sprintf("%s/users/%s/%s", s.cfg.BaseURL(), actor.Username, name),
		Type:       "OrderedCollection",
		TotalItems: total,
	}
	b, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, activityJSONType, b)
}

func (s *Server) handleStreaming(c echo.Context) error {
	return s.hub.Subscribe(c.Response(), c.Request())
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.logger.Info("http request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"duration", time.Since(start),
		)
		return err
	}
}

func jsonError(c echo.Context, status int, errType, message string) error {
	return c.JSON(status, map[string]string{
		"error":   errType,
		"message": message,
	})
}
