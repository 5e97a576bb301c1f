package domain

import "errors"

var (
	// ErrActorNotFound indicates an actor could not be resolved locally or
	// over the network.
	ErrActorNotFound = errors.New("actor not found")

	// ErrActorGone indicates a remote server answered 410 for an actor; the
	// cached record should be purged rather than retried.
	ErrActorGone = errors.New("actor gone")

	// ErrKeyNotFound indicates the key material needed for a signing
	// operation is missing.
	ErrKeyNotFound = errors.New("key not found")

	// ErrUnknownActivity indicates an activity type this node does not
	// handle. Remote servers send many kinds we ignore, so this is an
	// ordinary outcome, not a fault.
	ErrUnknownActivity = errors.New("unknown activity type")

	// ErrIntegrityViolation indicates an activity referencing this node's
	// own output failed authentication, e.g. an Accept wrapping a Follow
	// this node never sent.
	ErrIntegrityViolation = errors.New("activity integrity violation")

	// ErrFollowNotFound indicates no follow relationship exists for the
	// given pair or activity URI.
	ErrFollowNotFound = errors.New("follow relationship not found")
)
