package bridge

import (
	"errors"

	"github.com/nerrad567/gray-logic-cloudbridge/internal/infrastructure/mqtt"
)

// Domain errors for the bridge package.
var (
	// ErrInvalidConfig is returned when the bridge configuration or
	// required collaborators are missing or inconsistent.
	ErrInvalidConfig = errors.New("bridge: invalid configuration")

	// ErrNotConfigured is returned when no cloud credentials exist yet.
	// It is an expected state on a fresh install, not a failure.
	ErrNotConfigured = mqtt.ErrNotConfigured

	// ErrConnection is returned when the cloud connection cannot be obtained.
	ErrConnection = errors.New("bridge: cloud connection failed")

	// ErrMalformedMessage is returned by Parse for payloads that are not a
	// valid envelope. It is never propagated past the inbound handler.
	ErrMalformedMessage = errors.New("bridge: malformed message")

	// ErrAlreadyStarted is returned when Start is called on a running bridge.
	ErrAlreadyStarted = errors.New("bridge: already started")

	// ErrNoBands is returned when a sync direction is started without bands.
	ErrNoBands = errors.New("bridge: no bands configured")
)
