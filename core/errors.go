package core

import (
	"errors"

	"github.com/signalsfoundry/swarm-simulator/discovery"
	"github.com/signalsfoundry/swarm-simulator/internal/storage"
	"github.com/signalsfoundry/swarm-simulator/scheduler"
)

// Re-export the admission, scheduling and storage errors so callers can
// match everything against the core package.
var (
	ErrPoolExhausted    = discovery.ErrPoolExhausted
	ErrAlreadyConnected = discovery.ErrAlreadyConnected
	ErrInvalidOrdering  = scheduler.ErrInvalidOrdering
	ErrStorageConflict  = storage.ErrStorageConflict
)

var (
	// ErrDoubleCompletion is reported when a peer behavior calls its
	// completion function more than once.
	ErrDoubleCompletion = errors.New("peer completed more than once")
	// ErrInvalidState is returned when an operation is not allowed in the
	// simulator's current state.
	ErrInvalidState = errors.New("operation not allowed in current simulator state")
	// ErrInvalidRole is returned when a role cannot be launched.
	ErrInvalidRole = errors.New("invalid role")
	// ErrUnknownPeer is returned when a peer id is not part of the simulation.
	ErrUnknownPeer = errors.New("unknown peer")
)
