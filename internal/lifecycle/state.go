package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/transport"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	"github.com/juju/clock"
)

var (
	// ErrRegistryClosed is reported by handles acquired after Close
	ErrRegistryClosed = errors.New("lifecycle: registry closed")

	// ErrTornDown is reported to observers of a scope that was force closed
	ErrTornDown = errors.New("lifecycle: scope torn down")

	// ErrChannelClosed is reported when the transport closed a channel the
	// registry did not ask to close
	ErrChannelClosed = errors.New("lifecycle: channel closed by transport")
)

// State is the subscription state of one scope
type State int32

const (
	StateIdle State = iota
	StateSubscribing
	StateSubscribed
	StateUnsubscribing
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateUnsubscribing:
		return "unsubscribing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Status is what consumers observe about a scope
type Status struct {
	State State

	// Disconnected is set when the last channel instance ended with CLOSED
	// or CHANNEL_ERROR; a new Acquire is required to reconnect
	Disconnected bool

	// Err carries the transport error behind Disconnected
	Err error

	// Instance is the transport channel name of the current instance
	Instance string

	// Generation counts channel instances opened for the scope
	Generation int
}

// Listener pairs a filter with the callback invoked for matching changes.
// A nil callback still widens the transport subscription.
type Listener struct {
	Filter   realtime.Filter
	Callback transport.ChangeCallback
}

// ScopeInfo is a diagnostic view of one scope
type ScopeInfo struct {
	Key          string `json:"key"`
	State        string `json:"state"`
	Instance     string `json:"instance,omitempty"`
	Generation   int    `json:"generation"`
	Refs         int    `json:"refs"`
	Listeners    int    `json:"listeners"`
	Disconnected bool   `json:"disconnected"`
}

// Config contains registry configuration
type Config struct {
	// Bound on waiting for a transport to acknowledge Unsubscribe before
	// the scope is forced back to idle
	UnsubscribeTimeout time.Duration

	// Clock drives the unsubscribe timeout
	Clock clock.Clock
}

// DefaultConfig returns a default registry configuration
func DefaultConfig() Config {
	return Config{
		UnsubscribeTimeout: 5 * time.Second,
		Clock:              clock.WallClock,
	}
}
