// Package transport defines the change transport consumed by the lifecycle
// registry: a connection to the data store that emits row changes for the
// filters attached to a named channel.
package transport

import (
	"context"
	"errors"

	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
)

var (
	// ErrChannelClosed is returned by operations on a channel that has been
	// unsubscribed or removed
	ErrChannelClosed = errors.New("transport: channel closed")

	// ErrUnknownChannel is returned by RemoveChannel for a channel the
	// transport did not open
	ErrUnknownChannel = errors.New("transport: unknown channel")
)

// ChangeCallback receives row changes matching a filter
type ChangeCallback func(change *realtime.Change)

// StatusCallback receives channel status transitions. err is set for
// CHANNEL_ERROR.
type StatusCallback func(status realtime.Status, err error)

// Channel is one named subscription on the transport
type Channel interface {
	// Name returns the transport level channel name
	Name() string

	// On attaches a filter. Filters may be attached before or after Subscribe.
	On(filter realtime.Filter, cb ChangeCallback)

	// Subscribe starts delivery; cb is invoked with SUBSCRIBED once the
	// transport confirms and with CLOSED or CHANNEL_ERROR when it ends.
	Subscribe(cb StatusCallback)

	// Unsubscribe stops delivery and returns once the transport acknowledged
	// or ctx is done.
	Unsubscribe(ctx context.Context) error
}

// Transport opens and releases channels
type Transport interface {
	// OpenChannel creates a channel; nothing is sent until Subscribe
	OpenChannel(name string) Channel

	// RemoveChannel releases transport side resources after Unsubscribe
	RemoveChannel(ch Channel) error
}
