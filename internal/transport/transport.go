// Package transport moves frames between the hub and connected clients. The
// hub delivers every frame to every connected client; addressing is resolved
// client-side (see proto.Envelope.Matches). Three implementations of Link
// exist: the WebSocket client and the in-process memory link used by tests.
// The hub itself is not a Link, it is the fan-out point.
package transport

import (
	"errors"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
)

// ErrNotConnected is returned by Send when the link has no live connection.
var ErrNotConnected = errors.New("transport: not connected")

// ErrDeliver wraps transport-level send failures. Retries, if any, are the
// caller's policy.
var ErrDeliver = errors.New("transport: delivery failed")

// Link is a duplex connection to the fan-out point. Implementations stamp
// outbound frames with the local identity; inbound frames include everything
// the hub delivers, the subscriber filters.
type Link interface {
	// Identity returns the immutable identity this link was opened with.
	Identity() proto.Identity

	// Send delivers one frame to the hub, best-effort.
	Send(f proto.Frame) error

	// Subscribe returns a channel of inbound frames and a cancel func.
	// Slow subscribers lose frames rather than blocking the read loop.
	Subscribe() (<-chan proto.Frame, func())

	// Close tears the link down. Idempotent.
	Close() error
}
