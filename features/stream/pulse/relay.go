// Package pulse relays session broadcasts to Redis-backed Pulse streams so
// observers on other processes can follow a session. The relay attaches to
// the hub as a regular observer connection publishing every envelope to
// session/<id>; the subscriber side reads the stream back into wire events.
package pulse

import (
	"context"
	"errors"
	"fmt"

	"goa.design/montage/features/stream/pulse/clients/pulse"
	"goa.design/montage/runtime/session"
	"goa.design/montage/runtime/telemetry"
	"goa.design/montage/runtime/wire"
)

type (
	// RelayOptions configures a Relay.
	RelayOptions struct {
		// Client is the Pulse client used to publish. Required.
		Client pulse.Client
		// Logger is the diagnostic logger. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Relay publishes session broadcast envelopes to Pulse streams. Safe for
	// concurrent use; each Conn publishes independently.
	Relay struct {
		client pulse.Client
		logger telemetry.Logger
	}

	// relayConn is the hub-facing observer connection for one session.
	relayConn struct {
		stream pulse.Stream
		logger telemetry.Logger
	}
)

// NewRelay constructs a Relay over the given Pulse client.
func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Relay{client: opts.Client, logger: logger}, nil
}

// Conn returns an observer connection that publishes the session's broadcast
// envelopes to the session's Pulse stream. Subscribe it to the hub like any
// other observer.
func (r *Relay) Conn(sessionID string) (session.Conn, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	stream, err := r.client.Stream(StreamName(sessionID))
	if err != nil {
		return nil, err
	}
	return &relayConn{stream: stream, logger: r.logger}, nil
}

// Close releases the underlying Pulse client.
func (r *Relay) Close(ctx context.Context) error {
	return r.client.Close(ctx)
}

// StreamName derives the Pulse stream name for a session.
func StreamName(sessionID string) string {
	return fmt.Sprintf("session/%s", sessionID)
}

// Send publishes one envelope. The event type doubles as the Pulse event
// name so stream consumers can filter without decoding payloads.
func (c *relayConn) Send(ctx context.Context, ev wire.Event) error {
	payload, err := wire.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if _, err := c.stream.Add(ctx, string(ev.Type), payload); err != nil {
		return err
	}
	return nil
}

// Ping implements session.Conn. The stream has no liveness of its own; a
// failing Redis connection surfaces through Send instead.
func (c *relayConn) Ping(context.Context) error { return nil }

// Close implements session.Conn.
func (c *relayConn) Close(context.Context) error { return nil }
