package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/montage/features/stream/pulse/clients/pulse"
	"goa.design/montage/runtime/wire"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to
		// "montage_observer".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber reads a session's Pulse stream and emits the broadcast
	// envelopes as wire events, preserving stream order.
	Subscriber struct {
		client clientspulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber constructs a Subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "montage_observer"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe opens a consumer group on the session's stream and returns the
// decoded event feed. The returned cancel function stops consumption and
// closes both channels.
func (s *Subscriber) Subscribe(ctx context.Context, sessionID string, opts ...streamopts.Sink) (<-chan wire.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(StreamName(sessionID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan wire.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	stop := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, stop, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- wire.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := DecodeEnvelope(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode envelope: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}

// DecodeEnvelope deserializes a published broadcast envelope. The payload is
// kept as raw JSON: remote consumers route on the event type and forward the
// payload without needing the concrete payload structs.
func DecodeEnvelope(payload []byte) (wire.Event, error) {
	var env struct {
		Type      wire.EventType  `json:"type"`
		SessionID string          `json:"session_id"`
		TurnID    string          `json:"turn_id"`
		Seq       uint64          `json:"seq"`
		At        time.Time       `json:"at"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return wire.Event{}, err
	}
	if env.Type == "" {
		return wire.Event{}, errors.New("envelope missing type")
	}
	ev := wire.Event{
		Type:      env.Type,
		SessionID: env.SessionID,
		TurnID:    env.TurnID,
		Seq:       env.Seq,
		At:        env.At,
	}
	if len(env.Payload) > 0 {
		ev.Payload = env.Payload
	}
	return ev, nil
}
