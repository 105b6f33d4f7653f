package session

import (
	"context"
	"sync"
	"time"

	"goa.design/montage/runtime/telemetry"
	"goa.design/montage/runtime/wire"
)

type (
	// Conn is one observer connection. Transports implement it; the hub owns
	// delivery order and buffering, so implementations only need blocking
	// single-event writes.
	Conn interface {
		// Send writes one event to the observer. Called from a single hub
		// goroutine per connection; implementations need not be reentrant.
		Send(ctx context.Context, ev wire.Event) error
		// Ping probes liveness. It returns an error when the observer has
		// not answered within the transport's pong window; the hub then
		// drops the connection.
		Ping(ctx context.Context) error
		// Close releases the connection. Idempotent.
		Close(ctx context.Context) error
	}

	// observer pairs a connection with its bounded delivery queue. A slow or
	// dead observer never blocks the producer: enqueueing into a full queue
	// drops the oldest event and flags a desync, which the writer goroutine
	// reports to the observer before the next delivery.
	observer struct {
		id   string
		conn Conn

		queue chan wire.Event
		done  chan struct{}
		once  sync.Once

		mu      sync.Mutex
		dropped int
	}
)

func newObserver(id string, conn Conn, queueSize int) *observer {
	return &observer{
		id:    id,
		conn:  conn,
		queue: make(chan wire.Event, queueSize),
		done:  make(chan struct{}),
	}
}

// enqueue offers an event without blocking. On overflow the oldest queued
// event is discarded and the observer is marked desynchronized.
func (o *observer) enqueue(ev wire.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for {
		select {
		case o.queue <- ev:
			return
		default:
		}
		select {
		case <-o.queue:
			o.dropped++
		default:
		}
	}
}

// takeDropped returns and resets the dropped-event count.
func (o *observer) takeDropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.dropped
	o.dropped = 0
	return n
}

// stop terminates the writer and pinger goroutines. Idempotent.
func (o *observer) stop() {
	o.once.Do(func() { close(o.done) })
}

// write drains the queue into the connection until the observer stops or a
// send fails. Desync notices are delivered in-band ahead of the next event.
func (o *observer) write(ctx context.Context, sessionID string, onFail func()) {
	for {
		select {
		case <-o.done:
			return
		case ev := <-o.queue:
			if n := o.takeDropped(); n > 0 {
				notice := wire.Event{
					Type:      wire.EventDesync,
					SessionID: sessionID,
					At:        time.Now().UTC(),
					Payload:   wire.DesyncPayload{Dropped: n},
				}
				if err := o.conn.Send(ctx, notice); err != nil {
					onFail()
					return
				}
			}
			if err := o.conn.Send(ctx, ev); err != nil {
				onFail()
				return
			}
		}
	}
}

// ping probes the connection on the given interval until the observer stops
// or a probe fails.
func (o *observer) ping(ctx context.Context, interval time.Duration, logger telemetry.Logger, onFail func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			if err := o.conn.Ping(ctx); err != nil {
				logger.Warn(ctx, "observer failed liveness probe", "observer_id", o.id, "error", err)
				onFail()
				return
			}
		}
	}
}
