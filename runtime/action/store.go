package action

import "context"

// Store persists live action instances. The runtime ships an in-memory
// implementation in the inmem subpackage; persistence beyond the process
// lifetime is out of scope for the orchestration core.
//
// Implementations must be safe for concurrent use. The Manager serializes
// mutations per session, so stores only need basic atomicity per call.
type Store interface {
	// Put inserts or replaces an instance.
	Put(ctx context.Context, inst *Instance) error
	// Get returns the instance with the given id, or ErrUnknownInstance.
	Get(ctx context.Context, id string) (*Instance, error)
	// BySession returns all live instances for a session.
	BySession(ctx context.Context, sessionID string) ([]*Instance, error)
	// Delete removes an instance. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, id string) error
}
