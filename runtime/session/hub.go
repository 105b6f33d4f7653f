// Package session multiplexes one logical conversation to any number of
// observers. The Hub is the entry point every observer attaches to: it fans
// broadcast events out through bounded per-observer queues, drives director
// turns, gates generation tools behind action proposals, owns cooperative
// cancellation and liveness probing, and reaps idle sessions.
//
// Within a session, events are produced by a single ordered consumer per
// turn; observers are independent and a slow one never blocks the producer
// or its peers. Cross-session operations share no state.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/montage/runtime/action"
	"goa.design/montage/runtime/checkpoint"
	"goa.design/montage/runtime/director"
	"goa.design/montage/runtime/stream"
	"goa.design/montage/runtime/telemetry"
	"goa.design/montage/runtime/wire"
)

var (
	// ErrTurnActive reports a message sent while a turn is already running.
	ErrTurnActive = errors.New("a turn is already active for this session")
	// ErrNoContinuation reports a continue signal with nothing pending.
	ErrNoContinuation = errors.New("no continuation is pending for this session")
	// ErrUnknownSession reports an operation on a session with no state.
	ErrUnknownSession = errors.New("unknown session")
	// ErrNoDirector reports a turn start before a director was attached.
	ErrNoDirector = errors.New("no director runtime attached")
)

type (
	// Hub is the session multiplexer. Construct with NewHub, attach the
	// director runtime with SetDirector (the director adapter needs the hub
	// as its tool gate, so the two are wired in that order), then serve
	// observers. Safe for concurrent use.
	Hub struct {
		detector  *checkpoint.Detector
		actions   *action.Manager
		templates *action.Registry

		queueSize    int
		historyLimit int
		pingInterval time.Duration
		idleTimeout  time.Duration
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		tracer       telemetry.Tracer
		now          func() time.Time
		onSession    func(sessionID string)

		dirMu    sync.RWMutex
		director director.Runtime

		mu       sync.Mutex
		sessions map[string]*session

		closed    chan struct{}
		closeOnce sync.Once
	}

	// HubOption configures a Hub.
	HubOption func(*Hub)
)

// WithQueueSize sets the per-observer queue bound. Default 256.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) { h.queueSize = n }
}

// WithHistoryLimit sets how many broadcast envelopes are retained per session
// for replay to late-joining observers. Default 512.
func WithHistoryLimit(n int) HubOption {
	return func(h *Hub) { h.historyLimit = n }
}

// WithPingInterval sets the liveness probe cadence. Default 20s.
func WithPingInterval(d time.Duration) HubOption {
	return func(h *Hub) { h.pingInterval = d }
}

// WithIdleTimeout sets how long a session may stay inactive before it is
// reclaimed with a session_expired broadcast. Zero disables the reaper.
// Default 30m. A pending continuation does not exempt a session: user pacing
// is unbounded only while observers keep the session active.
func WithIdleTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.idleTimeout = d }
}

// WithLogger sets the diagnostic logger. Defaults to a no-op logger.
func WithLogger(logger telemetry.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(metrics telemetry.Metrics) HubOption {
	return func(h *Hub) { h.metrics = metrics }
}

// WithTracer sets the tracer. Defaults to a no-op tracer.
func WithTracer(tracer telemetry.Tracer) HubOption {
	return func(h *Hub) { h.tracer = tracer }
}

// WithHubClock overrides the time source, for tests.
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// WithSessionHook registers a callback invoked once per session, when its
// state is first created. Services use it to attach standing observers such
// as the cross-process relay. The hook runs on its own goroutine and may call
// back into the hub.
func WithSessionHook(fn func(sessionID string)) HubOption {
	return func(h *Hub) { h.onSession = fn }
}

// NewHub constructs a Hub over the given detector, action manager and
// template registry.
func NewHub(detector *checkpoint.Detector, actions *action.Manager, templates *action.Registry, opts ...HubOption) *Hub {
	h := &Hub{
		detector:     detector,
		actions:      actions,
		templates:    templates,
		queueSize:    256,
		historyLimit: 512,
		pingInterval: 20 * time.Second,
		idleTimeout:  30 * time.Minute,
		logger:       telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		tracer:       telemetry.NewNoopTracer(),
		now:          time.Now,
		sessions:     make(map[string]*session),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.idleTimeout > 0 {
		go h.reap()
	}
	return h
}

// SetDirector attaches the director runtime. Must be called before the first
// turn starts.
func (h *Hub) SetDirector(d director.Runtime) {
	h.dirMu.Lock()
	h.director = d
	h.dirMu.Unlock()
}

// Close stops the reaper and drops every session and observer.
func (h *Hub) Close(ctx context.Context) {
	h.closeOnce.Do(func() { close(h.closed) })
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*session)
	h.mu.Unlock()
	for _, s := range sessions {
		h.closeSession(ctx, s)
	}
}

// Subscribe attaches an observer connection to a session, creating the
// session on first use, and replays the retained broadcast history so the
// observer catches up. It returns the subscription id used to unsubscribe.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, conn Conn) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("subscribe: empty session id")
	}
	s := h.session(sessionID, true)
	o := newObserver(uuid.NewString(), conn, h.queueSize)

	// Replay and registration share the session lock: a concurrent broadcast
	// either stamped before (and is in the replayed history) or enqueues after
	// registration, so the late observer always sees monotonic sequence
	// numbers.
	s.mu.Lock()
	for _, ev := range s.history {
		o.enqueue(ev)
	}
	s.observers[o.id] = o
	s.lastActive = h.now().UTC()
	s.mu.Unlock()

	onFail := func() { h.Unsubscribe(context.WithoutCancel(ctx), sessionID, o.id) }
	go o.write(context.WithoutCancel(ctx), sessionID, onFail)
	go o.ping(context.WithoutCancel(ctx), h.pingInterval, h.logger, onFail)

	h.metrics.IncCounter("session.subscribed", 1)
	return o.id, nil
}

// Unsubscribe detaches an observer. Unknown ids are a no-op; a dropped
// observer never affects its peers or the session's turn.
func (h *Hub) Unsubscribe(ctx context.Context, sessionID, subscriptionID string) {
	s := h.session(sessionID, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	o, ok := s.observers[subscriptionID]
	if ok {
		delete(s.observers, subscriptionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	o.stop()
	if err := o.conn.Close(ctx); err != nil {
		h.logger.Debug(ctx, "observer close failed", "observer_id", subscriptionID, "error", err)
	}
	h.metrics.IncCounter("session.unsubscribed", 1)
}

// Broadcast stamps the envelope and delivers it to every currently
// subscribed observer of the session, in the same order for all of them.
func (h *Hub) Broadcast(sessionID string, ev wire.Event) {
	s := h.session(sessionID, true)
	h.broadcast(s, ev)
}

// Cancel triggers the session's shared cancellation token. Idempotent:
// cancelling twice is a no-op, and already-broadcast history stays intact.
// The in-flight agent invocation observes the token at its next suspension
// point; the underlying tool process is not hard-killed, the guarantee is
// only that no further agent output is forwarded.
func (h *Hub) Cancel(ctx context.Context, sessionID string) error {
	s := h.session(sessionID, false)
	if s == nil {
		return ErrUnknownSession
	}
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	turnID := s.turnID
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	h.metrics.IncCounter("session.canceled", 1)
	h.broadcast(s, wire.Event{Type: wire.EventCanceled, SessionID: sessionID, TurnID: turnID})
	return nil
}

// SendMessage starts a new turn with the user's message. When a continuation
// is pending the message doubles as the continuation signal. A second
// message while a turn runs is rejected with ErrTurnActive.
func (h *Hub) SendMessage(ctx context.Context, sessionID, text string, attachments []director.Attachment) error {
	s := h.session(sessionID, true)
	s.mu.Lock()
	if s.pending != nil {
		pending := s.pending
		s.pending = nil
		s.mu.Unlock()
		return h.resume(ctx, s, pending, text, attachments)
	}
	s.mu.Unlock()
	return h.startTurn(ctx, s, director.Turn{
		SessionID:   sessionID,
		Prompt:      text,
		Attachments: attachments,
	})
}

// Continue explicitly resumes a suspended turn, with an optional note. An
// action completing is not, by itself, permission to proceed; this signal
// (or a subsequent user message) is.
func (h *Hub) Continue(ctx context.Context, sessionID, note string) error {
	s := h.session(sessionID, false)
	if s == nil {
		return ErrUnknownSession
	}
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if pending == nil {
		return ErrNoContinuation
	}
	return h.resume(ctx, s, pending, note, nil)
}

// Pending returns the session's pending continuation, if any.
func (h *Hub) Pending(sessionID string) (*Continuation, bool) {
	s := h.session(sessionID, false)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil, false
	}
	return s.pending, true
}

// ExecuteAction approves a proposed instance and executes it with the
// approver's final parameters. On success the action's result is classified
// by the detector, the session's continuation is set and observers receive
// awaiting_continuation: the owning turn resumes only on an explicit signal.
func (h *Hub) ExecuteAction(ctx context.Context, sessionID, instanceID string, finalParams json.RawMessage) (*action.Instance, error) {
	s := h.session(sessionID, true)

	inst, err := h.actions.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.SessionID != sessionID {
		return nil, fmt.Errorf("%w: instance %s belongs to another session", action.ErrUnknownInstance, instanceID)
	}
	tmpl, _ := h.actions.Template(inst)

	// Broadcast payloads carry clones: the observer writer goroutines marshal
	// them while the manager keeps transitioning the live instance.
	h.broadcast(s, wire.Event{
		Type:      wire.EventActionProgress,
		SessionID: sessionID,
		Payload:   wire.ActionPayload{Instance: inst.Clone(), Title: tmpl.Title},
	})

	done, err := h.actions.Execute(ctx, instanceID, finalParams)
	if err != nil {
		if errors.Is(err, action.ErrExecFailed) {
			h.broadcast(s, wire.Event{
				Type:      wire.EventActionErrored,
				SessionID: sessionID,
				Payload:   wire.ActionPayload{Instance: done.Clone(), Title: tmpl.Title},
			})
		}
		return done, err
	}

	snap := done.Clone()
	h.broadcast(s, wire.Event{
		Type:      wire.EventActionCompleted,
		SessionID: sessionID,
		Payload:   wire.ActionPayload{Instance: snap, Title: tmpl.Title},
	})
	h.suspend(ctx, s, snap, tmpl)
	return done, nil
}

// RetryAction manually retries an errored instance with its recorded final
// parameters, following the same completion path as ExecuteAction.
func (h *Hub) RetryAction(ctx context.Context, sessionID, instanceID string) (*action.Instance, error) {
	s := h.session(sessionID, true)

	inst, err := h.actions.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.SessionID != sessionID {
		return nil, fmt.Errorf("%w: instance %s belongs to another session", action.ErrUnknownInstance, instanceID)
	}
	tmpl, _ := h.actions.Template(inst)

	h.broadcast(s, wire.Event{
		Type:      wire.EventActionProgress,
		SessionID: sessionID,
		Payload:   wire.ActionPayload{Instance: inst.Clone(), Title: tmpl.Title},
	})

	done, err := h.actions.Retry(ctx, instanceID)
	if err != nil {
		if errors.Is(err, action.ErrExecFailed) {
			h.broadcast(s, wire.Event{
				Type:      wire.EventActionErrored,
				SessionID: sessionID,
				Payload:   wire.ActionPayload{Instance: done.Clone(), Title: tmpl.Title},
			})
		}
		return done, err
	}

	snap := done.Clone()
	h.broadcast(s, wire.Event{
		Type:      wire.EventActionCompleted,
		SessionID: sessionID,
		Payload:   wire.ActionPayload{Instance: snap, Title: tmpl.Title},
	})
	h.suspend(ctx, s, snap, tmpl)
	return done, nil
}

// Intercept implements director.ToolGate. Tool calls that map to a
// registered action template are refused: the hub creates a proposal,
// broadcasts it for approval and returns redirect text the adapter delivers
// to the agent as the tool result. Enforcement lives here, not in the
// agent's instructions.
func (h *Hub) Intercept(ctx context.Context, sessionID, toolName string, args json.RawMessage) (string, bool) {
	tmpl, gated := h.templates.ForTool(toolName)
	if !gated {
		return "", false
	}
	s := h.session(sessionID, true)

	inst, err := h.actions.Propose(ctx, sessionID, tmpl.ID, args)
	if err != nil {
		switch {
		case errors.Is(err, action.ErrActionPending):
			return "Another action is already awaiting user approval. Wait for it to be resolved before proposing more work.", true
		case errors.Is(err, action.ErrInvalidParams):
			return fmt.Sprintf("The proposed parameters were rejected: %s. Correct them and propose again.", err), true
		default:
			h.logger.Error(ctx, "action proposal failed", "session_id", sessionID, "tool", toolName, "error", err)
			return "The action could not be proposed. Report the problem to the user.", true
		}
	}

	h.broadcast(s, wire.Event{
		Type:      wire.EventActionCreated,
		SessionID: sessionID,
		Payload:   wire.ActionPayload{Instance: inst.Clone(), Title: tmpl.Title},
	})
	h.metrics.IncCounter("session.tool_intercepted", 1, "tool", toolName)
	return fmt.Sprintf("This operation requires user approval. Action %s was proposed and awaits the user's decision; do not invoke %s directly and do not retry.", inst.ID, toolName), true
}

// suspend records the continuation, classifies the action result and
// broadcasts the checkpoint (if any) followed by awaiting_continuation.
func (h *Hub) suspend(ctx context.Context, s *session, inst *action.Instance, tmpl action.Template) {
	cont := &Continuation{Instance: inst}
	if inst.Result != nil {
		if rec, ok := h.detector.Detect(ctx, tmpl.Tool, inst.Result.Command, inst.Result.Output); ok {
			cont.Checkpoint = rec
			h.broadcastCheckpoint(s, "", rec)
		}
	}
	s.mu.Lock()
	s.pending = cont
	s.mu.Unlock()
	h.broadcast(s, wire.Event{
		Type:      wire.EventAwaitingContinuation,
		SessionID: s.id,
		Payload: wire.AwaitingContinuationPayload{
			Checkpoint: cont.Checkpoint,
			InstanceID: inst.ID,
		},
	})
}

// resume synthesizes the continuation status message and starts the next
// turn. When the turn cannot start — the approving observer may continue
// while the original turn is still winding down — the continuation is
// reinstated so a later signal can retry with the same context. Completed
// instances are resolved only after the turn actually resumed.
func (h *Hub) resume(ctx context.Context, s *session, pending *Continuation, note string, attachments []director.Attachment) error {
	status := h.synthesizeStatus(pending)
	err := h.startTurn(ctx, s, director.Turn{
		SessionID:   s.id,
		Attachments: attachments,
		Resume:      &director.ResumeContext{Status: status, Note: note},
	})
	if err != nil {
		s.mu.Lock()
		if s.pending == nil {
			s.pending = pending
		}
		s.mu.Unlock()
		return err
	}
	if err := h.actions.Resolve(ctx, s.id); err != nil {
		h.logger.Error(ctx, "resolving completed actions failed", "session_id", s.id, "error", err)
	}
	return nil
}

// synthesizeStatus renders the continuation outcome for the agent: what
// executed, whether it succeeded, where the artifacts are and how the
// approver edited the parameters.
func (h *Hub) synthesizeStatus(c *Continuation) string {
	if c == nil || c.Instance == nil {
		return ""
	}
	var sb strings.Builder
	tmpl, _ := h.actions.Template(c.Instance)
	title := tmpl.Title
	if title == "" {
		title = c.Instance.TemplateID
	}
	switch c.Instance.Status {
	case action.StatusCompleted:
		fmt.Fprintf(&sb, "The approved action %q completed successfully.", title)
	default:
		fmt.Fprintf(&sb, "The approved action %q finished with status %s.", title, c.Instance.Status)
	}
	if c.Checkpoint != nil {
		fmt.Fprintf(&sb, " Pipeline stage %q is done; artifacts: %s.", c.Checkpoint.Stage, strings.Join(c.Checkpoint.ArtifactPaths, ", "))
	}
	if diff := paramDiff(c.Instance.ProposedParams, c.Instance.FinalParams); diff != "" {
		sb.WriteString(" ")
		sb.WriteString(diff)
	}
	return sb.String()
}

// paramDiff reports whether and how the approver edited the proposed
// parameters. Compacted JSON comparison; an empty string means no edit.
func paramDiff(proposed, final json.RawMessage) string {
	if len(final) == 0 {
		return ""
	}
	var p, f bytes.Buffer
	if err := json.Compact(&p, normalizeJSON(proposed)); err != nil {
		return ""
	}
	if err := json.Compact(&f, normalizeJSON(final)); err != nil {
		return ""
	}
	if p.String() == f.String() {
		return ""
	}
	return fmt.Sprintf("The user edited the parameters before executing: proposed %s, executed %s.", p.String(), f.String())
}

func normalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

// startTurn launches the single in-flight turn for the session.
func (h *Hub) startTurn(ctx context.Context, s *session, turn director.Turn) error {
	h.dirMu.RLock()
	dir := h.director
	h.dirMu.RUnlock()
	if dir == nil {
		return ErrNoDirector
	}

	s.mu.Lock()
	if s.turnActive {
		s.mu.Unlock()
		return ErrTurnActive
	}
	turn.TurnID = uuid.NewString()
	// The turn outlives the triggering request; its lifetime is owned by the
	// session's shared cancellation token.
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.turnActive = true
	s.turnID = turn.TurnID
	s.cancel = cancel
	s.mu.Unlock()

	go h.runTurn(turnCtx, s, dir, turn)
	return nil
}

// runTurn drives one director invocation: partial events through the
// reconstructor, finished tool results through the detector, everything out
// to the observers. It is the session's single ordered consumer.
func (h *Hub) runTurn(ctx context.Context, s *session, dir director.Runtime, turn director.Turn) {
	defer h.finishTurn(s)
	ctx, span := h.tracer.Start(ctx, "session.turn")
	defer span.End()

	started := h.now()
	inv, err := dir.Start(ctx, turn)
	if err != nil {
		h.logger.Error(ctx, "turn start failed", "session_id", s.id, "turn_id", turn.TurnID, "error", err)
		h.broadcast(s, wire.Event{
			Type:      wire.EventError,
			SessionID: s.id,
			TurnID:    turn.TurnID,
			Payload:   wire.ErrorPayload{Message: "the director could not start the turn"},
		})
		return
	}

	rec := stream.New()
	events := inv.Events()
	results := inv.ToolResults()
	aborted := false

	for events != nil || results != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if aborted {
				continue
			}
			change, err := rec.Apply(ev)
			if err != nil {
				// Protocol violation: degraded-stream error to every
				// observer, then abort the turn. Prior broadcasts stay
				// valid history.
				h.logger.Error(ctx, "stream protocol violation", "session_id", s.id, "turn_id", turn.TurnID, "error", err)
				h.metrics.IncCounter("session.protocol_violation", 1)
				h.broadcast(s, wire.Event{
					Type:      wire.EventError,
					SessionID: s.id,
					TurnID:    turn.TurnID,
					Payload:   wire.ErrorPayload{Message: err.Error(), Degraded: true},
				})
				inv.Cancel()
				aborted = true
				continue
			}
			if out, ok := h.wireChange(s.id, turn.TurnID, change); ok {
				h.broadcast(s, out)
			}
		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			if aborted {
				continue
			}
			if cp, ok := h.detector.Detect(ctx, res.ToolName, res.Command, res.Output); ok {
				h.broadcastCheckpoint(s, turn.TurnID, cp)
			}
		}
	}

	if _, err := inv.Wait(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			h.logger.Error(ctx, "turn failed", "session_id", s.id, "turn_id", turn.TurnID, "error", err)
			h.broadcast(s, wire.Event{
				Type:      wire.EventError,
				SessionID: s.id,
				TurnID:    turn.TurnID,
				Payload:   wire.ErrorPayload{Message: "the turn ended with an error"},
			})
		}
	}
	h.metrics.RecordTimer("session.turn", h.now().Sub(started))
}

func (h *Hub) finishTurn(s *session) {
	s.mu.Lock()
	s.turnActive = false
	s.turnID = ""
	s.cancel = nil
	s.lastActive = h.now().UTC()
	s.mu.Unlock()
}

// wireChange maps a reconstructor change to its outbound envelope.
func (h *Hub) wireChange(sessionID, turnID string, change stream.Change) (wire.Event, bool) {
	ev := wire.Event{SessionID: sessionID, TurnID: turnID}
	switch change.Kind {
	case stream.ChangeMessageStarted:
		ev.Type = wire.EventMessageStart
	case stream.ChangeBlockOpened:
		ev.Type = wire.EventBlockOpened
		ev.Payload = wire.BlockOpenedPayload{
			Index:    change.Block.Index,
			Kind:     string(change.Block.Kind),
			ToolName: change.Block.ToolName,
		}
	case stream.ChangeBlockAppended:
		ev.Type = wire.EventBlockAppended
		ev.Payload = wire.BlockAppendedPayload{
			Index:    change.Block.Index,
			Fragment: change.Fragment,
			Text:     change.RunningText,
		}
	case stream.ChangeBlockClosed:
		ev.Type = wire.EventBlockClosed
		ev.Payload = wire.BlockClosedPayload{
			Index:      change.Block.Index,
			Kind:       string(change.Block.Kind),
			ToolName:   change.Block.ToolName,
			Args:       change.Block.Args,
			ParseErr:   change.Block.ParseErr,
			DurationMs: change.Block.Duration.Milliseconds(),
		}
	case stream.ChangeMessageStopped:
		ev.Type = wire.EventMessageStop
	default:
		return wire.Event{}, false
	}
	return ev, true
}

// broadcastCheckpoint broadcasts a stage boundary once per session. The
// detector never deduplicates; the hub suppresses repeats so observers see
// each stage once even when several tool runs echo it.
func (h *Hub) broadcastCheckpoint(s *session, turnID string, rec *checkpoint.Record) {
	s.mu.Lock()
	if _, seen := s.seenStages[rec.Stage]; seen {
		s.mu.Unlock()
		return
	}
	s.seenStages[rec.Stage] = struct{}{}
	s.mu.Unlock()
	h.metrics.IncCounter("session.checkpoint", 1, "stage", rec.Stage)
	h.broadcast(s, wire.Event{
		Type:      wire.EventCheckpoint,
		SessionID: s.id,
		TurnID:    turnID,
		Payload:   wire.CheckpointPayload{Record: rec},
	})
}

func (h *Hub) broadcast(s *session, ev wire.Event) {
	s.mu.Lock()
	s.stamp(&ev, h.now().UTC())
	observers := s.snapshotObservers()
	s.mu.Unlock()
	for _, o := range observers {
		o.enqueue(ev)
	}
	h.metrics.IncCounter("session.broadcast", 1, "type", string(ev.Type))
}

func (h *Hub) session(id string, create bool) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok && create {
		s = newSession(id, h.historyLimit, h.now().UTC())
		h.sessions[id] = s
		if h.onSession != nil {
			go h.onSession(id)
		}
	}
	return s
}

func (h *Hub) closeSession(ctx context.Context, s *session) {
	s.mu.Lock()
	observers := s.snapshotObservers()
	s.observers = make(map[string]*observer)
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, o := range observers {
		o.stop()
		_ = o.conn.Close(ctx)
	}
}

// reap reclaims idle sessions: no active turn and no broadcast activity for
// longer than the idle timeout. Observers receive session_expired before
// their connections close. The await-continuation gate itself has no
// timeout; only whole-session inactivity triggers reclamation.
func (h *Hub) reap() {
	interval := h.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.closed:
			return
		case <-ticker.C:
			h.reapOnce()
		}
	}
}

func (h *Hub) reapOnce() {
	now := h.now().UTC()
	h.mu.Lock()
	var expired []*session
	for id, s := range h.sessions {
		s.mu.Lock()
		idle := !s.turnActive && now.Sub(s.lastActive) > h.idleTimeout
		s.mu.Unlock()
		if idle {
			expired = append(expired, s)
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()

	ctx := context.Background()
	for _, s := range expired {
		h.logger.Info(ctx, "reaping idle session", "session_id", s.id)
		h.metrics.IncCounter("session.expired", 1)
		h.broadcast(s, wire.Event{Type: wire.EventSessionExpired, SessionID: s.id})
		// Give writers a moment to flush the expiry notice.
		time.Sleep(100 * time.Millisecond)
		h.closeSession(ctx, s)
	}
}
