// Package room hosts live game sessions. A Room binds one definition
// to one replicated state graph, drives the statechart interpreter on
// the room's logical clock, and fans state snapshots out to connected
// clients. Everything a room does runs on a single serialized stream
// guarded by its mutex; scheduled callbacks re-enter that stream
// through the clock.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/stateroom-dev/stateroom/internal/v1/actions"
	"github.com/stateroom-dev/stateroom/internal/v1/clock"
	"github.com/stateroom-dev/stateroom/internal/v1/definition"
	"github.com/stateroom-dev/stateroom/internal/v1/logging"
	"github.com/stateroom-dev/stateroom/internal/v1/machine"
	"github.com/stateroom-dev/stateroom/internal/v1/metrics"
	"github.com/stateroom-dev/stateroom/internal/v1/schema"
	"github.com/stateroom-dev/stateroom/internal/v1/types"
)

// Room represents one hosted game session.
type Room struct {
	ID types.RoomIdType

	// mu serializes the room's logical stream. Inbound events, roster
	// changes, and scheduled callbacks all mutate state under it.
	mu sync.Mutex

	def     *definition.Definition
	classes *schema.Table
	state   *schema.Instance
	runtime *actions.Runtime
	interp  *machine.Interpreter
	clk     clock.Clock

	accepted set.Set[string] // union of "on" event names across states

	clients map[types.SessionIdType]types.ClientInterface

	onEmpty func(types.RoomIdType)
	bus     types.BusService

	instanceID string // suppresses echo of our own bus publishes

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	publishChan chan struct{} // Semaphore for bus publishes

	disposed bool
}

// NewRoom loads the definition, builds the root state with defaults,
// and starts the interpreter. The returned room is live: the initial
// state's entry actions have already run.
func NewRoom(ctx context.Context, id types.RoomIdType, loader *definition.Loader, defOpts definition.Options, clk clock.Clock, onEmptyCallback func(types.RoomIdType), busService types.BusService) (*Room, error) {
	def, err := loader.Load(ctx, defOpts)
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", id, err)
	}

	table, err := def.Table()
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", id, err)
	}

	state, err := table.InstantiateWithDefaults()
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", id, err)
	}

	if clk == nil {
		clk = clock.NewWallClock()
	}

	room := &Room{
		ID:          id,
		def:         def,
		classes:     table,
		state:       state,
		clk:         clk,
		accepted:    def.Machine.EventNames(),
		clients:     make(map[types.SessionIdType]types.ClientInterface),
		onEmpty:     onEmptyCallback,
		bus:         busService,
		instanceID:  uuid.NewString(),
		publishChan: make(chan struct{}, 100), // Limit concurrent publishes
	}
	room.ctx, room.cancel = context.WithCancel(ctx)

	room.runtime = actions.NewRuntime(&actions.Env{
		State:    state,
		Classes:  table,
		Data:     def.Data,
		Context:  buildContext(def, defOpts.Config),
		Clock:    clk,
		Emitter:  room,
		Serial:   &room.mu,
		OnSettle: room.replicate,
	})
	room.interp = machine.NewInterpreter(def.Machine, room.runtime)

	if busService != nil {
		room.subscribeToBus()
	}

	room.mu.Lock()
	room.interp.Start(room.ctx)
	room.mu.Unlock()

	logging.Info(ctx, "room created",
		zap.String("roomId", string(id)),
		zap.String("definition", def.ID),
		zap.String("initialState", def.Machine.Initial))
	return room, nil
}

// buildContext merges machine.context and data into the server-only
// context map. Data entries win on key collisions; per-room config is
// surfaced under context.config.
func buildContext(def *definition.Definition, config map[string]any) map[string]any {
	merged := make(map[string]any)
	if def.Machine != nil {
		maps.Copy(merged, def.Machine.Context)
	}
	maps.Copy(merged, def.Data)
	if len(config) > 0 {
		merged["config"] = config
	}
	return merged
}

// GetID returns the room ID.
func (r *Room) GetID() types.RoomIdType {
	return r.ID
}

// CurrentState returns the interpreter's current state name.
func (r *Room) CurrentState() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interp.State()
}

// Snapshot returns a plain copy of the replicated state.
func (r *Room) Snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Plain()
}

// IsRoomEmpty reports whether no clients are connected.
func (r *Room) IsRoomEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients) == 0
}

// HandleClientConnect admits a client: it registers the connection,
// inserts a Player entry under the session id, forwards a join event
// to the interpreter, and replicates. Reconnects with a known session
// id keep the existing player entry.
func (r *Room) HandleClientConnect(ctx context.Context, client types.ClientInterface) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		client.Disconnect()
		return
	}

	if old, exists := r.clients[client.GetID()]; exists && old != client {
		logging.Info(ctx, "duplicate connection detected, replacing old client",
			zap.String("room", string(r.ID)),
			zap.String("sessionId", string(client.GetID())))
		old.Disconnect()
	}
	r.clients[client.GetID()] = client

	if !r.hasPlayerLocked(client.GetID()) {
		r.insertPlayerLocked(ctx, client)
	}

	metrics.RoomPlayers.WithLabelValues(string(r.ID)).Set(float64(len(r.clients)))

	// Machines that care about arrivals declare an "on: join" handler;
	// the rest ignore the event.
	r.dispatchLocked(ctx, types.EventJoin, map[string]any{
		"sessionId": string(client.GetID()),
		"name":      string(client.GetDisplayName()),
	})
	r.mu.Unlock()

	r.replicate()
}

// HandleClientDisconnect forwards a leave event while the player entry
// is still readable, then removes the entry and the connection. The
// hub's cleanup callback runs once the room is empty.
func (r *Room) HandleClientDisconnect(client types.ClientInterface) {
	ctx := context.Background()

	r.mu.Lock()
	current, ok := r.clients[client.GetID()]
	if !ok || current != client {
		// A reconnect already replaced this connection; the roster entry
		// belongs to the newer one.
		r.mu.Unlock()
		return
	}

	r.dispatchLocked(ctx, types.EventLeave, map[string]any{
		"sessionId": string(client.GetID()),
	})

	delete(r.clients, client.GetID())
	r.removePlayerLocked(ctx, client)

	if len(r.clients) > 0 {
		metrics.RoomPlayers.WithLabelValues(string(r.ID)).Set(float64(len(r.clients)))
	} else {
		metrics.RoomPlayers.DeleteLabelValues(string(r.ID))
	}

	empty := len(r.clients) == 0
	r.mu.Unlock()

	r.replicate()

	logging.Info(ctx, "client disconnected",
		zap.String("room", string(r.ID)),
		zap.String("sessionId", string(client.GetID())))

	if empty && r.onEmpty != nil {
		go r.onEmpty(r.ID)
	}
}

// Router forwards one inbound message into the statechart. Malformed
// messages get an error reply; events outside the machine's accepted
// set drop at debug. The sender's session id is attached after the
// payload copy so a forged payload cannot spoof it.
func (r *Room) Router(ctx context.Context, client types.ClientInterface, msg *types.Message) {
	if err := msg.Validate(); err != nil {
		logging.Warn(ctx, "dropping malformed message",
			zap.String("room", string(r.ID)),
			zap.String("sessionId", string(client.GetID())),
			zap.Error(err))
		client.Send(&types.Message{
			Event:   types.EventError,
			Payload: map[string]any{"reason": err.Error()},
		})
		return
	}

	if !r.accepted.Has(msg.Event) {
		logging.GetLogger().Debug("dropping event outside accepted set",
			zap.String("room", string(r.ID)),
			zap.String("event", msg.Event))
		metrics.EventsDispatched.WithLabelValues("unknown", "dropped").Inc()
		return
	}

	payload := make(map[string]any, len(msg.Payload)+1)
	maps.Copy(payload, msg.Payload)
	payload["sessionId"] = string(client.GetID())

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	handled := r.dispatchLocked(ctx, msg.Event, payload)
	r.mu.Unlock()

	// Unhandled events ran no actions, so the snapshot cannot have
	// changed.
	if handled {
		r.replicate()
	}
}

// dispatchLocked runs one event through the interpreter under mu,
// recovering from definition-induced panics so a bad action degrades
// one event instead of killing the room.
func (r *Room) dispatchLocked(ctx context.Context, eventType string, payload map[string]any) bool {
	timer := prometheus.NewTimer(metrics.EventDispatchDuration.WithLabelValues(eventType))
	defer timer.ObserveDuration()

	defer func() {
		if rec := recover(); rec != nil {
			logging.Error(ctx, "event dispatch panicked",
				zap.String("room", string(r.ID)),
				zap.String("event", eventType),
				zap.Any("panic", rec))
			metrics.EventsDispatched.WithLabelValues(eventType, "dropped").Inc()
		}
	}()

	handled := r.interp.Send(ctx, eventType, payload)
	if handled {
		metrics.EventsDispatched.WithLabelValues(eventType, "handled").Inc()
	} else {
		metrics.EventsDispatched.WithLabelValues(eventType, "ignored").Inc()
	}
	return handled
}

// Broadcast delivers a definition-driven event to every local client
// and mirrors it to other instances hosting this room. Action handlers
// call it from inside the serialized stream, so it must not take mu.
func (r *Room) Broadcast(ctx context.Context, event string, data map[string]any) {
	msg := &types.Message{Event: event, Payload: data}
	raw, err := json.Marshal(msg)
	if err != nil {
		logging.Error(ctx, "failed to marshal broadcast",
			zap.String("room", string(r.ID)),
			zap.String("event", event),
			zap.Error(err))
		return
	}

	r.broadcastRawLocked(raw)
	r.publishToBus(event, data)
}

// replicate pushes a full state snapshot to every connected client. It
// runs outside mu (the clock calls it as OnSettle after a batch
// settles) and takes the lock itself.
func (r *Room) replicate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.replicateLocked()
}

func (r *Room) replicateLocked() {
	msg := &types.Message{
		Event:   types.EventState,
		Payload: r.state.Plain(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		logging.Error(r.ctx, "failed to marshal state snapshot",
			zap.String("room", string(r.ID)),
			zap.Error(err))
		return
	}
	r.broadcastRawLocked(raw)
}

// broadcastRawLocked sends raw bytes to all local clients. SendRaw
// never blocks, so fanning out under mu is safe.
func (r *Room) broadcastRawLocked(data []byte) {
	for _, client := range r.clients {
		client.SendRaw(data)
	}
}

// CloseRoom notifies clients, disconnects them, and disposes the room.
func (r *Room) CloseRoom(reason string) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}

	logging.Info(r.ctx, "closing room",
		zap.String("room", string(r.ID)),
		zap.String("reason", reason))

	msg := &types.Message{
		Event:   types.EventError,
		Payload: map[string]any{"reason": reason},
	}
	raw, err := json.Marshal(msg)

	targets := make([]types.ClientInterface, 0, len(r.clients))
	for _, c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		if err == nil {
			c.SendRaw(raw)
		}
		c.Disconnect()
	}

	r.Dispose(context.Background())
}

// Dispose stops the interpreter and cancels all scheduled work. The
// clock stops outside mu: a stopping WallClock waits for an in-flight
// callback, and that callback may be blocked acquiring mu.
func (r *Room) Dispose(ctx context.Context) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	r.interp.Stop()
	r.mu.Unlock()

	r.cancel()
	r.clk.Stop()
	r.wg.Wait()

	metrics.RoomPlayers.DeleteLabelValues(string(r.ID))
	logging.Info(ctx, "room disposed", zap.String("room", string(r.ID)))
}

// Shutdown closes the room, bounded by ctx.
func (r *Room) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.CloseRoom("Server shutting down")
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
