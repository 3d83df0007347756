package transport

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stateroom-dev/stateroom/internal/v1/auth"
	"github.com/stateroom-dev/stateroom/internal/v1/clock"
	"github.com/stateroom-dev/stateroom/internal/v1/definition"
	"github.com/stateroom-dev/stateroom/internal/v1/logging"
	"github.com/stateroom-dev/stateroom/internal/v1/metrics"
	"github.com/stateroom-dev/stateroom/internal/v1/ratelimit"
	"github.com/stateroom-dev/stateroom/internal/v1/room"
	"github.com/stateroom-dev/stateroom/internal/v1/types"
)

// roomRegistryKey is the bus set that tracks room ids across all replicas.
const roomRegistryKey = "stateroom:rooms"

// Hub serves as the central coordinator for all hosted rooms in the system.
type Hub struct {
	ctx                 context.Context                  // Base context for room lifecycles, outlives any request
	rooms               map[types.RoomIdType]*room.Room  // Registry of active rooms by room ID
	mu                  sync.Mutex                       // Protects concurrent access to rooms map
	validator           types.TokenValidator             // JWT authentication service
	loader              *definition.Loader               // Resolves definitions for new rooms
	pendingRoomCleanups map[types.RoomIdType]*time.Timer // Timers for delayed room cleanup
	bus                 types.BusService                 // Optional Redis pub/sub for cross-pod messaging
	cleanupGracePeriod  time.Duration                    // Grace period before an empty room is disposed
	devMode             bool                             // Relax identity handling in development mode
	rateLimiter         *ratelimit.RateLimiter
}

// NewHub creates a new Hub and configures it with its dependencies.
func NewHub(ctx context.Context, validator types.TokenValidator, busService types.BusService, loader *definition.Loader, devMode bool, rateLimiter *ratelimit.RateLimiter) *Hub {
	return &Hub{
		ctx:                 ctx,
		rooms:               make(map[types.RoomIdType]*room.Room),
		validator:           validator,
		loader:              loader,
		pendingRoomCleanups: make(map[types.RoomIdType]*time.Timer),
		bus:                 busService,
		cleanupGracePeriod:  5 * time.Second,
		devMode:             devMode,
		rateLimiter:         rateLimiter,
	}
}

// ServeWs authenticates the user, resolves the room, and upgrades to a
// WebSocket connection. Room resolution happens before the upgrade so a
// bad definition id comes back as a plain HTTP error, not a half-open
// socket.
func (h *Hub) ServeWs(c *gin.Context) {
	// 0. Rate Limiting Check (IP based first)
	// We check this before anything else to save resources
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	// 1-3. Validation (pure logic + Gin bridge)
	tokenResult, err := h.extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.authenticateUser(tokenResult.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if h.rateLimiter != nil {
		if err := h.rateLimiter.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections for this user"})
			return
		}
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	if err := validateOrigin(c.Request, allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	// 4. Resolve the room while we can still answer over HTTP.
	roomID := types.RoomIdType(c.Param("roomId"))
	r, err := h.getOrCreateRoom(roomID, definition.Options{
		DefinitionID: c.Query("definition"),
	})
	if err != nil {
		logging.Warn(c.Request.Context(), "Room resolution failed",
			zap.String("roomId", string(roomID)), zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "definition not found"})
		return
	}

	// 5-6. Upgrade to WebSocket (isolated I/O glue)
	conn, err := h.upgradeWebSocket(c, allowedOrigins, tokenResult)
	if err != nil {
		return
	}

	// 7-10. Setup and start (orchestration logic)
	h.HandleConnection(c, conn, claims, r)
}

// HandleConnection takes an established WebSocket connection and sets up the client.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, claims *auth.CustomClaims, r *room.Room) {
	username := c.Query("username")

	client := h.setupClientConnection(&clientSetupParams{
		Room:      r,
		SessionID: types.SessionIdType(claims.Subject),
		Username:  username,
		Claims:    claims,
		DevMode:   h.devMode,
		Conn:      conn,
	})

	// Track metrics
	metrics.ActiveWebSocketConnections.Inc()

	// Handle connection
	r.HandleClientConnect(c.Request.Context(), client)

	// Start message pumps
	go client.writePump()
	go client.readPump()
}

// removeRoom is the onEmpty callback handed to each room. The room is
// only disposed after a grace period so a page refresh does not destroy
// its state.
func (h *Hub) removeRoom(roomID types.RoomIdType) {
	h.mu.Lock()

	// Cancel any existing cleanup timer for this room
	if existingTimer, exists := h.pendingRoomCleanups[roomID]; exists {
		existingTimer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	// Schedule room cleanup after grace period
	timer := time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()

		// Double-check room still exists and is empty before deleting
		r, ok := h.rooms[roomID]
		if !ok || !r.IsRoomEmpty() {
			// Room is no longer empty, cancel cleanup
			delete(h.pendingRoomCleanups, roomID)
			h.mu.Unlock()
			if ok {
				logging.Info(context.Background(), "Cancelled room cleanup - room is active", zap.String("roomId", string(roomID)))
			}
			return
		}

		delete(h.rooms, roomID)
		delete(h.pendingRoomCleanups, roomID)
		h.mu.Unlock()

		// Dispose blocks until the room's scheduler and bus listener
		// exit, so it runs outside the hub lock.
		r.Dispose(context.Background())

		if h.bus != nil {
			if err := h.bus.SetRem(context.Background(), roomRegistryKey, string(roomID)); err != nil {
				logging.Warn(context.Background(), "Failed to deregister room from bus", zap.String("roomId", string(roomID)), zap.Error(err))
			}
		}

		metrics.ActiveRooms.Dec()
		logging.Info(context.Background(), "Removed room from hub after grace period", zap.String("roomId", string(roomID)))
	})

	// Store the timer so we can cancel it if clients reconnect
	h.pendingRoomCleanups[roomID] = timer
	h.mu.Unlock()
}

// getOrCreateRoom retrieves the Room associated with the given RoomId,
// creating it from the definition selected by opts when absent. An
// existing room keeps the definition it was created with.
func (h *Hub) getOrCreateRoom(roomID types.RoomIdType, opts definition.Options) (*room.Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		// Room exists, cancel any pending cleanup
		if timer, hasPendingCleanup := h.pendingRoomCleanups[roomID]; hasPendingCleanup {
			timer.Stop()
			delete(h.pendingRoomCleanups, roomID)
			logging.Info(context.Background(), "Cancelled pending room cleanup due to reconnection", zap.String("roomId", string(roomID)))
		}
		return r, nil
	}

	logging.Info(context.Background(), "Creating new room", zap.String("roomId", string(roomID)), zap.String("definitionId", opts.DefinitionID))
	r, err := room.NewRoom(h.ctx, roomID, h.loader, opts, clock.NewWallClock(), h.removeRoom, h.bus)
	if err != nil {
		return nil, err
	}
	h.rooms[roomID] = r

	if h.bus != nil {
		if err := h.bus.SetAdd(context.Background(), roomRegistryKey, string(roomID)); err != nil {
			logging.Warn(context.Background(), "Failed to register room on bus", zap.String("roomId", string(roomID)), zap.Error(err))
		}
	}

	// Metrics: Track room creation
	metrics.ActiveRooms.Inc()
	return r, nil
}

// ClusterRooms lists room ids known across every replica via the bus
// registry, falling back to locally hosted rooms when the bus is absent.
func (h *Hub) ClusterRooms(ctx context.Context) []string {
	if h.bus != nil {
		if ids, err := h.bus.SetMembers(ctx, roomRegistryKey); err == nil {
			sort.Strings(ids)
			return ids
		}
		logging.Warn(ctx, "Falling back to local room registry")
	}

	h.mu.Lock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, string(id))
	}
	h.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Shutdown gracefully closes all active rooms and connections
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down Hub - closing all active rooms...")

	h.mu.Lock()
	// Cancel all pending cleanup timers
	for roomID, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
		logging.GetLogger().Debug("Cancelled pending cleanup timer", zap.String("roomId", string(roomID)))
	}

	// Get snapshot of all rooms
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	// Close all rooms (sends close frames to WebSocket connections)
	var firstErr error
	for _, r := range rooms {
		if err := r.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if h.bus != nil {
			_ = h.bus.SetRem(context.Background(), roomRegistryKey, string(r.GetID()))
		}
	}

	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
	return firstErr
}
