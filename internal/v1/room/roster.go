package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stateroom-dev/stateroom/internal/v1/paths"
	"github.com/stateroom-dev/stateroom/internal/v1/schema"
	"github.com/stateroom-dev/stateroom/internal/v1/types"
)

// playerClassName is the class the roster prefers for player entries.
// Definitions without it get the built-in minimal player record.
const playerClassName = "Player"

// --- Player Roster ---

func (r *Room) hasPlayerLocked(id types.SessionIdType) bool {
	_, ok := paths.Get(r.state, "players."+string(id))
	return ok
}

// insertPlayerLocked creates the player entry under state.players. The
// entry is a Player instance when the definition declares that class,
// else a plain {name, score} record; keyed collections coerce either
// into their element class on insert.
func (r *Room) insertPlayerLocked(ctx context.Context, client types.ClientInterface) {
	sessionID := string(client.GetID())
	slog.Info("Adding Player", "room", r.ID, "sessionId", sessionID)

	player := r.newPlayer(string(client.GetDisplayName()))
	if err := paths.Set(r.state, "players."+sessionID, player); err != nil {
		slog.Error("Failed to insert player", "room", r.ID, "sessionId", sessionID, "error", err)
		return
	}

	if r.bus != nil {
		info := types.PlayerInfo{SessionId: client.GetID(), DisplayName: client.GetDisplayName()}
		data, _ := json.Marshal(info)
		key := fmt.Sprintf("room:%s:players", r.ID)
		if err := r.bus.SetAdd(ctx, key, string(data)); err != nil {
			slog.Error("Redis error: failed to add player", "room", r.ID, "key", key, "error", err)
		}
	}
}

// removePlayerLocked drops the player entry. The leave event has
// already been dispatched by this point, so definition actions saw the
// entry before it went away.
func (r *Room) removePlayerLocked(ctx context.Context, client types.ClientInterface) {
	sessionID := string(client.GetID())
	slog.Info("Removing Player", "room", r.ID, "sessionId", sessionID)

	players, ok := paths.Get(r.state, "players")
	if ok {
		switch c := players.(type) {
		case *schema.Collection:
			c.Delete(sessionID)
		case map[string]any:
			delete(c, sessionID)
		}
	}

	if r.bus != nil {
		info := types.PlayerInfo{SessionId: client.GetID(), DisplayName: client.GetDisplayName()}
		data, _ := json.Marshal(info)
		key := fmt.Sprintf("room:%s:players", r.ID)
		if err := r.bus.SetRem(ctx, key, string(data)); err != nil {
			slog.Error("Redis error: failed to remove player", "room", r.ID, "key", key, "error", err)
		}
	}
}

func (r *Room) newPlayer(name string) any {
	if _, ok := r.classes.Class(playerClassName); ok {
		inst, err := r.classes.NewWithDefaults(playerClassName)
		if err == nil {
			if err := inst.AssignField("name", name); err != nil {
				slog.Debug("Player class has no assignable name field", "room", r.ID, "error", err)
			}
			return inst
		}
		slog.Warn("Failed to instantiate Player class, using built-in record", "room", r.ID, "error", err)
	}
	return map[string]any{"name": name, "score": float64(0)}
}

// ClusterPlayers returns the roster mirrored in Redis across all
// instances hosting this room. Single-instance deployments see the
// local roster only.
func (r *Room) ClusterPlayers(ctx context.Context) []types.PlayerInfo {
	if r.bus != nil {
		key := fmt.Sprintf("room:%s:players", r.ID)
		members, err := r.bus.SetMembers(ctx, key)
		if err != nil {
			slog.Error("Redis error: failed to list players", "room", r.ID, "key", key, "error", err)
		}
		if len(members) > 0 {
			infos := make([]types.PlayerInfo, 0, len(members))
			for _, m := range members {
				var info types.PlayerInfo
				if err := json.Unmarshal([]byte(m), &info); err != nil {
					slog.Warn("Skipping malformed roster entry", "room", r.ID, "error", err)
					continue
				}
				infos = append(infos, info)
			}
			return infos
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]types.PlayerInfo, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, types.PlayerInfo{SessionId: c.GetID(), DisplayName: c.GetDisplayName()})
	}
	return infos
}
