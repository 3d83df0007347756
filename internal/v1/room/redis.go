package room

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/stateroom-dev/stateroom/internal/v1/bus"
	"github.com/stateroom-dev/stateroom/internal/v1/logging"
	"github.com/stateroom-dev/stateroom/internal/v1/types"
)

func (r *Room) subscribeToBus() {
	if r.bus == nil {
		logging.GetLogger().Debug("Bus disabled (single-instance mode)")
		return
	}

	ctx := r.ctx
	r.bus.Subscribe(ctx, string(r.ID), &r.wg, func(payload bus.PubSubPayload) {
		r.handleBusMessage(payload)
	})
	logging.Info(ctx, "Subscribed to bus", zap.String("roomId", string(r.ID)))
}

// handleBusMessage fans a broadcast mirrored from another instance out
// to local clients. State authority stays with the instance that ran
// the action; mirrored events are delivered verbatim and never
// re-published.
func (r *Room) handleBusMessage(p bus.PubSubPayload) {
	if p.SenderID == r.instanceID {
		return // our own publish echoed back
	}

	var payload map[string]any
	if len(p.Payload) > 0 {
		if err := json.Unmarshal(p.Payload, &payload); err != nil {
			logging.Error(r.ctx, "bus payload unmarshal failed", zap.Error(err))
			return
		}
	}

	raw, err := json.Marshal(&types.Message{Event: p.Event, Payload: payload})
	if err != nil {
		logging.Error(r.ctx, "bus broadcast marshal failed", zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.broadcastRawLocked(raw)
}

// publishToBus mirrors one broadcast to other instances. Publishes run
// on a bounded goroutine pool so a slow bus never stalls the room's
// serialized stream.
func (r *Room) publishToBus(event string, payload map[string]any) {
	if r.bus == nil {
		return
	}

	select {
	case r.publishChan <- struct{}{}:
		r.wg.Add(1)
		go func() {
			defer func() {
				<-r.publishChan
				r.wg.Done()
			}()
			if err := r.bus.Publish(context.Background(), string(r.ID), event, payload, r.instanceID); err != nil {
				logging.Error(r.ctx, "bus publish failed",
					zap.String("roomId", string(r.ID)),
					zap.String("event", event),
					zap.Error(err))
			}
		}()
	default:
		logging.Warn(r.ctx, "Dropping bus publish - queue full", zap.String("roomId", string(r.ID)))
	}
}
