package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/stateroom-dev/stateroom/internal/v1/metrics"
)

// PubSubPayload is the standardized container for moving room events between Pods.
type PubSubPayload struct {
	RoomID   string          `json:"roomId"`
	Event    string          `json:"event"`    // The event type (e.g., "quizStarted", "playerFinished")
	Payload  json.RawMessage `json:"payload"`  // The broadcast payload as the sending instance rendered it
	SenderID string          `json:"senderId"` // CRITICAL: Used to prevent echo (infinite loops)
}

// Service handles all interaction with the Redis cluster. A nil Service
// is valid and turns every method into a no-op, which is how
// single-instance deployments run without Redis.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// roomChannel is the pub/sub channel carrying one room's event mirror.
func roomChannel(roomID string) string {
	return "stateroom:room:" + roomID
}

// NewService dials Redis, verifies connectivity, and wraps the connection
// in a circuit breaker so a Redis outage degrades cross-pod fan-out
// instead of taking rooms down with it.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(breakerSettings()),
	}, nil
}

func breakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(breakerStateValue(to))
		},
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// run executes fn through the circuit breaker. An open breaker drops the
// call and reports success: the mirror and the registries are
// best-effort, and a room must keep serving its local players with Redis
// down. Real failures while the breaker is still closed surface as
// errors so callers (and the breaker) see them.
func (s *Service) run(op, key string, fn func() error) error {
	_, err := s.cb.Execute(func() (interface{}, error) { return nil, fn() })
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState):
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		slog.Warn("Redis circuit breaker open, dropping call", "op", op, "key", key)
		return nil
	default:
		slog.Error("Redis call failed", "op", op, "key", key, "error", err)
		return err
	}
}

// Publish mirrors a room broadcast to all other Pods hosting this room.
// The sending instance has already delivered the event locally; receivers
// only fan it out, so a lost publish degrades cross-pod delivery without
// corrupting anyone's state.
func (s *Service) Publish(ctx context.Context, roomID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	return s.run("Publish", roomID, func() error {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal inner payload: %w", err)
		}

		msg := PubSubPayload{
			RoomID:   roomID,
			Event:    event,
			Payload:  innerBytes,
			SenderID: senderID, // The instance that ran the action, for echo suppression
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		return s.client.Publish(ctx, roomChannel(roomID), data).Err()
	})
}

// Subscribe starts a background goroutine delivering this room's mirrored
// events to handler. The loop runs until ctx is cancelled or the
// connection dies; reconnect policy belongs to the redis client or the
// caller, not here. Subscriptions are long-lived, so they bypass the
// request/response circuit breaker.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}

	channel := roomChannel(roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channel", "channel", channel)

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return // Room closed
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}

				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("Failed to unmarshal Redis message", "error", err, "raw", msg.Payload)
					continue
				}
				handler(payload)
			}
		}
	}()
}

// Ping checks Redis connectivity for the health endpoints. Unlike the
// data-path methods it reports an open breaker as an error, so readiness
// probes see the outage instead of a silent no-op.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.client.Close()
}

// SetAdd adds a member to a Redis Set. Used for the cluster-wide room
// and roster registries.
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	if err := s.run("SetAdd", key, func() error {
		return s.client.SAdd(ctx, key, member).Err()
	}); err != nil {
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem removes a member from a Redis Set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	if err := s.run("SetRem", key, func() error {
		return s.client.SRem(ctx, key, member).Err()
	}); err != nil {
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers retrieves all members of a Redis Set. An open breaker reads
// as an empty set, so a registry consumer falls back to what it knows
// locally.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil // Single-instance mode, no Redis available
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis circuit breaker open, returning no members", "key", key)
			return nil, nil
		}
		slog.Error("Redis SetMembers failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}
