// Package presence tracks fleet-wide room occupancy in Redis. Every method is
// nil-safe: without Redis the fabric runs single-node and presence degrades to
// the local registry counts.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/chatflow/server/internal/v1/logging"
	"github.com/chatflow/server/internal/v1/metrics"
)

// Service wraps the Redis occupancy sets behind a circuit breaker. Presence
// is advisory: when Redis misbehaves the breaker opens and calls degrade to
// no-ops rather than stalling the connect path.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client, nil in single-node mode.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to Redis and verifies the connection.
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

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "connected to Redis", zap.String("addr", addr))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// roomKey is the occupancy set for one room: chat:room:{id}:members.
func roomKey(roomID string) string {
	return fmt.Sprintf("chat:room:%s:members", roomID)
}

// Join records a session in the room's fleet-wide occupancy set.
func (s *Service) Join(ctx context.Context, roomID, sessionID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, roomKey(roomID), sessionID).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit open, skipping presence join", zap.String("room_id", roomID))
			return nil
		}
		logging.Error(ctx, "presence join failed", zap.String("room_id", roomID), zap.Error(err))
		return fmt.Errorf("failed to record presence: %w", err)
	}
	return nil
}

// Leave removes a session from the room's occupancy set.
func (s *Service) Leave(ctx context.Context, roomID, sessionID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, roomKey(roomID), sessionID).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit open, skipping presence leave", zap.String("room_id", roomID))
			return nil
		}
		logging.Error(ctx, "presence leave failed", zap.String("room_id", roomID), zap.Error(err))
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}

// Occupancy returns the fleet-wide session count for a room. Zero with no
// error when Redis is unavailable.
func (s *Service) Occupancy(ctx context.Context, roomID string) (int64, error) {
	if s == nil || s.client == nil {
		return 0, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SCard(ctx, roomKey(roomID)).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read occupancy: %w", err)
	}
	return res.(int64), nil
}

// Ping checks Redis connectivity for the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close shuts the Redis connection down.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
