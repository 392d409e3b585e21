// Package reliability guards external backends with retries and a circuit
// breaker.
package reliability

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/pkg/circuitbreaker"
	"peermesh/pkg/retry"
)

var _ ports.RosterStore = (*RosterStore)(nil)

// RosterStore wraps a RosterStore with retry logic and a circuit breaker.
// An open circuit fails calls without retrying them.
type RosterStore struct {
	store   ports.RosterStore
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
}

func NewRosterStore(store ports.RosterStore, retryCfg retry.Config, cbCfg circuitbreaker.Config, logger *zap.SugaredLogger) *RosterStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	breaker := circuitbreaker.New(cbCfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("Roster store circuit changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return &RosterStore{store: store, retry: retryCfg, breaker: breaker}
}

// Breaker exposes the circuit for health reporting.
func (r *RosterStore) Breaker() *circuitbreaker.CircuitBreaker {
	return r.breaker
}

func (r *RosterStore) SaveMembers(ctx context.Context, room domain.RoomID, members []domain.PeerID) error {
	_, err := guarded(ctx, r, func() (struct{}, error) {
		return struct{}{}, r.store.SaveMembers(ctx, room, members)
	})
	return err
}

func (r *RosterStore) Members(ctx context.Context, room domain.RoomID) ([]domain.PeerID, error) {
	return guarded(ctx, r, func() ([]domain.PeerID, error) {
		return r.store.Members(ctx, room)
	})
}

func (r *RosterStore) SaveInitData(ctx context.Context, room domain.RoomID, key string, value json.RawMessage) error {
	_, err := guarded(ctx, r, func() (struct{}, error) {
		return struct{}{}, r.store.SaveInitData(ctx, room, key, value)
	})
	return err
}

func (r *RosterStore) InitData(ctx context.Context, room domain.RoomID) (map[string]json.RawMessage, error) {
	return guarded(ctx, r, func() (map[string]json.RawMessage, error) {
		return r.store.InitData(ctx, room)
	})
}

func guarded[T any](ctx context.Context, r *RosterStore, fn func() (T, error)) (T, error) {
	return retry.RetryWithResult(ctx, r.retry, func() (T, error) {
		result, err := circuitbreaker.Do(r.breaker, fn)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return result, retry.Permanent(err)
		}
		return result, err
	})
}
