package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"peermesh/internal/core/domain"
	"peermesh/pkg/circuitbreaker"
	"peermesh/pkg/retry"
)

var errUnavailable = errors.New("connection refused")

type mockStore struct {
	mock.Mock
}

func (m *mockStore) SaveMembers(ctx context.Context, room domain.RoomID, members []domain.PeerID) error {
	return m.Called(room, members).Error(0)
}

func (m *mockStore) Members(ctx context.Context, room domain.RoomID) ([]domain.PeerID, error) {
	args := m.Called(room)
	members, _ := args.Get(0).([]domain.PeerID)
	return members, args.Error(1)
}

func (m *mockStore) SaveInitData(ctx context.Context, room domain.RoomID, key string, value json.RawMessage) error {
	return m.Called(room, key, value).Error(0)
}

func (m *mockStore) InitData(ctx context.Context, room domain.RoomID) (map[string]json.RawMessage, error) {
	args := m.Called(room)
	data, _ := args.Get(0).(map[string]json.RawMessage)
	return data, args.Error(1)
}

func quickRetry(attempts int) retry.Config {
	return retry.Fixed(attempts, time.Millisecond)
}

func TestRosterStore_RetriesTransientFailures(t *testing.T) {
	inner := &mockStore{}
	inner.On("SaveMembers", domain.RoomID("room"), []domain.PeerID{"a"}).Return(errUnavailable).Once()
	inner.On("SaveMembers", domain.RoomID("room"), []domain.PeerID{"a"}).Return(nil).Once()

	store := NewRosterStore(inner, quickRetry(2), circuitbreaker.DefaultConfig(), nil)
	require.NoError(t, store.SaveMembers(context.Background(), "room", []domain.PeerID{"a"}))
	inner.AssertNumberOfCalls(t, "SaveMembers", 2)
}

func TestRosterStore_PassesResults(t *testing.T) {
	inner := &mockStore{}
	inner.On("Members", domain.RoomID("room")).Return([]domain.PeerID{"a", "b"}, nil)
	inner.On("InitData", domain.RoomID("room")).Return(map[string]json.RawMessage{"theme": json.RawMessage(`"dark"`)}, nil)
	inner.On("SaveInitData", domain.RoomID("room"), "theme", json.RawMessage(`"dark"`)).Return(nil)

	store := NewRosterStore(inner, quickRetry(0), circuitbreaker.DefaultConfig(), nil)
	ctx := context.Background()

	members, err := store.Members(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"a", "b"}, members)

	data, err := store.InitData(ctx, "room")
	require.NoError(t, err)
	assert.JSONEq(t, `"dark"`, string(data["theme"]))

	require.NoError(t, store.SaveInitData(ctx, "room", "theme", json.RawMessage(`"dark"`)))
}

func TestRosterStore_OpenCircuitFailsFast(t *testing.T) {
	inner := &mockStore{}
	inner.On("Members", domain.RoomID("room")).Return(nil, errUnavailable)

	store := NewRosterStore(inner, quickRetry(5), circuitbreaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	}, nil)

	_, err := store.Members(context.Background(), "room")
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, circuitbreaker.StateOpen, store.Breaker().State())
	inner.AssertNumberOfCalls(t, "Members", 2)

	_, err = store.Members(context.Background(), "room")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	inner.AssertNumberOfCalls(t, "Members", 2)
}
