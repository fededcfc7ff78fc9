package services

import (
	"context"
	"testing"
	"time"

	"callcore/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHistoryRepository struct {
	mock.Mock
}

func (m *mockHistoryRepository) Save(ctx context.Context, record *domain.CallRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *mockHistoryRepository) GetByID(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallRecord), args.Error(1)
}

func (m *mockHistoryRepository) Recent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]*domain.CallRecord), args.Error(1)
}

type mockCallPublisher struct {
	mock.Mock
}

func (m *mockCallPublisher) PublishCallEnded(ctx context.Context, record *domain.CallRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func endedEvent(id domain.CallID, outcome domain.Outcome) domain.SessionEvent {
	s := domain.NewCallSession(domain.RoleCaller, domain.MediaVideo, "alice", "bob", testEpoch)
	s.ID = id
	s.Status = domain.StatusEnded
	s.Outcome = outcome
	s.ConnectedAt = testEpoch.Add(2 * time.Second)
	s.EndedAt = testEpoch.Add(12 * time.Second)
	s.DurationSeconds = 10
	return domain.SessionEvent{
		Previous: domain.StatusActive,
		Snapshot: domain.SessionSnapshot{CallID: id, Status: domain.StatusEnded, Outcome: outcome},
		Session:  *s,
	}
}

func TestHistoryRecorder_SavesAndPublishesEndedCalls(t *testing.T) {
	repo := &mockHistoryRepository{}
	publisher := &mockCallPublisher{}
	matches := mock.MatchedBy(func(r *domain.CallRecord) bool {
		return r.CallID == "call-1" && r.Outcome == domain.OutcomeCompleted && r.DurationSeconds == 10
	})
	repo.On("Save", mock.Anything, matches).Return(nil).Once()
	publisher.On("PublishCallEnded", mock.Anything, matches).Return(nil).Once()

	rec := NewHistoryRecorder(repo, publisher, 2, testLogger())
	rec.OnSessionEvent(endedEvent("call-1", domain.OutcomeCompleted))
	rec.Close()

	repo.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestHistoryRecorder_IgnoresNonTerminalAndUnplacedCalls(t *testing.T) {
	repo := &mockHistoryRepository{}
	rec := NewHistoryRecorder(repo, nil, 1, testLogger())

	active := endedEvent("call-1", "")
	active.Snapshot.Status = domain.StatusActive
	rec.OnSessionEvent(active)
	rec.OnSessionEvent(endedEvent("", domain.OutcomeFailed))
	rec.Close()

	repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestHistoryRecorder_RetriesSaveAndSkipsPublishOnFailure(t *testing.T) {
	repo := &mockHistoryRepository{}
	publisher := &mockCallPublisher{}
	repo.On("Save", mock.Anything, mock.Anything).Return(errBoom)

	rec := NewHistoryRecorder(repo, publisher, 1, testLogger())
	rec.OnSessionEvent(endedEvent("call-1", domain.OutcomeFailed))
	rec.Close()

	repo.AssertNumberOfCalls(t, "Save", 3)
	publisher.AssertNotCalled(t, "PublishCallEnded", mock.Anything, mock.Anything)
}

func TestHistoryRecorder_PublishFailureIsNotFatal(t *testing.T) {
	repo := &mockHistoryRepository{}
	publisher := &mockCallPublisher{}
	repo.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	publisher.On("PublishCallEnded", mock.Anything, mock.Anything).Return(errBoom).Once()

	rec := NewHistoryRecorder(repo, publisher, 1, testLogger())
	rec.OnSessionEvent(endedEvent("call-1", domain.OutcomeRejected))
	rec.Close()

	repo.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestHistoryRecorder_RecentDelegatesToRepository(t *testing.T) {
	repo := &mockHistoryRepository{}
	want := []*domain.CallRecord{{CallID: "call-2"}, {CallID: "call-1"}}
	repo.On("Recent", mock.Anything, 2).Return(want, nil)

	rec := NewHistoryRecorder(repo, nil, 1, testLogger())
	defer rec.Close()

	got, err := rec.Recent(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
