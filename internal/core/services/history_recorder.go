package services

import (
	"context"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/retry"

	"github.com/gammazero/workerpool"
	"go.uber.org/zap"
)

const historySaveTimeout = 5 * time.Second

// HistoryRecorder turns ENDED session events into call records. Persistence
// runs on a worker pool so observers never block the event loop.
type HistoryRecorder struct {
	repo      ports.CallHistoryRepository
	publisher ports.CallEventPublisher
	pool      *workerpool.WorkerPool
	retry     retry.Config
	logger    *zap.SugaredLogger
}

// NewHistoryRecorder creates a recorder. publisher may be nil.
func NewHistoryRecorder(
	repo ports.CallHistoryRepository,
	publisher ports.CallEventPublisher,
	workers int,
	logger *zap.SugaredLogger,
) *HistoryRecorder {
	if workers <= 0 {
		workers = 1
	}
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 2
	return &HistoryRecorder{
		repo:      repo,
		publisher: publisher,
		pool:      workerpool.New(workers),
		retry:     cfg,
		logger:    logger,
	}
}

func (r *HistoryRecorder) OnSessionEvent(ev domain.SessionEvent) {
	if ev.Snapshot.Status != domain.StatusEnded {
		return
	}
	if ev.Session.ID == "" {
		// Never acknowledged by the server, so there is nothing to key on.
		r.logger.Debugw("skipping history for unplaced call", "outcome", ev.Session.Outcome)
		return
	}

	record := domain.NewCallRecord(&ev.Session)
	r.pool.Submit(func() {
		r.persist(record)
	})
}

func (r *HistoryRecorder) persist(record *domain.CallRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), historySaveTimeout)
	defer cancel()

	err := retry.Retry(ctx, r.retry, func(ctx context.Context) error {
		return r.repo.Save(ctx, record)
	})
	if err != nil {
		r.logger.Errorw("failed to save call record",
			"call_id", record.CallID,
			"error", err,
		)
		return
	}

	r.logger.Infow("call recorded",
		"call_id", record.CallID,
		"peer_id", record.RemotePeer,
		"outcome", record.Outcome,
		"duration_seconds", record.DurationSeconds,
	)

	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishCallEnded(ctx, record); err != nil {
		r.logger.Warnw("failed to publish call ended event",
			"call_id", record.CallID,
			"error", err,
		)
	}
}

// Recent returns the newest records first.
func (r *HistoryRecorder) Recent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	return r.repo.Recent(ctx, limit)
}

// Close waits for queued records to be written.
func (r *HistoryRecorder) Close() {
	r.pool.StopWait()
}
