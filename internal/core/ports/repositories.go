package ports

import (
	"context"

	"callcore/internal/core/domain"
)

type CallHistoryRepository interface {
	Save(ctx context.Context, record *domain.CallRecord) error
	GetByID(ctx context.Context, id domain.CallID) (*domain.CallRecord, error)
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*domain.CallRecord, error)
}

// CallEventPublisher announces ended calls to other processes.
type CallEventPublisher interface {
	PublishCallEnded(ctx context.Context, record *domain.CallRecord) error
}
