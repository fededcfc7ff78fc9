package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/backup"

	"go.uber.org/zap"
)

const archiveKind = "call-history"

type ArchiverConfig struct {
	Interval   time.Duration
	MaxRecords int
	Keep       int
}

// HistoryArchiver periodically copies the most recent call records into
// snapshot storage and can load a snapshot back into the repository.
type HistoryArchiver struct {
	archive *backup.Archive
	history ports.CallHistoryRepository
	cfg     ArchiverConfig
	logger  *zap.SugaredLogger
}

func NewHistoryArchiver(storage backup.Storage, history ports.CallHistoryRepository, cfg ArchiverConfig, logger *zap.SugaredLogger) *HistoryArchiver {
	return &HistoryArchiver{
		archive: backup.NewArchive(storage, archiveKind),
		history: history,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run archives once immediately and then on every interval until ctx ends.
func (a *HistoryArchiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := a.ArchiveNow(ctx); err != nil && ctx.Err() == nil {
			a.logger.Errorw("scheduled history archive failed", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// ArchiveNow writes a snapshot and prunes old ones. It returns an empty
// name when there is nothing to archive.
func (a *HistoryArchiver) ArchiveNow(ctx context.Context) (string, error) {
	records, err := a.history.Recent(ctx, a.cfg.MaxRecords)
	if err != nil {
		return "", fmt.Errorf("failed to read call history: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	name, err := a.archive.Write(ctx, records, len(records))
	if err != nil {
		return "", err
	}
	a.logger.Infow("call history archived", "snapshot", name, "records", len(records))

	removed, err := a.archive.Prune(ctx, a.cfg.Keep)
	if err != nil {
		a.logger.Warnw("failed to prune history snapshots", "error", err)
	}
	if len(removed) > 0 {
		a.logger.Debugw("pruned history snapshots", "removed", removed)
	}
	return name, nil
}

// Restore saves every record of the named snapshot into the repository.
// "latest" selects the newest snapshot. Records are keyed by call id, so
// restoring twice is harmless.
func (a *HistoryArchiver) Restore(ctx context.Context, name string) (int, error) {
	if name == "latest" {
		latest, err := a.archive.Latest(ctx)
		if err != nil {
			return 0, err
		}
		name = latest
	}

	var records []*domain.CallRecord
	if _, err := a.archive.Read(ctx, name, &records); err != nil {
		return 0, err
	}

	restored := 0
	var errs []error
	for _, record := range records {
		if record == nil || record.CallID == "" {
			continue
		}
		if err := a.history.Save(ctx, record); err != nil {
			errs = append(errs, fmt.Errorf("call %s: %w", record.CallID, err))
			continue
		}
		restored++
	}

	a.logger.Infow("call history restored", "snapshot", name, "records", restored, "failed", len(errs))
	return restored, errors.Join(errs...)
}
