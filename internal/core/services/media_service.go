package services

import (
	"context"
	"errors"
	"sync"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	apperrors "callcore/pkg/errors"

	"go.uber.org/zap"
)

// MediaService acquires local capture streams and applies the user's mute
// choices to every stream it has handed out.
type MediaService struct {
	acquirer ports.MediaAcquirer
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	enabled map[domain.MediaKind]bool
	live    map[*managedStream]struct{}
}

func NewMediaService(acquirer ports.MediaAcquirer, logger *zap.SugaredLogger) *MediaService {
	return &MediaService{
		acquirer: acquirer,
		logger:   logger,
		enabled:  map[domain.MediaKind]bool{domain.MediaAudio: true, domain.MediaVideo: true},
		live:     make(map[*managedStream]struct{}),
	}
}

// Acquire opens a stream for kind. An overconstrained failure is retried once
// without resolution and framerate constraints. Errors are media AppErrors.
func (s *MediaService) Acquire(ctx context.Context, kind domain.MediaKind) (ports.MediaStream, error) {
	constraints := domain.ConstraintsFor(kind)

	stream, err := s.acquirer.Acquire(ctx, constraints)
	if err != nil && errors.Is(err, domain.ErrOverconstrained) && constraints.Constrained() {
		s.logger.Infow("media constraints unsatisfiable, retrying unconstrained", "kind", kind)
		stream, err = s.acquirer.Acquire(ctx, constraints.Unconstrained())
	}
	if err != nil {
		appErr := apperrors.NewMediaError(err)
		s.logger.Warnw("media acquisition failed",
			"kind", kind,
			"reason", apperrors.MediaReason(err),
			"error", err,
		)
		return nil, appErr
	}

	managed := &managedStream{MediaStream: stream, owner: s}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, track := range stream.Tracks() {
		track.SetEnabled(s.enabled[track.Kind()])
	}
	s.live[managed] = struct{}{}
	return managed, nil
}

// SetEnabled mutes or unmutes every live track of kind. The choice also
// applies to streams acquired later.
func (s *MediaService) SetEnabled(kind domain.MediaKind, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enabled[kind] = enabled
	for stream := range s.live {
		for _, track := range stream.Tracks() {
			if track.Kind() == kind {
				track.SetEnabled(enabled)
			}
		}
	}
}

func (s *MediaService) Enabled(kind domain.MediaKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[kind]
}

// LiveStreams returns the number of streams not yet stopped.
func (s *MediaService) LiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Reset restores the default unmuted state for the next session.
func (s *MediaService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[domain.MediaAudio] = true
	s.enabled[domain.MediaVideo] = true
}

func (s *MediaService) release(stream *managedStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, stream)
}

type managedStream struct {
	ports.MediaStream
	owner *MediaService
	once  sync.Once
}

func (m *managedStream) Stop() {
	m.once.Do(func() {
		m.MediaStream.Stop()
		m.owner.release(m)
	})
}
