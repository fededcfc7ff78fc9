package services

import (
	"context"
	"errors"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/circuitbreaker"
	apperrors "callcore/pkg/errors"
	"callcore/pkg/eventloop"
	"callcore/pkg/tracing"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// RelayEvents are invoked on the executor.
type RelayEvents struct {
	OnJoined       func()
	OnRoster       func(roster []domain.RelayParticipant)
	OnTier         func(tier domain.Tier)
	OnDisconnected func(err error)
	OnError        func(err error)
}

// RelayManager owns the relayed transport of the live session. At most one
// join is live; starting another leaves the previous room first. All
// methods must be called on the executor.
type RelayManager struct {
	provider    ports.RelayProvider
	media       *MediaService
	breaker     *circuitbreaker.CircuitBreaker
	classifier  *QualityService
	exec        eventloop.Executor
	joinTimeout time.Duration
	logger      *zap.SugaredLogger

	events  RelayEvents
	gen     uint64
	callID  domain.CallID
	joining bool
	room    ports.RelayRoom
	stream  ports.MediaStream
	roster  []domain.RelayParticipant
}

func NewRelayManager(
	provider ports.RelayProvider,
	media *MediaService,
	breaker *circuitbreaker.CircuitBreaker,
	classifier *QualityService,
	exec eventloop.Executor,
	joinTimeout time.Duration,
	logger *zap.SugaredLogger,
) *RelayManager {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}
	return &RelayManager{
		provider:    provider,
		media:       media,
		breaker:     breaker,
		classifier:  classifier,
		exec:        exec,
		joinTimeout: joinTimeout,
		logger:      logger,
	}
}

func (m *RelayManager) SetEvents(events RelayEvents) {
	m.events = events
}

// Joined reports whether a room is currently joined.
func (m *RelayManager) Joined() bool {
	return m.room != nil
}

func (m *RelayManager) Joining() bool {
	return m.joining
}

// Roster returns the last synchronized participant list.
func (m *RelayManager) Roster() []domain.RelayParticipant {
	return append([]domain.RelayParticipant(nil), m.roster...)
}

// JoinOffer picks the local token out of a room offer and joins. known are
// the peer ids of the other participants.
func (m *RelayManager) JoinOffer(callID domain.CallID, kind domain.MediaKind, offer domain.RelayRoomOffer, local domain.PeerID, known []domain.PeerID) error {
	creds, ok := offer.TokenFor(local, known)
	if !ok {
		return apperrors.NewRelayError(domain.ErrRelayTokenMissing, "no relay token for this participant")
	}
	m.Join(callID, kind, creds)
	return nil
}

// Join acquires local media and joins the room described by creds. The
// outcome is reported through OnJoined or OnError.
func (m *RelayManager) Join(callID domain.CallID, kind domain.MediaKind, creds domain.RelayCredentials) {
	m.Leave()

	m.gen++
	gen := m.gen
	m.callID = callID
	m.joining = true

	m.logger.Infow("joining relay room", "call_id", callID, "room_url", creds.RoomURL)

	m.exec.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.joinTimeout)
		defer cancel()
		ctx, span := tracing.TraceRelay(ctx, "join", string(callID))
		defer span.End()

		stream, err := m.media.Acquire(ctx, kind)
		var room ports.RelayRoom
		if err == nil {
			room, err = circuitbreaker.Do(ctx, m.breaker, func(ctx context.Context) (ports.RelayRoom, error) {
				return m.provider.Join(ctx, creds, stream)
			})
			if err != nil {
				stream.Stop()
				stream = nil
				err = apperrors.NewRelayError(err, "could not join relay room")
			}
		}
		if err != nil {
			tracing.RecordError(ctx, err)
		}

		m.exec.Post(func() {
			if gen != m.gen {
				m.discard(room, stream)
				return
			}
			m.joining = false
			if err != nil {
				m.logger.Warnw("relay join failed", "call_id", callID, "error", err)
				if m.events.OnError != nil {
					m.events.OnError(err)
				}
				return
			}
			m.attach(gen, room, stream)
		})
	})
}

func (m *RelayManager) attach(gen uint64, room ports.RelayRoom, stream ports.MediaStream) {
	m.room = room
	m.stream = stream

	room.OnRosterChange(func(change domain.RosterChange) {
		m.exec.Post(func() {
			if gen == m.gen {
				m.resync(change)
			}
		})
	})
	room.OnQuality(func(q domain.ProviderQuality) {
		m.exec.Post(func() {
			if gen != m.gen {
				return
			}
			tier, ok := m.classifier.ClassifyProvider(q)
			if !ok {
				m.logger.Debugw("unknown relay quality ignored", "quality", q)
				return
			}
			if m.events.OnTier != nil {
				m.events.OnTier(tier)
			}
		})
	})
	room.OnDisconnected(func(err error) {
		m.exec.Post(func() {
			if gen != m.gen {
				return
			}
			m.logger.Warnw("relay room disconnected", "call_id", m.callID, "error", err)
			m.Leave()
			if m.events.OnDisconnected != nil {
				m.events.OnDisconnected(err)
			}
		})
	})

	m.logger.Infow("joined relay room", "call_id", m.callID)
	m.resync("")
	if m.events.OnJoined != nil {
		m.events.OnJoined()
	}
}

// resync replaces the roster with the room's full participant list.
func (m *RelayManager) resync(change domain.RosterChange) {
	if m.room == nil {
		return
	}
	roster := lo.UniqBy(m.room.Participants(), func(p domain.RelayParticipant) domain.PeerID {
		return p.ID
	})
	m.roster = roster
	m.logger.Debugw("relay roster synchronized",
		"call_id", m.callID,
		"change", change,
		"participants", len(roster),
	)
	if m.events.OnRoster != nil {
		m.events.OnRoster(m.Roster())
	}
}

// Leave leaves the current room, if any, and abandons an in-flight join. It
// is idempotent; a room that reports it was already left is not an error.
func (m *RelayManager) Leave() {
	m.gen++
	m.joining = false
	room, stream := m.room, m.stream
	m.room, m.stream, m.roster = nil, nil, nil
	m.discard(room, stream)
}

func (m *RelayManager) discard(room ports.RelayRoom, stream ports.MediaStream) {
	if stream != nil {
		stream.Stop()
	}
	if room == nil {
		return
	}
	callID := m.callID
	m.exec.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.joinTimeout)
		defer cancel()
		ctx, span := tracing.TraceRelay(ctx, "leave", string(callID))
		defer span.End()

		if err := room.Leave(ctx); err != nil && !errors.Is(err, domain.ErrAlreadyLeft) {
			m.logger.Warnw("relay leave failed", "call_id", callID, "error", err)
		}
	})
}
