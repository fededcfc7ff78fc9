package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/validation"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpcws "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"
)

var errConnectionClosed = errors.New("relay connection closed")

// Provider joins relay rooms: room control runs as JSON-RPC over a
// websocket, media over a transport from the factory.
type Provider struct {
	transports ports.TransportFactory
	dialer     *websocket.Dialer
	logger     *zap.SugaredLogger
}

var _ ports.RelayProvider = (*Provider)(nil)

func NewProvider(transports ports.TransportFactory, logger *zap.SugaredLogger) *Provider {
	return &Provider{
		transports: transports,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     logger,
	}
}

func (p *Provider) Join(ctx context.Context, creds domain.RelayCredentials, local ports.MediaStream) (ports.RelayRoom, error) {
	if err := validation.ValidateURL(creds.RoomURL); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRelayUnavailable, err)
	}
	transport, err := p.transports.NewTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay transport: %w", err)
	}
	room := &Room{transport: transport, logger: p.logger}
	transport.OnICECandidate(room.localCandidate)

	fail := func(err error) (ports.RelayRoom, error) {
		room.close()
		return nil, err
	}

	if local != nil {
		for _, track := range local.Tracks() {
			if _, err := transport.AddTrack(track); err != nil {
				return fail(fmt.Errorf("failed to add %s track: %w", track.Kind(), err))
			}
		}
	}
	offer, err := transport.CreateOffer(ctx, false)
	if err != nil {
		return fail(fmt.Errorf("failed to create relay offer: %w", err))
	}

	header := http.Header{"Authorization": []string{"Bearer " + creds.Token}}
	ws, _, err := p.dialer.DialContext(ctx, creds.RoomURL, header)
	if err != nil {
		return fail(fmt.Errorf("failed to reach relay room: %w", err))
	}
	room.conn = jsonrpc2.NewConn(context.Background(), jsonrpcws.NewObjectStream(ws),
		jsonrpc2.HandlerWithError(room.handle))

	var result JoinResult
	if err := room.conn.Call(ctx, MethodJoin, JoinParams{Token: creds.Token, Offer: offer}, &result); err != nil {
		return fail(fmt.Errorf("relay join rejected: %w", err))
	}
	if err := transport.SetRemoteDescription(ctx, domain.SDPAnswer, result.Answer); err != nil {
		return fail(fmt.Errorf("failed to apply relay answer: %w", err))
	}

	room.joined(result.Participants)
	go room.watch()

	p.logger.Infow("relay room joined", "room_url", creds.RoomURL, "participants", len(result.Participants))
	return room, nil
}

// Room is one joined relay room.
type Room struct {
	transport ports.PeerTransport
	conn      *jsonrpc2.Conn
	logger    *zap.SugaredLogger

	mu             sync.Mutex
	roster         []domain.RelayParticipant
	pending        []domain.ICECandidate
	ready          bool
	left           bool
	onRoster       func(domain.RosterChange)
	onQuality      func(domain.ProviderQuality)
	onDisconnected func(error)
}

var _ ports.RelayRoom = (*Room)(nil)

func (r *Room) Participants() []domain.RelayParticipant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RelayParticipant(nil), r.roster...)
}

func (r *Room) OnRosterChange(fn func(change domain.RosterChange)) {
	r.mu.Lock()
	r.onRoster = fn
	r.mu.Unlock()
}

func (r *Room) OnQuality(fn func(quality domain.ProviderQuality)) {
	r.mu.Lock()
	r.onQuality = fn
	r.mu.Unlock()
}

func (r *Room) OnDisconnected(fn func(err error)) {
	r.mu.Lock()
	r.onDisconnected = fn
	r.mu.Unlock()
}

func (r *Room) Leave(ctx context.Context) error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return domain.ErrAlreadyLeft
	}
	r.left = true
	r.mu.Unlock()

	if r.conn != nil {
		if err := r.conn.Notify(ctx, MethodLeave, nil); err != nil {
			r.logger.Debugw("relay leave notification failed", "error", err)
		}
	}
	r.close()
	return nil
}

func (r *Room) close() {
	if r.conn != nil {
		r.conn.Close()
	}
	r.transport.Close()
}

func (r *Room) joined(roster []domain.RelayParticipant) {
	r.mu.Lock()
	r.roster = roster
	r.ready = true
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, c := range pending {
		r.trickle(c)
	}
}

// localCandidate trickles a candidate, buffering until the join completes.
func (r *Room) localCandidate(c domain.ICECandidate) {
	r.mu.Lock()
	if !r.ready {
		r.pending = append(r.pending, c)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.trickle(c)
}

func (r *Room) trickle(c domain.ICECandidate) {
	if err := r.conn.Notify(context.Background(), MethodTrickle, TrickleParams{Candidate: c}); err != nil {
		r.logger.Debugw("relay trickle failed", "error", err)
	}
}

func (r *Room) watch() {
	<-r.conn.DisconnectNotify()

	r.mu.Lock()
	left := r.left
	fn := r.onDisconnected
	r.mu.Unlock()
	if left {
		return
	}
	r.logger.Warnw("relay room connection lost")
	if fn != nil {
		fn(errConnectionClosed)
	}
}

func decodeParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "params required"}
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func (r *Room) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case MethodOffer:
		var params DescriptionParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		if err := r.transport.SetRemoteDescription(ctx, domain.SDPOffer, params.SDP); err != nil {
			return nil, err
		}
		answer, err := r.transport.CreateAnswer(ctx)
		if err != nil {
			return nil, err
		}
		return nil, conn.Notify(ctx, MethodAnswer, DescriptionParams{SDP: answer})

	case MethodTrickle:
		var params TrickleParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		if err := r.transport.AddICECandidate(params.Candidate); err != nil {
			r.logger.Debugw("relay candidate rejected", "error", err)
		}
		return nil, nil

	case MethodParticipants:
		var params ParticipantsParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.roster = params.Participants
		fn := r.onRoster
		r.mu.Unlock()
		if fn != nil {
			fn(params.Change)
		}
		return nil, nil

	case MethodConnectionQuality:
		var params QualityParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		r.mu.Lock()
		fn := r.onQuality
		r.mu.Unlock()
		if fn != nil {
			fn(params.Quality)
		}
		return nil, nil

	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "unknown method " + req.Method}
	}
}
