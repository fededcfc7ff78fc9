package signal

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/services"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type HubConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageBytes   int64
	TURNURLs          []string
	TURNSecret        string
	CredentialTTL     time.Duration
	RelayURL          string
	AllowedOrigins    []string
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:      25 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 50,
		Burst:             100,
		MaxMessageBytes:   256 * 1024,
		CredentialTTL:     time.Hour,
	}
}

// peerConn is one authenticated client connection.
type peerConn struct {
	id      domain.PeerID
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once
}

func (p *peerConn) close() {
	p.once.Do(func() {
		close(p.done)
		p.ws.Close()
	})
}

// Hub routes signaling envelopes between connected peers and keeps the call
// table. One connection per peer id; a reconnect replaces the old one.
type Hub struct {
	cfg      HubConfig
	auth     services.AuthService
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu    sync.RWMutex
	peers map[domain.PeerID]*peerConn
	calls map[domain.CallID]*hubCall
}

func NewHub(cfg HubConfig, auth services.AuthService, logger *zap.SugaredLogger) *Hub {
	h := &Hub{
		cfg:    cfg,
		auth:   auth,
		logger: logger,
		peers:  make(map[domain.PeerID]*peerConn),
		calls:  make(map[domain.CallID]*hubCall),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.ValidateToken(bearerToken(r), services.ScopeSignaling)
	if err != nil {
		h.logger.Infow("rejecting signaling connection", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	peer := &peerConn{
		id:      claims.PeerID,
		ws:      ws,
		send:    make(chan []byte, 256),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.Burst),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	previous, isReconnect := h.peers[peer.id]
	h.peers[peer.id] = peer
	h.mu.Unlock()
	if isReconnect {
		previous.close()
	}

	h.logger.Infow("peer connected", "peer_id", peer.id, "reconnect", isReconnect)

	go h.writePump(peer)
	h.readPump(peer)
}

func (h *Hub) readPump(peer *peerConn) {
	defer h.disconnect(peer)

	peer.ws.SetReadLimit(h.cfg.MaxMessageBytes)
	peer.ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	peer.ws.SetPongHandler(func(string) error {
		return peer.ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		_, data, err := peer.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Infow("error reading message from peer", "peer_id", peer.id, "error", err)
			}
			return
		}
		peer.ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.reply(peer, &Envelope{Type: TypeError, Error: "malformed message"})
			continue
		}
		if !peer.limiter.Allow() {
			h.replyError(peer, &env, "rate limit exceeded")
			continue
		}

		result, err := h.handle(peer.id, &env)
		if err != nil {
			h.logger.Infow("rejected message",
				"peer_id", peer.id,
				"type", env.Type,
				"call_id", env.CallID,
				"error", err,
			)
			h.replyError(peer, &env, err.Error())
			continue
		}
		var then func()
		if deferred, ok := result.(ackFirst); ok {
			result, then = deferred.result, deferred.then
		}
		if env.ID != "" {
			ack := &Envelope{Type: TypeAck, ID: env.ID, CallID: env.CallID}
			if result != nil {
				ack.Payload, _ = json.Marshal(result)
			}
			h.reply(peer, ack)
		}
		if then != nil {
			then()
		}
	}
}

func (h *Hub) writePump(peer *peerConn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	defer peer.close()

	for {
		select {
		case <-peer.done:
			return
		case data := <-peer.send:
			peer.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := peer.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Infow("error writing to peer", "peer_id", peer.id, "error", err)
				return
			}
		case <-ticker.C:
			peer.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := peer.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Infow("error sending ping", "peer_id", peer.id, "error", err)
				return
			}
		}
	}
}

func (h *Hub) replyError(peer *peerConn, req *Envelope, message string) {
	if req.ID != "" {
		h.reply(peer, &Envelope{Type: TypeAck, ID: req.ID, CallID: req.CallID, Error: message})
		return
	}
	h.reply(peer, &Envelope{Type: TypeError, CallID: req.CallID, Error: message})
}

func (h *Hub) reply(peer *peerConn, env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case peer.send <- data:
	case <-peer.done:
	default:
		h.logger.Warnw("dropping message for slow peer", "peer_id", peer.id, "type", env.Type)
	}
}

// push delivers a server event to a peer. Offline peers are skipped.
func (h *Hub) push(to domain.PeerID, from domain.PeerID, event domain.EventType, payload any) bool {
	h.mu.RLock()
	peer, ok := h.peers[to]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	env, err := newEnvelope(event, "", payload)
	if err != nil {
		return false
	}
	env.From = from
	h.reply(peer, env)
	return true
}

func (h *Hub) disconnect(peer *peerConn) {
	peer.close()

	h.mu.Lock()
	current := h.peers[peer.id] == peer
	if current {
		delete(h.peers, peer.id)
	}
	h.mu.Unlock()

	if current {
		h.dropCallsOf(peer.id)
	}
	h.logger.Infow("peer disconnected", "peer_id", peer.id)
}

func (h *Hub) IsPeerConnected(peerID domain.PeerID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, exists := h.peers[peerID]
	return exists
}

func (h *Hub) ConnectedPeers() []domain.PeerID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(h.peers))
	for id := range h.peers {
		peers = append(peers, id)
	}
	return peers
}

func (h *Hub) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	connections, calls := len(h.peers), len(h.calls)
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connections,
		"calls":       calls,
	})
}
