// Package transport carries sync-channel frames over WebSocket: the Hub is
// the host side serving /sync, the Client is the follower side that dials
// and reconnects.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cinesync/cinesync/internal/protocol"
)

const (
	writeWait = 10 * time.Second

	// sendBufferSize bounds each peer's outbound queue. A peer that cannot
	// drain it is dropped rather than stalling the broadcast.
	sendBufferSize = 64

	// shutdownCloseReason is sent in the close frame when the hub stops.
	shutdownCloseReason = "Server shutting down"
)

// HubConfig tunes the hub.
type HubConfig struct {
	// SilenceTimeout drops a peer that sends no frame for this long.
	SilenceTimeout time.Duration

	// JoinPIN, when non-empty, must be presented as the "pin" query
	// parameter on the upgrade request.
	JoinPIN string
}

// peer is one connected sync client.
type peer struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	clientID string

	closeOnce sync.Once
}

func (p *peer) setClientID(id string) {
	p.mu.Lock()
	p.clientID = id
	p.mu.Unlock()
}

func (p *peer) getClientID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.send)
	})
}

// Hub accepts sync connections and relays frames between the coordinator
// and the connected peers.
type Hub struct {
	cfg      HubConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[string]*peer

	onStatus     func(clientID string, report protocol.StatusReport)
	onCommand    func(env protocol.CommandEnvelope)
	onDisconnect func(clientID string)
}

// NewHub creates a hub.
func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = 30 * time.Second
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are on the same LAN; there is no browser origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers: make(map[string]*peer),
	}
}

// OnStatus registers the status-report listener. Must be called before Mount.
func (h *Hub) OnStatus(fn func(clientID string, report protocol.StatusReport)) {
	h.onStatus = fn
}

// OnCommand registers the command listener. Must be called before Mount.
func (h *Hub) OnCommand(fn func(env protocol.CommandEnvelope)) {
	h.onCommand = fn
}

// OnDisconnect registers the disconnect listener. Must be called before Mount.
func (h *Hub) OnDisconnect(fn func(clientID string)) {
	h.onDisconnect = fn
}

// Mount registers the sync endpoint on the router.
func (h *Hub) Mount(r chi.Router) {
	r.Get("/sync", h.handleSync)
}

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Broadcast encodes v and enqueues it to every connected peer, returning
// how many peers it was enqueued to.
func (h *Hub) Broadcast(v any) int {
	frame, err := protocol.Encode(v)
	if err != nil {
		h.logger.Error("encoding broadcast frame", slog.String("error", err.Error()))
		return 0
	}

	h.mu.RLock()
	targets := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		targets = append(targets, p)
	}
	h.mu.RUnlock()

	sent := 0
	for _, p := range targets {
		select {
		case p.send <- frame:
			sent++
		default:
			// Peer cannot keep up; drop it.
			h.logger.Warn("dropping slow sync peer", slog.String("peer_id", p.id))
			h.removePeer(p)
		}
	}
	return sent
}

// Shutdown closes every peer with a normal-closure frame.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]*peer)
	h.mu.Unlock()

	for _, p := range peers {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, shutdownCloseReason)
		deadline := time.Now().Add(writeWait)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		p.close()
		_ = p.conn.Close()
	}
}

func (h *Hub) handleSync(w http.ResponseWriter, r *http.Request) {
	if h.cfg.JoinPIN != "" && r.URL.Query().Get("pin") != h.cfg.JoinPIN {
		// One answer for wrong PIN and dead session alike.
		http.Error(w, "join denied", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	p := &peer{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()

	h.logger.Info("sync peer connected",
		slog.String("peer_id", p.id),
		slog.String("remote_addr", r.RemoteAddr),
	)

	go h.writePump(p)
	go h.readPump(p)
}

// readPump consumes inbound frames until the peer goes silent past the
// timeout or the connection drops. Malformed frames are logged and skipped.
func (h *Hub) readPump(p *peer) {
	defer h.removePeer(p)

	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(h.cfg.SilenceTimeout))
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("sync peer read error",
					slog.String("peer_id", p.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			h.logger.Warn("dropping malformed sync frame",
				slog.String("peer_id", p.id),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch {
		case msg.Status != nil:
			p.setClientID(msg.Status.ClientID)
			if h.onStatus != nil {
				h.onStatus(msg.Status.ClientID, *msg.Status)
			}
		case msg.Command != nil:
			if h.onCommand != nil {
				h.onCommand(*msg.Command)
			}
		}
	}
}

// writePump drains the peer's send queue onto the connection.
func (h *Hub) writePump(p *peer) {
	defer p.conn.Close()

	for frame := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			h.logger.Warn("sync peer write error",
				slog.String("peer_id", p.id),
				slog.String("error", err.Error()),
			)
			return
		}
	}

	// Send queue closed: the hub is dropping this peer.
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// removePeer drops a peer from the roster and notifies the disconnect
// listener with the client id it last reported.
func (h *Hub) removePeer(p *peer) {
	h.mu.Lock()
	_, present := h.peers[p.id]
	delete(h.peers, p.id)
	h.mu.Unlock()

	if !present {
		return
	}

	p.close()
	_ = p.conn.Close()

	clientID := p.getClientID()
	h.logger.Info("sync peer disconnected",
		slog.String("peer_id", p.id),
		slog.String("client_id", clientID),
	)
	if h.onDisconnect != nil && clientID != "" {
		h.onDisconnect(clientID)
	}
}
