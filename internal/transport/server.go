package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"signalgw/internal/config"
	"signalgw/internal/domain"
	"signalgw/internal/events"
	"signalgw/internal/gwerrors"
	"signalgw/internal/logging"
	"signalgw/internal/metrics"
	"signalgw/internal/models"
	"signalgw/internal/protocol"
	"signalgw/internal/ratelimit"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrPeerGone is returned by Deliver for peers that are not connected.
var ErrPeerGone = errors.New("peer not connected")

// Dispatcher routes one inbound message and returns the reply, if any.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *models.Message) *models.Message
}

// Server accepts peer connections over websocket. Each connection is one
// peer; inbound frames are decoded, dispatched and answered on the same
// connection.
type Server struct {
	cfg        config.GatewayConfig
	codec      domain.Codec
	dispatcher Dispatcher
	sessions   domain.SessionStore
	events     domain.EventPublisher
	logger     zerolog.Logger

	upgrader websocket.Upgrader
	limiter  *ratelimit.Keyed
	peers    sync.Map
	count    atomic.Int64
	srv      *http.Server

	// lifeMu orders peer admission against Close, so no wg.Add happens
	// once Close has started waiting.
	lifeMu   sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

type peer struct {
	id   string
	conn *websocket.Conn

	writeMu   sync.Mutex
	mu        sync.Mutex
	tokens    []string
	closeOnce sync.Once
}

func NewServer(
	cfg config.GatewayConfig,
	codec domain.Codec,
	dispatcher Dispatcher,
	sessions domain.SessionStore,
	publisher domain.EventPublisher,
	logger *zerolog.Logger,
) *Server {
	s := &Server{
		cfg:        cfg,
		codec:      codec,
		dispatcher: dispatcher,
		sessions:   sessions,
		events:     publisher,
		logger:     logging.Component(logger, "transport"),
		limiter:    ratelimit.New(cfg.RateLimit),
		shutdown:   make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handler returns the HTTP handler serving the gateway path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)
	return mux
}

// ListenAndServe serves until ctx ends, then closes every peer.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Str("path", s.cfg.Path).Msg("gateway listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close disconnects every peer and waits for their loops to exit.
func (s *Server) Close() {
	s.lifeMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.shutdown)
	}
	s.lifeMu.Unlock()

	s.peers.Range(func(_, v any) bool {
		_ = v.(*peer).conn.Close()
		return true
	})
	s.wg.Wait()
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int { return int(s.count.Load()) }

// Peers lists the connected peer ids.
func (s *Server) Peers() []string {
	var ids []string
	s.peers.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}

	p := &peer{id: uuid.NewString(), conn: conn}
	if !s.admit(p) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	s.logger.Info().Str("peer_id", p.id).Str("remote", r.RemoteAddr).Msg("peer connected")

	done := make(chan struct{})
	go s.readLoop(p, done)
	go s.pingLoop(p, done)
}

// admit registers p and reserves its loops in wg. It refuses once Close has
// begun.
func (s *Server) admit(p *peer) bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		return false
	}
	s.peers.Store(p.id, p)
	metrics.SetConnectedPeers(int(s.count.Add(1)))
	s.wg.Add(2)
	return true
}

func (s *Server) readLoop(p *peer, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)
	defer s.removePeer(p)

	idle := 2 * s.cfg.PingInterval
	if idle > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(idle))
		p.conn.SetPongHandler(func(string) error {
			return p.conn.SetReadDeadline(time.Now().Add(idle))
		})
	}

	ctx := protocol.WithPeer(context.Background(), p.id)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Str("peer_id", p.id).Msg("peer read failed")
			}
			return
		}
		if idle > 0 {
			_ = p.conn.SetReadDeadline(time.Now().Add(idle))
		}
		s.handleFrame(ctx, p, data)
	}
}

func (s *Server) handleFrame(ctx context.Context, p *peer, data []byte) {
	msg, err := s.codec.Decode(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("peer_id", p.id).Msg("undecodable frame")
		metrics.IncErrorResponse(gwerrors.CodeOf(err))
		s.reply(p, models.NewError(nil, gwerrors.CodeOf(err), gwerrors.MessageOf(err)))
		return
	}

	if !s.limiter.Allow(p.id) {
		s.logger.Warn().Str("peer_id", p.id).Str("seq", msg.Seq).Msg("peer rate limit exceeded")
		if msg.Type == models.TypeRequest {
			err := gwerrors.Business("rate limit exceeded")
			metrics.IncErrorResponse(gwerrors.CodeOf(err))
			s.reply(p, models.NewError(msg, gwerrors.CodeOf(err), gwerrors.MessageOf(err)))
		}
		return
	}

	reply := s.dispatcher.Dispatch(ctx, msg)
	if reply == nil {
		return
	}
	if msg.Is(models.TypeRequest, models.OpLogin) && reply.Type == models.TypeResponse && reply.Token != "" {
		p.mu.Lock()
		p.tokens = append(p.tokens, reply.Token)
		p.mu.Unlock()
	}
	s.reply(p, reply)
}

func (s *Server) reply(p *peer, msg *models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout())
	defer cancel()
	if err := s.write(ctx, p, msg); err != nil {
		s.logger.Warn().Err(err).Str("peer_id", p.id).Msg("failed to write reply")
	}
}

// Deliver writes msg to the peer's connection.
func (s *Server) Deliver(ctx context.Context, peerID string, msg *models.Message) error {
	v, ok := s.peers.Load(peerID)
	if !ok {
		return gwerrors.Transport(ErrPeerGone, "deliver to %s", peerID)
	}
	if err := s.write(ctx, v.(*peer), msg); err != nil {
		return gwerrors.Transport(err, "deliver to %s", peerID)
	}
	return nil
}

func (s *Server) write(ctx context.Context, p *peer, msg *models.Message) error {
	data, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(s.writeTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.conn.SetWriteDeadline(deadline)
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 10 * time.Second
}

func (s *Server) pingLoop(p *peer, done <-chan struct{}) {
	defer s.wg.Done()
	if s.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout()))
			p.writeMu.Unlock()
			if err != nil {
				_ = p.conn.Close()
				return
			}
		}
	}
}

// removePeer drops the peer, its sessions and, through the event bus, its
// subscriptions.
func (s *Server) removePeer(p *peer) {
	p.closeOnce.Do(func() {
		s.peers.Delete(p.id)
		s.limiter.Forget(p.id)
		metrics.SetConnectedPeers(int(s.count.Add(-1)))
		_ = p.conn.Close()

		p.mu.Lock()
		tokens := append([]string(nil), p.tokens...)
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, token := range tokens {
			if s.sessions == nil {
				break
			}
			if err := s.sessions.Remove(ctx, token); err != nil {
				s.logger.Warn().Err(err).Str("peer_id", p.id).Msg("failed to drop session")
			}
		}

		if s.events != nil {
			payload := events.PeerEventPayload{PeerID: p.id}
			if len(tokens) > 0 {
				payload.Token = tokens[len(tokens)-1]
			}
			if err := s.events.PublishJSON(events.EventPeerDisconnected, payload); err != nil {
				s.logger.Warn().Err(err).Msg("failed to publish peer disconnect")
			}
		}
		s.logger.Info().Str("peer_id", p.id).Msg("peer disconnected")
	})
}
