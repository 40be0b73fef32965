package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vrdavis/signalling-server/internal/metrics"
	"github.com/vrdavis/signalling-server/internal/origin"
	"github.com/vrdavis/signalling-server/internal/ratelimit"
	"github.com/vrdavis/signalling-server/internal/registry"
)

const wsWriteWait = 1 * time.Second

// ServerConfig carries the transport hardening knobs for the /signal
// endpoint.
type ServerConfig struct {
	AllowedOrigins       []string
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// Server upgrades /signal requests to WebSocket connections and pumps
// their frames through the protocol Handler.
type Server struct {
	log     *slog.Logger
	handler *Handler
	met     *metrics.Metrics
	cfg     ServerConfig

	upgrader websocket.Upgrader
}

func NewServer(log *slog.Logger, handler *Handler, met *metrics.Metrics, cfg ServerConfig) *Server {
	s := &Server{
		log:     log,
		handler: handler,
		met:     met,
		cfg:     cfg,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin applies the browser origin policy. Non-browser clients
// send no Origin header and are always admitted.
func (s *Server) checkOrigin(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	normalized, originHost, ok := origin.Normalize(header)
	if !ok {
		return false
	}
	return origin.Allowed(normalized, originHost, r.Host, s.cfg.AllowedOrigins)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.serveConn(ws, r.RemoteAddr)
}

func (s *Server) serveConn(ws *websocket.Conn, remote string) {
	sender := &wsSender{ws: ws}
	conn := registry.NewConnection(sender)

	if err := s.handler.Connect(conn); err != nil {
		s.log.Error("registering connection failed", "remote", remote, "err", err)
		sender.writeClose(websocket.CloseInternalServerErr, "registration failed")
		ws.Close()
		return
	}

	done := make(chan struct{})
	defer func() {
		close(done)
		s.handler.Disconnect(conn)
		ws.Close()
	}()

	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	resetDeadline := func() {
		if err := ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			s.log.Warn("setting read deadline failed", "handle", conn.Handle(), "err", err)
		}
	}
	resetDeadline()
	ws.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	go s.pingLoop(sender, conn.Handle(), done)

	bucket := ratelimit.NewTokenBucket(
		ratelimit.RealClock{},
		int64(s.cfg.MaxMessagesPerSecond),
		int64(s.cfg.MaxMessagesPerSecond),
	)

	for {
		msgType, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Info("read failed", "handle", conn.Handle(), "err", err)
			}
			return
		}
		resetDeadline()

		if msgType != websocket.TextMessage {
			s.met.Inc(metrics.ProtocolViolations)
			sender.writeClose(websocket.CloseUnsupportedData, "text frames only")
			return
		}
		if !bucket.Allow(1) {
			s.met.Inc(metrics.RateLimited)
			s.log.Warn("message rate limit exceeded", "handle", conn.Handle())
			sender.writeClose(websocket.ClosePolicyViolation, "message rate limit exceeded")
			return
		}

		if err := s.handler.HandleMessage(conn, raw); err != nil {
			s.log.Info("dropping connection", "handle", conn.Handle(), "err", err)
			return
		}
	}
}

func (s *Server) pingLoop(sender *wsSender, handle string, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sender.writePing(); err != nil {
				s.log.Debug("ping failed", "handle", handle, "err", err)
				return
			}
		}
	}
}

// wsSender serializes writes to one WebSocket. Frames arrive both from
// the connection's own read loop and from other connections relaying
// through it.
type wsSender struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsSender) Send(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, data)
}

func (w *wsSender) writePing() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (w *wsSender) writeClose(code int, reason string) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
