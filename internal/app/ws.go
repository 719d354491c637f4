package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"docsync/api/internal/docsync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	closeGrace = 2 * time.Second
)

// Outcomes reported to ConnectionAttempt.
const (
	connAccepted     = "accepted"
	connUnauthorized = "unauthorized"
	connNotFound     = "not_found"
	connError        = "error"
)

var errTextFrame = errors.New("text frames are not supported")

// handleRealtime authorizes and upgrades a client connection for docID. Auth
// and existence failures are plain HTTP responses so clients can tell them
// apart before the upgrade.
func (s *HTTPServer) handleRealtime(w http.ResponseWriter, r *http.Request, docID string) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}

	if err := s.service.AuthorizeConnection(r.Context(), docID, token); err != nil {
		status, _, _, _ := mapError(err)
		switch status {
		case http.StatusUnauthorized:
			s.service.recordConnection(connUnauthorized)
		case http.StatusNotFound:
			s.service.recordConnection(connNotFound)
		default:
			s.service.recordConnection(connError)
		}
		s.fail(w, r, err)
		return
	}

	doc, session, err := s.service.Connect(r.Context(), docID)
	if err != nil {
		s.service.recordConnection(connError)
		s.fail(w, r, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an HTTP error
		s.service.recordConnection(connError)
		_ = doc.Detach(context.Background(), session)
		return
	}
	s.service.recordConnection(connAccepted)

	s.serveSession(conn, doc, session)
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.corsOrigin == "*" || origin == s.corsOrigin
}

// realtimeConn owns one upgraded connection. Close frames go out at most once,
// whichever side decides first.
type realtimeConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (c *realtimeConn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, text)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	})
}

func (s *HTTPServer) serveSession(conn *websocket.Conn, doc *docsync.Document, session *docsync.Session) {
	cfg := s.service.cfg
	logger := s.logger.With("doc", doc.ID(), "session", session.ID())
	rc := &realtimeConn{conn: conn}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, rc, session, cfg.PingInterval)
	}()

	readErr := s.readLoop(ctx, rc, doc, session)
	select {
	case <-session.Done():
		// closed by the document; the writer sends the close frame
		<-writerDone
	default:
		var netErr net.Error
		switch {
		case errors.Is(readErr, errTextFrame):
			rc.closeWith(websocket.CloseUnsupportedData, readErr.Error())
		case errors.As(readErr, &netErr) && netErr.Timeout():
			rc.closeWith(websocket.CloseNormalClosure, "idle timeout")
		}
	}

	if err := doc.Detach(context.Background(), session); err != nil {
		logger.Warn("detach failed", "error", err)
	}
	cancel()
	<-writerDone

	if reason := session.Err(); reason != nil {
		logger.Info("session closed", "reason", reason)
	} else {
		logger.Debug("session closed", "read_error", readErr)
	}
}

func (s *HTTPServer) readLoop(ctx context.Context, rc *realtimeConn, doc *docsync.Document, session *docsync.Session) error {
	cfg := s.service.cfg
	conn := rc.conn

	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}
	extend := func() error {
		if cfg.SessionIdleTimeout <= 0 {
			return nil
		}
		return conn.SetReadDeadline(time.Now().Add(cfg.SessionIdleTimeout))
	}
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })

	limit := rate.Inf
	burst := 1
	if cfg.MaxMessagesPerSecond > 0 {
		limit = rate.Limit(cfg.MaxMessagesPerSecond)
		burst = max(1, int(cfg.MaxMessagesPerSecond))
	}
	limiter := rate.NewLimiter(limit, burst)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = extend()
		if messageType != websocket.BinaryMessage {
			return errTextFrame
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := doc.Receive(ctx, session, message); err != nil {
			return err
		}
	}
}

func (s *HTTPServer) writeLoop(ctx context.Context, rc *realtimeConn, session *docsync.Session, pingInterval time.Duration) {
	conn := rc.conn
	var pings <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	write := func(frame []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.logger.Debug("write failed", "session", session.ID(), "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-session.Outbound():
			if !write(frame) {
				return
			}
		case <-pings:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-session.Done():
			reason := session.Err()
			if errors.Is(reason, docsync.ErrDocumentClosed) {
				drain(session, write)
			}
			code, text := closeCode(reason)
			rc.closeWith(code, text)
			// let the reader see the client's close reply, then give up on it
			_ = conn.SetReadDeadline(time.Now().Add(closeGrace))
			return
		}
	}
}

// drain flushes frames queued before the session closed.
func drain(session *docsync.Session, write func([]byte) bool) {
	for {
		select {
		case frame := <-session.Outbound():
			if !write(frame) {
				return
			}
		default:
			return
		}
	}
}

func closeCode(reason error) (int, string) {
	switch {
	case reason == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(reason, docsync.ErrProtocol):
		return websocket.CloseProtocolError, "protocol error"
	case errors.Is(reason, docsync.ErrSlowConsumer):
		return websocket.CloseTryAgainLater, "client too slow"
	case errors.Is(reason, docsync.ErrDocumentClosed):
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}
