package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/glasscloud/internal/model"
	"github.com/g960059/glasscloud/internal/wire"
)

const (
	maxFrameBytes  = 1 << 20
	writeTimeout   = 5 * time.Second
	maxCloseReason = 123
)

var errConnClosed = errors.New("websocket closed")

// wsConn adapts a gorilla connection to session.Conn. gorilla allows one
// concurrent writer; sends from timers and request handlers are serialized
// here.
type wsConn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(maxFrameBytes)
	return &wsConn{ws: ws}
}

func (c *wsConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Close sends a close frame with code and reason, then drops the socket.
// CloseAbnormal has no close frame on the wire, so the socket is dropped
// without one.
func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if code != model.CloseAbnormal {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	}
	return c.ws.Close()
}

// readFrame reads one text frame. Binary frames are not part of either
// protocol and are skipped.
func readFrame(ws *websocket.Conn) ([]byte, error) {
	for {
		kind, raw, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return raw, nil
		}
	}
}

// closeCode extracts the peer's close code; anything that is not a close
// frame counts as an abnormal drop.
func closeCode(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return model.CloseAbnormal, ""
}

func rejectConn(c *wsConn, code, message string) {
	_ = c.Send(wire.ConnectionError{Type: wire.TypeConnectionError, Code: code, Message: message})
	_ = c.Close(model.ClosePolicyViolation, message)
}

func (s *Server) handleTPASocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("tpa upgrade failed")
		return
	}
	conn := newWSConn(ws)

	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	raw, err := readFrame(ws)
	if err != nil {
		_ = conn.Close(model.CloseAbnormal, "")
		return
	}
	msg, err := wire.DecodeTPA(raw)
	init, ok := msg.(wire.ConnectionInit)
	if err != nil || !ok {
		s.log.Warn().Err(err).Msg("tpa handshake without connection_init")
		rejectConn(conn, model.ErrCodeProtocol, "expected connection_init")
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	log := s.log.With().Str("session_id", init.SessionID).Str("package", init.PackageName).Logger()
	sess, err := s.sessions.Get(init.SessionID)
	if err != nil {
		rejectConn(conn, model.ErrCodeSessionNotFound, "session not found")
		return
	}
	pkg := init.PackageName
	ws.SetPongHandler(func(string) error {
		sess.Pong(pkg, conn)
		return nil
	})
	if err := sess.AttachTPA(r.Context(), conn, init); err != nil {
		log.Info().Err(err).Msg("tpa attach refused")
		_ = conn.Close(model.ClosePolicyViolation, "")
		return
	}

	for {
		raw, err := readFrame(ws)
		if err != nil {
			code, reason := closeCode(err)
			sess.TransportClosed(pkg, conn, code, reason)
			_ = conn.Close(model.CloseAbnormal, "")
			return
		}
		// Errors are logged and counted inside the session.
		_ = sess.HandleTPAMessage(pkg, conn, raw)
	}
}

func (s *Server) handleGlassesSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("glasses upgrade failed")
		return
	}
	conn := newWSConn(ws)

	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	raw, err := readFrame(ws)
	if err != nil {
		_ = conn.Close(model.CloseAbnormal, "")
		return
	}
	msg, err := wire.DecodeGlasses(raw)
	init, ok := msg.(wire.GlassesInit)
	if err != nil || !ok {
		rejectConn(conn, model.ErrCodeProtocol, "expected glasses_init")
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	// Restored apps outlive this request.
	sess, err := s.sessions.Connect(context.Background(), init.UserID, conn)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", init.UserID).Msg("glasses connect refused")
		rejectConn(conn, model.ErrCodeInvalidRequest, err.Error())
		return
	}
	log := s.log.With().Str("session_id", sess.ID()).Logger()

	for {
		raw, err := readFrame(ws)
		if err != nil {
			sess.GlassesDisconnected(conn)
			_ = conn.Close(model.CloseAbnormal, "")
			return
		}
		msg, err := wire.DecodeGlasses(raw)
		if err != nil {
			log.Debug().Err(err).Msg("dropped glasses frame")
			continue
		}
		switch m := msg.(type) {
		case wire.GlassesInit:
			log.Debug().Msg("duplicate glasses_init ignored")
		case wire.StartApp:
			if err := sess.StartApp(context.Background(), m.PackageName); err != nil {
				s.glassesError(conn, err)
			}
		case wire.StopApp:
			if err := sess.StopApp(context.Background(), m.PackageName, model.StopUserDisabled); err != nil {
				s.glassesError(conn, err)
			}
		case wire.GlassesEvent:
			sess.Publish(model.StreamType(m.Type), m.Raw)
		}
	}
}

func (s *Server) glassesError(conn *wsConn, err error) {
	code := model.ErrCodeInternal
	switch {
	case errors.Is(err, model.ErrUnknownApp):
		code = model.ErrCodeUnknownApp
	case errors.Is(err, model.ErrAppNotActive):
		code = model.ErrCodeAppNotActive
	case errors.Is(err, model.ErrSessionEnded):
		code = model.ErrCodeSessionNotFound
	}
	_ = conn.Send(wire.ConnectionError{Type: wire.TypeConnectionError, Code: code, Message: err.Error()})
}
