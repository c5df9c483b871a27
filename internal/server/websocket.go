package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/pttlink/internal/relay"
)

// maxMessage bounds one inbound WebSocket message.
const maxMessage = 1 << 20

// wsConn adapts a WebSocket connection to [Conn].
type wsConn struct {
	c   *websocket.Conn
	log *slog.Logger
}

var _ Conn = (*wsConn)(nil)

func (w *wsConn) ReadFrame(ctx context.Context) (relay.Frame, error) {
	for {
		typ, data, err := w.c.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return relay.Frame{}, io.EOF
			}
			return relay.Frame{}, err
		}
		if typ == websocket.MessageText {
			w.log.Info("server: text message", "text", string(data))
			continue
		}
		f, err := relay.ParseFrame(data, relay.HeaderPlain)
		if err != nil {
			w.log.Debug("server: malformed frame", "bytes", len(data), "error", err)
			continue
		}
		return f, nil
	}
}

func (w *wsConn) WriteFrame(ctx context.Context, f relay.Frame) error {
	return w.c.Write(ctx, websocket.MessageBinary, f.Encode(relay.HeaderPlain))
}

// Handler upgrades requests to WebSocket and serves each as a session.
// The session is identified by the remote address.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.log.Warn("server: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(maxMessage)

		id := r.RemoteAddr
		err = s.Serve(r.Context(), id, &wsConn{c: conn, log: s.log.With("device", id)})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("server: session error", "device", id, "error", err)
			conn.Close(websocket.StatusInternalError, "session error")
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	})
}
