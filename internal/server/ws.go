package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"lingochat/internal/util"
	"lingochat/pkg/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Mobile clients connect from app webviews with arbitrary origins;
	// identity is enforced by the bearer token, not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// GET /ws attaches a live connection for the authenticated user. The handler
// blocks in the read loop until the peer disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, userID string) {
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "realtime not configured")
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		util.LoggerFromContext(r.Context()).Warn("websocket upgrade failed", "err", err)
		return
	}
	conn := realtime.NewConnection(userID, ws)
	s.hub.Attach(conn)
	conn.Start()
	conn.ReadLoop(func() {
		s.hub.Detach(conn)
		conn.Close(websocket.CloseNormalClosure, "bye")
	})
}
