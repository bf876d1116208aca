package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openworkshop/grblbridge/internal/monitoring"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the bridge lives on a trusted shop network; clients connect from
	// whatever host the UI is served from
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClientConn adapts a gorilla websocket connection to relay.ClientConn.
// One text message carries one controller line.
type wsClientConn struct {
	conn *websocket.Conn
}

func (c *wsClientConn) ReadLine() (string, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if mt != websocket.TextMessage {
			// the wire protocol is UTF-8 text lines; drop binary frames
			continue
		}
		return string(data), nil
	}
}

func (c *wsClientConn) WriteLine(line string) error {
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsClientConn) Close() error {
	return c.conn.Close()
}

func (c *wsClientConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// tryAcquireSession reserves a bridge session slot, returning false when the
// configured client limit is reached.
func (s *Server) tryAcquireSession() bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if s.active >= s.cfg.MaxClients {
		return false
	}
	s.active++
	return true
}

func (s *Server) releaseSession() {
	s.activeMu.Lock()
	s.active--
	s.activeMu.Unlock()
}

// handleWebsocket upgrades the connection and runs a bridge session over it.
// The handler blocks for the lifetime of the session; session failures are
// contained here and never affect listener availability.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response
		monitoring.Logf("websocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	if !s.tryAcquireSession() {
		monitoring.Logf("refusing client %s: session limit (%d) reached", r.RemoteAddr, s.cfg.MaxClients)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "bridge busy")
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		conn.WriteMessage(websocket.CloseMessage, msg)
		conn.Close()
		return
	}
	defer s.releaseSession()

	s.relay.Run(s.baseCtx, &wsClientConn{conn: conn})
}
