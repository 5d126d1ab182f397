// Package gateway terminates chart client websockets and binds each
// connection to a protocol session. Frame semantics, per-client state,
// and teardown live in the session layer; the gateway only moves bytes.
package gateway

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"chartfeed/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Server upgrades HTTP requests to websockets and opens one session per
// connection.
type Server struct {
	sessions *session.Manager
}

func NewServer(sessions *session.Manager) *Server {
	return &Server{sessions: sessions}
}

// HandleWS is the /ws endpoint.
func (g *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] upgrade %s: %v", r.RemoteAddr, err)
		return
	}
	conn.EnableWriteCompression(true)

	c := newConn(conn, r.RemoteAddr)
	sess := g.sessions.Open(c)

	go c.writePump()
	go c.readPump(sess, g.sessions)

	log.Printf("[gateway] %s connected as %s (%d active)",
		c.remote, sess.ID(), g.sessions.Count())
}
