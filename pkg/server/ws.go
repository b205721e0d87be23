package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/osdi23p228/ledgerbridge/pkg/infra"
)

const writeWait = 10 * time.Second

// wsConn is a live connection over a websocket
type wsConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return c.conn.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// serveWS upgrades to a websocket and registers it with the hub until the
// client goes away. Inbound frames are logged and ignored.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("Fail to upgrade live connection: %v", err)
		return
	}

	username := firstNonEmpty(r.URL.Query().Get("username"), r.Header.Get(HeaderUsername))
	orgName := firstNonEmpty(r.URL.Query().Get("orgName"), r.Header.Get(HeaderOrgName))
	rc := s.backend.NewRequestContext(username, orgName)
	channel := firstNonEmpty(r.URL.Query().Get("channel"), rc.Channel.ChannelName)

	c := &wsConn{id: uuid.NewString(), conn: conn}
	hub := s.backend.Hub()
	hub.Register(c, infra.Subscription{ChannelName: channel, Username: username, Organization: orgName})
	s.logger.Infof("Live connection %s opened for %q@%q", c.id, username, orgName)

	defer func() {
		hub.Unregister(c)
		s.logger.Infof("Live connection %s closed", c.id)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.logger.Debugf("Live connection %s sent %q", c.id, msg)
	}
}
