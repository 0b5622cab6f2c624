package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// clientWriteTimeout bounds how long a write to a client socket may stall
// before the socket is treated as hung and closed with 1011.
const clientWriteTimeout = 30 * time.Second

// safeConn serializes writes to a single websocket connection. The relay's
// concurrency model gives every socket exactly one writer task;
// this wrapper is that single-writer boundary made explicit so callers
// never need their own lock around Conn.WriteMessage/WriteJSON.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newSafeConn(conn *websocket.Conn) *safeConn {
	return &safeConn{conn: conn}
}

func (c *safeConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	err := c.conn.WriteJSON(v)
	if err != nil {
		msg := websocket.FormatCloseMessage(1011, "write stalled")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadlineNow())
		_ = c.conn.Close()
	}
	return err
}

func (c *safeConn) close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadlineNow())
	return c.conn.Close()
}

// ClientSession is one connected Playwright-compatible client process.
// It owns its root socket, its set of per-target session sockets, and
// its slice of the hub's pending-command table.
type ClientSession struct {
	ID   string
	Root *safeConn

	hub *Hub

	mu              sync.Mutex
	sessions        map[string]*safeConn // sessionId -> per-session socket
	discoverEnabled bool
	valid           bool
}

func newClientSession(id string, root *websocket.Conn, h *Hub) *ClientSession {
	return &ClientSession{
		ID:       id,
		Root:     newSafeConn(root),
		hub:      h,
		sessions: make(map[string]*safeConn),
		valid:    true,
	}
}

// BindSession attaches a per-session WebSocket opened by the client for a
// previously advertised session id.
func (cs *ClientSession) BindSession(sessionID string, conn *websocket.Conn) {
	cs.mu.Lock()
	cs.sessions[sessionID] = newSafeConn(conn)
	cs.mu.Unlock()

	cs.hub.drainBuffer(cs, sessionID)
}

// UnbindSession removes a per-session socket, typically on its own close.
func (cs *ClientSession) UnbindSession(sessionID string) {
	cs.mu.Lock()
	delete(cs.sessions, sessionID)
	cs.mu.Unlock()
}

func (cs *ClientSession) sessionConn(sessionID string) (*safeConn, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.sessions[sessionID]
	return c, ok
}

// WriteRoot writes a frame directly to the client's root socket. Used for
// transport-level replies (parse errors) the hub's own routing never sees.
func (cs *ClientSession) WriteRoot(v interface{}) error {
	return cs.Root.writeJSON(v)
}

// WriteSession writes a frame to a bound per-session socket, falling back
// to the root socket if the session has not bound one yet.
func (cs *ClientSession) WriteSession(sessionID string, v interface{}) error {
	if conn, ok := cs.sessionConn(sessionID); ok {
		return conn.writeJSON(v)
	}
	return cs.Root.writeJSON(v)
}

func (cs *ClientSession) setDiscover(enabled bool) {
	cs.mu.Lock()
	cs.discoverEnabled = enabled
	cs.mu.Unlock()
}

// invalidate marks the session as no longer current, used when the
// extension is replaced: the client's sockets stay open but
// every session it held is considered gone.
func (cs *ClientSession) invalidate() {
	cs.mu.Lock()
	cs.valid = false
	sessions := cs.sessions
	cs.sessions = make(map[string]*safeConn)
	cs.mu.Unlock()

	for _, c := range sessions {
		_ = c.close(1000, "session detached")
	}
}

// Close closes every socket owned by this client session.
func (cs *ClientSession) Close() {
	cs.mu.Lock()
	sessions := cs.sessions
	cs.sessions = nil
	cs.mu.Unlock()

	for _, c := range sessions {
		_ = c.close(1000, "client session closed")
	}
	_ = cs.Root.close(1000, "client session closed")
}
