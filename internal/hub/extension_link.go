package hub

import "github.com/gorilla/websocket"

// extensionLink is the hub's single connection to the extension bridge.
// Writes are serialized through safeConn; the hub itself is the only
// producer, so no separate queue is needed beyond that.
type extensionLink struct {
	conn *safeConn
}

func newExtensionLink(conn *websocket.Conn) *extensionLink {
	return &extensionLink{conn: newSafeConn(conn)}
}

func (e *extensionLink) send(v interface{}) error {
	return e.conn.writeJSON(v)
}

func (e *extensionLink) close(code int, reason string) error {
	return e.conn.close(code, reason)
}
