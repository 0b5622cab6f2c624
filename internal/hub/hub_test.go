package hub

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/shaneholloman/cdp-relay/internal/wire"
)

// wsPair spins up a tiny websocket server so tests can exercise Hub
// against real *websocket.Conn values rather than faking the transport.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second, NetDial: net.Dial}
	c, _, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)

	select {
	case s := <-serverConnCh:
		return s, c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side connection")
		return nil, nil
	}
}

func newTestHub() *Hub {
	return New(Config{BufferDepth: 4, PendingCap: 10, Logger: zerolog.Nop()})
}

func envelopeEvent(t *testing.T, method, sessionID, paramsJSON string) []byte {
	t.Helper()
	ev := wire.EnvelopeEvent{
		Method: wire.ForwardCDPEventMethod,
		Params: wire.EnvelopeEventParams{
			SessionID: sessionID,
			Method:    method,
			Params:    json.RawMessage(paramsJSON),
		},
	}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

func TestExtensionReplacedClosesWithCode4001(t *testing.T) {
	h := newTestHub()

	s1, c1 := wsPair(t)
	h.RegisterExtension(s1)

	s2, _ := wsPair(t)
	h.RegisterExtension(s2)

	c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c1.ReadMessage()
	require.Error(t, err)
	ce, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, 4001, ce.Code)
}

func TestAttachedToTargetBroadcastsToClients(t *testing.T) {
	h := newTestHub()

	extServer, _ := wsPair(t)
	h.RegisterExtension(extServer)

	rootServer, rootClient := wsPair(t)
	h.NewClientSession("client-1", rootServer)

	raw := envelopeEvent(t, "Target.attachedToTarget", "pw-tab-1", `{"sessionId":"pw-tab-1","targetInfo":{"targetId":"T42"}}`)
	h.HandleExtensionFrame(raw)

	rootClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := rootClient.ReadMessage()
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "Target.attachedToTarget", got["method"])

	h.mu.Lock()
	_, known := h.tabs["pw-tab-1"]
	h.mu.Unlock()
	require.True(t, known)
}

func TestDetachedFromTargetIsIdempotent(t *testing.T) {
	h := newTestHub()
	extServer, _ := wsPair(t)
	h.RegisterExtension(extServer)

	rootServer, rootClient := wsPair(t)
	h.NewClientSession("client-1", rootServer)

	attach := envelopeEvent(t, "Target.attachedToTarget", "pw-tab-1", `{"sessionId":"pw-tab-1","targetInfo":{"targetId":"T42"}}`)
	h.HandleExtensionFrame(attach)
	_, _, err := rootClient.ReadMessage()
	require.NoError(t, err)

	detach := envelopeEvent(t, "Target.detachedFromTarget", "pw-tab-1", `{"sessionId":"pw-tab-1"}`)
	h.HandleExtensionFrame(detach)
	_, _, err = rootClient.ReadMessage()
	require.NoError(t, err)

	// Second detach for the same (already gone) session is a no-op: no
	// further message should arrive within a short window.
	h.HandleExtensionFrame(detach)
	rootClient.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = rootClient.ReadMessage()
	require.Error(t, err)
}

func TestForwardToExtensionFailsWithoutExtension(t *testing.T) {
	h := newTestHub()

	rootServer, rootClient := wsPair(t)
	cs := h.NewClientSession("client-1", rootServer)

	h.HandleRootCommand(cs, wire.Command{ID: 1, Method: "Browser.getVersion", Params: json.RawMessage(`{}`)})

	_, data, err := rootClient.ReadMessage()
	require.NoError(t, err)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &resp))
	require.NotNil(t, resp["error"])
}

func TestAttachToTargetBindsExistingSessionWithoutForwarding(t *testing.T) {
	h := newTestHub()
	extServer, extClient := wsPair(t)
	h.RegisterExtension(extServer)

	rootServer, rootClient := wsPair(t)
	cs := h.NewClientSession("client-1", rootServer)

	attach := envelopeEvent(t, "Target.attachedToTarget", "pw-tab-1", `{"sessionId":"pw-tab-1","targetInfo":{"targetId":"T42"}}`)
	h.HandleExtensionFrame(attach)
	_, _, err := rootClient.ReadMessage() // attachedToTarget broadcast from the extension event
	require.NoError(t, err)

	h.HandleRootCommand(cs, wire.Command{ID: 2, Method: "Target.attachToTarget", Params: json.RawMessage(`{"targetId":"T42","flatten":true}`)})

	_, data, err := rootClient.ReadMessage() // the command's own response
	require.NoError(t, err)
	var resp struct {
		ID     int64 `json:"id"`
		Result struct {
			SessionID string `json:"sessionId"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Equal(t, int64(2), resp.ID)
	require.Equal(t, "pw-tab-1", resp.Result.SessionID)

	_, data, err = rootClient.ReadMessage() // the synthesized attachedToTarget for this client
	require.NoError(t, err)
	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Equal(t, "Target.attachedToTarget", ev["method"])

	owner, ok := h.ClientSessionFor("pw-tab-1")
	require.True(t, ok)
	require.Equal(t, "client-1", owner.ID)

	extClient.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = extClient.ReadMessage()
	require.Error(t, err, "attaching to an already-known tab must not forward to the extension")
}

func TestUnknownSessionCommandErrorsWithoutForwarding(t *testing.T) {
	h := newTestHub()
	extServer, extClient := wsPair(t)
	h.RegisterExtension(extServer)

	rootServer, _ := wsPair(t)
	cs := h.NewClientSession("client-1", rootServer)

	sessServer, sessClient := wsPair(t)
	cs.BindSession("pw-tab-1", sessServer)

	h.HandleSessionCommand(cs, "pw-tab-1", wire.Command{ID: 1, Method: "Page.navigate", Params: json.RawMessage(`{"url":"https://example.com"}`)})

	sessClient.SetReadDeadline(time.Now().Add(1 * time.Second))
	_, data, err := sessClient.ReadMessage()
	require.NoError(t, err)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &resp))
	require.NotNil(t, resp["error"])

	extClient.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = extClient.ReadMessage()
	require.Error(t, err, "unknown session must not be forwarded to the extension")
}

func TestSetDiscoverTargetsEmitsKnownTabs(t *testing.T) {
	h := newTestHub()
	extServer, _ := wsPair(t)
	h.RegisterExtension(extServer)

	rootServer, rootClient := wsPair(t)
	cs := h.NewClientSession("client-1", rootServer)

	attach := envelopeEvent(t, "Target.attachedToTarget", "pw-tab-1", `{"sessionId":"pw-tab-1","targetInfo":{"targetId":"T42"}}`)
	h.HandleExtensionFrame(attach)
	_, _, err := rootClient.ReadMessage() // attachedToTarget broadcast
	require.NoError(t, err)

	h.HandleRootCommand(cs, wire.Command{ID: 1, Method: "Target.setDiscoverTargets", Params: json.RawMessage(`{"discover":true}`)})

	_, data, err := rootClient.ReadMessage() // the command's own response
	require.NoError(t, err)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Equal(t, float64(1), resp["id"])

	_, data, err = rootClient.ReadMessage() // synthesized targetCreated
	require.NoError(t, err)
	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Equal(t, "Target.targetCreated", ev["method"])
}
