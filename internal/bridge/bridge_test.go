package bridge

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
)

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

// newTestBridge wires a Bridge directly to two in-process websocket pairs
// standing in for "Chrome" and "the relay", so the translation logic can
// be exercised without a real browser or relay process.
func newTestBridge(t *testing.T) (b *Bridge, chromeSrv, chromeClient, relaySrv, relayClient *websocket.Conn) {
	t.Helper()
	b = New(Config{Logger: zerolog.Nop()})

	chromeSrv, chromeClient = wsPair(t)
	relaySrv, relayClient = wsPair(t)

	b.chrome = &safeWS{conn: chromeSrv}
	b.relay = &safeWS{conn: relaySrv}

	go b.readChrome()
	go b.readRelay()

	return b, chromeSrv, chromeClient, relaySrv, relayClient
}

func readJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var v map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestAttachToTargetRoundTrip(t *testing.T) {
	_, _, chromeClient, _, relayClient := newTestBridge(t)

	// relay asks the bridge to attach a target
	require.NoError(t, relayClient.WriteJSON(map[string]interface{}{
		"id":     1,
		"method": "forwardCDPCommand",
		"params": map[string]interface{}{
			"method": "Target.attachToTarget",
			"params": map[string]interface{}{"targetId": "T42"},
		},
	}))

	// bridge issues Target.attachToTarget to chrome
	cmd := readJSON(t, chromeClient, 2*time.Second)
	require.Equal(t, "Target.attachToTarget", cmd["method"])

	// chrome confirms via the attachedToTarget event (its own protocol)
	require.NoError(t, chromeClient.WriteJSON(map[string]interface{}{
		"method": "Target.attachedToTarget",
		"params": map[string]interface{}{
			"sessionId":  "chrome-sess-1",
			"targetInfo": map[string]interface{}{"targetId": "T42"},
		},
	}))

	// bridge replies to the relay's original command with a synthesized session id
	resp := readJSON(t, relayClient, 2*time.Second)
	require.Equal(t, float64(1), resp["id"])
	result := resp["result"].(map[string]interface{})
	require.Equal(t, "pw-tab-1", result["sessionId"])

	// and separately forwards the attachedToTarget event upward
	ev := readJSON(t, relayClient, 2*time.Second)
	require.Equal(t, "forwardCDPEvent", ev["method"])
	params := ev["params"].(map[string]interface{})
	require.Equal(t, "Target.attachedToTarget", params["method"])
}

func TestRuntimeEnableReplaysCache(t *testing.T) {
	b, _, chromeClient, _, relayClient := newTestBridge(t)

	tab := b.registry.Attach("T42", "chrome-sess-1", json.RawMessage(`{"targetId":"T42"}`))
	tab.CacheContextCreated(7, json.RawMessage(`{"context":{"id":7,"name":"main"}}`))

	require.NoError(t, relayClient.WriteJSON(map[string]interface{}{
		"id":     2,
		"method": "forwardCDPCommand",
		"params": map[string]interface{}{
			"sessionId": tab.SessionID,
			"method":    "Runtime.enable",
			"params":    map[string]interface{}{},
		},
	}))

	cmd := readJSON(t, chromeClient, 2*time.Second)
	require.Equal(t, "Runtime.enable", cmd["method"])
	require.Equal(t, "chrome-sess-1", cmd["sessionId"])

	require.NoError(t, chromeClient.WriteJSON(map[string]interface{}{
		"id":     cmd["id"],
		"result": map[string]interface{}{},
	}))

	replay := readJSON(t, relayClient, 2*time.Second)
	require.Equal(t, "forwardCDPEvent", replay["method"])
	rparams := replay["params"].(map[string]interface{})
	require.Equal(t, "Runtime.executionContextCreated", rparams["method"])

	resp := readJSON(t, relayClient, 2*time.Second)
	require.Equal(t, float64(2), resp["id"])
}

func TestUnknownSessionForwardIsRejectedWithoutReachingChrome(t *testing.T) {
	_, _, chromeClient, _, relayClient := newTestBridge(t)

	require.NoError(t, relayClient.WriteJSON(map[string]interface{}{
		"id":     3,
		"method": "forwardCDPCommand",
		"params": map[string]interface{}{
			"sessionId": "pw-tab-nonexistent",
			"method":    "Page.navigate",
			"params":    map[string]interface{}{"url": "https://example.com"},
		},
	}))

	resp := readJSON(t, relayClient, 2*time.Second)
	require.Equal(t, float64(3), resp["id"])
	require.NotNil(t, resp["error"])

	chromeClient.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := chromeClient.ReadMessage()
	require.Error(t, err)
}
