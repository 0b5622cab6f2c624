package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shaneholloman/cdp-relay/internal/wire"
)

const (
	reconnectInterval = 1 * time.Second
	maxReconnectWait  = 30 * time.Second
	handshakeTimeout  = 5 * time.Second
)

// Config configures a Bridge.
type Config struct {
	RelayWSURL string // e.g. ws://127.0.0.1:9876/extension
	ChromeAddr string // e.g. 127.0.0.1:9222
	Logger     zerolog.Logger
}

// safeWS serializes writes to one websocket connection, matching the
// relay's single-writer-per-socket rule.
type safeWS struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *safeWS) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

// chromeFrame is the flat-mode frame shape Chrome itself speaks: a
// sessionId field alongside the usual command/response/event fields.
type chromeFrame struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wire.Error     `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// specialCreateTarget marks a pendingChrome entry whose Chrome reply needs
// post-processing (auto-attach) rather than a plain pass-through reply.
const specialCreateTarget = "createTarget"

type relayForward struct {
	extID           int64
	sessionID       string
	isRuntimeEnable bool
	tab             *Tab
	special         string
}

// Bridge owns the Chrome debugger connection and the relay's extension
// WebSocket, translating between them.
type Bridge struct {
	cfg      Config
	registry *TabRegistry
	http     *resty.Client
	log      zerolog.Logger

	mu            sync.Mutex
	relay         *safeWS
	chrome        *safeWS
	chromeSeq     wire.Sequence
	pendingChrome map[int64]relayForward  // our chrome-bound id -> where to route the reply
	pendingAttach map[string]int64        // targetId -> relay extension-id awaiting attachedToTarget
	chromeSession map[string]string       // targetId -> chrome's own flat-mode sessionId, while attach is settling
}

// New constructs a Bridge. Call Run to start it.
func New(cfg Config) *Bridge {
	return &Bridge{
		cfg:           cfg,
		registry:      NewTabRegistry(),
		http:          resty.New().SetTimeout(5 * time.Second),
		log:           cfg.Logger,
		pendingChrome: make(map[int64]relayForward),
		pendingAttach: make(map[string]int64),
		chromeSession: make(map[string]string),
	}
}

// Run connects to both the relay and Chrome and serves until ctx is
// cancelled, reconnecting with capped backoff on any disconnect.
func (b *Bridge) Run(ctx context.Context) error {
	wait := reconnectInterval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := b.connectAndServe(ctx); err != nil {
			b.log.Warn().Err(err).Dur("retryIn", wait).Msg("bridge disconnected, retrying")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			wait *= 2
			if wait > maxReconnectWait {
				wait = maxReconnectWait
			}
		}
	}
}

func (b *Bridge) connectAndServe(ctx context.Context) error {
	if err := waitForChrome(b.http, b.cfg.ChromeAddr, 30*time.Second); err != nil {
		return err
	}
	info, err := discoverBrowserInfo(b.http, b.cfg.ChromeAddr)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	chromeConn, _, err := dialer.DialContext(ctx, info.WebSocketDebuggerURL, nil)
	if err != nil {
		return fmt.Errorf("dial chrome: %w", err)
	}
	defer chromeConn.Close()

	relayConn, _, err := dialer.DialContext(ctx, b.cfg.RelayWSURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer relayConn.Close()

	b.mu.Lock()
	b.chrome = &safeWS{conn: chromeConn}
	b.relay = &safeWS{conn: relayConn}
	b.registry.Clear()
	b.pendingChrome = make(map[int64]relayForward)
	b.pendingAttach = make(map[string]int64)
	b.chromeSession = make(map[string]string)
	b.mu.Unlock()

	if err := b.enableDiscovery(); err != nil {
		return fmt.Errorf("enable target discovery: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- b.readChrome() }()
	go func() { errCh <- b.readRelay() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		for _, tab := range b.registry.Clear() {
			b.emitDetached(tab.SessionID)
		}
		return err
	}
}

func (b *Bridge) enableDiscovery() error {
	id := b.chromeSeq.Next()
	return b.chrome.writeJSON(chromeFrame{
		ID:     id,
		Method: "Target.setDiscoverTargets",
		Params: json.RawMessage(`{"discover":true}`),
	})
}

func (b *Bridge) readChrome() error {
	for {
		_, data, err := b.chrome.conn.ReadMessage()
		if err != nil {
			return err
		}
		b.handleChromeFrame(data)
	}
}

func (b *Bridge) readRelay() error {
	for {
		_, data, err := b.relay.conn.ReadMessage()
		if err != nil {
			return err
		}
		b.handleRelayFrame(data)
	}
}

func (b *Bridge) handleChromeFrame(data []byte) {
	var f chromeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		b.log.Warn().Err(err).Msg("malformed chrome frame")
		return
	}

	switch {
	case f.Method == "Target.attachedToTarget":
		b.onAttachedToTarget(f.Params)
	case f.Method == "Target.detachedFromTarget":
		b.onDetachedFromTarget(f.Params)
	case f.Method == "Runtime.executionContextCreated":
		b.onContextCreated(f.SessionID, f.Params)
	case f.Method == "Runtime.executionContextDestroyed":
		b.onContextDestroyed(f.SessionID, f.Params)
	case f.Method == "Runtime.executionContextsCleared":
		b.onContextsCleared(f.SessionID)
	case f.Method != "" && f.SessionID != "":
		b.forwardChromeEvent(f)
	case f.ID != 0:
		b.onChromeResponse(f)
	}
}

func (b *Bridge) onChromeResponse(f chromeFrame) {
	b.mu.Lock()
	fwd, ok := b.pendingChrome[f.ID]
	if ok {
		delete(b.pendingChrome, f.ID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	if fwd.special == specialCreateTarget && f.Error == nil {
		b.onTargetCreated(fwd.extID, f.Result)
		return
	}

	if fwd.isRuntimeEnable && f.Error == nil && fwd.tab != nil {
		for _, ctxRaw := range fwd.tab.ReplayContexts() {
			_ = b.relay.writeJSON(wire.EnvelopeEvent{
				Method: wire.ForwardCDPEventMethod,
				Params: wire.EnvelopeEventParams{
					SessionID: fwd.sessionID,
					Method:    "Runtime.executionContextCreated",
					Params:    ctxRaw,
				},
			})
		}
	}

	_ = b.relay.writeJSON(wire.EnvelopeResponse{ID: fwd.extID, Result: f.Result, Error: f.Error})
}

func (b *Bridge) onAttachedToTarget(raw json.RawMessage) {
	var body struct {
		SessionID  string          `json:"sessionId"`
		TargetInfo json.RawMessage `json:"targetInfo"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	var ti struct {
		TargetID string `json:"targetId"`
	}
	_ = json.Unmarshal(body.TargetInfo, &ti)

	tab := b.registry.Attach(ti.TargetID, body.SessionID, body.TargetInfo)

	b.mu.Lock()
	extID, pending := b.pendingAttach[ti.TargetID]
	if pending {
		delete(b.pendingAttach, ti.TargetID)
	}
	b.mu.Unlock()

	if pending {
		_ = b.relay.writeJSON(wire.EnvelopeResponse{
			ID:     extID,
			Result: mustRaw(map[string]string{"sessionId": tab.SessionID}),
		})
	}

	_ = b.relay.writeJSON(wire.EnvelopeEvent{
		Method: wire.ForwardCDPEventMethod,
		Params: wire.EnvelopeEventParams{
			SessionID: tab.SessionID,
			Method:    "Target.attachedToTarget",
			Params: mustRaw(map[string]interface{}{
				"sessionId":          tab.SessionID,
				"tabId":              tab.TabID,
				"targetInfo":         json.RawMessage(tab.TargetInfo),
				"waitingForDebugger": false,
			}),
		},
	})
}

func (b *Bridge) onDetachedFromTarget(raw json.RawMessage) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	tab, ok := b.registry.ByChromeSession(body.SessionID)
	if !ok {
		return
	}
	b.registry.Detach(tab.SessionID)
	b.emitDetached(tab.SessionID)
}

func (b *Bridge) emitDetached(sessionID string) {
	_ = b.relay.writeJSON(wire.EnvelopeEvent{
		Method: wire.ForwardCDPEventMethod,
		Params: wire.EnvelopeEventParams{
			SessionID: sessionID,
			Method:    "Target.detachedFromTarget",
			Params:    mustRaw(map[string]string{"sessionId": sessionID}),
		},
	})
}

func (b *Bridge) onContextCreated(chromeSessionID string, raw json.RawMessage) {
	tab, ok := b.registry.ByChromeSession(chromeSessionID)
	if !ok {
		return
	}
	var body struct {
		Context struct {
			ID int64 `json:"id"`
		} `json:"context"`
	}
	_ = json.Unmarshal(raw, &body)
	tab.CacheContextCreated(body.Context.ID, raw)
	b.forwardEventOnSession(tab.SessionID, "Runtime.executionContextCreated", raw)
}

func (b *Bridge) onContextDestroyed(chromeSessionID string, raw json.RawMessage) {
	tab, ok := b.registry.ByChromeSession(chromeSessionID)
	if !ok {
		return
	}
	var body struct {
		ExecutionContextID int64 `json:"executionContextId"`
	}
	_ = json.Unmarshal(raw, &body)
	tab.CacheContextDestroyed(body.ExecutionContextID)
	b.forwardEventOnSession(tab.SessionID, "Runtime.executionContextDestroyed", raw)
}

func (b *Bridge) onContextsCleared(chromeSessionID string) {
	tab, ok := b.registry.ByChromeSession(chromeSessionID)
	if !ok {
		return
	}
	tab.ClearContexts()
	b.forwardEventOnSession(tab.SessionID, "Runtime.executionContextsCleared", json.RawMessage(`{}`))
}

func (b *Bridge) forwardChromeEvent(f chromeFrame) {
	tab, ok := b.registry.ByChromeSession(f.SessionID)
	if !ok {
		return
	}
	b.forwardEventOnSession(tab.SessionID, f.Method, f.Params)
}

func (b *Bridge) forwardEventOnSession(sessionID, method string, params json.RawMessage) {
	_ = b.relay.writeJSON(wire.EnvelopeEvent{
		Method: wire.ForwardCDPEventMethod,
		Params: wire.EnvelopeEventParams{SessionID: sessionID, Method: method, Params: params},
	})
}

func (b *Bridge) handleRelayFrame(data []byte) {
	var env wire.EnvelopeCommand
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.Warn().Err(err).Msg("malformed relay envelope")
		return
	}
	if env.Method != wire.ForwardCDPCommandMethod {
		return
	}

	if env.Params.SessionID == "" {
		b.handleBrowserLevelCommand(env)
		return
	}

	tab, ok := b.registry.BySession(env.Params.SessionID)
	if !ok {
		_ = b.relay.writeJSON(wire.EnvelopeResponse{
			ID:    env.ID,
			Error: &wire.Error{Message: "bridge: unknown session " + env.Params.SessionID},
		})
		return
	}

	chromeID := b.chromeSeq.Next()
	b.mu.Lock()
	b.pendingChrome[chromeID] = relayForward{
		extID:           env.ID,
		sessionID:       env.Params.SessionID,
		isRuntimeEnable: env.Params.Method == "Runtime.enable",
		tab:             tab,
	}
	b.mu.Unlock()

	_ = b.chrome.writeJSON(chromeFrame{
		ID:        chromeID,
		Method:    env.Params.Method,
		Params:    env.Params.Params,
		SessionID: tab.chromeSessionID,
	})
}

// handleBrowserLevelCommand answers a command that arrived with no
// sessionId. Target.attachToTarget binds a known target id to a freshly
// synthesized session; Target.createTarget opens a new tab and
// auto-attaches it; everything else (Browser.getVersion,
// Target.getTargets, Target.closeTarget, and any other browser-scoped
// query) is sent straight to Chrome's browser endpoint, which answers
// those without needing a session at all. Routing this way means
// Browser.getVersion still gets an answer the moment the bridge
// connects, before any tab has ever been attached.
func (b *Bridge) handleBrowserLevelCommand(env wire.EnvelopeCommand) {
	switch env.Params.Method {
	case "Target.attachToTarget":
		b.handleAttachToTarget(env)
	case "Target.createTarget":
		b.handleCreateTarget(env)
	default:
		b.forwardBrowserLevel(env)
	}
}

// forwardBrowserLevel sends a sessionId-less command straight to Chrome.
// When at least one tab is attached, it rides that tab's flat-mode
// session, matching how an extension-based bridge would have to route a
// browser-level query; with none attached yet (the case Browser.getVersion
// hits at connect time) it goes out with no sessionId at all, which
// Chrome's browser endpoint answers just as well.
func (b *Bridge) forwardBrowserLevel(env wire.EnvelopeCommand) {
	chromeID := b.chromeSeq.Next()
	b.mu.Lock()
	b.pendingChrome[chromeID] = relayForward{extID: env.ID}
	b.mu.Unlock()

	frame := chromeFrame{ID: chromeID, Method: env.Params.Method, Params: env.Params.Params}
	if tabs := b.registry.All(); len(tabs) > 0 {
		frame.SessionID = tabs[0].chromeSessionID
	}
	_ = b.chrome.writeJSON(frame)
}

func (b *Bridge) handleAttachToTarget(env wire.EnvelopeCommand) {
	var req struct {
		TargetID string `json:"targetId"`
	}
	_ = json.Unmarshal(env.Params.Params, &req)

	b.mu.Lock()
	b.pendingAttach[req.TargetID] = env.ID
	b.mu.Unlock()

	chromeID := b.chromeSeq.Next()
	_ = b.chrome.writeJSON(chromeFrame{
		ID:     chromeID,
		Method: "Target.attachToTarget",
		Params: mustRaw(map[string]interface{}{"targetId": req.TargetID, "flatten": true}),
	})
}

// handleCreateTarget sends Target.createTarget to Chrome unmodified; once
// Chrome answers with the new targetId, onTargetCreated replies to the
// caller and kicks off the auto-attach.
func (b *Bridge) handleCreateTarget(env wire.EnvelopeCommand) {
	chromeID := b.chromeSeq.Next()
	b.mu.Lock()
	b.pendingChrome[chromeID] = relayForward{extID: env.ID, special: specialCreateTarget}
	b.mu.Unlock()

	_ = b.chrome.writeJSON(chromeFrame{
		ID:     chromeID,
		Method: "Target.createTarget",
		Params: env.Params.Params,
	})
}

// onTargetCreated replies to the original Target.createTarget call with
// Chrome's {targetId} result, then attaches the new target on its own;
// the resulting Target.attachedToTarget event reaches the client the same
// way any extension-initiated attach does, with no pending reply to
// settle since this targetId was never recorded in pendingAttach.
func (b *Bridge) onTargetCreated(extID int64, result json.RawMessage) {
	var body struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(result, &body); err != nil || body.TargetID == "" {
		_ = b.relay.writeJSON(wire.EnvelopeResponse{
			ID:    extID,
			Error: &wire.Error{Message: "bridge: createTarget response missing targetId"},
		})
		return
	}

	_ = b.relay.writeJSON(wire.EnvelopeResponse{ID: extID, Result: result})

	chromeID := b.chromeSeq.Next()
	_ = b.chrome.writeJSON(chromeFrame{
		ID:     chromeID,
		Method: "Target.attachToTarget",
		Params: mustRaw(map[string]interface{}{"targetId": body.TargetID, "flatten": true}),
	})
}

func mustRaw(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
