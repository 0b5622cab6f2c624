// Package hub implements the relay hub: the singleton that owns the
// single extension WebSocket, the set of client sessions, and the
// id-translation/fan-out engine connecting them.
//
// The hub keeps the client sessions, the attached tabs, the pending
// extension calls, session ownership and per-session event buffers in
// one multi-client, single-extension hub with explicit
// session-lifecycle synthesis.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shaneholloman/cdp-relay/internal/wire"
)

// ErrNoExtension is returned when a client command requires an attached
// extension and none is connected.
var ErrNoExtension = errors.New("no extension attached")

// ErrUnknownSession is returned when a command references a session id
// the hub has no record of.
var ErrUnknownSession = errors.New("unknown session")

// ErrBacklogExceeded is returned when a client's pending-command count
// would exceed the configured cap.
var ErrBacklogExceeded = errors.New("client backlog exceeded")

// tabRecord is the hub's view of one attached tab, keyed by its
// synthesized session id.
type tabRecord struct {
	sessionID  string
	targetID   string
	tabID      int
	targetInfo json.RawMessage
}

// pendingExtCall records who to route an extension response back to. A
// call issued on behalf of a client carries clientID/originalID; a call
// issued internally (e.g. by the recording coordinator's control-channel
// commands) carries a replyCh instead.
type pendingExtCall struct {
	clientID   string
	sessionID  string
	originalID int64
	replyCh    chan wire.EnvelopeResponse
}

// Hub is the per-process relay hub singleton.
type Hub struct {
	mu sync.Mutex

	ext     *extensionLink
	clients map[string]*ClientSession
	tabs    map[string]*tabRecord // sessionId -> tab

	pending map[int64]pendingExtCall // extension-visible id -> routing info
	seq     wire.Sequence

	sessionOwner map[string]string // sessionId -> clientId, set by Target.attachToTarget

	buffers map[string][]wire.Event // sessionId -> buffered events awaiting a bound socket

	bufferDepth int
	pendingCap  int

	onTabDetached func(tabID int)

	log zerolog.Logger
}

// Config configures buffer/backlog bounds.
type Config struct {
	BufferDepth int
	PendingCap  int
	Logger      zerolog.Logger

	// OnTabDetached, if set, is invoked whenever a tab is removed from the
	// hub's registry (extension-reported detach, or the extension itself
	// disconnecting), so the recording coordinator can cancel any
	// in-progress recording for that tab without the hub importing it.
	OnTabDetached func(tabID int)
}

// New constructs an empty Hub.
func New(cfg Config) *Hub {
	if cfg.BufferDepth <= 0 {
		cfg.BufferDepth = 1024
	}
	if cfg.PendingCap <= 0 {
		cfg.PendingCap = 10000
	}
	return &Hub{
		clients:       make(map[string]*ClientSession),
		tabs:          make(map[string]*tabRecord),
		pending:       make(map[int64]pendingExtCall),
		buffers:       make(map[string][]wire.Event),
		sessionOwner:  make(map[string]string),
		bufferDepth:   cfg.BufferDepth,
		pendingCap:    cfg.PendingCap,
		onTabDetached: cfg.OnTabDetached,
		log:           cfg.Logger,
	}
}

// SetOnTabDetached wires the tab-detach callback after construction, for
// callers (such as the recording coordinator) that must be built from an
// already-constructed Hub and so cannot supply it via Config.
func (h *Hub) SetOnTabDetached(fn func(tabID int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onTabDetached = fn
}

// RegisterExtension installs a new extension connection, replacing and
// closing any previous one with close code 4001.
func (h *Hub) RegisterExtension(conn *websocket.Conn) {
	h.mu.Lock()
	prev := h.ext
	h.ext = newExtensionLink(conn)
	tabs := h.tabs
	h.tabs = make(map[string]*tabRecord)
	h.sessionOwner = make(map[string]string)
	pending := h.pending
	h.pending = make(map[int64]pendingExtCall)
	clients := make([]*ClientSession, 0, len(h.clients))
	for _, cs := range h.clients {
		clients = append(clients, cs)
	}
	h.mu.Unlock()

	if prev != nil {
		h.log.Info().Msg("extension replaced, evicting previous connection")
		_ = prev.close(4001, "Extension Replaced")
	}

	for _, call := range pending {
		h.replyError(call, "extension replaced")
	}

	for _, tab := range tabs {
		h.broadcastDetached(clients, tab.sessionID)
	}
	for _, cs := range clients {
		cs.invalidate()
	}
	h.notifyTabsDetached(tabs)
}

// UnregisterExtension handles the extension socket closing on its own
// (not being replaced): every pending call fails, every tab is detached.
func (h *Hub) UnregisterExtension() {
	h.mu.Lock()
	h.ext = nil
	tabs := h.tabs
	h.tabs = make(map[string]*tabRecord)
	h.sessionOwner = make(map[string]string)
	pending := h.pending
	h.pending = make(map[int64]pendingExtCall)
	clients := make([]*ClientSession, 0, len(h.clients))
	for _, cs := range h.clients {
		clients = append(clients, cs)
	}
	h.mu.Unlock()

	for _, call := range pending {
		h.replyError(call, "extension disconnected")
	}
	for _, tab := range tabs {
		h.broadcastDetached(clients, tab.sessionID)
	}
	h.notifyTabsDetached(tabs)
}

func (h *Hub) notifyTabsDetached(tabs map[string]*tabRecord) {
	if h.onTabDetached == nil {
		return
	}
	for _, tab := range tabs {
		h.onTabDetached(tab.tabID)
	}
}

func (h *Hub) replyError(call pendingExtCall, message string) {
	h.mu.Lock()
	cs, ok := h.clients[call.clientID]
	h.mu.Unlock()
	if !ok {
		return
	}
	resp := wire.Response{ID: call.originalID, SessionID: call.sessionID, Error: &wire.Error{Message: message}}
	h.routeClientResponse(cs, call.sessionID, resp)
}

func (h *Hub) broadcastDetached(clients []*ClientSession, sessionID string) {
	ev := wire.Event{
		Method:    "Target.detachedFromTarget",
		SessionID: sessionID,
		Params:    mustRaw(map[string]string{"sessionId": sessionID}),
	}
	for _, cs := range clients {
		_ = cs.Root.writeJSON(ev)
		if conn, ok := cs.sessionConn(sessionID); ok {
			_ = conn.close(1000, "target detached")
			cs.UnbindSession(sessionID)
		}
	}
}

// NewClientSession registers a freshly connected client's root socket.
func (h *Hub) NewClientSession(id string, root *websocket.Conn) *ClientSession {
	cs := newClientSession(id, root, h)
	h.mu.Lock()
	h.clients[id] = cs
	h.mu.Unlock()
	return cs
}

// RemoveClientSession deregisters a client session and cancels any
// pending calls attributed to it.
func (h *Hub) RemoveClientSession(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	for extID, call := range h.pending {
		if call.clientID == id {
			delete(h.pending, extID)
		}
	}
	for sessionID, clientID := range h.sessionOwner {
		if clientID == id {
			delete(h.sessionOwner, sessionID)
		}
	}
	h.mu.Unlock()
}

// ResolveTabID maps a synthesized session id to the numeric tab id
// reported by the bridge at attach time, implementing
// recording.SessionResolver.
func (h *Hub) ResolveTabID(sessionID string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tab, ok := h.tabs[sessionID]
	if !ok {
		return 0, false
	}
	return tab.tabID, true
}

// SessionInfo describes one attached tab for operational listing (the
// "cdp-relay sessions" CLI command and its backing HTTP endpoint).
type SessionInfo struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
	TabID     int    `json:"tabId"`
}

// ListSessions returns every currently attached tab.
func (h *Hub) ListSessions() []SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SessionInfo, 0, len(h.tabs))
	for _, t := range h.tabs {
		out = append(out, SessionInfo{SessionID: t.sessionID, TargetID: t.targetID, TabID: t.tabID})
	}
	return out
}

// Drain ends every live session for every connected client ahead of an
// ownership handoff: each client receives Target.detachedFromTarget for
// every session it held, then its sockets are closed with code 1000.
func (h *Hub) Drain() {
	h.mu.Lock()
	tabs := h.tabs
	h.tabs = make(map[string]*tabRecord)
	h.sessionOwner = make(map[string]string)
	h.buffers = make(map[string][]wire.Event)
	clients := make([]*ClientSession, 0, len(h.clients))
	for _, cs := range h.clients {
		clients = append(clients, cs)
	}
	h.mu.Unlock()

	for _, tab := range tabs {
		h.broadcastDetached(clients, tab.sessionID)
	}
	for _, cs := range clients {
		cs.Close()
	}
	h.notifyTabsDetached(tabs)
}

// SweepStaleBuffers discards any buffered events left over for a session
// whose tab is no longer registered. fanOutSessionEvent buffers events for
// a session with no bound socket; if that tab detaches (or the extension
// reconnects) before any client ever binds the session, nothing else ever
// drains the buffer. It returns the number of sessions cleared.
func (h *Hub) SweepStaleBuffers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cleared := 0
	for sessionID := range h.buffers {
		if _, live := h.tabs[sessionID]; !live {
			delete(h.buffers, sessionID)
			cleared++
		}
	}
	return cleared
}

// HasExtension reports whether an extension is currently attached.
func (h *Hub) HasExtension() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ext != nil
}

// HandleRootCommand processes a command arriving on a client's root
// socket.
func (h *Hub) HandleRootCommand(cs *ClientSession, cmd wire.Command) {
	switch cmd.Method {
	case "Target.setDiscoverTargets":
		cs.setDiscover(true)
		h.routeClientResponse(cs, "", wire.Response{ID: cmd.ID, Result: json.RawMessage(`{}`)})
		h.emitExistingTargets(cs)
	case "Target.attachToTarget":
		h.handleAttachToTarget(cs, cmd)
	default:
		// A non-empty SessionID here means the client is addressing a
		// target in legacy (non-flat) mode over the single root socket,
		// rather than opening a dedicated per-session socket.
		if cmd.SessionID != "" {
			h.HandleSessionCommand(cs, cmd.SessionID, cmd)
			return
		}
		h.forwardToExtension(cs, "", cmd)
	}
}

// handleAttachToTarget answers a client's Target.attachToTarget for a tab
// the extension has already attached: the synthesized session id was
// allocated at extension-attach time, so this only needs to bind the
// client to it and announce it, never forwarding to the extension.
func (h *Hub) handleAttachToTarget(cs *ClientSession, cmd wire.Command) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	_ = json.Unmarshal(cmd.Params, &params)

	h.mu.Lock()
	var tab *tabRecord
	for _, t := range h.tabs {
		if t.targetID == params.TargetID {
			tab = t
			break
		}
	}
	if tab != nil {
		h.sessionOwner[tab.sessionID] = cs.ID
	}
	h.mu.Unlock()

	if tab == nil {
		h.routeClientResponse(cs, "", wire.Response{
			ID:    cmd.ID,
			Error: &wire.Error{Message: fmt.Sprintf("no target with id %q", params.TargetID)},
		})
		return
	}

	h.routeClientResponse(cs, "", wire.Response{ID: cmd.ID, Result: mustRaw(map[string]string{"sessionId": tab.sessionID})})

	attached := struct {
		SessionID          string          `json:"sessionId"`
		TargetInfo         json.RawMessage `json:"targetInfo"`
		WaitingForDebugger bool            `json:"waitingForDebugger"`
	}{SessionID: tab.sessionID, TargetInfo: tab.targetInfo, WaitingForDebugger: false}
	ev := wire.Event{Method: "Target.attachedToTarget", SessionID: tab.sessionID, Params: mustRaw(attached)}
	_ = cs.Root.writeJSON(ev)
}

// ClientSessionFor returns the client session that most recently attached
// to sessionID via Target.attachToTarget, so the relay server can bind an
// incoming per-session WebSocket without the client needing to name
// itself.
func (h *Hub) ClientSessionFor(sessionID string) (*ClientSession, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clientID, ok := h.sessionOwner[sessionID]
	if !ok {
		return nil, false
	}
	cs, ok := h.clients[clientID]
	return cs, ok
}

// emitExistingTargets sends Target.targetCreated for every tab already
// known to the hub, matching Chrome's own setDiscoverTargets behavior.
func (h *Hub) emitExistingTargets(cs *ClientSession) {
	h.mu.Lock()
	tabs := make([]*tabRecord, 0, len(h.tabs))
	for _, t := range h.tabs {
		tabs = append(tabs, t)
	}
	h.mu.Unlock()

	for _, t := range tabs {
		ev := wire.Event{Method: "Target.targetCreated", Params: t.targetInfo}
		_ = cs.Root.writeJSON(ev)
	}
}

// HandleSessionCommand processes a command arriving on one of a client's
// per-session sockets.
func (h *Hub) HandleSessionCommand(cs *ClientSession, sessionID string, cmd wire.Command) {
	h.mu.Lock()
	_, known := h.tabs[sessionID]
	h.mu.Unlock()
	if !known {
		h.routeClientResponse(cs, sessionID, wire.Response{
			ID:        cmd.ID,
			SessionID: sessionID,
			Error:     &wire.Error{Message: ErrUnknownSession.Error()},
		})
		return
	}
	h.forwardToExtension(cs, sessionID, cmd)
}

func (h *Hub) forwardToExtension(cs *ClientSession, sessionID string, cmd wire.Command) {
	h.mu.Lock()
	if h.ext == nil {
		h.mu.Unlock()
		h.routeClientResponse(cs, sessionID, wire.Response{
			ID:        cmd.ID,
			SessionID: sessionID,
			Error:     &wire.Error{Message: ErrNoExtension.Error()},
		})
		return
	}
	count := 0
	for _, p := range h.pending {
		if p.clientID == cs.ID {
			count++
		}
	}
	if count >= h.pendingCap {
		h.mu.Unlock()
		h.routeClientResponse(cs, sessionID, wire.Response{
			ID:        cmd.ID,
			SessionID: sessionID,
			Error:     &wire.Error{Message: ErrBacklogExceeded.Error()},
		})
		return
	}

	extID := h.seq.Next()
	h.pending[extID] = pendingExtCall{clientID: cs.ID, sessionID: sessionID, originalID: cmd.ID}
	ext := h.ext
	h.mu.Unlock()

	envelope := wire.EnvelopeCommand{
		ID:     extID,
		Method: wire.ForwardCDPCommandMethod,
		Params: wire.EnvelopeCommandParams{
			SessionID: sessionID,
			Method:    cmd.Method,
			Params:    cmd.Params,
		},
	}
	if err := ext.send(envelope); err != nil {
		h.mu.Lock()
		delete(h.pending, extID)
		h.mu.Unlock()
		h.routeClientResponse(cs, sessionID, wire.Response{
			ID: cmd.ID, SessionID: sessionID,
			Error: &wire.Error{Message: fmt.Sprintf("extension write failed: %v", err)},
		})
	}
}

// HandleExtensionFrame processes one decoded frame arriving from the
// extension bridge: a response to a forwarded command, a forwarded
// event, or a recording/log side-channel message (dispatched by the
// caller; this handles the CDP-shaped ones).
func (h *Hub) HandleExtensionFrame(raw []byte) {
	peek, err := wire.Decode(raw)
	if err != nil {
		h.log.Warn().Err(err).Msg("malformed extension frame")
		return
	}

	switch {
	case peek.Method == wire.ForwardCDPEventMethod:
		h.handleForwardedEvent(peek.Params)
	case peek.ID != nil:
		h.handleExtensionResponse(*peek.ID, peek.Result, peek.Error)
	default:
		h.log.Debug().Str("method", peek.Method).Msg("unhandled extension frame")
	}
}

func (h *Hub) handleExtensionResponse(id int64, result, errRaw json.RawMessage) {
	h.mu.Lock()
	call, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	var cs *ClientSession
	if ok && call.replyCh == nil {
		cs = h.clients[call.clientID]
	}
	h.mu.Unlock()

	if !ok {
		h.log.Warn().Int64("id", id).Msg("response for unknown extension call id, dropping")
		return
	}

	var errObj *wire.Error
	if len(errRaw) > 0 {
		var e wire.Error
		if jsonErr := json.Unmarshal(errRaw, &e); jsonErr == nil {
			errObj = &e
		}
	}

	if call.replyCh != nil {
		call.replyCh <- wire.EnvelopeResponse{ID: call.originalID, Result: result, Error: errObj}
		return
	}
	if cs == nil {
		return
	}

	resp := wire.Response{ID: call.originalID, SessionID: call.sessionID, Result: result}
	if errObj != nil {
		resp.Error = errObj
		resp.Result = nil
	}
	h.routeClientResponse(cs, call.sessionID, resp)
}

// SendControl sends a non-CDP control-channel command directly to the
// extension and blocks until the matching reply arrives. Used by the
// recording coordinator, which has no client session of its own to
// route a reply to.
func (h *Hub) SendControl(method string, params interface{}) (json.RawMessage, *wire.Error, error) {
	h.mu.Lock()
	if h.ext == nil {
		h.mu.Unlock()
		return nil, nil, ErrNoExtension
	}
	id := h.seq.Next()
	replyCh := make(chan wire.EnvelopeResponse, 1)
	h.pending[id] = pendingExtCall{originalID: id, replyCh: replyCh}
	ext := h.ext
	h.mu.Unlock()

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		return nil, nil, err
	}

	frame := struct {
		ID     int64           `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
	}{ID: id, Method: method, Params: paramsRaw}

	if err := ext.send(frame); err != nil {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		return nil, nil, err
	}

	resp := <-replyCh
	return resp.Result, resp.Error, nil
}

func (h *Hub) handleForwardedEvent(raw json.RawMessage) {
	var params wire.EnvelopeEventParams
	if err := json.Unmarshal(raw, &params); err != nil {
		h.log.Warn().Err(err).Msg("malformed forwarded event params")
		return
	}

	ev := wire.Event{Method: params.Method, Params: params.Params, SessionID: params.SessionID}

	switch params.Method {
	case "Target.attachedToTarget":
		h.handleAttached(ev)
	case "Target.detachedFromTarget":
		h.handleDetached(ev)
	default:
		h.fanOutSessionEvent(ev)
	}
}

func (h *Hub) handleAttached(ev wire.Event) {
	var body struct {
		SessionID  string          `json:"sessionId"`
		TabID      int             `json:"tabId"`
		TargetInfo json.RawMessage `json:"targetInfo"`
	}
	_ = json.Unmarshal(ev.Params, &body)
	sessionID := body.SessionID
	if sessionID == "" {
		sessionID = ev.SessionID
	}

	var targetID string
	var ti struct {
		TargetID string `json:"targetId"`
	}
	_ = json.Unmarshal(body.TargetInfo, &ti)
	targetID = ti.TargetID

	h.mu.Lock()
	h.tabs[sessionID] = &tabRecord{sessionID: sessionID, targetID: targetID, tabID: body.TabID, targetInfo: body.TargetInfo}
	clients := make([]*ClientSession, 0, len(h.clients))
	for _, cs := range h.clients {
		clients = append(clients, cs)
	}
	h.mu.Unlock()

	ev.SessionID = sessionID
	for _, cs := range clients {
		_ = cs.Root.writeJSON(ev)
	}
}

func (h *Hub) handleDetached(ev wire.Event) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(ev.Params, &body)
	sessionID := body.SessionID
	if sessionID == "" {
		sessionID = ev.SessionID
	}

	h.mu.Lock()
	tab, existed := h.tabs[sessionID]
	delete(h.tabs, sessionID)
	delete(h.sessionOwner, sessionID)
	clients := make([]*ClientSession, 0, len(h.clients))
	for _, cs := range h.clients {
		clients = append(clients, cs)
	}
	h.mu.Unlock()

	if !existed {
		return
	}
	h.broadcastDetached(clients, sessionID)
	if h.onTabDetached != nil {
		h.onTabDetached(tab.tabID)
	}
}

// fanOutSessionEvent delivers an event to every client socket bound to
// its session, buffering (bounded, oldest-drop) for clients whose
// per-session socket is not yet open.
func (h *Hub) fanOutSessionEvent(ev wire.Event) {
	h.mu.Lock()
	clients := make([]*ClientSession, 0, len(h.clients))
	for _, cs := range h.clients {
		clients = append(clients, cs)
	}
	h.mu.Unlock()

	delivered := false
	for _, cs := range clients {
		if conn, ok := cs.sessionConn(ev.SessionID); ok {
			_ = conn.writeJSON(ev)
			delivered = true
		}
	}
	if delivered {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	buf := h.buffers[ev.SessionID]
	buf = append(buf, ev)
	if len(buf) > h.bufferDepth {
		overflow := len(buf) - h.bufferDepth
		buf = buf[overflow:]
		h.log.Warn().Str("sessionId", ev.SessionID).Int("dropped", overflow).Msg("event buffer overflow, dropped oldest")
	}
	h.buffers[ev.SessionID] = buf
}

// drainBuffer flushes any buffered events for a session once a client
// binds its per-session socket, then discards the buffer.
func (h *Hub) drainBuffer(cs *ClientSession, sessionID string) {
	h.mu.Lock()
	buf := h.buffers[sessionID]
	delete(h.buffers, sessionID)
	h.mu.Unlock()

	conn, ok := cs.sessionConn(sessionID)
	if !ok {
		return
	}
	for _, ev := range buf {
		_ = conn.writeJSON(ev)
	}
}

func (h *Hub) routeClientResponse(cs *ClientSession, sessionID string, resp wire.Response) {
	if sessionID == "" {
		_ = cs.Root.writeJSON(resp)
		return
	}
	if conn, ok := cs.sessionConn(sessionID); ok {
		_ = conn.writeJSON(resp)
		return
	}
	_ = cs.Root.writeJSON(resp)
}

func mustRaw(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
