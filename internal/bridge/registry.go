// Package bridge implements the extension-side CDP bridge as a
// standalone process: it attaches to a real Chrome's own
// remote-debugging port in flat mode and speaks the relay's extension
// envelope protocol upward, in place of a browser-extension background
// script.
package bridge

import (
	"encoding/json"
	"sync"

	"github.com/shaneholloman/cdp-relay/internal/wire"
)

// Tab is the bridge's record of one attached target. chromeSessionID is
// Chrome's own flat-mode session id; SessionID is the Playwright-facing
// synthesized id the relay and its clients see. The two are deliberately
// kept distinct so a bridge reconnect can mint a fresh SessionID without
// disturbing Chrome's.
type Tab struct {
	TabID           int
	TargetID        string
	SessionID       string
	chromeSessionID string
	TargetInfo      json.RawMessage

	mu       sync.Mutex
	contexts map[int64]json.RawMessage // executionContextId -> cached Runtime.executionContextCreated params
	order    []int64
}

func newTab(tabID int, targetID, sessionID, chromeSessionID string, targetInfo json.RawMessage) *Tab {
	return &Tab{
		TabID:           tabID,
		TargetID:        targetID,
		SessionID:       sessionID,
		chromeSessionID: chromeSessionID,
		TargetInfo:      targetInfo,
		contexts:        make(map[int64]json.RawMessage),
	}
}

// CacheContextCreated records a Runtime.executionContextCreated event so
// it can be replayed on a later Runtime.enable.
func (t *Tab) CacheContextCreated(id int64, raw json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.contexts[id]; !exists {
		t.order = append(t.order, id)
	}
	t.contexts[id] = raw
}

// CacheContextDestroyed forgets one execution context.
func (t *Tab) CacheContextDestroyed(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.contexts, id)
	for i, o := range t.order {
		if o == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// ClearContexts drops the entire cache (Runtime.executionContextsCleared).
func (t *Tab) ClearContexts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contexts = make(map[int64]json.RawMessage)
	t.order = nil
}

// ReplayContexts returns the cached executionContextCreated payloads in
// creation order, for re-emission after Runtime.enable.
func (t *Tab) ReplayContexts() []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]json.RawMessage, 0, len(t.order))
	for _, id := range t.order {
		if raw, ok := t.contexts[id]; ok {
			out = append(out, raw)
		}
	}
	return out
}

// TabRegistry tracks every tab the bridge currently has the Chrome
// debugger attached to. It is the single owner of tab state;
// all access is serialized through its own mutex.
type TabRegistry struct {
	mu sync.Mutex

	nextTabID int
	byTabID   map[int]*Tab
	byTarget  map[string]*Tab
	bySession map[string]*Tab

	sessionIDs wire.SessionIDAllocator
}

// NewTabRegistry constructs an empty registry.
func NewTabRegistry() *TabRegistry {
	return &TabRegistry{
		byTabID:   make(map[int]*Tab),
		byTarget:  make(map[string]*Tab),
		bySession: make(map[string]*Tab),
	}
}

// Attach records a newly attached target, synthesizing a fresh
// Playwright-facing session id. Every reattach (including across a
// bridge reconnect) gets a new session id, never reusing a prior one
// within the registry's lifetime.
func (r *TabRegistry) Attach(targetID, chromeSessionID string, targetInfo json.RawMessage) *Tab {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextTabID++
	sessionID := r.sessionIDs.Next()
	tab := newTab(r.nextTabID, targetID, sessionID, chromeSessionID, targetInfo)

	r.byTabID[tab.TabID] = tab
	r.byTarget[targetID] = tab
	r.bySession[sessionID] = tab
	return tab
}

// Detach removes a tab by its synthesized session id.
func (r *TabRegistry) Detach(sessionID string) (*Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tab, ok := r.bySession[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.bySession, sessionID)
	delete(r.byTarget, tab.TargetID)
	delete(r.byTabID, tab.TabID)
	return tab, true
}

// BySession looks up a tab by its synthesized session id.
func (r *TabRegistry) BySession(sessionID string) (*Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.bySession[sessionID]
	return t, ok
}

// ByChromeSession looks up a tab by Chrome's own flat-mode session id,
// used when routing an unsolicited event from Chrome back to our
// synthesized session id.
func (r *TabRegistry) ByChromeSession(chromeSessionID string) (*Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.byTarget {
		if t.chromeSessionID == chromeSessionID {
			return t, true
		}
	}
	return nil, false
}

// ByTarget looks up a tab by Chrome targetId.
func (r *TabRegistry) ByTarget(targetID string) (*Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byTarget[targetID]
	return t, ok
}

// ByTabID looks up a tab by its registry-assigned numeric id (used by the
// HTTP-facing recording coordinator, which addresses tabs numerically).
func (r *TabRegistry) ByTabID(tabID int) (*Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byTabID[tabID]
	return t, ok
}

// All returns every currently attached tab.
func (r *TabRegistry) All() []*Tab {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Tab, 0, len(r.byTabID))
	for _, t := range r.byTabID {
		out = append(out, t)
	}
	return out
}

// Clear removes every tab, used on a bridge disconnect.
func (r *TabRegistry) Clear() []*Tab {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Tab, 0, len(r.byTabID))
	for _, t := range r.byTabID {
		out = append(out, t)
	}
	r.byTabID = make(map[int]*Tab)
	r.byTarget = make(map[string]*Tab)
	r.bySession = make(map[string]*Tab)
	return out
}
