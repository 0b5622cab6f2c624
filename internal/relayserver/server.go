// Package relayserver wires the relay hub, the recording coordinator, and
// the boot/ownership manager onto the HTTP and WebSocket surface external
// callers actually speak: the extension's single relay socket, a root and
// N per-session sockets per client process, the recording control
// endpoints, and the operational health/version/yield endpoints.
//
// Built around an echo.Echo with a custom validator, middleware applied
// per concern, and dedicated WebSocket upgrade handlers per connection
// class.
package relayserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/shaneholloman/cdp-relay/internal/hub"
	"github.com/shaneholloman/cdp-relay/internal/ownership"
	"github.com/shaneholloman/cdp-relay/internal/recording"
	"github.com/shaneholloman/cdp-relay/internal/wire"
)

// RateLimitConfig bounds client HTTP/WS admission.
type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

// Config configures a Server.
type Config struct {
	Host    string
	Port    int
	Token   string
	Remote  bool
	Version string

	// ExtensionOrigin, if set, is the exact Origin header required on
	// /extension upgrades. Left empty, any chrome-extension:// origin is
	// accepted.
	ExtensionOrigin string

	RateLimit RateLimitConfig
	Logger    zerolog.Logger
}

// Server is the relay's HTTP/WebSocket front door.
type Server struct {
	cfg Config
	e   *echo.Echo

	hub *hub.Hub
	rec *recording.Coordinator
	own *ownership.Manager

	mu        sync.RWMutex
	startTime time.Time
	draining  bool

	log zerolog.Logger
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type requestValidator struct {
	v *validator.Validate
}

func (rv *requestValidator) Validate(i interface{}) error {
	if err := rv.v.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// New constructs a Server. Call ListenAndServe to bind and run it.
func New(cfg Config, h *hub.Hub, rec *recording.Coordinator, own *ownership.Manager) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{v: validator.New()}

	s := &Server{cfg: cfg, e: e, hub: h, rec: rec, own: own, log: cfg.Logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.e.Use(middleware.Recover())

	s.e.GET("/", s.handleHealth)
	s.e.HEAD("/", s.handleHealth)
	s.e.GET("/version", s.handleVersion)

	s.e.GET("/extension", s.handleExtensionWS, s.originMiddleware)

	clients := s.e.Group("", s.rateLimitMiddleware(), s.clientAuthMiddleware)
	clients.GET("/cdp", s.handleCDPRoot)
	clients.GET("/cdp/:sessionId", s.handleCDPSession)
	clients.POST("/recording/start", s.handleRecordingStart)
	clients.POST("/recording/stop", s.handleRecordingStop)
	clients.GET("/recording/status", s.handleRecordingStatus)
	clients.POST("/recording/cancel", s.handleRecordingCancel)
	clients.POST("/mcp-log", s.handleMCPLog)
	clients.GET("/status", s.handleStatus)
	clients.GET("/sessions", s.handleSessions)

	s.e.POST("/internal/yield", s.handleYield, s.loopbackOnlyMiddleware)
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled, draining in-flight connections on the way out.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.mu.Lock()
	s.startTime = time.Now()
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("relay server starting")
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully drains and stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// Drain marks the server as draining (the health probe then answers 503
// and /status reports ok=false) and evicts every connected client ahead
// of an ownership handoff (see internal/ownership). New WebSocket
// upgrades are not refused while draining. It is synchronous: by the
// time it returns, every client has observed its sessions ending.
func (s *Server) Drain(ctx context.Context) {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.hub.Drain()
}

func (s *Server) isDraining() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draining
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.isDraining() {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	if c.Request().Method == http.MethodHead {
		return c.NoContent(http.StatusOK)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":      true,
		"service": "cdp-relay",
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"version": s.cfg.Version})
}

// statusResponse is the body of the client-facing GET /status, consumed
// by the "cdp-relay status" CLI command.
type statusResponse struct {
	OK            bool   `json:"ok"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Sessions      int    `json:"sessions"`
	ExtensionUp   bool   `json:"extensionConnected"`
}

func (s *Server) handleStatus(c echo.Context) error {
	s.mu.RLock()
	uptime := time.Since(s.startTime)
	draining := s.draining
	s.mu.RUnlock()

	return c.JSON(http.StatusOK, statusResponse{
		OK:            !draining,
		Version:       s.cfg.Version,
		UptimeSeconds: int64(uptime.Seconds()),
		Sessions:      len(s.hub.ListSessions()),
		ExtensionUp:   s.hub.HasExtension(),
	})
}

func (s *Server) handleSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hub.ListSessions())
}

func (s *Server) handleYield(c echo.Context) error {
	s.log.Info().Msg("yield requested by incoming owner")
	if s.own != nil {
		s.own.TriggerYield(c.Request().Context(), s.Drain)
	}
	return c.NoContent(http.StatusAccepted)
}

// mcpLogEntry is the body of POST /mcp-log, an optional log sink used by
// sibling processes (the CLI, the MCP server) that share this relay's log
// file rather than maintaining their own.
type mcpLogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

func (s *Server) handleMCPLog(c echo.Context) error {
	var entry mcpLogEntry
	if err := c.Bind(&entry); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid log entry")
	}
	ev := s.log.Info()
	switch strings.ToLower(entry.Level) {
	case "warn", "warning":
		ev = s.log.Warn()
	case "error":
		ev = s.log.Error()
	case "debug":
		ev = s.log.Debug()
	}
	ev.Str("source", entry.Source).Msg(entry.Message)
	return c.NoContent(http.StatusOK)
}

// handleExtensionWS upgrades and owns the sole extension connection for
// the lifetime of the socket.
func (s *Server) handleExtensionWS(c echo.Context) error {
	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Error().Err(err).Msg("extension upgrade failed")
		return err
	}

	s.log.Info().Msg("extension connected")
	s.hub.RegisterExtension(conn)
	defer s.hub.UnregisterExtension()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.Info().Msg("extension disconnected")
			return nil
		}
		s.routeExtensionFrame(raw)
	}
}

// routeExtensionFrame dispatches one decoded extension->relay frame. CDP
// envelopes (forwardCDPEvent, command responses) go to the hub; the
// recording side channel goes to the coordinator.
func (s *Server) routeExtensionFrame(raw []byte) {
	peek, err := wire.Decode(raw)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed extension frame")
		return
	}

	switch peek.Method {
	case "recordingChunk":
		var env wire.RecordingChunk
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Warn().Err(err).Msg("malformed recordingChunk envelope")
			return
		}
		s.rec.HandleChunk(env.Params)
	case "recordingCancelled":
		var env wire.RecordingCancelled
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Warn().Err(err).Msg("malformed recordingCancelled envelope")
			return
		}
		s.rec.HandleCancelled(env.Params)
	case "log":
		var env wire.LogEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}
		s.log.Info().Str("source", "extension").Interface("args", env.Params.Args).Msg(env.Params.Level)
	default:
		s.hub.HandleExtensionFrame(raw)
	}
}

// handleCDPRoot upgrades a client's root CDP socket and owns the
// connection for its lifetime.
func (s *Server) handleCDPRoot(c echo.Context) error {
	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Error().Err(err).Msg("client root upgrade failed")
		return err
	}

	clientID := uuid.NewString()
	cs := s.hub.NewClientSession(clientID, conn)
	s.log.Info().Str("clientId", clientID).Msg("client connected")
	defer func() {
		s.hub.RemoveClientSession(clientID)
		cs.Close()
		s.log.Info().Str("clientId", clientID).Msg("client disconnected")
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		s.dispatchRootFrame(cs, raw)
	}
}

func (s *Server) dispatchRootFrame(cs *hub.ClientSession, raw []byte) {
	peek, err := wire.Decode(raw)
	if err != nil {
		_ = cs.WriteRoot(wire.ParseError(err.Error()))
		return
	}
	if peek.Classify() != wire.KindCommand {
		return
	}
	s.hub.HandleRootCommand(cs, wire.Command{ID: *peek.ID, Method: peek.Method, Params: peek.Params, SessionID: peek.SessionID})
}

// handleCDPSession upgrades a client's per-session socket, binding it to
// whichever client last attached to that session id via
// Target.attachToTarget.
func (s *Server) handleCDPSession(c echo.Context) error {
	sessionID := c.Param("sessionId")
	cs, ok := s.hub.ClientSessionFor(sessionID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown session")
	}

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Error().Err(err).Msg("client session upgrade failed")
		return err
	}

	cs.BindSession(sessionID, conn)
	defer cs.UnbindSession(sessionID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		s.dispatchSessionFrame(cs, sessionID, raw)
	}
}

func (s *Server) dispatchSessionFrame(cs *hub.ClientSession, sessionID string, raw []byte) {
	peek, err := wire.Decode(raw)
	if err != nil {
		_ = cs.WriteSession(sessionID, wire.ParseError(err.Error()))
		return
	}
	if peek.Classify() != wire.KindCommand {
		return
	}
	s.hub.HandleSessionCommand(cs, sessionID, wire.Command{ID: *peek.ID, Method: peek.Method, Params: peek.Params, SessionID: sessionID})
}

