// Package recording implements the tab-capture recording coordinator:
// it maps the four HTTP recording endpoints onto the extension's
// control channel, receives binary MP4 chunks, and owns the output file
// for each in-progress recording.
package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaneholloman/cdp-relay/internal/wire"
)

// ErrAlreadyRecording is returned from Start when the target tab already
// has an active recording.
var ErrAlreadyRecording = errors.New("recording already active for this tab")

// ErrNotRecording is returned from Stop/Cancel when there is no active
// recording matching the request.
var ErrNotRecording = errors.New("no active recording for this tab")

// ErrFirstChunkTimeout is returned from Start when the extension does
// not begin streaming chunks within the configured grace period.
var ErrFirstChunkTimeout = errors.New("timed out waiting for first recording chunk")

// ExtensionSender is the subset of the hub's extension link the
// coordinator needs: sending control-channel commands and waiting for
// their single reply. These are not CDP commands, so they ride outside
// the forwardCDPCommand envelope.
type ExtensionSender interface {
	SendControl(method string, params interface{}) (json.RawMessage, *wire.Error, error)
}

// SessionResolver maps a client-supplied session id to a numeric tab id,
// so HTTP callers can address a recording by the same session id they
// use for CDP.
type SessionResolver interface {
	ResolveTabID(sessionID string) (int, bool)
}

// StartRequest is the body of POST /recording/start.
type StartRequest struct {
	SessionID          string `json:"sessionId,omitempty"`
	FrameRate          int    `json:"frameRate,omitempty"`
	VideoBitsPerSecond int    `json:"videoBitsPerSecond,omitempty"`
	AudioBitsPerSecond int    `json:"audioBitsPerSecond,omitempty"`
	Audio              bool   `json:"audio,omitempty"`
	OutputPath         string `json:"outputPath" validate:"required"`
}

// StartResponse is the reply to POST /recording/start.
type StartResponse struct {
	Success   bool      `json:"success"`
	TabID     int       `json:"tabId,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// StopResponse is the reply to POST /recording/stop.
type StopResponse struct {
	Success  bool          `json:"success"`
	Path     string        `json:"path,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Size     int64         `json:"size,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// StatusResponse is the reply to GET /recording/status.
type StatusResponse struct {
	IsRecording bool      `json:"isRecording"`
	TabID       int       `json:"tabId,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
}

// recorder is one tab's in-progress recording. Its mutable fields
// (bytes, finalized, and the file itself) are written from the
// extension read-loop goroutine via HandleChunk and read from the HTTP
// handler goroutine via Stop/Status, so every access goes through mu
// rather than the Coordinator's own lock (which only guards byTab).
type recorder struct {
	tabID      int
	outputPath string
	startedAt  time.Time
	firstChunk chan struct{}
	chunkOnce  sync.Once

	mu        sync.Mutex
	file      *os.File
	bytes     int64
	finalized bool
}

// appendChunk writes data to the recording file and returns the new
// total byte count.
func (r *recorder) appendChunk(data []byte) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.file.Write(data)
	if err != nil {
		return r.bytes, err
	}
	r.bytes += int64(n)
	return r.bytes, nil
}

// finalize marks the recording complete, flushing and closing the file
// without removing it.
func (r *recorder) finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = true
	_ = r.file.Sync()
	_ = r.file.Close()
}

// closeFile closes the file without marking the recording finalized,
// used on the delete-the-partial-file path.
func (r *recorder) closeFile() {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.file.Close()
}

func (r *recorder) isFinalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}

func (r *recorder) snapshotBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Coordinator owns every active recording.
type Coordinator struct {
	mu    sync.Mutex
	byTab map[int]*recorder

	ext              ExtensionSender
	resolver         SessionResolver
	firstChunkWindow time.Duration
	log              zerolog.Logger
}

// New constructs a Coordinator.
func New(ext ExtensionSender, resolver SessionResolver, firstChunkWindow time.Duration, log zerolog.Logger) *Coordinator {
	if firstChunkWindow <= 0 {
		firstChunkWindow = 5 * time.Second
	}
	return &Coordinator{
		byTab:            make(map[int]*recorder),
		ext:              ext,
		resolver:         resolver,
		firstChunkWindow: firstChunkWindow,
		log:              log,
	}
}

func (c *Coordinator) resolveTabID(sessionID string) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("sessionId is required")
	}
	tabID, ok := c.resolver.ResolveTabID(sessionID)
	if !ok {
		return 0, fmt.Errorf("unknown session %q", sessionID)
	}
	return tabID, nil
}

// Start begins recording the tab named by req.SessionID.
func (c *Coordinator) Start(req StartRequest) (StartResponse, error) {
	tabID, err := c.resolveTabID(req.SessionID)
	if err != nil {
		return StartResponse{}, err
	}

	c.mu.Lock()
	if _, exists := c.byTab[tabID]; exists {
		c.mu.Unlock()
		return StartResponse{}, ErrAlreadyRecording
	}
	c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return StartResponse{}, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.OpenFile(req.OutputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return StartResponse{}, fmt.Errorf("open output file: %w", err)
	}

	rec := &recorder{
		tabID:      tabID,
		outputPath: req.OutputPath,
		startedAt:  time.Now(),
		file:       f,
		firstChunk: make(chan struct{}),
	}

	c.mu.Lock()
	c.byTab[tabID] = rec
	c.mu.Unlock()

	_, errObj, err := c.ext.SendControl("startRecording", map[string]interface{}{
		"tabId":              tabID,
		"frameRate":          req.FrameRate,
		"videoBitsPerSecond": req.VideoBitsPerSecond,
		"audioBitsPerSecond": req.AudioBitsPerSecond,
		"audio":              req.Audio,
	})
	if err != nil || errObj != nil {
		c.abort(tabID)
		if errObj != nil {
			return StartResponse{}, fmt.Errorf("%s", errObj.Message)
		}
		return StartResponse{}, err
	}

	select {
	case <-rec.firstChunk:
	case <-time.After(c.firstChunkWindow):
		c.abort(tabID)
		return StartResponse{}, ErrFirstChunkTimeout
	}

	return StartResponse{Success: true, TabID: tabID, StartedAt: rec.startedAt}, nil
}

// abort ends a recording and discards its partial output: the explicit
// cancel path (Cancel, a failed write, an extension-reported
// cancellation).
func (c *Coordinator) abort(tabID int) {
	c.mu.Lock()
	rec, ok := c.byTab[tabID]
	delete(c.byTab, tabID)
	c.mu.Unlock()
	if !ok {
		return
	}
	rec.closeFile()
	_ = os.Remove(rec.outputPath)
}

// flushAndClose ends a recording and keeps its partial output: used when
// the tab itself goes away mid-recording, rather than the recording
// being explicitly cancelled.
func (c *Coordinator) flushAndClose(tabID int) {
	c.mu.Lock()
	rec, ok := c.byTab[tabID]
	delete(c.byTab, tabID)
	c.mu.Unlock()
	if !ok {
		return
	}
	rec.finalize()
}

// HandleChunk appends a streamed chunk of MP4 bytes, delivered via the
// extension's recordingChunk envelope, to the owning recording's file.
// The final chunk flushes and closes the file.
func (c *Coordinator) HandleChunk(chunk wire.RecordingChunkParams) {
	c.mu.Lock()
	rec, ok := c.byTab[chunk.TabID]
	c.mu.Unlock()
	if !ok {
		return
	}

	rec.chunkOnce.Do(func() { close(rec.firstChunk) })

	if len(chunk.Data) > 0 {
		if _, err := rec.appendChunk(chunk.Data); err != nil {
			c.log.Error().Err(err).Int("tabId", chunk.TabID).Msg("recording write failed")
			c.abort(chunk.TabID)
			return
		}
	}

	if chunk.Final {
		rec.finalize()
	}
}

// HandleCancelled processes an extension-originated cancellation (e.g. a
// tab-capture permission was revoked mid-recording).
func (c *Coordinator) HandleCancelled(p wire.RecordingCancelledParams) {
	c.log.Warn().Int("tabId", p.TabID).Str("reason", p.Reason).Msg("recording cancelled by extension")
	c.abort(p.TabID)
}

// Stop ends an in-progress recording and returns the finished file's
// stats.
func (c *Coordinator) Stop(sessionID string) (StopResponse, error) {
	tabID, err := c.resolveTabID(sessionID)
	if err != nil {
		return StopResponse{}, err
	}

	c.mu.Lock()
	rec, ok := c.byTab[tabID]
	c.mu.Unlock()
	if !ok {
		return StopResponse{}, ErrNotRecording
	}

	_, errObj, err := c.ext.SendControl("stopRecording", map[string]interface{}{"tabId": tabID})
	if err != nil {
		return StopResponse{}, err
	}
	if errObj != nil {
		return StopResponse{}, fmt.Errorf("%s", errObj.Message)
	}

	deadline := time.Now().Add(c.firstChunkWindow)
	for !rec.isFinalized() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	c.mu.Lock()
	delete(c.byTab, tabID)
	c.mu.Unlock()

	info, statErr := os.Stat(rec.outputPath)
	size := rec.snapshotBytes()
	if statErr == nil {
		size = info.Size()
	}

	return StopResponse{
		Success:  true,
		Path:     rec.outputPath,
		Duration: time.Since(rec.startedAt),
		Size:     size,
	}, nil
}

// Cancel aborts an in-progress recording without preserving output.
func (c *Coordinator) Cancel(sessionID string) error {
	tabID, err := c.resolveTabID(sessionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	_, ok := c.byTab[tabID]
	c.mu.Unlock()
	if !ok {
		return ErrNotRecording
	}

	_, _, _ = c.ext.SendControl("cancelRecording", map[string]interface{}{"tabId": tabID})
	c.abort(tabID)
	return nil
}

// Status reports whether a tab is currently recording.
func (c *Coordinator) Status(sessionID string) (StatusResponse, error) {
	tabID, err := c.resolveTabID(sessionID)
	if err != nil {
		return StatusResponse{}, err
	}

	c.mu.Lock()
	rec, ok := c.byTab[tabID]
	c.mu.Unlock()
	if !ok {
		return StatusResponse{IsRecording: false}, nil
	}
	return StatusResponse{IsRecording: true, TabID: tabID, StartedAt: rec.startedAt}, nil
}

// OnTabDisconnect ends any active recording for a tab that has gone away.
// Unlike Cancel, this keeps the partial file: the tab closing is not the
// same as the caller asking to discard the recording, so whatever chunks
// arrived are flushed and the file is closed rather than removed.
func (c *Coordinator) OnTabDisconnect(tabID int) {
	c.mu.Lock()
	_, ok := c.byTab[tabID]
	c.mu.Unlock()
	if ok {
		c.log.Info().Int("tabId", tabID).Msg("tab disconnected mid-recording, flushing partial recording")
		c.flushAndClose(tabID)
	}
}
