package recording

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaneholloman/cdp-relay/internal/wire"
)

type fakeExtension struct {
	mu    sync.Mutex
	calls []string
	fail  string
}

func (f *fakeExtension) SendControl(method string, params interface{}) (json.RawMessage, *wire.Error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	if f.fail == method {
		return nil, &wire.Error{Code: -1, Message: "denied"}, nil
	}
	return json.RawMessage(`{}`), nil, nil
}

func (f *fakeExtension) called(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == method {
			return true
		}
	}
	return false
}

type fakeResolver struct {
	sessions map[string]int
}

func (f *fakeResolver) ResolveTabID(sessionID string) (int, bool) {
	id, ok := f.sessions[sessionID]
	return id, ok
}

func newCoordinator(t *testing.T, ext *fakeExtension, window time.Duration) (*Coordinator, string) {
	t.Helper()
	resolver := &fakeResolver{sessions: map[string]int{"pw-tab-1": 1}}
	return New(ext, resolver, window, zerolog.Nop()), "pw-tab-1"
}

func TestStartWaitsForFirstChunkThenSucceeds(t *testing.T) {
	ext := &fakeExtension{}
	c, sessionID := newCoordinator(t, ext, time.Second)
	out := filepath.Join(t.TempDir(), "out.mp4")

	done := make(chan StartResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := c.Start(StartRequest{SessionID: sessionID, OutputPath: out})
		done <- resp
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.HandleChunk(wire.RecordingChunkParams{TabID: 1, Data: []byte("abc")})

	resp := <-done
	require.NoError(t, <-errCh)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.TabID)
	assert.True(t, ext.called("startRecording"))
}

func TestStartTimesOutWithoutFirstChunk(t *testing.T) {
	ext := &fakeExtension{}
	c, sessionID := newCoordinator(t, ext, 30*time.Millisecond)
	out := filepath.Join(t.TempDir(), "out.mp4")

	_, err := c.Start(StartRequest{SessionID: sessionID, OutputPath: out})
	require.ErrorIs(t, err, ErrFirstChunkTimeout)

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "partial output file should be removed on timeout")
}

func TestStartRejectsSecondRecordingOnSameTab(t *testing.T) {
	ext := &fakeExtension{}
	c, sessionID := newCoordinator(t, ext, time.Second)
	out := filepath.Join(t.TempDir(), "out.mp4")

	go func() {
		c.Start(StartRequest{SessionID: sessionID, OutputPath: out})
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := c.Start(StartRequest{SessionID: sessionID, OutputPath: out + ".2"})
	require.ErrorIs(t, err, ErrAlreadyRecording)
}

func TestHandleChunkAppendsAndFinalCloses(t *testing.T) {
	ext := &fakeExtension{}
	c, sessionID := newCoordinator(t, ext, time.Second)
	out := filepath.Join(t.TempDir(), "out.mp4")

	done := make(chan struct{})
	go func() {
		c.Start(StartRequest{SessionID: sessionID, OutputPath: out})
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	c.HandleChunk(wire.RecordingChunkParams{TabID: 1, Data: []byte("hello")})
	c.HandleChunk(wire.RecordingChunkParams{TabID: 1, Data: []byte("world")})
	c.HandleChunk(wire.RecordingChunkParams{TabID: 1, Final: true})
	<-done

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(data))
}

func TestStopReturnsFinalizedFileStats(t *testing.T) {
	ext := &fakeExtension{}
	c, sessionID := newCoordinator(t, ext, time.Second)
	out := filepath.Join(t.TempDir(), "out.mp4")

	go func() {
		c.Start(StartRequest{SessionID: sessionID, OutputPath: out})
	}()
	time.Sleep(20 * time.Millisecond)
	c.HandleChunk(wire.RecordingChunkParams{TabID: 1, Data: []byte("data")})

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.HandleChunk(wire.RecordingChunkParams{TabID: 1, Final: true})
	}()

	resp, err := c.Stop(sessionID)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, out, resp.Path)
	assert.EqualValues(t, 4, resp.Size)
	assert.True(t, ext.called("stopRecording"))
}

func TestStopWithoutActiveRecordingErrors(t *testing.T) {
	ext := &fakeExtension{}
	c, sessionID := newCoordinator(t, ext, time.Second)

	_, err := c.Stop(sessionID)
	require.ErrorIs(t, err, ErrNotRecording)
}

func TestCancelRemovesPartialFile(t *testing.T) {
	ext := &fakeExtension{}
	c, sessionID := newCoordinator(t, ext, time.Second)
	out := filepath.Join(t.TempDir(), "out.mp4")

	go func() {
		c.Start(StartRequest{SessionID: sessionID, OutputPath: out})
	}()
	time.Sleep(20 * time.Millisecond)
	c.HandleChunk(wire.RecordingChunkParams{TabID: 1, Data: []byte("partial")})

	require.NoError(t, c.Cancel(sessionID))
	assert.True(t, ext.called("cancelRecording"))

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStatusReflectsActiveRecording(t *testing.T) {
	ext := &fakeExtension{}
	c, sessionID := newCoordinator(t, ext, time.Second)
	out := filepath.Join(t.TempDir(), "out.mp4")

	status, err := c.Status(sessionID)
	require.NoError(t, err)
	assert.False(t, status.IsRecording)

	go func() {
		c.Start(StartRequest{SessionID: sessionID, OutputPath: out})
	}()
	time.Sleep(20 * time.Millisecond)
	c.HandleChunk(wire.RecordingChunkParams{TabID: 1, Data: []byte("x")})
	time.Sleep(20 * time.Millisecond)

	status, err = c.Status(sessionID)
	require.NoError(t, err)
	assert.True(t, status.IsRecording)
	assert.Equal(t, 1, status.TabID)
}

func TestHandleCancelledAbortsRecording(t *testing.T) {
	ext := &fakeExtension{}
	c, sessionID := newCoordinator(t, ext, time.Second)
	out := filepath.Join(t.TempDir(), "out.mp4")

	go func() {
		c.Start(StartRequest{SessionID: sessionID, OutputPath: out})
	}()
	time.Sleep(20 * time.Millisecond)
	c.HandleChunk(wire.RecordingChunkParams{TabID: 1, Data: []byte("x")})
	time.Sleep(10 * time.Millisecond)

	c.HandleCancelled(wire.RecordingCancelledParams{TabID: 1, Reason: "permission revoked"})

	status, err := c.Status(sessionID)
	require.NoError(t, err)
	assert.False(t, status.IsRecording)
}

func TestOnTabDisconnectFlushesPartialRecording(t *testing.T) {
	ext := &fakeExtension{}
	c, sessionID := newCoordinator(t, ext, time.Second)
	out := filepath.Join(t.TempDir(), "out.mp4")

	go func() {
		c.Start(StartRequest{SessionID: sessionID, OutputPath: out})
	}()
	time.Sleep(20 * time.Millisecond)
	c.HandleChunk(wire.RecordingChunkParams{TabID: 1, Data: []byte("x")})
	time.Sleep(10 * time.Millisecond)

	c.OnTabDisconnect(1)

	status, err := c.Status(sessionID)
	require.NoError(t, err)
	assert.False(t, status.IsRecording)

	data, statErr := os.ReadFile(out)
	require.NoError(t, statErr)
	assert.Equal(t, "x", string(data))
}

func TestStartWithUnknownSessionErrors(t *testing.T) {
	ext := &fakeExtension{}
	c, _ := newCoordinator(t, ext, time.Second)

	_, err := c.Start(StartRequest{SessionID: "does-not-exist", OutputPath: filepath.Join(t.TempDir(), "o.mp4")})
	require.Error(t, err)
}
