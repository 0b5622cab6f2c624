package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCommandRunning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			status := statusResponse{
				OK:            true,
				Version:       "v1.0.0",
				UptimeSeconds: 3600,
				Sessions:      2,
				ExtensionUp:   true,
			}
			_ = json.NewEncoder(w).Encode(status)
		}
	}))
	defer server.Close()

	url := strings.TrimPrefix(server.URL, "http://")
	parts := strings.Split(url, ":")

	cmd := NewStatusCommand()
	b := bytes.NewBufferString("")
	cmd.SetOut(b)
	cmd.SetArgs([]string{"--host", parts[0], "--port", parts[1]})

	err := cmd.Execute()
	assert.NoError(t, err)

	out := b.String()
	assert.Contains(t, out, "version:   v1.0.0")
	assert.Contains(t, out, "sessions:  2 attached")
	assert.Contains(t, out, "extension: connected")
}

func TestStatusCommandNotRunning(t *testing.T) {
	cmd := NewStatusCommand()
	b := bytes.NewBufferString("")
	cmd.SetOut(b)
	cmd.SetArgs([]string{"--host", "127.0.0.1", "--port", "1"})

	err := cmd.Execute()
	assert.NoError(t, err)
	assert.Contains(t, b.String(), "relay:     not running")
}

func TestStatusCommandJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := statusResponse{OK: true, Version: "v1.0.0"}
		_ = json.NewEncoder(w).Encode(status)
	}))
	defer server.Close()

	url := strings.TrimPrefix(server.URL, "http://")
	parts := strings.Split(url, ":")

	cmd := NewStatusCommand()
	b := bytes.NewBufferString("")
	cmd.SetOut(b)
	cmd.SetArgs([]string{"--host", parts[0], "--port", parts[1], "--json"})

	err := cmd.Execute()
	assert.NoError(t, err)

	var resp statusResponse
	err = json.Unmarshal(b.Bytes(), &resp)
	assert.NoError(t, err)
	assert.Equal(t, "v1.0.0", resp.Version)
}
