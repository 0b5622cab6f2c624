package relayserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/shaneholloman/cdp-relay/internal/recording"
)

func (s *Server) handleRecordingStart(c echo.Context) error {
	var req recording.StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	resp, err := s.rec.Start(req)
	if err != nil {
		return c.JSON(recordingErrorStatus(err), recording.StartResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRecordingStop(c echo.Context) error {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	_ = c.Bind(&body)

	resp, err := s.rec.Stop(body.SessionID)
	if err != nil {
		return c.JSON(recordingErrorStatus(err), recording.StopResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRecordingStatus(c echo.Context) error {
	sessionID := c.QueryParam("sessionId")
	resp, err := s.rec.Status(sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRecordingCancel(c echo.Context) error {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	_ = c.Bind(&body)

	if err := s.rec.Cancel(body.SessionID); err != nil {
		return c.JSON(recordingErrorStatus(err), map[string]interface{}{"success": false, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

// recordingErrorStatus maps a recording coordinator error to the HTTP
// status the client should see: a conflict (already recording) is a 409,
// no active recording is a 404, everything else is a plain 400.
func recordingErrorStatus(err error) int {
	if errors.Is(err, recording.ErrAlreadyRecording) {
		return http.StatusConflict
	}
	if errors.Is(err, recording.ErrNotRecording) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}
