// Package wire defines the JSON frame shapes spoken on the relay's three
// WebSocket surfaces (client root, client session, extension) and the small
// set of id-remapping helpers shared by the hub and the bridge.
//
// Only the frame and envelope shapes are typed here; every CDP params and
// result payload rides as an opaque json.RawMessage, and the few fields
// the relay acts on are decoded where they are used.
package wire

import "encoding/json"

// ParseErrorCode is returned to a sender when a frame fails to parse as JSON.
const ParseErrorCode = -32700

// Command is a CDP command as sent by a client (or, wrapped in an Envelope,
// forwarded to the extension).
type Command struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Response is a CDP response as returned to a client or received from the
// extension.
type Response struct {
	ID        int64           `json:"id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Error is the CDP-shaped error object carried in a Response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Event is a CDP event, either emitted by the hub toward a client or
// observed by the bridge from Chrome.
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// ForwardCDPCommandMethod is the envelope method the relay uses to wrap a
// CDP command addressed to the extension.
const ForwardCDPCommandMethod = "forwardCDPCommand"

// ForwardCDPEventMethod is the envelope method the extension uses to wrap a
// CDP event observed on an attached tab.
const ForwardCDPEventMethod = "forwardCDPEvent"

// EnvelopeCommand is the relay->extension wrapping used for forwarded
// CDP commands: {id, method:"forwardCDPCommand", params:{sessionId?,
// method, params}}.
type EnvelopeCommand struct {
	ID     int64                 `json:"id"`
	Method string                `json:"method"`
	Params EnvelopeCommandParams `json:"params"`
}

// EnvelopeCommandParams is the inner payload of an EnvelopeCommand.
type EnvelopeCommandParams struct {
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// EnvelopeEvent is the extension->relay wrapping for a forwarded CDP event:
// {method:"forwardCDPEvent", params:{sessionId, method, params}}.
type EnvelopeEvent struct {
	Method string             `json:"method"`
	Params EnvelopeEventParams `json:"params"`
}

// EnvelopeEventParams is the inner payload of an EnvelopeEvent.
type EnvelopeEventParams struct {
	SessionID string          `json:"sessionId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// EnvelopeResponse is the extension->relay reply to an EnvelopeCommand:
// {id, result} or {id, error}.
type EnvelopeResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// RecordingChunk is the extension->relay binary-chunk envelope:
// {method:"recordingChunk", params:{tabId, data?, final?}}.
type RecordingChunk struct {
	Method string               `json:"method"`
	Params RecordingChunkParams `json:"params"`
}

// RecordingChunkParams is the inner payload of a RecordingChunk envelope.
type RecordingChunkParams struct {
	TabID int    `json:"tabId"`
	Data  []byte `json:"data,omitempty"`
	Final bool   `json:"final,omitempty"`
}

// RecordingCancelled is the extension->relay notice that a recording was
// cancelled on the browser side (e.g. a permission revocation).
type RecordingCancelled struct {
	Method string                    `json:"method"`
	Params RecordingCancelledParams `json:"params"`
}

// RecordingCancelledParams is the inner payload of a RecordingCancelled envelope.
type RecordingCancelledParams struct {
	TabID  int    `json:"tabId"`
	Reason string `json:"reason,omitempty"`
}

// LogEnvelope is the extension->relay log sink envelope:
// {method:"log", params:{level, args}}.
type LogEnvelope struct {
	Method string          `json:"method"`
	Params LogEnvelopeParams `json:"params"`
}

// LogEnvelopeParams is the inner payload of a LogEnvelope.
type LogEnvelopeParams struct {
	Level string        `json:"level"`
	Args  []interface{} `json:"args"`
}

// ParseError builds the error frame sent back to a sender whose message
// failed to parse as JSON.
func ParseError(detail string) Response {
	return Response{
		Error: &Error{
			Code:    ParseErrorCode,
			Message: "Error parsing message: " + detail,
		},
	}
}

// Peek decodes only the fields needed to classify an inbound frame as a
// command, a response, or an event, without committing to one shape.
type Peek struct {
	ID        *int64          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Kind classifies a decoded Peek.
type Kind int

const (
	// KindUnknown is returned when a frame cannot be classified.
	KindUnknown Kind = iota
	// KindCommand is a frame with an id and a method: a command.
	KindCommand
	// KindResponse is a frame with an id but no method: a response.
	KindResponse
	// KindEvent is a frame with a method but no id: an event.
	KindEvent
)

// Classify returns the Kind of a decoded Peek.
func (p Peek) Classify() Kind {
	switch {
	case p.ID != nil && p.Method != "":
		return KindCommand
	case p.ID != nil:
		return KindResponse
	case p.Method != "":
		return KindEvent
	default:
		return KindUnknown
	}
}

// Decode parses raw bytes into a Peek, returning the JSON error on
// failure; callers reply with ParseError and keep the socket open.
func Decode(raw []byte) (Peek, error) {
	var p Peek
	if err := json.Unmarshal(raw, &p); err != nil {
		return Peek{}, err
	}
	return p, nil
}
