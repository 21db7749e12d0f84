package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Handshake status values.
const (
	StatusReady = "ready"
	StatusError = "error"
)

// ErrDecode is wrapped by every Decode failure.
var ErrDecode = errors.New("malformed worker message")

// Envelope is one decoded worker message. Which fields are meaningful
// depends on the shape: a ready or startup-error handshake sets Status, a
// response sets ID.
type Envelope struct {
	// Status is "ready" or "error" for handshake messages, empty otherwise.
	Status string
	// Forensics is the capability flag announced by a ready message. Only a
	// literal JSON true sets it.
	Forensics bool
	// Message is the startup error text of a {"status":"error"} message.
	Message string

	// ID is the correlation id of a response.
	ID string
	// Error is the worker's per-request failure message. Empty means success.
	Error string

	// Fields holds every top-level field of the message, decoded.
	Fields map[string]any
	// Raw is the original record.
	Raw json.RawMessage
}

// IsReady reports whether the envelope is a ready handshake.
func (e Envelope) IsReady() bool { return e.Status == StatusReady }

// IsStartupError reports whether the envelope is a startup-error handshake.
func (e Envelope) IsStartupError() bool { return e.Status == StatusError }

// IsResponse reports whether the envelope carries a correlation id.
func (e Envelope) IsResponse() bool { return e.ID != "" }

// Decode parses one record. The record must be a single JSON object.
func Decode(rec string) (Envelope, error) {
	raw := []byte(rec)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: not a JSON object", ErrDecode)
	}

	env := Envelope{
		Raw:    json.RawMessage(raw),
		Fields: make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return Envelope{}, fmt.Errorf("%w: field %q: %v", ErrDecode, k, err)
		}
		env.Fields[k] = decoded
	}

	env.Status = stringField(fields["status"])
	env.Message = stringField(fields["message"])
	env.ID = stringField(fields["id"])
	env.Error = errorField(fields["error"])
	env.Forensics = bytes.Equal(bytes.TrimSpace(fields["forensics"]), []byte("true"))

	return env, nil
}

// stringField returns v as a string when it is a JSON string.
func stringField(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// errorField interprets a response's "error" value. Absent, null, false, ""
// and numeric zero mean no error. A non-string value is reported by its JSON text so a
// worker that sends an error object is still treated as a failure.
func errorField(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return ""
	}
	switch string(v) {
	case "null", "false", `""`:
		return ""
	}
	if f, err := strconv.ParseFloat(string(v), 64); err == nil && f == 0 {
		return ""
	}
	if s := stringField(v); s != "" {
		return s
	}
	return string(v)
}

// Request is the message madserve sends for one analysis.
type Request struct {
	ID        string `json:"id"`
	ImagePath string `json:"image_path"`
}

// EncodeRequest encodes a request as a single newline-terminated line.
// encoding/json escapes control characters inside strings, so the only
// newline in the output is the terminator.
func EncodeRequest(id, inputPath string) ([]byte, error) {
	line, err := json.Marshal(Request{ID: id, ImagePath: inputPath})
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", id, err)
	}
	return append(line, '\n'), nil
}
