// Package uds is the control channel between the CLI and a running watcher: length-prefixed
// JSON frames over a Unix domain socket.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/msageha/commsengine/internal/model"
)

const ProtocolVersion = 1

// SocketName is the control socket's filename inside the state dir.
const SocketName = "watch.sock"

const maxFrameBytes = 4 * 1024 * 1024

// Commands served by the watcher.
const (
	CommandPing       = "ping"
	CommandStatus     = "status"
	CommandEvaluate   = "evaluate"
	CommandFlush      = "flush"
	CommandTransition = "transition"
)

const (
	ErrCodeProtocolMismatch  = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand    = "UNKNOWN_COMMAND"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodeUnavailable       = "UNAVAILABLE"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return e.Code + ": " + e.Message
}

type TransitionParams struct {
	IncidentID string               `json:"incident_id"`
	To         model.IncidentStatus `json:"to"`
}

type TransitionResult struct {
	IncidentID string               `json:"incident_id"`
	From       model.IncidentStatus `json:"from"`
	To         model.IncidentStatus `json:"to"`
}

// StatusReport summarizes the watcher's last evaluation.
type StatusReport struct {
	EvaluatedAt      time.Time                       `yaml:"evaluated_at" json:"evaluated_at"`
	Scope            string                          `yaml:"scope" json:"scope"`
	Channels         int                             `yaml:"channels" json:"channels"`
	Incidents        int                             `yaml:"incidents" json:"incidents"`
	Alerts           []model.DisciplineAlert         `yaml:"alerts" json:"alerts"`
	Dispatches       int                             `yaml:"dispatches" json:"dispatches"`
	CommandRiskScore int                             `yaml:"command_risk_score" json:"command_risk_score"`
	ConfidenceScore  int                             `yaml:"confidence_score" json:"confidence_score"`
	StatusByID       map[string]model.IncidentStatus `yaml:"status_by_id" json:"status_by_id"`
	PendingWrites    int                             `yaml:"pending_writes" json:"pending_writes"`
	RetryInMs        int64                           `yaml:"retry_in_ms,omitempty" json:"retry_in_ms,omitempty"`
}

type FlushResult struct {
	Pending   int `yaml:"pending" json:"pending"`
	Delivered int `yaml:"delivered" json:"delivered"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{ProtocolVersion: ProtocolVersion, Command: command}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams unpacks the request params into v.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return fmt.Errorf("missing params for %s", r.Command)
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Command, err)
	}
	return nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{Error: &ErrorDetail{Code: code, Message: message}}
}

// Decode unpacks a successful response into v, or returns its *ErrorDetail.
func (r *Response) Decode(v any) error {
	if !r.Success {
		if r.Error == nil {
			return &ErrorDetail{Code: ErrCodeInternal, Message: "failed without detail"}
		}
		return r.Error
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// WriteFrame writes [4-byte big-endian length][JSON payload].
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := binary.Write(conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
