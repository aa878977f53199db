// Package qproto defines the wire representation spoken between client and
// daemon: length-prefixed JSON documents carrying one request or response
// each, plus the standalone payload handed to notify commands.
package qproto

import (
	"encoding/json"
	"io"
	"time"

	"github.com/jkaessens/qmanager/pkg/qerr"
	"github.com/jkaessens/qmanager/pkg/queue"
)

// Kind discriminates messages on the stream.
type Kind string

const (
	KindSubmit      Kind = "submit"
	KindQueueStatus Kind = "queue_status"
	KindRemove      Kind = "remove"
	KindError       Kind = "error"
)

// SubmitRequest carries the exact argv vector to run. No shell splitting
// happens anywhere on the server; args[0] is the program.
type SubmitRequest struct {
	Args             []string `json:"args"`
	ExpectedDuration *uint64  `json:"expected_duration,omitempty"`
	NotifyCmd        string   `json:"notify_cmd,omitempty"`
}

// RemoveRequest evicts one terminal job from the daemon's retention.
type RemoveRequest struct {
	JobID uint64 `json:"job_id"`
}

// Request is the envelope for every client-to-daemon message.
type Request struct {
	Kind   Kind           `json:"kind"`
	Submit *SubmitRequest `json:"submit,omitempty"`
	Remove *RemoveRequest `json:"remove,omitempty"`
}

// ErrorResponse reports a queue- or request-level failure to the client.
type ErrorResponse struct {
	Code    qerr.Code `json:"code"`
	Message string    `json:"message"`
}

// Response is the envelope for every daemon-to-client message.
type Response struct {
	Kind  Kind           `json:"kind"`
	JobID uint64         `json:"job_id,omitempty"`
	Jobs  []queue.Job    `json:"jobs,omitempty"`
	Job   *queue.Job     `json:"job,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

// Err converts an error response into a coded error value, or nil.
func (r *Response) Err() error {
	if r.Kind != KindError || r.Error == nil {
		return nil
	}
	return qerr.Newf(r.Error.Code, "%s", r.Error.Message)
}

// NotifyPayload is the self-describing document written to the standard
// input of a spawned notify command. It is not part of the request/response
// protocol; downstream consumers parse it without qmanager tooling.
type NotifyPayload struct {
	JobID            uint64     `json:"job_id"`
	Cmdline          string     `json:"cmdline"`
	Status           string     `json:"status"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	ExpectedDuration *uint64    `json:"expected_duration,omitempty"`
	SubmittedAt      time.Time  `json:"submitted_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// NotifyPayloadFor renders the terminal state of a job.
func NotifyPayloadFor(j queue.Job) NotifyPayload {
	return NotifyPayload{
		JobID:            j.ID,
		Cmdline:          j.Cmdline(),
		Status:           string(j.Status),
		ExitCode:         j.ExitCode,
		Reason:           j.Reason,
		ExpectedDuration: j.ExpectedDuration,
		SubmittedAt:      j.SubmittedAt,
		StartedAt:        j.StartedAt,
		FinishedAt:       j.FinishedAt,
	}
}

// WriteRequest encodes and frames one request.
func WriteRequest(w io.Writer, req *Request) error {
	return writeJSON(w, req)
}

// ReadRequest reads and decodes one framed request. A document that does
// not carry a recognizable kind fails the connection with a protocol error.
func ReadRequest(r io.Reader) (*Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, qerr.New(qerr.CodeProtocolError, err)
	}
	switch req.Kind {
	case KindSubmit:
		if req.Submit == nil {
			return nil, qerr.Newf(qerr.CodeProtocolError, "submit request without body")
		}
	case KindQueueStatus:
	case KindRemove:
		if req.Remove == nil {
			return nil, qerr.Newf(qerr.CodeProtocolError, "remove request without body")
		}
	default:
		return nil, qerr.Newf(qerr.CodeProtocolError, "unknown request kind %q", req.Kind)
	}
	return &req, nil
}

// WriteResponse encodes and frames one response.
func WriteResponse(w io.Writer, resp *Response) error {
	return writeJSON(w, resp)
}

// ReadResponse reads and decodes one framed response.
func ReadResponse(r io.Reader) (*Response, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, qerr.New(qerr.CodeProtocolError, err)
	}
	return &resp, nil
}

// ErrorResponseFor maps an error to the wire form, preserving its code.
func ErrorResponseFor(err error) *Response {
	return &Response{
		Kind: KindError,
		Error: &ErrorResponse{
			Code:    qerr.CodeOf(err),
			Message: qerr.Message(err),
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return qerr.New(qerr.CodeProtocolError, err)
	}
	return WriteFrame(w, payload)
}
