package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single request or response body.
const MaxFrameSize = 16 << 20

const (
	CodeProtocol                 = "protocol_error"
	CodeUnknownCommand           = "unknown_command"
	CodeInvalidArgument          = "invalid_argument"
	CodeNotFound                 = "not_found"
	CodeBaselineInconsistency    = "baseline_inconsistency"
	CodeRevertVerificationFailed = "revert_verification_failed"
	CodeConfig                   = "config_error"
	CodeConflict                 = "conflict"
	CodeInternal                 = "internal"
)

type Request struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the error object carried in a response. Handlers return it to
// pick the code, any other error is reported as internal.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Errorf(code string, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ProtocolError reports a frame that could not be read or decoded.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

var errFrameTooLarge = errors.New("frame too large")

// ReadFrame reads one length-prefixed frame. io.EOF is returned unchanged
// when the peer closed the connection between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &ProtocolError{Reason: "short frame header", Err: err}
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds %d", size, MaxFrameSize), Err: errFrameTooLarge}
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, &ProtocolError{Reason: "short frame body", Err: err}
	}
	return body, nil
}

func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds %d", len(body), MaxFrameSize), Err: errFrameTooLarge}
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err := w.Write(frame)
	return err
}

func writeJSON(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}
