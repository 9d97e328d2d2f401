// Package channel bridges fire-and-forget command dispatch to eventual
// out-of-band results. A Broker allocates a correlation id per submission,
// registers a pending slot, and matches the asynchronous result delivered by
// the external helper back to the original caller. Late, duplicate, and
// unknown deliveries are discarded without error.
package channel

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message on the helper wire.
type MessageType string

const (
	// MessageTypeReady indicates the helper is ready to receive requests
	MessageTypeReady MessageType = "READY"
	// MessageTypeRequest indicates a command-execution request from the agent
	MessageTypeRequest MessageType = "REQ"
	// MessageTypeResult indicates a command result from the helper
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeExit indicates the helper is exiting
	MessageTypeExit MessageType = "EXIT"
)

// Message is the base structure for all wire messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Request describes a command to execute through the helper.
type Request struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	WorkDir    string   `json:"work_dir,omitempty"`
	Stdin      string   `json:"stdin,omitempty"`
	Foreground bool     `json:"foreground"`
}

// RequestMessage is the wire frame for a dispatched request. CallbackID is
// the correlation tag the helper must echo on the matching result.
type RequestMessage struct {
	CallbackID uint64   `json:"callback_id"`
	Request    *Request `json:"request"`
	TimeoutSec int      `json:"timeout"`
}

// Result is the outcome of an executed command as reported by the helper.
// Err carries a helper-side failure description; it does not imply a non-zero
// exit code and callers must not treat either as authoritative on its own.
type Result struct {
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
	Err      string `json:"error,omitempty"`
}

// ResultMessage is the wire frame for a delivered result.
type ResultMessage struct {
	CallbackID uint64  `json:"callback_id"`
	Result     *Result `json:"result"`
}

// ReadyMessage is sent once when the helper starts.
type ReadyMessage struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
	PID      int    `json:"pid"`
}

// ExitMessage is sent before the helper terminates.
type ExitMessage struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeRequest, MessageTypeResult, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the request message is well formed.
func (rm *RequestMessage) Validate() error {
	if rm.CallbackID == 0 {
		return fmt.Errorf("callback id is required")
	}
	if rm.Request == nil || rm.Request.Command == "" {
		return fmt.Errorf("request command is required")
	}
	if rm.TimeoutSec <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}
