package channel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Encoder writes wire messages to an io.Writer as newline-delimited JSON.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new wire encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes a message to the output stream.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// EncodeRequest sends a REQ message.
func (e *Encoder) EncodeRequest(req *RequestMessage) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return e.Encode(MessageTypeRequest, req)
}

// EncodeResult sends a RESULT message.
func (e *Encoder) EncodeResult(res *ResultMessage) error {
	return e.Encode(MessageTypeResult, res)
}

// Decoder reads wire messages from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new wire decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	// Command output can be large; size the buffer accordingly
	const maxCapacity = 10 * 1024 * 1024 // 10 MB
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next message from the input stream.
func (d *Decoder) Decode() (*Message, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	line := d.r.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	return &msg, nil
}

// DecodeResult decodes a RESULT message payload.
func (d *Decoder) DecodeResult(msg *Message) (*ResultMessage, error) {
	if msg.Type != MessageTypeResult {
		return nil, fmt.Errorf("expected RESULT message, got %s", msg.Type)
	}

	var res ResultMessage
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	if res.Result == nil {
		return nil, fmt.Errorf("result payload is required")
	}
	return &res, nil
}
