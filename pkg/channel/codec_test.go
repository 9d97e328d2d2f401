package channel

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	req := &RequestMessage{
		CallbackID: 42,
		Request: &Request{
			Command: "/scripts/refresh-index.sh",
			Args:    []string{"--quiet"},
			WorkDir: "/var/lib/padstrap",
		},
		TimeoutSec: 300,
	}
	if err := enc.EncodeRequest(req); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	dec := NewDecoder(&buf)
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Type != MessageTypeRequest {
		t.Fatalf("expected REQ message, got %s", msg.Type)
	}
}

func TestResultRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.EncodeResult(&ResultMessage{
		CallbackID: 7,
		Result:     &Result{Stdout: "INDEX_OK", ExitCode: 1, Err: "spurious"},
	}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	dec := NewDecoder(&buf)
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	res, err := dec.DecodeResult(msg)
	if err != nil {
		t.Fatalf("decode result failed: %v", err)
	}
	if res.CallbackID != 7 {
		t.Errorf("expected callback id 7, got %d", res.CallbackID)
	}
	if res.Result.Stdout != "INDEX_OK" {
		t.Errorf("expected stdout %q, got %q", "INDEX_OK", res.Result.Stdout)
	}
	if res.Result.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", res.Result.ExitCode)
	}
}

func TestEncodeRequestRejectsInvalid(t *testing.T) {
	enc := NewEncoder(&bytes.Buffer{})
	err := enc.EncodeRequest(&RequestMessage{CallbackID: 0, Request: &Request{Command: "x"}, TimeoutSec: 1})
	if err == nil {
		t.Fatal("expected validation error for zero callback id")
	}
}

func TestDecodeEOF(t *testing.T) {
	dec := NewDecoder(&bytes.Buffer{})
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestDecodeRejectsMalformedLine(t *testing.T) {
	dec := NewDecoder(bytes.NewBufferString("not json\n"))
	if _, err := dec.Decode(); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	dec := NewDecoder(bytes.NewBufferString(`{"type":"BOGUS","timestamp":"2026-01-01T00:00:00Z"}` + "\n"))
	if _, err := dec.Decode(); err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestDecodeResultRequiresPayload(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Encode(MessageTypeResult, &ResultMessage{CallbackID: 1}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	dec := NewDecoder(&buf)
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if _, err := dec.DecodeResult(msg); err == nil {
		t.Fatal("expected error for missing result payload")
	}
}
