package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DeliverFunc receives decoded results from the helper's output stream.
type DeliverFunc func(id uint64, res *Result)

// HelperTransport launches the external helper as a subprocess and speaks the
// wire protocol over its stdio. Requests go down stdin; results are read off
// stdout by a pump goroutine and handed to the broker's Deliver.
type HelperTransport struct {
	path string
	args []string
	log  zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	encoder *Encoder
	ready   *ReadyMessage
	closed  bool
}

// NewHelperTransport creates a transport for the helper binary at path.
func NewHelperTransport(path string, args []string, logger zerolog.Logger) *HelperTransport {
	return &HelperTransport{
		path: path,
		args: args,
		log:  logger,
	}
}

// Start launches the helper, waits for its READY message, and starts the
// result pump. deliver is invoked for every RESULT frame until the helper
// exits or the transport is closed.
func (t *HelperTransport) Start(ctx context.Context, startupTimeout time.Duration, deliver DeliverFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport is closed")
	}
	if t.cmd != nil {
		return fmt.Errorf("transport already started")
	}
	if deliver == nil {
		return fmt.Errorf("deliver func is required")
	}
	if startupTimeout == 0 {
		startupTimeout = 10 * time.Second
	}

	cmd := exec.CommandContext(ctx, t.path, t.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open helper stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start helper: %w", err)
	}

	decoder := NewDecoder(stdout)

	// Wait for READY
	readyCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	readyCh := make(chan *ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready ReadyMessage
		if err := parseData(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		_ = cmd.Process.Kill()
		return fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		_ = cmd.Process.Kill()
		return fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		t.ready = ready
		t.log.Info().
			Str("version", ready.Version).
			Str("platform", ready.Platform).
			Int("pid", ready.PID).
			Msg("Helper is ready")
	}

	t.cmd = cmd
	t.stdin = stdin
	t.encoder = NewEncoder(stdin)

	go t.pump(decoder, deliver)

	return nil
}

// pump reads frames off the helper's stdout until EOF or a decode failure,
// handing each result to deliver.
func (t *HelperTransport) pump(decoder *Decoder, deliver DeliverFunc) {
	for {
		msg, err := decoder.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.Error().Err(err).Msg("Helper stream read failed")
			}
			return
		}

		switch msg.Type {
		case MessageTypeResult:
			res, err := decoder.DecodeResult(msg)
			if err != nil {
				t.log.Error().Err(err).Msg("Discarding malformed result frame")
				continue
			}
			deliver(res.CallbackID, res.Result)

		case MessageTypeExit:
			var exit ExitMessage
			if err := parseData(msg.Data, &exit); err == nil {
				t.log.Info().
					Str("reason", exit.Reason).
					Int("exit_code", exit.ExitCode).
					Msg("Helper exited")
			}
			return

		default:
			t.log.Warn().Str("type", string(msg.Type)).Msg("Ignoring unexpected helper frame")
		}
	}
}

// Dispatch implements Dispatcher by writing a request frame to the helper's
// stdin. Failure here means the request never left the agent.
func (t *HelperTransport) Dispatch(_ context.Context, msg *RequestMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.encoder == nil {
		return fmt.Errorf("helper is not running")
	}
	return t.encoder.EncodeRequest(msg)
}

// Ready returns the READY message received during startup.
func (t *HelperTransport) Ready() *ReadyMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Close shuts the helper down by closing its stdin and waiting for exit.
func (t *HelperTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stdin := t.stdin
	cmd := t.cmd
	t.mu.Unlock()

	var errs []error
	if stdin != nil {
		if err := stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close helper stdin: %w", err))
		}
	}
	if cmd != nil {
		if err := cmd.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("helper wait failed: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

// parseData parses a message payload into a specific type.
func parseData(data []byte, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	return nil
}
