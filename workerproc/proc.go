// Package workerproc manages the extraction worker subprocess: spawn,
// capability handshake, framed request/response traffic over the
// stdin/stdout pipes, and controlled shutdown or restart.
package workerproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tachfileto/evidenced/workerrpc"

	"github.com/tachfileto/evidenced/types"
)

// Config configures a worker subprocess.
type Config struct {
	// WorkerPath is the path to the worker entrypoint. Empty means the
	// embedded worker bundle is extracted and used.
	WorkerPath string
	// NodePath is the runtime used to execute a .mjs worker entrypoint.
	// Defaults to "node".
	NodePath string
	// ResolveFrom optionally points the worker's module resolution at an
	// external node_modules directory.
	ResolveFrom string
	// HandshakeTimeout bounds the initial capability handshake.
	HandshakeTimeout time.Duration
	// ShutdownGrace is how long Shutdown waits for a clean exit before
	// killing the process.
	ShutdownGrace time.Duration
	// CapsRequested lists the capabilities the runtime wants the worker
	// to confirm during the handshake.
	CapsRequested []string
}

// Result is the worker process's exit outcome.
type Result struct {
	ExitCode    int
	StderrBytes []byte
}

// Worker is a running (or exited) extraction worker subprocess.
type Worker struct {
	config Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	dec    *workerrpc.FrameDecoder

	writeMu sync.Mutex

	mu           sync.Mutex
	pid          int
	capabilities []string
	maxMemoryMB  int
	started      bool
}

// New creates a Worker with the given config. The process is not
// spawned until Start.
func New(config Config) *Worker {
	if config.NodePath == "" {
		config.NodePath = "node"
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 5 * time.Second
	}
	return &Worker{config: config}
}

// Start spawns the worker process and performs the capability
// handshake. Stdout carries response frames; stderr is captured for
// diagnostics; stdin carries request frames and stays open until
// Shutdown.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("workerproc: already started")
	}
	w.mu.Unlock()

	path := w.config.WorkerPath
	if path == "" {
		extracted, err := ExtractedPath()
		if err != nil {
			return fmt.Errorf("workerproc: extract embedded worker: %w", err)
		}
		path = extracted
	}

	w.cmd = exec.CommandContext(ctx, w.config.NodePath, path)

	if w.config.ResolveFrom != "" {
		w.cmd.Env = os.Environ()
		w.cmd.Env = append(w.cmd.Env, "EVIDENCED_RESOLVE_FROM="+w.config.ResolveFrom)
		existing := os.Getenv("NODE_PATH")
		if existing != "" {
			w.cmd.Env = append(w.cmd.Env, "NODE_PATH="+w.config.ResolveFrom+string(os.PathListSeparator)+existing)
		} else {
			w.cmd.Env = append(w.cmd.Env, "NODE_PATH="+w.config.ResolveFrom)
		}
		w.cmd.Env = deduplicateEnv(w.cmd.Env)
	}

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("workerproc: stdin pipe: %w", err)
	}
	w.stdin = stdin

	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("workerproc: stdout pipe: %w", err)
	}
	w.stdout = stdout

	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("workerproc: stderr pipe: %w", err)
	}
	w.stderr = stderr

	if err := w.cmd.Start(); err != nil {
		return fmt.Errorf("workerproc: start worker: %w", err)
	}
	w.dec = workerrpc.NewFrameDecoder(w.stdout)

	ack, err := w.handshake(ctx)
	if err != nil {
		_ = w.Kill()
		return err
	}

	w.mu.Lock()
	w.pid = ack.WorkerPID
	w.capabilities = ack.Capabilities
	w.maxMemoryMB = ack.MaxMemoryMB
	w.started = true
	w.mu.Unlock()
	return nil
}

// handshake sends a Handshake envelope and waits for the HandshakeAck.
// Any other message type before the ack is a protocol violation.
func (w *Worker) handshake(ctx context.Context) (*types.HandshakeAckPayload, error) {
	env := NewEnvelope(types.MessageHandshake, map[string]any{
		"proto_version":  types.ProtocolVersion,
		"caps_requested": w.config.CapsRequested,
	})
	if err := w.Send(env); err != nil {
		return nil, fmt.Errorf("workerproc: send handshake: %w", err)
	}

	type ackResult struct {
		ack *types.HandshakeAckPayload
		err error
	}
	done := make(chan ackResult, 1)
	go func() {
		resp, err := w.dec.ReadEnvelope()
		if err != nil {
			done <- ackResult{err: fmt.Errorf("workerproc: read handshake ack: %w", err)}
			return
		}
		if resp.Type != types.MessageHandshakeAck {
			done <- ackResult{err: fmt.Errorf("workerproc: expected handshake_ack, got %q", resp.Type)}
			return
		}
		ack := decodeHandshakeAck(resp.Payload)
		done <- ackResult{ack: ack}
	}()

	timer := time.NewTimer(w.config.HandshakeTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.ack, r.err
	case <-timer.C:
		return nil, errors.New("workerproc: handshake timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func decodeHandshakeAck(payload map[string]any) *types.HandshakeAckPayload {
	ack := &types.HandshakeAckPayload{}
	if v, ok := payload["worker_pid"]; ok {
		ack.WorkerPID = toInt(v)
	}
	if v, ok := payload["max_memory_mb"]; ok {
		ack.MaxMemoryMB = toInt(v)
	}
	if v, ok := payload["status"].(string); ok {
		ack.Status = v
	}
	if caps, ok := payload["capabilities"].([]any); ok {
		for _, c := range caps {
			if s, ok := c.(string); ok {
				ack.Capabilities = append(ack.Capabilities, s)
			}
		}
	}
	return ack
}

// toInt widens the integer shapes msgpack decoding can produce.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// NewEnvelope builds a request envelope with a fresh message id.
func NewEnvelope(typ types.MessageType, payload map[string]any) *types.Envelope {
	return &types.Envelope{
		ProtocolVersion: types.ProtocolVersion,
		MessageID:       uuid.New().String(),
		TimestampMs:     time.Now().UnixMilli(),
		Type:            typ,
		Payload:         payload,
	}
}

// Send encodes env as a frame and writes it to the worker's stdin.
// Safe for concurrent use; frames are never interleaved.
func (w *Worker) Send(env *types.Envelope) error {
	frame, err := workerrpc.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.stdin == nil {
		return errors.New("workerproc: stdin closed")
	}
	_, err = w.stdin.Write(frame)
	return err
}

// ReadLoop reads response frames from the worker's stdout and hands
// each decoded envelope to dispatch. Returns when the stream ends or a
// fatal frame error desynchronizes it. Non-fatal decode errors skip the
// frame and continue.
func (w *Worker) ReadLoop(dispatch func(*types.Envelope)) error {
	for {
		env, err := w.dec.ReadEnvelope()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if workerrpc.IsFatalFrameError(err) {
				return err
			}
			continue
		}
		dispatch(env)
	}
}

// Ping sends a Ping envelope. The Pong arrives through the ReadLoop
// dispatch path like any other response.
func (w *Worker) Ping() error {
	return w.Send(NewEnvelope(types.MessagePing, nil))
}

// Capabilities returns the handshake-negotiated capability list.
func (w *Worker) Capabilities() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.capabilities))
	copy(out, w.capabilities)
	return out
}

// MaxMemoryMB returns the worker's negotiated memory ceiling, an input
// to the backpressure controller's pressure calculation. Zero means the
// worker did not report one.
func (w *Worker) MaxMemoryMB() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxMemoryMB
}

// PID returns the worker-reported process id from the handshake.
func (w *Worker) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pid
}

// Shutdown asks the worker to exit cleanly, then kills it if it is
// still alive after the grace period. Always returns the exit Result
// when one is observable.
func (w *Worker) Shutdown() (*Result, error) {
	_ = w.Send(NewEnvelope(types.MessageShutdown, nil))
	w.writeMu.Lock()
	if w.stdin != nil {
		_ = w.stdin.Close()
		w.stdin = nil
	}
	w.writeMu.Unlock()

	done := make(chan struct{})
	var res *Result
	var waitErr error
	go func() {
		res, waitErr = w.Wait()
		close(done)
	}()

	select {
	case <-done:
		return res, waitErr
	case <-time.After(w.config.ShutdownGrace):
		_ = w.Kill()
		<-done
		return res, waitErr
	}
}

// Wait blocks until the worker exits and returns its exit code and
// captured stderr.
func (w *Worker) Wait() (*Result, error) {
	if w.cmd == nil {
		return nil, errors.New("workerproc: not started")
	}

	stderrBytes, _ := io.ReadAll(w.stderr)
	err := w.cmd.Wait()

	res := &Result{StderrBytes: stderrBytes}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				res.ExitCode = status.ExitStatus()
			} else {
				res.ExitCode = -1
			}
		} else {
			return nil, fmt.Errorf("workerproc: wait: %w", err)
		}
	}
	return res, nil
}

// Kill terminates the worker process immediately.
func (w *Worker) Kill() error {
	if w.cmd != nil && w.cmd.Process != nil {
		return w.cmd.Process.Kill()
	}
	return nil
}

// deduplicateEnv keeps the last occurrence of each env var key, so
// appended values (NODE_PATH, EVIDENCED_RESOLVE_FROM) win over
// inherited duplicates from os.Environ().
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}
