// Package mcp – transport.go provides the StdioTransport that wires an MCP
// Server to a client via line-delimited JSON-RPC 2.0 over stdin / stdout.
//
// Protocol rules (must be followed exactly):
//   - Each JSON-RPC request arrives as a single newline-terminated line on
//     stdin.
//   - Each JSON-RPC response is written as a single newline-terminated line
//     to stdout, atomically with respect to other responses.
//   - ALL diagnostic output (logging, errors) MUST go to stderr only. Any
//     stray bytes on stdout will corrupt the protocol framing.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/logging"
)

// maxLineBuf caps a single request line (4 MB).
const maxLineBuf = 4 * 1024 * 1024

// StdioTransport reads line-delimited JSON-RPC 2.0 requests from an io.Reader
// and writes responses to an io.Writer. Requests are handled concurrently,
// each in its own goroutine with its own cancellable context; writes to the
// output are serialized so response lines never interleave.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *zap.Logger

	// sem bounds the number of in-flight requests.
	sem *semaphore.Weighted

	// grace is how long Serve waits for in-flight requests after EOF or
	// context cancellation before giving up on them.
	grace time.Duration

	writeMu sync.Mutex

	// inflight maps request id (as its JSON text) to the cancel func of the
	// goroutine handling it, so cancellation notifications can reach it.
	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewStdioTransport constructs a StdioTransport that reads from in and writes
// to out. maxInFlight bounds concurrent handlers; grace is the drain window
// on shutdown.
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer, logger *zap.Logger, maxInFlight int64, grace time.Duration) *StdioTransport {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &StdioTransport{
		server:   srv,
		in:       in,
		out:      out,
		logger:   logger,
		sem:      semaphore.NewWeighted(maxInFlight),
		grace:    grace,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Serve processes JSON-RPC 2.0 requests until stdin is closed or ctx is
// cancelled, then drains in-flight handlers for the grace window. Scanning
// happens on its own goroutine so a signal-driven cancellation takes effect
// even while stdin is quiet.
func (t *StdioTransport) Serve(ctx context.Context) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go t.readLines(lines, scanErr)

	var readErr error

loop:
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("shutdown requested, draining in-flight requests")
			break loop
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					t.logger.Error("stdin scanner error", zap.Error(err))
					readErr = fmt.Errorf("stdin scanner: %w", err)
				} else {
					t.logger.Info("stdin closed, draining in-flight requests")
				}
				break loop
			}

			if t.interceptCancel(line) {
				continue
			}

			if err := t.sem.Acquire(ctx, 1); err != nil {
				break loop
			}
			t.wg.Add(1)
			go t.handleLine(ctx, line)
		}
	}

	if done := t.drain(); !done {
		t.logger.Warn("shutdown grace expired with requests still in flight",
			zap.Duration("grace", t.grace))
	}
	if readErr != nil {
		return readErr
	}
	return ctx.Err()
}

// readLines feeds non-empty stdin lines to the serve loop and closes the
// channel on EOF or read error. When Serve exits on cancellation this
// goroutine stays blocked in Scan; that only happens during shutdown, right
// before the process ends.
func (t *StdioTransport) readLines(lines chan<- []byte, scanErr chan<- error) {
	scanner := bufio.NewScanner(t.in)
	buf := make([]byte, maxLineBuf)
	scanner.Buffer(buf, maxLineBuf)

	for scanner.Scan() {
		// Scanner reuses its buffer; the consumer needs a stable copy.
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		lines <- line
	}
	scanErr <- scanner.Err()
	close(lines)
}

// handleLine runs one request to completion and writes its response.
func (t *StdioTransport) handleLine(parent context.Context, line []byte) {
	defer t.wg.Done()
	defer t.sem.Release(1)

	reqID := requestID(line)
	reqCtx, cancel := context.WithCancel(parent)
	defer cancel()

	if reqID != "" {
		t.trackInflight(reqID, cancel)
		defer t.untrackInflight(reqID)
	}

	// Each request gets a correlation id; every log line the handler emits
	// carries it.
	corr := uuid.New().String()
	reqCtx = logging.WithRequestID(logging.WithLogger(reqCtx, t.logger), corr)
	logger := logging.FromContext(reqCtx)

	resp, err := t.server.HandleRequest(reqCtx, line)
	if err != nil {
		logger.Error("handler error", zap.Error(err))
		resp = t.internalErrorResponse(line, err)
	}
	if resp == nil {
		// Notification: nothing to write.
		return
	}

	if err := t.writeResponse(resp); err != nil {
		logger.Error("write error", zap.Error(err))
	}
}

// interceptCancel handles cancellation notifications inline so they take
// effect even while the target request's handler is still running.
func (t *StdioTransport) interceptCancel(line []byte) bool {
	var probe struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return false
	}
	if probe.Method != "notifications/cancelled" && probe.Method != "$/cancelRequest" {
		return false
	}

	var p CancelParams
	_ = json.Unmarshal(probe.Params, &p)
	target := p.RequestID
	if target == nil {
		target = p.ID
	}
	if target == nil {
		return true
	}

	key := idKey(target)
	t.inflightMu.Lock()
	cancel, ok := t.inflight[key]
	t.inflightMu.Unlock()
	if ok {
		t.logger.Debug("cancelling request", zap.String("id", key), zap.String("reason", p.Reason))
		cancel()
	}
	return true
}

func (t *StdioTransport) trackInflight(id string, cancel context.CancelFunc) {
	t.inflightMu.Lock()
	t.inflight[id] = cancel
	t.inflightMu.Unlock()
}

func (t *StdioTransport) untrackInflight(id string) {
	t.inflightMu.Lock()
	delete(t.inflight, id)
	t.inflightMu.Unlock()
}

// drain waits up to the grace window for in-flight handlers to finish.
func (t *StdioTransport) drain() bool {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(t.grace):
		return false
	}
}

// writeResponse writes a single JSON-RPC response line to the output. The
// mutex keeps concurrent responses from interleaving.
func (t *StdioTransport) writeResponse(resp []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := fmt.Fprintf(t.out, "%s\n", resp)
	return err
}

// requestID extracts the request id as a stable map key, or "" for
// notifications and unparseable lines.
func requestID(line []byte) string {
	var partial struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(line, &partial); err != nil || partial.ID == nil {
		return ""
	}
	return idKey(partial.ID)
}

// idKey normalizes a JSON-RPC id (string or number) to map-key form.
func idKey(id interface{}) string {
	switch v := id.(type) {
	case string:
		return "s:" + v
	case float64:
		return fmt.Sprintf("n:%g", v)
	default:
		b, _ := json.Marshal(v)
		return "j:" + string(b)
	}
}

// internalErrorResponse builds a best-effort JSON-RPC error response when the
// server returns an unexpected error. It attempts to extract the request ID
// from the raw request bytes so the caller can correlate the response.
func (t *StdioTransport) internalErrorResponse(rawRequest []byte, handlerErr error) []byte {
	var partial struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(rawRequest, &partial)

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      partial.ID,
		Error: &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: handlerErr.Error(),
		},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		// Last resort: return a hard-coded error so the protocol framing
		// does not stall.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
