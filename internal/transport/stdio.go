package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StdioClient is a Transport Client multiplexing JSON-RPC calls over a
// child process's stdin/stdout, newline-delimited. Grounded on the
// single-reader-goroutine, mutex-guarded-pending-table design of the
// Python stdio client this system was distilled from: one reader task
// consumes stdout and dispatches by id; a write mutex serialises outbound
// frames; ids are monotonic.
type StdioClient struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	log    zerolog.Logger
	stderr *StderrRingBuffer

	writeMu sync.Mutex
	pending *pendingTable
	ids     idAllocator

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStdioClient wraps an already-started command whose Stdin/Stdout were
// configured as pipes by the caller (the subprocess driver). It starts the
// reader loop immediately.
func NewStdioClient(cmd *exec.Cmd, stdin io.WriteCloser, stdout io.ReadCloser, stderr *StderrRingBuffer, log zerolog.Logger) *StdioClient {
	c := &StdioClient{
		cmd:     cmd,
		stdin:   stdin,
		log:     log,
		stderr:  stderr,
		pending: newPendingTable(),
		closed:  make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

func (c *StdioClient) readLoop(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.log.Error().Err(err).Str("line_prefix", string(line[:min(len(line), 100)])).Msg("stdio transport: malformed JSON line, failing pending calls")
			c.pending.drain("parse_error")
			close(c.closed)
			return
		}
		if !c.pending.deliver(resp) {
			c.log.Warn().Uint64("id", resp.ID).Msg("stdio transport: response for unknown request")
		}
	}
	// EOF or scan error: the process died or the pipe broke.
	if err := scanner.Err(); err != nil {
		c.log.Warn().Err(err).Msg("stdio transport: reader loop error")
	} else {
		c.log.Warn().Msg("stdio transport: EOF on stdout, process died")
	}
	c.pending.drain("reader_died")
	close(c.closed)
}

func (c *StdioClient) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.ids.next1()
	ch, err := c.pending.register(id)
	if err != nil {
		return nil, fmt.Errorf("stdio transport: %w", err)
	}

	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		c.pending.release(id)
		return nil, fmt.Errorf("stdio transport: encode request: %w", err)
	}
	line = append(line, '\n')

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// The write runs on its own goroutine so a stalled stdin cannot hold
	// the caller past its timeout; a write error is delivered to this
	// call's own waiter.
	go func() {
		c.writeMu.Lock()
		_, werr := c.stdin.Write(line)
		c.writeMu.Unlock()
		if werr != nil {
			c.pending.deliver(response{ID: id, Error: &rpcError{Code: -1, Message: "write failed: " + werr.Error()}})
		}
	}()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("stdio transport: rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-timer.C:
		c.pending.release(id)
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		c.pending.release(id)
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errClosed
	}
}

func (c *StdioClient) Alive() bool {
	if c.cmd == nil || c.cmd.Process == nil {
		return false
	}
	select {
	case <-c.closed:
		return false
	default:
	}
	return c.cmd.ProcessState == nil
}

func (c *StdioClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// Attempt a graceful RPC-level shutdown before tearing down the
		// process; a failure here is expected once the process is already
		// gone and is not surfaced to the caller.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, _ = c.Call(ctx, "shutdown", struct{}{}, 3*time.Second)
		cancel()

		_ = c.stdin.Close()
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Signal(os.Interrupt)
			done := make(chan error, 1)
			go func() { done <- c.cmd.Wait() }()
			select {
			case <-done:
			case <-time.After(3 * time.Second):
				_ = c.cmd.Process.Kill()
				<-done
			}
		}
		c.pending.drain("client_closed")
	})
	return err
}

// StderrTail returns the captured stderr ring buffer contents, used when
// reporting launch-failure diagnostics.
func (c *StdioClient) StderrTail() string {
	if c.stderr == nil {
		return ""
	}
	return c.stderr.String()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
