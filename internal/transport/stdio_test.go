package transport

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePair wires an in-process reader/writer together so StdioClient can be
// exercised without spawning a real subprocess.
type pipePair struct {
	clientWrite io.WriteCloser
	clientRead  io.ReadCloser
	serverRead  io.ReadCloser
	serverWrite io.WriteCloser
}

func newPipePair() *pipePair {
	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()
	return &pipePair{
		clientWrite: toServerW,
		clientRead:  toClientR,
		serverRead:  toServerR,
		serverWrite: toClientW,
	}
}

// fakeServer echoes back a canned result for every request it decodes.
func fakeServer(t *testing.T, r io.Reader, w io.Writer) {
	t.Helper()
	dec := json.NewDecoder(r)
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			return
		}
		result, _ := json.Marshal(map[string]any{"echo": req.Method})
		resp := response{JSONRPC: "2.0", ID: req.ID, Result: result}
		line, _ := json.Marshal(resp)
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return
		}
	}
}

func TestStdioClientCallRoundTrip(t *testing.T) {
	pipes := newPipePair()
	go fakeServer(t, pipes.serverRead, pipes.serverWrite)

	client := NewStdioClient(&exec.Cmd{}, pipes.clientWrite, pipes.clientRead, NewStderrRingBuffer(1024), zerolog.Nop())
	defer pipes.clientWrite.Close()

	raw, err := client.Call(context.Background(), "tools/list", map[string]any{}, time.Second)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "tools/list", decoded["echo"])
}

func TestStdioClientTimeout(t *testing.T) {
	pipes := newPipePair()
	// No server reads from serverRead, so the call is never answered.

	client := NewStdioClient(&exec.Cmd{}, pipes.clientWrite, pipes.clientRead, nil, zerolog.Nop())
	defer pipes.clientWrite.Close()

	_, err := client.Call(context.Background(), "tools/list", map[string]any{}, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStdioClientDrainsOnReaderDeath(t *testing.T) {
	pipes := newPipePair()

	client := NewStdioClient(&exec.Cmd{}, pipes.clientWrite, pipes.clientRead, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "tools/list", map[string]any{}, 2*time.Second)
		done <- err
	}()

	// Simulate the child process dying: closing serverWrite closes the
	// client's read end from the other side, producing EOF.
	require.NoError(t, pipes.serverWrite.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after reader death")
	}
}
