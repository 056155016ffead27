package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/matteing/opal/internal/logging"
)

// conn is the newline-delimited JSON-RPC line transport, grounded on
// the teacher's internal/mcp/transport.go StdioTransport: a buffered
// line reader feeding a dispatch loop, one write mutex so concurrent
// goroutines (handlers, event forwarders) never interleave partial
// lines, and a pending-request map keyed by a generated id for the
// server→client direction (client/confirm, client/input), mirroring
// StdioTransport's own pending map for its (client→server) direction.
type conn struct {
	w io.Writer

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan response

	closed atomic.Bool
}

func newConn(w io.Writer) *conn {
	return &conn{
		w:       w,
		pending: make(map[string]chan response),
	}
}

// writeLine marshals v to JSON and writes it as one newline-terminated
// line, safe for concurrent callers.
func (c *conn) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rpc: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	_, err = c.w.Write([]byte("\n"))
	return err
}

func (c *conn) sendResponse(id json.RawMessage, result any, errObj *errorObject) error {
	return c.writeLine(response{JSONRPC: protoVersion, ID: id, Result: result, Error: errObj})
}

func (c *conn) sendNotification(method string, params any) error {
	return c.writeLine(notification{JSONRPC: protoVersion, Method: method, Params: params})
}

// call issues a server→client request (client/confirm or client/input)
// and blocks for its matching response, keyed by a generated ulid. It
// takes no context: only the matching response or closeAll ends the
// wait, and the pending entry is removed when call returns.
func (c *conn) call(method string, params any) (json.RawMessage, error) {
	id := ulid.Make().String()
	idJSON, _ := json.Marshal(id)

	ch := make(chan response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeLine(notification{JSONRPC: protoVersion, ID: idJSON, Method: method, Params: params}); err != nil {
		return nil, err
	}

	resp, ok := <-ch
	if !ok {
		return nil, fmt.Errorf("rpc: connection closed while awaiting %s response", method)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("rpc: %s: %s", method, resp.Error.Message)
	}
	raw, _ := json.Marshal(resp.Result)
	return raw, nil
}

// resolve delivers an inbound response line to the goroutine blocked in
// call(), if the id matches a pending server-initiated request.
func (c *conn) resolve(id string, resp response) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// closeAll unblocks every goroutine waiting in call() once the
// connection's read loop exits.
func (c *conn) closeAll() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// readLines scans r for newline-delimited JSON, invoking onLine for
// each non-empty one until EOF or ctx-driven shutdown (the caller is
// expected to stop reading by closing the underlying reader's source;
// bufio.Scanner has no context support, matching the teacher's own
// StdioTransport.readLoop, which also relies on the underlying pipe
// closing to unblock ReadBytes).
func readLines(r io.Reader, onLine func(line []byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		onLine(cp)
	}
	if err := scanner.Err(); err != nil {
		logging.Warn().Err(err).Msg("rpc: stdin scan error")
		return err
	}
	return nil
}
