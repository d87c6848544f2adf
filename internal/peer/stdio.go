package peer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// stdioConn is one JSON-RPC channel to a child process speaking
// newline-delimited messages over stdio.
type stdioConn struct {
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser

	pending   map[int64]chan *jsonrpcResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// startStdioConn spawns command with args (array form, never a shell)
// and wires the JSON-RPC reader.
func startStdioConn(command string, args []string, workDir string, logger *slog.Logger) (*stdioConn, error) {
	c := &stdioConn{
		logger:   logger,
		pending:  make(map[int64]chan *jsonrpcResponse),
		stopChan: make(chan struct{}),
	}

	c.process = exec.Command(command, args...)
	c.process.Env = os.Environ()
	if workDir != "" {
		c.process.Dir = workDir
	}

	var err error
	c.stdin, err = c.process.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := c.process.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	c.stdout = bufio.NewScanner(stdout)
	c.stdout.Buffer(make([]byte, 1024*1024), 1024*1024)
	c.stderr, _ = c.process.StderrPipe()

	if err := c.process.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	c.connected.Store(true)
	logger.Info("started peer process", "command", command, "pid", c.process.Process.Pid)

	c.wg.Add(1)
	go c.readLoop()
	if c.stderr != nil {
		c.wg.Add(1)
		go c.logStderr()
	}
	return c, nil
}

// close kills the child and waits for the reader goroutines.
func (c *stdioConn) close() {
	if !c.connected.Swap(false) {
		return
	}
	close(c.stopChan)
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.process != nil && c.process.Process != nil {
		c.process.Process.Kill()
	}
	c.wg.Wait()
	if c.process != nil {
		c.process.Wait()
	}
}

// call sends a request and waits for the matching response.
func (c *stdioConn) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := c.nextID.Add(1)
	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	respChan := make(chan *jsonrpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, _ := json.Marshal(req)
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("peer error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-c.stopChan:
		return nil, fmt.Errorf("connection closed")
	}
}

// notify sends a notification without waiting.
func (c *stdioConn) notify(method string, params any) error {
	if !c.connected.Load() {
		return fmt.Errorf("not connected")
	}
	notif := jsonrpcNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = raw
	}
	data, _ := json.Marshal(notif)
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

func (c *stdioConn) readLoop() {
	defer c.wg.Done()
	defer c.connected.Store(false)

	for c.stdout.Scan() {
		select {
		case <-c.stopChan:
			return
		default:
		}
		line := c.stdout.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp jsonrpcResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
			// Notifications and malformed lines are not awaited.
			continue
		}
		var id int64
		switch v := resp.ID.(type) {
		case float64:
			id = int64(v)
		case int64:
			id = v
		default:
			c.logger.Warn("unexpected response id type", "id", resp.ID)
			continue
		}

		c.pendingMu.Lock()
		if ch, ok := c.pending[id]; ok {
			select {
			case ch <- &resp:
			default:
			}
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	}

	if err := c.stdout.Err(); err != nil {
		c.logger.Error("peer stdout scanner error", "error", err)
	}
}

func (c *stdioConn) logStderr() {
	defer c.wg.Done()
	scanner := bufio.NewScanner(c.stderr)
	for scanner.Scan() {
		select {
		case <-c.stopChan:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			c.logger.Debug("peer stderr", "message", line)
		}
	}
}
