package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type TCPConfig struct {
	Name string
	Addr string

	ReconnectDelay time.Duration
	MaxLineBytes   int

	// DialTimeout is used for each TCP connect attempt.
	DialTimeout time.Duration
}

// TCPClient connects to a rosbridge-style TCP endpoint and reads
// newline-delimited JSON envelopes, reconnecting forever until closed.
type TCPClient struct {
	cfg TCPConfig

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	count    uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func NewTCPClient(cfg TCPConfig) (*TCPClient, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tcp source name is required")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("tcp source addr is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 1 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 256 * 1024
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}

	return &TCPClient{cfg: cfg, state: StateStopped, done: make(chan struct{})}, nil
}

// Start launches the read loop. onLine is called for each non-empty line, in
// order, from a single goroutine; a slow onLine applies backpressure to the
// socket. Returning an error from onLine records it and moves on.
func (c *TCPClient) Start(ctx context.Context, onLine LineFunc) error {
	if c == nil {
		return fmt.Errorf("tcp source is nil")
	}
	if c.closed.Load() {
		return fmt.Errorf("tcp source is closed")
	}
	if onLine == nil {
		return fmt.Errorf("tcp source onLine is nil")
	}
	if c.started.Swap(true) {
		return fmt.Errorf("tcp source already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState(StateConnecting, "")

	go func() {
		defer close(c.done)
		c.runLoop(runCtx, onLine)
	}()
	return nil
}

func (c *TCPClient) Close() {
	if c == nil {
		return
	}
	if c.closed.Swap(true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.started.Load() {
		<-c.done
	}
}

func (c *TCPClient) Snapshot(nowUTC time.Time) Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	state := c.state
	lastErr := c.lastErr
	lastSeen := c.lastSeen
	count := c.count
	c.mu.RUnlock()

	out := Snapshot{
		Name:      c.cfg.Name,
		Kind:      "tcp",
		Addr:      c.cfg.Addr,
		State:     state,
		LastError: lastErr,
		Messages:  count,
	}
	if !lastSeen.IsZero() {
		out.LastSeenUTC = lastSeen.UTC().Format(time.RFC3339Nano)
		if !nowUTC.IsZero() {
			out.AgeSec = nowUTC.Sub(lastSeen).Seconds()
		}
	}
	return out
}

func (c *TCPClient) runLoop(ctx context.Context, onLine LineFunc) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}

	for {
		select {
		case <-ctx.Done():
			c.setState(StateStopped, "")
			return
		default:
		}

		c.setState(StateConnecting, "")
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			c.setState(StateError, err.Error())
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				c.setState(StateStopped, "")
				return
			}
			continue
		}

		c.setState(StateConnected, "")
		// Unblock the reader when ctx ends.
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		c.readConn(ctx, conn, onLine)
		stop()
		_ = conn.Close()

		if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
			c.setState(StateStopped, "")
			return
		}
	}
}

func (c *TCPClient) readConn(ctx context.Context, conn net.Conn, onLine LineFunc) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > c.cfg.MaxLineBytes {
			// Drop oversized lines to avoid memory issues.
			c.setState(StateError, fmt.Sprintf("line too large (%d bytes)", len(line)))
		} else if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			raw := append([]byte(nil), trimmed...)
			if herr := onLine(ctx, raw); herr != nil {
				if ctx.Err() != nil {
					return
				}
				c.setState(StateError, "handler: "+herr.Error())
			} else {
				c.markSeen()
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				c.setState(StateDisconnected, "")
			} else {
				c.setState(StateDisconnected, err.Error())
			}
			return
		}
	}
}

func (c *TCPClient) markSeen() {
	now := time.Now().UTC()
	c.mu.Lock()
	c.lastSeen = now
	c.count++
	if c.state == StateError {
		c.state = StateConnected
	}
	c.mu.Unlock()
}

func (c *TCPClient) setState(state string, lastErr string) {
	c.mu.Lock()
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	} else if state == StateConnected || state == StateConnecting || state == StateStopped {
		// Clear stale errors on healthy/neutral states so status output doesn't
		// look broken after a transient startup failure.
		c.lastErr = ""
	}
	c.mu.Unlock()
}
