// Package source provides the inbound transports: a reconnecting TCP client
// and a serial TTY reader. Both deliver newline-delimited JSON envelopes, one
// line at a time, in arrival order.
package source

import (
	"context"
	"time"
)

// LineFunc handles one trimmed, non-empty line. The slice is owned by the
// callee.
type LineFunc func(ctx context.Context, line []byte) error

const (
	StateStopped      = "stopped"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateError        = "error"
)

type Snapshot struct {
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	Addr        string  `json:"addr,omitempty"`
	Device      string  `json:"device,omitempty"`
	Baud        int     `json:"baud,omitempty"`
	State       string  `json:"state"`
	LastError   string  `json:"last_error,omitempty"`
	LastSeenUTC string  `json:"last_seen_utc,omitempty"`
	AgeSec      float64 `json:"age_sec,omitempty"`
	Messages    uint64  `json:"messages"`
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
