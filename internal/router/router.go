// Package router decodes rosbridge envelopes from any inbound transport into
// the typed pose and status events the pipeline consumes, keeping arrival
// order across both topics.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"odomconv/internal/pipeline"
	"odomconv/internal/rosmsg"
)

type Config struct {
	PoseTopic   string
	StatusTopic string

	// Buffer is the capacity of the event queue. A full queue blocks the
	// caller of Dispatch so order is never broken by drops.
	Buffer int
}

// DecodeObserver is told about frames that could not be decoded.
type DecodeObserver interface {
	DecodeFailed(topic string)
}

type Router struct {
	cfg Config
	obs DecodeObserver

	events chan pipeline.Event

	ignored atomic.Uint64
	decoded atomic.Uint64
	failed  atomic.Uint64
}

func New(cfg Config, obs DecodeObserver) (*Router, error) {
	cfg.PoseTopic = strings.TrimSpace(cfg.PoseTopic)
	cfg.StatusTopic = strings.TrimSpace(cfg.StatusTopic)
	if cfg.PoseTopic == "" {
		return nil, fmt.Errorf("pose topic is required")
	}
	if cfg.PoseTopic == cfg.StatusTopic {
		return nil, fmt.Errorf("pose and status topics must differ")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &Router{
		cfg:    cfg,
		obs:    obs,
		events: make(chan pipeline.Event, cfg.Buffer),
	}, nil
}

// Events is the single ordered stream of decoded poses and statuses.
func (r *Router) Events() <-chan pipeline.Event { return r.events }

// Dispatch routes one envelope. Unknown topics are ignored and malformed
// messages are logged and dropped; neither is an error for the transport.
// It returns ctx.Err() if ctx ends while waiting for channel space.
func (r *Router) Dispatch(ctx context.Context, env rosmsg.Envelope) error {
	switch env.Topic {
	case r.cfg.PoseTopic:
		var o rosmsg.Odometry
		if err := json.Unmarshal(env.Msg, &o); err != nil {
			r.decodeFailed(env.Topic, err)
			return nil
		}
		return r.push(ctx, pipeline.NewPoseEvent(o))
	case r.cfg.StatusTopic:
		if r.cfg.StatusTopic == "" {
			break
		}
		var st rosmsg.FilterStatus
		if err := json.Unmarshal(env.Msg, &st); err != nil {
			r.decodeFailed(env.Topic, err)
			return nil
		}
		return r.push(ctx, pipeline.NewStatusEvent(st))
	}
	r.ignored.Add(1)
	return nil
}

func (r *Router) push(ctx context.Context, ev pipeline.Event) error {
	r.decoded.Add(1)
	select {
	case r.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchRaw parses a raw JSON frame and routes it.
func (r *Router) DispatchRaw(ctx context.Context, raw []byte) error {
	env, err := rosmsg.ParseEnvelope(raw)
	if err != nil {
		r.decodeFailed("", err)
		return nil
	}
	return r.Dispatch(ctx, env)
}

// Close ends the event stream. Dispatch must not be called afterwards.
func (r *Router) Close() {
	close(r.events)
}

type Snapshot struct {
	PoseTopic   string `json:"pose_topic"`
	StatusTopic string `json:"status_topic"`
	Decoded     uint64 `json:"decoded"`
	Ignored     uint64 `json:"ignored"`
	Failed      uint64 `json:"failed"`
	Queue       int    `json:"queue"`
}

func (r *Router) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		PoseTopic:   r.cfg.PoseTopic,
		StatusTopic: r.cfg.StatusTopic,
		Decoded:     r.decoded.Load(),
		Ignored:     r.ignored.Load(),
		Failed:      r.failed.Load(),
		Queue:       len(r.events),
	}
}

func (r *Router) decodeFailed(topic string, err error) {
	n := r.failed.Add(1)
	if r.obs != nil {
		r.obs.DecodeFailed(topic)
	}
	// Keep the log readable if a producer floods garbage.
	if n <= 10 || n%1000 == 0 {
		log.Printf("router decode failed topic=%s count=%d err=%v", topic, n, err)
	}
}
