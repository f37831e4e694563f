package web

import (
	"sync/atomic"
	"time"

	"odomconv/internal/pipeline"
	"odomconv/internal/router"
	"odomconv/internal/source"
	"odomconv/internal/udp"
)

type PipelineView interface {
	Snapshot() pipeline.Snapshot
}

type RouterView interface {
	Snapshot() router.Snapshot
}

type SourceView interface {
	Snapshot(nowUTC time.Time) source.Snapshot
}

type OutputView interface {
	Snapshot() udp.Snapshot
}

// Status aggregates component snapshots for /api/status. Components are
// attached once during startup; any of them may be nil.
type Status struct {
	startUnixNano int64
	runID         atomic.Value // string
	input         atomic.Value // string
	outputDest    atomic.Value // string

	Pipeline PipelineView
	Router   RouterView
	Source   SourceView
	Output   OutputView
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.runID.Store("")
	s.input.Store("")
	s.outputDest.Store("")
	return s
}

func (s *Status) SetStatic(runID string, input string, outputDest string) {
	if runID != "" {
		s.runID.Store(runID)
	}
	if input != "" {
		s.input.Store(input)
	}
	if outputDest != "" {
		s.outputDest.Store(outputDest)
	}
}

type StatusSnapshot struct {
	Service    string `json:"service"`
	RunID      string `json:"run_id,omitempty"`
	NowUTC     string `json:"now_utc"`
	UptimeSec  int64  `json:"uptime_sec"`
	Input      string `json:"input"`
	OutputDest string `json:"output_dest"`

	Pipeline *pipeline.Snapshot `json:"pipeline,omitempty"`
	Router   *router.Snapshot   `json:"router,omitempty"`
	Source   *source.Snapshot   `json:"source,omitempty"`
	Output   *udp.Snapshot      `json:"output,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:    "odomconv",
		RunID:      s.runID.Load().(string),
		NowUTC:     nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:  int64(nowUTC.Sub(start).Seconds()),
		Input:      s.input.Load().(string),
		OutputDest: s.outputDest.Load().(string),
	}
	if s.Pipeline != nil {
		v := s.Pipeline.Snapshot()
		snap.Pipeline = &v
	}
	if s.Router != nil {
		v := s.Router.Snapshot()
		snap.Router = &v
	}
	if s.Source != nil {
		v := s.Source.Snapshot(nowUTC)
		snap.Source = &v
	}
	if s.Output != nil {
		v := s.Output.Snapshot()
		snap.Output = &v
	}
	return snap
}
