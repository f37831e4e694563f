// Package pipeline turns gated geodetic odometry into local Cartesian
// odometry.
//
// A Pipeline starts AwaitingOrigin. The first admitted pose latches the
// tangent-plane origin, emits the origin marker once, and moves the pipeline
// to Converting for the rest of the process lifetime. Every admitted pose,
// including the first, is projected and republished.
//
// All mutation happens on the goroutine that calls HandlePose/HandleStatus
// (normally Run); Snapshot is safe to call from anywhere.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"

	"odomconv/internal/gate"
	"odomconv/internal/geodesy"
	"odomconv/internal/rosmsg"
)

type State int

const (
	AwaitingOrigin State = iota
	Converting
)

func (s State) String() string {
	switch s {
	case AwaitingOrigin:
		return "awaiting_origin"
	case Converting:
		return "converting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type StampMode string

const (
	// StampInput keeps the input header stamp.
	StampInput StampMode = "input"
	// StampNow overwrites the header stamp with the publish time.
	StampNow StampMode = "now"
)

func ParseStampMode(s string) (StampMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(StampInput):
		return StampInput, nil
	case string(StampNow):
		return StampNow, nil
	default:
		return "", fmt.Errorf("unknown stamp mode %q", s)
	}
}

type MarkerConfig struct {
	FrameID string
	NS      string
	Scale   rosmsg.Vector3
	Color   rosmsg.ColorRGBA
}

func DefaultMarkerConfig() MarkerConfig {
	return MarkerConfig{
		FrameID: "sensor_wgs84",
		NS:      "my_namespace",
		Scale:   rosmsg.Vector3{X: 1.0, Y: 0.1, Z: 0.1},
		Color:   rosmsg.ColorRGBA{R: 0, G: 0, B: 1, A: 0.5},
	}
}

type Config struct {
	// ChildFrameID labels the Cartesian output.
	ChildFrameID string
	Stamp        StampMode
	Marker       MarkerConfig
	Ellipsoid    geodesy.Ellipsoid

	// Now is used for StampNow. Defaults to time.Now.
	Now func() time.Time
}

// Publisher receives pipeline output. Publishing is best-effort: failures are
// the publisher's business and never reach the pipeline.
type Publisher interface {
	PublishOdometry(rosmsg.Odometry)
	PublishMarker(rosmsg.Marker)
}

// Publishers fans output out to several publishers in order.
type Publishers []Publisher

func (ps Publishers) PublishOdometry(o rosmsg.Odometry) {
	for _, p := range ps {
		if p != nil {
			p.PublishOdometry(o)
		}
	}
}

func (ps Publishers) PublishMarker(m rosmsg.Marker) {
	for _, p := range ps {
		if p != nil {
			p.PublishMarker(m)
		}
	}
}

// Recorder observes pipeline events (metrics). All methods must be cheap.
type Recorder interface {
	PoseReceived()
	PoseDropped()
	PosePublished()
	MarkerPublished()
	StatusObserved(filterState int)
	GateChanged(open bool)
	OriginSet()
}

type Option func(*Pipeline)

func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.rec = r }
}

// WithOriginHook registers fn to run on the pipeline goroutine right after the
// origin latches.
func WithOriginHook(fn func(Origin)) Option {
	return func(p *Pipeline) { p.onOrigin = fn }
}

type Origin struct {
	LatDeg float64 `json:"lat_deg"`
	LonDeg float64 `json:"lon_deg"`
	AltM   float64 `json:"alt_m"`
}

type Pipeline struct {
	cfg  Config
	gate gate.Gate
	lc   *geodesy.LocalCartesian
	pub  Publisher
	rec  Recorder

	onOrigin func(Origin)

	state  State
	marker rosmsg.Marker

	received     uint64
	dropped      uint64
	published    uint64
	statuses     uint64
	markers      uint64
	lastStatus   int
	haveStatus   bool
	last         *Position
	lastUpdateAt time.Time

	snap atomic.Value // Snapshot
}

func New(cfg Config, g gate.Gate, pub Publisher, opts ...Option) (*Pipeline, error) {
	if g == nil {
		return nil, fmt.Errorf("gate is nil")
	}
	if pub == nil {
		return nil, fmt.Errorf("publisher is nil")
	}
	if strings.TrimSpace(cfg.ChildFrameID) == "" {
		return nil, fmt.Errorf("child frame id is required")
	}
	if cfg.Stamp == "" {
		cfg.Stamp = StampInput
	}
	if cfg.Stamp != StampInput && cfg.Stamp != StampNow {
		return nil, fmt.Errorf("unknown stamp mode %q", cfg.Stamp)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Pipeline{
		cfg:  cfg,
		gate: g,
		lc:   geodesy.NewLocalCartesian(cfg.Ellipsoid),
		pub:  pub,
		marker: rosmsg.Marker{
			Header: rosmsg.Header{FrameID: cfg.Marker.FrameID},
			NS:     cfg.Marker.NS,
			ID:     0,
			Type:   rosmsg.MarkerArrow,
			Action: rosmsg.MarkerAdd,
			Scale:  cfg.Marker.Scale,
			Color:  cfg.Marker.Color,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.storeSnapshot()
	return p, nil
}

func (p *Pipeline) State() State {
	return p.state
}

// HandleStatus feeds one filter status message to the gate.
func (p *Pipeline) HandleStatus(st rosmsg.FilterStatus) {
	p.statuses++
	p.lastStatus = st.FilterState
	p.haveStatus = true
	if p.rec != nil {
		p.rec.StatusObserved(st.FilterState)
	}

	wasOpen := p.gate.Admit()
	p.gate.ObserveStatus(st.FilterState)
	p.noteGate(wasOpen, fmt.Sprintf("filter_state=%s", rosmsg.FilterStateName(st.FilterState)))
	p.storeSnapshot()
}

// HandlePose runs one geodetic sample through the gate and, when admitted,
// the projection.
func (p *Pipeline) HandlePose(in rosmsg.Odometry) {
	p.received++
	if p.rec != nil {
		p.rec.PoseReceived()
	}

	variance := in.PositionVariance()
	wasOpen := p.gate.Admit()
	p.gate.ObservePose(variance)
	p.noteGate(wasOpen, fmt.Sprintf("position_variance=%g", variance))

	if !p.gate.Admit() {
		p.dropped++
		if p.rec != nil {
			p.rec.PoseDropped()
		}
		p.storeSnapshot()
		return
	}

	lat, lon, alt := in.Geodetic()
	if p.state == AwaitingOrigin {
		p.latch(in, lat, lon, alt)
	}

	v := p.lc.Forward(lat, lon, alt)
	out := in
	out.Pose.Pose.Position = rosmsg.Point{X: v.X, Y: v.Y, Z: v.Z}
	out.ChildFrameID = p.cfg.ChildFrameID
	if p.cfg.Stamp == StampNow {
		out.Header.Stamp = rosmsg.FromTime(p.cfg.Now())
	}
	p.pub.PublishOdometry(out)
	p.published++
	if p.rec != nil {
		p.rec.PosePublished()
	}

	// The snapshot is served as JSON, which cannot carry NaN or Inf.
	if finite(v.X, v.Y, v.Z, lat, lon, alt) {
		p.last = &Position{XM: v.X, YM: v.Y, ZM: v.Z, LatDeg: lat, LonDeg: lon, AltM: alt}
		p.last.RoundTripErrM = p.roundTripError(v)
	}
	p.lastUpdateAt = p.cfg.Now()
	p.storeSnapshot()
}

// latch anchors the tangent plane at the first admitted sample and emits the
// origin marker. It runs at most once per Pipeline.
func (p *Pipeline) latch(in rosmsg.Odometry, lat, lon, alt float64) {
	p.lc.Reset(lat, lon, alt)
	v := p.lc.Forward(lat, lon, alt)

	p.marker.ID++
	p.marker.Pose.Position = rosmsg.Point{X: v.X, Y: v.Y, Z: v.Z}
	p.marker.Pose.Orientation = in.Pose.Pose.Orientation
	p.pub.PublishMarker(p.marker)
	p.markers++
	if p.rec != nil {
		p.rec.MarkerPublished()
		p.rec.OriginSet()
	}

	log.Printf("origin latched lat=%.9f lon=%.9f alt=%.3f", lat, lon, alt)
	log.Printf("origin cartesian x=%.6f y=%.6f z=%.6f marker_id=%d", v.X, v.Y, v.Z, p.marker.ID)

	p.state = Converting
	if p.onOrigin != nil {
		p.onOrigin(Origin{LatDeg: lat, LonDeg: lon, AltM: alt})
	}
}

func (p *Pipeline) noteGate(wasOpen bool, why string) {
	open := p.gate.Admit()
	if open == wasOpen {
		return
	}
	if p.rec != nil {
		p.rec.GateChanged(open)
	}
	if open {
		log.Printf("gate open policy=%s %s", p.gate.Policy(), why)
		return
	}
	if p.state == Converting {
		log.Printf("gate closed policy=%s %s (origin kept)", p.gate.Policy(), why)
		return
	}
	log.Printf("gate closed policy=%s %s", p.gate.Policy(), why)
}

// EventKind tags an Event.
type EventKind int

const (
	PoseEvent EventKind = iota + 1
	StatusEvent
)

// Event is one inbound message. Poses and statuses share a single queue so
// the pipeline sees them in the order the transport delivered them.
type Event struct {
	Kind   EventKind
	Pose   rosmsg.Odometry
	Status rosmsg.FilterStatus
}

func NewPoseEvent(o rosmsg.Odometry) Event        { return Event{Kind: PoseEvent, Pose: o} }
func NewStatusEvent(st rosmsg.FilterStatus) Event { return Event{Kind: StatusEvent, Status: st} }

// Handle dispatches one event to HandlePose or HandleStatus.
func (p *Pipeline) Handle(ev Event) {
	switch ev.Kind {
	case PoseEvent:
		p.HandlePose(ev.Pose)
	case StatusEvent:
		p.HandleStatus(ev.Status)
	}
}

// Run handles events in queue order on the calling goroutine until ctx is
// done or events is closed.
func (p *Pipeline) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.Handle(ev)
		}
	}
}

type Position struct {
	XM     float64 `json:"x_m"`
	YM     float64 `json:"y_m"`
	ZM     float64 `json:"z_m"`
	LatDeg float64 `json:"lat_deg"`
	LonDeg float64 `json:"lon_deg"`
	AltM   float64 `json:"alt_m"`

	RangeM        float64 `json:"range_m"`
	SurfaceDistKm float64 `json:"surface_dist_km"`
	// RoundTripErrM is how far the local point lands from itself after a
	// Reverse/Forward round trip through geodetic coordinates.
	RoundTripErrM float64 `json:"round_trip_err_m"`
}

func (p *Pipeline) roundTripError(v r3.Vector) float64 {
	lat, lon, alt := p.lc.Reverse(v.X, v.Y, v.Z)
	return p.lc.Forward(lat, lon, alt).Sub(v).Norm()
}

type Snapshot struct {
	State          string        `json:"state"`
	Gate           gate.Snapshot `json:"gate"`
	Origin         *Origin       `json:"origin,omitempty"`
	MarkerID       int32         `json:"marker_id"`
	Received       uint64        `json:"poses_received"`
	Dropped        uint64        `json:"poses_dropped"`
	Published      uint64        `json:"poses_published"`
	Markers        uint64        `json:"markers_published"`
	Statuses       uint64        `json:"statuses_received"`
	FilterState    *int          `json:"filter_state,omitempty"`
	FilterStateStr string        `json:"filter_state_name,omitempty"`
	Last           *Position     `json:"last,omitempty"`
	LastUpdateUTC  string        `json:"last_update_utc,omitempty"`
}

func (p *Pipeline) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{}
	}
	v, _ := p.snap.Load().(Snapshot)
	return v
}

func (p *Pipeline) storeSnapshot() {
	snap := Snapshot{
		State:     p.state.String(),
		Gate:      p.gate.Snapshot(),
		MarkerID:  p.marker.ID,
		Received:  p.received,
		Dropped:   p.dropped,
		Published: p.published,
		Markers:   p.markers,
		Statuses:  p.statuses,
	}
	if p.haveStatus {
		fs := p.lastStatus
		snap.FilterState = &fs
		snap.FilterStateStr = rosmsg.FilterStateName(fs)
	}
	if lat, lon, alt, ok := p.lc.Origin(); ok {
		snap.Origin = &Origin{LatDeg: lat, LonDeg: lon, AltM: alt}
		if p.last != nil {
			last := *p.last
			last.RangeM = math.Sqrt(last.XM*last.XM + last.YM*last.YM + last.ZM*last.ZM)
			last.SurfaceDistKm = geodesy.SurfaceDistanceKm(lat, lon, last.LatDeg, last.LonDeg)
			snap.Last = &last
		}
	}
	if !p.lastUpdateAt.IsZero() {
		snap.LastUpdateUTC = p.lastUpdateAt.UTC().Format(time.RFC3339Nano)
	}
	p.snap.Store(snap)
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
