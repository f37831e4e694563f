package web

import (
	"sync"
	"time"

	"odomconv/internal/rosmsg"
)

// PoseEvent is the UI view of one converted pose.
type PoseEvent struct {
	FrameID      string  `json:"frame_id"`
	ChildFrameID string  `json:"child_frame_id"`
	Stamp        float64 `json:"stamp"`
	XM           float64 `json:"x_m"`
	YM           float64 `json:"y_m"`
	ZM           float64 `json:"z_m"`
	// MarkerID is the id of the most recent origin marker, 0 before latching.
	MarkerID      int32  `json:"marker_id"`
	LastUpdateUTC string `json:"last_update_utc,omitempty"`
}

// PoseBroadcaster fans converted poses out to any listeners (e.g. SSE).
// It keeps the most recent value so new subscribers get an immediate sample.
// It satisfies pipeline.Publisher.
type PoseBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan PoseEvent
	nextID   int
	last     PoseEvent
	haveLast bool
	markerID int32
}

func NewPoseBroadcaster() *PoseBroadcaster {
	return &PoseBroadcaster{
		subs: make(map[int]chan PoseEvent),
	}
}

func (b *PoseBroadcaster) Subscribe(buffer int) (int, <-chan PoseEvent) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan PoseEvent, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last := b.last
	have := b.haveLast
	b.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (b *PoseBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *PoseBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *PoseBroadcaster) PublishMarker(m rosmsg.Marker) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.markerID = m.ID
	b.mu.Unlock()
}

func (b *PoseBroadcaster) PublishOdometry(o rosmsg.Odometry) {
	if b == nil {
		return
	}
	p := o.Pose.Pose.Position
	ev := PoseEvent{
		FrameID:       o.Header.FrameID,
		ChildFrameID:  o.ChildFrameID,
		Stamp:         float64(o.Header.Stamp.Sec) + float64(o.Header.Stamp.Nsec)/1e9,
		XM:            p.X,
		YM:            p.Y,
		ZM:            p.Z,
		LastUpdateUTC: time.Now().UTC().Format(time.RFC3339Nano),
	}

	// Delivery happens under the lock so Unsubscribe cannot close a channel
	// mid-send; sends never block.
	b.mu.Lock()
	ev.MarkerID = b.markerID
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.last = ev
	b.haveLast = true
	b.mu.Unlock()
}
