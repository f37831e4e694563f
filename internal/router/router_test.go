package router

import (
	"context"
	"testing"
	"time"

	"odomconv/internal/gate"
	"odomconv/internal/pipeline"
	"odomconv/internal/rosmsg"
)

type countingObserver struct{ topics []string }

func (o *countingObserver) DecodeFailed(topic string) { o.topics = append(o.topics, topic) }

func mustEnvelope(t *testing.T, topic string, msg any) rosmsg.Envelope {
	t.Helper()
	env, err := rosmsg.NewEnvelope(topic, msg)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil || err.Error() != "pose topic is required" {
		t.Fatalf("err=%v", err)
	}
	if _, err := New(Config{PoseTopic: "/a", StatusTopic: "/a"}, nil); err == nil {
		t.Fatalf("expected error for identical topics")
	}
}

func TestDispatch_RoutesByTopicInOrder(t *testing.T) {
	r, err := New(Config{PoseTopic: "/odom", StatusTopic: "/status", Buffer: 8}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		var o rosmsg.Odometry
		o.Header.Seq = uint32(i)
		if err := r.Dispatch(ctx, mustEnvelope(t, "/odom", o)); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if err := r.Dispatch(ctx, mustEnvelope(t, "/status", rosmsg.FilterStatus{FilterState: 4})); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := r.Dispatch(ctx, mustEnvelope(t, "/other", map[string]int{"x": 1})); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	for i := 0; i < 3; i++ {
		ev := <-r.Events()
		if ev.Kind != pipeline.PoseEvent || ev.Pose.Header.Seq != uint32(i) {
			t.Fatalf("event %d=%+v", i, ev)
		}
	}
	ev := <-r.Events()
	if ev.Kind != pipeline.StatusEvent || ev.Status.FilterState != 4 {
		t.Fatalf("status event=%+v", ev)
	}

	snap := r.Snapshot()
	if snap.Decoded != 4 || snap.Ignored != 1 || snap.Failed != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestDispatch_MalformedMessageDropped(t *testing.T) {
	obs := &countingObserver{}
	r, err := New(Config{PoseTopic: "/odom", StatusTopic: "/status"}, obs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env := rosmsg.Envelope{Op: "publish", Topic: "/status", Msg: []byte(`{"filter_state":"four"}`)}
	if err := r.Dispatch(context.Background(), env); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := r.DispatchRaw(context.Background(), []byte("not json")); err != nil {
		t.Fatalf("DispatchRaw: %v", err)
	}
	if len(r.Events()) != 0 {
		t.Fatalf("malformed status should not be queued")
	}
	if len(obs.topics) != 2 || obs.topics[0] != "/status" {
		t.Fatalf("observer topics=%v", obs.topics)
	}
}

func TestDispatch_NoStatusTopicIgnoresEmpty(t *testing.T) {
	r, err := New(Config{PoseTopic: "/odom"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Dispatch(context.Background(), rosmsg.Envelope{Msg: []byte(`{}`)}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if r.Snapshot().Ignored != 1 {
		t.Fatalf("expected envelope to be ignored")
	}
}

func TestDispatch_FullQueueHonorsContext(t *testing.T) {
	r, err := New(Config{PoseTopic: "/odom", StatusTopic: "/status", Buffer: 1}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env := mustEnvelope(t, "/odom", rosmsg.Odometry{})
	if err := r.Dispatch(context.Background(), env); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Dispatch(ctx, env); err != context.DeadlineExceeded {
		t.Fatalf("err=%v want %v", err, context.DeadlineExceeded)
	}
}

func TestDispatch_InterleavedTopicsKeepArrivalOrder(t *testing.T) {
	r, err := New(Config{PoseTopic: "/odom", StatusTopic: "/status", Buffer: 64}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	want := []pipeline.EventKind{}
	for i, fs := range []int{2, 3, 4} {
		if err := r.Dispatch(ctx, mustEnvelope(t, "/status", rosmsg.FilterStatus{FilterState: fs})); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		var o rosmsg.Odometry
		o.Header.Seq = uint32(i)
		if err := r.Dispatch(ctx, mustEnvelope(t, "/odom", o)); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		want = append(want, pipeline.StatusEvent, pipeline.PoseEvent)
	}
	r.Close()

	var got []pipeline.EventKind
	for ev := range r.Events() {
		got = append(got, ev.Kind)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d kind=%d want %d (all=%v)", i, got[i], want[i], got)
		}
	}
}

func TestRouterThenPipeline_StatusGateDropsEarlyPoses(t *testing.T) {
	r, err := New(Config{PoseTopic: "/odom", StatusTopic: "/status", Buffer: 64}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	for _, fs := range []int{2, 3, 4} {
		if err := r.Dispatch(ctx, mustEnvelope(t, "/status", rosmsg.FilterStatus{FilterState: fs})); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		var o rosmsg.Odometry
		o.Pose.Pose.Position = rosmsg.Point{X: -80, Y: 40, Z: 250}
		if err := r.Dispatch(ctx, mustEnvelope(t, "/odom", o)); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	r.Close()

	pub := &capturePublisher{}
	p, err := pipeline.New(pipeline.Config{
		ChildFrameID: "sensor_cartesian",
		Marker:       pipeline.DefaultMarkerConfig(),
	}, &gate.StatusCode{Good: 4}, pub)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	if err := p.Run(ctx, r.Events()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pub.odoms != 1 || pub.markers != 1 {
		t.Fatalf("odoms=%d markers=%d want 1 and 1", pub.odoms, pub.markers)
	}
	if snap := p.Snapshot(); snap.Dropped != 2 || snap.Statuses != 3 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

type capturePublisher struct{ odoms, markers int }

func (c *capturePublisher) PublishOdometry(rosmsg.Odometry) { c.odoms++ }
func (c *capturePublisher) PublishMarker(rosmsg.Marker)     { c.markers++ }
