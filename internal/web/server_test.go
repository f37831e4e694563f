package web

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"odomconv/internal/metrics"
	"odomconv/internal/pipeline"
	"odomconv/internal/rosmsg"
	"odomconv/internal/source"
)

type fakePipeline struct{ snap pipeline.Snapshot }

func (f fakePipeline) Snapshot() pipeline.Snapshot { return f.snap }

type fakeSource struct{ snap source.Snapshot }

func (f fakeSource) Snapshot(time.Time) source.Snapshot { return f.snap }

func TestAPIStatus(t *testing.T) {
	st := NewStatus()
	st.SetStatic("run-1", "tcp 127.0.0.1:9090", "127.0.0.1:4000")
	st.Pipeline = fakePipeline{snap: pipeline.Snapshot{State: "converting", MarkerID: 1}}
	st.Source = fakeSource{snap: source.Snapshot{Name: "gq7", Kind: "tcp", State: source.StateConnected}}

	ts := httptest.NewServer(Handler(st, nil, nil, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}

	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Service != "odomconv" || snap.RunID != "run-1" {
		t.Fatalf("service=%q run_id=%q", snap.Service, snap.RunID)
	}
	if snap.OutputDest != "127.0.0.1:4000" {
		t.Fatalf("output_dest=%q", snap.OutputDest)
	}
	if snap.Pipeline == nil || snap.Pipeline.State != "converting" || snap.Pipeline.MarkerID != 1 {
		t.Fatalf("pipeline=%+v", snap.Pipeline)
	}
	if snap.Source == nil || snap.Source.State != source.StateConnected {
		t.Fatalf("source=%+v", snap.Source)
	}
	if snap.Router != nil || snap.Output != nil {
		t.Fatalf("expected unattached components omitted")
	}
}

func TestAPIStatus_MethodNotAllowed(t *testing.T) {
	ts := httptest.NewServer(Handler(NewStatus(), nil, nil, nil))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/status", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
}

func TestRootPage(t *testing.T) {
	st := NewStatus()
	st.SetStatic("run-<x>", "", "")
	ts := httptest.NewServer(Handler(st, nil, nil, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "run_id=run-&lt;x&gt;") {
		t.Fatalf("body=%s", b)
	}

	resp2, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get unknown: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status code=%d", resp2.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	c, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	c.PoseReceived()

	ts := httptest.NewServer(Handler(NewStatus(), nil, nil, c.Handler()))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "odomconv_poses_received_total 1") {
		t.Fatalf("metrics body missing counter:\n%s", b)
	}
}

func TestStream_DeliversPoses(t *testing.T) {
	poses := NewPoseBroadcaster()
	ts := httptest.NewServer(Handler(NewStatus(), poses, nil, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/stream")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for poses.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	poses.PublishMarker(rosmsg.Marker{ID: 1})
	var o rosmsg.Odometry
	o.Header.FrameID = "odom"
	o.ChildFrameID = "sensor_cartesian"
	o.Pose.Pose.Position = rosmsg.Point{X: 3, Y: 4, Z: 5}
	poses.PublishOdometry(o)

	br := bufio.NewReader(resp.Body)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev PoseEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.XM != 3 || ev.YM != 4 || ev.ZM != 5 || ev.MarkerID != 1 || ev.ChildFrameID != "sensor_cartesian" {
			t.Fatalf("event=%+v", ev)
		}
		return
	}
}
