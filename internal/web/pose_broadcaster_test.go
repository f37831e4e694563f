package web

import (
	"testing"

	"odomconv/internal/rosmsg"
)

func TestPoseBroadcaster_NewSubscriberGetsLastValue(t *testing.T) {
	b := NewPoseBroadcaster()

	var o rosmsg.Odometry
	o.Header.Stamp = rosmsg.Time{Sec: 10, Nsec: 500000000}
	o.Pose.Pose.Position.X = 7
	b.PublishOdometry(o)

	id, ch := b.Subscribe(1)
	defer b.Unsubscribe(id)

	select {
	case ev := <-ch:
		if ev.XM != 7 || ev.Stamp != 10.5 {
			t.Fatalf("event=%+v", ev)
		}
	default:
		t.Fatalf("expected last value on subscribe")
	}
}

func TestPoseBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewPoseBroadcaster()
	id, ch := b.Subscribe(1)

	for i := 0; i < 10; i++ {
		b.PublishOdometry(rosmsg.Odometry{})
	}
	if len(ch) != 1 {
		t.Fatalf("queued=%d want 1", len(ch))
	}

	b.Unsubscribe(id)
	if _, ok := <-ch; !ok {
		t.Fatalf("expected buffered value before close")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after Unsubscribe")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers=%d", b.Subscribers())
	}
}

func TestPoseBroadcaster_NilSafe(t *testing.T) {
	var b *PoseBroadcaster
	b.PublishOdometry(rosmsg.Odometry{})
	b.PublishMarker(rosmsg.Marker{})
	b.Unsubscribe(1)
	if id, ch := b.Subscribe(1); id != 0 || ch != nil {
		t.Fatalf("expected zero subscription on nil broadcaster")
	}
}
