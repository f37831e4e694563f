// Package rosmsg holds JSON forms of the ROS messages odomconv consumes and
// produces, plus the rosbridge-style envelope used on every wire.
package rosmsg

import (
	"encoding/json"
	"fmt"
	"time"
)

type Time struct {
	Sec  int64 `json:"secs"`
	Nsec int64 `json:"nsecs"`
}

func FromTime(t time.Time) Time {
	if t.IsZero() {
		return Time{}
	}
	ns := t.UnixNano()
	return Time{Sec: ns / int64(time.Second), Nsec: ns % int64(time.Second)}
}

func (t Time) Time() time.Time {
	return time.Unix(t.Sec, t.Nsec).UTC()
}

func (t Time) IsZero() bool {
	return t.Sec == 0 && t.Nsec == 0
}

type Header struct {
	Seq     uint32 `json:"seq"`
	Stamp   Time   `json:"stamp"`
	FrameID string `json:"frame_id"`
}

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Point = Vector3

type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type Pose struct {
	Position    Point      `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

type Twist struct {
	Linear  Vector3 `json:"linear"`
	Angular Vector3 `json:"angular"`
}

type PoseWithCovariance struct {
	Pose       Pose        `json:"pose"`
	Covariance [36]float64 `json:"covariance"`
}

type TwistWithCovariance struct {
	Twist      Twist       `json:"twist"`
	Covariance [36]float64 `json:"covariance"`
}

// Odometry mirrors nav_msgs/Odometry.
//
// Geodetic producers put longitude in Pose.Pose.Position.X, latitude in
// Position.Y and altitude (meters) in Position.Z.
type Odometry struct {
	Header       Header              `json:"header"`
	ChildFrameID string              `json:"child_frame_id"`
	Pose         PoseWithCovariance  `json:"pose"`
	Twist        TwistWithCovariance `json:"twist"`
}

// Geodetic returns (lat, lon, alt) following the geodetic axis convention.
func (o Odometry) Geodetic() (lat, lon, alt float64) {
	p := o.Pose.Pose.Position
	return p.Y, p.X, p.Z
}

// PositionVariance is the sum of the x/y/z position variances (covariance
// indices 0, 7 and 14 of the row-major 6x6 matrix).
func (o Odometry) PositionVariance() float64 {
	c := o.Pose.Covariance
	return c[0] + c[7] + c[14]
}

// GQ7 navigation filter states.
const (
	FilterStateStartup  = 0
	FilterStateInit     = 1
	FilterStateVertGyro = 2
	FilterStateAHRS     = 3
	FilterStateFullNav  = 4
)

// FilterStatus mirrors microstrain_inertial_msgs/FilterStatus.
type FilterStatus struct {
	Header       Header `json:"header"`
	FilterState  int    `json:"filter_state"`
	DynamicsMode int    `json:"dynamics_mode"`
	StatusFlags  int    `json:"status_flags"`
}

func FilterStateName(state int) string {
	switch state {
	case FilterStateStartup:
		return "startup"
	case FilterStateInit:
		return "init"
	case FilterStateVertGyro:
		return "vert_gyro"
	case FilterStateAHRS:
		return "ahrs"
	case FilterStateFullNav:
		return "full_nav"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

const (
	MarkerArrow = 0

	MarkerAdd = 0
)

type ColorRGBA struct {
	R float32 `json:"r"`
	G float32 `json:"g"`
	B float32 `json:"b"`
	A float32 `json:"a"`
}

// Marker mirrors visualization_msgs/Marker (the subset odomconv fills).
type Marker struct {
	Header      Header    `json:"header"`
	NS          string    `json:"ns"`
	ID          int32     `json:"id"`
	Type        int32     `json:"type"`
	Action      int32     `json:"action"`
	Pose        Pose      `json:"pose"`
	Scale       Vector3   `json:"scale"`
	Color       ColorRGBA `json:"color"`
	Lifetime    Time      `json:"lifetime"`
	FrameLocked bool      `json:"frame_locked"`
}

const OpPublish = "publish"

// Envelope is the rosbridge v2 publish frame:
//
//	{"op":"publish","topic":"/GQ7/nav/odom","msg":{...}}
type Envelope struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic"`
	Msg   json.RawMessage `json:"msg"`
}

func NewEnvelope(topic string, msg any) (Envelope, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", topic, err)
	}
	return Envelope{Op: OpPublish, Topic: topic, Msg: b}, nil
}

// ParseEnvelope decodes one JSON frame. A missing op is treated as publish;
// any other op is rejected.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("envelope: %w", err)
	}
	if env.Op != "" && env.Op != OpPublish {
		return Envelope{}, fmt.Errorf("envelope: unsupported op %q", env.Op)
	}
	if env.Topic == "" {
		return Envelope{}, fmt.Errorf("envelope: topic is required")
	}
	if len(env.Msg) == 0 {
		return Envelope{}, fmt.Errorf("envelope: msg is required")
	}
	return env, nil
}
