package udp

import (
	"encoding/json"
	"log"
	"sync/atomic"

	"odomconv/internal/rosmsg"
)

// Sender is the datagram sink a Publisher writes to.
type Sender interface {
	Send(payload []byte) error
}

// FailureObserver is told about every envelope that could not be sent.
type FailureObserver interface {
	PublishFailed(topic string)
}

// Publisher encodes pipeline output as rosbridge publish envelopes, one per
// datagram. Failures are logged and counted; they never reach the caller.
type Publisher struct {
	out         Sender
	poseTopic   string
	markerTopic string
	obs         FailureObserver

	sent   atomic.Uint64
	failed atomic.Uint64
}

func NewPublisher(out Sender, poseTopic, markerTopic string, obs FailureObserver) *Publisher {
	return &Publisher{out: out, poseTopic: poseTopic, markerTopic: markerTopic, obs: obs}
}

func (p *Publisher) PublishOdometry(o rosmsg.Odometry) {
	p.publish(p.poseTopic, o)
}

func (p *Publisher) PublishMarker(m rosmsg.Marker) {
	p.publish(p.markerTopic, m)
}

func (p *Publisher) publish(topic string, msg any) {
	env, err := rosmsg.NewEnvelope(topic, msg)
	var payload []byte
	if err == nil {
		payload, err = json.Marshal(env)
	}
	if err == nil {
		err = p.out.Send(payload)
	}
	if err != nil {
		n := p.failed.Add(1)
		if p.obs != nil {
			p.obs.PublishFailed(topic)
		}
		if n <= 10 || n%1000 == 0 {
			log.Printf("udp publish failed topic=%s count=%d err=%v", topic, n, err)
		}
		return
	}
	p.sent.Add(1)
}

type Snapshot struct {
	PoseTopic   string `json:"pose_topic"`
	MarkerTopic string `json:"marker_topic"`
	Sent        uint64 `json:"sent"`
	Failed      uint64 `json:"failed"`
}

func (p *Publisher) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{}
	}
	return Snapshot{
		PoseTopic:   p.poseTopic,
		MarkerTopic: p.markerTopic,
		Sent:        p.sent.Load(),
		Failed:      p.failed.Load(),
	}
}
