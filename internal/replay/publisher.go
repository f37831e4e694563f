package replay

import (
	"log"
	"time"

	"odomconv/internal/rosmsg"
)

// Publisher records pipeline output into a Writer under the output topics.
type Publisher struct {
	W           *Writer
	PoseTopic   string
	MarkerTopic string
}

func (p *Publisher) PublishOdometry(o rosmsg.Odometry) {
	p.write(p.PoseTopic, o)
}

func (p *Publisher) PublishMarker(m rosmsg.Marker) {
	p.write(p.MarkerTopic, m)
}

func (p *Publisher) write(topic string, msg any) {
	if p == nil || p.W == nil || topic == "" {
		return
	}
	env, err := rosmsg.NewEnvelope(topic, msg)
	if err == nil {
		err = p.W.WriteEnvelope(time.Now(), env)
	}
	if err != nil {
		log.Printf("record failed topic=%s err=%v", topic, err)
	}
}
