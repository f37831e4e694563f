package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"odomconv/internal/config"
	"odomconv/internal/gate"
	"odomconv/internal/geodesy"
	"odomconv/internal/indicator"
	"odomconv/internal/metrics"
	"odomconv/internal/pipeline"
	"odomconv/internal/replay"
	"odomconv/internal/rosmsg"
	"odomconv/internal/router"
	"odomconv/internal/source"
	"odomconv/internal/udp"
	"odomconv/internal/web"
)

// lineSource is the shape shared by the TCP and serial transports.
type lineSource interface {
	Start(ctx context.Context, onLine source.LineFunc) error
	Close()
	Snapshot(nowUTC time.Time) source.Snapshot
}

type runtime struct {
	cfg   config.Config
	runID string

	metrics *metrics.Collector
	router  *router.Router
	pipe    *pipeline.Pipeline

	out      *udp.Broadcaster
	outPub   *udp.Publisher
	poses    *web.PoseBroadcaster
	recorder *replay.Writer
	lamp     *indicator.Lamp

	src     lineSource
	records []replay.Record

	status *web.Status
	logs   *web.LogBuffer
}

func newRuntime(cfg config.Config, reg prometheus.Registerer, logs *web.LogBuffer) (*runtime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}

	rt := &runtime{cfg: c, runID: uuid.NewString(), logs: logs}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	var err error
	rt.metrics, err = metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("metrics init: %w", err)
	}

	rt.router, err = router.New(router.Config{
		PoseTopic:   c.Input.PoseTopic,
		StatusTopic: c.Input.StatusTopic,
		Buffer:      c.Input.Buffer,
	}, rt.metrics)
	if err != nil {
		return nil, fmt.Errorf("router init: %w", err)
	}

	policy, err := gate.ParsePolicy(c.Gate.Policy)
	if err != nil {
		return nil, err
	}
	g, err := gate.New(gate.Config{
		Policy:              policy,
		GoodStatus:          *c.Gate.GoodStatus,
		CovarianceThreshold: c.Gate.CovarianceThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("gate init: %w", err)
	}

	rt.out, err = udp.NewBroadcaster(c.Output.Dest)
	if err != nil {
		return nil, fmt.Errorf("udp output init: %w", err)
	}
	rt.outPub = udp.NewPublisher(rt.out, c.Output.PoseTopic, c.Output.MarkerTopic, rt.metrics)
	rt.poses = web.NewPoseBroadcaster()
	pubs := pipeline.Publishers{rt.outPub, rt.poses}

	if c.Record.Enable {
		rt.recorder, err = replay.CreateWriter(c.Record.Path, rt.runID)
		if err != nil {
			return nil, fmt.Errorf("record init: %w", err)
		}
		pubs = append(pubs, &replay.Publisher{W: rt.recorder, PoseTopic: c.Output.PoseTopic, MarkerTopic: c.Output.MarkerTopic})
		log.Printf("recording envelopes path=%s", c.Record.Path)
	}

	if c.Indicator.Enable {
		rt.lamp, err = indicator.Open(c.Indicator.Pin)
		if err != nil {
			// The lamp is cosmetic; keep converting without it.
			log.Printf("indicator init failed pin=%d: %v", c.Indicator.Pin, err)
			rt.lamp = nil
		}
	}

	stamp, err := pipeline.ParseStampMode(c.Output.Stamp)
	if err != nil {
		return nil, err
	}
	rt.pipe, err = pipeline.New(pipeline.Config{
		ChildFrameID: c.Output.ChildFrameID,
		Stamp:        stamp,
		Marker: pipeline.MarkerConfig{
			FrameID: c.Marker.FrameID,
			NS:      c.Marker.NS,
			Scale:   rosmsg.Vector3{X: c.Marker.Scale.X, Y: c.Marker.Scale.Y, Z: c.Marker.Scale.Z},
			Color:   rosmsg.ColorRGBA{R: c.Marker.Color.R, G: c.Marker.Color.G, B: c.Marker.Color.B, A: c.Marker.Color.A},
		},
		Ellipsoid: geodesy.Ellipsoid{A: c.Ellipsoid.A, F: c.Ellipsoid.F},
	}, g, pubs,
		pipeline.WithRecorder(rt.metrics),
		pipeline.WithOriginHook(func(pipeline.Origin) { rt.lamp.Set(true) }),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline init: %w", err)
	}

	input := c.Input.Source
	switch c.Input.Source {
	case config.SourceTCP:
		rt.src, err = source.NewTCPClient(source.TCPConfig{
			Name:           "gq7",
			Addr:           c.Input.TCP.Addr,
			ReconnectDelay: c.Input.TCP.ReconnectDelay,
		})
		input += " " + c.Input.TCP.Addr
	case config.SourceSerial:
		rt.src, err = source.NewSerial(source.SerialConfig{
			Name:   "gq7",
			Device: c.Input.Serial.Device,
			Baud:   c.Input.Serial.Baud,
		})
		if c.Input.Serial.Device == "" {
			input += " auto"
		} else {
			input += " " + c.Input.Serial.Device
		}
	case config.SourceReplay:
		rt.records, err = replay.ReadFile(c.Input.Replay.Path)
		if err == nil && summarizeEnvelopeLog(rt.records).Records == 0 {
			err = fmt.Errorf("replay log %s has no records", c.Input.Replay.Path)
		}
		input += " " + c.Input.Replay.Path
	}
	if err != nil {
		return nil, fmt.Errorf("input init: %w", err)
	}

	rt.status = web.NewStatus()
	rt.status.SetStatic(rt.runID, input, c.Output.Dest)
	rt.status.Pipeline = rt.pipe
	rt.status.Router = rt.router
	rt.status.Output = rt.outPub
	if rt.src != nil {
		rt.status.Source = rt.src
	}

	ok = true
	return rt, nil
}

// handleLine records and routes one inbound frame.
func (rt *runtime) handleLine(ctx context.Context, line []byte) error {
	env, err := rosmsg.ParseEnvelope(line)
	if err != nil {
		// Let the router count and log the malformed frame.
		return rt.router.DispatchRaw(ctx, line)
	}
	return rt.handleEnvelope(ctx, env)
}

func (rt *runtime) handleEnvelope(ctx context.Context, env rosmsg.Envelope) error {
	if rt.recorder != nil {
		if err := rt.recorder.WriteEnvelope(time.Now(), env); err != nil {
			log.Printf("record failed topic=%s err=%v", env.Topic, err)
		}
	}
	return rt.router.Dispatch(ctx, env)
}

// Run converts until ctx ends or, for replay input, the log is exhausted.
func (rt *runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if rt.cfg.Web.Enable != nil && *rt.cfg.Web.Enable {
		handler := web.Handler(rt.status, rt.poses, rt.logs, rt.metrics.Handler())
		go func() {
			log.Printf("web listening addr=%s", rt.cfg.Web.Listen)
			if err := web.Serve(ctx, rt.cfg.Web.Listen, handler); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("web server stopped: %v", err)
			}
		}()
	}

	pipeErr := make(chan error, 1)
	go func() {
		pipeErr <- rt.pipe.Run(ctx, rt.router.Events())
	}()

	if rt.src != nil {
		if err := rt.src.Start(ctx, rt.handleLine); err != nil {
			cancel()
			<-pipeErr
			return fmt.Errorf("input start: %w", err)
		}
	} else {
		go func() {
			cfg := rt.cfg.Input.Replay
			log.Printf("replay starting path=%s records=%d speed=%g loop=%t", cfg.Path, len(rt.records), cfg.Speed, cfg.Loop)
			err := replay.Play(ctx, rt.records, cfg.Speed, cfg.Loop, nil, func(env rosmsg.Envelope) error {
				return rt.handleEnvelope(ctx, env)
			})
			if err != nil && ctx.Err() == nil {
				log.Printf("replay stopped: %v", err)
			} else if err == nil {
				log.Printf("replay finished")
			}
			// Ending both streams lets the pipeline drain and return.
			rt.router.Close()
		}()
	}

	err := <-pipeErr
	if rt.src != nil {
		rt.src.Close()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (rt *runtime) Close() {
	if rt == nil {
		return
	}
	if rt.src != nil {
		rt.src.Close()
	}
	if rt.recorder != nil {
		if err := rt.recorder.Close(); err != nil {
			log.Printf("record close failed: %v", err)
		}
	}
	if rt.lamp != nil {
		_ = rt.lamp.Close()
		rt.lamp = nil
	}
	if rt.out != nil {
		_ = rt.out.Close()
	}
}
