package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Input     InputConfig     `yaml:"input"`
	Output    OutputConfig    `yaml:"output"`
	Gate      GateConfig      `yaml:"gate"`
	Marker    MarkerConfig    `yaml:"marker"`
	Ellipsoid EllipsoidConfig `yaml:"ellipsoid"`
	Web       WebConfig       `yaml:"web"`
	Record    RecordConfig    `yaml:"record"`
	Indicator IndicatorConfig `yaml:"indicator"`
}

type InputConfig struct {
	// Source is one of "tcp", "serial" or "replay".
	Source      string `yaml:"source"`
	PoseTopic   string `yaml:"pose_topic"`
	StatusTopic string `yaml:"status_topic"`
	// Buffer is the per-stream queue depth between transport and pipeline.
	Buffer int `yaml:"buffer"`

	TCP    TCPConfig    `yaml:"tcp"`
	Serial SerialConfig `yaml:"serial"`
	Replay ReplayConfig `yaml:"replay"`
}

type TCPConfig struct {
	Addr           string        `yaml:"addr"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type SerialConfig struct {
	// Device may be empty to auto-detect.
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type OutputConfig struct {
	Dest         string `yaml:"dest"`
	PoseTopic    string `yaml:"pose_topic"`
	MarkerTopic  string `yaml:"marker_topic"`
	ChildFrameID string `yaml:"child_frame_id"`
	// Stamp is "input" (copy the input header stamp) or "now".
	Stamp string `yaml:"stamp"`
}

type GateConfig struct {
	// Policy is "status" or "covariance".
	Policy              string  `yaml:"policy"`
	GoodStatus          *int    `yaml:"good_status"`
	CovarianceThreshold float64 `yaml:"covariance_threshold"`
}

type MarkerConfig struct {
	FrameID string `yaml:"frame_id"`
	NS      string `yaml:"ns"`
	Scale   *Vec3  `yaml:"scale"`
	Color   *RGBA  `yaml:"color"`
}

type Vec3 struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

type RGBA struct {
	R float32 `yaml:"r"`
	G float32 `yaml:"g"`
	B float32 `yaml:"b"`
	A float32 `yaml:"a"`
}

type EllipsoidConfig struct {
	A float64 `yaml:"a"`
	F float64 `yaml:"f"`
}

type WebConfig struct {
	Enable *bool  `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type IndicatorConfig struct {
	Enable bool `yaml:"enable"`
	// Pin is the BCM GPIO number.
	Pin int `yaml:"pin"`
}

const (
	SourceTCP    = "tcp"
	SourceSerial = "serial"
	SourceReplay = "replay"
)

const (
	wgs84A = 6378137.0
	wgs84F = 1 / 298.257223563
)

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return Config{}, fmt.Errorf("config contains unknown fields: %w", err)
		}
		return Config{}, err
	}

	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills unset fields with the defaults of the GQ7 setup
// and rejects inconsistent settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	// Input.
	cfg.Input.Source = strings.ToLower(strings.TrimSpace(cfg.Input.Source))
	if cfg.Input.Source == "" {
		cfg.Input.Source = SourceTCP
	}
	if cfg.Input.PoseTopic == "" {
		cfg.Input.PoseTopic = "/GQ7/nav/odom"
	}
	if cfg.Input.StatusTopic == "" {
		cfg.Input.StatusTopic = "/GQ7/nav/status"
	}
	if cfg.Input.PoseTopic == cfg.Input.StatusTopic {
		return fmt.Errorf("input.pose_topic and input.status_topic must differ")
	}
	if cfg.Input.Buffer <= 0 {
		cfg.Input.Buffer = 64
	}
	switch cfg.Input.Source {
	case SourceTCP:
		if strings.TrimSpace(cfg.Input.TCP.Addr) == "" {
			return fmt.Errorf("input.tcp.addr is required when input.source is 'tcp'")
		}
		if cfg.Input.TCP.ReconnectDelay <= 0 {
			cfg.Input.TCP.ReconnectDelay = 1 * time.Second
		}
	case SourceSerial:
		if cfg.Input.Serial.Baud == 0 {
			cfg.Input.Serial.Baud = 115200
		}
		if cfg.Input.Serial.Baud < 0 {
			return fmt.Errorf("input.serial.baud must be > 0")
		}
	case SourceReplay:
		if strings.TrimSpace(cfg.Input.Replay.Path) == "" {
			return fmt.Errorf("input.replay.path is required when input.source is 'replay'")
		}
		if cfg.Input.Replay.Speed == 0 {
			cfg.Input.Replay.Speed = 1
		}
		if cfg.Input.Replay.Speed < 0 {
			return fmt.Errorf("input.replay.speed must be > 0")
		}
	default:
		return fmt.Errorf("input.source must be one of 'tcp', 'serial', 'replay'")
	}

	// Output.
	if strings.TrimSpace(cfg.Output.Dest) == "" {
		return fmt.Errorf("output.dest is required")
	}
	if cfg.Output.PoseTopic == "" {
		cfg.Output.PoseTopic = "/GQ7/nav/odom_cartesian"
	}
	if cfg.Output.MarkerTopic == "" {
		cfg.Output.MarkerTopic = "/GQ7/nav/start_marker"
	}
	if cfg.Output.PoseTopic == cfg.Output.MarkerTopic {
		return fmt.Errorf("output.pose_topic and output.marker_topic must differ")
	}
	if cfg.Output.ChildFrameID == "" {
		cfg.Output.ChildFrameID = "sensor_cartesian"
	}
	cfg.Output.Stamp = strings.ToLower(strings.TrimSpace(cfg.Output.Stamp))
	if cfg.Output.Stamp == "" {
		cfg.Output.Stamp = "input"
	}
	if cfg.Output.Stamp != "input" && cfg.Output.Stamp != "now" {
		return fmt.Errorf("output.stamp must be 'input' or 'now'")
	}

	// Gate.
	cfg.Gate.Policy = strings.ToLower(strings.TrimSpace(cfg.Gate.Policy))
	if cfg.Gate.Policy == "" {
		cfg.Gate.Policy = "status"
	}
	if cfg.Gate.GoodStatus == nil {
		v := 4
		cfg.Gate.GoodStatus = &v
	}
	if cfg.Gate.CovarianceThreshold == 0 {
		cfg.Gate.CovarianceThreshold = 0.2
	}
	switch cfg.Gate.Policy {
	case "status":
	case "covariance":
		if cfg.Gate.CovarianceThreshold < 0 {
			return fmt.Errorf("gate.covariance_threshold must be > 0")
		}
	default:
		return fmt.Errorf("gate.policy must be 'status' or 'covariance'")
	}

	// Marker.
	if cfg.Marker.FrameID == "" {
		cfg.Marker.FrameID = "sensor_wgs84"
	}
	if cfg.Marker.NS == "" {
		cfg.Marker.NS = "my_namespace"
	}
	if cfg.Marker.Scale == nil {
		cfg.Marker.Scale = &Vec3{X: 1, Y: 0.1, Z: 0.1}
	}
	if cfg.Marker.Color == nil {
		cfg.Marker.Color = &RGBA{R: 0, G: 0, B: 1, A: 0.5}
	}
	c := cfg.Marker.Color
	for _, v := range []float32{c.R, c.G, c.B, c.A} {
		if v < 0 || v > 1 {
			return fmt.Errorf("marker.color components must be in [0,1]")
		}
	}

	// Ellipsoid.
	if cfg.Ellipsoid.A == 0 && cfg.Ellipsoid.F == 0 {
		cfg.Ellipsoid.A = wgs84A
		cfg.Ellipsoid.F = wgs84F
	}
	if cfg.Ellipsoid.A <= 0 {
		return fmt.Errorf("ellipsoid.a must be > 0")
	}
	if cfg.Ellipsoid.F < 0 || cfg.Ellipsoid.F >= 1 {
		return fmt.Errorf("ellipsoid.f must be in [0,1)")
	}

	// Web.
	if cfg.Web.Enable == nil {
		v := true
		cfg.Web.Enable = &v
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	// Record.
	if cfg.Record.Enable {
		if strings.TrimSpace(cfg.Record.Path) == "" {
			return fmt.Errorf("record.path is required when record.enable is true")
		}
		if cfg.Input.Source == SourceReplay && cfg.Record.Path == cfg.Input.Replay.Path {
			return fmt.Errorf("record.path must differ from input.replay.path")
		}
	}

	// Indicator.
	if cfg.Indicator.Enable && cfg.Indicator.Pin <= 0 {
		return fmt.Errorf("indicator.pin must be > 0 when indicator.enable is true")
	}

	return nil
}
