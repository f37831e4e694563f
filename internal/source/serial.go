package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type SerialConfig struct {
	Name string
	// Device may be empty to auto-detect /dev/ttyACM* then /dev/ttyUSB*.
	Device string
	Baud   int

	ReconnectDelay time.Duration
	MaxLineBytes   int
}

// Serial reads newline-delimited JSON envelopes from a serial TTY, reopening
// the device after read errors until closed.
type Serial struct {
	cfg  SerialConfig
	open func(path string, baud int) (io.ReadCloser, error)

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closer   io.Closer
	device   string
	state    string
	lastErr  string
	lastSeen time.Time
	count    uint64
}

func NewSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("serial source name is required")
	}
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if err := checkBaud(cfg.Baud); err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 256 * 1024
	}
	return &Serial{
		cfg:   cfg,
		state: StateStopped,
		open: func(path string, baud int) (io.ReadCloser, error) {
			return openSerial(path, baud)
		},
	}, nil
}

func (s *Serial) Start(ctx context.Context, onLine LineFunc) error {
	if s == nil {
		return fmt.Errorf("serial source is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	if onLine == nil {
		return fmt.Errorf("serial source onLine is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("serial source already started")
	}

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateConnecting

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(childCtx, onLine)
	}()
	return nil
}

func (s *Serial) runLoop(ctx context.Context, onLine LineFunc) {
	for {
		if ctx.Err() != nil {
			s.setState(StateStopped, "")
			return
		}

		device := strings.TrimSpace(s.cfg.Device)
		if device == "" {
			device = autoDetectDevice()
		}
		if device == "" {
			s.setState(StateError, "serial auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
		} else if f, err := s.open(device, s.cfg.Baud); err != nil {
			s.setState(StateError, fmt.Sprintf("serial open failed device=%s baud=%d: %v", device, s.cfg.Baud, err))
		} else {
			s.mu.Lock()
			s.closer = f
			s.device = device
			s.mu.Unlock()
			s.setState(StateConnected, "")
			log.Printf("serial source %s open device=%s baud=%d", s.cfg.Name, device, s.cfg.Baud)

			stop := context.AfterFunc(ctx, func() { _ = f.Close() })
			s.readLines(ctx, f, onLine)
			stop()
			_ = f.Close()
		}

		if !sleepCtx(ctx, s.cfg.ReconnectDelay) {
			s.setState(StateStopped, "")
			return
		}
	}
}

func (s *Serial) readLines(ctx context.Context, r io.Reader, onLine LineFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), s.cfg.MaxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// Serial links often start mid-line; skip anything that isn't an object.
		if !strings.HasPrefix(line, "{") {
			continue
		}
		if err := onLine(ctx, []byte(line)); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.setState(StateError, "handler: "+err.Error())
			continue
		}
		s.mu.Lock()
		s.lastSeen = time.Now().UTC()
		s.count++
		s.mu.Unlock()
	}
	if ctx.Err() != nil {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.setState(StateDisconnected, fmt.Sprintf("serial read stopped: %v", err))
}

func (s *Serial) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	closer := s.closer
	s.closer = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
	s.wg.Wait()
}

func (s *Serial) Snapshot(nowUTC time.Time) Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{
		Name:      s.cfg.Name,
		Kind:      "serial",
		Device:    s.device,
		Baud:      s.cfg.Baud,
		State:     s.state,
		LastError: s.lastErr,
		Messages:  s.count,
	}
	if out.Device == "" {
		out.Device = s.cfg.Device
	}
	if !s.lastSeen.IsZero() {
		out.LastSeenUTC = s.lastSeen.Format(time.RFC3339Nano)
		if !nowUTC.IsZero() {
			out.AgeSec = nowUTC.Sub(s.lastSeen).Seconds()
		}
	}
	return out
}

func (s *Serial) setState(state, lastErr string) {
	s.mu.Lock()
	s.state = state
	if lastErr != "" {
		s.lastErr = lastErr
	} else if state == StateConnected || state == StateStopped {
		s.lastErr = ""
	}
	s.mu.Unlock()
}

func checkBaud(baud int) error {
	switch baud {
	case 9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600:
		return nil
	default:
		return fmt.Errorf("unsupported baud %d", baud)
	}
}

func autoDetectDevice() string {
	candidates := []string{}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
