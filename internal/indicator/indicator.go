// Package indicator drives an optional status lamp on a GPIO line. The lamp
// turns on once the local origin has been latched.
package indicator

import (
	"fmt"
	"log"
	"sync"
)

// line is a single digital output.
type line interface {
	SetValue(v int) error
	Close() error
}

var openLineFn = openLine

type Lamp struct {
	pin int

	mu   sync.Mutex
	line line
	on   bool
}

// Open requests the BCM GPIO pin as an output driven low.
func Open(pin int) (*Lamp, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("indicator: invalid gpio pin %d", pin)
	}
	l, err := openLineFn(pin)
	if err != nil {
		return nil, err
	}
	return &Lamp{pin: pin, line: l}, nil
}

// Set drives the lamp. A nil Lamp is a no-op so callers can skip the
// "indicator disabled" check.
func (l *Lamp) Set(on bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.line == nil || l.on == on {
		return
	}
	v := 0
	if on {
		v = 1
	}
	if err := l.line.SetValue(v); err != nil {
		log.Printf("indicator set failed pin=%d on=%t err=%v", l.pin, on, err)
		return
	}
	l.on = on
}

func (l *Lamp) On() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// Close turns the lamp off and releases the line.
func (l *Lamp) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.line == nil {
		return nil
	}
	_ = l.line.SetValue(0)
	err := l.line.Close()
	l.line = nil
	l.on = false
	return err
}
