// Package gpio owns the character-device GPIO lines of the doorbell.
package gpio

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/warthog618/go-gpiocdev"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
)

// Line is a single requested GPIO line.
type Line interface {
	SetValue(value int) error
	Value() (int, error)
	Close() error
}

// Requester acquires lines from the kernel.
type Requester interface {
	RequestOutput(pin config.Pin, consumer string) (Line, error)
	RequestInput(pin config.Pin, consumer string) (Line, error)
}

// ChipRequester requests lines through /dev/gpiochipN.
type ChipRequester struct{}

func (ChipRequester) RequestOutput(pin config.Pin, consumer string) (Line, error) {
	return gpiocdev.RequestLine(chipName(pin), pin.Line,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer(consumer),
	)
}

func (ChipRequester) RequestInput(pin config.Pin, consumer string) (Line, error) {
	return gpiocdev.RequestLine(chipName(pin), pin.Line,
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithConsumer(consumer),
	)
}

func chipName(pin config.Pin) string {
	return fmt.Sprintf("gpiochip%d", pin.Chip)
}

type requested struct {
	line   Line
	output bool
}

// Manager holds every requested line for the lifetime of the process.
type Manager struct {
	mu     sync.Mutex
	lines  map[config.Pin]requested
	closed bool
	logger *slog.Logger
}

// NewManager requests all output and input pins. Lines acquired before a
// failure are released again.
func NewManager(outputs, inputs []config.Pin, consumer string, req Requester, logger *slog.Logger) (*Manager, error) {
	m := &Manager{lines: make(map[config.Pin]requested), logger: logger}

	for _, pin := range outputs {
		l, err := req.RequestOutput(pin, consumer)
		if err != nil {
			_ = m.Close()
			return nil, errors.Mark(errors.Wrapf(err, "request output %s", pin), errors.ErrHardware)
		}
		m.lines[pin] = requested{line: l, output: true}
	}
	for _, pin := range inputs {
		l, err := req.RequestInput(pin, consumer)
		if err != nil {
			_ = m.Close()
			return nil, errors.Mark(errors.Wrapf(err, "request input %s", pin), errors.ErrHardware)
		}
		m.lines[pin] = requested{line: l}
	}

	logger.Info("gpio lines acquired", "outputs", len(outputs), "inputs", len(inputs), "consumer", consumer)
	return m, nil
}

// SetPinValue drives an output pin ACTIVE or INACTIVE.
func (m *Manager) SetPinValue(pin config.Pin, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.lines[pin]
	if !ok || !r.output || m.closed {
		return errors.Wrapf(errors.ErrUnknownPin, "set %s", pin)
	}
	v := 0
	if active {
		v = 1
	}
	if err := r.line.SetValue(v); err != nil {
		return errors.Mark(errors.Wrapf(err, "set %s=%d", pin, v), errors.ErrHardware)
	}
	return nil
}

// GetPinValue reads the current level of a pin.
func (m *Manager) GetPinValue(pin config.Pin) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.lines[pin]
	if !ok || m.closed {
		return false, errors.Wrapf(errors.ErrUnknownPin, "get %s", pin)
	}
	v, err := r.line.Value()
	if err != nil {
		return false, errors.Mark(errors.Wrapf(err, "read %s", pin), errors.ErrHardware)
	}
	return v != 0, nil
}

// Close releases every line. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	pins := make([]config.Pin, 0, len(m.lines))
	for p := range m.lines {
		pins = append(pins, p)
	}
	sort.Slice(pins, func(i, j int) bool {
		if pins[i].Chip != pins[j].Chip {
			return pins[i].Chip < pins[j].Chip
		}
		return pins[i].Line < pins[j].Line
	})

	var errs []error
	for _, p := range pins {
		if err := m.lines[p].line.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "release %s", p))
		}
	}
	m.lines = map[config.Pin]requested{}
	if m.logger != nil {
		m.logger.Info("gpio lines released", "count", len(pins))
	}
	return errors.Join(errs...)
}
