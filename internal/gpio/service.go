package gpio

import (
	"log/slog"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
)

// Pins is the subset of Manager the service drives.
type Pins interface {
	SetPinValue(pin config.Pin, active bool) error
	GetPinValue(pin config.Pin) (bool, error)
}

// Service names the doorbell's hardware roles. Nothing else touches GPIO.
type Service struct {
	pins   Pins
	layout config.GPIOConfig
	logger *slog.Logger
}

func NewService(pins Pins, layout config.GPIOConfig, logger *slog.Logger) *Service {
	return &Service{pins: pins, layout: layout, logger: logger}
}

func (s *Service) set(role string, pin config.Pin, on bool) error {
	if err := s.pins.SetPinValue(pin, on); err != nil {
		s.logger.Error("gpio write failed", "role", role, "pin", pin.String(), "on", on, "error", err)
		return err
	}
	s.logger.Debug("gpio write", "role", role, "on", on)
	return nil
}

func (s *Service) SetExternalRedLED(on bool) error {
	return s.set("external_red_led", s.layout.ExternalRedLED, on)
}

func (s *Service) SetExternalGreenLED(on bool) error {
	return s.set("external_green_led", s.layout.ExternalGreenLED, on)
}

func (s *Service) SetInternalLED(on bool) error {
	return s.set("internal_led", s.layout.InternalLED, on)
}

func (s *Service) SetCameraLED(on bool) error {
	return s.set("camera_led", s.layout.CameraLED, on)
}

func (s *Service) SetExternalLock(on bool) error {
	return s.set("external_lock", s.layout.ExternalLock, on)
}

func (s *Service) SetCollectLock(on bool) error {
	return s.set("collect_lock", s.layout.CollectLock, on)
}

// SafeState puts every output into its resting level: red on, everything
// else off. All writes are attempted even if one fails.
func (s *Service) SafeState() error {
	return errors.Join(
		s.SetExternalRedLED(true),
		s.SetExternalGreenLED(false),
		s.SetInternalLED(false),
		s.SetCameraLED(false),
		s.SetExternalLock(false),
		s.SetCollectLock(false),
	)
}

// Input reads a configured input pin.
func (s *Service) Input(pin config.Pin) (bool, error) {
	return s.pins.GetPinValue(pin)
}
