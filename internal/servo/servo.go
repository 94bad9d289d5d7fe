// Package servo drives the compartment hatch through a sysfs PWM channel.
package servo

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
)

// Service sweeps the hatch servo between its open and closed duty cycles.
type Service struct {
	cfg    config.ServoConfig
	logger *slog.Logger

	mu       sync.Mutex
	current  float64
	exported bool
	sleep    func(context.Context, time.Duration) error
}

func New(cfg config.ServoConfig, logger *slog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		logger:  logger,
		current: cfg.ClosedDuty,
		sleep:   sleepCtx,
	}
}

func (s *Service) chipDir() string {
	return filepath.Join(s.cfg.SysfsRoot, fmt.Sprintf("pwmchip%d", s.cfg.Chip))
}

func (s *Service) channelDir() string {
	return filepath.Join(s.chipDir(), fmt.Sprintf("pwm%d", s.cfg.Channel))
}

func (s *Service) periodNs() int64 {
	return int64(time.Second) / int64(s.cfg.FrequencyHz)
}

// OpenHatch sweeps to the open duty cycle.
func (s *Service) OpenHatch(ctx context.Context) error {
	return s.sweep(ctx, s.cfg.OpenDuty)
}

// CloseHatch sweeps to the closed duty cycle.
func (s *Service) CloseHatch(ctx context.Context) error {
	return s.sweep(ctx, s.cfg.ClosedDuty)
}

// Duty returns the last duty cycle written.
func (s *Service) Duty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Service) sweep(ctx context.Context, target float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enable(); err != nil {
		return err
	}
	defer func() {
		if err := s.write("enable", "0"); err != nil {
			s.logger.Warn("disable pwm failed", "error", err)
		}
	}()

	step := math.Abs(s.cfg.Step)
	if target < s.current {
		step = -step
	}

	var sweepErr error
	for math.Abs(target-s.current) > math.Abs(step) {
		if err := s.setDuty(s.current + step); err != nil {
			return err
		}
		if err := s.sleep(ctx, s.cfg.StepDelay); err != nil {
			sweepErr = err
			break
		}
	}
	// The end state is always the target, even when interrupted.
	if err := s.setDuty(target); err != nil {
		return err
	}
	s.logger.Debug("servo sweep done", "duty", target)
	return sweepErr
}

func (s *Service) enable() error {
	if !s.exported {
		if _, err := os.Stat(s.channelDir()); os.IsNotExist(err) {
			if err := os.WriteFile(filepath.Join(s.chipDir(), "export"), []byte(strconv.Itoa(s.cfg.Channel)), 0o644); err != nil {
				return errors.Mark(errors.Wrap(err, "export pwm channel"), errors.ErrHardware)
			}
		}
		s.exported = true
	}
	if err := s.write("period", strconv.FormatInt(s.periodNs(), 10)); err != nil {
		return err
	}
	if err := s.setDuty(s.current); err != nil {
		return err
	}
	return s.write("enable", "1")
}

func (s *Service) setDuty(duty float64) error {
	ns := int64(math.Round(duty * float64(s.periodNs())))
	if err := s.write("duty_cycle", strconv.FormatInt(ns, 10)); err != nil {
		return err
	}
	s.current = duty
	return nil
}

func (s *Service) write(attr, value string) error {
	path := filepath.Join(s.channelDir(), attr)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return errors.Mark(errors.Wrapf(err, "write %s", attr), errors.ErrHardware)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
