// Package app wires the doorbell services together and runs the main loop:
// wait for someone at the door, run the flow they asked for, repeat.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"neobell/edge/internal/errors"
)

// Cloud is the connection the orchestrator owns.
type Cloud interface {
	Connect(ctx context.Context) error
	Close()
}

// Hardware can be put into its resting state.
type Hardware interface {
	SafeState() error
}

// Background is a service running beside the flows.
type Background interface {
	Start(ctx context.Context)
	Stop() error
}

// Flow is one interaction with the person at the door.
type Flow interface {
	Run(ctx context.Context) error
}

// Orchestrator runs one flow at a time. The RFID listener runs beside it
// because it only touches the collection lock.
type Orchestrator struct {
	cloud    Cloud
	hardware Hardware
	rfid     Background
	intents  IntentSource
	visitor  Flow
	delivery Flow
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewOrchestrator builds an orchestrator. rfid may be nil when the reader is disabled.
func NewOrchestrator(cloud Cloud, hardware Hardware, rfid Background, intents IntentSource, visitor, delivery Flow, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cloud:    cloud,
		hardware: hardware,
		rfid:     rfid,
		intents:  intents,
		visitor:  visitor,
		delivery: delivery,
		logger:   logger,
	}
}

// Enter puts the hardware at rest, connects to the cloud and starts the
// background services. Background work outlives ctx until Exit.
func (o *Orchestrator) Enter(ctx context.Context) error {
	if err := o.hardware.SafeState(); err != nil {
		return errors.Mark(errors.Wrap(err, "initial safe state"), errors.ErrHardware)
	}
	if err := o.cloud.Connect(ctx); err != nil {
		return errors.Wrap(err, "connect to cloud")
	}

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	if o.rfid != nil {
		o.rfid.Start(bg)
	}
	o.logger.Info("doorbell ready")
	return nil
}

// Run serves intents until ctx ends. Flow failures are logged and the loop
// goes on; only a broken intent source stops it.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		intent, err := o.intents.Next(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "wait for intent")
		}
		o.dispatch(ctx, intent)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, intent Intent) {
	var f Flow
	switch intent {
	case IntentVisitor:
		f = o.visitor
	case IntentDelivery:
		f = o.delivery
	default:
		return
	}

	o.logger.Info("flow started", "flow", intent)
	err := f.Run(ctx)
	switch {
	case ctx.Err() != nil:
		o.logger.Info("flow interrupted", "flow", intent)
	case err != nil:
		o.logger.Error("flow failed", "flow", intent, "kind", errors.KindOf(err), "error", err,
			"stack", fmt.Sprintf("%+v", err))
	default:
		o.logger.Info("flow finished", "flow", intent)
	}
}

// Exit stops the background services, rests the hardware and drops the
// cloud connection. Every step runs even if an earlier one fails.
func (o *Orchestrator) Exit() error {
	var errs []error
	if o.rfid != nil {
		if err := o.rfid.Stop(); err != nil {
			o.logger.Warn("rfid listener stop", "error", err)
		}
	}
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.mu.Unlock()

	if err := o.hardware.SafeState(); err != nil {
		errs = append(errs, errors.Mark(errors.Wrap(err, "final safe state"), errors.ErrHardware))
	}
	o.cloud.Close()
	o.logger.Info("doorbell stopped")
	return errors.Join(errs...)
}
