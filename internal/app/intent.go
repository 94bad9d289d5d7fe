package app

import (
	"context"
	"log/slog"
	"time"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
	"neobell/edge/internal/phrases"
	"neobell/edge/internal/speech"
)

// Intent is what the person at the door came for.
type Intent int

const (
	IntentNone Intent = iota
	IntentVisitor
	IntentDelivery
)

func (i Intent) String() string {
	switch i {
	case IntentVisitor:
		return "visitor"
	case IntentDelivery:
		return "delivery"
	default:
		return "none"
	}
}

// IntentSource blocks until someone at the door picks a flow.
type IntentSource interface {
	Next(ctx context.Context) (Intent, error)
}

// Inputs reads GPIO input pins.
type Inputs interface {
	Input(pin config.Pin) (bool, error)
}

// edgeDetector reports presses (inactive to active transitions) of one pin.
type edgeDetector struct {
	inputs Inputs
	pin    config.Pin
	last   bool
}

func (e *edgeDetector) pressed() (bool, error) {
	v, err := e.inputs.Input(e.pin)
	if err != nil {
		return false, errors.Mark(errors.Wrapf(err, "read button %s", e.pin), errors.ErrHardware)
	}
	pressed := v && !e.last
	e.last = v
	return pressed, nil
}

func poll(ctx context.Context, every time.Duration, check func() (bool, error)) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		ok, err := check()
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// ButtonIntentSource maps two physical buttons onto the two flows.
type ButtonIntentSource struct {
	visitor  *edgeDetector
	delivery *edgeDetector
	every    time.Duration
}

func NewButtonIntentSource(inputs Inputs, visitor, delivery config.Pin, every time.Duration) *ButtonIntentSource {
	return &ButtonIntentSource{
		visitor:  &edgeDetector{inputs: inputs, pin: visitor},
		delivery: &edgeDetector{inputs: inputs, pin: delivery},
		every:    every,
	}
}

func (b *ButtonIntentSource) Next(ctx context.Context) (Intent, error) {
	intent := IntentNone
	err := poll(ctx, b.every, func() (bool, error) {
		if p, err := b.visitor.pressed(); err != nil || p {
			intent = IntentVisitor
			return p, err
		}
		p, err := b.delivery.pressed()
		if p {
			intent = IntentDelivery
		}
		return p, err
	})
	if err != nil {
		return IntentNone, err
	}
	return intent, nil
}

// Asker is the part of the interaction manager the speech source needs.
type Asker interface {
	Speak(ctx context.Context, text string) error
	AskQuestion(ctx context.Context, prompt string, maxListen time.Duration, attempts int) (string, error)
}

var intentWords = map[string]Intent{
	"delivery":   IntentDelivery,
	"deliver":    IntentDelivery,
	"delivering": IntentDelivery,
	"package":    IntentDelivery,
	"parcel":     IntentDelivery,
	"courier":    IntentDelivery,
	"mail":       IntentDelivery,
	"visit":      IntentVisitor,
	"visiting":   IntentVisitor,
	"visitor":    IntentVisitor,
	"guest":      IntentVisitor,
	"message":    IntentVisitor,
	"see":        IntentVisitor,
	"talk":       IntentVisitor,
}

// ClassifyIntent picks a flow from a transcribed answer. Answers naming
// both flows, or neither, are IntentNone.
func ClassifyIntent(text string) Intent {
	found := IntentNone
	for _, w := range speech.Words(text) {
		i, ok := intentWords[w]
		if !ok {
			continue
		}
		if found != IntentNone && found != i {
			return IntentNone
		}
		found = i
	}
	return found
}

// SpeechIntentSource waits for the doorbell button, greets, and asks what
// the person came for.
type SpeechIntentSource struct {
	trigger   *edgeDetector
	every     time.Duration
	asker     Asker
	table     phrases.MainLoop
	maxListen time.Duration
	attempts  int
	logger    *slog.Logger
}

func NewSpeechIntentSource(inputs Inputs, trigger config.Pin, every time.Duration, asker Asker, table phrases.MainLoop, maxListen time.Duration, attempts int, logger *slog.Logger) *SpeechIntentSource {
	return &SpeechIntentSource{
		trigger:   &edgeDetector{inputs: inputs, pin: trigger},
		every:     every,
		asker:     asker,
		table:     table,
		maxListen: maxListen,
		attempts:  attempts,
		logger:    logger,
	}
}

// Next returns IntentNone when the visitor never named a flow; the caller
// simply waits for the next press.
func (s *SpeechIntentSource) Next(ctx context.Context) (Intent, error) {
	if err := poll(ctx, s.every, s.trigger.pressed); err != nil {
		return IntentNone, err
	}
	if err := s.asker.Speak(ctx, s.table.Greeting); err != nil {
		return IntentNone, err
	}
	prompt := s.table.AskIntent
	for try := 1; try <= s.attempts; try++ {
		answer, err := s.asker.AskQuestion(ctx, prompt, s.maxListen, 1)
		if err != nil {
			return IntentNone, err
		}
		if intent := ClassifyIntent(answer); intent != IntentNone {
			s.logger.Info("intent recognized", "intent", intent, "answer", answer)
			return intent, nil
		}
		s.logger.Info("intent unclear", "answer", answer, "try", try)
		prompt = s.table.IntentUnclear
	}
	return IntentNone, s.asker.Speak(ctx, s.table.Goodbye)
}

// NewIntentSource builds the source selected by cfg.Intent.Mode.
func NewIntentSource(cfg config.Config, inputs Inputs, asker Asker, table phrases.Table, logger *slog.Logger) (IntentSource, error) {
	g := cfg.GPIO
	switch cfg.Intent.Mode {
	case "button":
		if g.VisitorButton == nil || g.DeliveryButton == nil {
			return nil, errors.Mark(errors.New("button intent mode needs gpio.visitorButton and gpio.deliveryButton"), errors.ErrConfig)
		}
		return NewButtonIntentSource(inputs, *g.VisitorButton, *g.DeliveryButton, cfg.Intent.PollInterval), nil
	case "speech":
		if g.TriggerButton == nil {
			return nil, errors.Mark(errors.New("speech intent mode needs gpio.triggerButton"), errors.ErrConfig)
		}
		return NewSpeechIntentSource(inputs, *g.TriggerButton, cfg.Intent.PollInterval, asker, table.MainLoop,
			cfg.Speech.MaxListen, cfg.Speech.QuestionAttempts, logger), nil
	default:
		return nil, errors.Mark(errors.Errorf("unknown intent mode %q", cfg.Intent.Mode), errors.ErrConfig)
	}
}
