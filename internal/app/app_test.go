package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
	"neobell/edge/internal/logging"
	"neobell/edge/internal/phrases"
)

var (
	visitorPin  = config.Pin{Chip: 4, Line: 13}
	deliveryPin = config.Pin{Chip: 4, Line: 14}
)

// fakeInputs replays a sequence of levels per pin, holding the last one.
type fakeInputs struct {
	mu     sync.Mutex
	levels map[config.Pin][]bool
	err    error
}

func (f *fakeInputs) Input(pin config.Pin) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	seq := f.levels[pin]
	if len(seq) == 0 {
		return false, nil
	}
	v := seq[0]
	if len(seq) > 1 {
		f.levels[pin] = seq[1:]
	}
	return v, nil
}

func TestButtonIntentSourceReportsPresses(t *testing.T) {
	in := &fakeInputs{levels: map[config.Pin][]bool{
		visitorPin:  {false, true, true, true, false},
		deliveryPin: {false, false, false, false, false, true},
	}}
	src := NewButtonIntentSource(in, visitorPin, deliveryPin, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	intent, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, IntentVisitor, intent)

	// holding the visitor button does not repeat it
	intent, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, IntentDelivery, intent)
}

func TestButtonIntentSourceHonorsContext(t *testing.T) {
	src := NewButtonIntentSource(&fakeInputs{}, visitorPin, deliveryPin, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestButtonIntentSourceReadFailure(t *testing.T) {
	src := NewButtonIntentSource(&fakeInputs{err: errors.New("line released")}, visitorPin, deliveryPin, time.Millisecond)
	_, err := src.Next(context.Background())
	assert.True(t, errors.Is(err, errors.ErrHardware))
}

func TestClassifyIntent(t *testing.T) {
	cases := []struct {
		text string
		want Intent
	}{
		{"i have a package for you", IntentDelivery},
		{"delivery", IntentDelivery},
		{"PARCEL", IntentDelivery},
		{"i'm here to visit", IntentVisitor},
		{"I want to leave a message", IntentVisitor},
		{"", IntentNone},
		{"hello there", IntentNone},
		{"a visit to deliver a package", IntentNone},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyIntent(tc.text), tc.text)
	}
}

type fakeAsker struct {
	said    []string
	prompts []string
	answers []string
}

func (a *fakeAsker) Speak(_ context.Context, text string) error {
	a.said = append(a.said, text)
	return nil
}

func (a *fakeAsker) AskQuestion(_ context.Context, prompt string, _ time.Duration, _ int) (string, error) {
	a.prompts = append(a.prompts, prompt)
	if len(a.answers) == 0 {
		return "", nil
	}
	ans := a.answers[0]
	a.answers = a.answers[1:]
	return ans, nil
}

func TestSpeechIntentSource(t *testing.T) {
	table := phrases.Default().MainLoop
	trigger := config.Pin{Chip: 4, Line: 15}
	in := &fakeInputs{levels: map[config.Pin][]bool{trigger: {false, true, false, true}}}
	asker := &fakeAsker{answers: []string{"hmm", "i brought a parcel", "", "", ""}}
	src := NewSpeechIntentSource(in, trigger, time.Millisecond, asker, table, time.Second, 3, logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	intent, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, IntentDelivery, intent)
	assert.Equal(t, []string{table.AskIntent, table.IntentUnclear}, asker.prompts)
	assert.Equal(t, []string{table.Greeting}, asker.said)

	intent, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, IntentNone, intent)
	assert.Equal(t, table.Goodbye, asker.said[len(asker.said)-1])
}

func TestNewIntentSource(t *testing.T) {
	cfg := config.Default()
	src, err := NewIntentSource(cfg, &fakeInputs{}, &fakeAsker{}, phrases.Default(), logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &ButtonIntentSource{}, src)

	cfg.Intent.Mode = "speech"
	_, err = NewIntentSource(cfg, &fakeInputs{}, &fakeAsker{}, phrases.Default(), logging.Discard())
	assert.True(t, errors.Is(err, errors.ErrConfig))

	cfg.GPIO.TriggerButton = &config.Pin{Chip: 4, Line: 15}
	src, err = NewIntentSource(cfg, &fakeInputs{}, &fakeAsker{}, phrases.Default(), logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &SpeechIntentSource{}, src)
}

type fakeCloud struct {
	connectErr error
	connected  bool
	closed     bool
}

func (c *fakeCloud) Connect(context.Context) error {
	c.connected = c.connectErr == nil
	return c.connectErr
}

func (c *fakeCloud) Close() { c.closed = true }

type fakeHardware struct{ safe int }

func (h *fakeHardware) SafeState() error {
	h.safe++
	return nil
}

type fakeBackground struct {
	started, stopped bool
	ctx              context.Context
}

func (b *fakeBackground) Start(ctx context.Context) {
	b.started = true
	b.ctx = ctx
}

func (b *fakeBackground) Stop() error {
	b.stopped = true
	return nil
}

type fakeFlow struct {
	runs int
	err  error
}

func (f *fakeFlow) Run(context.Context) error {
	f.runs++
	return f.err
}

// scriptedIntents returns its intents in order, then blocks until ctx ends.
type scriptedIntents struct {
	intents []Intent
	err     error
}

func (s *scriptedIntents) Next(ctx context.Context) (Intent, error) {
	if len(s.intents) > 0 {
		i := s.intents[0]
		s.intents = s.intents[1:]
		return i, nil
	}
	if s.err != nil {
		return IntentNone, s.err
	}
	<-ctx.Done()
	return IntentNone, ctx.Err()
}

func TestOrchestratorLifecycle(t *testing.T) {
	cloud, hw, rfid := &fakeCloud{}, &fakeHardware{}, &fakeBackground{}
	visitor := &fakeFlow{err: errors.Mark(errors.New("camera gone"), errors.ErrHardware)}
	delivery := &fakeFlow{}
	intents := &scriptedIntents{intents: []Intent{IntentVisitor, IntentNone, IntentDelivery, IntentVisitor}}
	o := NewOrchestrator(cloud, hw, rfid, intents, visitor, delivery, logging.Discard())

	enterCtx, cancelEnter := context.WithCancel(context.Background())
	require.NoError(t, o.Enter(enterCtx))
	cancelEnter()
	assert.True(t, cloud.connected)
	assert.True(t, rfid.started)
	assert.NoError(t, rfid.ctx.Err(), "background work outlives the enter context")
	assert.Equal(t, 1, hw.safe)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, o.Run(ctx))
	assert.Equal(t, 2, visitor.runs)
	assert.Equal(t, 1, delivery.runs)

	require.NoError(t, o.Exit())
	assert.True(t, rfid.stopped)
	assert.Error(t, rfid.ctx.Err())
	assert.True(t, cloud.closed)
	assert.Equal(t, 2, hw.safe)
}

func TestOrchestratorEnterFailsWithoutCloud(t *testing.T) {
	cloud := &fakeCloud{connectErr: errors.Mark(errors.New("tls handshake"), errors.ErrConfig)}
	rfid := &fakeBackground{}
	o := NewOrchestrator(cloud, &fakeHardware{}, rfid, &scriptedIntents{}, &fakeFlow{}, &fakeFlow{}, logging.Discard())

	err := o.Enter(context.Background())
	assert.True(t, errors.Is(err, errors.ErrConfig))
	assert.False(t, rfid.started)
}

func TestOrchestratorStopsOnBrokenIntentSource(t *testing.T) {
	intents := &scriptedIntents{err: errors.Mark(errors.New("gpio closed"), errors.ErrHardware)}
	o := NewOrchestrator(&fakeCloud{}, &fakeHardware{}, nil, intents, &fakeFlow{}, &fakeFlow{}, logging.Discard())

	require.NoError(t, o.Enter(context.Background()))
	err := o.Run(context.Background())
	assert.True(t, errors.Is(err, errors.ErrHardware))
	require.NoError(t, o.Exit())
}
