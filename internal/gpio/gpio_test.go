package gpio

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
	"neobell/edge/internal/logging"
)

type fakeLine struct {
	mu     sync.Mutex
	value  int
	closed int
	fail   bool
}

func (l *fakeLine) SetValue(v int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return fmt.Errorf("EIO")
	}
	l.value = v
	return nil
}

func (l *fakeLine) Value() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, nil
}

func (l *fakeLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return nil
}

type fakeRequester struct {
	lines    map[config.Pin]*fakeLine
	failOn   *config.Pin
	consumer string
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{lines: map[config.Pin]*fakeLine{}}
}

func (r *fakeRequester) request(pin config.Pin, consumer string) (Line, error) {
	if r.failOn != nil && *r.failOn == pin {
		return nil, fmt.Errorf("device busy")
	}
	r.consumer = consumer
	l := &fakeLine{}
	r.lines[pin] = l
	return l, nil
}

func (r *fakeRequester) RequestOutput(pin config.Pin, consumer string) (Line, error) {
	return r.request(pin, consumer)
}

func (r *fakeRequester) RequestInput(pin config.Pin, consumer string) (Line, error) {
	return r.request(pin, consumer)
}

func TestManagerSetAndGet(t *testing.T) {
	layout := config.Default().GPIO
	button := config.Pin{Chip: 4, Line: 20}
	req := newFakeRequester()

	m, err := NewManager(layout.Outputs(), []config.Pin{button}, "neobell", req, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "neobell", req.consumer)

	require.NoError(t, m.SetPinValue(layout.CollectLock, true))
	assert.Equal(t, 1, req.lines[layout.CollectLock].value)

	on, err := m.GetPinValue(layout.CollectLock)
	require.NoError(t, err)
	assert.True(t, on)

	req.lines[button].value = 1
	pressed, err := m.GetPinValue(button)
	require.NoError(t, err)
	assert.True(t, pressed)

	err = m.SetPinValue(button, true)
	assert.True(t, errors.Is(err, errors.ErrUnknownPin), "inputs are not writable")

	err = m.SetPinValue(config.Pin{Chip: 9, Line: 9}, true)
	assert.True(t, errors.Is(err, errors.ErrUnknownPin))
}

func TestManagerWriteFailureIsHardwareError(t *testing.T) {
	layout := config.Default().GPIO
	req := newFakeRequester()
	m, err := NewManager(layout.Outputs(), nil, "neobell", req, logging.Discard())
	require.NoError(t, err)

	req.lines[layout.ExternalLock].fail = true
	err = m.SetPinValue(layout.ExternalLock, true)
	assert.Equal(t, errors.ErrHardware, errors.KindOf(err))
}

func TestManagerRequestFailureReleasesAcquired(t *testing.T) {
	layout := config.Default().GPIO
	req := newFakeRequester()
	req.failOn = &layout.InternalLED

	_, err := NewManager(layout.Outputs(), nil, "neobell", req, logging.Discard())
	require.Error(t, err)
	assert.Equal(t, errors.ErrHardware, errors.KindOf(err))

	for _, l := range req.lines {
		assert.Equal(t, 1, l.closed)
	}
}

func TestManagerCloseIdempotent(t *testing.T) {
	layout := config.Default().GPIO
	req := newFakeRequester()
	m, err := NewManager(layout.Outputs(), nil, "neobell", req, logging.Discard())
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	for _, l := range req.lines {
		assert.Equal(t, 1, l.closed)
	}

	err = m.SetPinValue(layout.ExternalRedLED, true)
	assert.True(t, errors.Is(err, errors.ErrUnknownPin))
}

func TestServiceSafeState(t *testing.T) {
	layout := config.Default().GPIO
	req := newFakeRequester()
	m, err := NewManager(layout.Outputs(), nil, "neobell", req, logging.Discard())
	require.NoError(t, err)
	svc := NewService(m, layout, logging.Discard())

	require.NoError(t, svc.SetExternalGreenLED(true))
	require.NoError(t, svc.SetExternalLock(true))
	require.NoError(t, svc.SetCollectLock(true))
	require.NoError(t, svc.SetInternalLED(true))
	require.NoError(t, svc.SetCameraLED(true))

	require.NoError(t, svc.SafeState())

	assert.Equal(t, 1, req.lines[layout.ExternalRedLED].value)
	assert.Equal(t, 0, req.lines[layout.ExternalGreenLED].value)
	assert.Equal(t, 0, req.lines[layout.InternalLED].value)
	assert.Equal(t, 0, req.lines[layout.CameraLED].value)
	assert.Equal(t, 0, req.lines[layout.ExternalLock].value)
	assert.Equal(t, 0, req.lines[layout.CollectLock].value)
}

func TestServiceSafeStateAttemptsEveryPin(t *testing.T) {
	layout := config.Default().GPIO
	req := newFakeRequester()
	m, err := NewManager(layout.Outputs(), nil, "neobell", req, logging.Discard())
	require.NoError(t, err)
	svc := NewService(m, layout, logging.Discard())

	require.NoError(t, svc.SetCollectLock(true))
	req.lines[layout.ExternalRedLED].fail = true

	err = svc.SafeState()
	require.Error(t, err)
	assert.Equal(t, 0, req.lines[layout.CollectLock].value)
}
