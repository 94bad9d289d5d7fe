package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
	"neobell/edge/internal/logging"
	"neobell/edge/internal/model"
)

type fakeDevice struct {
	reads  atomic.Int32
	closed atomic.Int32
	w, h   int
}

func (d *fakeDevice) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := d.reads.Add(1)
	img := image.NewRGBA(image.Rect(0, 0, d.w, d.h))
	img.Set(0, 0, color.RGBA{R: uint8(n), A: 255})
	return img, nil
}

func (d *fakeDevice) Close() error {
	d.closed.Add(1)
	return nil
}

type fakeEncoder struct {
	mu     sync.Mutex
	frames int
	closed bool
	path   string
}

func (e *fakeEncoder) WriteFrame(image.Image) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames++
	return nil
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return os.WriteFile(e.path, []byte("mp4"), 0o644)
}

type harness struct {
	m       *Manager
	opened  map[int]*fakeDevice
	opens   int
	encoder *fakeEncoder
	mu      sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default().Camera
	cfg.WarmupFrames = 3
	cfg.FPS = 200
	cfg.StopTimeout = time.Second

	h := &harness{opened: map[int]*fakeDevice{}}
	open := func(index int, _ config.CameraConfig) (Device, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if index == 99 {
			return nil, fmt.Errorf("no such device")
		}
		h.opens++
		d := &fakeDevice{w: 640, h: 480}
		h.opened[index] = d
		return d, nil
	}
	newEncoder := func(path string, _, _, _ int) (Encoder, error) {
		h.encoder = &fakeEncoder{path: path}
		return h.encoder, nil
	}
	h.m = NewManager(cfg, open, newEncoder, nil, logging.Discard())
	return h
}

func TestAcquireIsRefcounted(t *testing.T) {
	h := newHarness(t)

	a, err := h.m.Acquire(model.CameraExternal)
	require.NoError(t, err)
	b, err := h.m.Acquire(model.CameraExternal)
	require.NoError(t, err)

	assert.Equal(t, 1, h.opens)
	assert.Equal(t, 2, h.m.Refs(model.CameraExternal))

	a.Release()
	a.Release()
	assert.Equal(t, 1, h.m.Refs(model.CameraExternal), "double release counts once")
	assert.Zero(t, h.opened[0].closed.Load())

	b.Release()
	assert.Zero(t, h.m.Refs(model.CameraExternal))
	assert.Equal(t, int32(1), h.opened[0].closed.Load())
}

func TestAcquireOpenFailure(t *testing.T) {
	h := newHarness(t)
	h.m.cfg.InternalIndex = 99

	_, err := h.m.Acquire(model.CameraInternal)
	require.Error(t, err)
	assert.Equal(t, errors.ErrHardware, errors.KindOf(err))
	assert.Zero(t, h.m.Refs(model.CameraInternal))
}

func TestTakePictureSkipsWarmupAndUpscales(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "faces", "image_1.jpg")

	require.NoError(t, h.m.TakePicture(context.Background(), model.CameraExternal, path))

	assert.Equal(t, int32(4), h.opened[0].reads.Load())
	assert.Equal(t, int32(1), h.opened[0].closed.Load())

	img, err := imaging.Open(path)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, img.Bounds().Dx(), 1280)
	assert.GreaterOrEqual(t, img.Bounds().Dy(), 720)
}

func TestBackgroundRecording(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "captures", "delivery.mp4")

	require.NoError(t, h.m.StartBackgroundRecording(model.CameraInternal, path))
	assert.True(t, h.m.Recording())

	err := h.m.StartBackgroundRecording(model.CameraExternal, path+"2")
	assert.True(t, errors.Is(err, errors.ErrCameraBusy))

	require.Eventually(t, func() bool {
		h.encoder.mu.Lock()
		defer h.encoder.mu.Unlock()
		return h.encoder.frames >= 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.m.StopBackgroundRecording())
	assert.False(t, h.m.Recording())
	assert.True(t, h.encoder.closed, "file finalized before stop returns")
	assert.FileExists(t, path)
	assert.Zero(t, h.m.Refs(model.CameraInternal))

	assert.NoError(t, h.m.StopBackgroundRecording(), "stop without recorder is a no-op")
}

type fakeMuxer struct {
	index int
	path  string
}

func (f *fakeMuxer) Record(_ context.Context, index int, path string, _ time.Duration) error {
	f.index, f.path = index, path
	return nil
}

func TestRecordVideoWithAudio(t *testing.T) {
	h := newHarness(t)
	mux := &fakeMuxer{}
	h.m.muxer = mux
	path := filepath.Join(t.TempDir(), "visitor_message_u1.mp4")

	require.NoError(t, h.m.RecordVideoWithAudio(context.Background(), model.CameraExternal, path, 10*time.Second))
	assert.Equal(t, 0, mux.index)
	assert.Equal(t, path, mux.path)

	handle, err := h.m.Acquire(model.CameraExternal)
	require.NoError(t, err)
	defer handle.Release()
	err = h.m.RecordVideoWithAudio(context.Background(), model.CameraExternal, path, time.Second)
	assert.True(t, errors.Is(err, errors.ErrCameraBusy))
}

const asoundCards = ` 0 [vc4hdmi0       ]: vc4-hdmi - vc4-hdmi-0
                      vc4-hdmi-0
 1 [Device         ]: USB-Audio - USB PnP Sound Device
                      C-Media Electronics Inc. USB PnP Sound Device at usb-xhci-hcd.0-1, full speed
`

func TestFindALSACard(t *testing.T) {
	card, ok := FindALSACard(strings.NewReader(asoundCards), "usb pnp")
	require.True(t, ok)
	assert.Equal(t, 1, card)

	card, ok = FindALSACard(strings.NewReader(asoundCards), "hdmi")
	require.True(t, ok)
	assert.Equal(t, 0, card)

	_, ok = FindALSACard(strings.NewReader(asoundCards), "ReSpeaker")
	assert.False(t, ok)

	_, ok = FindALSACard(strings.NewReader(asoundCards), "")
	assert.False(t, ok)
}

func TestFFmpegMuxerFailsWithoutAudioDevice(t *testing.T) {
	cards := filepath.Join(t.TempDir(), "cards")
	require.NoError(t, os.WriteFile(cards, []byte(asoundCards), 0o644))

	cfg := config.Default().Camera
	cfg.AudioDevice = "ReSpeaker"
	mux := NewFFmpegMuxer(cfg, 48000, logging.Discard())
	mux.cardsPath = cards
	var ran bool
	mux.run = func(context.Context, string, ...string) error {
		ran = true
		return nil
	}

	err := mux.Record(context.Background(), 0, filepath.Join(t.TempDir(), "out.mp4"), time.Second)
	assert.True(t, errors.Is(err, errors.ErrNoAudioDevice))
	assert.False(t, ran)
}

func TestFFmpegMuxerArguments(t *testing.T) {
	cards := filepath.Join(t.TempDir(), "cards")
	require.NoError(t, os.WriteFile(cards, []byte(asoundCards), 0o644))

	cfg := config.Default().Camera
	cfg.AudioDevice = "USB"
	mux := NewFFmpegMuxer(cfg, 48000, logging.Discard())
	mux.cardsPath = cards

	out := filepath.Join(t.TempDir(), "out.mp4")
	var got []string
	mux.run = func(_ context.Context, name string, args ...string) error {
		got = append([]string{name}, args...)
		return os.WriteFile(out, []byte("mp4"), 0o644)
	}

	require.NoError(t, mux.Record(context.Background(), 2, out, 10*time.Second))
	joined := strings.Join(got, " ")
	assert.True(t, strings.HasPrefix(joined, "ffmpeg "))
	assert.Contains(t, joined, "-i /dev/video2")
	assert.Contains(t, joined, "-i plughw:1,0")
	assert.Contains(t, joined, "-t 10.0")
	assert.Contains(t, joined, "-pix_fmt yuv420p")
	assert.Contains(t, joined, "-c:a aac")
	assert.Contains(t, joined, "-movflags +faststart")
	assert.Equal(t, out, got[len(got)-1])
}
