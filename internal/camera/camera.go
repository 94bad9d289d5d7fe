// Package camera gives refcounted access to the doorbell's two V4L2 cameras,
// still capture, a single background MP4 recorder and synchronized
// audio/video capture through an external muxer.
package camera

import (
	"context"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
	"neobell/edge/internal/model"
)

// Device is an opened camera delivering decoded frames.
type Device interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// Opener opens the camera at a V4L2 index.
type Opener func(index int, cfg config.CameraConfig) (Device, error)

// Encoder writes frames into a video container. Close finalizes the file.
type Encoder interface {
	WriteFrame(img image.Image) error
	Close() error
}

// EncoderFactory creates an encoder writing to path.
type EncoderFactory func(path string, width, height, fps int) (Encoder, error)

type entry struct {
	dev  Device
	refs int
	read sync.Mutex
}

type recording struct {
	id     model.CameraID
	path   string
	cancel context.CancelFunc
	done   chan error
}

// Manager is the only owner of camera devices.
type Manager struct {
	cfg        config.CameraConfig
	logger     *slog.Logger
	open       Opener
	newEncoder EncoderFactory
	muxer      Muxer

	mu      sync.Mutex
	devices map[model.CameraID]*entry

	recMu sync.Mutex
	rec   *recording
}

// NewManager wires a manager. muxer may be nil when A/V capture is unused.
func NewManager(cfg config.CameraConfig, open Opener, newEncoder EncoderFactory, muxer Muxer, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		open:       open,
		newEncoder: newEncoder,
		muxer:      muxer,
		devices:    make(map[model.CameraID]*entry),
	}
}

func (m *Manager) index(id model.CameraID) (int, error) {
	switch id {
	case model.CameraExternal:
		return m.cfg.ExternalIndex, nil
	case model.CameraInternal:
		return m.cfg.InternalIndex, nil
	default:
		return 0, errors.Mark(errors.Errorf("unknown camera %q", id), errors.ErrHardware)
	}
}

// Handle is a counted reference to an open camera.
type Handle struct {
	m    *Manager
	id   model.CameraID
	e    *entry
	once sync.Once
}

// Read returns the next frame. Concurrent readers of one camera are serialized.
func (h *Handle) Read(ctx context.Context) (image.Image, error) {
	h.e.read.Lock()
	defer h.e.read.Unlock()
	img, err := h.e.dev.Read(ctx)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "read %s camera", h.id), errors.ErrHardware)
	}
	return img, nil
}

// Release drops this reference; the device closes with the last one.
func (h *Handle) Release() {
	h.once.Do(func() { h.m.release(h.id) })
}

// Acquire opens the camera or reuses the already-open device.
func (m *Manager) Acquire(id model.CameraID) (*Handle, error) {
	idx, err := m.index(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.devices[id]
	if !ok {
		dev, err := m.open(idx, m.cfg)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "open %s camera (index %d)", id, idx), errors.ErrHardware)
		}
		e = &entry{dev: dev}
		m.devices[id] = e
		m.logger.Info("camera opened", "camera", id, "index", idx)
	}
	e.refs++
	return &Handle{m: m, id: id, e: e}, nil
}

func (m *Manager) release(id model.CameraID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.devices[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(m.devices, id)
	if err := e.dev.Close(); err != nil {
		m.logger.Warn("camera close failed", "camera", id, "error", err)
		return
	}
	m.logger.Info("camera closed", "camera", id)
}

// Refs reports how many references are held on a camera.
func (m *Manager) Refs(id model.CameraID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.devices[id]; ok {
		return e.refs
	}
	return 0
}

// TakePicture discards the warmup burst and saves one JPEG to path.
func (m *Manager) TakePicture(ctx context.Context, id model.CameraID, path string) error {
	h, err := m.Acquire(id)
	if err != nil {
		return err
	}
	defer h.Release()

	for i := 0; i < m.cfg.WarmupFrames; i++ {
		if _, err := h.Read(ctx); err != nil {
			return err
		}
	}
	img, err := h.Read(ctx)
	if err != nil {
		return err
	}
	return SaveJPEG(img, path, m.cfg.Width, m.cfg.Height, m.cfg.JPEGQuality)
}

// SaveJPEG writes img to path, upscaling to at least width x height.
func SaveJPEG(img image.Image, path string, width, height, quality int) error {
	b := img.Bounds()
	if b.Dx() < width || b.Dy() < height {
		img = imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(path))
	}
	if err := imaging.Save(img, path, imaging.JPEGQuality(quality)); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	return nil
}

// StartBackgroundRecording starts the single background recorder.
func (m *Manager) StartBackgroundRecording(id model.CameraID, path string) error {
	m.recMu.Lock()
	defer m.recMu.Unlock()

	if m.rec != nil {
		return errors.Wrapf(errors.ErrCameraBusy, "recording %s already running", m.rec.path)
	}

	h, err := m.Acquire(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.Release()
		return errors.Wrapf(err, "create %s", filepath.Dir(path))
	}
	enc, err := m.newEncoder(path, m.cfg.Width, m.cfg.Height, m.cfg.FPS)
	if err != nil {
		h.Release()
		return errors.Mark(errors.Wrapf(err, "create encoder for %s", path), errors.ErrHardware)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recording{id: id, path: path, cancel: cancel, done: make(chan error, 1)}
	m.rec = rec

	go func() {
		rec.done <- m.record(ctx, h, enc)
	}()

	m.logger.Info("background recording started", "camera", id, "path", path)
	return nil
}

func (m *Manager) record(ctx context.Context, h *Handle, enc Encoder) error {
	defer h.Release()

	interval := time.Second / time.Duration(m.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var frames int
	var loopErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			img, err := h.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					break loop
				}
				loopErr = err
				break loop
			}
			if err := enc.WriteFrame(img); err != nil {
				loopErr = errors.Wrap(err, "encode frame")
				break loop
			}
			frames++
		}
	}

	if err := enc.Close(); err != nil {
		return errors.Join(loopErr, errors.Wrap(err, "finalize recording"))
	}
	m.logger.Debug("recorder finished", "frames", frames)
	return loopErr
}

// StopBackgroundRecording signals the recorder and waits for the file to be finalized.
func (m *Manager) StopBackgroundRecording() error {
	m.recMu.Lock()
	rec := m.rec
	m.rec = nil
	m.recMu.Unlock()

	if rec == nil {
		return nil
	}
	rec.cancel()

	timer := time.NewTimer(m.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case err := <-rec.done:
		if err != nil {
			m.logger.Error("background recording failed", "path", rec.path, "error", err)
			return err
		}
		m.logger.Info("background recording stopped", "camera", rec.id, "path", rec.path)
		return nil
	case <-timer.C:
		m.logger.Error("recorder did not stop in time", "path", rec.path, "timeout", m.cfg.StopTimeout)
		return errors.Mark(errors.Errorf("stop recorder for %s", rec.path), errors.ErrTimeout)
	}
}

// Recording reports whether the background recorder is active.
func (m *Manager) Recording() bool {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	return m.rec != nil
}

// RecordVideoWithAudio captures duration of synchronized audio and video into path.
func (m *Manager) RecordVideoWithAudio(ctx context.Context, id model.CameraID, path string, duration time.Duration) error {
	if m.muxer == nil {
		return errors.Mark(errors.New("no muxer configured"), errors.ErrHardware)
	}
	idx, err := m.index(id)
	if err != nil {
		return err
	}
	if m.Refs(id) > 0 {
		return errors.Wrapf(errors.ErrCameraBusy, "%s camera is open", id)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(path))
	}
	return m.muxer.Record(ctx, idx, path, duration)
}

// Close stops the recorder and closes any device still open.
func (m *Manager) Close() error {
	err := m.StopBackgroundRecording()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.devices {
		if cerr := e.dev.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		delete(m.devices, id)
	}
	return err
}
