// Package rfid listens to the reader microcontroller on a serial port and
// opens the collection compartment for tags the cloud accepts.
package rfid

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
	"neobell/edge/internal/model"
)

// Canonicalize lowercases a raw UID and joins its hex groups with colons.
func Canonicalize(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), ":")
}

// Port is the part of serial.Port the listener uses.
type Port interface {
	Read(p []byte) (int, error)
	SetDTR(dtr bool) error
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// PortOpener opens the named serial device.
type PortOpener func(name string, baud int) (Port, error)

// OpenSerial opens a real serial device with go.bug.st/serial.
func OpenSerial(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Verifier validates canonical tag ids.
type Verifier interface {
	VerifyNFCTag(ctx context.Context, id string) (*model.NFCVerifyResponse, error)
}

// EventSink receives access events.
type EventSink interface {
	SubmitLog(eventType, summary string, details map[string]any) error
}

// Lock drives the collection compartment lock.
type Lock interface {
	SetCollectLock(on bool) error
}

const readPoll = 200 * time.Millisecond

// Listener is the background RFID worker.
type Listener struct {
	cfg      config.RFIDConfig
	open     PortOpener
	verifier Verifier
	events   EventSink
	lock     Lock
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewListener(cfg config.RFIDConfig, open PortOpener, verifier Verifier, events EventSink, lock Lock, logger *slog.Logger) *Listener {
	if open == nil {
		open = OpenSerial
	}
	return &Listener{
		cfg:      cfg,
		open:     open,
		verifier: verifier,
		events:   events,
		lock:     lock,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Start launches the listener. Calling Start twice is a no-op.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		l.run(ctx)
	}(l.done)
	l.logger.Info("rfid listener started", "port", l.cfg.Port, "baud", l.cfg.BaudRate)
}

// Stop signals the listener and waits up to the configured timeout.
func (l *Listener) Stop() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		l.logger.Info("rfid listener stopped")
		return nil
	case <-time.After(l.cfg.StopTimeout):
		l.logger.Warn("rfid listener did not stop in time", "timeout", l.cfg.StopTimeout)
		return errors.Mark(errors.New("rfid listener join timed out"), errors.ErrTimeout)
	}
}

func (l *Listener) run(ctx context.Context) {
	for ctx.Err() == nil {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return
		}
		l.logger.Error("rfid serial error, reconnecting", "error", err, "delay", l.cfg.ReconnectDelay)
		if l.sleep(ctx, l.cfg.ReconnectDelay) != nil {
			return
		}
	}
}

// session owns one open port until it fails or ctx ends.
func (l *Listener) session(ctx context.Context) error {
	port, err := l.open(l.cfg.Port, l.cfg.BaudRate)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "open %s", l.cfg.Port), errors.ErrHardware)
	}
	defer port.Close()

	if err := l.reset(ctx, port); err != nil {
		return err
	}

	var pending []byte
	buf := make([]byte, 256)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := port.Read(buf)
		if err != nil {
			return errors.Mark(errors.Wrap(err, "read serial"), errors.ErrHardware)
		}
		pending = append(pending, buf[:n]...)

		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			line := strings.TrimSpace(string(pending[:i]))
			pending = pending[i+1:]

			flush, err := l.handleLine(ctx, line)
			if err != nil {
				return err
			}
			if flush {
				if err := port.ResetInputBuffer(); err != nil {
					return errors.Mark(errors.Wrap(err, "flush serial"), errors.ErrHardware)
				}
				if l.sleep(ctx, l.cfg.Cooldown) != nil {
					return ctx.Err()
				}
				if err := port.ResetInputBuffer(); err != nil {
					return errors.Mark(errors.Wrap(err, "flush serial"), errors.ErrHardware)
				}
				pending = pending[:0]
				break
			}
		}
	}
}

func (l *Listener) reset(ctx context.Context, port Port) error {
	if err := port.SetReadTimeout(readPoll); err != nil {
		return errors.Mark(errors.Wrap(err, "set read timeout"), errors.ErrHardware)
	}
	if err := port.SetDTR(false); err != nil {
		return errors.Mark(errors.Wrap(err, "toggle dtr"), errors.ErrHardware)
	}
	if err := l.sleep(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	if err := port.SetDTR(true); err != nil {
		return errors.Mark(errors.Wrap(err, "toggle dtr"), errors.ErrHardware)
	}
	if err := l.sleep(ctx, l.cfg.ResetDelay); err != nil {
		return err
	}
	if err := port.ResetInputBuffer(); err != nil {
		return errors.Mark(errors.Wrap(err, "flush serial"), errors.ErrHardware)
	}
	return nil
}

// handleLine reports whether the port must be flushed because the lock was pulsed.
func (l *Listener) handleLine(ctx context.Context, line string) (bool, error) {
	if line == "" || (l.cfg.Banner != "" && strings.Contains(line, l.cfg.Banner)) {
		return false, nil
	}
	tag := Canonicalize(line)
	l.logger.Info("rfid tag read", "tag", tag)

	resp, err := l.verifier.VerifyNFCTag(ctx, tag)
	if err != nil {
		l.logger.Warn("rfid verification unavailable", "tag", tag, "error", err)
		return false, nil
	}
	if !resp.IsValid {
		l.logger.Info("rfid tag rejected", "tag", tag, "reason", resp.Reason)
		l.submit(model.EventNFCAccessDenied, "NFC tag rejected", map[string]any{"nfc_id": tag, "reason": resp.Reason})
		return false, nil
	}

	l.logger.Info("rfid tag accepted", "tag", tag, "user_id", resp.UserIDAssociated, "name", resp.TagFriendlyName)
	l.submit(model.EventNFCAccessGranted, "Collection compartment opened by NFC tag", map[string]any{
		"nfc_id":             tag,
		"user_id_associated": resp.UserIDAssociated,
		"tag_friendly_name":  resp.TagFriendlyName,
	})
	if err := l.pulse(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Listener) pulse(ctx context.Context) error {
	if err := l.lock.SetCollectLock(true); err != nil {
		return err
	}
	waitErr := l.sleep(ctx, l.cfg.PulseDuration)
	if err := l.lock.SetCollectLock(false); err != nil {
		return err
	}
	return waitErr
}

func (l *Listener) submit(eventType, summary string, details map[string]any) {
	if l.events == nil {
		return
	}
	if err := l.events.SubmitLog(eventType, summary, details); err != nil {
		l.logger.Warn("submit rfid event", "event", eventType, "error", err)
	}
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
