package speech

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
)

// CommandRunner runs an external program to completion.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// TTS speaks through an eSpeak NG subprocess.
type TTS struct {
	cfg    config.SpeechConfig
	run    CommandRunner
	logger *slog.Logger

	mu sync.Mutex
	// async utterances share a generation; override cancels the whole generation
	genCtx    context.Context
	genCancel context.CancelFunc
	done      chan struct{}
}

func NewTTS(cfg config.SpeechConfig, logger *slog.Logger) *TTS {
	ctx, cancel := context.WithCancel(context.Background())
	return &TTS{cfg: cfg, run: runCommand, logger: logger, genCtx: ctx, genCancel: cancel}
}

func (t *TTS) args(text string) []string {
	args := []string{"-s", strconv.Itoa(t.cfg.Speed), "-p", strconv.Itoa(t.cfg.Pitch)}
	if t.cfg.Voice != "" {
		args = append(args, "-v", t.cfg.Voice)
	}
	return append(args, text)
}

func (t *TTS) say(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.TTSTimeout)
	defer cancel()

	t.logger.Info("speaking", "text", text)
	err := t.run(ctx, t.cfg.TTSBinary, t.args(text)...)
	switch {
	case err == nil:
		return nil
	case ctx.Err() == context.DeadlineExceeded:
		return errors.Mark(errors.Wrap(err, "tts"), errors.ErrTimeout)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return errors.Mark(errors.Wrap(err, "tts"), errors.ErrHardware)
	}
}

// Speak blocks until text has been spoken. An in-flight async utterance finishes first.
func (t *TTS) Speak(ctx context.Context, text string) error {
	t.mu.Lock()
	prev := t.done
	t.mu.Unlock()
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return t.say(ctx, text)
}

// SpeakAsync speaks in the background. With override every in-flight or
// queued utterance is cut off; otherwise the new one queues behind them.
func (t *TTS) SpeakAsync(text string, override bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if override {
		t.genCancel()
		t.genCtx, t.genCancel = context.WithCancel(context.Background())
	}
	ctx := t.genCtx
	prev := t.done
	done := make(chan struct{})
	t.done = done

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		if ctx.Err() != nil {
			return
		}
		if err := t.say(ctx, text); err != nil && ctx.Err() == nil {
			t.logger.Warn("async speech failed", "error", err)
		}
	}()
}

// Wait blocks until the most recent async utterance is done.
func (t *TTS) Wait() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stop cancels every async utterance and waits for them to exit.
func (t *TTS) Stop() {
	t.mu.Lock()
	t.genCancel()
	t.genCtx, t.genCancel = context.WithCancel(context.Background())
	t.mu.Unlock()
	t.Wait()
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
