package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
)

// Muxer records synchronized audio and video from a camera index.
type Muxer interface {
	Record(ctx context.Context, index int, path string, duration time.Duration) error
}

// CommandRunner runs an external program to completion.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// FFmpegMuxer captures V4L2 video and ALSA audio with ffmpeg.
type FFmpegMuxer struct {
	cfg       config.CameraConfig
	rate      int
	cardsPath string
	run       CommandRunner
	logger    *slog.Logger
}

func NewFFmpegMuxer(cfg config.CameraConfig, sampleRate int, logger *slog.Logger) *FFmpegMuxer {
	return &FFmpegMuxer{
		cfg:       cfg,
		rate:      sampleRate,
		cardsPath: "/proc/asound/cards",
		run:       runCommand,
		logger:    logger,
	}
}

func (f *FFmpegMuxer) Record(ctx context.Context, index int, path string, duration time.Duration) error {
	card, err := f.findCard()
	if err != nil {
		return err
	}

	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-framerate", strconv.Itoa(f.cfg.FPS),
		"-video_size", fmt.Sprintf("%dx%d", f.cfg.Width, f.cfg.Height),
		"-i", fmt.Sprintf("/dev/video%d", index),
		"-f", "alsa",
		"-ac", "1",
		"-ar", strconv.Itoa(f.rate),
		"-i", fmt.Sprintf("plughw:%d,0", card),
		"-t", strconv.FormatFloat(duration.Seconds(), 'f', 1, 64),
		"-c:v", "libx264", "-preset", "ultrafast",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-movflags", "+faststart",
		path,
	}

	// Allow for device open and muxer finalization on top of the capture itself.
	runCtx, cancel := context.WithTimeout(ctx, duration+15*time.Second)
	defer cancel()

	f.logger.Info("recording video with audio", "path", path, "video", index, "audio_card", card, "duration", duration)
	if err := f.run(runCtx, f.cfg.FFmpegPath, args...); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return errors.Mark(errors.Wrap(err, "ffmpeg"), errors.ErrTimeout)
		}
		return errors.Mark(errors.Wrap(err, "ffmpeg"), errors.ErrHardware)
	}
	if st, err := os.Stat(path); err != nil || st.Size() == 0 {
		return errors.Mark(errors.Errorf("ffmpeg produced no output at %s", path), errors.ErrHardware)
	}
	return nil
}

func (f *FFmpegMuxer) findCard() (int, error) {
	file, err := os.Open(f.cardsPath)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrNoAudioDevice, "open %s: %v", f.cardsPath, err)
	}
	defer file.Close()

	card, ok := FindALSACard(file, f.cfg.AudioDevice)
	if !ok {
		return 0, errors.Wrapf(errors.ErrNoAudioDevice, "no card matching %q", f.cfg.AudioDevice)
	}
	return card, nil
}

// FindALSACard scans /proc/asound/cards content for the first card whose
// description contains name (case-insensitive).
func FindALSACard(r io.Reader, name string) (int, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return 0, false
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			// continuation line of the previous card
			continue
		}
		if strings.Contains(strings.ToLower(line), needle) {
			return idx, true
		}
	}
	return 0, false
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return nil
}
