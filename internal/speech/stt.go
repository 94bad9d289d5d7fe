package speech

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
)

// Recognizer consumes 16-bit mono PCM and produces a transcript.
type Recognizer interface {
	Accept(pcm []byte) error
	Final() (string, error)
	Close()
}

// Engine is a loaded speech model able to create recognizers.
type Engine interface {
	NewRecognizer(sampleRate int) (Recognizer, error)
	Close()
}

// AudioSource is an open microphone capture stream of S16LE mono PCM.
type AudioSource interface {
	io.Reader
	Close() error
}

// SourceOpener opens a capture stream at sampleRate.
type SourceOpener func(ctx context.Context, sampleRate int) (AudioSource, error)

const chunkDuration = 100 * time.Millisecond

// STT transcribes one utterance at a time using an energy VAD.
type STT struct {
	cfg    config.SpeechConfig
	engine Engine
	open   SourceOpener
	dir    string
	logger *slog.Logger

	mu sync.Mutex
}

func NewSTT(cfg config.SpeechConfig, engine Engine, open SourceOpener, audioDir string, logger *slog.Logger) *STT {
	if open == nil {
		open = ArecordOpener(cfg)
	}
	return &STT{cfg: cfg, engine: engine, open: open, dir: audioDir, logger: logger}
}

// TranscribeAudio waits for speech, records until trailing silence or
// maxDuration, saves the utterance as <sha256>.wav and returns the text
// and that hash. No speech yields empty strings and no error.
func (s *STT) TranscribeAudio(ctx context.Context, maxDuration time.Duration) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxDuration <= 0 {
		maxDuration = s.cfg.MaxListen
	}

	rec, err := s.engine.NewRecognizer(s.cfg.SampleRate)
	if err != nil {
		return "", "", errors.Mark(errors.Wrap(err, "create recognizer"), errors.ErrHardware)
	}
	defer rec.Close()

	captureCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	src, err := s.open(captureCtx, s.cfg.SampleRate)
	if err != nil {
		return "", "", errors.Mark(errors.Wrap(err, "open microphone"), errors.ErrHardware)
	}
	defer src.Close()

	chunk := make([]byte, s.cfg.SampleRate*2*int(chunkDuration/time.Millisecond)/1000)
	var (
		pcm      []byte
		started  bool
		silence  time.Duration
		listened time.Duration
	)

	for listened < maxDuration {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		n, err := io.ReadFull(src, chunk)
		if n > 0 {
			data := chunk[:n]
			listened += time.Duration(n/2) * time.Second / time.Duration(s.cfg.SampleRate)
			level := RMS(data)

			if !started && level >= s.cfg.SilenceThreshold {
				started = true
				s.logger.Debug("speech started", "rms", level)
			}
			if started {
				pcm = append(pcm, data...)
				if aerr := rec.Accept(data); aerr != nil {
					return "", "", errors.Wrap(aerr, "recognizer")
				}
				if level < s.cfg.SilenceThreshold {
					silence += chunkDuration
					if silence >= s.cfg.SilenceWindow {
						break
					}
				} else {
					silence = 0
				}
			}
		}
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			if ctx.Err() != nil {
				return "", "", ctx.Err()
			}
			return "", "", errors.Mark(errors.Wrap(err, "read microphone"), errors.ErrHardware)
		}
	}

	if !started {
		s.logger.Info("no speech detected", "listened", listened)
		return "", "", nil
	}

	text, err := rec.Final()
	if err != nil {
		return "", "", errors.Wrap(err, "final result")
	}

	sum := sha256.Sum256(pcm)
	hash := hex.EncodeToString(sum[:])
	if s.dir != "" {
		path := filepath.Join(s.dir, hash+".wav")
		if err := WriteWAV(path, pcm, s.cfg.SampleRate); err != nil {
			s.logger.Warn("save utterance failed", "path", path, "error", err)
		}
	}

	text = strings.TrimSpace(text)
	s.logger.Info("transcribed", "text", text, "audio_hash", hash, "duration", listened)
	return text, hash, nil
}

// RMS is the root mean square of S16LE samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// WriteWAV stores mono 16-bit PCM as a RIFF/WAVE file.
func WriteWAV(path string, pcm []byte, sampleRate int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	const channels, bits = 1, 16
	byteRate := sampleRate * channels * bits / 8
	header := []any{
		[4]byte{'R', 'I', 'F', 'F'}, uint32(36 + len(pcm)), [4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '}, uint32(16), uint16(1), uint16(channels),
		uint32(sampleRate), uint32(byteRate), uint16(channels * bits / 8), uint16(bits),
		[4]byte{'d', 'a', 't', 'a'}, uint32(len(pcm)),
	}
	for _, v := range header {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if _, err := f.Write(pcm); err != nil {
		return err
	}
	return f.Close()
}

type cmdSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (c *cmdSource) Read(p []byte) (int, error) { return c.stdout.Read(p) }

func (c *cmdSource) Close() error {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
	return nil
}

// ArecordOpener captures raw PCM from ALSA with arecord.
func ArecordOpener(cfg config.SpeechConfig) SourceOpener {
	return func(ctx context.Context, sampleRate int) (AudioSource, error) {
		args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-c", "1", "-r", strconv.Itoa(sampleRate)}
		if cfg.CaptureDevice != "" {
			args = append(args, "-D", cfg.CaptureDevice)
		}
		cmd := exec.CommandContext(ctx, cfg.CaptureBinary, args...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &cmdSource{cmd: cmd, stdout: stdout}, nil
	}
}
