package face

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"neobell/edge/internal/errors"
)

// Embedding is a face descriptor produced by the worker model.
type Embedding []float32

// Embedder turns an image into the embedding of its most prominent face.
// ok is false when no usable face was found.
type Embedder interface {
	Embed(ctx context.Context, imagePath string) (emb Embedding, ok bool, err error)
}

type embedRequest struct {
	Op    string `msgpack:"op"`
	Image []byte `msgpack:"image"`
}

type detectedFace struct {
	Embedding []float32 `msgpack:"embedding"`
	Score     float64   `msgpack:"score"`
	Box       []int     `msgpack:"box"`
}

type embedResponse struct {
	Faces []detectedFace `msgpack:"faces"`
	Error string         `msgpack:"error"`
}

// maxFrame bounds a worker reply.
const maxFrame = 16 << 20

// Codec exchanges length-prefixed msgpack frames with a face worker:
// a 4-byte big-endian length followed by the encoded message.
type Codec struct {
	mu      sync.Mutex
	w       io.Writer
	r       io.Reader
	timeout time.Duration
	// set once an exchange was abandoned; the stream is out of sync after that
	broken error
}

func NewCodec(w io.Writer, r io.Reader, timeout time.Duration) *Codec {
	return &Codec{w: w, r: r, timeout: timeout}
}

func (c *Codec) roundTrip(ctx context.Context, req embedRequest) (embedResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return embedResponse{}, c.broken
	}

	payload, err := msgpack.Marshal(req)
	if err != nil {
		return embedResponse{}, errors.Wrap(err, "encode worker request")
	}

	type outcome struct {
		resp embedResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		var resp embedResponse
		err := c.exchange(payload, &resp)
		done <- outcome{resp, err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.resp, o.err
	case <-timer.C:
		c.broken = errors.Mark(errors.New("face worker did not answer"), errors.ErrTimeout)
		return embedResponse{}, c.broken
	case <-ctx.Done():
		c.broken = errors.Wrap(ctx.Err(), "face worker exchange abandoned")
		return embedResponse{}, ctx.Err()
	}
}

func (c *Codec) exchange(payload []byte, resp *embedResponse) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := c.w.Write(prefix[:]); err != nil {
		return errors.Wrap(err, "write frame length")
	}
	if _, err := c.w.Write(payload); err != nil {
		return errors.Wrap(err, "write frame")
	}

	if _, err := io.ReadFull(c.r, prefix[:]); err != nil {
		return errors.Wrap(err, "read frame length")
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrame {
		return errors.Errorf("worker frame too large: %d bytes", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return errors.Wrap(err, "read frame")
	}
	return errors.Wrap(msgpack.Unmarshal(data, resp), "decode worker reply")
}

// Embed sends the JPEG at imagePath to the worker and keeps the
// highest-scoring face.
func (c *Codec) Embed(ctx context.Context, imagePath string) (Embedding, bool, error) {
	img, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, false, errors.Wrapf(err, "read %s", imagePath)
	}
	resp, err := c.roundTrip(ctx, embedRequest{Op: "embed", Image: img})
	if err != nil {
		return nil, false, err
	}
	if resp.Error != "" {
		return nil, false, errors.Errorf("face worker: %s", resp.Error)
	}
	best := -1
	for i, f := range resp.Faces {
		if len(f.Embedding) == 0 {
			continue
		}
		if best < 0 || f.Score > resp.Faces[best].Score {
			best = i
		}
	}
	if best < 0 {
		return nil, false, nil
	}
	return Embedding(resp.Faces[best].Embedding), true, nil
}

// Worker is the face model subprocess.
type Worker struct {
	*Codec
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger
	done   chan struct{}
}

// StartWorker spawns command and talks to it over stdin/stdout.
func StartWorker(ctx context.Context, command []string, timeout time.Duration, logger *slog.Logger) (*Worker, error) {
	if len(command) == 0 {
		return nil, errors.Mark(errors.New("face worker command is empty"), errors.ErrConfig)
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "face worker stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "face worker stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "face worker stderr")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "start %s", command[0]), errors.ErrConfig)
	}

	w := &Worker{
		Codec:  NewCodec(stdin, stdout, timeout),
		cmd:    cmd,
		stdin:  stdin,
		logger: logger,
		done:   make(chan struct{}),
	}
	go w.logStderr(stderr)
	go func() {
		defer close(w.done)
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			logger.Error("face worker exited", "error", err)
		}
	}()
	logger.Info("face worker started", "command", strings.Join(command, " "), "pid", cmd.Process.Pid)
	return w, nil
}

func (w *Worker) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, "[ERROR]"):
			w.logger.Error("face worker", "line", line)
		case strings.Contains(line, "[WARN"):
			w.logger.Warn("face worker", "line", line)
		default:
			w.logger.Debug("face worker", "line", line)
		}
	}
}

// Close ends the worker, killing it if it does not exit within two seconds.
func (w *Worker) Close() error {
	_ = w.stdin.Close()
	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		w.logger.Warn("face worker did not exit, killing")
		_ = w.cmd.Process.Kill()
		<-w.done
	}
	return nil
}
