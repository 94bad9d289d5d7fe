// Package ocr reads package labels (QR and DataMatrix) from a camera or a
// still image and returns the first code the validator accepts.
package ocr

import (
	"context"
	"image"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
	"neobell/edge/internal/model"
)

// Frames is an acquired camera.
type Frames interface {
	Read(ctx context.Context) (image.Image, error)
	Release()
}

// CameraOpener acquires a camera for the duration of one scan.
type CameraOpener func(id model.CameraID) (Frames, error)

// Validator checks a candidate code. Errors are treated as a negative answer.
type Validator func(ctx context.Context, code string) (*model.PackageResponse, error)

type Status string

const (
	StatusSuccess Status = "success"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// Request describes one FindValidatedCode call. Exactly one of ImagePath or
// Camera is used; ImagePath wins when both are set.
type Request struct {
	ImagePath string
	Camera    model.CameraID
	FastMode  bool
	Verify    Validator
	Timeout   time.Duration
	Retries   int
	OnTimeout func()
}

type Result struct {
	Status   Status
	Code     string
	Response *model.PackageResponse
	Err      error
}

type detector struct {
	name   string
	decode Decoder
	// capped detectors get the fast-mode deadline
	capped bool
}

// Scanner runs label scans.
type Scanner struct {
	cfg       config.OCRConfig
	filter    *Filter
	open      CameraOpener
	detectors []detector
	logger    *slog.Logger
}

func NewScanner(cfg config.OCRConfig, open CameraOpener, logger *slog.Logger) (*Scanner, error) {
	filter, err := NewFilter(cfg.ExtraPatterns)
	if err != nil {
		return nil, err
	}
	return &Scanner{
		cfg:    cfg,
		filter: filter,
		open:   open,
		detectors: []detector{
			{name: "qr", decode: DecodeQR},
			{name: "datamatrix", decode: DecodeDataMatrix, capped: true},
		},
		logger: logger,
	}, nil
}

// dedup records every code seen during one call.
type dedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// add reports whether code was new.
func (d *dedup) add(code string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[code]; ok {
		return false
	}
	d.seen[code] = struct{}{}
	return true
}

// FindValidatedCode scans until the validator accepts a code, the retries
// run out, or ctx ends. At most one success is produced per call.
func (s *Scanner) FindValidatedCode(ctx context.Context, req Request) Result {
	if req.Verify == nil {
		return Result{Status: StatusError, Err: errors.New("no validator")}
	}
	retries := max(req.Retries, 1)

	var frames Frames
	if req.ImagePath == "" {
		f, err := s.open(req.Camera)
		if err != nil {
			s.logger.Error("scanner camera unavailable", "camera", req.Camera, "error", err)
			return Result{Status: StatusError, Err: errors.Mark(errors.Wrapf(err, "open camera %s", req.Camera), errors.ErrHardware)}
		}
		frames = f
	}

	scanCtx, stop := context.WithCancel(ctx)
	candidates := make(chan string, 16)
	results := make(chan Result, 1)
	seen := &dedup{seen: map[string]struct{}{}}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.produce(scanCtx, req, frames, seen, candidates, results)
	}()
	go func() {
		defer wg.Done()
		s.validate(scanCtx, stop, req.Verify, candidates, results)
	}()

	defer func() {
		stop()
		joined := make(chan struct{})
		go func() {
			wg.Wait()
			close(joined)
		}()
		select {
		case <-joined:
		case <-time.After(s.cfg.JoinTimeout):
			s.logger.Warn("scanner workers still running after stop", "timeout", s.cfg.JoinTimeout)
		}
		if frames != nil {
			frames.Release()
		}
	}()

	for attempt := 1; attempt <= retries; attempt++ {
		timer := time.NewTimer(req.Timeout)
		select {
		case r := <-results:
			timer.Stop()
			s.logger.Info("scan finished", "status", r.Status, "code", r.Code, "attempt", attempt)
			return r
		case <-timer.C:
			s.logger.Info("scan attempt timed out", "attempt", attempt, "retries", retries)
			if req.OnTimeout != nil {
				req.OnTimeout()
			}
		case <-ctx.Done():
			timer.Stop()
			return Result{Status: StatusError, Err: ctx.Err()}
		}
	}
	return Result{Status: StatusTimeout}
}

// produce reads frames (or the still image once), decodes them and queues
// new codes that pass the carrier filter.
func (s *Scanner) produce(ctx context.Context, req Request, frames Frames, seen *dedup, out chan<- string, results chan<- Result) {
	if frames == nil {
		img, err := imaging.Open(req.ImagePath)
		if err != nil {
			s.logger.Error("scanner image unreadable", "path", req.ImagePath, "error", err)
			select {
			case results <- Result{Status: StatusError, Err: errors.Wrapf(err, "open %s", req.ImagePath)}:
			default:
			}
			return
		}
		s.scanFrame(ctx, img, req.FastMode, seen, out)
		return
	}

	for ctx.Err() == nil {
		img, err := frames.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("scanner frame read failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.scanFrame(ctx, img, req.FastMode, seen, out)
	}
}

func (s *Scanner) scanFrame(ctx context.Context, img image.Image, fast bool, seen *dedup, out chan<- string) {
	prepared := Preprocess(img, s.cfg.ROIFraction, s.cfg.TargetWidth, s.cfg.BlurSigma)

	var wg sync.WaitGroup
	for _, d := range s.detectors {
		wg.Add(1)
		go func(d detector) {
			defer wg.Done()
			timeout := s.cfg.SlowDecodeTimeout
			if fast && d.capped {
				timeout = s.cfg.FastDecodeTimeout
			}
			codes, err := s.runDetector(ctx, d, prepared, !fast, timeout)
			if err != nil {
				s.logger.Warn("decoder failed", "detector", d.name, "error", err)
				return
			}
			for _, raw := range codes {
				s.offer(ctx, d.name, raw, seen, out)
			}
		}(d)
	}
	wg.Wait()
}

// runDetector bounds a decoder that cannot itself be interrupted.
func (s *Scanner) runDetector(ctx context.Context, d detector, img image.Image, tryHarder bool, timeout time.Duration) ([]string, error) {
	type outcome struct {
		codes []string
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.Errorf("decoder panic: %v", r)}
			}
		}()
		codes, err := d.decode(img, tryHarder)
		done <- outcome{codes: codes, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.codes, o.err
	case <-timer.C:
		s.logger.Debug("decoder deadline reached", "detector", d.name, "timeout", timeout)
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (s *Scanner) offer(ctx context.Context, detectorName, raw string, seen *dedup, out chan<- string) {
	code := strings.TrimSpace(raw)
	if code == "" {
		return
	}
	if !seen.add(code) {
		return
	}
	if !s.filter.Match(code) {
		s.logger.Info("code ignored by carrier filter", "code", code, "detector", detectorName)
		return
	}
	s.logger.Info("candidate code", "code", code, "detector", detectorName)
	select {
	case out <- code:
	case <-ctx.Done():
	}
}

func (s *Scanner) validate(ctx context.Context, stop context.CancelFunc, verify Validator, in <-chan string, results chan<- Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case code := <-in:
			resp, err := verify(ctx, code)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("code validation failed", "code", code, "error", err)
				continue
			}
			if !resp.Accepted() {
				s.logger.Info("code rejected", "code", code)
				continue
			}
			select {
			case results <- Result{Status: StatusSuccess, Code: code, Response: resp}:
			default:
			}
			stop()
			return
		}
	}
}
