package flow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
	"neobell/edge/internal/model"
	"neobell/edge/internal/ocr"
	"neobell/edge/internal/phrases"
)

// DeliveryFlow validates a package label at the door, lets the courier drop
// the package in the compartment, checks it again inside and stores it.
type DeliveryFlow struct {
	base
	cfg         config.DeliveryConfig
	capturesDir string
	scanner     Scanner
	hatch       Hatch
	recorder    BackgroundRecorder
	cloud       DeliveryCloud
}

func NewDeliveryFlow(cfg config.DeliveryConfig, paths config.PathsConfig, lights Lights, voice Voice, scanner Scanner, hatch Hatch, recorder BackgroundRecorder, cloud DeliveryCloud, table phrases.Table, logger *slog.Logger) *DeliveryFlow {
	return &DeliveryFlow{
		base: base{
			lights:  lights,
			voice:   voice,
			events:  cloud,
			phrases: table,
			logger:  logger,
			sleep:   sleepCtx,
			now:     time.Now,
		},
		cfg:         cfg,
		capturesDir: paths.CapturesDir,
		scanner:     scanner,
		hatch:       hatch,
		recorder:    recorder,
		cloud:       cloud,
	}
}

// Run handles one delivery. The hardware is back in its safe state when it returns.
func (f *DeliveryFlow) Run(ctx context.Context) (err error) {
	defer f.finish(ctx, "delivery", &err)
	p := f.phrases.Delivery

	if err := f.lights.SetExternalRedLED(true); err != nil {
		return err
	}
	if err := f.lights.SetExternalGreenLED(false); err != nil {
		return err
	}
	if err := f.say(ctx, p.Start); err != nil {
		return err
	}

	code, err := f.externalScan(ctx)
	if err != nil {
		return err
	}
	if code == "" {
		return f.say(ctx, p.Cancelled)
	}
	f.event(model.EventPackageValidated, "package label validated at the door", map[string]any{"code": code})

	if err := f.dropOff(ctx); err != nil {
		return err
	}
	return f.inside(ctx, code)
}

// externalScan returns the first label the cloud knows as pending, or ""
// when the courier gives up.
func (f *DeliveryFlow) externalScan(ctx context.Context) (string, error) {
	p := f.phrases.Delivery
	for {
		if err := f.say(ctx, p.ShowLabel); err != nil {
			return "", err
		}
		for attempt := 1; attempt <= f.cfg.ExternalAttempts; attempt++ {
			res := f.scanner.FindValidatedCode(ctx, ocr.Request{
				Camera:    model.CameraExternal,
				FastMode:  f.cfg.FastMode,
				Verify:    f.verifyExternal,
				Timeout:   f.cfg.ExternalTimeout,
				Retries:   f.cfg.ExternalRetries,
				OnTimeout: f.hint(ctx, p.ScanHint),
			})
			switch res.Status {
			case ocr.StatusSuccess:
				f.logger.Info("package authorized", "code", res.Code, "attempt", attempt)
				return res.Code, nil
			case ocr.StatusError:
				return "", res.Err
			}
		}

		if err := f.say(ctx, p.ScanFailed); err != nil {
			return "", err
		}
		f.event(model.EventPackageRejected, "package label not validated", nil)
		retry, err := f.yes(ctx, p.AskRetryScan)
		if err != nil || !retry {
			return "", err
		}
	}
}

func (f *DeliveryFlow) verifyExternal(ctx context.Context, code string) (*model.PackageResponse, error) {
	return f.cloud.RequestPackageInfo(ctx, model.IdentifierTrackingNumber, code)
}

func (f *DeliveryFlow) hint(ctx context.Context, phrase string) func() {
	return func() {
		if err := f.say(ctx, phrase); err != nil {
			f.logger.Warn("scan hint not spoken", "error", err)
		}
	}
}

// dropOff unlocks the outer door long enough to place the package inside.
func (f *DeliveryFlow) dropOff(ctx context.Context) error {
	p := f.phrases.Delivery
	if err := f.say(ctx, p.Authorized); err != nil {
		return err
	}
	if err := f.lights.SetExternalRedLED(false); err != nil {
		return err
	}
	if err := f.lights.SetExternalGreenLED(true); err != nil {
		return err
	}
	if err := f.unlockDoor(ctx, p.DoorOpen); err != nil {
		return err
	}
	if err := f.lights.SetExternalGreenLED(false); err != nil {
		return err
	}
	if err := f.lights.SetExternalRedLED(true); err != nil {
		return err
	}
	return f.say(ctx, p.DoorClosed)
}

func (f *DeliveryFlow) unlockDoor(ctx context.Context, announce string) error {
	if err := f.lights.SetExternalLock(true); err != nil {
		return err
	}
	f.logger.Info("external door unlocked", "for", f.cfg.DoorUnlock)
	start := f.now()
	err := f.say(ctx, announce)
	if err == nil {
		err = f.sleep(ctx, f.cfg.DoorUnlock-f.now().Sub(start))
	}
	return errors.Join(err, f.lights.SetExternalLock(false))
}

// matcher is the local validator of the internal scan: only codes validated
// at the door are the same package. Other codes are answered negatively and
// the scan goes on; the last one is kept to explain a rejection.
type matcher struct {
	mu        sync.Mutex
	validated map[string]struct{}
	mismatch  string
}

func (m *matcher) verify(_ context.Context, code string) (*model.PackageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, same := m.validated[code]
	if !same {
		m.mismatch = code
	}
	return &model.PackageResponse{PackageSame: same}, nil
}

func (m *matcher) wrong() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mismatch
}

// inside checks the package in the compartment against the validated code.
func (f *DeliveryFlow) inside(ctx context.Context, code string) error {
	p := f.phrases.Delivery
	if err := f.lights.SetInternalLED(true); err != nil {
		return err
	}
	if err := f.say(ctx, p.InternalScan); err != nil {
		return err
	}

	m := &matcher{validated: map[string]struct{}{code: {}}}
	for attempt := 1; attempt <= f.cfg.InternalAttempts; attempt++ {
		res := f.scanner.FindValidatedCode(ctx, ocr.Request{
			Camera:    model.CameraInternal,
			FastMode:  f.cfg.FastMode,
			Verify:    m.verify,
			Timeout:   f.cfg.InternalTimeout,
			Retries:   f.cfg.InternalRetries,
			OnTimeout: f.hint(ctx, p.InternalHint),
		})

		switch res.Status {
		case ocr.StatusSuccess:
			return f.finalize(ctx, code)
		case ocr.StatusError:
			return res.Err
		}

		if attempt == f.cfg.InternalAttempts {
			break
		}
		again, err := f.yes(ctx, p.AskRepresent)
		if err != nil {
			return err
		}
		if !again {
			break
		}
		if err := f.say(ctx, p.InternalHint); err != nil {
			return err
		}
	}
	wrong := m.wrong()
	if wrong != "" {
		f.logger.Warn("package inside does not match", "validated", code, "scanned", wrong)
	}
	return f.reject(ctx, code, wrong)
}

func (f *DeliveryFlow) finalize(ctx context.Context, code string) error {
	p := f.phrases.Delivery
	if err := f.say(ctx, p.Success); err != nil {
		return err
	}
	f.event(model.EventPackageDetected, "package verified inside the compartment", map[string]any{"code": code})

	path := filepath.Join(f.capturesDir, fmt.Sprintf("delivery_capture_%s.mp4", f.now().Format("20060102_150405")))
	recording := true
	if err := f.recorder.StartBackgroundRecording(model.CameraInternal, path); err != nil {
		f.logger.Error("compartment recording not started", "path", path, "error", err)
		recording = false
	}
	stopRecording := func() {
		if !recording {
			return
		}
		recording = false
		if err := f.recorder.StopBackgroundRecording(); err != nil {
			f.logger.Error("compartment recording not stopped", "error", err)
		}
	}
	defer stopRecording()

	if err := f.hatch.OpenHatch(ctx); err != nil {
		return err
	}
	holdErr := f.sleep(ctx, f.cfg.HatchHold)
	if err := f.hatch.CloseHatch(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(holdErr, err)
	}
	if holdErr != nil {
		return holdErr
	}
	stopRecording()
	if err := f.lights.SetInternalLED(false); err != nil {
		return err
	}

	if resp, err := f.cloud.UpdatePackageStatus(ctx, code, model.PackageStatusDelivered); err != nil {
		f.logger.Warn("package status not updated", "code", code, "error", err)
	} else if !resp.Success {
		f.logger.Warn("package status update refused", "code", code, "message", resp.Message)
	}
	return f.say(ctx, p.Stored)
}

// reject lets the courier take back a package that could not be matched.
func (f *DeliveryFlow) reject(ctx context.Context, code, scanned string) error {
	p := f.phrases.Delivery
	phrase := p.ScanFailed
	if scanned != "" {
		phrase = p.CancelInside
	}
	if err := f.lights.SetInternalLED(false); err != nil {
		return err
	}
	f.event(model.EventPackageRejected, "package inside not verified", map[string]any{
		"code":    code,
		"scanned": scanned,
	})
	if err := f.say(ctx, phrase); err != nil {
		return err
	}

	reopen, err := f.yes(ctx, p.AskReopenDoor)
	if err != nil {
		return err
	}
	if reopen {
		if err := f.unlockDoor(ctx, p.RemovePackage); err != nil {
			return err
		}
	}
	return f.say(ctx, p.Cancelled)
}
