// Package flow holds the two doorbell interactions: a visitor at the door and
// a courier delivering a package. Flows own every user-visible response and
// talk to hardware and cloud only through the small interfaces below.
package flow

import (
	"context"
	"log/slog"
	"time"

	"neobell/edge/internal/errors"
	"neobell/edge/internal/model"
	"neobell/edge/internal/ocr"
	"neobell/edge/internal/phrases"
)

// Lights drives the LEDs and locks.
type Lights interface {
	SetExternalRedLED(on bool) error
	SetExternalGreenLED(on bool) error
	SetInternalLED(on bool) error
	SetCameraLED(on bool) error
	SetExternalLock(on bool) error
	SafeState() error
}

// Hatch moves the compartment floor.
type Hatch interface {
	OpenHatch(ctx context.Context) error
	CloseHatch(ctx context.Context) error
}

// Voice speaks and listens.
type Voice interface {
	Speak(ctx context.Context, text string) error
	AskQuestion(ctx context.Context, prompt string, maxListen time.Duration, attempts int) (string, error)
	AskYesNo(ctx context.Context, prompt string) (model.Answer, error)
}

// Faces is the face processor.
type Faces interface {
	Identify(ctx context.Context) (model.Identification, error)
	Register(ctx context.Context, userID, name string) (int, error)
	Forget(userID string)
	UserDir(userID string) string
}

// BackgroundRecorder films the compartment while the hatch moves.
type BackgroundRecorder interface {
	StartBackgroundRecording(id model.CameraID, path string) error
	StopBackgroundRecording() error
}

// Users is the local visitor database.
type Users interface {
	CreateUser(name string) (model.User, error)
	DeleteUser(id, userDir string) error
	GetUserByID(id string) (model.User, bool)
}

// Recorder captures a visitor message with sound.
type Recorder interface {
	RecordVideoWithAudio(ctx context.Context, id model.CameraID, path string, duration time.Duration) error
}

// Scanner finds a validated label code.
type Scanner interface {
	FindValidatedCode(ctx context.Context, req ocr.Request) ocr.Result
}

// Events receives fire-and-forget log events.
type Events interface {
	SubmitLog(eventType, summary string, details map[string]any) error
}

// VisitorCloud is the cloud surface of the visitor flow.
type VisitorCloud interface {
	Events
	CheckPermissions(ctx context.Context, faceTagID string) (*model.PermissionResponse, error)
	RegisterVisitor(ctx context.Context, imagePath, visitorName, userID, permissionLevel string) (string, error)
	SendVideoMessage(ctx context.Context, videoPath, faceTagID string, duration time.Duration) error
}

// DeliveryCloud is the cloud surface of the delivery flow.
type DeliveryCloud interface {
	Events
	RequestPackageInfo(ctx context.Context, identifierType, value string) (*model.PackageResponse, error)
	UpdatePackageStatus(ctx context.Context, identifier, newStatus string) (*model.StatusUpdateResponse, error)
}

// base carries what both flows share.
type base struct {
	lights  Lights
	voice   Voice
	events  Events
	phrases phrases.Table
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

func (b *base) say(ctx context.Context, text string) error {
	return b.voice.Speak(ctx, text)
}

// yes asks a yes/no question and treats anything but a clear yes as no.
func (b *base) yes(ctx context.Context, prompt string) (bool, error) {
	a, err := b.voice.AskYesNo(ctx, prompt)
	if err != nil {
		return false, err
	}
	return a == model.AnswerYes, nil
}

func (b *base) event(eventType, summary string, details map[string]any) {
	if err := b.events.SubmitLog(eventType, summary, details); err != nil {
		b.logger.Warn("log event not submitted", "event_type", eventType, "error", err)
	}
}

// finish restores the safe hardware state and, when the flow failed, tells
// the user with a phrase matching the failure kind.
func (b *base) finish(ctx context.Context, name string, err *error) {
	if r := recover(); r != nil {
		*err = errors.Errorf("%s flow panic: %v", name, r)
	}
	if safeErr := b.lights.SafeState(); safeErr != nil {
		b.logger.Error("restore safe state", "error", safeErr)
		*err = errors.Join(*err, errors.Mark(safeErr, errors.ErrHardware))
	}
	if *err == nil || ctx.Err() != nil {
		return
	}
	b.logger.Error(name+" flow aborted", "error", *err, "kind", errors.KindOf(*err))
	b.event(model.EventInteractionAborted, name+" flow aborted", map[string]any{"error": (*err).Error()})

	phrase := b.phrases.MainLoop.InternalError
	if errors.Is(*err, errors.ErrHardware) {
		phrase = b.phrases.MainLoop.HardwareFailure
	}
	if sayErr := b.say(context.WithoutCancel(ctx), phrase); sayErr != nil {
		b.logger.Warn("apology not spoken", "error", sayErr)
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
