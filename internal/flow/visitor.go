package flow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
	"neobell/edge/internal/model"
	"neobell/edge/internal/phrases"
)

// VisitorFlow recognizes the person at the door, registers newcomers and
// records messages for the resident.
type VisitorFlow struct {
	base
	cfg       config.VisitorConfig
	maxListen time.Duration
	dataDir   string
	faces     Faces
	users     Users
	recorder  Recorder
	cloud     VisitorCloud
}

func NewVisitorFlow(cfg config.VisitorConfig, maxListen time.Duration, paths config.PathsConfig, lights Lights, voice Voice, faces Faces, users Users, recorder Recorder, cloud VisitorCloud, table phrases.Table, logger *slog.Logger) *VisitorFlow {
	return &VisitorFlow{
		base: base{
			lights:  lights,
			voice:   voice,
			events:  cloud,
			phrases: table,
			logger:  logger,
			sleep:   sleepCtx,
			now:     time.Now,
		},
		cfg:       cfg,
		maxListen: maxListen,
		dataDir:   paths.DataDir,
		faces:     faces,
		users:     users,
		recorder:  recorder,
		cloud:     cloud,
	}
}

// Run handles one visitor from greeting to farewell.
func (f *VisitorFlow) Run(ctx context.Context) (err error) {
	defer f.finish(ctx, "visitor", &err)
	p := f.phrases.Visitor

	if err := f.say(ctx, p.Greeting); err != nil {
		return err
	}
	for attempt := 1; attempt <= f.cfg.RecognitionAttempts; attempt++ {
		id, err := f.faces.Identify(ctx)
		if err != nil {
			return err
		}
		f.logger.Info("recognition attempt", "attempt", attempt, "status", id.Status)

		switch id.Status {
		case model.FaceKnown:
			return f.known(ctx, id.UserID)
		case model.FaceUnknown:
			f.event(model.EventVisitorDetected, "unknown visitor at the door", map[string]any{"status": string(id.Status)})
			return f.register(ctx)
		}

		if err := f.say(ctx, p.NoFace); err != nil {
			return err
		}
		if attempt == f.cfg.RecognitionAttempts {
			break
		}
		retry, err := f.yes(ctx, p.RetryRecognition)
		if err != nil {
			return err
		}
		if !retry {
			break
		}
	}
	f.event(model.EventVisitorDetected, "visitor face not captured", map[string]any{"status": string(model.FaceNone)})
	return f.say(ctx, p.Farewell)
}

func (f *VisitorFlow) known(ctx context.Context, userID string) error {
	p := f.phrases.Visitor
	user, found := f.users.GetUserByID(userID)
	if !found {
		f.logger.Warn("recognized face has no user record", "user_id", userID)
	}

	f.event(model.EventVisitorDetected, "known visitor at the door", map[string]any{
		"user_id": userID,
		"name":    user.Name,
	})
	hello := p.HelloAgain
	if user.Name != "" {
		hello = phrases.Format(p.HelloKnown, user.Name)
	}
	if err := f.say(ctx, hello); err != nil {
		return err
	}

	perm, err := f.cloud.CheckPermissions(ctx, userID)
	if err != nil {
		f.logger.Warn("permission check failed", "user_id", userID, "error", err)
		return f.say(ctx, p.TryLater)
	}

	switch {
	case !perm.PermissionExists:
		f.logger.Warn("face known locally but not in the cloud", "user_id", userID)
		f.event(model.EventPermissionMismatch, "local face without cloud permission", map[string]any{"user_id": userID})
		if err := f.say(ctx, p.Inconsistency); err != nil {
			return err
		}
		if err := f.forget(userID); err != nil {
			return err
		}
		return f.register(ctx)

	case perm.PermissionLevel == model.PermissionAllowed:
		if err := f.say(ctx, p.Allowed); err != nil {
			return err
		}
		return f.offerMessage(ctx, userID)

	case perm.PermissionLevel == model.PermissionDenied:
		f.event(model.EventVisitorDenied, "visitor denied", map[string]any{"user_id": userID})
		return f.say(ctx, p.Denied)

	default:
		f.logger.Error("unexpected permission level", "user_id", userID, "level", perm.PermissionLevel)
		return f.say(ctx, f.phrases.MainLoop.InternalError)
	}
}

// forget removes the user, its embeddings and its own image folder.
func (f *VisitorFlow) forget(userID string) error {
	f.faces.Forget(userID)
	if err := f.users.DeleteUser(userID, f.faces.UserDir(userID)); err != nil {
		return errors.Mark(errors.Wrapf(err, "remove user %s", userID), errors.ErrStateInconsistency)
	}
	return nil
}

func (f *VisitorFlow) register(ctx context.Context) error {
	p := f.phrases.Visitor

	ok, err := f.yes(ctx, p.AskRegister)
	if err != nil {
		return err
	}
	if !ok {
		return f.say(ctx, p.NotRegistered)
	}

	name, err := f.askName(ctx)
	if err != nil {
		return err
	}
	if name == "" {
		if err := f.say(ctx, p.NameNotUnderstood); err != nil {
			return err
		}
		return f.say(ctx, p.Farewell)
	}

	user, err := f.users.CreateUser(name)
	if err != nil {
		return err
	}
	if err := f.say(ctx, p.RegistrationStart); err != nil {
		return err
	}

	n, err := f.faces.Register(ctx, user.ID, name)
	if err != nil {
		if rbErr := f.forget(user.ID); rbErr != nil {
			f.logger.Error("registration rollback", "user_id", user.ID, "error", rbErr)
		}
		if !errors.Is(err, errors.ErrValidation) {
			return err
		}
		f.logger.Info("face registration failed", "user_id", user.ID, "usable", n)
		return f.say(ctx, p.RegistrationFailed)
	}

	image, err := firstImage(f.faces.UserDir(user.ID))
	if err == nil {
		_, err = f.cloud.RegisterVisitor(ctx, image, name, user.ID, model.PermissionAllowed)
	}
	if err != nil {
		f.logger.Error("cloud registration failed", "user_id", user.ID, "error", err)
		if rbErr := f.forget(user.ID); rbErr != nil {
			f.logger.Error("registration rollback", "user_id", user.ID, "error", rbErr)
		}
		return f.say(ctx, p.CloudRegisterFail)
	}

	f.event(model.EventVisitorRegistered, "new visitor registered", map[string]any{
		"user_id": user.ID,
		"name":    name,
		"images":  n,
	})
	if err := f.say(ctx, p.RegistrationDone); err != nil {
		return err
	}
	return f.offerMessage(ctx, user.ID)
}

// askName asks for the visitor's name until one is confirmed. It returns ""
// when every try failed.
func (f *VisitorFlow) askName(ctx context.Context) (string, error) {
	p := f.phrases.Visitor
	for try := 1; try <= f.cfg.NameAttempts; try++ {
		heard, err := f.voice.AskQuestion(ctx, p.AskName, f.maxListen, 1)
		if err != nil {
			return "", err
		}
		name := titleCase(heard)
		if name == "" {
			if try < f.cfg.NameAttempts {
				if err := f.say(ctx, p.NameNotUnderstood); err != nil {
					return "", err
				}
			}
			continue
		}
		ok, err := f.yes(ctx, phrases.Format(p.ConfirmName, name))
		if err != nil {
			return "", err
		}
		if ok {
			return name, nil
		}
		f.logger.Debug("name not confirmed", "try", try, "name", name)
	}
	return "", nil
}

func (f *VisitorFlow) offerMessage(ctx context.Context, userID string) error {
	p := f.phrases.Visitor
	ok, err := f.yes(ctx, p.AskLeaveMessage)
	if err != nil {
		return err
	}
	if !ok {
		return f.say(ctx, p.Farewell)
	}
	return f.recordAndSend(ctx, userID)
}

func (f *VisitorFlow) recordAndSend(ctx context.Context, userID string) error {
	p := f.phrases.Visitor
	path := filepath.Join(f.dataDir, fmt.Sprintf("visitor_message_%s.mp4", userID))

	if err := f.say(ctx, p.RecordingStart); err != nil {
		return err
	}
	if err := f.lights.SetCameraLED(true); err != nil {
		return err
	}
	err := f.recorder.RecordVideoWithAudio(ctx, model.CameraExternal, path, f.cfg.MessageDuration)
	if ledErr := f.lights.SetCameraLED(false); ledErr != nil {
		f.logger.Warn("camera led off", "error", ledErr)
	}
	if err != nil {
		return err
	}

	if err := f.say(ctx, p.Sending); err != nil {
		return err
	}
	if err := f.cloud.SendVideoMessage(ctx, path, userID, f.cfg.MessageDuration); err != nil {
		f.logger.Error("video message not sent", "user_id", userID, "error", err)
		return f.say(ctx, p.MessageFailed)
	}
	f.event(model.EventVisitorMessage, "visitor left a message", map[string]any{
		"user_id":      userID,
		"duration_sec": f.cfg.MessageDuration.Seconds(),
	})
	if err := f.say(ctx, p.MessageSent); err != nil {
		return err
	}
	return f.say(ctx, p.Farewell)
}

func firstImage(dir string) (string, error) {
	images, err := filepath.Glob(filepath.Join(dir, "image_*.jpg"))
	if err != nil {
		return "", err
	}
	if len(images) == 0 {
		return "", errors.Mark(errors.Errorf("no registration image in %s", dir), errors.ErrValidation)
	}
	sort.Strings(images)
	return images[0], nil
}

// titleCase capitalizes each word of a transcribed name.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
