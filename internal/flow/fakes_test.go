package flow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"neobell/edge/internal/model"
	"neobell/edge/internal/ocr"
)

// journal records side effects across fakes in the order they happen.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// indexOf returns the position of the first entry equal to e, or -1.
func (j *journal) indexOf(e string) int {
	for i, x := range j.all() {
		if x == e {
			return i
		}
	}
	return -1
}

type fakeLights struct {
	j       *journal
	state   map[string]bool
	failRed error
}

func newFakeLights(j *journal) *fakeLights {
	return &fakeLights{j: j, state: map[string]bool{}}
}

func (l *fakeLights) set(role string, on bool) error {
	l.state[role] = on
	l.j.add("%s=%v", role, on)
	return nil
}

func (l *fakeLights) SetExternalRedLED(on bool) error {
	if l.failRed != nil {
		return l.failRed
	}
	return l.set("red", on)
}
func (l *fakeLights) SetExternalGreenLED(on bool) error { return l.set("green", on) }
func (l *fakeLights) SetInternalLED(on bool) error      { return l.set("internal", on) }
func (l *fakeLights) SetCameraLED(on bool) error        { return l.set("camera", on) }
func (l *fakeLights) SetExternalLock(on bool) error     { return l.set("lock", on) }

func (l *fakeLights) SafeState() error {
	l.j.add("safe")
	l.state = map[string]bool{"red": true, "green": false, "internal": false, "camera": false, "lock": false, "collect": false}
	return nil
}

// fakeVoice answers questions from scripts and remembers what was said.
type fakeVoice struct {
	j       *journal
	said    []string
	prompts []string
	yesNo   []model.Answer
	answers []string
}

func (v *fakeVoice) Speak(_ context.Context, text string) error {
	v.said = append(v.said, text)
	v.j.add("say %s", text)
	return nil
}

func (v *fakeVoice) AskQuestion(_ context.Context, prompt string, _ time.Duration, _ int) (string, error) {
	v.prompts = append(v.prompts, prompt)
	if len(v.answers) == 0 {
		return "", nil
	}
	a := v.answers[0]
	v.answers = v.answers[1:]
	return a, nil
}

func (v *fakeVoice) AskYesNo(_ context.Context, prompt string) (model.Answer, error) {
	v.prompts = append(v.prompts, prompt)
	if len(v.yesNo) == 0 {
		return model.AnswerNone, nil
	}
	a := v.yesNo[0]
	v.yesNo = v.yesNo[1:]
	return a, nil
}

type fakeFaces struct {
	dir         string
	shots       int
	identified  []model.Identification
	registered  []string
	forgotten   []string
	err         error
	registerErr error
}

func (f *fakeFaces) Identify(context.Context) (model.Identification, error) {
	if f.err != nil {
		return model.Identification{}, f.err
	}
	id := f.identified[0]
	if len(f.identified) > 1 {
		f.identified = f.identified[1:]
	}
	return id, nil
}

func (f *fakeFaces) Register(_ context.Context, userID, _ string) (int, error) {
	f.registered = append(f.registered, userID)
	if err := os.MkdirAll(f.UserDir(userID), 0o755); err != nil {
		return 0, err
	}
	for i := 1; i <= f.shots; i++ {
		if err := os.WriteFile(filepath.Join(f.UserDir(userID), fmt.Sprintf("image_%d.jpg", i)), []byte("jpeg"), 0o644); err != nil {
			return i - 1, err
		}
	}
	return f.shots, f.registerErr
}

func (f *fakeFaces) Forget(userID string) { f.forgotten = append(f.forgotten, userID) }

func (f *fakeFaces) UserDir(userID string) string { return filepath.Join(f.dir, userID) }

type fakeRecorder struct {
	j *journal
}

func (r *fakeRecorder) RecordVideoWithAudio(_ context.Context, id model.CameraID, path string, d time.Duration) error {
	r.j.add("record %s %s %s", id, filepath.Base(path), d)
	return nil
}

func (r *fakeRecorder) StartBackgroundRecording(id model.CameraID, path string) error {
	r.j.add("start recording %s", id)
	return nil
}

func (r *fakeRecorder) StopBackgroundRecording() error {
	r.j.add("stop recording")
	return nil
}

type fakeHatch struct{ j *journal }

func (h *fakeHatch) OpenHatch(context.Context) error {
	h.j.add("hatch open")
	return nil
}

func (h *fakeHatch) CloseHatch(context.Context) error {
	h.j.add("hatch close")
	return nil
}

// fakeScanner offers its scripted codes for a camera to the validator, then
// times out.
type fakeScanner struct {
	codes map[model.CameraID][]string
	calls map[model.CameraID]int
}

func (s *fakeScanner) FindValidatedCode(ctx context.Context, req ocr.Request) ocr.Result {
	if s.calls == nil {
		s.calls = map[model.CameraID]int{}
	}
	s.calls[req.Camera]++
	for _, code := range s.codes[req.Camera] {
		resp, err := req.Verify(ctx, code)
		if err == nil && resp.Accepted() {
			return ocr.Result{Status: ocr.StatusSuccess, Code: code, Response: resp}
		}
		if ctx.Err() != nil {
			return ocr.Result{Status: ocr.StatusError, Err: ctx.Err()}
		}
	}
	for i := 0; i < req.Retries; i++ {
		req.OnTimeout()
	}
	return ocr.Result{Status: ocr.StatusTimeout}
}

type registration struct {
	image, name, userID, level string
}

type fakeCloud struct {
	j           *journal
	permissions map[string]*model.PermissionResponse
	packages    map[string]*model.PackageResponse
	registered  []registration
	messages    []string
	updates     []string
	lookups     []string
}

func (c *fakeCloud) SubmitLog(eventType, _ string, _ map[string]any) error {
	c.j.add("event %s", eventType)
	return nil
}

func (c *fakeCloud) CheckPermissions(_ context.Context, id string) (*model.PermissionResponse, error) {
	p, ok := c.permissions[id]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return p, nil
}

func (c *fakeCloud) RegisterVisitor(_ context.Context, image, name, userID, level string) (string, error) {
	c.registered = append(c.registered, registration{image, name, userID, level})
	return "https://bucket/" + userID, nil
}

func (c *fakeCloud) SendVideoMessage(_ context.Context, path, faceTagID string, _ time.Duration) error {
	c.messages = append(c.messages, faceTagID)
	return nil
}

func (c *fakeCloud) RequestPackageInfo(_ context.Context, kind, value string) (*model.PackageResponse, error) {
	c.lookups = append(c.lookups, kind+":"+value)
	if p, ok := c.packages[value]; ok {
		return p, nil
	}
	return &model.PackageResponse{PackageFound: false}, nil
}

func (c *fakeCloud) UpdatePackageStatus(_ context.Context, id, status string) (*model.StatusUpdateResponse, error) {
	c.updates = append(c.updates, id+"="+status)
	return &model.StatusUpdateResponse{Success: true}, nil
}

func recordSleep(j *journal) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		j.add("sleep %s", d)
		return ctx.Err()
	}
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
}
