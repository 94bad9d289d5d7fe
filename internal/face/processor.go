// Package face registers visitors' faces and identifies them later against
// the local face database.
package face

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
	"neobell/edge/internal/model"
	"neobell/edge/internal/phrases"
)

// Camera is the camera pool as seen by the face processor.
type Camera interface {
	TakePicture(ctx context.Context, id model.CameraID, path string) error
	StartBackgroundRecording(id model.CameraID, path string) error
	StopBackgroundRecording() error
}

// Flash toggles the camera LED.
type Flash interface {
	SetCameraLED(on bool) error
}

// Speaker announces registration progress.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Directory resolves user names for tie-breaks.
type Directory interface {
	Users() []model.User
}

const cacheFile = "embeddings.msgpack"

type cacheEntry struct {
	ModTime   int64     `msgpack:"mtime"`
	Embedding []float32 `msgpack:"embedding"`
}

type cache struct {
	Images map[string]cacheEntry `msgpack:"images"`
}

// Processor owns the face database directory.
type Processor struct {
	cfg      config.FaceConfig
	dir      string
	scratch  string
	camera   Camera
	flash    Flash
	speaker  Speaker
	embedder Embedder
	users    Directory
	phrases  phrases.Table
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu sync.RWMutex
	db map[string][]Embedding
}

func NewProcessor(cfg config.FaceConfig, facesDir, scratchDir string, camera Camera, flash Flash, speaker Speaker, embedder Embedder, users Directory, table phrases.Table, logger *slog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		dir:      facesDir,
		scratch:  scratchDir,
		camera:   camera,
		flash:    flash,
		speaker:  speaker,
		embedder: embedder,
		users:    users,
		phrases:  table,
		logger:   logger,
		sleep:    sleepCtx,
		db:       map[string][]Embedding{},
	}
}

// UserDir is the image folder of a user.
func (p *Processor) UserDir(userID string) string {
	return filepath.Join(p.dir, userID)
}

// Load builds the in-memory database for every known user, reusing cached
// embeddings whose image has not changed.
func (p *Processor) Load(ctx context.Context) error {
	db := map[string][]Embedding{}
	for _, u := range p.users.Users() {
		embs, err := p.loadUser(ctx, u.ID)
		if err != nil {
			return err
		}
		if len(embs) > 0 {
			db[u.ID] = embs
		}
	}
	p.mu.Lock()
	p.db = db
	p.mu.Unlock()
	p.logger.Info("face database loaded", "users", len(db))
	return nil
}

func (p *Processor) loadUser(ctx context.Context, userID string) ([]Embedding, error) {
	dir := p.UserDir(userID)
	images, err := filepath.Glob(filepath.Join(dir, "image_*.jpg"))
	if err != nil {
		return nil, err
	}
	sort.Strings(images)

	c := readCache(dir)
	changed := false
	var embs []Embedding
	for _, img := range images {
		info, err := os.Stat(img)
		if err != nil {
			continue
		}
		name := filepath.Base(img)
		if e, ok := c.Images[name]; ok && e.ModTime == info.ModTime().UnixNano() {
			embs = append(embs, e.Embedding)
			continue
		}
		emb, ok, err := p.embedder.Embed(ctx, img)
		if err != nil {
			return nil, errors.Wrapf(err, "embed %s", img)
		}
		if !ok {
			p.logger.Warn("no face in stored image", "path", img)
			continue
		}
		c.Images[name] = cacheEntry{ModTime: info.ModTime().UnixNano(), Embedding: emb}
		embs = append(embs, emb)
		changed = true
	}
	for name := range c.Images {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			delete(c.Images, name)
			changed = true
		}
	}
	if changed {
		if err := writeCache(dir, c); err != nil {
			p.logger.Warn("write embedding cache", "user_id", userID, "error", err)
		}
	}
	return embs, nil
}

func readCache(dir string) cache {
	c := cache{Images: map[string]cacheEntry{}}
	data, err := os.ReadFile(filepath.Join(dir, cacheFile))
	if err != nil {
		return c
	}
	if err := msgpack.Unmarshal(data, &c); err != nil || c.Images == nil {
		return cache{Images: map[string]cacheEntry{}}
	}
	return c
}

func writeCache(dir string, c cache) error {
	data, err := msgpack.Marshal(c)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+cacheFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, cacheFile))
}

// Register photographs the visitor, alternating normal light and flash,
// and keeps the shots in which a face is found. It fails with a validation
// error when fewer than the minimum are usable; the caller cleans up.
func (p *Processor) Register(ctx context.Context, userID, name string) (int, error) {
	dir := p.UserDir(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errors.Wrapf(err, "create %s", dir)
	}

	var embs []Embedding
	c := cache{Images: map[string]cacheEntry{}}
	for shot := 1; shot <= p.cfg.Shots; shot++ {
		if shot > 1 {
			if err := p.sleep(ctx, p.cfg.ShotInterval); err != nil {
				return len(embs), err
			}
		}
		path := filepath.Join(dir, fmt.Sprintf("image_%d.jpg", shot))
		flash := shot%2 == 0
		if err := p.capture(ctx, path, flash); err != nil {
			return len(embs), err
		}

		emb, ok, err := p.embedder.Embed(ctx, path)
		if err != nil {
			return len(embs), errors.Wrapf(err, "embed %s", path)
		}
		if !ok {
			p.logger.Info("registration shot unusable", "user_id", userID, "shot", shot, "flash", flash)
			_ = os.Remove(path)
			continue
		}
		if info, err := os.Stat(path); err == nil {
			c.Images[filepath.Base(path)] = cacheEntry{ModTime: info.ModTime().UnixNano(), Embedding: emb}
		}
		embs = append(embs, emb)
		if err := p.speaker.Speak(ctx, phrases.Format(p.phrases.Visitor.RegistrationShot, fmt.Sprint(len(embs)))); err != nil {
			return len(embs), err
		}
	}

	if len(embs) < p.cfg.MinShots {
		return len(embs), errors.Mark(fmt.Errorf("only %d of %d usable images", len(embs), p.cfg.MinShots), errors.ErrValidation)
	}
	if err := writeCache(dir, c); err != nil {
		p.logger.Warn("write embedding cache", "user_id", userID, "error", err)
	}

	p.mu.Lock()
	p.db[userID] = embs
	p.mu.Unlock()
	p.logger.Info("face registered", "user_id", userID, "name", name, "images", len(embs))
	return len(embs), nil
}

func (p *Processor) capture(ctx context.Context, path string, flash bool) error {
	if flash {
		if err := p.flash.SetCameraLED(true); err != nil {
			return err
		}
		defer func() {
			if err := p.flash.SetCameraLED(false); err != nil {
				p.logger.Warn("camera led off", "error", err)
			}
		}()
	}
	return p.camera.TakePicture(ctx, model.CameraExternal, path)
}

// Forget drops a user from the in-memory database.
func (p *Processor) Forget(userID string) {
	p.mu.Lock()
	delete(p.db, userID)
	p.mu.Unlock()
}

// Identify captures a frame from the external camera and matches it.
func (p *Processor) Identify(ctx context.Context) (model.Identification, error) {
	if err := os.MkdirAll(p.scratch, 0o755); err != nil {
		return model.Identification{}, err
	}
	path := filepath.Join(p.scratch, "identify.jpg")
	if err := p.camera.TakePicture(ctx, model.CameraExternal, path); err != nil {
		return model.Identification{}, err
	}
	defer os.Remove(path)
	return p.IdentifyImage(ctx, path)
}

// IdentifyImage matches the face in the image at path against the database.
func (p *Processor) IdentifyImage(ctx context.Context, path string) (model.Identification, error) {
	emb, ok, err := p.embedder.Embed(ctx, path)
	if err != nil {
		return model.Identification{}, err
	}
	if !ok {
		return model.Identification{Status: model.FaceNone}, nil
	}
	id := p.match(emb)
	p.logger.Info("face identified", "status", id.Status, "user_id", id.UserID, "distance", id.Distance)
	return id, nil
}

func (p *Processor) match(emb Embedding) model.Identification {
	names := map[string]string{}
	for _, u := range p.users.Users() {
		names[u.ID] = u.Name
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	best := model.Identification{Status: model.FaceUnknown, Distance: math.Inf(1)}
	for userID, embs := range p.db {
		for _, known := range embs {
			d := CosineDistance(emb, known)
			switch {
			case d < best.Distance:
				best.UserID, best.Distance = userID, d
			case d == best.Distance && best.UserID != userID && before(names, userID, best.UserID):
				best.UserID = userID
			}
		}
	}
	if best.UserID != "" && best.Distance < p.cfg.Threshold {
		best.Status = model.FaceKnown
		return best
	}
	return model.Identification{Status: model.FaceUnknown, Distance: best.Distance}
}

// before orders two users by name, then id.
func before(names map[string]string, a, b string) bool {
	na, nb := strings.ToLower(names[a]), strings.ToLower(names[b])
	if na != nb {
		return na < nb
	}
	return a < b
}

// CosineDistance is 1 - cos(a, b). Mismatched or zero vectors are at distance 1.
func CosineDistance(a, b Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// StartBackgroundRecording forwards to the camera pool.
func (p *Processor) StartBackgroundRecording(id model.CameraID, path string) error {
	return p.camera.StartBackgroundRecording(id, path)
}

// StopBackgroundRecording forwards to the camera pool.
func (p *Processor) StopBackgroundRecording() error {
	return p.camera.StopBackgroundRecording()
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
