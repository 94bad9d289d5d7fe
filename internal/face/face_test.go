package face

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
	"neobell/edge/internal/logging"
	"neobell/edge/internal/model"
	"neobell/edge/internal/phrases"
)

// fakeCamera writes the shot number into each picture so the embedder can
// tell them apart.
type fakeCamera struct {
	mu        sync.Mutex
	pictures  []string
	recording string
}

func (c *fakeCamera) TakePicture(_ context.Context, _ model.CameraID, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pictures = append(c.pictures, path)
	return os.WriteFile(path, []byte(filepath.Base(path)), 0o644)
}

func (c *fakeCamera) StartBackgroundRecording(_ model.CameraID, path string) error {
	c.recording = path
	return nil
}

func (c *fakeCamera) StopBackgroundRecording() error {
	c.recording = ""
	return nil
}

type fakeFlash struct{ states []bool }

func (f *fakeFlash) SetCameraLED(on bool) error {
	f.states = append(f.states, on)
	return nil
}

type fakeSpeaker struct{ said []string }

func (s *fakeSpeaker) Speak(_ context.Context, text string) error {
	s.said = append(s.said, text)
	return nil
}

type fakeDirectory []model.User

func (d fakeDirectory) Users() []model.User { return d }

// fakeEmbedder answers by file content; unknown content has no face.
type fakeEmbedder struct {
	byContent map[string]Embedding
	calls     int
}

func (e *fakeEmbedder) Embed(_ context.Context, path string) (Embedding, bool, error) {
	e.calls++
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	emb, ok := e.byContent[string(data)]
	return emb, ok, nil
}

func testConfig() config.FaceConfig {
	cfg := config.Default().Face
	cfg.ShotInterval = 0
	return cfg
}

func newTestProcessor(t *testing.T, emb Embedder, users fakeDirectory) (*Processor, *fakeCamera, *fakeFlash, *fakeSpeaker) {
	t.Helper()
	root := t.TempDir()
	cam, flash, sp := &fakeCamera{}, &fakeFlash{}, &fakeSpeaker{}
	p := NewProcessor(testConfig(), filepath.Join(root, "faces"), filepath.Join(root, "scratch"),
		cam, flash, sp, emb, users, phrases.Default(), logging.Discard())
	return p, cam, flash, sp
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, CosineDistance(Embedding{1, 0}, Embedding{2, 0}), 1e-9)
	assert.InDelta(t, 1, CosineDistance(Embedding{1, 0}, Embedding{0, 1}), 1e-9)
	assert.InDelta(t, 2, CosineDistance(Embedding{1, 0}, Embedding{-1, 0}), 1e-9)
	assert.Equal(t, 1.0, CosineDistance(Embedding{1}, Embedding{1, 0}))
	assert.Equal(t, 1.0, CosineDistance(Embedding{0, 0}, Embedding{1, 0}))
}

func TestRegisterStoresUsableShots(t *testing.T) {
	emb := &fakeEmbedder{byContent: map[string]Embedding{
		"image_1.jpg": {1, 0, 0},
		"image_2.jpg": {0.9, 0.1, 0},
		"image_4.jpg": {1, 0.1, 0},
		"image_5.jpg": {1, 0, 0.1},
	}}
	p, cam, flash, sp := newTestProcessor(t, emb, fakeDirectory{{ID: "u1", Name: "Alice"}})

	n, err := p.Register(context.Background(), "u1", "Alice")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Len(t, cam.pictures, 5)
	// flash on shots 2 and 4
	assert.Equal(t, []bool{true, false, true, false}, flash.states)
	assert.Equal(t, "Picture 4 taken.", sp.said[len(sp.said)-1])

	files, err := filepath.Glob(filepath.Join(p.UserDir("u1"), "image_*.jpg"))
	require.NoError(t, err)
	assert.Len(t, files, 4)
	assert.NoFileExists(t, filepath.Join(p.UserDir("u1"), "image_3.jpg"))
	assert.FileExists(t, filepath.Join(p.UserDir("u1"), cacheFile))
}

func TestRegisterFailsBelowMinimum(t *testing.T) {
	emb := &fakeEmbedder{byContent: map[string]Embedding{"image_1.jpg": {1, 0}}}
	p, _, _, _ := newTestProcessor(t, emb, nil)

	n, err := p.Register(context.Background(), "u1", "Alice")
	assert.Equal(t, 1, n)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	id, err := p.IdentifyImage(context.Background(), writeImage(t, "image_1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, model.FaceUnknown, id.Status)
}

func writeImage(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "probe.jpg")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIdentifyStatuses(t *testing.T) {
	emb := &fakeEmbedder{byContent: map[string]Embedding{
		"image_1.jpg": {1, 0},
		"image_2.jpg": {1, 0.05},
		"image_3.jpg": {1, -0.05},
		"image_4.jpg": {1, 0},
		"image_5.jpg": {1, 0},
		"close":       {1, 0.02},
		"stranger":    {0, 1},
	}}
	p, _, _, _ := newTestProcessor(t, emb, fakeDirectory{{ID: "u1", Name: "Alice"}})
	_, err := p.Register(context.Background(), "u1", "Alice")
	require.NoError(t, err)

	id, err := p.IdentifyImage(context.Background(), writeImage(t, "close"))
	require.NoError(t, err)
	assert.Equal(t, model.FaceKnown, id.Status)
	assert.Equal(t, "u1", id.UserID)

	id, err = p.IdentifyImage(context.Background(), writeImage(t, "stranger"))
	require.NoError(t, err)
	assert.Equal(t, model.FaceUnknown, id.Status)
	assert.Empty(t, id.UserID)

	id, err = p.IdentifyImage(context.Background(), writeImage(t, "blurry"))
	require.NoError(t, err)
	assert.Equal(t, model.FaceNone, id.Status)

	p.Forget("u1")
	id, err = p.IdentifyImage(context.Background(), writeImage(t, "close"))
	require.NoError(t, err)
	assert.Equal(t, model.FaceUnknown, id.Status)
}

func TestIdentifyTieBreaksByName(t *testing.T) {
	p, _, _, _ := newTestProcessor(t, &fakeEmbedder{byContent: map[string]Embedding{"probe": {1, 0}}},
		fakeDirectory{{ID: "a-id", Name: "Zoe"}, {ID: "z-id", Name: "Bob"}})
	p.db = map[string][]Embedding{
		"a-id": {{1, 0}},
		"z-id": {{1, 0}},
	}

	for i := 0; i < 10; i++ {
		id, err := p.IdentifyImage(context.Background(), writeImage(t, "probe"))
		require.NoError(t, err)
		assert.Equal(t, "z-id", id.UserID)
	}
}

func TestIdentifyCapturesFromExternalCamera(t *testing.T) {
	p, cam, _, _ := newTestProcessor(t, &fakeEmbedder{}, nil)

	id, err := p.Identify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.FaceNone, id.Status)
	require.Len(t, cam.pictures, 1)
	assert.NoFileExists(t, cam.pictures[0])
}

func TestLoadReusesCache(t *testing.T) {
	emb := &fakeEmbedder{byContent: map[string]Embedding{
		"image_1.jpg": {1, 0},
		"image_2.jpg": {1, 0},
		"image_3.jpg": {1, 0},
		"image_4.jpg": {1, 0},
		"image_5.jpg": {1, 0},
		"probe":       {1, 0},
	}}
	users := fakeDirectory{{ID: "u1", Name: "Alice"}}
	p, _, _, _ := newTestProcessor(t, emb, users)
	_, err := p.Register(context.Background(), "u1", "Alice")
	require.NoError(t, err)

	fresh := NewProcessor(testConfig(), p.dir, p.scratch, &fakeCamera{}, &fakeFlash{}, &fakeSpeaker{},
		emb, users, phrases.Default(), logging.Discard())
	emb.calls = 0
	require.NoError(t, fresh.Load(context.Background()))
	assert.Zero(t, emb.calls)

	// a replaced image is embedded again
	img := filepath.Join(p.UserDir("u1"), "image_2.jpg")
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(img, later, later))
	require.NoError(t, fresh.Load(context.Background()))
	assert.Equal(t, 1, emb.calls)

	id, err := fresh.IdentifyImage(context.Background(), writeImage(t, "probe"))
	require.NoError(t, err)
	assert.Equal(t, model.FaceKnown, id.Status)
}

func TestBackgroundRecordingDelegates(t *testing.T) {
	p, cam, _, _ := newTestProcessor(t, &fakeEmbedder{}, nil)
	require.NoError(t, p.StartBackgroundRecording(model.CameraInternal, "x.mp4"))
	assert.Equal(t, "x.mp4", cam.recording)
	require.NoError(t, p.StopBackgroundRecording())
	assert.Empty(t, cam.recording)
}

// serveWorker answers every frame on r with reply, like the python worker does.
func serveWorker(t *testing.T, r io.Reader, w io.Writer, reply embedResponse) {
	t.Helper()
	go func() {
		for {
			var prefix [4]byte
			if _, err := io.ReadFull(r, prefix[:]); err != nil {
				return
			}
			buf := make([]byte, binary.BigEndian.Uint32(prefix[:]))
			if _, err := io.ReadFull(r, buf); err != nil {
				return
			}
			var req embedRequest
			if msgpack.Unmarshal(buf, &req) != nil || req.Op != "embed" {
				return
			}
			out, _ := msgpack.Marshal(reply)
			binary.BigEndian.PutUint32(prefix[:], uint32(len(out)))
			_, _ = w.Write(prefix[:])
			_, _ = w.Write(out)
		}
	}()
}

func TestCodecPicksBestFace(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	t.Cleanup(func() { reqW.Close(); respW.Close() })
	serveWorker(t, reqR, respW, embedResponse{Faces: []detectedFace{
		{Embedding: []float32{0, 1}, Score: 0.4},
		{Embedding: []float32{1, 0}, Score: 0.9},
	}})

	c := NewCodec(reqW, respR, time.Second)
	emb, ok, err := c.Embed(context.Background(), writeImage(t, "jpeg"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Embedding{1, 0}, emb)
}

func TestCodecNoFace(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	t.Cleanup(func() { reqW.Close(); respW.Close() })
	serveWorker(t, reqR, respW, embedResponse{})

	c := NewCodec(reqW, respR, time.Second)
	_, ok, err := c.Embed(context.Background(), writeImage(t, "jpeg"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCodecTimeoutBreaksStream(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	t.Cleanup(func() { reqW.Close(); respW.Close() })
	go func() { _, _ = io.Copy(io.Discard, reqR) }()

	c := NewCodec(reqW, respR, 50*time.Millisecond)
	_, _, err := c.Embed(context.Background(), writeImage(t, "jpeg"))
	assert.True(t, errors.Is(err, errors.ErrTimeout))

	_, _, err = c.Embed(context.Background(), writeImage(t, "jpeg"))
	assert.True(t, errors.Is(err, errors.ErrTimeout))
}

func TestStartWorkerEmptyCommand(t *testing.T) {
	_, err := StartWorker(context.Background(), nil, time.Second, logging.Discard())
	assert.True(t, errors.Is(err, errors.ErrConfig))
}
