// Package gstreamer implements camera capture and MP4 encoding with GStreamer
// pipelines. It needs the GStreamer runtime and is only linked into the
// device binary.
package gstreamer

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"neobell/edge/internal/camera"
	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
)

var initOnce sync.Once

func initGst() {
	initOnce.Do(func() { gst.Init(nil) })
}

// Capture is a V4L2 camera exposed through an appsink.
type Capture struct {
	pipeline *gst.Pipeline
	sink     *app.Sink
	width    int
	height   int
	frames   chan []byte
}

var _ camera.Device = (*Capture)(nil)

// Open starts v4l2src for /dev/video<index>, converting to RGBA at the configured size.
func Open(index int, cfg config.CameraConfig) (camera.Device, error) {
	initGst()

	desc := fmt.Sprintf(
		"v4l2src device=/dev/video%d ! videoconvert ! videoscale ! "+
			"video/x-raw,format=RGBA,width=%d,height=%d ! "+
			"appsink name=sink sync=false max-buffers=1 drop=true",
		index, cfg.Width, cfg.Height,
	)
	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("create capture pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return nil, fmt.Errorf("find appsink: %w", err)
	}

	c := &Capture{
		pipeline: pipeline,
		sink:     app.SinkFromElement(elem),
		width:    cfg.Width,
		height:   cfg.Height,
		frames:   make(chan []byte, 1),
	}
	c.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: c.onSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("start capture pipeline: %w", err)
	}
	return c, nil
}

func (c *Capture) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	buffer.Unmap()

	// keep only the newest frame
	select {
	case <-c.frames:
	default:
	}
	select {
	case c.frames <- frame:
	default:
	}
	return gst.FlowOK
}

func (c *Capture) Read(ctx context.Context) (image.Image, error) {
	timer := time.NewTimer(3 * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.Mark(errors.New("no frame from camera"), errors.ErrTimeout)
	case data := <-c.frames:
		if len(data) < c.width*c.height*4 {
			return nil, fmt.Errorf("short frame: %d bytes", len(data))
		}
		return &image.RGBA{
			Pix:    data,
			Stride: c.width * 4,
			Rect:   image.Rect(0, 0, c.width, c.height),
		}, nil
	}
}

func (c *Capture) Close() error {
	return c.pipeline.SetState(gst.StateNull)
}

// Encoder pushes RGBA frames through x264 into an MP4 file.
type Encoder struct {
	pipeline *gst.Pipeline
	src      *app.Source
	width    int
	height   int
}

var _ camera.Encoder = (*Encoder)(nil)

// NewEncoder builds appsrc ! videoconvert ! x264enc ! mp4mux ! filesink.
func NewEncoder(path string, width, height, fps int) (camera.Encoder, error) {
	initGst()

	desc := fmt.Sprintf(
		"appsrc name=src is-live=true do-timestamp=true format=time "+
			"caps=video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1 ! "+
			"videoconvert ! video/x-raw,format=I420 ! "+
			"x264enc tune=zerolatency speed-preset=ultrafast ! "+
			"mp4mux ! filesink location=%q",
		width, height, fps, path,
	)
	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("create encoder pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName("src")
	if err != nil {
		return nil, fmt.Errorf("find appsrc: %w", err)
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("start encoder pipeline: %w", err)
	}
	return &Encoder{
		pipeline: pipeline,
		src:      app.SrcFromElement(elem),
		width:    width,
		height:   height,
	}, nil
}

func (e *Encoder) WriteFrame(img image.Image) error {
	rgba := toRGBA(img, e.width, e.height)
	if ret := e.src.PushBuffer(gst.NewBufferFromBytes(rgba.Pix)); ret != gst.FlowOK {
		return fmt.Errorf("push buffer: flow %v", ret)
	}
	return nil
}

// Close sends EOS and waits for mp4mux to write the moov atom.
func (e *Encoder) Close() error {
	defer e.pipeline.SetState(gst.StateNull)

	e.src.EndStream()
	msg := e.pipeline.GetPipelineBus().TimedPopFiltered(5*time.Second, gst.MessageEOS|gst.MessageError)
	if msg == nil {
		return errors.Mark(errors.New("timed out waiting for EOS"), errors.ErrTimeout)
	}
	if msg.Type() == gst.MessageError {
		gerr := msg.ParseError()
		return fmt.Errorf("encoder: %s", gerr.Error())
	}
	return nil
}

func toRGBA(img image.Image, width, height int) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Dx() == width && rgba.Rect.Dy() == height && rgba.Stride == width*4 {
		return rgba
	}
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	b := img.Bounds()
	for y := 0; y < height && y < b.Dy(); y++ {
		for x := 0; x < width && x < b.Dx(); x++ {
			out.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}
