// Command neobell runs the doorbell controller on the single-board computer.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"neobell/edge/internal/app"
	"neobell/edge/internal/camera"
	"neobell/edge/internal/camera/gstreamer"
	"neobell/edge/internal/config"
	"neobell/edge/internal/face"
	"neobell/edge/internal/flow"
	"neobell/edge/internal/gpio"
	"neobell/edge/internal/iot"
	"neobell/edge/internal/logging"
	"neobell/edge/internal/model"
	"neobell/edge/internal/ocr"
	"neobell/edge/internal/phrases"
	"neobell/edge/internal/rfid"
	"neobell/edge/internal/servo"
	"neobell/edge/internal/speech"
	"neobell/edge/internal/speech/vosk"
	"neobell/edge/internal/store"
)

func main() {
	fx.New(
		fx.StartTimeout(2*time.Minute),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logging.Component(logger, "fx")}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		injectInfra(),
		injectHardware(),
		injectService(),
		injectFlow(),
		fx.Invoke(startDoorbell),
	).Run()
}

func injectInfra() fx.Option {
	return fx.Provide(
		loadConfig,
		newLogger,
		func(cfg config.Config) (phrases.Table, error) {
			return phrases.Load(cfg.Paths.PhrasesFile)
		},
		func(cfg config.Config, logger *slog.Logger) (*store.UserManager, error) {
			return store.Open(cfg.Paths.UsersFile, logging.Component(logger, "users"))
		},
	)
}

func injectHardware() fx.Option {
	return fx.Provide(
		newGPIO,
		func(m *gpio.Manager, cfg config.Config, logger *slog.Logger) *gpio.Service {
			return gpio.NewService(m, cfg.GPIO, logging.Component(logger, "gpio"))
		},
		func(cfg config.Config, logger *slog.Logger) *servo.Service {
			return servo.New(cfg.Servo, logging.Component(logger, "servo"))
		},
		newCameras,
	)
}

func injectService() fx.Option {
	return fx.Provide(
		newTTS,
		newSTT,
		func(tts *speech.TTS, stt *speech.STT, cfg config.Config, table phrases.Table, logger *slog.Logger) *speech.Interaction {
			return speech.NewInteraction(tts, stt, table, cfg.Speech.MaxListen, cfg.Speech.YesNoAttempts, logging.Component(logger, "interaction"))
		},
		newFaceWorker,
		newFaceProcessor,
		newScanner,
		newCloud,
		newRFID,
	)
}

func injectFlow() fx.Option {
	return fx.Provide(
		func(cfg config.Config, lights *gpio.Service, voice *speech.Interaction, faces *face.Processor, users *store.UserManager, cams *camera.Manager, cloud *iot.Client, table phrases.Table, logger *slog.Logger) *flow.VisitorFlow {
			return flow.NewVisitorFlow(cfg.Visitor, cfg.Speech.MaxListen, cfg.Paths, lights, voice, faces, users, cams, cloud, table,
				logging.Component(logger, "visitor"))
		},
		func(cfg config.Config, lights *gpio.Service, voice *speech.Interaction, scanner *ocr.Scanner, hatch *servo.Service, faces *face.Processor, cloud *iot.Client, table phrases.Table, logger *slog.Logger) *flow.DeliveryFlow {
			return flow.NewDeliveryFlow(cfg.Delivery, cfg.Paths, lights, voice, scanner, hatch, faces, cloud, table,
				logging.Component(logger, "delivery"))
		},
		func(cfg config.Config, lights *gpio.Service, voice *speech.Interaction, table phrases.Table, logger *slog.Logger) (app.IntentSource, error) {
			return app.NewIntentSource(cfg, lights, voice, table, logging.Component(logger, "intent"))
		},
		func(cloud *iot.Client, lights *gpio.Service, listener app.Background, intents app.IntentSource, visitor *flow.VisitorFlow, delivery *flow.DeliveryFlow, logger *slog.Logger) *app.Orchestrator {
			return app.NewOrchestrator(cloud, lights, listener, intents, visitor, delivery, logging.Component(logger, "orchestrator"))
		},
	)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	return cfg, cfg.EnsureDirs()
}

func newLogger(lc fx.Lifecycle, cfg config.Config) *slog.Logger {
	l := logging.New(cfg)
	slog.SetDefault(l.Logger)
	lc.Append(fx.StopHook(l.Close))
	return l.Logger
}

func newGPIO(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger) (*gpio.Manager, error) {
	m, err := gpio.NewManager(cfg.GPIO.Outputs(), cfg.GPIO.Inputs(), cfg.GPIO.Consumer, gpio.ChipRequester{}, logging.Component(logger, "gpio"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(m.Close))
	return m, nil
}

func newCameras(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger) *camera.Manager {
	logger = logging.Component(logger, "camera")
	m := camera.NewManager(cfg.Camera, gstreamer.Open, gstreamer.NewEncoder,
		camera.NewFFmpegMuxer(cfg.Camera, cfg.Speech.SampleRate, logger), logger)
	lc.Append(fx.StopHook(m.Close))
	return m
}

func newTTS(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger) *speech.TTS {
	tts := speech.NewTTS(cfg.Speech, logging.Component(logger, "tts"))
	lc.Append(fx.StopHook(tts.Stop))
	return tts
}

func newSTT(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger) (*speech.STT, error) {
	engine, err := vosk.Load(cfg.Speech.ModelPath)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(engine.Close))
	return speech.NewSTT(cfg.Speech, engine, speech.ArecordOpener(cfg.Speech), cfg.Paths.AudioDir, logging.Component(logger, "stt")), nil
}

func newFaceWorker(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger) (*face.Worker, error) {
	w, err := face.StartWorker(context.Background(), cfg.Face.WorkerCommand, cfg.Face.WorkerTimeout, logging.Component(logger, "face-worker"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(w.Close))
	return w, nil
}

func newFaceProcessor(lc fx.Lifecycle, cfg config.Config, cams *camera.Manager, lights *gpio.Service, tts *speech.TTS, worker *face.Worker, users *store.UserManager, table phrases.Table, logger *slog.Logger) *face.Processor {
	p := face.NewProcessor(cfg.Face, cfg.Paths.FacesDir, filepath.Join(cfg.Paths.DataDir, "tmp"), cams, lights, tts, worker, users, table,
		logging.Component(logger, "face"))
	lc.Append(fx.StartHook(p.Load))
	return p
}

func newScanner(cfg config.Config, cams *camera.Manager, logger *slog.Logger) (*ocr.Scanner, error) {
	open := func(id model.CameraID) (ocr.Frames, error) {
		h, err := cams.Acquire(id)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
	return ocr.NewScanner(cfg.OCR, open, logging.Component(logger, "ocr"))
}

func newCloud(cfg config.Config, logger *slog.Logger) *iot.Client {
	logger = logging.Component(logger, "iot")
	return iot.New(cfg.Device.SBCID, cfg.MQTT, cfg.Cloud, iot.NewUploader(cfg.Cloud.UploadTimeout, logger), logger)
}

// newRFID returns nil when the reader is disabled.
func newRFID(cfg config.Config, cloud *iot.Client, lights *gpio.Service, logger *slog.Logger) app.Background {
	if !cfg.RFID.Enabled {
		return nil
	}
	return rfid.NewListener(cfg.RFID, rfid.OpenSerial, cloud, cloud, lights, logging.Component(logger, "rfid"))
}

type doorbellParams struct {
	fx.In
	fx.Lifecycle
	fx.Shutdowner

	Orchestrator *app.Orchestrator
	Logger       *slog.Logger
}

func startDoorbell(p doorbellParams) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Orchestrator.Enter(ctx); err != nil {
				p.Logger.Error("doorbell failed to start", "error", err, "stack", fmt.Sprintf("%+v", err))
				return err
			}
			go func() {
				defer close(done)
				if err := p.Orchestrator.Run(runCtx); err != nil {
					p.Logger.Error("doorbell stopped on fatal error", "error", err, "stack", fmt.Sprintf("%+v", err))
					if shutdownErr := p.Shutdown(fx.ExitCode(1)); shutdownErr != nil {
						p.Logger.Error("shutdown", "error", shutdownErr)
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				p.Logger.Warn("flow still running at shutdown")
			}
			return p.Orchestrator.Exit()
		},
	})
}
