package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"neobell/edge/internal/errors"
)

// Pin identifies a GPIO line by chip index and line offset.
type Pin struct {
	Chip int `koanf:"chip" yaml:"chip"`
	Line int `koanf:"line" yaml:"line"`
}

func (p Pin) String() string {
	return fmt.Sprintf("(%d,%d)", p.Chip, p.Line)
}

// Config lists every tunable parameter of the doorbell controller.
type Config struct {
	Device   DeviceConfig   `koanf:"device" yaml:"device"`
	Log      LogConfig      `koanf:"log" yaml:"log"`
	MQTT     MQTTConfig     `koanf:"mqtt" yaml:"mqtt"`
	Cloud    CloudConfig    `koanf:"cloud" yaml:"cloud"`
	Paths    PathsConfig    `koanf:"paths" yaml:"paths"`
	GPIO     GPIOConfig     `koanf:"gpio" yaml:"gpio"`
	Servo    ServoConfig    `koanf:"servo" yaml:"servo"`
	Camera   CameraConfig   `koanf:"camera" yaml:"camera"`
	Speech   SpeechConfig   `koanf:"speech" yaml:"speech"`
	Face     FaceConfig     `koanf:"face" yaml:"face"`
	OCR      OCRConfig      `koanf:"ocr" yaml:"ocr"`
	RFID     RFIDConfig     `koanf:"rfid" yaml:"rfid"`
	Visitor  VisitorConfig  `koanf:"visitor" yaml:"visitor"`
	Delivery DeliveryConfig `koanf:"delivery" yaml:"delivery"`
	Intent   IntentConfig   `koanf:"intent" yaml:"intent"`
}

type DeviceConfig struct {
	SBCID string `koanf:"sbcId" yaml:"sbcId" validate:"required"`
}

type LogConfig struct {
	Level      string `koanf:"level" yaml:"level" validate:"oneof=debug info warn error"`
	File       string `koanf:"file" yaml:"file"`
	MaxSizeMB  int    `koanf:"maxSizeMB" yaml:"maxSizeMB" validate:"gte=1"`
	MaxBackups int    `koanf:"maxBackups" yaml:"maxBackups" validate:"gte=0"`
}

type TLSConfig struct {
	RootCA     string `koanf:"rootCA" yaml:"rootCA"`
	Cert       string `koanf:"cert" yaml:"cert"`
	PrivateKey string `koanf:"privateKey" yaml:"privateKey"`
}

type MQTTConfig struct {
	Endpoint string `koanf:"endpoint" yaml:"endpoint" validate:"required_without=BrokerURL"`
	Port     int    `koanf:"port" yaml:"port" validate:"gte=1,lte=65535"`
	// BrokerURL replaces endpoint/port/TLS with a plain broker address, e.g. tcp://localhost:1883.
	BrokerURL      string        `koanf:"brokerURL" yaml:"brokerURL"`
	TLS            TLSConfig     `koanf:"tls" yaml:"tls"`
	KeepAlive      time.Duration `koanf:"keepAlive" yaml:"keepAlive" validate:"gt=0"`
	ConnectTimeout time.Duration `koanf:"connectTimeout" yaml:"connectTimeout" validate:"gt=0"`
	RequestTimeout time.Duration `koanf:"requestTimeout" yaml:"requestTimeout" validate:"gt=0"`
}

type CloudConfig struct {
	StatusUpdateIdentifierField string        `koanf:"statusUpdateIdentifierField" yaml:"statusUpdateIdentifierField" validate:"oneof=tracking_number order_id"`
	StatusUpdateIncludeType     bool          `koanf:"statusUpdateIncludeType" yaml:"statusUpdateIncludeType"`
	UploadTimeout               time.Duration `koanf:"uploadTimeout" yaml:"uploadTimeout" validate:"gt=0"`
}

type PathsConfig struct {
	DataDir     string `koanf:"dataDir" yaml:"dataDir" validate:"required"`
	UsersFile   string `koanf:"usersFile" yaml:"usersFile" validate:"required"`
	FacesDir    string `koanf:"facesDir" yaml:"facesDir" validate:"required"`
	CapturesDir string `koanf:"capturesDir" yaml:"capturesDir" validate:"required"`
	AudioDir    string `koanf:"audioDir" yaml:"audioDir" validate:"required"`
	PhrasesFile string `koanf:"phrasesFile" yaml:"phrasesFile"`
}

type GPIOConfig struct {
	Consumer         string `koanf:"consumer" yaml:"consumer" validate:"required"`
	ExternalGreenLED Pin    `koanf:"externalGreenLed" yaml:"externalGreenLed"`
	ExternalRedLED   Pin    `koanf:"externalRedLed" yaml:"externalRedLed"`
	CameraLED        Pin    `koanf:"cameraLed" yaml:"cameraLed"`
	InternalLED      Pin    `koanf:"internalLed" yaml:"internalLed"`
	ExternalLock     Pin    `koanf:"externalLock" yaml:"externalLock"`
	CollectLock      Pin    `koanf:"collectLock" yaml:"collectLock"`
	VisitorButton    *Pin   `koanf:"visitorButton" yaml:"visitorButton,omitempty"`
	DeliveryButton   *Pin   `koanf:"deliveryButton" yaml:"deliveryButton,omitempty"`
	TriggerButton    *Pin   `koanf:"triggerButton" yaml:"triggerButton,omitempty"`
}

// Outputs returns every output pin in declaration order.
func (g GPIOConfig) Outputs() []Pin {
	return []Pin{g.ExternalGreenLED, g.ExternalRedLED, g.CameraLED, g.InternalLED, g.ExternalLock, g.CollectLock}
}

// Inputs returns the configured input pins.
func (g GPIOConfig) Inputs() []Pin {
	var pins []Pin
	for _, p := range []*Pin{g.VisitorButton, g.DeliveryButton, g.TriggerButton} {
		if p != nil {
			pins = append(pins, *p)
		}
	}
	return pins
}

type ServoConfig struct {
	Chip        int           `koanf:"chip" yaml:"chip" validate:"gte=0"`
	Channel     int           `koanf:"channel" yaml:"channel" validate:"gte=0"`
	FrequencyHz int           `koanf:"frequencyHz" yaml:"frequencyHz" validate:"gt=0"`
	ClosedDuty  float64       `koanf:"closedDuty" yaml:"closedDuty" validate:"gt=0,lt=1"`
	OpenDuty    float64       `koanf:"openDuty" yaml:"openDuty" validate:"gt=0,lt=1"`
	Step        float64       `koanf:"step" yaml:"step" validate:"gt=0"`
	StepDelay   time.Duration `koanf:"stepDelay" yaml:"stepDelay"`
	SysfsRoot   string        `koanf:"sysfsRoot" yaml:"sysfsRoot" validate:"required"`
}

type CameraConfig struct {
	ExternalIndex int           `koanf:"externalIndex" yaml:"externalIndex" validate:"gte=0"`
	InternalIndex int           `koanf:"internalIndex" yaml:"internalIndex" validate:"gte=0"`
	Width         int           `koanf:"width" yaml:"width" validate:"gte=1280"`
	Height        int           `koanf:"height" yaml:"height" validate:"gte=720"`
	FPS           int           `koanf:"fps" yaml:"fps" validate:"gt=0"`
	WarmupFrames  int           `koanf:"warmupFrames" yaml:"warmupFrames" validate:"gte=0"`
	JPEGQuality   int           `koanf:"jpegQuality" yaml:"jpegQuality" validate:"gte=1,lte=100"`
	AudioDevice   string        `koanf:"audioDevice" yaml:"audioDevice"`
	FFmpegPath    string        `koanf:"ffmpegPath" yaml:"ffmpegPath" validate:"required"`
	StopTimeout   time.Duration `koanf:"stopTimeout" yaml:"stopTimeout" validate:"gt=0"`
}

type SpeechConfig struct {
	TTSBinary        string        `koanf:"ttsBinary" yaml:"ttsBinary" validate:"required"`
	Voice            string        `koanf:"voice" yaml:"voice"`
	Speed            int           `koanf:"speed" yaml:"speed" validate:"gt=0"`
	Pitch            int           `koanf:"pitch" yaml:"pitch" validate:"gte=0,lte=99"`
	TTSTimeout       time.Duration `koanf:"ttsTimeout" yaml:"ttsTimeout" validate:"gt=0"`
	ModelPath        string        `koanf:"modelPath" yaml:"modelPath"`
	CaptureBinary    string        `koanf:"captureBinary" yaml:"captureBinary" validate:"required"`
	CaptureDevice    string        `koanf:"captureDevice" yaml:"captureDevice"`
	SampleRate       int           `koanf:"sampleRate" yaml:"sampleRate" validate:"gt=0"`
	SilenceThreshold float64       `koanf:"silenceThreshold" yaml:"silenceThreshold" validate:"gt=0"`
	SilenceWindow    time.Duration `koanf:"silenceWindow" yaml:"silenceWindow" validate:"gt=0"`
	MaxListen        time.Duration `koanf:"maxListen" yaml:"maxListen" validate:"gt=0"`
	QuestionAttempts int           `koanf:"questionAttempts" yaml:"questionAttempts" validate:"gte=1"`
	YesNoAttempts    int           `koanf:"yesNoAttempts" yaml:"yesNoAttempts" validate:"gte=1"`
}

type FaceConfig struct {
	Threshold     float64       `koanf:"threshold" yaml:"threshold" validate:"gt=0"`
	Shots         int           `koanf:"shots" yaml:"shots" validate:"gte=1"`
	MinShots      int           `koanf:"minShots" yaml:"minShots" validate:"gte=1,ltefield=Shots"`
	ShotInterval  time.Duration `koanf:"shotInterval" yaml:"shotInterval"`
	WorkerCommand []string      `koanf:"workerCommand" yaml:"workerCommand"`
	WorkerTimeout time.Duration `koanf:"workerTimeout" yaml:"workerTimeout" validate:"gt=0"`
}

type OCRConfig struct {
	ROIFraction       float64       `koanf:"roiFraction" yaml:"roiFraction" validate:"gt=0,lte=1"`
	TargetWidth       int           `koanf:"targetWidth" yaml:"targetWidth" validate:"gt=0"`
	BlurSigma         float64       `koanf:"blurSigma" yaml:"blurSigma" validate:"gte=0"`
	FastDecodeTimeout time.Duration `koanf:"fastDecodeTimeout" yaml:"fastDecodeTimeout" validate:"gt=0"`
	SlowDecodeTimeout time.Duration `koanf:"slowDecodeTimeout" yaml:"slowDecodeTimeout" validate:"gt=0"`
	JoinTimeout       time.Duration `koanf:"joinTimeout" yaml:"joinTimeout" validate:"gt=0"`
	ExtraPatterns     []string      `koanf:"extraPatterns" yaml:"extraPatterns"`
}

type RFIDConfig struct {
	Enabled        bool          `koanf:"enabled" yaml:"enabled"`
	Port           string        `koanf:"port" yaml:"port" validate:"required_if=Enabled true"`
	BaudRate       int           `koanf:"baudRate" yaml:"baudRate" validate:"gt=0"`
	Banner         string        `koanf:"banner" yaml:"banner"`
	PulseDuration  time.Duration `koanf:"pulseDuration" yaml:"pulseDuration" validate:"gt=0"`
	Cooldown       time.Duration `koanf:"cooldown" yaml:"cooldown"`
	ReconnectDelay time.Duration `koanf:"reconnectDelay" yaml:"reconnectDelay" validate:"gt=0"`
	ResetDelay     time.Duration `koanf:"resetDelay" yaml:"resetDelay"`
	StopTimeout    time.Duration `koanf:"stopTimeout" yaml:"stopTimeout" validate:"gt=0"`
}

type VisitorConfig struct {
	RecognitionAttempts int           `koanf:"recognitionAttempts" yaml:"recognitionAttempts" validate:"gte=1"`
	NameAttempts        int           `koanf:"nameAttempts" yaml:"nameAttempts" validate:"gte=1"`
	MessageDuration     time.Duration `koanf:"messageDuration" yaml:"messageDuration" validate:"gt=0"`
}

type DeliveryConfig struct {
	ExternalAttempts int           `koanf:"externalAttempts" yaml:"externalAttempts" validate:"gte=1"`
	ExternalTimeout  time.Duration `koanf:"externalTimeout" yaml:"externalTimeout" validate:"gt=0"`
	ExternalRetries  int           `koanf:"externalRetries" yaml:"externalRetries" validate:"gte=1"`
	DoorUnlock       time.Duration `koanf:"doorUnlock" yaml:"doorUnlock" validate:"gt=0"`
	InternalTimeout  time.Duration `koanf:"internalTimeout" yaml:"internalTimeout" validate:"gt=0"`
	InternalRetries  int           `koanf:"internalRetries" yaml:"internalRetries" validate:"gte=1"`
	InternalAttempts int           `koanf:"internalAttempts" yaml:"internalAttempts" validate:"gte=1"`
	HatchHold        time.Duration `koanf:"hatchHold" yaml:"hatchHold"`
	FastMode         bool          `koanf:"fastMode" yaml:"fastMode"`
}

type IntentConfig struct {
	Mode         string        `koanf:"mode" yaml:"mode" validate:"oneof=button speech"`
	PollInterval time.Duration `koanf:"pollInterval" yaml:"pollInterval" validate:"gt=0"`
}

// Default returns the built-in configuration. Loaded sources are layered on top of it.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:      "info",
			File:       "logs/app.log",
			MaxSizeMB:  5,
			MaxBackups: 5,
		},
		MQTT: MQTTConfig{
			Port:           8883,
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 20 * time.Second,
			RequestTimeout: 15 * time.Second,
		},
		Cloud: CloudConfig{
			StatusUpdateIdentifierField: "tracking_number",
			UploadTimeout:               60 * time.Second,
		},
		Paths: PathsConfig{
			DataDir:     "data",
			UsersFile:   "data/users.json",
			FacesDir:    "data/known_faces_db",
			CapturesDir: "data/captures",
			AudioDir:    "data/audio",
			PhrasesFile: "config/phrases.yaml",
		},
		GPIO: GPIOConfig{
			Consumer:         "neobell",
			ExternalGreenLED: Pin{Chip: 4, Line: 9},
			ExternalRedLED:   Pin{Chip: 4, Line: 5},
			CameraLED:        Pin{Chip: 4, Line: 8},
			InternalLED:      Pin{Chip: 4, Line: 2},
			ExternalLock:     Pin{Chip: 1, Line: 8},
			CollectLock:      Pin{Chip: 4, Line: 12},
			VisitorButton:    &Pin{Chip: 4, Line: 13},
			DeliveryButton:   &Pin{Chip: 4, Line: 14},
		},
		Servo: ServoConfig{
			Chip:        0,
			Channel:     0,
			FrequencyHz: 50,
			ClosedDuty:  0.093,
			OpenDuty:    0.025,
			Step:        0.002,
			StepDelay:   20 * time.Millisecond,
			SysfsRoot:   "/sys/class/pwm",
		},
		Camera: CameraConfig{
			ExternalIndex: 0,
			InternalIndex: 2,
			Width:         1280,
			Height:        720,
			FPS:           20,
			WarmupFrames:  5,
			JPEGQuality:   90,
			AudioDevice:   "USB",
			FFmpegPath:    "ffmpeg",
			StopTimeout:   5 * time.Second,
		},
		Speech: SpeechConfig{
			TTSBinary:        "espeak-ng",
			Voice:            "en-us",
			Speed:            150,
			Pitch:            50,
			TTSTimeout:       30 * time.Second,
			ModelPath:        "models/vosk",
			CaptureBinary:    "arecord",
			CaptureDevice:    "default",
			SampleRate:       48000,
			SilenceThreshold: 500,
			SilenceWindow:    2 * time.Second,
			MaxListen:        7 * time.Second,
			QuestionAttempts: 3,
			YesNoAttempts:    3,
		},
		Face: FaceConfig{
			Threshold:     0.55,
			Shots:         5,
			MinShots:      3,
			ShotInterval:  700 * time.Millisecond,
			WorkerCommand: []string{"models/run_face_worker.sh"},
			WorkerTimeout: 10 * time.Second,
		},
		OCR: OCRConfig{
			ROIFraction:       0.6,
			TargetWidth:       800,
			BlurSigma:         0.8,
			FastDecodeTimeout: 800 * time.Millisecond,
			SlowDecodeTimeout: 3 * time.Second,
			JoinTimeout:       2 * time.Second,
		},
		RFID: RFIDConfig{
			Enabled:        true,
			Port:           "/dev/ttyACM0",
			BaudRate:       115200,
			Banner:         "Aproxime o cartao RFID",
			PulseDuration:  5 * time.Second,
			Cooldown:       2 * time.Second,
			ReconnectDelay: 5 * time.Second,
			ResetDelay:     2 * time.Second,
			StopTimeout:    2 * time.Second,
		},
		Visitor: VisitorConfig{
			RecognitionAttempts: 3,
			NameAttempts:        3,
			MessageDuration:     10 * time.Second,
		},
		Delivery: DeliveryConfig{
			ExternalAttempts: 3,
			ExternalTimeout:  10 * time.Second,
			ExternalRetries:  3,
			DoorUnlock:       14 * time.Second,
			InternalTimeout:  6 * time.Second,
			InternalRetries:  3,
			InternalAttempts: 3,
			HatchHold:        5 * time.Second,
			FastMode:         true,
		},
		Intent: IntentConfig{
			Mode:         "button",
			PollInterval: 50 * time.Millisecond,
		},
	}
}

const (
	defaultConfigFile = "config/neobell.yaml"
	envPrefix         = "NEOBELL_"
)

// envAliases maps the deployment environment variables onto config keys.
var envAliases = map[string]string{
	"CLIENT_ID":        "device.sbcId",
	"AWS_IOT_ENDPOINT": "mqtt.endpoint",
	"PORT":             "mqtt.port",
	"ROOT_CA_PATH":     "mqtt.tls.rootCA",
	"CERT_PATH":        "mqtt.tls.cert",
	"PRIVATE_KEY_PATH": "mqtt.tls.privateKey",
	"LOG_LEVEL":        "log.level",
}

// Load reads .env, the optional YAML file and the environment, layered over Default.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Mark(errors.Wrap(err, "load .env"), errors.ErrConfig)
	}

	path := defaultConfigFile
	if v := os.Getenv(envPrefix + "CONFIG"); v != "" {
		path = v
	}
	return LoadFile(path)
}

// LoadFile is Load without the .env step, reading the YAML file at path if it exists.
func LoadFile(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(defaultsProvider{cfg: Default()}, yaml.Parser()); err != nil {
		return Config{}, errors.Mark(errors.Wrap(err, "load defaults"), errors.ErrConfig)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, errors.Mark(errors.Wrapf(err, "read %s", path), errors.ErrConfig)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, errors.Mark(errors.Wrapf(err, "stat %s", path), errors.ErrConfig)
		}
	}

	known := k.Raw()
	if err := k.Load(env.Provider(".", env.Opt{
		TransformFunc: func(key, value string) (string, any) {
			return envKey(key, known), value
		},
	}), nil); err != nil {
		return Config{}, errors.Mark(errors.Wrap(err, "load env variables"), errors.ErrConfig)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				stringToPinHook(),
			),
			MatchName: func(mapKey, fieldName string) bool {
				return strings.EqualFold(mapKey, fieldName)
			},
		},
	}); err != nil {
		return Config{}, errors.Mark(errors.Wrap(err, "unmarshal config"), errors.ErrConfig)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct constraints and that the TLS material exists when TLS is in use.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid configuration"), errors.ErrConfig)
	}
	if c.MQTT.BrokerURL != "" {
		return nil
	}
	for name, p := range map[string]string{
		"root CA":     c.MQTT.TLS.RootCA,
		"certificate": c.MQTT.TLS.Cert,
		"private key": c.MQTT.TLS.PrivateKey,
	} {
		if p == "" {
			return errors.Mark(errors.Errorf("mqtt %s path is not set", name), errors.ErrConfig)
		}
		if _, err := os.Stat(p); err != nil {
			return errors.Mark(errors.Wrapf(err, "mqtt %s", name), errors.ErrConfig)
		}
	}
	return nil
}

// EnsureDirs creates the data directories the controller writes into.
func (c Config) EnsureDirs() error {
	dirs := []string{c.Paths.DataDir, c.Paths.FacesDir, c.Paths.CapturesDir, c.Paths.AudioDir, filepath.Dir(c.Paths.UsersFile)}
	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return errors.Mark(errors.Wrapf(err, "create %s", d), errors.ErrConfig)
		}
	}
	return nil
}

// envKey maps an environment variable onto a config key, or returns "" to skip it.
func envKey(name string, known map[string]any) string {
	if alias, ok := envAliases[name]; ok {
		return alias
	}
	if !strings.HasPrefix(name, envPrefix) || name == envPrefix+"CONFIG" {
		return ""
	}

	segments := strings.Split(strings.ToLower(strings.TrimPrefix(name, envPrefix)), "_")
	canonical := make([]string, 0, len(segments))
	current := known
	for i := 0; i < len(segments); i++ {
		if segments[i] == "" {
			continue
		}
		// Try the longest run of segments that names an existing key, so
		// NEOBELL_OCR_TARGET_WIDTH resolves to ocr.targetWidth.
		matched := false
		for j := len(segments); j > i; j-- {
			candidate := strings.Join(segments[i:j], "")
			if key, next, ok := findKey(current, candidate); ok {
				canonical = append(canonical, key)
				current = next
				i = j - 1
				matched = true
				break
			}
		}
		if !matched {
			canonical = append(canonical, segments[i])
			current = nil
		}
	}
	return strings.Join(canonical, ".")
}

func findKey(current map[string]any, segment string) (string, map[string]any, bool) {
	needle := normalizeToken(segment)
	for key, value := range current {
		if normalizeToken(key) != needle {
			continue
		}
		child, _ := value.(map[string]any)
		return key, child, true
	}
	return "", nil, false
}

func normalizeToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// stringToPinHook decodes "chip,line" strings, as set from the environment, into a Pin.
func stringToPinHook() mapstructure.DecodeHookFuncType {
	pinType := reflect.TypeOf(Pin{})
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}
		if to != pinType && !(to.Kind() == reflect.Ptr && to.Elem() == pinType) {
			return data, nil
		}
		parts := strings.Split(data.(string), ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("pin %q: want chip,line", data)
		}
		chip, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("pin %q: %w", data, err)
		}
		line, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("pin %q: %w", data, err)
		}
		return map[string]any{"chip": chip, "line": line}, nil
	}
}

// defaultsProvider feeds a Config into koanf as YAML so that env keys can be
// matched against the full key tree.
type defaultsProvider struct {
	cfg Config
}

func (p defaultsProvider) ReadBytes() ([]byte, error) {
	return yamlv3.Marshal(p.cfg)
}

func (p defaultsProvider) Read() (map[string]any, error) {
	return nil, errors.New("defaults provider does not support Read")
}
