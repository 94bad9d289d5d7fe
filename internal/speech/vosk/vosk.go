// Package vosk binds the offline Vosk recognizer to the speech.Engine interface.
package vosk

import (
	"encoding/json"

	vosk "github.com/alphacep/vosk-api/go"

	"neobell/edge/internal/errors"
	"neobell/edge/internal/speech"
)

// Engine holds a loaded Vosk model.
type Engine struct {
	model *vosk.VoskModel
}

// Load reads the model directory at path.
func Load(path string) (*Engine, error) {
	vosk.SetLogLevel(-1)
	model, err := vosk.NewModel(path)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "load vosk model %s", path), errors.ErrConfig)
	}
	return &Engine{model: model}, nil
}

func (e *Engine) NewRecognizer(sampleRate int) (speech.Recognizer, error) {
	rec, err := vosk.NewRecognizer(e.model, float64(sampleRate))
	if err != nil {
		return nil, err
	}
	return &recognizer{rec: rec}, nil
}

func (e *Engine) Close() {
	if e.model != nil {
		e.model.Free()
		e.model = nil
	}
}

type recognizer struct {
	rec *vosk.VoskRecognizer
}

func (r *recognizer) Accept(pcm []byte) error {
	if r.rec.AcceptWaveform(pcm) < 0 {
		return errors.New("vosk rejected waveform")
	}
	return nil
}

func (r *recognizer) Final() (string, error) {
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(r.rec.FinalResult(), &result); err != nil {
		return "", errors.Wrap(err, "decode vosk result")
	}
	return result.Text, nil
}

func (r *recognizer) Close() { r.rec.Free() }
