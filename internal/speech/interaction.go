package speech

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"neobell/edge/internal/model"
	"neobell/edge/internal/phrases"
)

// Speaker speaks a sentence to completion.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Transcriber listens for one utterance.
type Transcriber interface {
	TranscribeAudio(ctx context.Context, maxDuration time.Duration) (string, string, error)
}

// Interaction implements the dialog helpers the flows use.
type Interaction struct {
	tts         Speaker
	stt         Transcriber
	phrases     phrases.Table
	maxListen   time.Duration
	yesNoTries  int
	affirmative map[string]struct{}
	negative    map[string]struct{}
	logger      *slog.Logger
}

func NewInteraction(tts Speaker, stt Transcriber, table phrases.Table, maxListen time.Duration, yesNoTries int, logger *slog.Logger) *Interaction {
	return &Interaction{
		tts:         tts,
		stt:         stt,
		phrases:     table,
		maxListen:   maxListen,
		yesNoTries:  yesNoTries,
		affirmative: wordSet(table.YesNo.Affirmative),
		negative:    wordSet(table.YesNo.Negative),
		logger:      logger,
	}
}

func wordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return set
}

// Speak forwards to the TTS engine.
func (i *Interaction) Speak(ctx context.Context, text string) error {
	return i.tts.Speak(ctx, text)
}

// AskQuestion speaks prompt and listens, up to attempts times. It returns the
// lowercased, trimmed answer, or "" when nothing was understood.
func (i *Interaction) AskQuestion(ctx context.Context, prompt string, maxListen time.Duration, attempts int) (string, error) {
	if maxListen <= 0 {
		maxListen = i.maxListen
	}
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := i.tts.Speak(ctx, prompt); err != nil {
			return "", err
		}
		text, _, err := i.stt.TranscribeAudio(ctx, maxListen)
		if err != nil {
			return "", err
		}
		text = strings.ToLower(strings.TrimSpace(text))
		if text != "" {
			i.logger.Debug("answer", "prompt", prompt, "text", text, "attempt", attempt)
			return text, nil
		}
		if attempt < attempts {
			if err := i.tts.Speak(ctx, i.phrases.MainLoop.NotUnderstood); err != nil {
				return "", err
			}
		}
	}
	i.logger.Info("no answer", "prompt", prompt, "attempts", attempts)
	return "", nil
}

// AskYesNo asks prompt until the answer is clearly yes or no.
func (i *Interaction) AskYesNo(ctx context.Context, prompt string) (model.Answer, error) {
	for attempt := 1; attempt <= i.yesNoTries; attempt++ {
		text, err := i.AskQuestion(ctx, prompt, i.maxListen, 1)
		if err != nil {
			return model.AnswerNone, err
		}
		answer, conflict := i.Classify(text)
		if answer != model.AnswerNone {
			return answer, nil
		}
		if attempt == i.yesNoTries {
			break
		}
		next := i.phrases.YesNo.NotUnderstood
		if conflict {
			next = i.phrases.YesNo.Conflict
		}
		if err := i.tts.Speak(ctx, next); err != nil {
			return model.AnswerNone, err
		}
	}
	return model.AnswerNone, nil
}

// Classify maps a transcript onto yes/no. conflict reports that both
// keyword sets matched.
func (i *Interaction) Classify(text string) (answer model.Answer, conflict bool) {
	var yes, no bool
	for _, w := range Words(text) {
		if _, ok := i.affirmative[w]; ok {
			yes = true
		}
		if _, ok := i.negative[w]; ok {
			no = true
		}
	}
	switch {
	case yes && no:
		return model.AnswerNone, true
	case yes:
		return model.AnswerYes, false
	case no:
		return model.AnswerNo, false
	default:
		return model.AnswerNone, false
	}
}

// Words splits text into lowercase words, keeping apostrophes.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
