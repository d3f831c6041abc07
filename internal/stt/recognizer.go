package stt

import (
	"context"
)

// Hypothesis captures recognizer output. Text may be empty or noisy; the
// caller decides whether anything usable came back.
type Hypothesis struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (Hypothesis, error)
}
