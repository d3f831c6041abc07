package stt

import (
	"context"
)

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns a recognizer that always produces text. Useful
// for tests and for running the relay without a model.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Transcribe(_ context.Context, _ []byte, _ int, _ int) (Hypothesis, error) {
	return Hypothesis{Text: m.text, Confidence: 1}, nil
}
