package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/micbridge/micbridge/internal/config"
	"github.com/micbridge/micbridge/internal/eventstore"
	"github.com/micbridge/micbridge/internal/relay"
	"github.com/micbridge/micbridge/internal/stt"
	"github.com/micbridge/micbridge/internal/vocab"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type failingRecognizer struct{}

func (failingRecognizer) Transcribe(context.Context, []byte, int, int) (stt.Hypothesis, error) {
	return stt.Hypothesis{}, errors.New("recognizer crashed")
}

func newService(t *testing.T, relayCfg config.RelayConfig, rec stt.Recognizer) *Service {
	t.Helper()
	if relayCfg.MaxQueueLen == 0 {
		relayCfg.MaxQueueLen = 64
	}
	sttCfg := config.STTConfig{SampleRate: 16000, Channels: 1, MinChunkBytes: 512}
	registry := relay.NewRegistry(context.Background(), relayCfg, vocab.Default(), newLogger())
	t.Cleanup(registry.Close)
	normalizer := vocab.NewNormalizer(vocab.Default())
	return NewService(sttCfg, rec, normalizer, registry, nil, nil, newLogger())
}

func wavChunk(t *testing.T, sampleRate int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunk.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create temp wav: %v", err)
	}
	samples := make([]int, sampleRate/4)
	for i := range samples {
		samples[i] = (i % 128) * 50
	}
	buf := &gaudio.IntBuffer{Format: &gaudio.Format{NumChannels: 1, SampleRate: sampleRate}, Data: samples}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return raw
}

func TestSubmitAudioAcceptsToken(t *testing.T) {
	s := newService(t, config.RelayConfig{}, stt.NewMockRecognizer("ich sehe rot jetzt"))
	ctx := context.Background()
	key := relay.Key("code:session1")

	res := s.SubmitAudio(ctx, key, wavChunk(t, 16000))
	if res.Outcome != AudioAccepted {
		t.Fatalf("expected accepted outcome, got %d", res.Outcome)
	}
	if res.Token != "rot" {
		t.Fatalf("expected token rot, got %q", res.Token)
	}
	if got := s.Poll(ctx, key); !reflect.DeepEqual(got, []string{"rot"}) {
		t.Fatalf("expected poll to drain the token, got %v", got)
	}
}

func TestSubmitAudioResamplesForeignRate(t *testing.T) {
	s := newService(t, config.RelayConfig{}, stt.NewMockRecognizer("blau"))
	res := s.SubmitAudio(context.Background(), relay.Key("code:s"), wavChunk(t, 48000))
	if res.Outcome != AudioAccepted || res.Token != "blau" {
		t.Fatalf("expected accepted blau from 48k input, got %+v", res)
	}
}

func TestSubmitAudioShortChunkIsSilence(t *testing.T) {
	s := newService(t, config.RelayConfig{}, stt.NewMockRecognizer("rot"))
	res := s.SubmitAudio(context.Background(), relay.Key("code:s"), make([]byte, 100))
	if res.Outcome != AudioSilence {
		t.Fatalf("expected silence outcome, got %d", res.Outcome)
	}
	if got := s.Poll(context.Background(), relay.Key("code:s")); len(got) != 0 {
		t.Fatalf("silence must queue nothing, got %v", got)
	}
}

func TestSubmitAudioDecodeFailure(t *testing.T) {
	s := newService(t, config.RelayConfig{}, stt.NewMockRecognizer("rot"))
	garbage := make([]byte, 2048)
	for i := range garbage {
		garbage[i] = byte(i * 13)
	}
	res := s.SubmitAudio(context.Background(), relay.Key("code:s"), garbage)
	if res.Outcome != AudioDecodeFailed {
		t.Fatalf("expected decode failure outcome, got %d", res.Outcome)
	}
}

func TestSubmitAudioRecognizerFailureIsNoHypothesis(t *testing.T) {
	s := newService(t, config.RelayConfig{}, failingRecognizer{})
	res := s.SubmitAudio(context.Background(), relay.Key("code:s"), wavChunk(t, 16000))
	if res.Outcome != AudioNoHypothesis {
		t.Fatalf("expected no-hypothesis outcome, got %d", res.Outcome)
	}
}

func TestSubmitAudioEmptyHypothesis(t *testing.T) {
	s := newService(t, config.RelayConfig{}, stt.NewMockRecognizer("   "))
	res := s.SubmitAudio(context.Background(), relay.Key("code:s"), wavChunk(t, 16000))
	if res.Outcome != AudioNoHypothesis {
		t.Fatalf("expected no-hypothesis outcome, got %d", res.Outcome)
	}
}

func TestSubmitAudioNoVocabularyMatch(t *testing.T) {
	s := newService(t, config.RelayConfig{}, stt.NewMockRecognizer("hallo welt"))
	res := s.SubmitAudio(context.Background(), relay.Key("code:s"), wavChunk(t, 16000))
	if res.Outcome != AudioNoMatch {
		t.Fatalf("expected no-match outcome, got %d", res.Outcome)
	}
}

func TestSubmitTokensLenient(t *testing.T) {
	s := newService(t, config.RelayConfig{}, stt.NewMockRecognizer(""))
	ctx := context.Background()
	key := relay.Key("code:batch")

	queued := s.SubmitTokens(ctx, key, []string{" Rot ", "", "blau"})
	if queued != 2 {
		t.Fatalf("expected 2 tokens queued, got %d", queued)
	}
	if got := s.Poll(ctx, key); !reflect.DeepEqual(got, []string{"rot", "blau"}) {
		t.Fatalf("unexpected poll result: %v", got)
	}
}

func TestSubmitTokensStrict(t *testing.T) {
	s := newService(t, config.RelayConfig{Strict: true}, stt.NewMockRecognizer(""))
	ctx := context.Background()
	key := relay.Key("code:batch")

	queued := s.SubmitTokens(ctx, key, []string{"rot", "nonsense", "gelb"})
	if queued != 2 {
		t.Fatalf("expected strict mode to queue 2 tokens, got %d", queued)
	}
	if got := s.Poll(ctx, key); !reflect.DeepEqual(got, []string{"rot", "gelb"}) {
		t.Fatalf("unexpected poll result: %v", got)
	}
}

func newStoreBackedService(t *testing.T, relayCfg config.RelayConfig) (*Service, *eventstore.Store) {
	t.Helper()
	if relayCfg.MaxQueueLen == 0 {
		relayCfg.MaxQueueLen = 64
	}
	storeCfg := config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}
	store, err := eventstore.Open(context.Background(), storeCfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sttCfg := config.STTConfig{SampleRate: 16000, Channels: 1, MinChunkBytes: 512}
	registry := relay.NewRegistry(context.Background(), relayCfg, vocab.Default(), newLogger())
	t.Cleanup(registry.Close)
	normalizer := vocab.NewNormalizer(vocab.Default())
	return NewService(sttCfg, stt.NewMockRecognizer(""), normalizer, registry, store, nil, newLogger()), store
}

func TestSubmitTokensStrictAuditsOnlyQueued(t *testing.T) {
	s, store := newStoreBackedService(t, config.RelayConfig{Strict: true})
	ctx := context.Background()
	key := relay.Key("code:audited")

	if queued := s.SubmitTokens(ctx, key, []string{"rot", "nonsense"}); queued != 1 {
		t.Fatalf("expected 1 token queued, got %d", queued)
	}

	events, err := store.ListKeyEvents(ctx, string(key), 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events))
	}
	// The skipped token was never queued, so it must not be recorded.
	if events[0].Type != eventstore.EventTokenPushed || events[0].Token != "rot" || events[0].Count != 1 {
		t.Fatalf("unexpected audit event: %+v", events[0])
	}
}

func TestEvictionIsAudited(t *testing.T) {
	s, store := newStoreBackedService(t, config.RelayConfig{MaxQueueLen: 1})
	ctx := context.Background()
	key := relay.Key("code:crowded")

	if queued := s.SubmitTokens(ctx, key, []string{"rot", "blau"}); queued != 2 {
		t.Fatalf("expected 2 tokens queued, got %d", queued)
	}
	if got := s.Poll(ctx, key); !reflect.DeepEqual(got, []string{"blau"}) {
		t.Fatalf("expected only the newest token to survive, got %v", got)
	}

	events, err := store.ListKeyEvents(ctx, string(key), 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var evictions int
	for _, e := range events {
		if e.Type == eventstore.EventTokenEvicted {
			evictions += e.Count
		}
	}
	if evictions != 1 {
		t.Fatalf("expected 1 evicted token in the audit log, got %d", evictions)
	}
}

func TestEndToEndCapacityScenario(t *testing.T) {
	s := newService(t, config.RelayConfig{MaxQueueLen: 3}, stt.NewMockRecognizer(""))
	ctx := context.Background()
	key := relay.Key("code:session1")

	for _, tok := range []string{"a", "b", "c", "d"} {
		s.SubmitTokens(ctx, key, []string{tok})
	}
	if got := s.Poll(ctx, key); !reflect.DeepEqual(got, []string{"b", "c", "d"}) {
		t.Fatalf("expected [b c d], got %v", got)
	}
	if got := s.Poll(ctx, key); len(got) != 0 {
		t.Fatalf("expected empty second poll, got %v", got)
	}
}
