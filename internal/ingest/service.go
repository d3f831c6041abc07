package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/micbridge/micbridge/internal/audio"
	"github.com/micbridge/micbridge/internal/bus"
	"github.com/micbridge/micbridge/internal/config"
	"github.com/micbridge/micbridge/internal/eventstore"
	"github.com/micbridge/micbridge/internal/relay"
	"github.com/micbridge/micbridge/internal/stt"
	"github.com/micbridge/micbridge/internal/vocab"
)

// AudioOutcome classifies what happened to one submitted audio chunk. Only
// AudioAccepted queues a token; everything else is still a successful
// request that produced nothing.
type AudioOutcome int

const (
	AudioAccepted AudioOutcome = iota
	AudioSilence
	AudioDecodeFailed
	AudioNoHypothesis
	AudioNoMatch
)

// AudioResult reports the outcome of an audio submission.
type AudioResult struct {
	Outcome AudioOutcome
	Token   string
	TraceID string
}

// Service runs the submission pipeline: decode, recognize, normalize, queue.
type Service struct {
	sttCfg     config.STTConfig
	recognizer stt.Recognizer
	normalizer *vocab.Normalizer
	registry   *relay.Registry
	store      *eventstore.Store
	bus        *bus.Client
	log        *slog.Logger
}

func NewService(sttCfg config.STTConfig, recognizer stt.Recognizer, normalizer *vocab.Normalizer,
	registry *relay.Registry, store *eventstore.Store, busClient *bus.Client, log *slog.Logger) *Service {
	return &Service{
		sttCfg:     sttCfg,
		recognizer: recognizer,
		normalizer: normalizer,
		registry:   registry,
		store:      store,
		bus:        busClient,
		log:        log.With(slog.String("component", "ingest")),
	}
}

// SubmitAudio runs one audio chunk through the pipeline. Decode and
// recognition failures are downgraded to "no token": the request succeeded,
// nothing was queued.
func (s *Service) SubmitAudio(ctx context.Context, key relay.Key, raw []byte) AudioResult {
	traceID := uuid.NewString()

	clip, err := audio.DecodeWAV(raw, s.sttCfg.MinChunkBytes)
	if err != nil {
		if errors.Is(err, audio.ErrTooShort) {
			return AudioResult{Outcome: AudioSilence, TraceID: traceID}
		}
		s.log.Warn("audio decode failed", slog.String("trace_id", traceID), slog.String("error", err.Error()))
		return AudioResult{Outcome: AudioDecodeFailed, TraceID: traceID}
	}

	pcm := clip.PCM
	if clip.SampleRate != s.sttCfg.SampleRate {
		samples := audio.Resample(audio.PCMBytesToInt16(pcm), clip.SampleRate, s.sttCfg.SampleRate)
		pcm = audio.Int16ToBytes(samples)
	}

	hyp, err := s.recognizer.Transcribe(ctx, pcm, s.sttCfg.SampleRate, 1)
	if err != nil {
		// Recognizer failures are opaque; treat as no hypothesis.
		s.log.Warn("transcription failed", slog.String("trace_id", traceID), slog.String("error", err.Error()))
		return AudioResult{Outcome: AudioNoHypothesis, TraceID: traceID}
	}
	if strings.TrimSpace(hyp.Text) == "" {
		return AudioResult{Outcome: AudioNoHypothesis, TraceID: traceID}
	}

	res := s.normalizer.Normalize(hyp.Text)
	if !res.Matched() {
		return AudioResult{Outcome: AudioNoMatch, TraceID: traceID}
	}

	evicted := s.registry.Push(ctx, key, res.Token)
	s.audit(ctx, key, traceID, eventstore.EventTokenPushed, res.Token, 1)
	if evicted > 0 {
		s.audit(ctx, key, traceID, eventstore.EventTokenEvicted, "", evicted)
	}
	s.mirror(key, res.Token, "audio")

	return AudioResult{Outcome: AudioAccepted, Token: res.Token, TraceID: traceID}
}

// SubmitTokens queues pre-normalized literal tokens, the bypass path for
// tests and non-audio clients. Returns how many tokens were queued; in
// strict mode non-vocabulary tokens are dropped silently.
func (s *Service) SubmitTokens(ctx context.Context, key relay.Key, tokens []string) int {
	traceID := uuid.NewString()

	cleaned := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	queued, evicted := s.registry.PushMany(ctx, key, cleaned)
	if len(queued) > 0 {
		s.audit(ctx, key, traceID, eventstore.EventTokenPushed, strings.Join(queued, " "), len(queued))
		for _, t := range queued {
			s.mirror(key, t, "literal")
		}
	}
	if evicted > 0 {
		s.audit(ctx, key, traceID, eventstore.EventTokenEvicted, "", evicted)
	}
	return len(queued)
}

// Poll drains all queued tokens for key in FIFO order.
func (s *Service) Poll(ctx context.Context, key relay.Key) []string {
	tokens := s.registry.Drain(ctx, key)
	if len(tokens) > 0 {
		s.audit(ctx, key, uuid.NewString(), eventstore.EventTokensDrained, "", len(tokens))
	}
	return tokens
}

func (s *Service) audit(ctx context.Context, key relay.Key, traceID, eventType, token string, count int) {
	if s.store == nil {
		return
	}
	if err := s.store.EnsureKey(ctx, string(key), string(key.Channel())); err != nil {
		s.log.Warn("audit key write failed", slog.String("error", err.Error()))
		return
	}
	evt := eventstore.Event{
		RelayKey: string(key),
		TraceID:  traceID,
		Type:     eventType,
		Token:    token,
		Count:    count,
	}
	if err := s.store.AppendEvent(ctx, evt); err != nil {
		s.log.Warn("audit event write failed", slog.String("error", err.Error()))
	}
}

func (s *Service) mirror(key relay.Key, token, source string) {
	if s.bus == nil {
		return
	}
	evt := bus.TokenEvent{
		RelayKey:  string(key),
		Channel:   string(key.Channel()),
		Token:     token,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishTokenAccepted(evt); err != nil {
		s.log.Warn("failed to publish token event", slog.String("error", err.Error()))
	}
}
