package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/micbridge/micbridge/internal/config"
	"github.com/micbridge/micbridge/internal/vocab"
)

// Registry owns one bounded FIFO token queue per relay key. Queues are
// created lazily on first push or drain and, unless an idle TTL is
// configured, live for the rest of the process.
type Registry struct {
	cfg   config.RelayConfig
	vocab vocab.Vocabulary
	log   *slog.Logger

	mu     sync.RWMutex
	queues map[Key]*tokenQueue

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	meter   metric.Meter
	pushed  metric.Int64Counter
	evicted metric.Int64Counter
	drained metric.Int64Counter
}

// tokenQueue is a bounded FIFO sequence for a single key. All mutations on a
// key serialize on its own mutex so different keys never block each other.
type tokenQueue struct {
	mu        sync.Mutex
	tokens    []string
	lastTouch time.Time
}

func NewRegistry(parent context.Context, cfg config.RelayConfig, v vocab.Vocabulary, log *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		cfg:    cfg,
		vocab:  v,
		log:    log.With(slog.String("component", "relay-registry")),
		queues: make(map[Key]*tokenQueue),
		cancel: cancel,
		meter:  otel.Meter("github.com/micbridge/micbridge/internal/relay"),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize relay metrics", slog.String("error", err.Error()))
	}

	if cfg.IdleKeyTTLMS > 0 {
		r.wg.Add(1)
		go r.runSweeper(ctx)
	}
	return r
}

// Close stops the idle-key sweeper, if any. Queued tokens are not flushed.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) initMetrics() error {
	var err error
	if r.pushed, err = r.meter.Int64Counter("micbridge.relay.tokens_pushed"); err != nil {
		return err
	}
	if r.evicted, err = r.meter.Int64Counter("micbridge.relay.tokens_evicted"); err != nil {
		return err
	}
	if r.drained, err = r.meter.Int64Counter("micbridge.relay.tokens_drained"); err != nil {
		return err
	}
	keys, err := r.meter.Int64ObservableGauge("micbridge.relay.keys")
	if err != nil {
		return err
	}
	depth, err := r.meter.Int64ObservableGauge("micbridge.relay.queued_tokens")
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		keyCount, total := r.snapshotSizes()
		obs.ObserveInt64(keys, keyCount)
		obs.ObserveInt64(depth, total)
		return nil
	}, keys, depth)
	return err
}

func (r *Registry) snapshotSizes() (keys int64, queued int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, q := range r.queues {
		q.mu.Lock()
		queued += int64(len(q.tokens))
		q.mu.Unlock()
	}
	return int64(len(r.queues)), queued
}

func (r *Registry) queueFor(key Key) *tokenQueue {
	r.mu.RLock()
	q := r.queues[key]
	r.mu.RUnlock()
	if q != nil {
		return q
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q = r.queues[key]; q == nil {
		q = &tokenQueue{lastTouch: time.Now()}
		r.queues[key] = q
	}
	return q
}

// Push appends token to the key's queue. When the queue is already at
// capacity the oldest token is evicted first, so the length never exceeds
// the configured maximum, even transiently. Returns the number of tokens
// evicted (0 or 1).
func (r *Registry) Push(ctx context.Context, key Key, token string) int {
	q := r.queueFor(key)
	q.mu.Lock()
	evicted := q.push(token, r.cfg.MaxQueueLen)
	q.lastTouch = time.Now()
	q.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("channel", string(key.Channel())))
	if r.pushed != nil {
		r.pushed.Add(ctx, 1, attrs)
	}
	if evicted > 0 && r.evicted != nil {
		r.evicted.Add(ctx, int64(evicted), attrs)
	}
	return evicted
}

// PushMany applies the per-token capacity rule to each token in input order.
// In strict mode tokens outside the vocabulary are skipped; they occupy no
// capacity and trigger no eviction. Returns the tokens actually queued, in
// order, and the number of evictions their appends caused.
func (r *Registry) PushMany(ctx context.Context, key Key, tokens []string) (queued []string, evicted int) {
	q := r.queueFor(key)
	q.mu.Lock()
	for _, token := range tokens {
		if r.cfg.Strict && !r.vocab.Contains(token) {
			continue
		}
		evicted += q.push(token, r.cfg.MaxQueueLen)
		queued = append(queued, token)
	}
	q.lastTouch = time.Now()
	q.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("channel", string(key.Channel())))
	if len(queued) > 0 && r.pushed != nil {
		r.pushed.Add(ctx, int64(len(queued)), attrs)
	}
	if evicted > 0 && r.evicted != nil {
		r.evicted.Add(ctx, int64(evicted), attrs)
	}
	return queued, evicted
}

// push assumes q.mu is held. Returns the number of evictions (0 or 1).
// A non-positive max disables the capacity bound.
func (q *tokenQueue) push(token string, max int) int {
	evicted := 0
	if max > 0 && len(q.tokens) >= max {
		copy(q.tokens, q.tokens[1:])
		q.tokens = q.tokens[:len(q.tokens)-1]
		evicted = 1
	}
	q.tokens = append(q.tokens, token)
	return evicted
}

// Drain atomically removes and returns all queued tokens for key in FIFO
// order. Draining an untouched key creates its (empty) queue and returns an
// empty slice; it is never an error.
func (r *Registry) Drain(ctx context.Context, key Key) []string {
	q := r.queueFor(key)
	q.mu.Lock()
	tokens := q.tokens
	q.tokens = nil
	q.lastTouch = time.Now()
	q.mu.Unlock()

	if len(tokens) > 0 && r.drained != nil {
		r.drained.Add(ctx, int64(len(tokens)),
			metric.WithAttributes(attribute.String("channel", string(key.Channel()))))
	}
	if tokens == nil {
		return []string{}
	}
	return tokens
}

// Len reports the current depth of the key's queue without creating it.
func (r *Registry) Len(key Key) int {
	r.mu.RLock()
	q := r.queues[key]
	r.mu.RUnlock()
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tokens)
}

// Keys reports the number of known relay keys.
func (r *Registry) Keys() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}

func (r *Registry) runSweeper(ctx context.Context) {
	defer r.wg.Done()
	interval := time.Duration(r.cfg.SweepIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep removes keys untouched for longer than the idle TTL. Unpolled tokens
// on an expired key are discarded along with it.
func (r *Registry) sweep(now time.Time) {
	ttl := time.Duration(r.cfg.IdleKeyTTLMS) * time.Millisecond
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, q := range r.queues {
		q.mu.Lock()
		idle := now.Sub(q.lastTouch) > ttl
		dropped := len(q.tokens)
		q.mu.Unlock()
		if idle {
			delete(r.queues, key)
			if dropped > 0 {
				r.log.Debug("expired idle relay key with unpolled tokens",
					slog.String("key", string(key)), slog.Int("dropped", dropped))
			}
		}
	}
}
