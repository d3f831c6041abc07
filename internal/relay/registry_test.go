package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/micbridge/micbridge/internal/config"
	"github.com/micbridge/micbridge/internal/vocab"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRegistry(t *testing.T, cfg config.RelayConfig) *Registry {
	t.Helper()
	if cfg.MaxQueueLen == 0 {
		cfg.MaxQueueLen = 64
	}
	r := NewRegistry(context.Background(), cfg, vocab.Default(), newLogger())
	t.Cleanup(r.Close)
	return r
}

func TestFIFOOrder(t *testing.T) {
	r := newRegistry(t, config.RelayConfig{})
	ctx := context.Background()
	key := Key("code:session1")

	want := []string{"rot", "blau", "gelb"}
	for _, tok := range want {
		r.Push(ctx, key, tok)
	}
	got := r.Drain(ctx, key)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	r := newRegistry(t, config.RelayConfig{MaxQueueLen: 3})
	ctx := context.Background()
	key := Key("code:session1")

	for _, tok := range []string{"a", "b", "c", "d"} {
		r.Push(ctx, key, tok)
	}
	if n := r.Len(key); n != 3 {
		t.Fatalf("expected queue length 3 after overflow, got %d", n)
	}
	got := r.Drain(ctx, key)
	if !reflect.DeepEqual(got, []string{"b", "c", "d"}) {
		t.Fatalf("expected oldest token evicted, got %v", got)
	}
	if got := r.Drain(ctx, key); len(got) != 0 {
		t.Fatalf("expected empty drain after drain, got %v", got)
	}
}

func TestCapacityBoundHeldUnderSustainedPushes(t *testing.T) {
	r := newRegistry(t, config.RelayConfig{MaxQueueLen: 5})
	ctx := context.Background()
	key := Key("code:busy")

	var pushed []string
	for i := 0; i < 23; i++ {
		tok := fmt.Sprintf("tok-%02d", i)
		pushed = append(pushed, tok)
		r.Push(ctx, key, tok)
		if n := r.Len(key); n > 5 {
			t.Fatalf("capacity exceeded: %d", n)
		}
	}
	got := r.Drain(ctx, key)
	if !reflect.DeepEqual(got, pushed[len(pushed)-5:]) {
		t.Fatalf("expected last 5 tokens oldest-first, got %v", got)
	}
}

func TestDrainEmptyIdempotent(t *testing.T) {
	r := newRegistry(t, config.RelayConfig{})
	ctx := context.Background()
	key := Key("code:never-pushed")

	if got := r.Drain(ctx, key); len(got) != 0 {
		t.Fatalf("expected empty drain, got %v", got)
	}
	if got := r.Drain(ctx, key); len(got) != 0 {
		t.Fatalf("expected second drain empty, got %v", got)
	}
	if r.Keys() != 1 {
		t.Fatalf("expected drain to create the queue entry, got %d keys", r.Keys())
	}
}

func TestKeyIsolation(t *testing.T) {
	r := newRegistry(t, config.RelayConfig{})
	ctx := context.Background()

	r.Push(ctx, Key("code:k1"), "rot")
	r.Push(ctx, Key("uid:k1"), "blau")

	if got := r.Drain(ctx, Key("code:k1")); !reflect.DeepEqual(got, []string{"rot"}) {
		t.Fatalf("unexpected drain for code:k1: %v", got)
	}
	if got := r.Drain(ctx, Key("uid:k1")); !reflect.DeepEqual(got, []string{"blau"}) {
		t.Fatalf("unexpected drain for uid:k1: %v", got)
	}
}

func TestPushManyStrictSkipsNonVocabulary(t *testing.T) {
	r := newRegistry(t, config.RelayConfig{MaxQueueLen: 2, Strict: true})
	ctx := context.Background()
	key := Key("code:strict")

	queued, evicted := r.PushMany(ctx, key, []string{"rot", "nonsense", "blau", "gelb"})
	// The skipped token must not appear among the queued ones.
	if !reflect.DeepEqual(queued, []string{"rot", "blau", "gelb"}) {
		t.Fatalf("unexpected queued tokens: %v", queued)
	}
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	got := r.Drain(ctx, key)
	// Capacity 2: rot evicted when gelb arrived; nonsense never occupied a slot.
	if !reflect.DeepEqual(got, []string{"blau", "gelb"}) {
		t.Fatalf("unexpected drain result: %v", got)
	}
}

func TestPushManyLenient(t *testing.T) {
	r := newRegistry(t, config.RelayConfig{MaxQueueLen: 8})
	ctx := context.Background()
	key := Key("code:lenient")

	queued, evicted := r.PushMany(ctx, key, []string{"rot", "nonsense"})
	if !reflect.DeepEqual(queued, []string{"rot", "nonsense"}) {
		t.Fatalf("expected all tokens queued without strict mode, got %v", queued)
	}
	if evicted != 0 {
		t.Fatalf("expected no evictions, got %d", evicted)
	}
	got := r.Drain(ctx, key)
	if !reflect.DeepEqual(got, []string{"rot", "nonsense"}) {
		t.Fatalf("unexpected drain result: %v", got)
	}
}

func TestPushReportsEviction(t *testing.T) {
	r := newRegistry(t, config.RelayConfig{MaxQueueLen: 2})
	ctx := context.Background()
	key := Key("code:evict")

	if got := r.Push(ctx, key, "rot"); got != 0 {
		t.Fatalf("expected no eviction below capacity, got %d", got)
	}
	if got := r.Push(ctx, key, "blau"); got != 0 {
		t.Fatalf("expected no eviction at capacity boundary, got %d", got)
	}
	if got := r.Push(ctx, key, "gelb"); got != 1 {
		t.Fatalf("expected one eviction above capacity, got %d", got)
	}
	if got := r.Drain(ctx, key); !reflect.DeepEqual(got, []string{"blau", "gelb"}) {
		t.Fatalf("unexpected drain result: %v", got)
	}
}

func TestPushWithoutCapacityBound(t *testing.T) {
	// A non-positive maximum disables eviction instead of panicking.
	r := NewRegistry(context.Background(), config.RelayConfig{}, vocab.Default(), newLogger())
	t.Cleanup(r.Close)
	ctx := context.Background()
	key := Key("code:unbounded")

	want := []string{"rot", "blau", "gelb"}
	for _, tok := range want {
		if evicted := r.Push(ctx, key, tok); evicted != 0 {
			t.Fatalf("unexpected eviction with no capacity bound: %d", evicted)
		}
	}
	if got := r.Drain(ctx, key); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected drain result: %v", got)
	}
}

func TestConcurrentPushesNoLossNoDuplication(t *testing.T) {
	const pushers = 32
	r := newRegistry(t, config.RelayConfig{MaxQueueLen: pushers})
	ctx := context.Background()
	key := Key("code:burst")

	var wg sync.WaitGroup
	for i := 0; i < pushers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Push(ctx, key, fmt.Sprintf("tok-%02d", i))
		}(i)
	}
	wg.Wait()

	got := r.Drain(ctx, key)
	if len(got) != pushers {
		t.Fatalf("expected %d tokens, got %d", pushers, len(got))
	}
	seen := make(map[string]bool, pushers)
	for _, tok := range got {
		if seen[tok] {
			t.Fatalf("duplicated token %q", tok)
		}
		seen[tok] = true
	}
}

func TestConcurrentPushAndDrainConsistent(t *testing.T) {
	r := newRegistry(t, config.RelayConfig{MaxQueueLen: 1024})
	ctx := context.Background()
	key := Key("code:race")

	const total = 200
	var wg sync.WaitGroup
	results := make(chan []string, 64)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			r.Push(ctx, key, fmt.Sprintf("tok-%03d", i))
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			results <- r.Drain(ctx, key)
			time.Sleep(time.Millisecond)
		}
	}()
	wg.Wait()
	results <- r.Drain(ctx, key)
	close(results)

	count := 0
	seen := make(map[string]bool)
	for batch := range results {
		for _, tok := range batch {
			if seen[tok] {
				t.Fatalf("token %q observed twice across drains", tok)
			}
			seen[tok] = true
			count++
		}
	}
	if count != total {
		t.Fatalf("expected %d tokens across all drains, got %d", total, count)
	}
}

func TestIdleKeySweep(t *testing.T) {
	cfg := config.RelayConfig{MaxQueueLen: 4, IdleKeyTTLMS: 10, SweepIntervalMS: 100000}
	r := newRegistry(t, cfg)
	ctx := context.Background()

	r.Push(ctx, Key("code:stale"), "rot")
	r.Push(ctx, Key("code:fresh"), "blau")
	time.Sleep(20 * time.Millisecond)
	r.Push(ctx, Key("code:fresh"), "gelb")

	r.sweep(time.Now())

	if r.Keys() != 1 {
		t.Fatalf("expected stale key swept, got %d keys", r.Keys())
	}
	if got := r.Drain(ctx, Key("code:fresh")); len(got) != 2 {
		t.Fatalf("fresh key must survive sweep, got %v", got)
	}
}
