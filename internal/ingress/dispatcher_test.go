package ingress

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"inventory-core/pkg/errs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type deadLetterLog struct {
	mu      sync.Mutex
	entries []string
}

func (d *deadLetterLog) record(key string, attempts int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, key)
}

func (d *deadLetterLog) keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.entries...)
}

func testConfig() Config {
	return Config{
		ShardCount:     4,
		QueueHigh:      100,
		QueueLow:       25,
		MaxRetries:     3,
		BackoffInitial: time.Millisecond,
		BackoffFactor:  2,
		BackoffMax:     8 * time.Millisecond,
		Deadline:       time.Second,
	}
}

func startDispatcher(t *testing.T, cfg Config, dl DeadLetter) (*Dispatcher, context.CancelFunc) {
	t.Helper()
	d := NewDispatcher(cfg, dl, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, cancel
}

func TestPerKeyOrderPreserved(t *testing.T) {
	t.Parallel()

	dl := &deadLetterLog{}
	d, _ := startDispatcher(t, testConfig(), dl.record)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string][]int)
	var wg sync.WaitGroup

	keys := []string{"book-A", "book-B", "book-C"}
	const perKey = 50

	for i := 0; i < perKey; i++ {
		for _, key := range keys {
			key, i := key, i
			wg.Add(1)
			if err := d.Submit(ctx, key, func(ctx context.Context) error {
				defer wg.Done()
				mu.Lock()
				seen[key] = append(seen[key], i)
				mu.Unlock()
				return nil
			}); err != nil {
				t.Fatal(err)
			}
		}
	}

	wg.Wait()

	for _, key := range keys {
		got := seen[key]
		if len(got) != perKey {
			t.Fatalf("%s: processed %d events, want %d", key, len(got), perKey)
		}
		for i, n := range got {
			if n != i {
				t.Fatalf("%s: event %d processed at slot %d, order broken", key, n, i)
			}
		}
	}
}

func TestNotFoundRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	dl := &deadLetterLog{}
	d, _ := startDispatcher(t, testConfig(), dl.record)

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	err := d.Submit(context.Background(), "book-A", func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errs.E("test", errs.NotFound, "not yet")
		}
		close(done)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event never succeeded after retries")
	}

	if len(dl.keys()) != 0 {
		t.Errorf("dead-lettered %v, want none", dl.keys())
	}
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	t.Parallel()

	dl := &deadLetterLog{}
	cfg := testConfig()
	d, _ := startDispatcher(t, cfg, dl.record)

	var mu sync.Mutex
	attempts := 0

	if err := d.Submit(context.Background(), "book-A", func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errs.E("test", errs.NotFound, "never resolves")
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(dl.keys()) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if got := dl.keys(); len(got) != 1 || got[0] != "book-A" {
		t.Fatalf("dead letters = %v, want [book-A]", got)
	}

	mu.Lock()
	defer mu.Unlock()
	// Initial attempt plus MaxRetries.
	if attempts != cfg.MaxRetries+1 {
		t.Errorf("attempts = %d, want %d", attempts, cfg.MaxRetries+1)
	}
}

func TestValidationDeadLettersImmediately(t *testing.T) {
	t.Parallel()

	dl := &deadLetterLog{}
	d, _ := startDispatcher(t, testConfig(), dl.record)

	var mu sync.Mutex
	attempts := 0

	if err := d.Submit(context.Background(), "book-A", func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errs.E("test", errs.Validation, "bad event")
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(dl.keys()) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if len(dl.keys()) != 1 {
		t.Fatal("validation failure must dead-letter")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retries for VALIDATION)", attempts)
	}
}

func TestCongestionWatermarks(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ShardCount = 1
	cfg.QueueHigh = 8
	cfg.QueueLow = 2

	dl := &deadLetterLog{}
	d := NewDispatcher(cfg, dl.record, testLogger())

	// Not running yet: fill the queue to the high watermark.
	release := make(chan struct{})
	ctx := context.Background()
	for i := 0; i < cfg.QueueHigh; i++ {
		if err := d.Submit(ctx, "book-A", func(ctx context.Context) error {
			<-release
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	if !d.Congested() {
		t.Fatal("dispatcher at high watermark must report congested")
	}
	if d.QueuedTotal() != cfg.QueueHigh {
		t.Fatalf("queued = %d, want %d", d.QueuedTotal(), cfg.QueueHigh)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(runCtx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	close(release)

	// Congestion clears only after draining to the low watermark.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d.QueuedTotal() <= cfg.QueueLow {
			// One more submit refreshes the paused flag.
			if err := d.Submit(ctx, "book-A", func(ctx context.Context) error { return nil }); err != nil {
				t.Fatal(err)
			}
			if !d.Congested() {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("congestion never cleared after draining")
}

func TestDeadlineSurfacesTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Deadline = 5 * time.Millisecond
	cfg.MaxRetries = 0

	dl := &deadLetterLog{}
	d, _ := startDispatcher(t, cfg, dl.record)

	if err := d.Submit(context.Background(), "book-A", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(dl.keys()) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("deadline breach never dead-lettered with MaxRetries=0")
}
