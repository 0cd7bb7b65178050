package ingress

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"inventory-core/pkg/errs"
)

// Task is one unit of event work. It runs with the event-processing
// deadline attached and returns an error kind that decides its fate:
// NOT_FOUND, DEPENDENCY and TIMEOUT park for retry, VALIDATION dead-letters
// immediately, anything else dead-letters after logging.
type Task func(ctx context.Context) error

// DeadLetter receives events that exhausted their retries or violated
// their input contract.
type DeadLetter func(key string, attempts int, err error)

// Config tunes the dispatcher.
type Config struct {
	ShardCount     int
	QueueHigh      int // per-shard depth that pauses intake
	QueueLow       int // depth at which intake resumes
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffFactor  float64
	BackoffMax     time.Duration
	Deadline       time.Duration // per-attempt processing budget
}

type item struct {
	key string
	fn  Task
}

// Dispatcher hashes partition keys over a fixed set of shards. Within a
// shard work is strictly sequential, so two events for the same key can
// never reorder; across shards work is concurrent and independent.
type Dispatcher struct {
	cfg        Config
	shards     []chan item
	deadLetter DeadLetter
	logger     *slog.Logger

	pausedMu sync.Mutex
	paused   bool

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Shards start on Run.
func NewDispatcher(cfg Config, dl DeadLetter, logger *slog.Logger) *Dispatcher {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if cfg.QueueHigh <= 0 {
		cfg.QueueHigh = 10000
	}
	if cfg.QueueLow <= 0 || cfg.QueueLow >= cfg.QueueHigh {
		cfg.QueueLow = cfg.QueueHigh / 4
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2
	}

	shards := make([]chan item, cfg.ShardCount)
	for i := range shards {
		shards[i] = make(chan item, cfg.QueueHigh)
	}
	return &Dispatcher{
		cfg:        cfg,
		shards:     shards,
		deadLetter: dl,
		logger:     logger.With("component", "dispatcher"),
	}
}

// Run starts the shard workers and blocks until ctx is cancelled and every
// shard has stopped.
func (d *Dispatcher) Run(ctx context.Context) {
	for i, q := range d.shards {
		d.wg.Add(1)
		go func(shard int, queue chan item) {
			defer d.wg.Done()
			d.runShard(ctx, shard, queue)
		}(i, q)
	}
	<-ctx.Done()
	d.wg.Wait()
}

// Submit enqueues work for a partition key. Blocks when the shard is at its
// high watermark, which transitively pauses the feed's read loop; this is
// the backpressure path.
func (d *Dispatcher) Submit(ctx context.Context, key string, fn Task) error {
	shard := d.shardFor(key)
	select {
	case d.shards[shard] <- item{key: key, fn: fn}:
		d.updatePaused()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Congested reports whether intake is paused. Once any shard reaches the
// high watermark this stays true until every shard drains to the low
// watermark or below.
func (d *Dispatcher) Congested() bool {
	d.pausedMu.Lock()
	defer d.pausedMu.Unlock()
	return d.paused
}

// QueuedTotal returns the work currently queued across all shards.
func (d *Dispatcher) QueuedTotal() int {
	n := 0
	for _, q := range d.shards {
		n += len(q)
	}
	return n
}

func (d *Dispatcher) updatePaused() {
	d.pausedMu.Lock()
	defer d.pausedMu.Unlock()

	if d.paused {
		for _, q := range d.shards {
			if len(q) > d.cfg.QueueLow {
				return
			}
		}
		d.paused = false
		return
	}
	for _, q := range d.shards {
		if len(q) >= d.cfg.QueueHigh {
			d.paused = true
			return
		}
	}
}

func (d *Dispatcher) shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % len(d.shards)
}

// runShard drains one queue sequentially. Retries happen in place: parking
// an event and moving on would let a later event for the same key overtake
// it, so the shard sleeps through the backoff instead.
func (d *Dispatcher) runShard(ctx context.Context, shard int, queue chan item) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-queue:
			d.process(ctx, it)
			d.updatePaused()
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, it item) {
	backoff := d.cfg.BackoffInitial
	attempts := 0

	for {
		attempts++
		err := d.runOnce(ctx, it.fn)
		if err == nil {
			return
		}

		switch errs.KindOf(err) {
		case errs.Validation:
			d.logger.Warn("event violates input contract, dead-lettering",
				"key", it.key,
				"error", err,
				"fields", errs.FieldsOf(err),
			)
			d.deadLetter(it.key, attempts, err)
			return

		case errs.NotFound, errs.Dependency, errs.Timeout:
			if attempts > d.cfg.MaxRetries {
				d.logger.Error("event exhausted retries, dead-lettering",
					"key", it.key,
					"attempts", attempts,
					"error", err,
				)
				d.deadLetter(it.key, attempts, err)
				return
			}
			d.logger.Debug("event parked for retry",
				"key", it.key,
				"attempt", attempts,
				"backoff", backoff,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * d.cfg.BackoffFactor)
			if backoff > d.cfg.BackoffMax {
				backoff = d.cfg.BackoffMax
			}

		default:
			// FATAL and unclassified errors: the shard keeps going, the
			// event does not.
			d.logger.Error("event processing failed",
				"key", it.key,
				"error", err,
			)
			d.deadLetter(it.key, attempts, err)
			return
		}
	}
}

// runOnce applies the per-attempt deadline. In-memory work is allowed to
// finish; the deadline surfaces at I/O boundaries through the context.
func (d *Dispatcher) runOnce(ctx context.Context, fn Task) error {
	if d.cfg.Deadline <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Deadline)
	defer cancel()
	err := fn(attemptCtx)
	if err != nil && attemptCtx.Err() != nil && ctx.Err() == nil && !errs.Is(err, errs.Timeout) {
		return errs.E("ingress.deadline", errs.Timeout, "event processing deadline exceeded", err)
	}
	return err
}
