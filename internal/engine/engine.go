// Package engine is the central orchestrator of the calculation core.
//
// It wires together all subsystems:
//
//  1. The ingress feed consumes the four partitioned streams from the bus.
//  2. Pump loops route each stream onto the shard dispatcher under its
//     partition key (trades and positions by bookId, inventories and
//     contracts by securityId), so per-key work is strictly serialized.
//  3. The position engine feeds the inventory engine through a listener;
//     position batches feed the limit engine's background rebuild.
//  4. The egress publisher emits every change event in publish order.
//  5. A cron job clones entities onto the next business date at end of day.
//
// Lifecycle: New() -> Start() -> [runs until signal] -> Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"inventory-core/internal/config"
	"inventory-core/internal/egress"
	"inventory-core/internal/ingress"
	"inventory-core/internal/inventory"
	"inventory-core/internal/limits"
	"inventory-core/internal/position"
	"inventory-core/internal/refdata"
	"inventory-core/internal/rules"
	"inventory-core/internal/store"
	"inventory-core/pkg/errs"
	"inventory-core/pkg/types"
)

// Core orchestrates all components of the calculation core. It owns the
// lifecycle of every goroutine.
type Core struct {
	cfg    config.Config
	logger *slog.Logger

	store      *store.Store
	refdata    *refdata.Client
	rules      *rules.Engine
	positions  *position.Engine
	inventory  *inventory.Engine
	limits     *limits.Engine
	feed       *ingress.Feed
	dispatcher *ingress.Dispatcher
	publisher  *egress.Publisher
	cron       *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all core components.
func New(cfg config.Config, logger *slog.Logger) (*Core, error) {
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, err
	}

	ref := refdata.NewClient(cfg.RefData, logger)
	ruleEngine := rules.NewEngine(st, logger)
	publisher := egress.NewPublisher(cfg.Bus.EgressURL, logger)

	posEngine := position.NewEngine(st, ref, publisher, logger)
	invEngine := inventory.NewEngine(st, ref, ruleEngine, publisher,
		cfg.Markets.JPCutoffTimeUTC, cfg.Engine.ShardCount, logger)
	limEngine := limits.NewEngine(st, ref, invEngine, publisher,
		cfg.Engine.ShardCount, logger)

	// Every position change flows into inventory derivation and a
	// background limit rebuild for the affected key.
	posEngine.AddListener(invEngine.OnPositionUpdated)
	posEngine.AddListener(func(p types.Position) {
		limEngine.CalculateLimitsAsync([]types.Position{p})
	})

	ctx, cancel := context.WithCancel(context.Background())

	c := &Core{
		cfg:       cfg,
		logger:    logger.With("component", "core"),
		store:     st,
		refdata:   ref,
		rules:     ruleEngine,
		positions: posEngine,
		inventory: invEngine,
		limits:    limEngine,
		feed:      ingress.NewFeed(cfg.Bus.IngressURL, logger),
		publisher: publisher,
		ctx:       ctx,
		cancel:    cancel,
	}

	c.dispatcher = ingress.NewDispatcher(ingress.Config{
		ShardCount:     cfg.Engine.ShardCount,
		QueueHigh:      cfg.Engine.ShardQueueHigh,
		QueueLow:       cfg.Engine.ShardQueueLow,
		MaxRetries:     cfg.Retry.MaxRetries,
		BackoffInitial: cfg.Retry.BackoffInitial,
		BackoffFactor:  cfg.Retry.BackoffFactor,
		BackoffMax:     cfg.Retry.BackoffMax,
		Deadline:       cfg.Engine.DeadlineEventProcessing,
	}, c.deadLetter, logger)

	if cfg.Rollover.Enabled {
		c.cron = cron.New()
		if _, err := c.cron.AddFunc(cfg.Rollover.Schedule, c.runRollover); err != nil {
			cancel()
			st.Close()
			return nil, err
		}
	}

	return c, nil
}

// Start launches all background goroutines: bus feed, publisher, shard
// dispatcher, stream pumps, and the rollover scheduler.
func (c *Core) Start() error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.feed.Run(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("ingress feed error", "error", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.publisher.Run(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("egress publisher error", "error", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatcher.Run(c.ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pumpStreams()
	}()

	if c.cron != nil {
		c.cron.Start()
	}

	c.logger.Info("calculation core started",
		"shards", c.cfg.Engine.ShardCount,
		"markets", c.cfg.Markets.Enabled,
	)
	return nil
}

// Stop gracefully shuts down: stops the scheduler, cancels all contexts,
// waits for goroutines, and closes resources.
func (c *Core) Stop() {
	c.logger.Info("shutting down...")

	if c.cron != nil {
		c.cron.Stop()
	}
	c.cancel()
	c.wg.Wait()

	c.feed.Close()
	c.publisher.Close()
	c.store.Close()

	c.logger.Info("shutdown complete")
}

// pumpStreams routes every inbound event onto the dispatcher under its
// partition key. When the dispatcher is congested the pump stops reading,
// which pauses the feed and, transitively, the bus partitions.
func (c *Core) pumpStreams() {
	for {
		if c.dispatcher.Congested() {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}

		select {
		case <-c.ctx.Done():
			return

		case ev := <-c.feed.TradeEvents():
			c.submit(ev.BookID, func(ctx context.Context) error {
				_, err := c.positions.ProcessTradeEvent(ctx, ev)
				return err
			})

		case ev := <-c.feed.PositionEvents():
			c.submit(ev.BookID, func(ctx context.Context) error {
				_, err := c.positions.ProcessPositionEvent(ctx, ev)
				return err
			})

		case ev := <-c.feed.InventoryEvents():
			c.submit(ev.SecurityIdentifier, func(ctx context.Context) error {
				return c.inventory.ProcessInventoryEvent(ctx, ev)
			})

		case ev := <-c.feed.ContractEvents():
			c.submit(ev.SecurityID, func(ctx context.Context) error {
				return c.inventory.ProcessContractEvent(ctx, ev)
			})
		}
	}
}

func (c *Core) submit(key string, task ingress.Task) {
	if err := c.dispatcher.Submit(c.ctx, key, task); err != nil && c.ctx.Err() == nil {
		c.logger.Error("dispatch failed", "key", key, "error", err)
	}
}

// deadLetter is the terminal sink for events that exhausted retries or
// violated their contract. Structured context goes to the log; a real
// deployment forwards these to the bus's dead-letter topic.
func (c *Core) deadLetter(key string, attempts int, err error) {
	c.logger.Error("event dead-lettered",
		"key", key,
		"attempts", attempts,
		"kind", errs.KindOf(err),
		"error", err,
		"fields", errs.FieldsOf(err),
	)
}

// ————————————————————————————————————————————————————————————————————————
// Synchronous API surface
// ————————————————————————————————————————————————————————————————————————

// Rules exposes the rule engine to the API layer.
func (c *Core) Rules() *rules.Engine { return c.rules }

// Positions exposes the position engine to the API layer.
func (c *Core) Positions() *position.Engine { return c.positions }

// Inventory exposes the inventory engine to the API layer.
func (c *Core) Inventory() *inventory.Engine { return c.inventory }

// RefData exposes the reference-data client to the API layer.
func (c *Core) RefData() *refdata.Client { return c.refdata }

// Publisher exposes the egress publisher for API event streaming.
func (c *Core) Publisher() *egress.Publisher { return c.publisher }

// ValidateOrder runs the synchronous limit check under its dedicated
// deadline.
func (c *Core) ValidateOrder(ctx context.Context, clientID, auID, securityID string, orderType types.OrderType, qty decimal.Decimal) (bool, error) {
	vctx, cancel := context.WithTimeout(ctx, c.cfg.Engine.DeadlineOrderValidation)
	defer cancel()

	ok, err := c.limits.ValidateOrderAgainstLimits(vctx, clientID, auID, securityID, orderType, qty)
	if err != nil && vctx.Err() != nil && ctx.Err() == nil && !errs.Is(err, errs.Timeout) {
		return false, errs.E("core.ValidateOrder", errs.Timeout, "order validation deadline exceeded", err)
	}
	return ok, err
}

// ConsumeLimit records usage after a successful order execution.
func (c *Core) ConsumeLimit(ctx context.Context, clientID, auID, securityID string, orderType types.OrderType, qty decimal.Decimal) error {
	return c.limits.UpdateLimitUsage(ctx, clientID, auID, securityID, orderType, qty)
}

// Limits exposes the limit engine to the API layer.
func (c *Core) Limits() *limits.Engine { return c.limits }
