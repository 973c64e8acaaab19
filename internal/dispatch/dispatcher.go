// Package dispatch turns due scheduled items into exactly one visible post
// each and records the outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chanpost/internal/domain"
	"chanpost/internal/eventbus"
	"chanpost/internal/guard"
	"chanpost/internal/storage"
	"chanpost/internal/transport"
	"chanpost/pkg/logx"
)

type Config struct {
	BatchSize      int
	Concurrency    int
	MaxAttempts    int
	IdempotencyTTL time.Duration
	MaxWait        time.Duration
	StuckAfter     time.Duration
	ParseMode      string
	DisablePreview bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = guard.DefaultTTL
	}
	if c.MaxWait < 0 {
		c.MaxWait = 0
	} else if c.MaxWait == 0 {
		c.MaxWait = guard.DefaultMaxWait
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 15 * time.Minute
	}
	return c
}

// Store is the persistence the dispatcher needs: the schedule lifecycle plus
// the audit log.
type Store interface {
	storage.ScheduleStore
	AppendAudit(ctx context.Context, o domain.DeliveryOutcome, now time.Time) error
}

type Dispatcher struct {
	mu  sync.RWMutex
	cfg Config

	store  Store
	guard  *guard.Guard
	client transport.Client
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, store Store, g *guard.Guard, client transport.Client, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:    cfg.withDefaults(),
		store:  store,
		guard:  g,
		client: client,
		bus:    bus,
		log:    log.With(logx.String("comp", "dispatch")),
		now:    time.Now,
	}
}

func (d *Dispatcher) Reconfigure(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Schedule validates a new item (content rules and a future scheduled_at)
// and stores it as pending.
func (d *Dispatcher) Schedule(ctx context.Context, it domain.ScheduledItem) (domain.ScheduledItem, error) {
	if err := it.Validate(d.now()); err != nil {
		return domain.ScheduledItem{}, err
	}
	it.Status = domain.StatusPending
	it.Attempts = 0
	return d.store.CreateItem(ctx, it)
}

// ClaimDueItems atomically moves up to limit due items to sending.
func (d *Dispatcher) ClaimDueItems(ctx context.Context, limit int) ([]domain.ScheduledItem, error) {
	return d.store.ClaimDue(ctx, limit, d.now())
}

// RequeueStuckItems resets items stuck in sending for longer than maxAge.
// A non-positive maxAge uses the configured default.
func (d *Dispatcher) RequeueStuckItems(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = d.config().StuckAfter
	}
	n, err := d.store.RequeueStuck(ctx, maxAge, d.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.log.Warn("requeued stuck items", logx.Int("count", n), logx.Duration("max_age", maxAge))
	}
	d.publish(eventbus.TypeRequeueStuck, map[string]any{"count": n, "max_age": maxAge.String()})
	return n, nil
}

// Dispatch sends one claimed item through the guard and records the result.
func (d *Dispatcher) Dispatch(ctx context.Context, it domain.ScheduledItem) domain.DeliveryOutcome {
	out, _ := d.dispatch(ctx, it)
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, it domain.ScheduledItem) (domain.DeliveryOutcome, error) {
	cfg := d.config()
	log := d.log.With(logx.String("item", it.ID), logx.String("dest", it.DestinationChannelID))

	// Outcome writes must land even when the cycle is being cancelled.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := it.CheckContent(); err != nil {
		out := domain.DeliveryOutcome{ItemID: it.ID, Kind: domain.OutcomeInvalid, ErrorReason: err.Error()}
		log.Error("invalid scheduled item", logx.Err(err))
		return d.record(pctx, log, out, d.store.MarkFailed(pctx, it.ID, out.ErrorReason, false, d.now()))
	}

	send := func(ctx context.Context, p transport.Payload) (transport.SendResult, error) {
		return d.client.Send(ctx, it.DestinationChannelID, p)
	}
	res := d.guard.SendWithGuards(ctx, idempotencyKey(it.ID), buildPayload(it, cfg), send, cfg.IdempotencyTTL, cfg.MaxWait)
	out := domain.DeliveryOutcome{
		ItemID:            it.ID,
		Success:           res.Success,
		ExternalMessageID: res.MessageID,
		Duplicate:         res.Duplicate,
		RateLimited:       res.RateLimited,
	}

	switch {
	case res.Success:
		out.Kind = domain.OutcomeSent
		if res.Duplicate {
			out.Kind = domain.OutcomeDuplicate
		}
		_, err := d.store.MarkSent(pctx, it.ID, res.MessageID, d.now())
		if err != nil {
			// The post is live; a later requeue replays through the guard
			// and lands here again as a duplicate.
			log.Error("delivered but not recorded", logx.String("message_id", res.MessageID), logx.Err(err))
		} else {
			log.Info("delivered", logx.String("message_id", res.MessageID), logx.Bool("duplicate", res.Duplicate))
		}
		return d.record(pctx, log, out, err)

	case res.RateLimited:
		out.Kind = domain.OutcomeRateLimited
		out.ErrorReason = reason(res.Err)
		log.Warn("rate-limit budget exhausted", logx.Duration("waited", res.Waited), logx.Err(res.Err))
		return d.record(pctx, log, out, d.store.MarkFailed(pctx, it.ID, out.ErrorReason, true, d.now()))

	case ctx.Err() != nil && interrupted(res.Err):
		// Cancellation says nothing about the item, so no attempt is spent.
		out.Kind = domain.OutcomeTransient
		out.ErrorReason = "interrupted: " + reason(res.Err)
		err := d.store.SetStatus(pctx, it.ID, domain.StatusPending, d.now())
		out.Requeued = err == nil
		log.Info("delivery interrupted, back to pending", logx.Duration("waited", res.Waited), logx.Err(res.Err))
		return d.record(pctx, log, out, err)

	case transport.IsPermanent(res.Err):
		out.Kind = domain.OutcomePermanent
		out.ErrorReason = reason(res.Err)
		log.Warn("permanent delivery failure", logx.Err(res.Err))
		return d.record(pctx, log, out, d.store.MarkFailed(pctx, it.ID, out.ErrorReason, false, d.now()))

	default:
		out.Kind = domain.OutcomeTransient
		out.ErrorReason = reason(res.Err)
		if it.Attempts+1 >= cfg.MaxAttempts {
			out.ErrorReason = fmt.Sprintf("giving up after %d attempts: %s", it.Attempts+1, out.ErrorReason)
			log.Warn("transient failure, attempts exhausted", logx.Int("attempts", it.Attempts+1), logx.Err(res.Err))
			return d.record(pctx, log, out, d.store.MarkFailed(pctx, it.ID, out.ErrorReason, false, d.now()))
		}
		attempts, err := d.store.Requeue(pctx, it.ID, out.ErrorReason, d.now())
		out.Requeued = err == nil
		log.Warn("transient failure, requeued", logx.Int("attempts", attempts), logx.Err(res.Err))
		return d.record(pctx, log, out, err)
	}
}

// record appends the audit row and publishes the outcome. storeErr is the
// status write that preceded it.
func (d *Dispatcher) record(ctx context.Context, log logx.Logger, out domain.DeliveryOutcome, storeErr error) (domain.DeliveryOutcome, error) {
	if storeErr != nil && !errors.Is(storeErr, storage.ErrTransition) {
		log.Error("status update failed", logx.String("kind", string(out.Kind)), logx.Err(storeErr))
	}
	if err := d.store.AppendAudit(ctx, out, d.now()); err != nil {
		log.Warn("audit append failed", logx.Err(err))
		if storeErr == nil {
			storeErr = err
		}
	}
	d.publish(eventbus.TypeDeliveryOutcome, out)
	return out, storeErr
}

func (d *Dispatcher) publish(typ string, data any) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func idempotencyKey(itemID string) string { return "delivery:" + itemID }

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func reason(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// CycleStats summarizes one RunCycle.
type CycleStats struct {
	Claimed     int           `json:"claimed"`
	Sent        int           `json:"sent"`
	Duplicates  int           `json:"duplicates"`
	Failed      int           `json:"failed"`
	RateLimited int           `json:"rate_limited"`
	Requeued    int           `json:"requeued"`
	Invalid     int           `json:"invalid"`
	StoreErrors int           `json:"store_errors"`
	Duration    time.Duration `json:"duration"`
}

func (s *CycleStats) add(o domain.DeliveryOutcome, storeErr error) {
	switch o.Kind {
	case domain.OutcomeSent:
		s.Sent++
	case domain.OutcomeDuplicate:
		s.Sent++
		s.Duplicates++
	case domain.OutcomeInvalid:
		s.Invalid++
		s.Failed++
	case domain.OutcomeRateLimited:
		s.RateLimited++
		s.Failed++
	case domain.OutcomePermanent:
		s.Failed++
	case domain.OutcomeTransient:
		if o.Requeued {
			s.Requeued++
		} else {
			s.Failed++
		}
	}
	if storeErr != nil {
		s.StoreErrors++
	}
}

// RunCycle claims one batch of due items and dispatches them with bounded
// parallelism. Only a failed claim is returned as an error; per-item
// failures are folded into the stats.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleStats, error) {
	start := time.Now()
	cfg := d.config()
	var stats CycleStats

	items, err := d.ClaimDueItems(ctx, cfg.BatchSize)
	if err != nil {
		d.log.Error("claim due items failed", logx.Err(err))
		return stats, fmt.Errorf("claim due items: %w", err)
	}
	stats.Claimed = len(items)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for _, it := range items {
		g.Go(func() error {
			out, serr := d.dispatch(gctx, it)
			mu.Lock()
			stats.add(out, serr)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	stats.Duration = time.Since(start)
	if stats.Claimed > 0 {
		d.log.Info("dispatch cycle finished",
			logx.Int("claimed", stats.Claimed), logx.Int("sent", stats.Sent), logx.Int("duplicates", stats.Duplicates),
			logx.Int("failed", stats.Failed), logx.Int("rate_limited", stats.RateLimited), logx.Int("requeued", stats.Requeued),
			logx.Duration("took", stats.Duration))
	}
	d.publish(eventbus.TypeDispatchCycle, stats)
	return stats, nil
}
