package limiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/KOMKZ/go-yogan-quota/logger"
	"github.com/KOMKZ/go-yogan-quota/retry"
	"github.com/KOMKZ/go-yogan-quota/validator"
	"github.com/jonboulle/clockwork"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Notifier broadcasts a local rate limit change to peer instances
type Notifier interface {
	NotifyRateLimitChanged(ctx context.Context, rl RateLimit) error
}

type options struct {
	logger   *logger.CtxZapLogger
	meter    metric.Meter
	tracer   trace.Tracer
	notifier Notifier
	clock    clockwork.Clock
}

// Option coordinator option
type Option func(*options)

// WithLogger sets the logger (default: module "quota")
func WithLogger(l *logger.CtxZapLogger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMeter sets the meter for limiter metrics
func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// WithTracer sets the tracer for Update / CheckAndConsume spans
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithNotifier broadcasts successful updates (e.g. kafka.Publisher)
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithClock overrides the clock used for refill, tests use a fake clock
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// Coordinator owns the registry and the live global buckets of one process.
// Construct one at startup and share it; it has no global state.
type Coordinator struct {
	cfg      Config
	store    Store
	factory  *ProxyFactory
	logger   *logger.CtxZapLogger
	tracer   trace.Tracer
	metrics  *Metrics
	notifier Notifier
	bus      *EventBus
	pool     *ants.Pool
	lookups  singleflight.Group
	clock    clockwork.Clock

	mu       sync.RWMutex // guards registry and live, never held across a store call
	registry *Registry
	live     map[string]*BucketProxy
}

// NewCoordinator validates cfg, checks the store and seeds the preset identifiers.
// An unreachable store is fatal and returned as ErrStoreUnavailable.
func NewCoordinator(ctx context.Context, store Store, cfg Config, opts ...Option) (*Coordinator, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logger.GetLogger("quota")
	}
	if o.tracer == nil {
		o.tracer = tracenoop.NewTracerProvider().Tracer("quota")
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	cfg.ApplyDefaults()
	if err := validator.ValidateRequest(cfg, ErrInvalidConfig); err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(o.meter)
	if err != nil {
		return nil, fmt.Errorf("register quota metrics failed: %w", err)
	}
	store = newInstrumentedStore(store, metrics)

	if err := store.Ping(ctx); err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			return nil, err
		}
		return nil, ErrStoreUnavailable.Wrap(err)
	}

	pool, err := ants.NewPool(cfg.ReconcileWorkers)
	if err != nil {
		return nil, fmt.Errorf("create reconcile pool failed: %w", err)
	}

	c := &Coordinator{
		cfg:   cfg,
		store: store,
		factory: NewProxyFactory(store, FactoryConfig{
			MaxCASAttempts: cfg.MaxCASAttempts,
			KeyTTL:         cfg.KeyTTL,
			Clock:          o.clock,
		}),
		logger:   o.logger,
		tracer:   o.tracer,
		metrics:  metrics,
		notifier: o.notifier,
		bus:      NewEventBus(cfg.EventBusBuffer, o.logger),
		pool:     pool,
		clock:    o.clock,
		registry: NewRegistry(),
		live:     make(map[string]*BucketProxy),
	}

	for _, rl := range cfg.RateLimits() {
		c.install(rl.Identifier, rl.Configuration())
	}

	c.logger.InfoCtx(ctx, "✅ 限流协调器初始化完成",
		zap.Strings("identifiers", c.Identifiers()),
		zap.String("failure_policy", string(cfg.FailurePolicy)))

	return c, nil
}

// install replaces the registry entry and the live global proxy
func (c *Coordinator) install(identifier string, cfg BucketConfiguration) {
	proxy := c.factory.Build(BucketKey(identifier, ""), cfg)

	c.mu.Lock()
	c.registry.Put(identifier, cfg)
	c.live[identifier] = proxy
	c.mu.Unlock()
}

func (c *Coordinator) configuration(identifier string) (BucketConfiguration, error) {
	c.mu.RLock()
	cfg, ok := c.registry.Get(identifier)
	c.mu.RUnlock()
	if !ok {
		return BucketConfiguration{}, ErrUnknownIdentifier.WithData("identifier", identifier)
	}
	return cfg, nil
}

// Configuration returns the registered configuration for identifier
func (c *Coordinator) Configuration(identifier string) (BucketConfiguration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Get(identifier)
}

// Identifiers registered identifiers, sorted
func (c *Coordinator) Identifiers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Identifiers()
}

// Events returns the event bus for subscriptions
func (c *Coordinator) Events() *EventBus {
	return c.bus
}

// Bucket returns the live global proxy of identifier
func (c *Coordinator) Bucket(identifier string) (*BucketProxy, error) {
	c.mu.RLock()
	proxy, ok := c.live[identifier]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownIdentifier.WithData("identifier", identifier)
	}
	return proxy, nil
}

// UserBucket resolves the bucket of (identifier, userID). An existing bucket keeps its
// stored configuration; a new one takes the identifier's current configuration.
// Concurrent lookups of one key share a single read; a caller that gives up stops
// waiting without failing the others.
func (c *Coordinator) UserBucket(ctx context.Context, identifier, userID string) (*BucketProxy, error) {
	current, err := c.configuration(identifier)
	if err != nil {
		return nil, err
	}

	key := BucketKey(identifier, userID)
	ch := c.lookups.DoChan(key, func() (interface{}, error) {
		// not bound to whichever caller started it
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CheckTimeout)
		defer cancel()

		existing, found, err := c.factory.ExistingConfiguration(lookupCtx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			return c.factory.Build(key, current), nil
		}
		if existing != current {
			c.staleConfiguration(lookupCtx, identifier, key, existing, current)
		}
		return c.factory.Build(key, existing), nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*BucketProxy), nil
	}
}

// staleConfiguration a racing Update has not reached this bucket yet; tolerated
func (c *Coordinator) staleConfiguration(ctx context.Context, identifier, key string, stored, current BucketConfiguration) {
	c.logger.WarnCtx(ctx, "stale bucket configuration",
		zap.String("identifier", identifier),
		zap.String("key", key),
		zap.Int64("stored_capacity", stored.Capacity),
		zap.Int64("current_capacity", current.Capacity))
	c.metrics.recordStale(ctx, identifier)
	c.bus.Publish(Event{
		Type:       EventStaleConfiguration,
		Identifier: identifier,
		Key:        key,
		Limit:      stored.Capacity,
		At:         c.clock.Now(),
	})
}

// CheckAndConsume takes one token from the bucket of (identifier, userID);
// an empty userID uses the global bucket
func (c *Coordinator) CheckAndConsume(ctx context.Context, identifier, userID string) (Decision, error) {
	return c.CheckAndConsumeN(ctx, identifier, userID, 1)
}

// CheckAndConsumeN takes n tokens. The check is bounded by check_timeout; store
// failures are retried, then decided by the failure policy (Decision.Degraded).
// Unknown identifiers and caller cancellation are returned as errors.
func (c *Coordinator) CheckAndConsumeN(ctx context.Context, identifier, userID string, n int64) (Decision, error) {
	ctx, span := c.tracer.Start(ctx, "quota.CheckAndConsume", trace.WithAttributes(
		attribute.String("quota.identifier", identifier),
		attribute.Int64("quota.tokens", n),
	))
	defer span.End()

	cfg, err := c.configuration(identifier)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}
	key := BucketKey(identifier, userID)

	checkCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	defer cancel()

	decision, err := withRetry(checkCtx, c, "check", func(ctx context.Context) (Decision, error) {
		proxy, err := c.resolve(ctx, identifier, userID)
		if errors.Is(err, ErrCorruptState) {
			proxy, err = c.repairCorrupt(ctx, identifier, key, cfg, err)
		}
		if err != nil {
			return Decision{}, err
		}
		d, err := proxy.TryConsume(ctx, n)
		if errors.Is(err, ErrCorruptState) {
			if proxy, err = c.repairCorrupt(ctx, identifier, key, cfg, err); err != nil {
				return Decision{}, err
			}
			return proxy.TryConsume(ctx, n)
		}
		return d, err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		if errors.Is(err, ErrUnknownIdentifier) || errors.Is(err, ErrInvalidRateLimit) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Decision{}, err
		}
		span.RecordError(err)
		return c.degrade(ctx, identifier, key, cfg, err), nil
	}

	result := resultAllowed
	eventType := EventAllowed
	if !decision.Allowed {
		result = resultRejected
		eventType = EventRejected
	}
	span.SetAttributes(
		attribute.Bool("quota.allowed", decision.Allowed),
		attribute.Int64("quota.remaining", decision.Remaining),
	)
	c.metrics.recordCheck(ctx, identifier, result)
	c.bus.Publish(Event{
		Type:       eventType,
		Identifier: identifier,
		Key:        key,
		Remaining:  decision.Remaining,
		Limit:      decision.Limit,
		At:         c.clock.Now(),
	})

	return decision, nil
}

func (c *Coordinator) resolve(ctx context.Context, identifier, userID string) (*BucketProxy, error) {
	if userID == "" {
		return c.Bucket(identifier)
	}
	return c.UserBucket(ctx, identifier, userID)
}

// repairCorrupt replaces an undecodable stored bucket with a full one of cfg
func (c *Coordinator) repairCorrupt(ctx context.Context, identifier, key string, cfg BucketConfiguration, cause error) (*BucketProxy, error) {
	c.logger.WarnCtx(ctx, "corrupt bucket state, resetting",
		zap.String("identifier", identifier),
		zap.String("key", key),
		zap.Int64("capacity", cfg.Capacity),
		zap.Error(cause))

	proxy := c.factory.Build(key, cfg)
	if err := proxy.Repair(ctx); err != nil {
		return nil, err
	}
	return proxy, nil
}

func (c *Coordinator) degrade(ctx context.Context, identifier, key string, cfg BucketConfiguration, cause error) Decision {
	decision := Decision{
		Allowed:  c.cfg.FailurePolicy == FailOpen,
		Limit:    cfg.Capacity,
		Degraded: true,
	}

	c.logger.WarnCtx(ctx, "rate limit store failed, applying failure policy",
		zap.String("identifier", identifier),
		zap.String("key", key),
		zap.String("policy", string(c.cfg.FailurePolicy)),
		zap.Error(cause))
	c.metrics.recordCheck(ctx, identifier, resultDegraded)
	c.bus.Publish(Event{
		Type:       EventDegraded,
		Identifier: identifier,
		Key:        key,
		Limit:      cfg.Capacity,
		Err:        cause,
		At:         c.clock.Now(),
	})
	return decision
}

// Update replaces the configuration of identifier and resets every existing bucket
// under it to the new capacity. Buckets without stored state are not created.
// Returns the number of buckets actually rewritten.
func (c *Coordinator) Update(ctx context.Context, identifier string, rl RateLimit) (int64, error) {
	ctx, span := c.tracer.Start(ctx, "quota.Update", trace.WithAttributes(
		attribute.String("quota.identifier", identifier),
	))
	defer span.End()

	rl.Identifier = identifier
	if err := validator.ValidateRequest(rl, ErrInvalidRateLimit); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	next := rl.Configuration()
	c.install(identifier, next)
	c.publishLimitChanged(identifier, next)
	// the registry is committed, peers follow even if reconciling below fails
	c.broadcast(ctx, rl)

	keys, err := withRetry(ctx, c, "scan", func(ctx context.Context) ([]string, error) {
		return c.store.KeysWithPrefix(ctx, identifier)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	c.sharedKeys(ctx, identifier, keys)

	reconciled, err := c.reconcile(ctx, identifier, keys, next)
	c.metrics.recordReconciled(ctx, identifier, reconciled)
	span.SetAttributes(
		attribute.Int("quota.keys", len(keys)),
		attribute.Int64("quota.reconciled", reconciled),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return reconciled, err
	}

	c.logger.InfoCtx(ctx, "rate limit updated",
		zap.String("identifier", identifier),
		zap.Int64("limit", rl.Limit),
		zap.Int64("refill_amount", rl.RefillAmount),
		zap.Duration("refill_interval", rl.RefillInterval),
		zap.Int("keys", len(keys)),
		zap.Int64("reconciled", reconciled))

	return reconciled, nil
}

func (c *Coordinator) broadcast(ctx context.Context, rl RateLimit) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyRateLimitChanged(ctx, rl); err != nil {
		c.logger.WarnCtx(ctx, "broadcast rate limit change failed",
			zap.String("identifier", rl.Identifier),
			zap.Error(err))
	}
}

// sharedKeys warns when the prefix scan of identifier also matched buckets of a
// longer registered identifier; those are rewritten with identifier's configuration
func (c *Coordinator) sharedKeys(ctx context.Context, identifier string, keys []string) {
	for _, other := range c.Identifiers() {
		if other == identifier || !strings.HasPrefix(other, identifier) {
			continue
		}
		matched := 0
		for _, key := range keys {
			if strings.HasPrefix(key, other) {
				matched++
			}
		}
		if matched > 0 {
			c.logger.WarnCtx(ctx, "bucket keys shared with another identifier",
				zap.String("identifier", identifier),
				zap.String("other", other),
				zap.Int("keys", matched))
		}
	}
}

// ApplyRemote installs a change made on a peer instance. The peer already
// reconciled the shared store, so only process-local state is updated.
func (c *Coordinator) ApplyRemote(ctx context.Context, identifier string, rl RateLimit) error {
	rl.Identifier = identifier
	if err := validator.ValidateRequest(rl, ErrInvalidRateLimit); err != nil {
		return err
	}

	next := rl.Configuration()
	if current, ok := c.Configuration(identifier); ok && current == next {
		return nil
	}

	c.install(identifier, next)
	c.publishLimitChanged(identifier, next)
	c.logger.InfoCtx(ctx, "remote rate limit applied",
		zap.String("identifier", identifier),
		zap.Int64("limit", rl.Limit))
	return nil
}

func (c *Coordinator) publishLimitChanged(identifier string, cfg BucketConfiguration) {
	c.bus.Publish(Event{
		Type:       EventLimitChanged,
		Identifier: identifier,
		Key:        BucketKey(identifier, ""),
		Limit:      cfg.Capacity,
		At:         c.clock.Now(),
	})
}

// reconcile rewrites keys on the worker pool; per-key failures are joined
func (c *Coordinator) reconcile(ctx context.Context, identifier string, keys []string, next BucketConfiguration) (int64, error) {
	var (
		wg    sync.WaitGroup
		count atomic.Int64
		errMu sync.Mutex
		errs  []error
	)

	for _, key := range keys {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			replaced, err := c.reconcileKey(ctx, identifier, key, next)
			if err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("reconcile %s: %w", key, err))
				errMu.Unlock()
				return
			}
			if replaced {
				count.Add(1)
			}
		}
		if err := c.pool.Submit(task); err != nil {
			// pool released
			task()
		}
	}
	wg.Wait()

	return count.Load(), errors.Join(errs...)
}

type existingConfiguration struct {
	cfg   BucketConfiguration
	found bool
}

func (c *Coordinator) reconcileKey(ctx context.Context, identifier, key string, next BucketConfiguration) (bool, error) {
	existing, err := withRetry(ctx, c, "read", func(ctx context.Context) (existingConfiguration, error) {
		cfg, found, err := c.factory.ExistingConfiguration(ctx, key)
		return existingConfiguration{cfg: cfg, found: found}, err
	})
	if errors.Is(err, ErrCorruptState) {
		if _, err := c.repairCorrupt(ctx, identifier, key, next, err); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !existing.found {
		return false, nil
	}

	proxy := c.factory.Build(key, existing.cfg)
	before, err := proxy.AvailableTokens(ctx)
	if err != nil {
		return false, err
	}

	replaced, err := withRetry(ctx, c, "replace", func(ctx context.Context) (bool, error) {
		return proxy.ReplaceConfiguration(ctx, next)
	})
	if err != nil || !replaced {
		return false, err
	}

	c.logger.DebugCtx(ctx, "bucket reconciled",
		zap.String("key", key),
		zap.Int64("tokens_before", before),
		zap.Int64("capacity_before", existing.cfg.Capacity),
		zap.Int64("tokens_after", next.Capacity))
	c.bus.Publish(Event{
		Type:       EventReconciled,
		Identifier: identifier,
		Key:        key,
		Remaining:  next.Capacity,
		Limit:      next.Capacity,
		At:         c.clock.Now(),
	})
	return true, nil
}

// Close releases the worker pool and drains the event bus. The store is not closed.
func (c *Coordinator) Close() error {
	c.pool.Release()
	c.bus.Close()
	return nil
}

// Shutdown implements do.ShutdownerWithError
func (c *Coordinator) Shutdown() error {
	return c.Close()
}

// HealthCheck pings the store within check_timeout
func (c *Coordinator) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CheckTimeout)
	defer cancel()
	return c.store.Ping(ctx)
}

// withRetry retries transient store failures and returns the last error on exhaustion
func withRetry[T any](ctx context.Context, c *Coordinator, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := retry.DoWithData(ctx, fn,
		retry.MaxAttempts(c.cfg.Retry.MaxAttempts),
		retry.Backoff(retry.ExponentialBackoff(c.cfg.Retry.BaseDelay)),
		retry.Condition(retry.RetryOnErrors(ErrStoreUnavailable, ErrContention)),
		retry.OnRetry(func(attempt int, err error) {
			c.logger.DebugCtx(ctx, "store operation retried",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}),
	)
	var multiErr *retry.MultiError
	if errors.As(err, &multiErr) {
		return v, multiErr.LastError()
	}
	return v, err
}
