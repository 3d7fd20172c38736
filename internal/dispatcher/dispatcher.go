// Package dispatcher drains the change log and delivers each changed category
// to its routed endpoint.
//
// A dispatcher wakes on a notification signal or on its sweep timer, claims
// unprocessed entries, delivers every routed category concurrently, records
// one processing-log row per attempt and marks the entry processed. Claims are
// atomic in the store, so any number of dispatchers may share one change log.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	clmodels "changehub/internal/changelog/models"
	"changehub/internal/dispatcher/delivery"
	"changehub/internal/dispatcher/metrics"
	recordmodels "changehub/internal/record/models"
	routingmodels "changehub/internal/routing/models"
	"changehub/pkg/platform/sentinel"
)

// ErrRoutingMiss marks a changed category that has no route. It is logged and
// counted; the entry is still marked processed.
var ErrRoutingMiss = errors.New("no route for category")

// Store is the dispatch side of the change log.
type Store interface {
	Claim(ctx context.Context, req clmodels.ClaimRequest) ([]*clmodels.Entry, error)
	MarkProcessed(ctx context.Context, id int64, claimer string, at time.Time) error
	Release(ctx context.Context, ids []int64, claimer string) error
	AppendAttempt(ctx context.Context, a *clmodels.Attempt) error
}

// Router resolves a category to its route. A miss must satisfy
// errors.Is(err, sentinel.ErrNotFound).
type Router interface {
	Lookup(ctx context.Context, category string) (*routingmodels.Route, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, target string, req delivery.Request) (delivery.Result, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan string, error)
}

const tracerName = "changehub/dispatcher"

type Dispatcher struct {
	store      Store
	router     Router
	deliverer  Deliverer
	subscriber Subscriber

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	instanceID      string
	batchSize       int
	concurrency     int
	sweepInterval   time.Duration
	sweepGrace      time.Duration
	claimLease      time.Duration
	deliveryTimeout time.Duration
	maxAttempts     int
	retryInterval   time.Duration
}

type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		d.tracer = tp.Tracer(tracerName)
	}
}

// WithInstanceID names this dispatcher in claims. It must be unique among
// dispatchers sharing a change log.
func WithInstanceID(id string) Option {
	return func(d *Dispatcher) {
		if id != "" {
			d.instanceID = id
		}
	}
}

func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithSweep sets the periodic sweep interval and the grace window: a sweep
// only picks up entries older than grace, leaving fresh ones to the signal
// path.
func WithSweep(interval, grace time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.sweepInterval = interval
		}
		if grace >= 0 {
			d.sweepGrace = grace
		}
	}
}

// WithClaimLease sets how long a claim is honored before another dispatcher
// may take the entry over.
func WithClaimLease(lease time.Duration) Option {
	return func(d *Dispatcher) {
		if lease > 0 {
			d.claimLease = lease
		}
	}
}

func WithDeliveryTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.deliveryTimeout = timeout
		}
	}
}

// WithRetry allows up to maxAttempts tries per category for retryable
// failures, spaced by exponential backoff starting at initial.
func WithRetry(maxAttempts int, initial time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if initial > 0 {
			d.retryInterval = initial
		}
	}
}

// New constructs a Dispatcher. A nil subscriber runs on the sweep timer only.
func New(store Store, router Router, deliverer Deliverer, subscriber Subscriber, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:           store,
		router:          router,
		deliverer:       deliverer,
		subscriber:      subscriber,
		clock:           clock.WallClock,
		instanceID:      "dispatcher-" + uuid.NewString(),
		batchSize:       100,
		concurrency:     8,
		sweepInterval:   60 * time.Second,
		sweepGrace:      5 * time.Second,
		claimLease:      5 * time.Minute,
		deliveryTimeout: 10 * time.Second,
		maxAttempts:     1,
		retryInterval:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.tracer == nil {
		d.tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	return d
}

// InstanceID returns the claimer name this dispatcher uses.
func (d *Dispatcher) InstanceID() string {
	return d.instanceID
}

// Run processes the change log until ctx is cancelled. It drains once at
// start to resume after downtime, then drains on every signal and sweeps on
// the timer.
func (d *Dispatcher) Run(ctx context.Context) error {
	var signals <-chan string
	if d.subscriber != nil {
		ch, err := d.subscriber.Subscribe(ctx)
		if err != nil {
			d.logger.WarnContext(ctx, "notification subscribe failed, running on sweep only", "error", err)
		} else {
			signals = ch
		}
	}

	d.logger.InfoContext(ctx, "dispatcher started",
		"instance_id", d.instanceID,
		"sweep_interval", d.sweepInterval,
		"batch_size", d.batchSize,
	)
	d.drain(ctx, time.Time{}, "startup")

	timer := d.clock.NewTimer(d.sweepInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "dispatcher stopped", "instance_id", d.instanceID)
			return nil
		case _, ok := <-signals:
			if !ok {
				d.logger.WarnContext(ctx, "notification channel closed, running on sweep only")
				signals = nil
				continue
			}
			d.drain(ctx, time.Time{}, "signal")
		case <-timer.Chan():
			d.drain(ctx, d.clock.Now().Add(-d.sweepGrace), "sweep")
			timer.Reset(d.sweepInterval)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context, createdBefore time.Time, trigger string) {
	n, err := d.Drain(ctx, createdBefore)
	if err != nil && ctx.Err() == nil {
		d.logger.ErrorContext(ctx, "drain failed", "trigger", trigger, "processed", n, "error", err)
		return
	}
	if n > 0 {
		d.logger.DebugContext(ctx, "drain finished", "trigger", trigger, "processed", n)
	}
}

// Drain claims and processes batches until nothing is claimable. A non-zero
// createdBefore restricts it to entries created earlier. It returns the
// number of entries handled.
func (d *Dispatcher) Drain(ctx context.Context, createdBefore time.Time) (int, error) {
	if d.metrics != nil {
		defer d.metrics.ObserveDrain(time.Now())
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		entries, err := d.store.Claim(ctx, clmodels.ClaimRequest{
			Claimer:       d.instanceID,
			Limit:         d.batchSize,
			Now:           d.clock.Now(),
			CreatedBefore: createdBefore,
			Lease:         d.claimLease,
		})
		if err != nil {
			return total, fmt.Errorf("claim changes: %w", err)
		}
		if len(entries) == 0 {
			return total, nil
		}
		if d.metrics != nil {
			d.metrics.AddClaimed(len(entries))
		}

		// Claims hold at most one entry per record, so a batch can run in parallel.
		var g errgroup.Group
		g.SetLimit(d.concurrency)
		for _, entry := range entries {
			g.Go(func() error {
				return d.ProcessEntry(ctx, entry)
			})
		}
		if err := g.Wait(); err != nil {
			return total, err
		}
		total += len(entries)
	}
}

type job struct {
	change recordmodels.Change
	route  *routingmodels.Route
}

// ProcessEntry delivers every routed category of a claimed entry and marks it
// processed. Delivery failures are recorded and do not fail the entry. A store
// error aborts processing and releases the claim.
func (d *Dispatcher) ProcessEntry(ctx context.Context, entry *clmodels.Entry) (err error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.process_entry", trace.WithAttributes(
		attribute.Int64("change.id", entry.ID),
		attribute.Int64("record.id", entry.RecordID),
		attribute.StringSlice("change.categories", entry.Payload.Categories()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			d.release(ctx, entry)
		}
		span.End()
	}()

	jobs := make([]job, 0, len(entry.Payload.Changes))
	for _, change := range entry.Payload.Changes {
		category := string(change.Section)
		route, err := d.router.Lookup(ctx, category)
		if errors.Is(err, sentinel.ErrNotFound) {
			d.logger.WarnContext(ctx, "change not delivered",
				"change_id", entry.ID,
				"category", category,
				"error", ErrRoutingMiss,
			)
			span.AddEvent("routing_miss", trace.WithAttributes(attribute.String("category", category)))
			if d.metrics != nil {
				d.metrics.IncrementRoutingMiss(category)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("lookup route for %s: %w", category, err)
		}
		jobs = append(jobs, job{change: change, route: route})
	}

	var g errgroup.Group
	for _, j := range jobs {
		g.Go(func() error {
			return d.deliverCategory(ctx, entry, j)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	err = d.store.MarkProcessed(ctx, entry.ID, d.instanceID, d.clock.Now())
	if errors.Is(err, sentinel.ErrClaimLost) {
		// Another dispatcher took the entry over after our lease expired.
		d.logger.WarnContext(ctx, "claim lost before completion", "change_id", entry.ID)
		if d.metrics != nil {
			d.metrics.IncrementFinished("claim_lost")
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark change %d processed: %w", entry.ID, err)
	}
	if d.metrics != nil {
		d.metrics.IncrementFinished("processed")
	}
	d.logger.DebugContext(ctx, "change processed", "change_id", entry.ID, "record_id", entry.RecordID)
	return nil
}

func (d *Dispatcher) release(ctx context.Context, entry *clmodels.Entry) {
	ctx = context.WithoutCancel(ctx)
	if err := d.store.Release(ctx, []int64{entry.ID}, d.instanceID); err != nil {
		d.logger.ErrorContext(ctx, "failed to release claim", "change_id", entry.ID, "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.IncrementFinished("released")
	}
}

// deliverCategory runs the attempts for one category. It returns an error
// only when an attempt could not be recorded.
func (d *Dispatcher) deliverCategory(ctx context.Context, entry *clmodels.Entry, j job) error {
	category := string(j.change.Section)
	req := delivery.Request{
		RecordID:     entry.RecordID,
		Category:     category,
		ChangedValue: j.change.Value,
	}

	var (
		attempt  int
		storeErr error
	)
	operation := func() error {
		attempt++
		res, deliverErr := d.attempt(ctx, j.route.Target, req, attempt)

		row := &clmodels.Attempt{
			ChangeID:    entry.ID,
			ServiceName: category,
			Endpoint:    j.route.Target,
			Attempt:     attempt,
			Success:     deliverErr == nil,
			CreatedAt:   d.clock.Now(),
		}
		if deliverErr != nil {
			row.ResponseCode, row.ResponseMessage = delivery.Describe(deliverErr)
		} else {
			row.ResponseCode, row.ResponseMessage = res.StatusCode, delivery.CleanMessage(res.Message)
		}
		if err := d.store.AppendAttempt(ctx, row); err != nil {
			storeErr = fmt.Errorf("record attempt for change %d: %w", entry.ID, err)
			return backoff.Permanent(storeErr)
		}

		if deliverErr != nil && !delivery.IsRetryable(deliverErr) {
			return backoff.Permanent(deliverErr)
		}
		return deliverErr
	}

	err := backoff.RetryNotifyWithTimer(operation, d.retryPolicy(ctx), nil, &clockTimer{clock: d.clock})
	if storeErr != nil {
		return storeErr
	}
	if err != nil {
		d.logger.WarnContext(ctx, "delivery failed",
			"change_id", entry.ID,
			"category", category,
			"target", j.route.Target,
			"attempts", attempt,
			"error", err,
		)
	}
	return nil
}

func (d *Dispatcher) attempt(ctx context.Context, target string, req delivery.Request, n int) (delivery.Result, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.deliver", trace.WithAttributes(
		attribute.String("category", req.Category),
		attribute.String("target", target),
		attribute.Int("attempt", n),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	defer cancel()

	start := time.Now()
	res, err := d.deliverer.Deliver(ctx, target, req)
	if d.metrics != nil {
		d.metrics.ObserveDelivery(req.Category, start)
		d.metrics.IncrementAttempt(req.Category, err == nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return res, err
	}
	span.SetAttributes(attribute.Int("response.code", res.StatusCode))
	return res, nil
}

func (d *Dispatcher) retryPolicy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.retryInterval
	eb.MaxElapsedTime = 0
	eb.Clock = d.clock
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.maxAttempts-1)), ctx)
}

// clockTimer drives backoff waits from the dispatcher clock.
type clockTimer struct {
	clock clock.Clock
	timer clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
