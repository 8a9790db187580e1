package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/miradorstack/mirador-health/internal/metrics"
	"github.com/miradorstack/mirador-health/internal/models"
	"github.com/miradorstack/mirador-health/internal/utils"
)

// ErrAlreadyRunning is returned by Start on a scheduler that is ticking.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Collector runs one service through a full collection.
type Collector interface {
	Collect(ctx context.Context, service string) (models.CollectionResult, error)
}

// Registry lists the services to collect on each tick.
type Registry interface {
	ListServices(ctx context.Context, activeOnly bool) ([]models.ServiceRegistration, error)
}

// ResultHook observes every completed collection, scheduled or manual.
type ResultHook func(result models.CollectionResult, err error)

// Options tunes a Scheduler.
type Options struct {
	Period  time.Duration
	Workers int
	// Timeout bounds one shared collection. Defaults to Period.
	Timeout time.Duration
}

// TickReport summarises one pass over the registered services.
type TickReport struct {
	Started  time.Time
	Duration time.Duration
	Results  []models.CollectionResult
	Failures map[string]error
}

// Scheduler collects every active service once per period through a bounded
// worker pool. Collections of the same service are collapsed so at most one
// fetch per service is in flight. A collapsed fetch does not belong to any one
// caller: a caller whose context ends stops waiting, and the fetch carries on
// for the others until its own timeout or a Drain abort.
type Scheduler struct {
	logger    *slog.Logger
	collector Collector
	registry  Registry
	period    time.Duration
	workers   int
	timeout   time.Duration

	flight   singleflight.Group
	inflight inflight
	ticks    *utils.LatencyTracker

	flightMu     sync.Mutex
	flightCtx    context.Context
	cancelFlight context.CancelFunc

	hookMu sync.RWMutex
	hooks  []ResultHook

	mu       sync.Mutex
	running  bool
	stopLoop context.CancelFunc
	abort    context.CancelFunc
	done     chan struct{}
}

// New constructs a stopped Scheduler.
func New(logger *slog.Logger, collector Collector, registry Registry, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Period <= 0 {
		opts.Period = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = opts.Period
	}
	s := &Scheduler{
		logger:    logger,
		collector: collector,
		registry:  registry,
		period:    opts.Period,
		workers:   opts.Workers,
		timeout:   opts.Timeout,
		ticks:     utils.NewLatencyTracker(256),
	}
	s.flightCtx, s.cancelFlight = context.WithCancel(context.Background())
	return s
}

// OnResult registers a hook invoked after every completed collection.
func (s *Scheduler) OnResult(hook ResultHook) {
	if hook == nil {
		return
	}
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Start runs a tick immediately and then once per period until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	workCtx, abort := context.WithCancel(ctx)
	loopCtx, stopLoop := context.WithCancel(workCtx)
	s.running = true
	s.abort = abort
	s.stopLoop = stopLoop
	s.done = make(chan struct{})

	go s.loop(loopCtx, workCtx, s.done)
	s.logger.Info("collection scheduler started",
		slog.Duration("period", s.period),
		slog.Int("workers", s.workers),
	)
	return nil
}

func (s *Scheduler) loop(loopCtx, workCtx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		if _, err := s.RunTick(workCtx); err != nil {
			s.logger.Error("collection tick failed", slog.Any("error", err))
		}
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
		}
		if loopCtx.Err() != nil {
			return
		}
	}
}

// Stop stops ticking. Collections already running keep going; use Drain to
// wait for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.stopLoop()
	s.running = false
	s.logger.Info("collection scheduler stopped")
}

// Drain waits for in-flight collections. When ctx ends first, outstanding work
// is cancelled and ctx's error returned.
func (s *Scheduler) Drain(ctx context.Context) error {
	if err := s.inflight.wait(ctx); err != nil {
		s.mu.Lock()
		if s.abort != nil {
			s.abort()
		}
		s.mu.Unlock()
		s.abortFlights()
		s.logger.Warn("drain deadline reached; cancelling in-flight collections", slog.Any("error", err))
		return err
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RunTick collects every active service once. Per-service failures are
// reported in the TickReport and never cancel sibling collections; only a
// failure to list services is returned as an error.
func (s *Scheduler) RunTick(ctx context.Context) (TickReport, error) {
	s.inflight.acquire()
	defer s.inflight.release()

	report := TickReport{Started: time.Now(), Failures: make(map[string]error)}
	services, err := s.registry.ListServices(ctx, true)
	if err != nil {
		return report, err
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.workers)
	for _, svc := range services {
		name := svc.Name
		g.Go(func() error {
			result, err := s.Collect(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures[name] = err
				return nil
			}
			report.Results = append(report.Results, result)
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(report.Started)
	s.ticks.Observe(report.Duration)
	metrics.ObserveTick(report.Duration)
	s.logger.Info("collection tick complete",
		slog.Int("services", len(services)),
		slog.Int("failures", len(report.Failures)),
		slog.Duration("duration", report.Duration),
		slog.Duration("p95", s.ticks.Percentile(95)),
	)
	return report, nil
}

// Collect runs one collection for service, sharing the result with any
// concurrent caller asking for the same service. The shared fetch keeps ctx's
// values but not its cancellation; when ctx ends first, Collect returns
// ctx.Err() without disturbing the other callers.
func (s *Scheduler) Collect(ctx context.Context, service string) (models.CollectionResult, error) {
	s.inflight.acquire()
	defer s.inflight.release()

	ch := s.flight.DoChan(service, func() (any, error) {
		s.inflight.acquire()
		defer s.inflight.release()

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		stop := context.AfterFunc(s.flights(), cancel)
		defer stop()

		result, err := s.collector.Collect(callCtx, service)
		s.publish(result, err)
		return result, err
	})

	select {
	case res := <-ch:
		result, _ := res.Val.(models.CollectionResult)
		if result.Service == "" {
			result.Service = service
		}
		return result, res.Err
	case <-ctx.Done():
		return models.CollectionResult{Service: service}, ctx.Err()
	}
}

func (s *Scheduler) flights() context.Context {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	return s.flightCtx
}

// abortFlights cancels every shared fetch started so far. Later collections
// get a fresh context.
func (s *Scheduler) abortFlights() {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	s.cancelFlight()
	s.flightCtx, s.cancelFlight = context.WithCancel(context.Background())
}

func (s *Scheduler) publish(result models.CollectionResult, err error) {
	s.hookMu.RLock()
	hooks := append([]ResultHook(nil), s.hooks...)
	s.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(result, err)
	}
}

// TickLatency exposes recent tick durations.
func (s *Scheduler) TickLatency() *utils.LatencyTracker { return s.ticks }

// inflight counts running collections and signals when the count drops to zero.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (f *inflight) acquire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
}

func (f *inflight) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
}

func (f *inflight) wait(ctx context.Context) error {
	f.mu.Lock()
	if f.n == 0 {
		f.mu.Unlock()
		return nil
	}
	idle := f.idle
	f.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
