// Package server assembles the download service from configuration and runs
// it either as an HTTP daemon or as a single foreground download.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/chapterd/internal/api"
	"github.com/JakeFAU/chapterd/internal/clock/system"
	"github.com/JakeFAU/chapterd/internal/config"
	"github.com/JakeFAU/chapterd/internal/dispatcher"
	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/fetcher/asset"
	"github.com/JakeFAU/chapterd/internal/id/uuid"
	"github.com/JakeFAU/chapterd/internal/metrics"
	"github.com/JakeFAU/chapterd/internal/navigator"
	"github.com/JakeFAU/chapterd/internal/navigator/browser"
	"github.com/JakeFAU/chapterd/internal/navigator/static"
	"github.com/JakeFAU/chapterd/internal/ownership"
	"github.com/JakeFAU/chapterd/internal/policy/ratelimit"
	"github.com/JakeFAU/chapterd/internal/policy/robots"
	"github.com/JakeFAU/chapterd/internal/progress"
	progresssinks "github.com/JakeFAU/chapterd/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/chapterd/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/chapterd/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/chapterd/internal/storage/gcs"
	localstorage "github.com/JakeFAU/chapterd/internal/storage/local"
	pgstore "github.com/JakeFAU/chapterd/internal/storage/postgres"
	"github.com/JakeFAU/chapterd/internal/telemetry"
	"github.com/JakeFAU/chapterd/internal/worker"
)

const (
	// statusPollInterval paces the status check that backs up the live
	// event stream in Download.
	statusPollInterval = time.Second
	// lostSummaryPolls is how many polls may find a work released with no
	// new summary before Download gives up on it.
	lostSummaryPolls = 3
)

// DriverFactory builds the automation driver for worker i.
type DriverFactory func(i int, logger *zap.Logger) (navigator.Driver, error)

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	registerer prometheus.Registerer
	drivers    DriverFactory
}

// WithRegisterer registers the progress collectors on reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// WithDriverFactory replaces the configured browser or static driver.
func WithDriverFactory(fn DriverFactory) Option {
	return func(o *buildOptions) { o.drivers = fn }
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *localstorage.ProgressStore
	hub       *progress.Hub
	queue     *queueMemory.Queue
	dispatch  *dispatcher.Dispatcher
	ledger    *pgstore.Ledger
	apiServer *api.Server

	// closers run in reverse registration order.
	closers []closer
}

// Build creates the application's dependencies. On error everything opened
// so far is released again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.drivers == nil {
		o.drivers = configuredDrivers(cfg)
	}

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("driver", cfg.Navigator.Driver),
		zap.Int("workers", cfg.Queue.Workers),
		zap.Object("account", cfg.Account.Account()),
	)
	metrics.Init()

	if err := a.setupTelemetry(ctx); err != nil {
		return nil, err
	}
	a.store, err = localstorage.NewProgressStore(localstorage.Config{BaseDir: cfg.Downloads.Root})
	if err != nil {
		return nil, fmt.Errorf("progress store init failed: %w", err)
	}
	if err := a.setupLedger(ctx); err != nil {
		return nil, err
	}
	if err := a.setupHub(ctx, o.registerer); err != nil {
		return nil, err
	}
	blobs, err := a.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	workers, err := a.setupWorkers(blobs, publisher, o.drivers)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	a.queue = queueMemory.NewQueue(cfg.Queue.Capacity)
	a.dispatch = dispatcher.New(
		a.queue,
		ownership.New(clock),
		workers,
		uuid.New(),
		a.hub,
		clock,
		logger.Named("dispatcher"),
	)

	var history api.EventHistory
	if a.ledger != nil {
		history = a.ledger
	}
	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(a.dispatch, a.hub, a.store, history, api.Options{
		APIKey:         apiKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Heartbeat:      cfg.Events.Heartbeat,
		Ready:          a.ready,
	}, logger.Named("api"))
	return a, nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupTelemetry(ctx context.Context) error {
	if !a.cfg.Telemetry.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.onClose("tracer", tp.Shutdown)
	return nil
}

func (a *App) setupLedger(ctx context.Context) error {
	db := a.cfg.Database
	if !db.Enabled {
		a.logger.Info("event ledger disabled")
		return nil
	}
	ledger, err := pgstore.NewLedger(ctx, pgstore.LedgerConfig{
		DSN:             db.DSN,
		EventsTable:     db.EventsTable,
		SummariesTable:  db.SummariesTable,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("event ledger init failed: %w", err)
	}
	a.ledger = ledger
	a.onClose("ledger", func(context.Context) error {
		ledger.Close()
		return nil
	})
	if db.EnsureSchema {
		if err := ledger.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("event ledger schema failed: %w", err)
		}
	}
	a.logger.Info("event ledger initialized", zap.String("events_table", db.EventsTable))
	return nil
}

func (a *App) setupHub(ctx context.Context, reg prometheus.Registerer) error {
	ev := a.cfg.Events
	var sinkList []progress.Sink
	if ev.LogSink {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if ev.PrometheusSink {
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if a.ledger != nil {
		sinkList = append(sinkList, progresssinks.NewLedgerSink(a.ledger, a.logger.Named("progress_ledger")))
	}
	hubCfg := progress.Config{
		BufferSize:       ev.BufferSize,
		SubscriberBuffer: ev.SubscriberBuffer,
		MaxBatchEvents:   ev.MaxBatchEvents,
		MaxBatchWait:     ev.MaxBatchWait,
		SinkTimeout:      ev.SinkTimeout,
		SinkQueue:        ev.SinkQueue,
		MaxLogs:          ev.MaxLogs,
		BaseContext:      context.WithoutCancel(ctx),
		Logger:           a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.onClose("progress hub", a.hub.Close)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupArchive(ctx context.Context) (download.BlobStore, error) {
	st := a.cfg.Storage
	switch st.Archive {
	case config.ArchiveGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:      st.GCSBucket,
			Prefix:      st.Prefix,
			CheckBucket: st.CheckBucket,
		}, a.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.onClose("gcs archive", func(context.Context) error { return store.Close() })
		a.logger.Info("using GCS summary archive", zap.String("bucket", st.GCSBucket))
		return store, nil
	case config.ArchiveNone:
		a.logger.Info("summary archive disabled")
		return nil, nil
	default:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Downloads.Root})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		return store, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (download.Publisher, error) {
	ps := a.cfg.PubSub
	if !ps.Enabled {
		a.logger.Info("upload handoff disabled")
		return nil, nil
	}
	pub, err := gcppublisher.Open(ctx, ps.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.onClose("pubsub publisher", func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.HandoffTopic),
	)
	return pub, nil
}

func (a *App) setupWorkers(blobs download.BlobStore, publisher download.Publisher, drivers DriverFactory) ([]*worker.Worker, error) {
	cfg := a.cfg
	policy := cfg.Retry.Policy()
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RateLimitRPS,
		DefaultBurst: cfg.HTTP.RateLimitBurst,
	})
	var waiter asset.Waiter = limiter
	if cfg.HTTP.RespectRobots {
		waiter = robots.New(robots.Config{
			UserAgent: cfg.HTTP.UserAgent,
			Timeout:   cfg.HTTP.Timeout,
		}, limiter, a.logger.Named("robots"))
	}
	fetcher := asset.New(asset.Config{
		Timeout:        cfg.HTTP.Timeout,
		UserAgent:      cfg.HTTP.UserAgent,
		ValidateImages: cfg.Downloads.ValidateImages,
	}, policy, waiter, a.logger.Named("asset"))

	workerCfg := worker.Config{
		Root:             cfg.Downloads.Root,
		ImageConcurrency: cfg.Downloads.ImageConcurrency,
		RequeueBatches:   cfg.Downloads.RequeueBatches,
		MinImagesOK:      cfg.Downloads.MinImagesOK,
		MinImagesPartial: cfg.Downloads.MinImagesPartial,
		SummaryName:      cfg.Downloads.SummaryName,
		HandoffTopic:     cfg.PubSub.HandoffTopic,
		FinalizeTimeout:  cfg.Downloads.FinalizeTimeout,
	}

	workers := make([]*worker.Worker, 0, cfg.Queue.Workers)
	for i := range cfg.Queue.Workers {
		logger := a.logger.Named("worker").With(zap.Int("index", i))
		driver, err := drivers(i, logger.Named("navigator"))
		if err != nil {
			return nil, fmt.Errorf("navigator driver %d init failed: %w", i, err)
		}
		session := navigator.NewSession(driver, navigator.Options{
			Policy:        policy,
			RequiresLogin: cfg.Navigator.RequiresLogin,
			Logger:        logger.Named("navigator"),
		})
		a.onClose(fmt.Sprintf("navigator %d", i), func(context.Context) error { return session.Close() })

		deps := worker.Deps{
			Store:   a.store,
			Session: session,
			Fetcher: fetcher,
			Events:  a.hub,
			Clock:   system.New(),
		}
		if blobs != nil {
			deps.Blobs = blobs
		}
		if publisher != nil {
			deps.Publisher = publisher
		}
		workers = append(workers, worker.New(deps, workerCfg, logger))
	}
	a.logger.Info("workers configured",
		zap.Int("count", len(workers)),
		zap.Int("image_concurrency", workerCfg.ImageConcurrency),
		zap.Bool("requeue_batches", workerCfg.RequeueBatches),
	)
	return workers, nil
}

func configuredDrivers(cfg config.Config) DriverFactory {
	account := cfg.Account.Account()
	return func(_ int, logger *zap.Logger) (navigator.Driver, error) {
		if cfg.Navigator.Driver == config.DriverStatic {
			return static.New(cfg.StaticConfig(), account, logger)
		}
		return browser.New(cfg.BrowserConfig(), account, logger), nil
	}
}

func (a *App) ready(ctx context.Context) error {
	if a.ledger == nil {
		return nil
	}
	return a.ledger.Ping(ctx)
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Hub exposes the progress hub for foreground callers.
func (a *App) Hub() *progress.Hub {
	return a.hub
}

// Run listens on the configured port and blocks until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the workers and the HTTP server on ln until ctx is canceled,
// then drains both and closes every dependency.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// Long-lived event streams end with the service.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Queue.Workers))
		a.dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		a.queue.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Download runs one start request in the foreground and returns the summary
// of its last run. Batch continuations are followed when requeue_batches is
// set. onEvent, when non-nil, sees every event of the work.
func (a *App) Download(ctx context.Context, req download.StartRequest, onEvent func(progress.Event)) (download.RunSummary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The subscription outlives ctx so the final summary of an interrupted
	// run can still be read.
	sub := a.hub.Subscribe(context.WithoutCancel(ctx))
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.dispatch.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	work, err := download.SanitizeWorkName(req.Work)
	if err != nil {
		return download.RunSummary{}, fmt.Errorf("enqueue: %w: %w", dispatcher.ErrInvalidRequest, err)
	}

	baseline := a.hub.CurrentStatus().Summaries[work].TicketID
	dec, err := a.dispatch.Enqueue(runCtx, req)
	if err != nil {
		return download.RunSummary{}, fmt.Errorf("enqueue: %w", err)
	}
	if !dec.Accepted {
		return download.RunSummary{}, fmt.Errorf("start rejected: %s", dec.Reason)
	}

	poll := time.NewTicker(statusPollInterval)
	defer poll.Stop()
	idle := 0
	for {
		select {
		case <-ctx.Done():
			return a.awaitFinish(sub, work, onEvent)
		case evt, ok := <-sub.C():
			if !ok {
				return download.RunSummary{}, errors.New("event stream closed")
			}
			if summary, last := a.observe(evt, work, onEvent); last {
				return summary, nil
			}
		case <-poll.C:
			summary, last, err := a.settledSummary(work, baseline, idle)
			if err != nil || last {
				return summary, err
			}
			if a.holds(work) {
				idle = 0
			} else {
				idle++
			}
		}
	}
}

// settledSummary reads the final summary of work from the hub status, for
// when the live stream lost it. idle counts earlier polls that found the
// work released without a new summary.
func (a *App) settledSummary(work, baseline string, idle int) (download.RunSummary, bool, error) {
	if a.holds(work) {
		return download.RunSummary{}, false, nil
	}
	summary, ok := a.hub.CurrentStatus().Summaries[work]
	if ok && summary.TicketID != baseline && (!a.continues(summary) || idle >= lostSummaryPolls) {
		return summary, true, nil
	}
	if idle >= lostSummaryPolls {
		return download.RunSummary{}, false, fmt.Errorf("run of %s ended without a summary", work)
	}
	return download.RunSummary{}, false, nil
}

func (a *App) holds(work string) bool {
	for _, h := range a.dispatch.Holders() {
		if h.Work == work {
			return true
		}
	}
	return false
}

// awaitFinish collects the final summary of a run interrupted by shutdown.
// Workers finalize on a detached context, so the event still arrives.
func (a *App) awaitFinish(sub *progress.Subscription, work string, onEvent func(progress.Event)) (download.RunSummary, error) {
	timer := time.NewTimer(a.cfg.Downloads.FinalizeTimeout + time.Second)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return download.RunSummary{}, context.Canceled
		case evt, ok := <-sub.C():
			if !ok {
				return download.RunSummary{}, context.Canceled
			}
			if evt.Stage == progress.StageJobFinished && evt.Work == work && evt.Summary != nil {
				if onEvent != nil {
					onEvent(evt)
				}
				return *evt.Summary, nil
			}
		}
	}
}

func (a *App) observe(evt progress.Event, work string, onEvent func(progress.Event)) (download.RunSummary, bool) {
	if evt.Work != work {
		return download.RunSummary{}, false
	}
	if onEvent != nil {
		onEvent(evt)
	}
	if evt.Stage != progress.StageJobFinished || evt.Summary == nil {
		return download.RunSummary{}, false
	}
	summary := *evt.Summary
	return summary, !a.continues(summary)
}

func (a *App) continues(summary download.RunSummary) bool {
	return a.cfg.Downloads.RequeueBatches &&
		summary.Status == download.RunCapped &&
		summary.StopReason == download.ReasonBatchSize &&
		summary.ResumeURL != ""
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 20 * time.Second
}

// Close releases every dependency in reverse order of construction.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}
