package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"possync/internal/config"
	"possync/internal/guard"
	"possync/internal/ledger"
	"possync/internal/metrics"
	"possync/internal/runner"
	"possync/internal/runner/httprunner"
	"possync/internal/scheduler"
	"possync/internal/storage"
	logx "possync/pkg/logx"
)

// CallbackFactory builds the run callback for one job.
type CallbackFactory func(job config.JobConfig, log logx.Logger) (runner.Callback, error)

// HTTPCallbacks calls the job's extractor endpoint.
func HTTPCallbacks(job config.JobConfig, log logx.Logger) (runner.Callback, error) {
	timeout, err := config.ParseDurationOrDefault("endpoint_timeout", job.EndpointTimeout, httprunner.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	return httprunner.New(job.Endpoint, job.Kind,
		httprunner.WithTimeout(timeout),
		httprunner.WithToken(job.EndpointToken),
		httprunner.WithLogger(log),
	), nil
}

// Core is the wiring shared by the daemon and one-shot commands: config,
// logging, the ledger database and metrics.
type Core struct {
	Config   *config.Config
	Log      logx.Logger
	Logs     *logx.Service
	DB       *sqlx.DB
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Ledger   *ledger.Ledger
	Guard    *guard.Guard

	callbacks CallbackFactory
}

type CoreOption func(*Core)

// WithCallbacks replaces the HTTP callback factory.
func WithCallbacks(f CallbackFactory) CoreOption { return func(c *Core) { c.callbacks = f } }

// WithLogService reuses an existing logging service instead of creating one.
func WithLogService(s *logx.Service) CoreOption { return func(c *Core) { c.Logs = s } }

// OpenCore validates cfg, opens the ledger database and applies migrations.
func OpenCore(ctx context.Context, cfg *config.Config, opts ...CoreOption) (*Core, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	c := &Core{Config: cfg, callbacks: HTTPCallbacks}
	for _, o := range opts {
		o(c)
	}
	if c.Logs == nil {
		c.Logs, c.Log = logx.New(mapLogConfig(cfg))
	} else {
		c.Log = c.Logs.Logger()
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(ctx, sc, c.Log.With(logx.Comp("storage")))
	if err != nil {
		return nil, errors.Wrap(err, "open ledger database")
	}
	c.DB = db

	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Metrics = metrics.New(c.Registry)

	c.Ledger = ledger.New(db,
		ledger.WithIdentity(cfg.RunnerIdentity),
		ledger.WithLogger(c.Log.With(logx.Comp("ledger"))),
		ledger.WithMetrics(c.Metrics),
	)
	c.Guard = guard.New(db,
		guard.WithLogger(c.Log.With(logx.Comp("guard"))),
		guard.WithMetrics(c.Metrics),
	)
	c.Log.Info("ledger ready", logx.String("driver", string(sc.Driver)), logx.String("identity", c.Ledger.Identity()))
	return c, nil
}

// Job resolves kind into a scheduler config.
func (c *Core) Job(kind string) (config.JobConfig, scheduler.Config, error) {
	job, ok := c.Config.Job(kind)
	if !ok {
		return config.JobConfig{}, scheduler.Config{}, errors.Newf("unknown job kind %q", kind)
	}
	sc, err := scheduler.FromJob(c.Config, job)
	if err != nil {
		return config.JobConfig{}, scheduler.Config{}, errors.Wrapf(err, "job %s", kind)
	}
	return job, sc, nil
}

// NewScheduler builds the scheduler for kind. The returned switch lets a
// config reload replace the callback in place.
func (c *Core) NewScheduler(kind string) (*scheduler.Scheduler, *CallbackSwitch, error) {
	job, sc, err := c.Job(kind)
	if err != nil {
		return nil, nil, err
	}
	log := c.Log.With(logx.JobKind(kind))
	cb, err := c.callbacks(job, log)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "job %s callback", kind)
	}
	sw := &CallbackSwitch{}
	sw.Set(cb)
	s, err := scheduler.New(sc, c.Ledger, c.Guard, sw,
		scheduler.WithLogger(c.Log),
		scheduler.WithMetrics(c.Metrics),
	)
	if err != nil {
		return nil, nil, err
	}
	return s, sw, nil
}

func (c *Core) Close() error {
	var err error
	if c.DB != nil {
		err = c.DB.Close()
	}
	if c.Logs != nil {
		_ = c.Logs.Close()
	}
	return err
}

// CallbackSwitch is a runner.Callback whose target can be swapped while runs
// are in flight. A run keeps the callback it started with.
type CallbackSwitch struct {
	cur atomic.Pointer[callbackBox]
}

type callbackBox struct{ cb runner.Callback }

func (s *CallbackSwitch) Set(cb runner.Callback) { s.cur.Store(&callbackBox{cb: cb}) }

func (s *CallbackSwitch) Run(ctx context.Context, sourceID string, start, end time.Time) (runner.Result, error) {
	b := s.cur.Load()
	if b == nil || b.cb == nil {
		return runner.Result{}, runner.Permanent(errors.New("no run callback configured"))
	}
	return b.cb.Run(ctx, sourceID, start, end)
}
