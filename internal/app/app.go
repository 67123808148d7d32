package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"possync/internal/config"
	"possync/internal/diag"
	"possync/internal/runtime/supervisor"
	"possync/internal/scheduler"
	"possync/pkg/logx"
	"possync/pkg/systemd"
)

type job struct {
	sched *scheduler.Scheduler
	cb    *CallbackSwitch
}

// App is the long-running daemon: one scheduler per job kind plus the
// config watcher and the diagnostics server.
type App struct {
	*Core

	cfgm   *config.ConfigManager
	sup    *supervisor.Supervisor
	diag   *diag.Service
	notify *systemd.Notifier
	log    logx.Logger

	started time.Time

	mu   sync.Mutex
	jobs map[string]*job
}

// StatusDoc is served at /statusz.
type StatusDoc struct {
	Identity    string                         `json:"runner_identity"`
	StartedAt   time.Time                      `json:"started_at"`
	Jobs        []scheduler.Status             `json:"jobs"`
	Supervisors map[string]supervisor.Snapshot `json:"supervisors"`
}

func New(ctx context.Context, cfgPath string, opts ...CoreOption) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	core, err := OpenCore(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	a := &App{
		Core:   core,
		cfgm:   cfgm,
		log:    core.Log.With(logx.Comp("app")),
		notify: systemd.NewNotifier(core.Log),
		jobs:   map[string]*job{},
	}
	cfgm.SetLogger(core.Log.With(logx.Comp("config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validateReload(c) })

	dc, err := diag.ConfigFrom(cfg.Diagnostics)
	if err != nil {
		_ = core.Close()
		return nil, err
	}
	a.diag = diag.New(dc, core.Log,
		diag.WithGatherer(core.Registry),
		diag.WithHealth(a.Health),
		diag.WithStatus(func(ctx context.Context) any { return a.Status(ctx) }),
	)

	for _, jc := range cfg.Jobs {
		if err := a.addJob(jc.Kind); err != nil {
			_ = core.Close()
			return nil, err
		}
	}
	return a, nil
}

// validateReload rejects a config a live reload could not apply.
func validateReload(c *config.Config) error {
	for _, jc := range c.Jobs {
		if _, err := scheduler.FromJob(c, jc); err != nil {
			return errors.Wrapf(err, "job %s", jc.Kind)
		}
	}
	_, err := diag.ConfigFrom(c.Diagnostics)
	return err
}

func (a *App) addJob(kind string) error {
	s, sw, err := a.NewScheduler(kind)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.jobs[kind] = &job{sched: s, cb: sw}
	a.mu.Unlock()
	return nil
}

// Scheduler returns the scheduler for kind, nil when unknown.
func (a *App) Scheduler(kind string) *scheduler.Scheduler {
	a.mu.Lock()
	defer a.mu.Unlock()
	if j := a.jobs[kind]; j != nil {
		return j.sched
	}
	return nil
}

func (a *App) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.jobs))
	for k := range a.jobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	runCtx := a.sup.Context()

	for _, kind := range a.kinds() {
		a.Scheduler(kind).Start(runCtx)
	}
	a.diag.Start(runCtx)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.notify.Watchdog)

	a.notify.Ready()
	a.notify.Status(a.statusLine(runCtx))
	a.log.Info("app started", logx.Strings("jobs", a.kinds()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	a.notify.Reloading()
	defer a.notify.Ready()

	sections, attrs, changedJobs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.Config = next

	for _, s := range sections {
		switch s {
		case "logging":
			a.Logs.Apply(mapLogConfig(next))
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "diagnostics":
			if dc, err := diag.ConfigFrom(next.Diagnostics); err != nil {
				a.log.Warn("invalid diagnostics config; keeping previous", logx.Err(err))
			} else {
				a.diag.Reconfigure(ctx, dc)
			}
		}
	}

	// Sources and business hours feed every job.
	kinds := changedJobs
	if containsAny(sections, "sources", "business_hours") {
		kinds = nil
		for _, jc := range next.Jobs {
			kinds = append(kinds, jc.Kind)
		}
		kinds = append(kinds, changedJobs...)
	}
	seen := map[string]bool{}
	for _, kind := range kinds {
		if seen[kind] {
			continue
		}
		seen[kind] = true
		a.reloadJob(ctx, next, kind)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.notify.Status(a.statusLine(ctx))
}

func (a *App) reloadJob(ctx context.Context, cfg *config.Config, kind string) {
	jc, ok := cfg.Job(kind)
	a.mu.Lock()
	cur := a.jobs[kind]
	a.mu.Unlock()

	switch {
	case !ok && cur != nil:
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := cur.sched.Stop(stopCtx); err != nil {
			a.log.Warn("job stop failed", logx.JobKind(kind), logx.Err(err))
		}
		cancel()
		a.mu.Lock()
		delete(a.jobs, kind)
		a.mu.Unlock()
		a.log.Info("job removed", logx.JobKind(kind))
	case ok && cur == nil:
		if err := a.addJob(kind); err != nil {
			a.log.Warn("job add failed", logx.JobKind(kind), logx.Err(err))
			return
		}
		a.Scheduler(kind).Start(ctx)
		a.log.Info("job added", logx.JobKind(kind))
	case ok:
		sc, err := scheduler.FromJob(cfg, jc)
		if err != nil {
			a.log.Warn("invalid job config; keeping previous", logx.JobKind(kind), logx.Err(err))
			return
		}
		cb, err := a.callbacks(jc, a.Log.With(logx.JobKind(kind)))
		if err != nil {
			a.log.Warn("job callback rebuild failed; keeping previous", logx.JobKind(kind), logx.Err(err))
		} else {
			cur.cb.Set(cb)
		}
		cur.sched.Apply(sc)
	}
}

func containsAny(ss []string, want ...string) bool {
	for _, s := range ss {
		for _, w := range want {
			if s == w {
				return true
			}
		}
	}
	return false
}

// Status collects every job's status and the supervisor snapshots.
func (a *App) Status(ctx context.Context) StatusDoc {
	doc := StatusDoc{
		Identity:    a.Ledger.Identity(),
		StartedAt:   a.started,
		Jobs:        []scheduler.Status{},
		Supervisors: map[string]supervisor.Snapshot{},
	}
	if a.sup != nil {
		doc.Supervisors["app"] = a.sup.Snapshot()
	}
	if sup := a.diag.Supervisor(); sup != nil {
		doc.Supervisors["diag"] = sup.Snapshot()
	}
	for _, kind := range a.kinds() {
		s := a.Scheduler(kind)
		if s == nil {
			continue
		}
		doc.Jobs = append(doc.Jobs, s.Status(ctx))
		if sup := s.Supervisor(); sup != nil {
			doc.Supervisors["scheduler:"+kind] = sup.Snapshot()
		}
	}
	return doc
}

// Health fails when the ledger database is unreachable or a supervised
// goroutine has failed.
func (a *App) Health(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.DB.PingContext(pctx); err != nil {
		return errors.Wrap(err, "ledger database")
	}
	return a.Err()
}

func (a *App) statusLine(ctx context.Context) string {
	var parts []string
	for _, st := range a.Status(ctx).Jobs {
		switch {
		case !st.Enabled:
			parts = append(parts, st.JobKind+" disabled")
		case st.NextExecution != nil:
			parts = append(parts, fmt.Sprintf("%s next %s", st.JobKind, st.NextExecution.Format("2006-01-02 15:04 MST")))
		default:
			parts = append(parts, st.JobKind+" "+string(st.State))
		}
	}
	if len(parts) == 0 {
		return "no jobs configured"
	}
	return strings.Join(parts, "; ")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// Schedulers first: a live run is given time to finish its ledger rows.
	for _, kind := range a.kinds() {
		s := a.Scheduler(kind)
		step("scheduler:"+kind, 30*time.Second, s.Stop)
	}
	step("diag", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Stop)

	a.log.Info("stopped")
	return a.Close()
}
