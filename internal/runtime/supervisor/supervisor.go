// Package supervisor runs named long-lived goroutines under one context,
// recovering panics and restarting failed loops with backoff.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"

	"possync/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	clock  clockwork.Clock
	log    logx.Logger

	active   atomic.Int64
	errOnce  sync.Once
	firstErr atomic.Value
	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	stats map[string]*LoopStats
}

// LoopStats is a best-effort view of one named goroutine.
type LoopStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastErrAt   time.Time `json:"last_err_at"`
}

type Snapshot struct {
	Active     int64       `json:"active"`
	FirstError string      `json:"first_error,omitempty"`
	Loops      []LoopStats `json:"loops"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option  { return func(s *Supervisor) { s.log = log } }
func WithClock(c clockwork.Clock) Option { return func(s *Supervisor) { s.clock = c } }

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		clock:  clockwork.NewRealClock(),
		log:    logx.Nop(),
		doneCh: make(chan struct{}),
		stats:  map[string]*LoopStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err is the first error a goroutine reported, if any.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: s.active.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.stats {
		snap.Loops = append(snap.Loops, *st)
	}
	s.mu.Unlock()
	sort.Slice(snap.Loops, func(i, j int) bool { return snap.Loops[i].Name < snap.Loops[j].Name })
	return snap
}

func (s *Supervisor) note(name string, f func(st *LoopStats)) {
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &LoopStats{Name: name}
		s.stats[name] = st
	}
	f(st)
	s.mu.Unlock()
}

// Go runs fn once. A panic or a non-cancellation error is logged and kept
// as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.note(name, func(st *LoopStats) { st.Active++; st.LastStartAt = time.Now() })
		defer s.note(name, func(st *LoopStats) { st.Active-- })

		err := s.call(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(name, err)
		}
	}()
}

// call runs fn and turns a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.note(name, func(st *LoopStats) { st.Panics++ })
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = errors.Newf("panic: %s", fmt.Sprint(r))
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) fail(name string, err error) {
	err = errors.Wrap(err, name)
	s.note(name, func(st *LoopStats) { st.LastErr = err.Error(); st.LastErrAt = time.Now() })
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}

// GoRestart runs fn until ctx is canceled, restarting it after an error or
// panic with exponential backoff between lo and hi. A nil return stops it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, lo, hi time.Duration) {
	if fn == nil {
		return
	}
	if lo <= 0 {
		lo = 250 * time.Millisecond
	}
	if hi < lo {
		hi = lo
	}
	s.Go(name+".restart", func(ctx context.Context) error {
		wait := lo
		for {
			started := s.clock.Now()
			s.note(name, func(st *LoopStats) { st.Active++; st.LastStartAt = started })
			err := s.call(name, fn)
			s.note(name, func(st *LoopStats) { st.Active-- })
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			s.fail(name, err)

			// A loop that ran for a while earns a short backoff again.
			if s.clock.Since(started) >= 30*time.Second {
				wait = lo
			}
			s.note(name, func(st *LoopStats) { st.Restarts++ })
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := s.clock.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.Chan():
			}
			wait *= 2
			if wait > hi {
				wait = hi
			}
		}
	})
}

// Stop cancels every goroutine and waits for them until ctx expires.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
