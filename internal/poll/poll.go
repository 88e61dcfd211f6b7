// Package poll runs the clock-aligned fetch loop. One goroutine owns the
// poll timeline: sleep to the next minute boundary, fetch, absorb the
// point into the in-memory day view, re-arm. Failures get a single
// retry after a short grace; a pending wait can be cancelled at any
// time, but an in-flight fetch always runs to completion and its result
// is discarded if the scheduler was stopped or restarted meanwhile.
package poll

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"oipulse/internal/model"
	"oipulse/pkg/optionchain"
)

// State is the scheduler lifecycle state.
type State int32

const (
	Idle State = iota
	Polling
	Fetching
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Fetching:
		return "fetching"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// ErrSkip is returned by a Fetcher that has nothing to do this cycle
// (typically: no session configured). Not an error condition; the
// scheduler re-arms without retrying.
var ErrSkip = errors.New("poll: nothing to fetch")

// Fetcher supplies the scheduler with data. History loads the current
// day's snapshots once at Start; Fetch runs one cycle.
type Fetcher interface {
	History(ctx context.Context) ([]model.Point, error)
	Fetch(ctx context.Context) (*model.Point, error)
}

// Config tunes the loop. Zero values take the production defaults.
type Config struct {
	Interval     time.Duration // poll boundary spacing, default 60s
	FetchTimeout time.Duration // per-fetch deadline, default 20s
	Grace        time.Duration // wait before the single retry, default 10s
}

// Scheduler is the poll state machine. Observer callbacks fire from the
// loop goroutine; View and Status are safe from any goroutine.
type Scheduler struct {
	fetcher      Fetcher
	interval     time.Duration
	fetchTimeout time.Duration
	grace        time.Duration

	now func() time.Time

	// OnPoint fires when a new point is appended to the view.
	OnPoint func(p *model.Point)
	// OnHistory fires after Start replaces the view with the day's
	// snapshots.
	OnHistory func(points []model.Point)
	// OnStatus fires on every state or message change.
	OnStatus func(state State, message string, lastUpdated time.Time)

	kick chan struct{}

	mu          sync.Mutex
	state       State
	message     string
	lastUpdated time.Time
	view        []model.Point
	gen         int
	cancelWait  context.CancelFunc
	baseCtx     context.Context
}

func NewScheduler(fetcher Fetcher, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 20 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	return &Scheduler{
		fetcher:      fetcher,
		interval:     cfg.Interval,
		fetchTimeout: cfg.FetchTimeout,
		grace:        cfg.Grace,
		now:          time.Now,
		kick:         make(chan struct{}, 1),
		state:        Idle,
	}
}

// alignDelay returns how long to sleep so the next fire lands on the
// next interval boundary of the wall clock. At T mod 60000ms = 58000ms
// with a 60s interval the delay is exactly 2000ms.
func alignDelay(now time.Time, interval time.Duration) time.Duration {
	ms := interval.Milliseconds()
	if ms <= 0 {
		return 0
	}
	rem := now.UnixMilli() % ms
	return time.Duration(ms-rem) * time.Millisecond
}

// Start launches the loop. Safe to call while running: the previous
// loop's pending wait is cancelled and its in-flight result discarded.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancelWait != nil {
		s.cancelWait()
	}
	waitCtx, cancel := context.WithCancel(ctx)
	s.cancelWait = cancel
	s.baseCtx = ctx
	s.gen++
	gen := s.gen
	s.state = Polling
	s.message = "starting"
	s.mu.Unlock()

	s.notify()
	go s.run(waitCtx, ctx, gen)
}

// Stop cancels the pending wait and freezes the scheduler. An in-flight
// fetch finishes on its own and is discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancelWait != nil {
		s.cancelWait()
		s.cancelWait = nil
	}
	s.gen++
	s.state = Stopped
	s.message = "stopped"
	s.mu.Unlock()
	s.notify()
}

// Kick requests one immediate out-of-band fetch, used when the dashboard
// tab becomes visible again. No-op unless the scheduler is waiting.
func (s *Scheduler) Kick() {
	s.mu.Lock()
	waiting := s.state == Polling
	s.mu.Unlock()
	if !waiting {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// View returns a copy of the in-memory day series.
func (s *Scheduler) View() []model.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Point, len(s.view))
	copy(out, s.view)
	return out
}

// Status returns the current state, message, and last update time.
func (s *Scheduler) Status() (State, string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.message, s.lastUpdated
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) run(waitCtx, baseCtx context.Context, gen int) {
	s.loadHistory(baseCtx, gen)

	for {
		delay := alignDelay(s.now(), s.interval)
		if !s.wait(waitCtx, delay) {
			return
		}
		if !s.cycle(waitCtx, baseCtx, gen) {
			return
		}
	}
}

func (s *Scheduler) loadHistory(baseCtx context.Context, gen int) {
	hctx, cancel := context.WithTimeout(baseCtx, s.fetchTimeout)
	hist, err := s.fetcher.History(hctx)
	cancel()
	if err != nil {
		log.Printf("[poll] history load failed: %v", err)
		s.setStatus(gen, Polling, "history load failed: "+err.Error(), false)
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.view = hist
	s.message = "polling"
	s.mu.Unlock()

	if s.OnHistory != nil {
		out := make([]model.Point, len(hist))
		copy(out, hist)
		s.OnHistory(out)
	}
	s.notify()
}

// wait sleeps until the aligned boundary, a kick, or cancellation.
// Returns false when the loop should exit.
func (s *Scheduler) wait(waitCtx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-waitCtx.Done():
		return false
	case <-timer.C:
		return true
	case <-s.kick:
		return true
	}
}

// cycle runs one fetch with the single-retry grace policy. Returns false
// when the loop should exit.
func (s *Scheduler) cycle(waitCtx, baseCtx context.Context, gen int) bool {
	if !s.setStatus(gen, Fetching, "fetching", false) {
		return false
	}

	p, err := s.fetchOnce(baseCtx)
	if err == nil {
		return s.absorb(gen, p)
	}
	if errors.Is(err, ErrSkip) {
		return s.setStatus(gen, Polling, "waiting for session", false)
	}

	log.Printf("[poll] fetch failed: %v", err)
	if !s.setStatus(gen, Fetching, "error: "+err.Error(), false) {
		return false
	}
	if !sleepCtx(waitCtx, s.graceFor(err)) {
		return false
	}

	p, err = s.fetchOnce(baseCtx)
	if err == nil {
		return s.absorb(gen, p)
	}
	if errors.Is(err, ErrSkip) {
		return s.setStatus(gen, Polling, "waiting for session", false)
	}
	log.Printf("[poll] retry failed: %v", err)
	return s.setStatus(gen, Polling, "error: "+err.Error(), false)
}

func (s *Scheduler) fetchOnce(baseCtx context.Context) (*model.Point, error) {
	fctx, cancel := context.WithTimeout(baseCtx, s.fetchTimeout)
	defer cancel()
	return s.fetcher.Fetch(fctx)
}

// graceFor honours a provider Retry-After longer than the default grace,
// capped to one interval.
func (s *Scheduler) graceFor(err error) time.Duration {
	grace := s.grace
	var re *optionchain.RetryableError
	if errors.As(err, &re) && re.RetryAfter > grace {
		grace = re.RetryAfter
		if grace > s.interval {
			grace = s.interval
		}
	}
	return grace
}

// absorb appends the fetched point to the view unless the minute was
// already recorded. Discards the result when the loop generation moved.
func (s *Scheduler) absorb(gen int, p *model.Point) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	appended := true
	if n := len(s.view); n > 0 && s.view[n-1].Timestamp == p.Timestamp {
		appended = false
	} else {
		s.view = append(s.view, *p)
	}
	s.state = Polling
	s.message = "live"
	s.lastUpdated = s.now()
	s.mu.Unlock()

	if appended && s.OnPoint != nil {
		s.OnPoint(p)
	}
	s.notify()
	return true
}

// setStatus updates state and message if the generation still matches.
func (s *Scheduler) setStatus(gen int, state State, message string, touch bool) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	s.state = state
	s.message = message
	if touch {
		s.lastUpdated = s.now()
	}
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Scheduler) notify() {
	if s.OnStatus == nil {
		return
	}
	state, msg, updated := s.Status()
	s.OnStatus(state, msg, updated)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
