package core

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/samber/lo"
)

// startupDelay pushes the first cycle past process startup so consumers can
// settle before results begin arriving.
const startupDelay = 2 * time.Second

// ProviderState is what the engine exposes per provider. A failed cycle
// keeps the prior snapshot and attaches an error string instead of blanking
// it; Stale marks that combination. NeedsReauth is sticky until a cycle
// succeeds again and signals that the user must re-authenticate via the
// provider's own CLI tool.
type ProviderState struct {
	Snapshot    *UsageSnapshot
	Err         string
	Stale       bool
	NeedsReauth bool
	UpdatedAt   time.Time
}

type Engine struct {
	mu          sync.RWMutex
	providers   map[ProviderKind]UsageProvider
	configs     []ProviderConfig
	states      map[string]ProviderState
	lastProbe   map[string]time.Time
	running     bool
	interval    time.Duration
	timeout     time.Duration
	lastRefresh time.Time
	cycleErrs   []string

	now        func() time.Time
	onUpdate   func(map[string]ProviderState)
	onSnapshot func(UsageSnapshot)

	reconfigure chan time.Duration
	trigger     chan struct{}
}

func NewEngine(interval time.Duration) *Engine {
	return &Engine{
		providers:   make(map[ProviderKind]UsageProvider),
		states:      make(map[string]ProviderState),
		lastProbe:   make(map[string]time.Time),
		interval:    interval,
		timeout:     30 * time.Second,
		now:         time.Now,
		reconfigure: make(chan time.Duration, 1),
		trigger:     make(chan struct{}, 1),
	}
}

func (e *Engine) Register(p UsageProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers[p.Kind()] = p
}

func (e *Engine) SetConfigs(cfgs []ProviderConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = cfgs
}

// OnUpdate registers a callback invoked after each cycle with a copy of all
// provider states.
func (e *Engine) OnUpdate(fn func(map[string]ProviderState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUpdate = fn
}

// OnSnapshot registers a callback invoked once per successful provider
// result, after the cycle's aggregation. The history writer hangs off this.
func (e *Engine) OnSnapshot(fn func(UsageSnapshot)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSnapshot = fn
}

func (e *Engine) Busy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *Engine) LastRefresh() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastRefresh
}

// CycleErrors returns the human-readable error strings from the most recent
// cycle.
func (e *Engine) CycleErrors() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.cycleErrs))
	copy(out, e.cycleErrs)
	return out
}

func (e *Engine) States() map[string]ProviderState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]ProviderState, len(e.states))
	for k, v := range e.states {
		out[k] = v
	}
	return out
}

// Interval returns the current polling interval.
func (e *Engine) Interval() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.interval
}

// SetInterval changes the polling cadence. The running loop cancels its
// pending timer and reschedules with the new interval instead of stacking
// timers.
func (e *Engine) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.interval = d
	e.mu.Unlock()
	select {
	case e.reconfigure <- d:
	default:
	}
}

// RequestRefresh asks the running loop to start a cycle. Requests arriving
// while a cycle is in flight are dropped, not queued.
func (e *Engine) RequestRefresh() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// TriggerRefresh runs one cycle synchronously. It is a no-op returning
// false when a cycle is already running: overlapping polls of the same
// provider waste quota and can race credential refreshes.
func (e *Engine) TriggerRefresh(ctx context.Context) bool {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return false
	}
	e.running = true
	e.mu.Unlock()

	e.runCycle(ctx)

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	return true
}

type cycleResult struct {
	id   string
	snap UsageSnapshot
	err  error
}

func (e *Engine) runCycle(ctx context.Context) {
	e.mu.RLock()
	configs := make([]ProviderConfig, len(e.configs))
	copy(configs, e.configs)
	providers := make(map[ProviderKind]UsageProvider, len(e.providers))
	for k, v := range e.providers {
		providers[k] = v
	}
	lastProbe := make(map[string]time.Time, len(e.lastProbe))
	for k, v := range e.lastProbe {
		lastProbe[k] = v
	}
	timeout := e.timeout
	e.mu.RUnlock()

	now := e.now()
	due := lo.Filter(configs, func(c ProviderConfig, _ int) bool {
		if !c.Enabled {
			return false
		}
		if c.PollEveryMinutes <= 0 {
			return true
		}
		last, ok := lastProbe[c.ID]
		return !ok || now.Sub(last) >= time.Duration(c.PollEveryMinutes)*time.Minute
	})
	if len(due) == 0 {
		return
	}

	results := make(chan cycleResult, len(due))
	var wg sync.WaitGroup
	for _, cfg := range due {
		wg.Add(1)
		go func(c ProviderConfig) {
			defer wg.Done()

			provider, ok := providers[c.Kind]
			if !ok {
				results <- cycleResult{
					id:  c.ID,
					err: fmt.Errorf("no provider client registered for kind %q", c.Kind),
				}
				return
			}

			fetchCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			snap, err := provider.Fetch(fetchCtx, c)
			results <- cycleResult{id: c.ID, snap: snap, err: err}
		}(cfg)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	// Fan-in completes before any state is touched so the shared map sees
	// one consistent write per cycle.
	collected := make([]cycleResult, 0, len(due))
	for r := range results {
		collected = append(collected, r)
	}

	applied := e.now()
	var errs []string

	e.mu.Lock()
	for _, r := range collected {
		st := e.states[r.id]
		e.lastProbe[r.id] = applied
		if r.err != nil {
			st.Err = r.err.Error()
			if IsUnauthorized(r.err) {
				st.NeedsReauth = true
				st.Stale = false
			} else {
				st.Stale = st.Snapshot != nil
			}
			errs = append(errs, fmt.Sprintf("%s: %v", r.id, r.err))
			log.Printf("engine: %s fetch failed: %v", r.id, r.err)
		} else {
			snap := r.snap
			st.Snapshot = &snap
			st.Err = ""
			st.Stale = false
			st.NeedsReauth = snap.Status == StatusAuth
			st.UpdatedAt = applied
		}
		e.states[r.id] = st
	}
	e.lastRefresh = applied
	e.cycleErrs = errs
	onUpdate := e.onUpdate
	onSnapshot := e.onSnapshot
	statesCopy := make(map[string]ProviderState, len(e.states))
	for k, v := range e.states {
		statesCopy[k] = v
	}
	e.mu.Unlock()

	if onSnapshot != nil {
		for _, r := range collected {
			if r.err == nil {
				onSnapshot(r.snap)
			}
		}
	}
	if onUpdate != nil {
		onUpdate(statesCopy)
	}
}

// Run drives the periodic schedule: an initial cycle after a short fixed
// delay, then one per interval, plus externally requested cycles. Returns
// when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	timer := time.NewTimer(startupDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("engine: context cancelled, stopping refresh loop")
			return
		case <-timer.C:
			e.TriggerRefresh(ctx)
			e.drainTrigger()
			timer.Reset(e.Interval())
		case d := <-e.reconfigure:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)
		case <-e.trigger:
			e.TriggerRefresh(ctx)
			e.drainTrigger()
		}
	}
}

// drainTrigger discards a refresh request that arrived while a cycle was
// already running, preserving the drop-not-queue rule.
func (e *Engine) drainTrigger() {
	select {
	case <-e.trigger:
	default:
	}
}
