// Package fleet implements the Fleet Scheduler: the singleton that owns the
// shared launch-budget gate, detects and reacts to a global hourly-limit
// landing, auto-unpauses instances, and restores fleet state on startup by
// replaying the vote log. The ticker-driven pass pattern (a fixed-interval
// goroutine reacting to select/ctx.Done) is adapted from the teacher's
// pkg/scheduler/scheduler.go; everything it decides on each pass is new,
// driven by the spec's fleet-level rules rather than the teacher's
// cron-job semantics.
package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shivanshu32/cloudvoter-sub001/internal/classifier"
	"github.com/shivanshu32/cloudvoter-sub001/internal/instance"
	"github.com/shivanshu32/cloudvoter-sub001/internal/sessionstore"
	"github.com/shivanshu32/cloudvoter-sub001/internal/votelog"
)

// Recorder is the subset of the metrics Collector the Fleet Scheduler
// reports through: launch-budget utilization and the global-limit gauge.
// Per-instance outcome/state/vote-count reporting is the Instance's own
// concern (instance.Recorder).
type Recorder interface {
	SetLaunchBudget(inUse, capacity int)
	SetGlobalHourlyLimitActive(active bool)
}

const (
	autoUnpauseInterval = 30 * time.Second
	launchAcquireTimeout = 30 * time.Second
	startupLaunchPacing  = 30 * time.Second
)

// LaunchBudget is the counting gate on concurrent browser launches: a
// buffered channel semaphore, not a smooth rate limiter, per the spec's
// requirement that the fleet never exceed a hard concurrent-launch count.
type LaunchBudget struct {
	slots chan struct{}
}

// NewLaunchBudget creates a budget allowing n concurrent launches.
func NewLaunchBudget(n int) *LaunchBudget {
	if n <= 0 {
		n = 1
	}
	return &LaunchBudget{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free, ctx is canceled, or
// launchAcquireTimeout elapses, whichever comes first. The returned release
// function is safe to call exactly once and is guaranteed to run even if
// the caller panics, via the caller's defer.
func (b *LaunchBudget) Acquire(ctx context.Context) (func(), error) {
	cctx, cancel := context.WithTimeout(ctx, launchAcquireTimeout)
	defer cancel()
	select {
	case b.slots <- struct{}{}:
		return func() { <-b.slots }, nil
	case <-cctx.Done():
		return nil, errLaunchLockTimeout
	}
}

// InUse reports how many launch slots are currently held, for metrics.
func (b *LaunchBudget) InUse() int { return len(b.slots) }

// Capacity reports the total number of launch slots.
func (b *LaunchBudget) Capacity() int { return cap(b.slots) }

type launchTimeoutError string

func (e launchTimeoutError) Error() string { return string(e) }

const errLaunchLockTimeout = launchTimeoutError("launch slot not acquired within 30s")

type unknownInstanceError string

func (e unknownInstanceError) Error() string { return string(e) }

const errUnknownInstance = unknownInstanceError("unknown instance")

// Scheduler is the Fleet Scheduler: one per process, owning the shared
// launch budget and the global hourly-limit reaction.
type Scheduler struct {
	mu        sync.Mutex
	instances map[int]*instance.Instance
	order     []int // stable iteration order for auto-unpause round robin

	budget  *LaunchBudget
	log     *votelog.Log
	store   *sessionstore.Store
	logger  *zap.Logger
	metrics Recorder

	globalLimitActive    bool
	globalLimitStartedAt time.Time
	globalReactivationAt time.Time

	unpauseCursor int
}

// Config configures Scheduler construction.
type Config struct {
	MaxConcurrentLaunches int
}

// New builds a Scheduler. Instances are registered with Register before
// Run is called.
func New(cfg Config, log *votelog.Log, store *sessionstore.Store, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		instances: make(map[int]*instance.Instance),
		budget:    NewLaunchBudget(cfg.MaxConcurrentLaunches),
		log:       log,
		store:     store,
		logger:    logger,
	}
}

// ceilToNextFullHour returns the first top-of-hour at or after t
// (spec §4.7 step 1, §2 glossary, scenario S2): a detection landing exactly
// on the hour still reactivates at that same instant, any later in the hour
// rolls to the next one.
func ceilToNextFullHour(t time.Time) time.Time {
	truncated := t.Truncate(time.Hour)
	if truncated.Equal(t) {
		return truncated
	}
	return truncated.Add(time.Hour)
}

// Budget exposes the shared launch budget so Instance construction can wire
// it in as the instance.LaunchBudget dependency.
func (s *Scheduler) Budget() *LaunchBudget { return s.budget }

// SetMetrics registers the fleet-level metrics Recorder and immediately
// reports the current launch-budget capacity so the gauge isn't a phantom
// zero before the first passLoop tick.
func (s *Scheduler) SetMetrics(m Recorder) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
	if m != nil {
		m.SetLaunchBudget(s.budget.InUse(), s.budget.Capacity())
		m.SetGlobalHourlyLimitActive(false)
	}
}

// Register adds inst to the fleet under management. Call before Run.
func (s *Scheduler) Register(inst *instance.Instance) {
	inst.OnGlobalHourlyLimit(s.ReportGlobalHourlyLimit)

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := inst.Snapshot()
	s.instances[snap.ID] = inst
	s.order = append(s.order, snap.ID)
	sort.Ints(s.order)
}

// Run starts the instance goroutines and the scheduler's own periodic
// passes (auto-unpause, hourly-limit expiry), blocking until ctx is
// canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	insts := make([]*instance.Instance, 0, len(s.instances))
	for _, id := range s.order {
		insts = append(insts, s.instances[id])
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i, inst := range insts {
		wg.Add(1)
		delay := time.Duration(i) * startupLaunchPacing
		go func(inst *instance.Instance, delay time.Duration) {
			defer wg.Done()
			if !sleepCtx(ctx, delay) {
				return
			}
			inst.Run(ctx)
		}(inst, delay)
	}

	s.passLoop(ctx)
	wg.Wait()
}

// passLoop drives the scheduler's own ticker-bound work: auto-unpause, one
// instance per cycle, and clearing an expired global hourly-limit pause.
func (s *Scheduler) passLoop(ctx context.Context) {
	ticker := time.NewTicker(autoUnpauseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expireGlobalLimitIfDue()
			s.autoUnpauseOne()
			s.reportBudgetMetrics()
		}
	}
}

// ReportGlobalHourlyLimit is called by an Instance (via its caller, since
// Instance itself only classifies per-attempt outcomes) whenever a
// GlobalHourlyLimit outcome is observed. It pauses every non-excluded
// instance and records the detection in the hourly-limit stream.
func (s *Scheduler) ReportGlobalHourlyLimit(entry votelog.HourlyLimitEntry) {
	s.mu.Lock()
	alreadyActive := s.globalLimitActive
	if !alreadyActive {
		s.globalLimitActive = true
		s.globalLimitStartedAt = time.Now()
		s.globalReactivationAt = ceilToNextFullHour(s.globalLimitStartedAt)
	}
	insts := make([]*instance.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	m := s.metrics
	s.mu.Unlock()

	if err := s.log.AppendHourlyLimit(entry); err != nil {
		s.logger.Error("hourly limit log append failed", zap.Error(err))
	}
	if alreadyActive {
		return
	}
	if m != nil {
		m.SetGlobalHourlyLimitActive(true)
	}
	for _, inst := range insts {
		inst.Pause()
	}
	s.logger.Warn("global hourly limit detected, fleet paused", zap.Time("reactivation_at", s.globalReactivationAt))
}

// expireGlobalLimitIfDue only clears the flag once the reactivation hour has
// arrived; it never resumes instances itself. Spec §4.7 "Hourly-limit
// expiry" is explicit that resumption must still drip through autoUnpauseOne
// one instance per pass — consistency with startup pacing is deliberate, so
// a fleet that paused 30 instances at once never un-pauses them all in the
// same tick just because the clock rolled over.
func (s *Scheduler) expireGlobalLimitIfDue() {
	s.mu.Lock()
	due := s.globalLimitActive && !time.Now().Before(s.globalReactivationAt)
	if due {
		s.globalLimitActive = false
	}
	m := s.metrics
	s.mu.Unlock()

	if !due {
		return
	}
	if m != nil {
		m.SetGlobalHourlyLimitActive(false)
	}
	s.logger.Info("global hourly limit window elapsed, resuming fleet one instance per pass")
}

// autoUnpauseOne resumes exactly one paused instance per cycle — and only
// one whose own cooldown/backoff has actually elapsed (spec §4.7: "whose
// computed time-until-next-vote is 0") — so a fleet that paused many
// instances at once doesn't all come back and launch browsers in the same
// instant. Skipped entirely while a global hourly limit is active — nothing
// should resume until the whole fleet does.
func (s *Scheduler) autoUnpauseOne() {
	s.mu.Lock()
	if s.globalLimitActive {
		s.mu.Unlock()
		return
	}
	order := append([]int(nil), s.order...)
	start := s.unpauseCursor
	s.mu.Unlock()

	now := time.Now()
	for i := 0; i < len(order); i++ {
		idx := (start + i) % len(order)
		s.mu.Lock()
		inst, ok := s.instances[order[idx]]
		s.mu.Unlock()
		if !ok {
			continue
		}
		snap := inst.Snapshot()
		if snap.State == instance.StatePaused && !now.Before(snap.NextEligibleAt) {
			inst.Resume()
			s.mu.Lock()
			s.unpauseCursor = (idx + 1) % len(order)
			s.mu.Unlock()
			return
		}
	}
}

// TimeUntilNextVote implements the External Interface Adapter's priority
// query (spec §4.7): how long until id is next eligible to vote. While a
// global hourly limit is active this returns the same countdown — time
// until the next top-of-hour reactivation — for every instance, regardless
// of that instance's own state (spec invariant #4); otherwise it falls back
// to the instance's own cooldown/backoff/exclusion state.
func (s *Scheduler) TimeUntilNextVote(id int) (time.Duration, instance.State, bool) {
	s.mu.Lock()
	inst, ok := s.instances[id]
	globalActive := s.globalLimitActive
	reactivationAt := s.globalReactivationAt
	s.mu.Unlock()
	if !ok {
		return 0, "", false
	}
	snap := inst.Snapshot()
	if globalActive {
		wait := time.Until(reactivationAt)
		if wait < 0 {
			wait = 0
		}
		return wait, snap.State, true
	}
	switch snap.State {
	case instance.StateExcluded:
		return 0, snap.State, true
	case instance.StatePaused:
		return 0, snap.State, true
	default:
		wait := time.Until(snap.NextEligibleAt)
		if wait < 0 {
			wait = 0
		}
		return wait, snap.State, true
	}
}

// Restart implements the External Interface Adapter's restart(instance_id)
// command (spec §6) by delegating to the instance's own Restart.
func (s *Scheduler) Restart(id int) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	s.mu.Unlock()
	if !ok {
		return errUnknownInstance
	}
	inst.Restart()
	return nil
}

// ForceClose implements the External Interface Adapter's
// force_close_browser(instance_id) command (spec §6) by delegating to the
// instance's own ForceClose.
func (s *Scheduler) ForceClose(id int) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	s.mu.Unlock()
	if !ok {
		return errUnknownInstance
	}
	inst.ForceClose()
	return nil
}

// Snapshot returns every registered instance's current Snapshot, ordered by
// instance ID, for the External Interface Adapter's fleet-wide view.
func (s *Scheduler) Snapshot() []instance.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]instance.Snapshot, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.instances[id].Snapshot())
	}
	return out
}

// Restore replays the vote log to reconstruct each instance's last outcome
// before Run starts (spec §4.9), so a restart doesn't forget where an
// instance left off. The vote count comes from the session store; the log's
// success tally is used only for an instance with no session record.
func (s *Scheduler) Restore() error {
	entries, err := s.log.ReadAll()
	if err != nil {
		return err
	}

	tally := make(map[int]int)
	last := make(map[int]classifier.Kind)
	for _, e := range entries {
		if e.Status == "success" {
			tally[e.InstanceID]++
			last[e.InstanceID] = classifier.Success
		} else if e.FailureType == votelog.FailureIPCooldown {
			last[e.InstanceID] = classifier.InstanceCooldown
		} else if e.FailureType != "" {
			last[e.InstanceID] = classifier.Kind(e.FailureType)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, inst := range s.instances {
		count := tally[id]
		if s.store != nil {
			if rec, ok, err := s.store.Load(id); err == nil && ok {
				count = rec.VoteCount
			}
		}
		inst.Restore(count, last[id])
	}
	return nil
}

// reportBudgetMetrics is called each passLoop tick so the launch-budget
// gauges stay current even during quiet periods with no launches.
func (s *Scheduler) reportBudgetMetrics() {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.SetLaunchBudget(s.budget.InUse(), s.budget.Capacity())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
