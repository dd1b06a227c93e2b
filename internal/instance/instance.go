// Package instance implements the Instance State Machine: the per-instance
// control loop that waits for eligibility, spawns a Browser Worker attempt,
// persists the classified outcome, and sleeps the outcome-appropriate
// cooldown before repeating. The backoff shape is adapted
// from the teacher's deleted internal/worker/worker.go; the eligibility and
// cooldown rules themselves come from the spec's per-instance loop.
package instance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shivanshu32/cloudvoter-sub001/internal/browserworker"
	"github.com/shivanshu32/cloudvoter-sub001/internal/classifier"
	"github.com/shivanshu32/cloudvoter-sub001/internal/proxyalloc"
	"github.com/shivanshu32/cloudvoter-sub001/internal/sessionstore"
	"github.com/shivanshu32/cloudvoter-sub001/internal/votelog"
)

// State is the instance's externally visible lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateLaunching State = "launching"
	StateVoting    State = "voting"
	StateCooldown  State = "cooldown"
	StatePaused    State = "paused"
	StateExcluded  State = "excluded"
)

const (
	minBackoff           = 30 * time.Second
	maxBackoff           = 5 * time.Minute
	maxConsecutiveInits  = 5
	excludedSleep        = time.Hour
	defaultVoteCooldown  = 20 * time.Minute
	launchSlotRetryDelay = 30 * time.Second
)

// errLaunchSlotTimeout marks an attempt that never got a launch slot.
var errLaunchSlotTimeout = errors.New("launch budget: no slot acquired")

// farFuture is the sentinel excludedUntil value for a permanent (until
// process restart) exclusion: spec §4.5 gives LoginRequired no expiry, only
// restart clears it, so there is no real timestamp to compute here.
var farFuture = time.Now().AddDate(100, 0, 0)

// LaunchBudget is the Fleet Scheduler's counting gate on concurrent browser
// launches. Acquire blocks until a slot is free or ctx/timeout expires.
type LaunchBudget interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Config is an instance's static identity and tunables, loaded once at
// startup from the instance roster.
type Config struct {
	ID               int
	Name             string
	VotingURL        string
	VoteCooldown     time.Duration // wait after a success or an ip_cooldown outcome; defaultVoteCooldown if unset
	CounterSelectors []string
	VoteButtonSelectors []string
	CloseButtonSelectors []string
	GenericCloseSelectors []string
	LoginButtonSelectors []string
	Patterns         browserworker.Patterns
	Blocking         browserworker.ResourceBlocking
}

// AllStates lists every externally visible lifecycle state, in the order
// Recorder.SetInstanceState should zero them.
var AllStates = []string{
	string(StateIdle), string(StateLaunching), string(StateVoting),
	string(StateCooldown), string(StatePaused), string(StateExcluded),
}

// Recorder is the subset of the metrics Collector an Instance reports
// through. It is an interface so Instance stays testable without a real
// Prometheus registry.
type Recorder interface {
	RecordOutcome(classifier.Kind)
	SetInstanceState(instanceID string, states []string, active string)
	SetVoteCount(instanceID, instanceName string, count int)
}

// Instance drives one logical voting identity's control loop.
type Instance struct {
	cfg     Config
	worker  *browserworker.Worker
	proxies *proxyalloc.Allocator
	store   *sessionstore.Store
	log     *votelog.Log
	budget  LaunchBudget
	logger  *zap.Logger
	metrics Recorder

	mu                  sync.Mutex
	state               State
	voteCount           int
	consecutiveInitFail int
	paused              bool
	pauseRequested      bool
	excludedUntil       time.Time
	nextEligibleAt      time.Time
	lastOutcome         classifier.Kind
	browserOpenedAt     time.Time
	attemptCancel       context.CancelFunc

	// onGlobalHourlyLimit notifies the Fleet Scheduler of a detected global
	// limit so it can pause the rest of the fleet; nil is fine in tests that
	// never produce that outcome.
	onGlobalHourlyLimit func(votelog.HourlyLimitEntry)
}

// SetMetrics registers the Fleet Scheduler's metrics Recorder. Optional: a
// nil Recorder (the zero value) just means no metrics are reported, which is
// what every existing unit test does.
func (in *Instance) SetMetrics(m Recorder) {
	in.mu.Lock()
	in.metrics = m
	in.mu.Unlock()
}

// OnGlobalHourlyLimit registers the Fleet Scheduler's hook for reacting to
// a GlobalHourlyLimit classification. The Instance itself never reaches
// into fleet-wide state; this is the only channel it uses to report one.
func (in *Instance) OnGlobalHourlyLimit(fn func(votelog.HourlyLimitEntry)) {
	in.mu.Lock()
	in.onGlobalHourlyLimit = fn
	in.mu.Unlock()
}

// New constructs an Instance ready to Run.
func New(cfg Config, worker *browserworker.Worker, proxies *proxyalloc.Allocator, store *sessionstore.Store, log *votelog.Log, budget LaunchBudget, logger *zap.Logger) *Instance {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.VoteCooldown <= 0 {
		cfg.VoteCooldown = defaultVoteCooldown
	}
	inst := &Instance{
		cfg:     cfg,
		worker:  worker,
		proxies: proxies,
		store:   store,
		log:     log,
		budget:  budget,
		logger:  logger.With(zap.Int("instance_id", cfg.ID), zap.String("instance_name", cfg.Name)),
		state:   StateIdle,
	}
	if rec, ok, err := store.Load(cfg.ID); err == nil && ok {
		inst.voteCount = rec.VoteCount
	}
	return inst
}

// Restore sets the instance's vote count and last outcome to the values the
// Fleet Scheduler resolved during startup restoration (spec §4.9).
func (in *Instance) Restore(voteCount int, lastOutcome classifier.Kind) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.voteCount = voteCount
	in.lastOutcome = lastOutcome
}

// Pause requests that the loop enter StatePaused at its next eligibility
// check. It is edge-triggered: calling Pause while already paused is a
// no-op, and Resume must be called to clear it.
func (in *Instance) Pause() {
	in.mu.Lock()
	in.pauseRequested = true
	in.mu.Unlock()
}

// Resume clears a pause request or an active pause.
func (in *Instance) Resume() {
	in.mu.Lock()
	in.pauseRequested = false
	in.paused = false
	in.mu.Unlock()
}

// Exclude marks the instance excluded until the given time (manual
// operator action or a detected TOS/ban condition upstream of this state
// machine); the loop then sleeps in one-hour increments until it elapses.
func (in *Instance) Exclude(until time.Time) {
	in.mu.Lock()
	in.excludedUntil = until
	in.mu.Unlock()
}

// Restart clears exclusion, pause, and backoff state and makes the instance
// immediately eligible again. It backs the External Interface Adapter's
// restart(instance_id) command (spec §6): an operator's way of recovering an
// instance that excluded itself (e.g. on LoginRequired) without restarting
// the whole process.
func (in *Instance) Restart() {
	in.mu.Lock()
	in.excludedUntil = time.Time{}
	in.paused = false
	in.pauseRequested = false
	in.consecutiveInitFail = 0
	in.nextEligibleAt = time.Time{}
	in.mu.Unlock()
}

// ForceClose cancels the instance's in-flight attempt, if any, forcing its
// Browser Worker's browser/navigation calls to fail fast instead of running
// to their own timeouts. It backs the External Interface Adapter's
// force_close_browser(id) command (spec §6) — the janitor's manual override.
// A no-op when no attempt is currently running.
func (in *Instance) ForceClose() {
	in.mu.Lock()
	cancel := in.attemptCancel
	in.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Snapshot is the read-only view exposed to the External Interface Adapter.
type Snapshot struct {
	ID              int
	Name            string
	State           State
	VoteCount       int
	NextEligibleAt  time.Time
	LastOutcome     classifier.Kind
	BrowserOpenedAt time.Time // zero unless a browser-launch slot is currently held (spec §3)
}

func (in *Instance) Snapshot() Snapshot {
	in.mu.Lock()
	defer in.mu.Unlock()
	return Snapshot{
		ID:              in.cfg.ID,
		Name:            in.cfg.Name,
		State:           in.state,
		VoteCount:       in.voteCount,
		NextEligibleAt:  in.nextEligibleAt,
		LastOutcome:     in.lastOutcome,
		BrowserOpenedAt: in.browserOpenedAt,
	}
}

func (in *Instance) setState(s State) {
	in.mu.Lock()
	in.state = s
	m := in.metrics
	in.mu.Unlock()
	if m != nil {
		m.SetInstanceState(strconv.Itoa(in.cfg.ID), AllStates, string(s))
	}
}

// Run is the instance's control loop: wait for eligibility, run one
// attempt, persist and classify, sleep, repeat. It returns only when ctx is
// canceled (process shutdown).
func (in *Instance) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		in.mu.Lock()
		excluded := in.excludedUntil.After(time.Now())
		if in.pauseRequested {
			in.paused = true
		}
		paused := in.paused
		in.mu.Unlock()

		if excluded {
			in.setState(StateExcluded)
			if !sleepCtx(ctx, excludedSleep) {
				return
			}
			continue
		}
		if paused {
			in.setState(StatePaused)
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		in.mu.Lock()
		wait := time.Until(in.nextEligibleAt)
		in.mu.Unlock()
		if wait > 0 {
			in.setState(StateCooldown)
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		outcome, ep, attemptErr := in.attempt(ctx)
		if errors.Is(attemptErr, errLaunchSlotTimeout) {
			// No launch slot within the budget's timeout: retry after a
			// short sleep without counting it as an init failure.
			if !sleepCtx(ctx, launchSlotRetryDelay) {
				return
			}
			continue
		}
		if attemptErr != nil {
			// Proxy allocation failure: treat as a technical failure for
			// backoff purposes without a Worker run to classify, so no
			// vote-log row is written for it.
			in.recordInitFailure()
			if !sleepCtx(ctx, in.nextBackoff()) {
				return
			}
			continue
		}

		in.record(outcome, ep)

		sleepFor, excludedNow := in.applyOutcome(outcome)
		if excludedNow {
			continue
		}

		if !sleepCtx(ctx, sleepFor) {
			return
		}
	}
}

// maxAttemptDuration bounds one Worker.Run call end to end. The Worker
// always closes its own browser on return, but this is the backstop that
// guarantees a wedged chromedp target can never hold a launch slot (and the
// underlying Chrome process) open indefinitely — the practical form the
// browser janitor takes at this layer, since the Fleet Scheduler never sees
// a browser handle to close itself.
const maxAttemptDuration = 90 * time.Second

func (in *Instance) attempt(ctx context.Context) (classifier.Outcome, proxyalloc.Endpoint, error) {
	in.setState(StateLaunching)

	release, err := in.budget.Acquire(ctx)
	if err != nil {
		return classifier.Outcome{}, proxyalloc.Endpoint{}, fmt.Errorf("%w: %v", errLaunchSlotTimeout, err)
	}
	openedAt := time.Now()
	in.mu.Lock()
	in.browserOpenedAt = openedAt
	in.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, maxAttemptDuration)
	in.mu.Lock()
	in.attemptCancel = cancel
	in.mu.Unlock()
	defer func() {
		in.mu.Lock()
		in.browserOpenedAt = time.Time{}
		in.attemptCancel = nil
		in.mu.Unlock()
		cancel()
		release()
	}()

	ep, err := in.proxies.Acquire(ctx, in.cfg.ID)
	if err != nil {
		return classifier.Outcome{}, proxyalloc.Endpoint{}, fmt.Errorf("proxy acquire: %w", err)
	}

	in.setState(StateVoting)

	in.mu.Lock()
	voteCount := in.voteCount
	in.mu.Unlock()

	proxyURL := ep.URL()
	proxyURL.User = nil

	req := browserworker.Request{
		InstanceID:            in.cfg.ID,
		VotingURL:             in.cfg.VotingURL,
		ProxyURL:              proxyURL.String(),
		ProxyUsername:         ep.Username,
		ProxyPassword:         ep.Password,
		StorageStatePath:      in.store.StorageStatePath(in.cfg.ID),
		VoteCount:             voteCount,
		BrowserOpenedAt:       openedAt,
		CounterSelectors:      in.cfg.CounterSelectors,
		VoteButtonSelectors:   in.cfg.VoteButtonSelectors,
		CloseButtonSelectors:  in.cfg.CloseButtonSelectors,
		GenericCloseSelectors: in.cfg.GenericCloseSelectors,
		LoginButtonSelectors:  in.cfg.LoginButtonSelectors,
		Patterns:              in.cfg.Patterns,
		Blocking:              in.cfg.Blocking,
	}

	outcome := in.worker.Run(ctx, req)

	lastSuccess := successTime(outcome)
	if lastSuccess.IsZero() {
		if prev, ok, err := in.store.Load(in.cfg.ID); err == nil && ok {
			lastSuccess = prev.LastSuccessAt
		}
	}
	if err := in.store.Save(in.cfg.ID, sessionstore.Record{
		InstanceID:    in.cfg.ID,
		ProxyIP:       ep.ObservedIP,
		SessionToken:  ep.SessionToken,
		LastSuccessAt: lastSuccess,
		VoteCount:     in.voteCountAfter(outcome),
		SavedAt:       time.Now(),
	}); err != nil {
		in.logger.Warn("session store save failed", zap.Error(err))
	}

	return outcome, ep, nil
}

func successTime(o classifier.Outcome) time.Time {
	if o.Kind == classifier.Success || o.Kind == classifier.SuccessUnverified {
		return time.Now()
	}
	return time.Time{}
}

func (in *Instance) voteCountAfter(o classifier.Outcome) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	if o.Kind == classifier.Success || o.Kind == classifier.SuccessUnverified {
		in.voteCount++
	}
	return in.voteCount
}

// record persists the classified outcome to the vote log and resets or
// advances consecutive-failure bookkeeping.
func (in *Instance) record(o classifier.Outcome, ep proxyalloc.Endpoint) {
	in.mu.Lock()
	in.lastOutcome = o.Kind
	if o.Kind == classifier.Technical || o.Kind == classifier.NavigationError {
		in.consecutiveInitFail++
	} else {
		in.consecutiveInitFail = 0
	}
	in.mu.Unlock()

	now := time.Now()
	entry := votelog.VoteLogEntry{
		Timestamp:        now,
		InstanceID:       in.cfg.ID,
		InstanceName:     in.cfg.Name,
		TimeOfClick:      now,
		VotingURL:        in.cfg.VotingURL,
		ClickAttempts:    o.ClickAttempts,
		InitialVoteCount: o.InitialCount,
		FinalVoteCount:   o.FinalCount,
		ProxyIP:          ep.ObservedIP,
		SessionToken:     ep.SessionToken,
		BrowserClosed:    true,
	}
	switch o.Kind {
	case classifier.Success, classifier.SuccessUnverified:
		entry.Status = "success"
		if o.Kind == classifier.SuccessUnverified {
			entry.FailureReason = "unverified: vote counter unreadable"
		}
	case classifier.InstanceCooldown:
		entry.Status = "failed"
		entry.FailureType = votelog.FailureIPCooldown
		entry.CooldownMessage = o.Message
	case classifier.GlobalHourlyLimit:
		entry.Status = "failed"
		entry.FailureType = votelog.FailureGlobalHourlyLimit
		entry.FailureReason = o.Message
		in.notifyGlobalHourlyLimit(entry)
	case classifier.LoginRequired:
		entry.Status = "failed"
		entry.FailureType = votelog.FailureLoginRequired
		entry.FailureReason = o.Message
	case classifier.NavigationError:
		entry.Status = "failed"
		entry.FailureType = votelog.FailureTechnical
		entry.ErrorMessage = o.Message
	default:
		entry.Status = "failed"
		entry.FailureType = votelog.FailureTechnical
		entry.ErrorMessage = o.Message
	}
	if o.Delta != nil {
		entry.VoteCountChange = o.Delta
	}
	if err := in.log.AppendAttempt(entry); err != nil {
		in.logger.Error("vote log append failed", zap.Error(err))
	}

	in.mu.Lock()
	m, voteCount := in.metrics, in.voteCount
	in.mu.Unlock()
	if m != nil {
		m.RecordOutcome(o.Kind)
		m.SetVoteCount(strconv.Itoa(in.cfg.ID), in.cfg.Name, voteCount)
	}
}

func (in *Instance) notifyGlobalHourlyLimit(entry votelog.VoteLogEntry) {
	in.mu.Lock()
	fn := in.onGlobalHourlyLimit
	voteCount := in.voteCount
	in.mu.Unlock()
	if fn == nil {
		return
	}
	fn(votelog.HourlyLimitEntry{
		DetectedAt:      entry.Timestamp,
		InstanceID:      entry.InstanceID,
		InstanceName:    entry.InstanceName,
		VoteCount:       voteCount,
		ProxyIP:         entry.ProxyIP,
		SessionToken:    entry.SessionToken,
		CooldownMessage: entry.FailureReason,
		FailureType:     entry.FailureType,
	})
}

func (in *Instance) recordInitFailure() {
	in.mu.Lock()
	in.consecutiveInitFail++
	in.mu.Unlock()
}

// nextBackoff implements the exponential backoff in spec §4.6: min(30s *
// 2^(n-1), 300s), and auto-pauses the instance after five consecutive
// failures rather than spinning forever against a dead proxy or a down
// target site.
func (in *Instance) nextBackoff() time.Duration {
	in.mu.Lock()
	n := in.consecutiveInitFail
	if n >= maxConsecutiveInits {
		in.paused = true
	}
	in.mu.Unlock()

	if n <= 0 {
		return minBackoff
	}
	backoff := minBackoff * time.Duration(1<<uint(n-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// applyOutcome is the state transition Run performs after an attempt is
// recorded: a LoginRequired outcome excludes the instance permanently (spec
// §4.5/§4.6, invariant #8) instead of sleeping for a cooldown; every other
// outcome just schedules nextEligibleAt. Returns the sleep duration (0 if
// excludedNow, since the caller should loop immediately to observe the new
// Excluded state) and whether the instance was just excluded.
func (in *Instance) applyOutcome(o classifier.Outcome) (sleepFor time.Duration, excludedNow bool) {
	if o.Kind == classifier.LoginRequired {
		in.Exclude(farFuture)
		return 0, true
	}
	sleepFor = in.cooldownFor(o)
	in.mu.Lock()
	in.nextEligibleAt = time.Now().Add(sleepFor)
	in.mu.Unlock()
	return sleepFor, false
}

func (in *Instance) cooldownFor(o classifier.Outcome) time.Duration {
	switch o.Kind {
	case classifier.Success, classifier.SuccessUnverified:
		in.mu.Lock()
		in.consecutiveInitFail = 0
		in.mu.Unlock()
		return in.cfg.VoteCooldown
	case classifier.InstanceCooldown:
		return in.cfg.VoteCooldown
	case classifier.Technical, classifier.NavigationError:
		return in.nextBackoff()
	case classifier.GlobalHourlyLimit:
		// The Fleet Scheduler pauses every instance on this outcome; the
		// instance's own cooldown barely matters, but a short one keeps the
		// loop from spinning if it races the scheduler's pause signal.
		return 30 * time.Second
	default:
		return in.nextBackoff()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
