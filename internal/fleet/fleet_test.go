package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/shivanshu32/cloudvoter-sub001/internal/instance"
	"github.com/shivanshu32/cloudvoter-sub001/internal/proxyalloc"
	"github.com/shivanshu32/cloudvoter-sub001/internal/sessionstore"
	"github.com/shivanshu32/cloudvoter-sub001/internal/votelog"
)

func TestLaunchBudgetCapsConcurrentHolders(t *testing.T) {
	b := NewLaunchBudget(2)

	release1, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	release2, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if b.InUse() != 2 {
		t.Fatalf("InUse = %d, want 2", b.InUse())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := b.Acquire(ctx); err == nil {
		t.Fatalf("expected third Acquire to block/time out while 2 slots are held")
	}

	release1()
	release, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release()
	release2()
}

func TestLaunchBudgetCapacityReflectsConfiguredSize(t *testing.T) {
	b := NewLaunchBudget(5)
	if b.Capacity() != 5 {
		t.Fatalf("Capacity = %d, want 5", b.Capacity())
	}
}

func TestLaunchBudgetDefaultsToOneWhenNonPositive(t *testing.T) {
	b := NewLaunchBudget(0)
	if b.Capacity() != 1 {
		t.Fatalf("Capacity = %d, want 1 for non-positive config", b.Capacity())
	}
}

func TestSchedulerSnapshotIsEmptyBeforeRegister(t *testing.T) {
	s := New(Config{MaxConcurrentLaunches: 3}, nil, nil, nil)
	if got := s.Snapshot(); len(got) != 0 {
		t.Fatalf("expected empty snapshot, got %d entries", len(got))
	}
}

func TestTimeUntilNextVoteUnknownInstance(t *testing.T) {
	s := New(Config{MaxConcurrentLaunches: 3}, nil, nil, nil)
	if _, _, ok := s.TimeUntilNextVote(999); ok {
		t.Fatalf("expected ok=false for an unregistered instance")
	}
}

func TestRestartAndForceCloseRejectUnknownInstance(t *testing.T) {
	s := New(Config{MaxConcurrentLaunches: 3}, nil, nil, nil)
	if err := s.Restart(999); err == nil {
		t.Fatalf("expected Restart to error for an unregistered instance")
	}
	if err := s.ForceClose(999); err == nil {
		t.Fatalf("expected ForceClose to error for an unregistered instance")
	}
}

func TestRestartAndForceCloseDelegateToRegisteredInstance(t *testing.T) {
	log, err := votelog.Open(t.TempDir() + "/votes.csv")
	if err != nil {
		t.Fatalf("votelog.Open: %v", err)
	}
	store, err := sessionstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("sessionstore.New: %v", err)
	}

	s := New(Config{MaxConcurrentLaunches: 1}, log, store, nil)
	inst := instance.New(instance.Config{ID: 1, Name: "i"}, nil, nil, store, log, s.Budget(), nil)
	s.Register(inst)

	if err := s.Restart(1); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if err := s.ForceClose(1); err != nil {
		t.Fatalf("ForceClose: %v", err)
	}
}

// TestGlobalHourlyLimitGivesEveryInstanceTheSameCountdown covers spec
// invariant #4: while a global hourly limit is active, TimeUntilNextVote
// must return the same countdown for every instance, regardless of each
// instance's own state (idle, cooldown, paused).
func TestGlobalHourlyLimitGivesEveryInstanceTheSameCountdown(t *testing.T) {
	log, err := votelog.Open(t.TempDir() + "/votes.csv")
	if err != nil {
		t.Fatalf("votelog.Open: %v", err)
	}
	store, err := sessionstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("sessionstore.New: %v", err)
	}

	s := New(Config{MaxConcurrentLaunches: 1}, log, store, nil)
	for _, id := range []int{1, 2} {
		inst := instance.New(instance.Config{ID: id, Name: "i"}, nil, nil, store, log, s.Budget(), nil)
		s.Register(inst)
	}

	s.ReportGlobalHourlyLimit(votelog.HourlyLimitEntry{InstanceID: 1, VoteCount: 5})

	wait1, _, ok1 := s.TimeUntilNextVote(1)
	wait2, _, ok2 := s.TimeUntilNextVote(2)
	if !ok1 || !ok2 {
		t.Fatalf("expected both registered instances to resolve")
	}
	if diff := wait1 - wait2; diff > time.Second || diff < -time.Second {
		t.Fatalf("countdowns diverged across instances: %v vs %v", wait1, wait2)
	}
	if wait1 <= 0 {
		t.Fatalf("expected a positive countdown to the next reactivation, got %v", wait1)
	}
}

func TestCeilToNextFullHour(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"2025-10-20T14:20:00Z", "2025-10-20T15:00:00Z"},
		{"2025-10-20T14:00:00Z", "2025-10-20T14:00:00Z"},
		{"2025-10-20T23:59:59Z", "2025-10-21T00:00:00Z"},
	}
	for _, c := range cases {
		in, err := time.Parse(time.RFC3339, c.in)
		if err != nil {
			t.Fatalf("parse %q: %v", c.in, err)
		}
		want, err := time.Parse(time.RFC3339, c.want)
		if err != nil {
			t.Fatalf("parse %q: %v", c.want, err)
		}
		if got := ceilToNextFullHour(in); !got.Equal(want) {
			t.Fatalf("ceilToNextFullHour(%v) = %v, want %v", in, got, want)
		}
	}
}

// TestExpireGlobalLimitDoesNotBatchResume covers spec §4.7's explicit "do
// not fast-batch-resume" requirement: clearing the expired flag must not by
// itself resume every paused instance, only let autoUnpauseOne drip them
// back one per pass. Each instance runs its real loop against a proxy
// allocator with no external service configured, so an accidental resume
// into an attempt fails fast on ProxyError instead of touching a browser.
func TestExpireGlobalLimitDoesNotBatchResume(t *testing.T) {
	log, err := votelog.Open(t.TempDir() + "/votes.csv")
	if err != nil {
		t.Fatalf("votelog.Open: %v", err)
	}
	store, err := sessionstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("sessionstore.New: %v", err)
	}
	proxies := proxyalloc.New(nil, store)

	s := New(Config{MaxConcurrentLaunches: 3}, log, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var insts []*instance.Instance
	for _, id := range []int{1, 2, 3} {
		inst := instance.New(instance.Config{ID: id, Name: "i", VoteCooldown: time.Hour}, nil, proxies, store, log, s.Budget(), nil)
		inst.Pause() // must precede Run so the loop never reaches an eligible attempt
		insts = append(insts, inst)
		s.Register(inst)
		go inst.Run(ctx)
	}

	if !waitForPausedCount(insts, 3, time.Second) {
		t.Fatalf("expected all 3 instances to settle into Paused before the limit is reported")
	}

	s.ReportGlobalHourlyLimit(votelog.HourlyLimitEntry{InstanceID: 1})
	s.mu.Lock()
	s.globalReactivationAt = time.Now().Add(-time.Second) // force expiry due
	s.mu.Unlock()

	s.expireGlobalLimitIfDue()
	time.Sleep(100 * time.Millisecond)
	if got := pausedCount(insts); got != 3 {
		t.Fatalf("expireGlobalLimitIfDue must not itself resume instances, got %d still paused, want 3", got)
	}

	s.autoUnpauseOne()
	// The instance loop's Paused branch sleeps in fixed 5s ticks before
	// re-observing Resume(), so the state transition lags the call.
	if !waitForPausedCount(insts, 2, 7*time.Second) {
		t.Fatalf("autoUnpauseOne must resume exactly one instance per pass, got %d still paused, want 2", pausedCount(insts))
	}
}

func pausedCount(insts []*instance.Instance) int {
	n := 0
	for _, inst := range insts {
		if inst.Snapshot().State == instance.StatePaused {
			n++
		}
	}
	return n
}

func waitForPausedCount(insts []*instance.Instance, want int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pausedCount(insts) == want {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return pausedCount(insts) == want
}

type fakeRecorder struct {
	inUse, capacity int
	globalActive    bool
}

func (f *fakeRecorder) SetLaunchBudget(inUse, capacity int) { f.inUse, f.capacity = inUse, capacity }
func (f *fakeRecorder) SetGlobalHourlyLimitActive(active bool) { f.globalActive = active }

func TestReportGlobalHourlyLimitUpdatesMetrics(t *testing.T) {
	log, err := votelog.Open(t.TempDir() + "/votes.csv")
	if err != nil {
		t.Fatalf("votelog.Open: %v", err)
	}
	store, err := sessionstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("sessionstore.New: %v", err)
	}

	s := New(Config{MaxConcurrentLaunches: 2}, log, store, nil)
	rec := &fakeRecorder{}
	s.SetMetrics(rec)
	if rec.capacity != 2 {
		t.Fatalf("SetMetrics did not report initial capacity: %+v", rec)
	}

	s.ReportGlobalHourlyLimit(votelog.HourlyLimitEntry{InstanceID: 1})
	if !rec.globalActive {
		t.Fatalf("expected the global-limit gauge to flip on after a detection")
	}
}
