package votelog

import (
	"path/filepath"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestOpenCreatesHourlyLimitStreamSameDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "votes.csv")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if filepath.Dir(l.HourlyLimitPath()) != filepath.Dir(l.Path()) {
		t.Fatalf("hourly-limit stream %q not co-located with %q", l.HourlyLimitPath(), l.Path())
	}
}

func TestAppendAttemptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "votes.csv"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	now := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)
	entry := VoteLogEntry{
		Timestamp:        now,
		InstanceID:       1,
		InstanceName:     "instance-1",
		TimeOfClick:      now,
		Status:           "success",
		VotingURL:        "https://example.test/vote",
		InitialVoteCount: intPtr(12618),
		FinalVoteCount:   intPtr(12619),
		VoteCountChange:  intPtr(1),
		ProxyIP:          "203.0.113.1",
		SessionToken:     "tok-1",
		ClickAttempts:    1,
		BrowserClosed:    true,
	}
	if err := l.AppendAttempt(entry); err != nil {
		t.Fatalf("AppendAttempt: %v", err)
	}

	got, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if *got[0].VoteCountChange != 1 || got[0].Status != "success" {
		t.Fatalf("unexpected entry: %+v", got[0])
	}
}

func TestAppendAttemptEmptyNumericFieldsStayEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "votes.csv")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := l.AppendAttempt(VoteLogEntry{
		Timestamp:    time.Now(),
		InstanceID:   2,
		InstanceName: "instance-2",
		TimeOfClick:  time.Now(),
		Status:       "failed",
		FailureType:  FailureTechnical,
	}); err != nil {
		t.Fatalf("AppendAttempt: %v", err)
	}

	got, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if got[0].InitialVoteCount != nil || got[0].FinalVoteCount != nil {
		t.Fatalf("expected nil numeric fields, got %+v", got[0])
	}
}

func TestHourlyAnalyticsJoinsBothStreams(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "votes.csv"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	hour := time.Date(2026, 1, 1, 4, 0, 0, 0, time.UTC)
	if err := l.AppendAttempt(VoteLogEntry{
		Timestamp: hour.Add(5 * time.Minute), InstanceID: 1, InstanceName: "i1",
		TimeOfClick: hour.Add(5 * time.Minute), Status: "success",
	}); err != nil {
		t.Fatalf("AppendAttempt: %v", err)
	}
	if err := l.AppendHourlyLimit(HourlyLimitEntry{
		DetectedAt: hour.Add(10 * time.Minute), InstanceID: 1, InstanceName: "i1",
		VoteCount: 7, FailureType: FailureGlobalHourlyLimit,
	}); err != nil {
		t.Fatalf("AppendHourlyLimit: %v", err)
	}

	buckets, err := l.HourlyAnalytics(hour.Add(time.Hour))
	if err != nil {
		t.Fatalf("HourlyAnalytics: %v", err)
	}
	b, ok := buckets[hour]
	if !ok {
		t.Fatalf("expected bucket for %v, got %v", hour, buckets)
	}
	if b.Total != 1 || b.Success != 1 || b.HourlyLimitCount != 1 || b.VotesBeforeLimit != 7 {
		t.Fatalf("unexpected bucket: %+v", b)
	}
}

func TestReadAllIdempotentAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "votes.csv"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.AppendAttempt(VoteLogEntry{
		Timestamp: time.Now(), InstanceID: 3, InstanceName: "i3",
		TimeOfClick: time.Now(), Status: "success",
		InitialVoteCount: intPtr(1), FinalVoteCount: intPtr(2), VoteCountChange: intPtr(1),
	}); err != nil {
		t.Fatalf("AppendAttempt: %v", err)
	}

	first, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll first: %v", err)
	}
	second, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll second: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("replay not idempotent: %d vs %d", len(first), len(second))
	}
}
