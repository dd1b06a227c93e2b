package proxyalloc

import (
	"context"
	"testing"
	"time"

	"github.com/shivanshu32/cloudvoter-sub001/internal/sessionstore"
)

type countingService struct {
	calls int
}

func (c *countingService) Allocate(ctx context.Context, instanceID int) (Endpoint, error) {
	c.calls++
	return Endpoint{Host: "203.0.113.9", Port: 8080, SessionToken: "fresh-token", ObservedIP: "203.0.113.9"}, nil
}

func TestAcquireReusesStoredSessionWithoutCallingService(t *testing.T) {
	store, err := sessionstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("sessionstore.New: %v", err)
	}
	if err := store.Save(1, sessionstore.Record{
		InstanceID:   1,
		ProxyIP:      "198.51.100.2",
		SessionToken: "stored-token",
		SavedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	svc := &countingService{}
	a := New(svc, store)

	ep, err := a.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ep.SessionToken != "stored-token" {
		t.Fatalf("expected reused token, got %q", ep.SessionToken)
	}
	if svc.calls != 0 {
		t.Fatalf("expected 0 external calls, got %d", svc.calls)
	}
}

func TestAcquireColdStartCallsService(t *testing.T) {
	store, err := sessionstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("sessionstore.New: %v", err)
	}
	svc := &countingService{}
	a := New(svc, store)

	ep, err := a.Acquire(context.Background(), 2)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ep.SessionToken != "fresh-token" {
		t.Fatalf("expected fresh token, got %q", ep.SessionToken)
	}
	if svc.calls != 1 {
		t.Fatalf("expected 1 external call, got %d", svc.calls)
	}
}

func TestAcquireTwiceReusesCacheWithoutSecondCall(t *testing.T) {
	store, err := sessionstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("sessionstore.New: %v", err)
	}
	svc := &countingService{}
	a := New(svc, store)

	first, err := a.Acquire(context.Background(), 3)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	second, err := a.Acquire(context.Background(), 3)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if first.SessionToken != second.SessionToken || first.ObservedIP != second.ObservedIP {
		t.Fatalf("expected identical endpoint on reuse: %+v vs %+v", first, second)
	}
	if svc.calls != 1 {
		t.Fatalf("expected exactly 1 external call across two acquisitions, got %d", svc.calls)
	}
}

func TestRotateForcesNewAllocation(t *testing.T) {
	store, err := sessionstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("sessionstore.New: %v", err)
	}
	svc := &countingService{}
	a := New(svc, store)

	if _, err := a.Acquire(context.Background(), 4); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := a.Rotate(context.Background(), 4); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if svc.calls != 2 {
		t.Fatalf("expected 2 external calls after rotate, got %d", svc.calls)
	}
}
