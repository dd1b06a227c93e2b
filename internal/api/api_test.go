package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shivanshu32/cloudvoter-sub001/internal/instance"
)

type fakeFleet struct {
	snaps []instance.Snapshot
	wait  time.Duration
	state instance.State
	found bool
}

func (f *fakeFleet) Snapshot() []instance.Snapshot { return f.snaps }

func (f *fakeFleet) TimeUntilNextVote(id int) (time.Duration, instance.State, bool) {
	return f.wait, f.state, f.found
}

func TestHandleStatusReturnsSnapshot(t *testing.T) {
	f := &fakeFleet{snaps: []instance.Snapshot{{ID: 1, Name: "one", State: instance.StateIdle}}}
	s := New(f, Config{}, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	s.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var got []instance.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].Name != "one" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestHandleNextVoteUnknownInstanceReturns404(t *testing.T) {
	f := &fakeFleet{found: false}
	s := New(f, Config{}, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/instances/next-vote?id=42", nil)
	s.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestHandleNextVoteMissingIDReturns400(t *testing.T) {
	f := &fakeFleet{}
	s := New(f, Config{}, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/instances/next-vote", nil)
	s.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleLoginRequiredFiltersByExcludedState(t *testing.T) {
	f := &fakeFleet{snaps: []instance.Snapshot{
		{ID: 1, State: instance.StateExcluded, LastOutcome: "login_required"},
		{ID: 2, State: instance.StateCooldown, LastOutcome: "success"},
	}}
	s := New(f, Config{}, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/instances/login-required", nil)
	s.Routes().ServeHTTP(rr, req)

	var got []instance.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("unexpected filter result: %+v", got)
	}
}

func TestHandleOpenBrowsersFiltersByBrowserOpenedAtAndIncludesDuration(t *testing.T) {
	openedAt := time.Now().Add(-5 * time.Second)
	f := &fakeFleet{snaps: []instance.Snapshot{
		{ID: 1, State: instance.StateVoting, BrowserOpenedAt: openedAt},
		{ID: 2, State: instance.StateIdle},
	}}
	s := New(f, Config{}, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/instances/open-browsers", nil)
	s.Routes().ServeHTTP(rr, req)

	var got []openBrowserSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("unexpected filter result: %+v", got)
	}
	if got[0].DurationSeconds < 4 {
		t.Fatalf("duration_seconds = %v, want at least ~5s", got[0].DurationSeconds)
	}
}

func TestHandleRestartNotConfiguredReturns501(t *testing.T) {
	f := &fakeFleet{}
	s := New(f, Config{}, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/instances/restart?id=1", nil)
	s.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rr.Code)
	}
}

func TestHandleRestartCallsHookAndBroadcasts(t *testing.T) {
	var calledWith int
	f := &fakeFleet{}
	s := New(f, Config{Restart: func(id int) error { calledWith = id; return nil }}, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/instances/restart?id=5", nil)
	s.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if calledWith != 5 {
		t.Fatalf("restart hook called with %d, want 5", calledWith)
	}
}

func TestHubBroadcastDropsWhenClientBufferFull(t *testing.T) {
	h := NewHub()
	// No registered connections: Broadcast must not block or panic.
	h.Broadcast("status", map[string]int{"a": 1})

	// A client whose outbound buffer is already full loses the new message
	// instead of blocking Broadcast.
	full := make(chan []byte, 1)
	full <- []byte("queued")
	h.conns[&websocket.Conn{}] = full
	h.Broadcast("status", map[string]int{"a": 2})
	if len(full) != 1 || string(<-full) != "queued" {
		t.Fatal("expected the full client buffer to hold only its queued message")
	}
}
