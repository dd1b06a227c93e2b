// Package classifier implements the pure outcome-classification function at
// the center of the voting protocol: no I/O, no clock reads, no randomness.
// Same inputs always produce the same Outcome (testable property #10).
package classifier

import "strings"

// Kind is the closed outcome taxonomy.
type Kind string

const (
	Success             Kind = "success"
	SuccessUnverified    Kind = "success_unverified"
	InstanceCooldown     Kind = "instance_cooldown"
	GlobalHourlyLimit    Kind = "global_hourly_limit"
	Technical            Kind = "technical"
	LoginRequired        Kind = "login_required"
	NavigationError      Kind = "navigation_error"
	LaunchLockTimeout    Kind = "launch_lock_timeout"
)

// Outcome is the tagged variant returned by the Browser Worker and consumed
// by the Instance state machine. Workers never raise across the Instance
// boundary; every failure mode is folded into one of these.
type Outcome struct {
	Kind          Kind
	Message       string // cooldown/limit text, or diagnostic for Technical
	Delta         *int   // final - initial, when both counts were readable
	InitialCount  *int   // echoed from Input, for the vote log's initial_vote_count column
	FinalCount    *int   // echoed from Input, for the vote log's final_vote_count column
	ClickAttempts int
}

// Input is everything the classifier needs to decide an Outcome. All fields
// are plain values computed by the Browser Worker before calling Classify;
// the classifier itself never touches the page, the clock, or the RNG.
type Input struct {
	InitialCount *int
	FinalCount   *int
	PageContent  string

	// ButtonStillVisible is true if the vote button remained visible after
	// the Worker's retry budget (3 attempts total) was exhausted.
	ButtonStillVisible bool
	ClickAttempts      int

	// TransportClosed is true when the Worker's error indicates the browser
	// or page entered an invalid/closed-target state (not a page-content
	// condition).
	TransportClosed bool

	// LoginButtonVisible and LoginSafeguardPasses implement §4.5: the
	// safeguard is computed by the caller (it needs browser_opened_at and
	// vote_count, which are Instance state, not page content) and handed in
	// as a plain bool so Classify stays pure.
	LoginButtonVisible    bool
	LoginSafeguardPasses  bool // true => treat as transient technical, not login

	GlobalHourlyLimitPatterns []string
	InstanceCooldownPatterns  []string
	SuccessTextMarkers        []string
}

// Classify applies the decision table in §4.8, first match wins.
func Classify(in Input) Outcome {
	o := classify(in)
	o.InitialCount = in.InitialCount
	o.FinalCount = in.FinalCount
	if o.Delta == nil && in.InitialCount != nil && in.FinalCount != nil {
		delta := *in.FinalCount - *in.InitialCount
		o.Delta = &delta
	}
	return o
}

func classify(in Input) Outcome {
	if in.TransportClosed {
		return Outcome{Kind: Technical, Message: "browser transport closed", ClickAttempts: in.ClickAttempts}
	}

	if in.InitialCount != nil && in.FinalCount != nil {
		delta := *in.FinalCount - *in.InitialCount
		switch {
		case delta == 1:
			return Outcome{Kind: Success, Delta: &delta, ClickAttempts: in.ClickAttempts}
		case delta > 1:
			return Outcome{Kind: Success, Message: "counter advanced by more than one", Delta: &delta, ClickAttempts: in.ClickAttempts}
		case delta < 0:
			return Outcome{Kind: Technical, Message: "counter went backwards", Delta: &delta, ClickAttempts: in.ClickAttempts}
		}
		// delta == 0 falls through to the content-based rules below.
	}

	if in.InitialCount == nil && in.FinalCount == nil {
		if msg, ok := matchAny(in.PageContent, in.GlobalHourlyLimitPatterns); ok {
			return Outcome{Kind: GlobalHourlyLimit, Message: msg, ClickAttempts: in.ClickAttempts}
		}
		if msg, ok := matchAny(in.PageContent, in.InstanceCooldownPatterns); ok {
			return Outcome{Kind: InstanceCooldown, Message: msg, ClickAttempts: in.ClickAttempts}
		}
	}

	if msg, ok := matchAny(in.PageContent, in.GlobalHourlyLimitPatterns); ok {
		return Outcome{Kind: GlobalHourlyLimit, Message: msg, ClickAttempts: in.ClickAttempts}
	}
	if msg, ok := matchAny(in.PageContent, in.InstanceCooldownPatterns); ok {
		return Outcome{Kind: InstanceCooldown, Message: msg, ClickAttempts: in.ClickAttempts}
	}

	if in.LoginButtonVisible && !in.LoginSafeguardPasses {
		return Outcome{Kind: LoginRequired, Message: "login button visible", ClickAttempts: in.ClickAttempts}
	}

	if in.ButtonStillVisible {
		return Outcome{Kind: Technical, Message: "click failed — overlay", ClickAttempts: in.ClickAttempts}
	}

	// initial_count unreadable (spec §4.4 step 7's text-based-verification
	// fallback, §8 boundary case) regardless of whether final_count was
	// readable: fall back to a success-text-marker check rather than the
	// generic diagnostic branch below.
	if in.InitialCount == nil {
		if _, ok := matchAny(in.PageContent, in.SuccessTextMarkers); ok {
			return Outcome{Kind: SuccessUnverified, ClickAttempts: in.ClickAttempts}
		}
		return Outcome{Kind: Technical, Message: "unverified, no message", ClickAttempts: in.ClickAttempts}
	}

	return Outcome{Kind: Technical, Message: diagnostic(in.PageContent), ClickAttempts: in.ClickAttempts}
}

func matchAny(content string, patterns []string) (string, bool) {
	lower := strings.ToLower(content)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}

func diagnostic(content string) string {
	const maxLen = 200
	trimmed := strings.TrimSpace(content)
	if len(trimmed) > maxLen {
		return trimmed[:maxLen]
	}
	return trimmed
}
