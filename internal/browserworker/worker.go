// Package browserworker implements the Browser Worker: a one-shot unit of
// work that opens a browser against a proxy, drives the navigate -> clear
// overlays -> click -> verify voting protocol, and returns a classified
// Outcome. It holds no state of its own across calls. The chromedp wiring
// (exec-allocator flags, proxy auth via fetch.EventAuthRequired, resource
// blocking via fetch.EventRequestPaused) is adapted from the teacher's
// internal/browser/hit.go.
package browserworker

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/shivanshu32/cloudvoter-sub001/internal/classifier"
	"github.com/shivanshu32/cloudvoter-sub001/internal/delay"
)

// Patterns is the configuration-driven classification vocabulary (spec §6).
type Patterns struct {
	GlobalHourlyLimit []string
	InstanceCooldown  []string
	SuccessMarkers    []string
}

// ResourceBlocking toggles which resource types are dropped before they hit
// the network. Blocking images/CSS/fonts/media is the source of the
// documented 60-80% bandwidth saving; an allowlist keeps the voting JS and a
// short list of essential stylesheets loading (spec §9).
type ResourceBlocking struct {
	Enabled          bool
	BlockImages      bool
	BlockStylesheets bool
	BlockFonts       bool
	BlockMedia       bool
	AllowedCSSHints  []string // substrings of URLs that stay allowed even when stylesheets are blocked
}

// DefaultResourceBlocking matches the spec's recommended defaults.
func DefaultResourceBlocking() ResourceBlocking {
	return ResourceBlocking{
		Enabled:          true,
		BlockImages:      true,
		BlockStylesheets: true,
		BlockFonts:       true,
		BlockMedia:       true,
		AllowedCSSHints:  []string{"bootstrap", "main", "style", "app"},
	}
}

// Request is one voting attempt's inputs.
type Request struct {
	InstanceID       int
	VotingURL        string
	ProxyURL         string // scheme://host:port, auth stripped
	ProxyUsername    string
	ProxyPassword    string
	StorageStatePath string
	VoteCount        int       // instance.vote_count, used by the login safeguard
	BrowserOpenedAt  time.Time // zero until the browser actually opens

	CounterSelectors []string
	VoteButtonSelectors []string
	CloseButtonSelectors []string // site-specific
	GenericCloseSelectors []string
	LoginButtonSelectors []string

	Patterns Patterns
	Blocking ResourceBlocking

	NavigateTimeout time.Duration // default 15s
	ContentTimeout  time.Duration // default 10s
}

func (r Request) navigateTimeout() time.Duration {
	if r.NavigateTimeout > 0 {
		return r.NavigateTimeout
	}
	return 15 * time.Second
}

func (r Request) contentTimeout() time.Duration {
	if r.ContentTimeout > 0 {
		return r.ContentTimeout
	}
	return 10 * time.Second
}

// Worker executes one voting attempt per Run call. It is stateless and safe
// to reuse across attempts and instances.
type Worker struct {
	log *zap.Logger
}

// New returns a Worker that logs through log (nop if nil).
func New(log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{log: log}
}

// Run executes the full operation sequence in spec §4.4, steps 2-13. Launch
// slot acquisition (step 1) happens in the Instance loop, against the Fleet
// Scheduler's launch budget, before Run is called; the launch-budget release
// happens after Run returns, also in the Instance loop.
func (w *Worker) Run(ctx context.Context, req Request) classifier.Outcome {
	allocCtx, allocCancel := w.newAllocator(ctx, req)
	defer allocCancel()

	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	defer tabCancel()

	opened := time.Now()
	w.installProxyAuth(tabCtx, req)
	w.installResourceBlocking(tabCtx, req)

	// Step 3: unconditional settle pause before any inspection.
	if err := chromedp.Run(tabCtx, chromedp.Sleep(delay.Settle())); err != nil {
		return classifier.Outcome{Kind: classifier.Technical, Message: "browser transport closed"}
	}

	navCtx, navCancel := context.WithTimeout(tabCtx, req.navigateTimeout())
	defer navCancel()
	if err := chromedp.Run(navCtx, chromedp.Navigate(req.VotingURL), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return classifier.Outcome{Kind: classifier.NavigationError, Message: err.Error()}
	}

	content, ok := w.readContent(tabCtx, req)
	if !ok {
		return classifier.Outcome{Kind: classifier.Technical, Message: "browser transport closed"}
	}

	// Step 5: detect limit/cooldown text on landing, before any click.
	if msg, hit := matchFirst(content, req.Patterns.GlobalHourlyLimit); hit {
		return classifier.Outcome{Kind: classifier.GlobalHourlyLimit, Message: msg}
	}
	if msg, hit := matchFirst(content, req.Patterns.InstanceCooldown); hit {
		return classifier.Outcome{Kind: classifier.InstanceCooldown, Message: msg}
	}

	w.clearOverlays(tabCtx, req)

	initialCount := w.readCounter(tabCtx, req.CounterSelectors)

	clickAttempts, clicked := w.clickVoteButton(tabCtx, req)
	if !clicked {
		return classifier.Outcome{Kind: classifier.Technical, Message: "vote button not found", ClickAttempts: clickAttempts}
	}

	if err := chromedp.Run(tabCtx, chromedp.Sleep(delay.Settle())); err != nil {
		return classifier.Outcome{Kind: classifier.Technical, Message: "browser transport closed", ClickAttempts: clickAttempts}
	}

	finalCount := w.readCounter(tabCtx, req.CounterSelectors)
	buttonStillVisible := w.isVoteButtonVisible(tabCtx, req)

	// Step 11: overlay re-appeared, retry up to 3 attempts total.
	for attempt := 1; buttonStillVisible && attempt < 3; attempt++ {
		w.clearOverlays(tabCtx, req)
		more, ok := w.clickVoteButton(tabCtx, req)
		clickAttempts += more
		if !ok {
			break
		}
		_ = chromedp.Run(tabCtx, chromedp.Sleep(delay.Settle()))
		finalCount = w.readCounter(tabCtx, req.CounterSelectors)
		buttonStillVisible = w.isVoteButtonVisible(tabCtx, req)
	}

	content, _ = w.readContent(tabCtx, req)
	loginVisible := w.isLoginButtonVisible(tabCtx, req)
	browserOpenedAt := req.BrowserOpenedAt
	if browserOpenedAt.IsZero() {
		browserOpenedAt = opened
	}
	safeguardPasses := loginVisible &&
		time.Since(browserOpenedAt) < 30*time.Second &&
		req.VoteCount > 0

	outcome := classifier.Classify(classifier.Input{
		InitialCount:              initialCount,
		FinalCount:                finalCount,
		PageContent:               content,
		ButtonStillVisible:        buttonStillVisible,
		ClickAttempts:             clickAttempts,
		LoginButtonVisible:        loginVisible,
		LoginSafeguardPasses:      safeguardPasses,
		GlobalHourlyLimitPatterns: req.Patterns.GlobalHourlyLimit,
		InstanceCooldownPatterns:  req.Patterns.InstanceCooldown,
		SuccessTextMarkers:        req.Patterns.SuccessMarkers,
	})

	return outcome
}

// newAllocator mirrors the teacher's hardened headless-Chrome flag set,
// adding the proxy server when one was assigned by the Proxy Allocator.
func (w *Worker) newAllocator(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-features", "IsolateOrigins,site-per-process,TranslateUI"),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-sync", true),
	)
	if req.ProxyURL != "" {
		opts = append(opts,
			chromedp.ProxyServer(req.ProxyURL),
			chromedp.Flag("proxy-bypass-list", "<-loopback>"),
		)
	}
	if req.StorageStatePath != "" {
		opts = append(opts, chromedp.UserDataDir(req.StorageStatePath))
	}
	return chromedp.NewExecAllocator(ctx, opts...)
}

// installProxyAuth answers Chrome's proxy-auth challenge with the
// credentials issued by the Proxy Allocator. Chrome's --proxy-server flag
// cannot carry embedded userinfo, so auth must be supplied via the Fetch
// domain instead.
func (w *Worker) installProxyAuth(ctx context.Context, req Request) bool {
	if req.ProxyUsername == "" && req.ProxyPassword == "" {
		return false
	}
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventAuthRequired:
			if e.AuthChallenge == nil || e.AuthChallenge.Source != fetch.AuthChallengeSourceProxy {
				return
			}
			go func() {
				_ = chromedp.Run(ctx, fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: req.ProxyUsername,
					Password: req.ProxyPassword,
				}))
			}()
		}
	})
	_ = chromedp.Run(ctx, fetch.Enable().WithHandleAuthRequests(true))
	return true
}

// installResourceBlocking drops images/stylesheets/fonts/media requests
// while allowing HTML/JS/XHR and an allowlisted slice of CSS through, per
// spec §9.
func (w *Worker) installResourceBlocking(ctx context.Context, req Request) {
	if !req.Blocking.Enabled {
		return
	}
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		e, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			if w.shouldBlock(e, req.Blocking) {
				_ = chromedp.Run(ctx, fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient))
				return
			}
			_ = chromedp.Run(ctx, fetch.ContinueRequest(e.RequestID))
		}()
	})
	if req.ProxyUsername == "" && req.ProxyPassword == "" {
		// installProxyAuth enables request interception only when proxy
		// credentials are set; without them it is enabled here.
		_ = chromedp.Run(ctx, fetch.Enable())
	}
}

func (w *Worker) shouldBlock(e *fetch.EventRequestPaused, rb ResourceBlocking) bool {
	switch e.ResourceType {
	case network.ResourceTypeStylesheet:
		if !rb.BlockStylesheets {
			return false
		}
		for _, hint := range rb.AllowedCSSHints {
			if hint != "" && strings.Contains(strings.ToLower(e.Request.URL), hint) {
				return false
			}
		}
		return true
	case network.ResourceTypeFont:
		return rb.BlockFonts
	case network.ResourceTypeMedia:
		return rb.BlockMedia
	case network.ResourceTypeImage:
		return rb.BlockImages
	default:
		return false
	}
}

func (w *Worker) readContent(ctx context.Context, req Request) (string, bool) {
	cctx, cancel := context.WithTimeout(ctx, req.contentTimeout())
	defer cancel()
	var content string
	if err := chromedp.Run(cctx, chromedp.OuterHTML("html", &content, chromedp.ByQuery)); err != nil {
		return "", false
	}
	return content, true
}

var digits = regexp.MustCompile(`[\d][\d,.\s]*\d|\d`)

func (w *Worker) readCounter(ctx context.Context, selectors []string) *int {
	for _, sel := range selectors {
		var text string
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := chromedp.Run(cctx, chromedp.Text(sel, &text, chromedp.ByQuery, chromedp.NodeVisible))
		cancel()
		if err != nil || strings.TrimSpace(text) == "" {
			continue
		}
		if n, ok := parseFirstInt(text); ok {
			return &n
		}
	}
	return nil
}

func parseFirstInt(text string) (int, bool) {
	match := digits.FindString(text)
	if match == "" {
		return 0, false
	}
	cleaned := strings.NewReplacer(",", "", ".", "", " ", "").Replace(match)
	n, err := strconv.Atoi(cleaned)
	if err != nil {
		return 0, false
	}
	return n, true
}

// clearOverlays implements the four-phase overlay dismissal in spec step 6.
func (w *Worker) clearOverlays(ctx context.Context, req Request) {
	pressEscape(ctx, 4)
	clickEach(ctx, req.CloseButtonSelectors, 1)
	clickEach(ctx, req.GenericCloseSelectors, 2)
	pressEscape(ctx, 2)
}

func pressEscape(ctx context.Context, times int) {
	for i := 0; i < times; i++ {
		cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		_ = chromedp.Run(cctx, chromedp.KeyEvent(kb.Escape))
		cancel()
		time.Sleep(50 * time.Millisecond)
	}
}

func clickEach(ctx context.Context, selectors []string, capPerSelector int) {
	for _, sel := range selectors {
		for i := 0; i < capPerSelector; i++ {
			cctx, cancel := context.WithTimeout(ctx, 1*time.Second)
			err := chromedp.Run(cctx, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible))
			cancel()
			if err != nil {
				break
			}
		}
	}
}

func (w *Worker) clickVoteButton(ctx context.Context, req Request) (attempts int, clicked bool) {
	for _, sel := range req.VoteButtonSelectors {
		attempts++
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := chromedp.Run(cctx, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible))
		cancel()
		if err == nil {
			return attempts, true
		}
	}
	return attempts, false
}

func (w *Worker) isVoteButtonVisible(ctx context.Context, req Request) bool {
	for _, sel := range req.VoteButtonSelectors {
		if nodeVisible(ctx, sel) {
			return true
		}
	}
	return false
}

func (w *Worker) isLoginButtonVisible(ctx context.Context, req Request) bool {
	for _, sel := range req.LoginButtonSelectors {
		if nodeVisible(ctx, sel) {
			return true
		}
	}
	return false
}

func nodeVisible(ctx context.Context, sel string) bool {
	cctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	var nodes []*cdp.Node
	if err := chromedp.Run(cctx, chromedp.Nodes(sel, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return false
	}
	return len(nodes) > 0
}

func matchFirst(content string, patterns []string) (string, bool) {
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
