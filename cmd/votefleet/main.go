// Command votefleet runs the vote-bot fleet scheduler: it loads the fleet
// configuration, opens the vote log and session store, builds one Instance
// per configured roster entry, and serves the read-only external interface
// while the fleet scheduler drives browser attempts in the background.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shivanshu32/cloudvoter-sub001/internal/api"
	"github.com/shivanshu32/cloudvoter-sub001/internal/browserworker"
	"github.com/shivanshu32/cloudvoter-sub001/internal/config"
	"github.com/shivanshu32/cloudvoter-sub001/internal/fleet"
	"github.com/shivanshu32/cloudvoter-sub001/internal/instance"
	"github.com/shivanshu32/cloudvoter-sub001/internal/logging"
	"github.com/shivanshu32/cloudvoter-sub001/internal/metrics"
	"github.com/shivanshu32/cloudvoter-sub001/internal/proxyalloc"
	"github.com/shivanshu32/cloudvoter-sub001/internal/sessionstore"
	"github.com/shivanshu32/cloudvoter-sub001/internal/votelog"
)

func main() {
	configPath := flag.String("config", "./votefleet.yaml", "path to the fleet config file")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg.LoadFromEnv()

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     "json",
		Output:     cfg.Logging.Path,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *configPath, logger); err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg *config.Config, configPath string, logger *zap.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	log, err := votelog.Open(cfg.VoteLogPath)
	if err != nil {
		return fmt.Errorf("open vote log: %w", err)
	}

	store, err := sessionstore.New(cfg.SessionStoreDir)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	proxies := proxyalloc.New(newProxyService(cfg.Proxies), store)
	worker := browserworker.New(logger)
	collector := metrics.New()

	sched := fleet.New(fleet.Config{
		MaxConcurrentLaunches: cfg.MaxConcurrentBrowserLaunches,
	}, log, store, logger)
	sched.SetMetrics(collector)

	for _, ic := range cfg.Instances {
		votingURL := ic.VotingURL
		if votingURL == "" {
			votingURL = cfg.TargetURL
		}
		instCfg := instance.Config{
			ID:                    ic.ID,
			Name:                  ic.Name,
			VotingURL:             votingURL,
			VoteCooldown:          ic.InstanceVoteCooldown(cfg.RetryDelayCooldownD),
			CounterSelectors:      cfg.CounterSelectors,
			VoteButtonSelectors:   cfg.VoteButtonSelectors,
			CloseButtonSelectors:  cfg.CloseButtonSelectors,
			GenericCloseSelectors: cfg.GenericCloseSelectors,
			LoginButtonSelectors:  cfg.LoginButtonSelectors,
			Patterns: browserworker.Patterns{
				GlobalHourlyLimit: cfg.GlobalHourlyLimitPatterns,
				InstanceCooldown:  cfg.InstanceCooldownPatterns,
				SuccessMarkers:    cfg.SuccessMarkers,
			},
			Blocking: browserworker.ResourceBlocking{
				Enabled:          cfg.Blocking.Enabled,
				BlockImages:      cfg.Blocking.BlockImages,
				BlockStylesheets: cfg.Blocking.BlockStylesheets,
				BlockFonts:       cfg.Blocking.BlockFonts,
				BlockMedia:       cfg.Blocking.BlockMedia,
				AllowedCSSHints:  cfg.Blocking.AllowedCSSHints,
			},
		}
		inst := instance.New(instCfg, worker, proxies, store, log, sched.Budget(), logger)
		inst.SetMetrics(collector)
		sched.Register(inst)
	}

	if err := sched.Restore(); err != nil {
		logger.Warn("startup restore failed, continuing with empty state", zap.Error(err))
	}

	reloader := config.NewReloader(configPath, logger)
	if err := reloader.Load(); err == nil {
		if err := reloader.Start(); err != nil {
			logger.Warn("config hot-reload disabled", zap.Error(err))
		} else {
			defer reloader.Stop()
		}
	}

	apiServer := api.New(sched, api.Config{
		Restart:    sched.Restart,
		ForceClose: sched.ForceClose,
		Metrics:    collector.Handler(),
	}, logger)
	httpServer := &http.Server{Addr: cfg.Listen, Handler: apiServer.Routes()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("external interface listening", zap.String("addr", cfg.Listen))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	wg.Wait()
	return nil
}

// staticProxyService round-robins over a configured proxy list. It is a
// stand-in ExternalService for deployments that maintain their own fixed
// proxy pool rather than calling a vendor allocation API; for that case,
// build a proxyalloc.HTTPExternalService with a vendor-specific Request hook
// instead.
type staticProxyService struct {
	mu      sync.Mutex
	proxies []config.ProxyCredential
	next    int
}

func newProxyService(proxies []config.ProxyCredential) proxyalloc.ExternalService {
	if len(proxies) == 0 {
		return nil
	}
	return &staticProxyService{proxies: proxies}
}

func (s *staticProxyService) Allocate(ctx context.Context, instanceID int) (proxyalloc.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.proxies[s.next%len(s.proxies)]
	s.next++

	token := make([]byte, 8)
	_, _ = rand.Read(token)

	return proxyalloc.Endpoint{
		Host:         p.Host,
		Port:         p.Port,
		Username:     p.User,
		Password:     p.Pass,
		Scheme:       p.Protocol,
		SessionToken: hex.EncodeToString(token),
		ObservedIP:   p.Host,
	}, nil
}
