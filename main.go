package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"mm-control-plane/config"
	"mm-control-plane/internal/aiguard"
	"mm-control-plane/internal/api"
	"mm-control-plane/internal/cache"
	"mm-control-plane/internal/composite"
	"mm-control-plane/internal/exchange"
	"mm-control-plane/internal/explain"
	"mm-control-plane/internal/license"
	"mm-control-plane/internal/logging"
	"mm-control-plane/internal/news"
	"mm-control-plane/internal/notify"
	"mm-control-plane/internal/orchestrator"
	"mm-control-plane/internal/prediction"
	"mm-control-plane/internal/secrets"
	"mm-control-plane/internal/store"
	"mm-control-plane/internal/strategy"
	"mm-control-plane/internal/trigger"
)

const newsRefreshInterval = 6 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("Failed to load configuration: %v", err)
	}

	// Root logger shared by all components. Request-scoped loggers are
	// derived from it via the logging context helpers.
	rootLog := logging.New(logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(rootLog)
	rootLog.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.ServerConfig.Host, cfg.ServerConfig.Port)).Msg("starting control plane")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(cfg.DatabaseConfig, rootLog)
	if err != nil {
		rootLog.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		rootLog.Fatal().Err(err).Msg("migrations failed")
	}
	repo := store.NewRepository(db)

	cacheSvc, err := cache.NewCacheService(cfg.RedisConfig)
	if err != nil {
		rootLog.Fatal().Err(err).Msg("cache init failed")
	}
	defer cacheSvc.Close()

	vault, err := secrets.NewClient(cfg.VaultConfig)
	if err != nil {
		rootLog.Fatal().Err(err).Msg("secret store init failed")
	}

	// Outbound notifications plus the WebSocket hub share one event
	// fan-out registered as the prediction sink.
	manager := notify.NewManager(cfg.NotificationConfig.Enabled, rootLog)
	if cfg.NotificationConfig.Enabled && cfg.NotificationConfig.Telegram.Enabled {
		tg, err := notify.NewTelegramNotifier(cfg.NotificationConfig.Telegram)
		if err != nil {
			rootLog.Warn().Err(err).Msg("telegram notifier unavailable")
		} else {
			manager.AddNotifier(tg)
		}
	}
	sinks := &fanoutSink{}
	sinks.Add(manager)

	guard := aiguard.New()

	var explainer *explain.OpenAIExplainer
	var serviceExplainer prediction.Explainer
	if cfg.AIConfig.Enabled && cfg.AIConfig.OpenAIAPIKey != "" {
		explainer = explain.NewOpenAIExplainer(cfg.AIConfig, rootLog)
		serviceExplainer = explainer
	} else {
		rootLog.Info().Msg("ai explanations disabled, local signals only")
	}

	throttle := prediction.NewRedisThrottle(cacheSvc, rootLog)
	predictions := prediction.NewService(repo, serviceExplainer, guard, sinks, throttle, prediction.Config{
		AiCooldown:    time.Duration(cfg.PredictionConfig.AICooldownSec) * time.Second,
		EventThrottle: time.Duration(cfg.PredictionConfig.EventThrottleSec) * time.Second,
		AiCacheTTLSec: cfg.AIConfig.CacheTTLSec,
		AiRatePerMin:  cfg.AIConfig.RateLimitPerMin,
		Trigger:       triggerConfig(cfg.PredictionConfig),
		Gate: prediction.GateConfig{
			MaxCallsPerHour: cfg.AIConfig.MaxCallsPerHour,
		},
	}, rootLog)

	sidecar := strategy.NewSidecarClient(strategy.SidecarConfig{
		Enabled:             cfg.StrategyConfig.PythonEnabled,
		URL:                 cfg.StrategyConfig.PythonURL,
		Timeout:             cfg.StrategyConfig.PythonTimeout,
		ConsecutiveFailures: uint32(cfg.StrategyConfig.BreakerFailures),
		CooldownMs:          int(cfg.StrategyConfig.BreakerCooldown / time.Millisecond),
	}, rootLog)
	registry := strategy.NewRegistry(sidecar, rootLog)

	runComposite := newCompositeRunner(cfg.AIConfig, registry, explainer, rootLog)

	newsSvc := news.NewService(cfg.NewsConfig, repo, cacheSvc, rootLog)

	licenseGate := license.NewGate(license.Config{
		Enforcement: cfg.LicenseConfig.Enforcement,
		ServerURL:   cfg.LicenseConfig.ServerURL,
		SigningKey:  cfg.LicenseConfig.SigningKey,
		CacheTTL:    time.Duration(cfg.LicenseConfig.CacheTTLSec) * time.Second,
	}, cacheSvc, rootLog)

	var queue orchestrator.Queue = orchestrator.PollQueue{}
	if strings.EqualFold(cfg.OrchestratorConfig.QueueMode, "redis") {
		if client := cacheSvc.Client(); client != nil {
			queue = orchestrator.NewRedisQueue(client)
		} else {
			rootLog.Warn().Msg("redis unavailable, falling back to poll-mode queue")
		}
	}

	orch := orchestrator.New(repo, queue, licenseGate, rootLog)
	signals := &signalBridge{repo: repo, predictions: predictions}
	orch.SetRunnerFactory(runnerFactory(cfg, repo, vault, signals, newsSvc, orch, rootLog))

	server := api.NewServer(cfg.ServerConfig, repo, orch, predictions, registry, newsSvc, licenseGate, runComposite, rootLog)
	sinks.Add(server.Hub())

	var wg sync.WaitGroup

	// Economic calendar refresh keeps the forward blackout window warm.
	if cfg.NewsConfig.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			refreshNewsLoop(ctx, newsSvc, rootLog)
		}()
	}

	// Queue workers drain externally enqueued runs.
	if !queue.Poll() {
		workers := cfg.OrchestratorConfig.Workers
		if workers <= 0 {
			workers = 2
		}
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				queueWorker(ctx, orch, cfg.OrchestratorConfig.TickTimeout, rootLog)
			}()
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		rootLog.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			rootLog.Error().Err(err).Msg("http server failed")
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		rootLog.Warn().Err(err).Msg("http shutdown incomplete")
	}
	orch.Shutdown()
	wg.Wait()
	rootLog.Info().Msg("control plane stopped")
}

func triggerConfig(cfg config.PredictionConfig) trigger.Config {
	intervals := make(map[string]time.Duration, len(cfg.RefreshIntervalSec))
	for tf, sec := range cfg.RefreshIntervalSec {
		if sec > 0 {
			intervals[tf] = time.Duration(sec) * time.Second
		}
	}
	return trigger.Config{
		RefreshIntervals: intervals,
		DebounceSec:      cfg.TriggerDebounceSec,
		HysteresisRatio:  cfg.HysteresisRatio,
	}
}

// newCompositeRunner wires the composite DAG engine to the strategy
// registry and the AI explainer. AI admission for composite runs is a
// simple per-process rate limit; the full budget gate applies only to
// the prediction refresh path.
func newCompositeRunner(aiCfg config.AIConfig, registry *strategy.Registry, explainer *explain.OpenAIExplainer, log zerolog.Logger) api.CompositeRunner {
	var limiter *rate.Limiter
	if aiCfg.RateLimitPerMin > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(aiCfg.RateLimitPerMin)), 1)
	}
	deps := composite.Deps{
		Resolve:     registry.Resolve,
		RunStrategy: registry.Run,
		Log:         log,
	}
	if explainer != nil {
		deps.ExplainAi = func(ctx context.Context, signal prediction.Signal, confidence float64, snap prediction.Snapshot) (*prediction.AiInsight, error) {
			st := prediction.State{Signal: signal, Confidence: confidence, FeatureSnapshot: snap}
			return explainer.Explain(ctx, st, nil)
		}
		deps.GateAi = func(ctx context.Context, signal prediction.Signal, confidence float64) (bool, string) {
			if limiter != nil && !limiter.Allow() {
				return false, "ai_rate_limited"
			}
			return true, ""
		}
	}
	return func(ctx context.Context, in composite.Input) composite.Result {
		return composite.Run(ctx, in, deps)
	}
}

// fanoutSink forwards each prediction event to every registered sink.
type fanoutSink struct {
	mu    sync.RWMutex
	sinks []prediction.EventSink
}

func (f *fanoutSink) Add(s prediction.EventSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

func (f *fanoutSink) Emit(ctx context.Context, ev prediction.Event) {
	f.mu.RLock()
	sinks := make([]prediction.EventSink, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.RUnlock()
	for _, s := range sinks {
		s.Emit(ctx, ev)
	}
}

// botSettings is the per-bot runtime configuration stored in the bot
// row's config document.
type botSettings struct {
	AccountID       string   `json:"accountId"`
	MarketType      string   `json:"marketType"`
	Timeframes      []string `json:"timeframes"`
	TickIntervalSec int      `json:"tickIntervalSec"`
	Ladder          struct {
		Levels      int     `json:"levels"`
		SpreadPct   float64 `json:"spreadPct"`
		StepPct     float64 `json:"stepPct"`
		QtyPerLevel float64 `json:"qtyPerLevel"`
		SkewPct     float64 `json:"skewPct"`
	} `json:"ladder"`
	Pacing struct {
		Enabled               bool    `json:"enabled"`
		TargetNotionalPerHour float64 `json:"targetNotionalPerHour"`
		MaxClipNotional       float64 `json:"maxClipNotional"`
	} `json:"pacing"`
	Support struct {
		Enabled      bool    `json:"enabled"`
		SupportPrice float64 `json:"supportPrice"`
		Qty          float64 `json:"qty"`
	} `json:"support"`
}

func (s botSettings) accountID(fallback string) string {
	if s.AccountID != "" {
		return s.AccountID
	}
	return fallback
}

func (s botSettings) marketType() string {
	if s.MarketType != "" {
		return s.MarketType
	}
	return "spot"
}

func (s botSettings) timeframes() []string {
	if len(s.Timeframes) > 0 {
		return s.Timeframes
	}
	return []string{"1h"}
}

// signalBridge feeds runner ticks into the prediction refresh service.
// Each evaluation re-submits the last persisted state as the candidate
// so the trigger engine decides whether a scheduled refresh or an AI
// re-explanation is due. Keys with no prior state wait for the first
// indicator push through the refresh API.
type signalBridge struct {
	repo        *store.Repository
	predictions *prediction.Service
}

func (b *signalBridge) Evaluate(ctx context.Context, botID, timeframe string) (prediction.Outcome, error) {
	bot, err := b.repo.GetBot(ctx, botID)
	if err != nil {
		return prediction.Outcome{}, err
	}
	if bot == nil {
		return prediction.Outcome{}, fmt.Errorf("bot %s not found", botID)
	}
	var settings botSettings
	if len(bot.Config) > 0 {
		if err := json.Unmarshal(bot.Config, &settings); err != nil {
			return prediction.Outcome{}, fmt.Errorf("bot %s config: %w", botID, err)
		}
	}
	acct := settings.accountID(bot.UserID)
	mkt := settings.marketType()
	key := prediction.BuildUniqueKey(bot.Exchange, acct, bot.Symbol, mkt, timeframe)
	prev, err := b.repo.GetPredictionState(ctx, key)
	if err != nil {
		return prediction.Outcome{}, err
	}
	if prev == nil {
		return prediction.Outcome{}, nil
	}
	return b.predictions.GenerateAndPersistPrediction(ctx, prediction.Input{
		BotID:      botID,
		Exchange:   bot.Exchange,
		AccountID:  acct,
		Symbol:     bot.Symbol,
		MarketType: mkt,
		Timeframe:  timeframe,
		Candidate:  *prev,
	})
}

// runnerFactory builds a market-making runner for a bot on demand:
// credentials from the secret store, a venue adapter, and the runtime
// settings from the bot row.
func runnerFactory(
	cfg *config.Config,
	repo *store.Repository,
	vault *secrets.Client,
	signals orchestrator.SignalProvider,
	newsSvc *news.Service,
	orch *orchestrator.Orchestrator,
	log zerolog.Logger,
) func(botID string) (*orchestrator.Runner, error) {
	return func(botID string) (*orchestrator.Runner, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		bot, err := repo.GetBot(ctx, botID)
		if err != nil {
			return nil, err
		}
		if bot == nil {
			return nil, fmt.Errorf("bot %s not found", botID)
		}
		var settings botSettings
		if len(bot.Config) > 0 {
			if err := json.Unmarshal(bot.Config, &settings); err != nil {
				return nil, fmt.Errorf("bot %s config: %w", botID, err)
			}
		}

		creds, err := vault.GetCredentials(ctx, bot.UserID, bot.Exchange)
		if err != nil {
			return nil, fmt.Errorf("credentials for %s on %s: %w", bot.UserID, bot.Exchange, err)
		}
		adapter, err := exchange.NewAdapter(
			bot.Exchange,
			creds,
			cfg.ExchangeConfig.BaseURLFor(bot.Exchange),
			cfg.ExchangeConfig.MinGapFor(bot.Exchange),
			log,
		)
		if err != nil {
			return nil, err
		}

		tick := cfg.OrchestratorConfig.TickInterval
		if settings.TickIntervalSec > 0 {
			tick = time.Duration(settings.TickIntervalSec) * time.Second
		}
		rcfg := orchestrator.RunnerConfig{
			BotID:        botID,
			Symbol:       bot.Symbol,
			Timeframes:   settings.timeframes(),
			TickInterval: tick,
			Ladder: orchestrator.LadderConfig{
				Levels:      settings.Ladder.Levels,
				SpreadPct:   settings.Ladder.SpreadPct,
				StepPct:     settings.Ladder.StepPct,
				QtyPerLevel: settings.Ladder.QtyPerLevel,
				SkewPct:     settings.Ladder.SkewPct,
			},
			Pacing: orchestrator.PacingConfig{
				Enabled:               settings.Pacing.Enabled,
				TargetNotionalPerHour: settings.Pacing.TargetNotionalPerHour,
				MaxClipNotional:       settings.Pacing.MaxClipNotional,
			},
			Support: orchestrator.SupportConfig{
				Enabled:      settings.Support.Enabled,
				SupportPrice: settings.Support.SupportPrice,
				Qty:          settings.Support.Qty,
			},
		}

		onError := func(id, reason string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := orch.MarkError(ctx, id, reason); err != nil {
				log.Error().Err(err).Str("bot_id", id).Msg("failed to record bot error")
			}
		}
		botLog := logging.BotContext(botID, bot.Exchange, bot.Symbol)
		return orchestrator.NewRunner(rcfg, adapter, signals, newsSvc, onError, botLog), nil
	}
}

func refreshNewsLoop(ctx context.Context, svc *news.Service, log zerolog.Logger) {
	refresh := func() {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		n, err := svc.RefreshEconomicCalendar(rctx)
		if err != nil {
			log.Warn().Err(err).Msg("economic calendar refresh failed")
			return
		}
		log.Info().Int("events", n).Msg("economic calendar refreshed")
	}
	refresh()

	ticker := time.NewTicker(newsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

func queueWorker(ctx context.Context, orch *orchestrator.Orchestrator, tickTimeout time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				processed, err := orch.ProcessNext(ctx, tickTimeout)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn().Err(err).Msg("queued run failed")
					}
				}
				if !processed {
					break
				}
			}
		}
	}
}
