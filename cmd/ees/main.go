package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/ees-trading/ees/internal/alerts"
	"github.com/ees-trading/ees/internal/archive"
	"github.com/ees-trading/ees/internal/broker"
	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/events"
	"github.com/ees-trading/ees/internal/executor"
	"github.com/ees-trading/ees/internal/indicators"
	"github.com/ees-trading/ees/internal/marketdata"
	"github.com/ees-trading/ees/internal/metrics"
	"github.com/ees-trading/ees/internal/news"
	"github.com/ees-trading/ees/internal/oauth"
	"github.com/ees-trading/ees/internal/position"
	"github.com/ees-trading/ees/internal/secrets"
	"github.com/ees-trading/ees/internal/session"
	"github.com/ees-trading/ees/internal/signal"
	"github.com/ees-trading/ees/internal/sizing"
	"github.com/ees-trading/ees/internal/state"
	"github.com/ees-trading/ees/internal/trailing"
	"github.com/ees-trading/ees/internal/universe"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("ees exited")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().Str("environment", cfg.App.Environment).Msg("ees starting")

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Secret store: Vault when configured, in-memory seeded from the
	// environment for sandbox runs.
	secretStore, err := newSecretStore(cfg)
	if err != nil {
		return err
	}

	// Event bus. A NATS outage must not keep the strategy from trading:
	// fall back to in-process fan-out only.
	bus, err := events.NewBus(events.BusConfig{
		NATSURL:       cfg.Events.NATSURL,
		SubjectPrefix: cfg.Events.SubjectPrefix,
	})
	if err != nil {
		log.Warn().Err(err).Msg("NATS unavailable, events stay in-process")
		bus, _ = events.NewBus(events.BusConfig{})
	}
	defer bus.Close()

	collectors := metrics.NewCollectors(prometheus.DefaultRegisterer)
	bus.Subscribe(collectors.Observe)

	if cfg.Events.TelegramEnabled {
		token, err := secretStore.Get(ctx, cfg.Events.TelegramTokenSecret)
		if err != nil {
			log.Warn().Err(err).Msg("telegram token unavailable, alerts disabled")
		} else {
			sender, err := alerts.NewTelegramSender(string(token), cfg.Events.TelegramChatID)
			if err != nil {
				log.Warn().Err(err).Msg("telegram sender unavailable, alerts disabled")
			} else {
				notifier := alerts.NewNotifier(sender)
				bus.Subscribe(notifier.Handle)
				go notifier.Run(ctx)
			}
		}
	}

	// Broker auth session with keep-alive and rotation watch.
	authSession, err := oauth.NewSession(ctx, oauth.Environment(cfg.App.Environment), cfg.Auth, secretStore, bus)
	if err != nil {
		return fmt.Errorf("establishing broker session: %w", err)
	}
	go authSession.StartKeepAlive(ctx, cfg.Auth.KeepAlive())
	go func() {
		if err := authSession.WatchRotation(ctx, secretStore, cfg.Auth.TokenSecret); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("token rotation watch stopped")
		}
	}()

	brokerClient := broker.NewClient(authSession.Host(), cfg.Auth.AccountID, authSession, cfg.Auth.BrokerTimeout())

	apiKeys := providerKeys(ctx, cfg, secretStore)
	fabric, err := marketdata.NewFabric(cfg, brokerClient, apiKeys, bus)
	if err != nil {
		return fmt.Errorf("building data fabric: %w", err)
	}
	defer fabric.Close()

	indicatorSvc := indicators.NewService(fabric, cfg.Data.CacheSize, cfg.Data.BarTTL(false))

	uni, err := universe.Load(cfg.Session.UniversePath)
	if err != nil {
		return fmt.Errorf("loading universe: %w", err)
	}
	calendar, err := session.LoadCalendar(cfg.Session.HolidayPath)
	if err != nil {
		return fmt.Errorf("loading holiday calendar: %w", err)
	}
	sentimentMap, err := universe.LoadSentimentMap(cfg.Session.SentimentMapPath)
	if err != nil {
		return fmt.Errorf("loading sentiment map: %w", err)
	}

	newsFilter := news.NewFilter(cfg.News, sentimentMap, newsFetchers(ctx, cfg, secretStore),
		cfg.Data.CacheSize, time.Duration(cfg.Data.SentimentTTLSec)*time.Second)

	engine := signal.NewEngine(cfg.Signal, nil)
	sizer := sizing.NewSizer(cfg.Sizing)

	// Durable state. A corrupt file is not fatal: the startup reconcile
	// rebuilds the book from the broker.
	stateStore := state.NewStore(cfg.State.Path)
	snapshot, err := stateStore.Load()
	if err != nil {
		if !errors.Is(err, state.ErrCorrupt) {
			return fmt.Errorf("loading state: %w", err)
		}
		log.Error().Err(err).Msg("state file corrupt, rebuilding from broker")
		snapshot = state.Snapshot{}
	}

	// persist is installed after the executor and scheduler exist; the
	// store hook tolerates the gap during construction.
	var persist func()
	posStore := position.NewStore(func() {
		if persist != nil {
			persist()
		}
	})

	trailEngine := trailing.NewEngine(cfg.Trailing, posStore, fabric, indicatorSvc, bus)

	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("opening trade archive: %w", err)
	}
	defer arch.Close()

	// Entries require an open session and a live auth credential; a
	// halted session still allows exits.
	var sched *session.Scheduler
	exec := executor.New(cfg.Executor, brokerClient, posStore, bus, arch, func() bool {
		return sched != nil && sched.TradingAllowed() && !authSession.TradingHalted()
	})

	posStore.Load(snapshot.Positions)
	exec.RestoreCounters(snapshot.Counters)

	sched, err = session.NewScheduler(cfg, session.Deps{
		Universe:   uni,
		Calendar:   calendar,
		Store:      posStore,
		Quotes:     fabric,
		Indicators: indicatorSvc,
		Bars:       fabric,
		News:       newsFilter,
		Engine:     engine,
		Sizer:      sizer,
		Account:    brokerClient,
		Trader:     exec,
		Positions:  trailEngine,
		Auth:       authSession,
		Bus:        bus,
	})
	if err != nil {
		return err
	}

	persist = func() {
		err := stateStore.Save(state.Snapshot{
			SessionState: state.SessionState{Phase: string(sched.Phase()), UpdatedAt: time.Now()},
			Positions:    posStore.Snapshot(),
			Orders:       exec.InFlightOrders(),
			Counters:     exec.Counters(),
		})
		if err != nil {
			log.Error().Err(err).Msg("state save failed")
		}
	}

	// Closed positions leave the trailing engine's lock table.
	bus.Subscribe(func(e events.Event) {
		if e.Kind == events.KindPositionClosed && e.PositionID != "" {
			trailEngine.Forget(e.PositionID)
		}
	})

	go exec.DrainExits(ctx, trailEngine.Exits())

	var ops *metrics.Server
	if cfg.Monitoring.Enabled {
		ops = metrics.NewServer(cfg.Monitoring, metrics.Deps{
			Phase:     func() string { return string(sched.Phase()) },
			Positions: posStore.Snapshot,
			Providers: fabric.ProviderStatus,
			Counters:  exec.Counters,
			Healthy:   func() bool { return !authSession.TradingHalted() },
		}, collectors)
		ops.Start()
	}

	// Adopt or close out whatever the broker already holds before the
	// first phase tick.
	if err := exec.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("startup reconcile failed")
	}

	err = sched.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ops != nil {
		if shutErr := ops.Shutdown(shutdownCtx); shutErr != nil {
			log.Error().Err(shutErr).Msg("ops server shutdown failed")
		}
	}
	persist()
	log.Info().Msg("ees stopped")
	return err
}

// newSecretStore picks Vault when an address is configured, otherwise
// an in-memory store seeded from EES_SECRET_* environment variables.
func newSecretStore(cfg *config.Config) (secrets.Store, error) {
	if cfg.Vault.Address != "" {
		store, err := secrets.NewVaultStore(secrets.VaultConfig{
			Address:      cfg.Vault.Address,
			MountPath:    cfg.Vault.MountPath,
			PollInterval: time.Duration(cfg.Vault.WatchPollSec) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to vault: %w", err)
		}
		return store, nil
	}

	store := secrets.NewMemoryStore()
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "EES_SECRET_") {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, "EES_SECRET_"))
		_ = store.Put(context.Background(), key, []byte(value))
	}
	return store, nil
}

// providerKeys resolves every configured provider's API key. Providers
// without a key stay out of the map; the fabric skips them.
func providerKeys(ctx context.Context, cfg *config.Config, store secrets.Store) map[string]string {
	keys := make(map[string]string)
	for name, pc := range cfg.Data.Providers {
		if pc.APIKeySecret == "" {
			continue
		}
		value, err := store.Get(ctx, pc.APIKeySecret)
		if err != nil {
			log.Warn().Str("provider", name).Str("secret", pc.APIKeySecret).Msg("provider key missing, provider disabled")
			continue
		}
		keys[name] = string(value)
	}
	return keys
}

// newsFetchers builds the configured sentiment sources.
func newsFetchers(ctx context.Context, cfg *config.Config, store secrets.Store) []news.Fetcher {
	var fetchers []news.Fetcher
	timeout := cfg.Data.RequestTimeout()
	for name, src := range cfg.News.Sources {
		if !src.Enabled {
			continue
		}
		key := ""
		if src.APIKeySecret != "" {
			if v, err := store.Get(ctx, src.APIKeySecret); err == nil {
				key = string(v)
			}
		}
		if key == "" {
			log.Warn().Str("source", name).Msg("news source key missing, source skipped")
			continue
		}
		switch name {
		case "newsapi":
			fetchers = append(fetchers, news.NewNewsAPIFetcher(src.BaseURL, key, timeout))
		case "finnhub":
			fetchers = append(fetchers, news.NewFinnhubFetcher(src.BaseURL, key, timeout))
		default:
			log.Warn().Str("source", name).Msg("unknown news source, skipped")
		}
	}
	return fetchers
}
