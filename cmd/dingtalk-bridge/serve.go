package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/dingtalk-bridge/internal/activity"
	"github.com/memohai/dingtalk-bridge/internal/agent"
	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/channel/adapters/dingtalk"
	"github.com/memohai/dingtalk-bridge/internal/channel/inbound"
	"github.com/memohai/dingtalk-bridge/internal/config"
	"github.com/memohai/dingtalk-bridge/internal/envelope"
	"github.com/memohai/dingtalk-bridge/internal/handlers"
	channelchecker "github.com/memohai/dingtalk-bridge/internal/healthcheck/checkers/channel"
	"github.com/memohai/dingtalk-bridge/internal/logger"
	"github.com/memohai/dingtalk-bridge/internal/media"
	"github.com/memohai/dingtalk-bridge/internal/metrics"
	"github.com/memohai/dingtalk-bridge/internal/policy"
	"github.com/memohai/dingtalk-bridge/internal/routing"
	"github.com/memohai/dingtalk-bridge/internal/server"
	"github.com/memohai/dingtalk-bridge/internal/session"
	"github.com/memohai/dingtalk-bridge/internal/version"
)

const sessionOpenTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge: stream connections, webhook endpoints, health and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	app := fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideMetrics,
			provideAdapter,
			provideChannelRegistry,
			provideChannelStore,
			provideRouteResolver,
			provideSessionStore,
			provideEnvelopeFormatter,
			provideDispatcher,
			activity.NewRecorder,
			policy.NewEvaluator,
			provideInboundProcessor,
			provideChannelManager,
			provideMediaJanitor,
			channelchecker.NewManagerChecker,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideHealthHandler),
			provideServerHandler(provideMetricsHandler),
			provideServerHandler(handlers.NewStatusHandler),
			provideServerHandler(dingtalk.NewWebhookServerHandler),
			provideServer,
		),
		fx.Invoke(
			startMediaJanitor,
			startChannelManager,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

// provideConfig fails startup when an enabled account lacks credentials.
func provideConfig() (config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideMetrics() *metrics.BridgeMetrics {
	return metrics.NewBridgeMetrics(prometheus.DefaultRegisterer)
}

func provideAdapter(log *slog.Logger, cfg config.Config, m *metrics.BridgeMetrics) *dingtalk.Adapter {
	return dingtalk.NewAdapter(log, dingtalk.Options{
		MediaDir:      cfg.Media.StagingDir(),
		MaxMediaBytes: cfg.Media.MaxBytes,
		Metrics:       m,
	})
}

func provideChannelRegistry(adapter *dingtalk.Adapter) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(adapter)
	return registry
}

func provideChannelStore(cfg config.Config, registry *channel.Registry) (*channel.StaticStore, error) {
	configs, err := buildChannelConfigs(registry, cfg.DingTalk.ResolveAccounts(), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return channel.NewStaticStore(configs...), nil
}

// buildChannelConfigs runs every account through the adapter's config
// normalizer so bad options fail startup.
func buildChannelConfigs(registry *channel.Registry, accounts []config.Account, now time.Time) ([]channel.ChannelConfig, error) {
	configs := make([]channel.ChannelConfig, 0, len(accounts))
	for _, acct := range accounts {
		creds, err := registry.NormalizeConfig(dingtalk.Type, acct.Credentials())
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acct.ID, err)
		}
		configs = append(configs, channel.ChannelConfig{
			ID:          acct.ID,
			ChannelType: dingtalk.Type,
			Name:        acct.Name,
			Credentials: creds,
			UpdatedAt:   now,
		})
	}
	return configs, nil
}

func provideRouteResolver(cfg config.Config, store *channel.StaticStore) *routing.Resolver {
	return routing.NewResolver(cfg.Routing.DefaultAgent, store)
}

func provideSessionStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (session.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionOpenTimeout)
	defer cancel()
	store, closeStore, err := session.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Info("session store ready", slog.String("driver", cfg.Session.Driver))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			closeStore()
			return nil
		},
	})
	return store, nil
}

func provideEnvelopeFormatter() *envelope.Formatter {
	return envelope.NewFormatter(time.Local)
}

func provideDispatcher(log *slog.Logger, cfg config.Config) *agent.Client {
	timeout := time.Duration(cfg.AgentGateway.TimeoutSeconds) * time.Second
	return agent.NewClient(log, cfg.AgentGateway.BaseURL(), cfg.AgentGateway.Token, timeout)
}

func provideInboundProcessor(
	log *slog.Logger,
	registry *channel.Registry,
	routes *routing.Resolver,
	sessions session.Store,
	envelopes *envelope.Formatter,
	dispatcher *agent.Client,
	recorder *activity.Recorder,
	evaluator *policy.Evaluator,
	m *metrics.BridgeMetrics,
) *inbound.Processor {
	processor := inbound.NewProcessor(log, registry, routes, sessions, envelopes, dispatcher)
	processor.SetActivityRecorder(recorder)
	processor.SetSecurityPolicy(evaluator)
	processor.SetMetrics(m)
	return processor
}

func provideChannelManager(log *slog.Logger, registry *channel.Registry, store *channel.StaticStore, processor *inbound.Processor) *channel.Manager {
	manager := channel.NewManager(log, registry, store, processor)
	manager.Use(channel.LogInbound(log))
	return manager
}

func provideMediaJanitor(log *slog.Logger, cfg config.Config) *media.Janitor {
	ttl := time.Duration(cfg.Media.TTLMinutes) * time.Minute
	return media.NewJanitor(log, cfg.Media.StagingDir(), dingtalk.StagedFilePrefix, ttl, cfg.Media.SweepSchedule)
}

func provideHealthHandler(log *slog.Logger, checker *channelchecker.Checker) *handlers.HealthHandler {
	return handlers.NewHealthHandler(log, checker)
}

func provideMetricsHandler() *handlers.MetricsHandler {
	return handlers.NewMetricsHandler(prometheus.DefaultGatherer)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.ServerHandlers...)
}

func startMediaJanitor(lc fx.Lifecycle, janitor *media.Janitor) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return janitor.Start() },
		OnStop:  func(ctx context.Context) error { janitor.Stop(ctx); return nil },
	})
}

func startChannelManager(lc fx.Lifecycle, channelManager *channel.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { channelManager.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { cancel(); return channelManager.Shutdown(stopCtx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	logger.Info("starting dingtalk bridge", slog.String("version", version.GetInfo()))
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
