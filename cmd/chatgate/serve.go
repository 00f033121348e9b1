package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/channel/adapters/feishu"
	"github.com/memohai/chatgate/internal/channel/adapters/webhook"
	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/dispatch"
	"github.com/memohai/chatgate/internal/handlers"
	"github.com/memohai/chatgate/internal/kvstore"
	"github.com/memohai/chatgate/internal/logger"
	"github.com/memohai/chatgate/internal/media"
	"github.com/memohai/chatgate/internal/memory"
	"github.com/memohai/chatgate/internal/orchestrator"
	"github.com/memohai/chatgate/internal/plugins"
	"github.com/memohai/chatgate/internal/provider"
	"github.com/memohai/chatgate/internal/provider/llm"
	"github.com/memohai/chatgate/internal/provider/stability"
	"github.com/memohai/chatgate/internal/provider/tts"
	"github.com/memohai/chatgate/internal/ratelimit"
	"github.com/memohai/chatgate/internal/router"
	"github.com/memohai/chatgate/internal/server"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideConfigStore,
			provideStager,
			provideDedupStore,
			provideSessionStore,
			provideSessions,
			provideMemory,
			provideRouter,
			provideChain,
			provideFeishuAdapter,
			webhook.NewFromConfig,
			provideChannelManager,
			provideOrchestrator,
			llm.NewFromConfig,
			stability.NewFromConfig,
			tts.NewFromConfig,
			provideVoiceCatalog,
			provideImageBucket,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideAdminHandler),
			provideServerHandler(feishu.NewWebhookServerHandler),
			provideServerHandler(webhook.NewServerHandler),
			provideServer,
		),
		fx.Invoke(
			registerPlugins,
			startSweeper,
			startOrchestrator,
			startChannelManager,
			startFeishuIdentity,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideConfigStore(log *slog.Logger, cfg config.Config) *config.Store {
	return config.NewStore(log, resolveConfigPath(), cfg)
}

func provideStager(log *slog.Logger, cfg config.Config) *media.Stager {
	return media.NewStager(log, cfg.Media.TmpDir, cfg.Media.MaxDownloadBytes)
}

func provideDedupStore(cfg config.Config) *kvstore.Store[bool] {
	return kvstore.New[bool](cfg.Dedup.TTL())
}

func provideSessionStore(cfg config.Config) *kvstore.Store[plugins.SessionState] {
	return kvstore.New[plugins.SessionState](cfg.Session.TTL())
}

func provideSessions(store *kvstore.Store[plugins.SessionState], cfg config.Config) *plugins.Sessions {
	return plugins.NewSessions(store, cfg.Session.TTL())
}

func provideMemory(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (memory.Store, error) {
	store, err := memory.NewFromConfig(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	if closer, ok := store.(io.Closer); ok {
		lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return closer.Close() }})
	}
	return store, nil
}

func provideRouter(store *config.Store, log *slog.Logger) *router.Router {
	return router.New(store, log)
}

// The chain is created empty; plugins are registered once the orchestrator exists,
// since the orchestrator sends through the manager that dispatches into the chain.
func provideChain(log *slog.Logger) *dispatch.Chain {
	return dispatch.NewChain(log)
}

func provideFeishuAdapter(log *slog.Logger, cfg config.Config, stager *media.Stager) (*feishu.FeishuAdapter, error) {
	if !cfg.Feishu.Enabled {
		return nil, nil
	}
	return feishu.NewFromConfig(log, cfg, stager)
}

func provideChannelManager(log *slog.Logger, cfg config.Config, rt *router.Router, chain *dispatch.Chain, dedup *kvstore.Store[bool], feishuAdapter *feishu.FeishuAdapter, webhookAdapter *webhook.Adapter) *channel.Manager {
	manager := channel.NewManager(log, channel.NewRegistry(), rt, chain, dedup, channel.ManagerOptions{
		Retry: channel.RetryPolicy{
			MaxRetries: cfg.Retry.MaxAttempts,
			Backoff:    cfg.Retry.Backoff(),
		},
	})
	if feishuAdapter != nil {
		manager.RegisterAdapter(feishuAdapter)
	}
	if len(cfg.Webhooks) > 0 {
		manager.RegisterAdapter(webhookAdapter)
	}
	return manager
}

func provideOrchestrator(log *slog.Logger, cfg config.Config, manager *channel.Manager) *orchestrator.Orchestrator {
	return orchestrator.New(log, manager, orchestrator.Options{
		MaxConcurrent: cfg.Orchestrator.MaxConcurrent,
		Timeout:       cfg.Orchestrator.TaskTimeout(),
		ErrorText:     provider.UserMessage,
	})
}

func provideVoiceCatalog(cfg config.Config) (tts.Catalog, error) {
	return tts.LoadCatalog(cfg.TTS.CatalogPath)
}

func provideImageBucket(cfg config.Config) *ratelimit.Bucket {
	if cfg.RateLimit.ImagePerMinute <= 0 {
		return nil
	}
	return ratelimit.PerMinute(cfg.RateLimit.ImagePerMinute)
}

func providePingHandler(log *slog.Logger, manager *channel.Manager) *handlers.PingHandler {
	return handlers.NewPingHandler(log, manager.Registry())
}

func provideAdminHandler(log *slog.Logger, cfg config.Config, store *config.Store, orch *orchestrator.Orchestrator, mem memory.Store) *handlers.AdminHandler {
	ttl, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
	if err != nil {
		ttl = 0
	}
	return handlers.NewAdminHandler(log, cfg.Auth.JWTSecret, ttl, store, orch, mem)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

type pluginParams struct {
	fx.In

	Logger       *slog.Logger
	Config       config.Config
	Store        *config.Store
	Chain        *dispatch.Chain
	Memory       memory.Store
	Sessions     *plugins.Sessions
	Orchestrator *orchestrator.Orchestrator
	LLM          *llm.Client
	Stability    *stability.Client
	TTS          *tts.Client
	Catalog      tts.Catalog
	ImageBucket  *ratelimit.Bucket
}

func registerPlugins(p pluginParams) {
	plugins.RegisterAll(p.Chain,
		plugins.NewAdmin(p.Logger, p.Store, p.Memory, p.Sessions, p.Store),
		plugins.NewInpaint(p.Logger, p.Store, p.Stability, p.Sessions, p.Orchestrator),
		plugins.NewVideo(p.Logger, p.Store, p.Stability, p.Sessions, p.Orchestrator),
		plugins.NewTTS(p.Logger, p.Store, p.TTS, p.Catalog, p.Sessions, p.Orchestrator),
		plugins.NewImageCreate(p.Logger, p.LLM, p.ImageBucket, p.Config.Retry.Backoff()),
		plugins.NewChat(p.Logger, p.LLM, p.Memory),
	)
	p.Logger.Info("dispatch chain ready", slog.Any("handlers", p.Chain.Names()))
}

func startSweeper(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, dedup *kvstore.Store[bool], sessions *kvstore.Store[plugins.SessionState], mem memory.Store) error {
	stores := map[string]kvstore.Sweeper{
		"dedup":    dedup,
		"sessions": sessions,
	}
	if inmem, ok := mem.(*memory.InMemoryStore); ok {
		stores["memory"] = inmem.Sweeper()
	}
	spec := cfg.Dedup.SweepSpec
	if spec == "" {
		spec = "@every 10m"
	}
	stop, err := kvstore.StartSweeper(log, spec, stores)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { stop(); return nil }})
	return nil
}

func startOrchestrator(lc fx.Lifecycle, orch *orchestrator.Orchestrator) {
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return orch.Shutdown(ctx) }})
}

func startChannelManager(lc fx.Lifecycle, manager *channel.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { manager.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { cancel(); return manager.Shutdown(stopCtx) },
	})
}

// In webhook mode nothing else resolves the bot open_id, which mention gating needs.
func startFeishuIdentity(lc fx.Lifecycle, adapter *feishu.FeishuAdapter, cfg config.Config) {
	if adapter == nil || cfg.Feishu.InboundMode == "websocket" {
		return
	}
	lc.Append(fx.Hook{OnStart: func(context.Context) error {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			adapter.ResolveBotIdentity(ctx)
		}()
		return nil
	}})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	logger.Info("starting chatgate", slog.String("version", version))
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
