package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/cateringcrm/omnichannel/internal/ai"
	"github.com/cateringcrm/omnichannel/internal/archiver"
	"github.com/cateringcrm/omnichannel/internal/auth"
	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/channel/adapters/email"
	"github.com/cateringcrm/omnichannel/internal/channel/adapters/facebook"
	"github.com/cateringcrm/omnichannel/internal/channel/adapters/instagram"
	"github.com/cateringcrm/omnichannel/internal/channel/adapters/matrix"
	"github.com/cateringcrm/omnichannel/internal/channel/adapters/metagraph"
	"github.com/cateringcrm/omnichannel/internal/channel/adapters/telegram"
	"github.com/cateringcrm/omnichannel/internal/channel/adapters/whatsapp"
	"github.com/cateringcrm/omnichannel/internal/config"
	"github.com/cateringcrm/omnichannel/internal/conversation"
	"github.com/cateringcrm/omnichannel/internal/db"
	dbsqlc "github.com/cateringcrm/omnichannel/internal/db/sqlc"
	"github.com/cateringcrm/omnichannel/internal/handlers"
	"github.com/cateringcrm/omnichannel/internal/healthcheck"
	databasechecker "github.com/cateringcrm/omnichannel/internal/healthcheck/checkers/database"
	listenerchecker "github.com/cateringcrm/omnichannel/internal/healthcheck/checkers/listener"
	"github.com/cateringcrm/omnichannel/internal/inbound"
	"github.com/cateringcrm/omnichannel/internal/jobs"
	"github.com/cateringcrm/omnichannel/internal/listener"
	"github.com/cateringcrm/omnichannel/internal/logger"
	"github.com/cateringcrm/omnichannel/internal/media"
	"github.com/cateringcrm/omnichannel/internal/media/providers/localfs"
	"github.com/cateringcrm/omnichannel/internal/message"
	"github.com/cateringcrm/omnichannel/internal/outbound"
	"github.com/cateringcrm/omnichannel/internal/realtime"
	"github.com/cateringcrm/omnichannel/internal/server"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideDBQueries,
			provideSettingsService,
			provideMediaStore,
			provideMessageService,
			provideConversationService,
			provideQueue,
			provideHub,
			provideMetaClient,
			provideChannelRegistry,
			provideDispatcher,
			provideSendService,
			provideHandOff,
			providePipeline,
			provideArchiver,
			provideSupervisor,
			provideHealth,
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideCommunicationsHandler),
			provideServerHandler(provideRealtimeHandler),
			provideServerHandler(provideMediaHandler),
			provideServerHandler(provideAIHandler),
			provideServerHandler(provideSettingsHandler),
			provideServerHandler(providePingHandler),
			provideServer,
		),
		fx.Invoke(
			startOutboundRecovery,
			startArchiver,
			startListeners,
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
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return config.Config{}, errors.New("auth.jwt_secret is required")
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(log, cfg.Postgres); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideDBQueries(conn *pgxpool.Pool) *dbsqlc.Queries { return dbsqlc.New(conn) }

func provideSettingsService(log *slog.Logger, queries *dbsqlc.Queries, cfg config.Config) *settings.Service {
	return settings.NewService(log, settings.NewDBStore(queries), cfg)
}

func provideMediaStore(log *slog.Logger, cfg config.Config) (*media.Store, error) {
	provider, err := localfs.New(cfg.Media.Root)
	if err != nil {
		return nil, fmt.Errorf("media root: %w", err)
	}
	return media.NewStore(log, provider, cfg.Media), nil
}

func provideMessageService(log *slog.Logger, conn *pgxpool.Pool, queries *dbsqlc.Queries, store *media.Store) *message.DBService {
	return message.NewService(log, conn, queries, store)
}

func provideConversationService(log *slog.Logger, conn *pgxpool.Pool, queries *dbsqlc.Queries) *conversation.Service {
	return conversation.NewService(log, conn, queries)
}

func provideQueue(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) *jobs.Queue {
	q := jobs.New(log, cfg.Outbound.Workers)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { q.Start(); return nil },
		OnStop:  func(ctx context.Context) error { return q.Stop(ctx) },
	})
	return q
}

func provideHub(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) *realtime.Hub {
	hub := realtime.NewHub(log, cfg.Server.AllowedOrigins, cfg.Server.AllowOriginlessWebSocket)
	lc.Append(fx.Hook{OnStop: func(context.Context) error { hub.Close(); return nil }})
	return hub
}

func provideMetaClient(log *slog.Logger) *metagraph.Client {
	return metagraph.NewClient(log, nil)
}

func provideChannelRegistry(log *slog.Logger, cfg config.Config, source *settings.Service, graph *metagraph.Client, messages *message.DBService) (*channel.Registry, error) {
	registry := channel.NewRegistry()
	adapters := []channel.Adapter{
		telegram.NewAdapter(log, source, nil, telegram.NewSessionSender(log), messages),
		whatsapp.NewAdapter(log, source, graph),
		matrix.NewAdapter(log, source, nil, messages),
		instagram.NewAdapter(log, source, graph, messages),
		facebook.NewAdapter(log, source, graph),
		email.NewAdapter(log, source, messages, source),
	}
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			return nil, err
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Channels.WhatsAppTransport)) {
	case "matrix":
		registry.Route(channel.PlatformWhatsApp, matrix.Name)
	default:
		registry.Route(channel.PlatformWhatsApp, whatsapp.Name)
	}
	return registry, nil
}

func provideDispatcher(log *slog.Logger, cfg config.Config, registry *channel.Registry, conversations *conversation.Service, messages *message.DBService, store *media.Store, queue *jobs.Queue, hub *realtime.Hub) *outbound.Dispatcher {
	return outbound.NewDispatcher(log, cfg.Outbound, registry, conversations, messages, store, queue, hub)
}

func provideSendService(log *slog.Logger, conversations *conversation.Service, messages *message.DBService, store *media.Store, dispatcher *outbound.Dispatcher, hub *realtime.Hub) *outbound.Service {
	return outbound.NewService(log, conversations, messages, store, dispatcher, hub)
}

func provideHandOff(log *slog.Logger, source *settings.Service, messages *message.DBService, sender *outbound.Service, queue *jobs.Queue) *ai.HandOff {
	return ai.NewHandOff(log, source, messages, sender, queue, ai.NewClient(log, nil))
}

func providePipeline(log *slog.Logger, registry *channel.Registry, conversations *conversation.Service, messages *message.DBService, store *media.Store, queue *jobs.Queue, hub *realtime.Hub, handOff *ai.HandOff) *inbound.Pipeline {
	p := inbound.NewPipeline(log, registry, conversations, messages, store, queue, hub)
	p.SetHandOff(handOff)
	return p
}

func provideArchiver(log *slog.Logger, queries *dbsqlc.Queries, cfg config.Config) *archiver.Archiver {
	return archiver.New(log, queries, cfg.Archiver)
}

func provideSupervisor(log *slog.Logger, registry *channel.Registry, pipeline *inbound.Pipeline, cfg config.Config) *listener.Supervisor {
	return listener.NewSupervisor(log, registry, pipeline.Process, cfg.Listeners)
}

func provideHealth(log *slog.Logger, supervisor *listener.Supervisor, conn *pgxpool.Pool) *healthcheck.Aggregator {
	return healthcheck.NewAggregator(
		databasechecker.NewChecker(log, conn),
		listenerchecker.NewChecker(log, supervisor),
	)
}

func provideWebhookHandler(log *slog.Logger, pipeline *inbound.Pipeline, registry *channel.Registry) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, pipeline, registry)
}

func provideCommunicationsHandler(log *slog.Logger, sender *outbound.Service, conversations *conversation.Service, messages *message.DBService) *handlers.CommunicationsHandler {
	return handlers.NewCommunicationsHandler(log, sender, conversations, messages)
}

func provideRealtimeHandler(log *slog.Logger, hub *realtime.Hub) *handlers.RealtimeHandler {
	return handlers.NewRealtimeHandler(log, hub)
}

func provideMediaHandler(log *slog.Logger, store *media.Store) *handlers.MediaHandler {
	return handlers.NewMediaHandler(log, store)
}

func provideAIHandler(log *slog.Logger, handOff *ai.HandOff) *handlers.AIHandler {
	return handlers.NewAIHandler(log, handOff)
}

func provideSettingsHandler(log *slog.Logger, service *settings.Service) *handlers.SettingsHandler {
	return handlers.NewSettingsHandler(log, service)
}

func providePingHandler(log *slog.Logger, health *healthcheck.Aggregator) *handlers.PingHandler {
	return handlers.NewPingHandler(log, health)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	Settings       *settings.Service
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	var serviceKey auth.ServiceKeyFunc = func(ctx context.Context) (string, error) {
		s, err := params.Settings.AI(ctx)
		if err != nil {
			return "", err
		}
		return s.RAGAPIKey, nil
	}
	return server.NewServer(params.Logger, params.Config, serviceKey, params.ServerHandlers...)
}

func startOutboundRecovery(lc fx.Lifecycle, logger *slog.Logger, dispatcher *outbound.Dispatcher) {
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		n, err := dispatcher.Recover(ctx)
		if err != nil {
			logger.Warn("outbound recovery failed", slog.Any("error", err))
			return nil
		}
		if n > 0 {
			logger.Info("re-enqueued queued messages", slog.Int("count", n))
		}
		return nil
	}})
}

func startArchiver(lc fx.Lifecycle, a *archiver.Archiver) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return a.Start() },
		OnStop:  func(ctx context.Context) error { return a.Stop(ctx) },
	})
}

func startListeners(lc fx.Lifecycle, supervisor *listener.Supervisor) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { supervisor.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { cancel(); return supervisor.Stop(stopCtx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting http server", slog.String("addr", cfg.Server.Addr))
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
