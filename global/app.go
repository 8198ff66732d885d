package global

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chatfleet/global/config"
	"chatfleet/logger"
	"chatfleet/middleware"
	"chatfleet/service/api"
	"chatfleet/service/chat"
	"chatfleet/service/chat/handlers"
	"chatfleet/service/events"
	"chatfleet/service/kafka"
	"chatfleet/service/mgo"
	"chatfleet/service/moderation"
	"chatfleet/service/natsx"
	"chatfleet/service/receipt"
	"chatfleet/service/rpc"
	"chatfleet/service/storage"
	pg "chatfleet/service/storage/pg"
	rds "chatfleet/service/storage/redis"
	"chatfleet/tools/errs"
	"chatfleet/tools/ids"
	"chatfleet/tools/safe"
	"chatfleet/tools/security"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App is one fully wired chat instance.
type App struct {
	cfg *config.AppConfig
	log *zap.Logger

	rdb   *redis.Client
	pool  *pgxpool.Pool
	mongo *mongo.Client
	nc    *nats.Conn

	producer *kafka.Producer
	consumer *kafka.Consumer
	peers    *rpc.Pool
	relay    *rpc.Server
	syncer   *receipt.Syncer
	ws       *chat.Server
	http     *http.Server
}

// Boot connects the stores and builds every component. Nothing listens yet.
func Boot(ctx context.Context, cfg *config.AppConfig) (a *App, err error) {
	logger.SetLevel(cfg.Log.Level)
	if err := ids.SetNodeID(cfg.Server.NodeID); err != nil {
		return nil, errs.WrapMsg(err, "snowflake node id", "nodeId", cfg.Server.NodeID)
	}
	a = &App{cfg: cfg, log: logger.Named("app").With(zap.String("server_id", cfg.Server.ID))}
	defer func() {
		if err != nil {
			a.closeStores()
		}
	}()

	if err := a.connectStores(ctx); err != nil {
		return nil, err
	}

	presence := storage.NewPresenceDirectory(a.rdb)
	abuse := storage.NewAbuseStore(a.rdb)
	markers := storage.NewReadMarkerStore(a.rdb, cfg.Receipt.MarkerTTL)
	store := pg.New(a.pool)
	archive := mgo.NewArchive(a.mongo.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection))

	if cfg.Postgres.Migrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}
	if err := archive.EnsureIndexes(ctx); err != nil {
		a.log.Warn("ensure archive indexes failed", zap.Error(err))
	}

	auth, err := security.NewAuthenticator(security.Options{Secret: []byte(cfg.JWT.Secret), Alg: cfg.JWT.Alg})
	if err != nil {
		return nil, errs.WrapMsg(err, "jwt authenticator")
	}
	guard := moderation.NewGuard(cfg.RateLimit, abuse, store, logger.Log)

	var push chat.PushNotifier = natsx.Discard{}
	if cfg.Nats.Enabled {
		if a.nc, err = natsx.Connect(cfg.Nats, "chatfleet-"+cfg.Server.ID); err != nil {
			return nil, err
		}
		push = natsx.NewNotifier(a.nc, cfg.Nats.Subject, logger.Log)
	}

	sessions := chat.NewSessionRegistry()
	a.peers = rpc.NewPool(cfg.Peers, cfg.Router.RelayTimeout, logger.Log)
	router := chat.NewRouter(chat.RouterConfig{
		ServerID:           cfg.Server.ID,
		LocalConcurrency:   cfg.Router.LocalConcurrency,
		OfflineConcurrency: cfg.Router.OfflineConcurrency,
		RelayChunkSize:     cfg.Router.RelayChunkSize,
	}, sessions, presence, a.peers, store, push, ids.Generate, logger.Log)

	bus := events.NewBus(logger.Log)
	chat.RegisterSystemMessages(bus, router, store, ids.Generate)

	direct := chat.NewDirectSink(router)
	var sink handlers.Sink = direct
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopicWithBrokers(cfg.Kafka); err != nil {
			a.log.Warn("ensure kafka topic failed", zap.String("topic", cfg.Kafka.Topic), zap.Error(err))
		}
		if a.producer, err = kafka.NewProducer(cfg.Kafka, logger.Log); err != nil {
			return nil, err
		}
		if a.consumer, err = kafka.NewConsumer(cfg.Kafka, kafka.NewConsumerGroupHandler(direct, logger.Log), logger.Log); err != nil {
			return nil, err
		}
		sink = a.producer
	}

	receipts := receipt.NewService(markers, store, archive, logger.Log)
	a.syncer = receipt.NewSyncer(markers, store, cfg.Receipt.SyncInterval, cfg.Receipt.BatchSize, logger.Log)

	d := chat.NewDispatcher()
	d.Register(handlers.NewTalk(presence, archive, store, sink, ids.Generate, logger.Log))
	d.Register(handlers.NewRead(receipts))
	pipeline := chat.Chain(d.Dispatch, guard.Middleware())

	a.ws = chat.NewServer(chat.ServerConfig{
		ServerID:    cfg.Server.ID,
		WriteWait:   cfg.Router.WriteTimeout,
		CheckOrigin: middleware.OriginChecker(cfg.Server.AllowedOrigins...),
	}, sessions, presence, auth, guard, pipeline, logger.Log).
		WithOutbox(store).
		WithEvents(bus)

	a.relay = rpc.NewServer(chat.NewRelayService(sessions, logger.Log), logger.Log)

	engine := api.NewEngine(api.Deps{
		ServerID:   cfg.Server.ID,
		Validator:  auth,
		Rooms:      presence,
		Membership: store,
		Receipts:   receipts,
		Events:     bus,
		WS:         a.ws.HandleWS,
		Health:     a.health,
		Origins:    cfg.Server.AllowedOrigins,
	}, logger.Log)
	a.http = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// connectStores dials redis, postgres and mongo in parallel.
func (a *App) connectStores(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rds.InitRedis(gctx, a.cfg.Redis); err != nil {
			return errs.ErrStoreUnavailable.WrapMsg("redis", "addr", a.cfg.Redis.Addr, "err", err)
		}
		a.rdb = rds.GetRedis()
		return nil
	})
	g.Go(func() (err error) {
		a.pool, err = pg.Open(gctx, a.cfg.Postgres)
		return err
	})
	g.Go(func() (err error) {
		a.mongo, err = mgo.Connect(gctx, a.cfg.Mongo)
		return err
	})
	return g.Wait()
}

func (a *App) health(ctx context.Context) error {
	if a.ws.Draining() {
		return errors.New("draining")
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return a.rdb.Ping(ctx).Err()
}

// Run serves HTTP, the relay endpoint and the background workers until ctx
// is done, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// relay keeps serving peers while local sessions drain
	relayCtx, stopRelay := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRelay()

	fail := make(chan error, 2)
	safe.Go("relay-server", func() {
		if err := a.relay.Run(relayCtx, a.cfg.Server.GRPCAddr); err != nil {
			fail <- errs.WrapMsg(err, "relay server", "addr", a.cfg.Server.GRPCAddr)
		}
	})
	safe.Go("http-server", func() {
		a.log.Info("http server listening", zap.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fail <- errs.WrapMsg(err, "http server", "addr", a.http.Addr)
		}
	})
	a.syncer.Start()
	if a.consumer != nil {
		a.consumer.Start(runCtx)
	}
	a.log.Info("instance started", zap.Int("peers", a.peers.Len()), zap.Bool("kafka", a.consumer != nil))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-fail:
		a.log.Error("listener failed, shutting down", zap.Error(runErr))
	}
	cancel()
	a.Shutdown()
	return runErr
}

// Shutdown drains sessions, stops listeners and workers, then closes stores.
func (a *App) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	closed := a.ws.Drain(ctx, a.cfg.Drain.BatchSize, a.cfg.Drain.Pause)
	a.log.Info("sessions drained", zap.Int("closed", closed))

	if err := a.http.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown", zap.Error(err))
	}
	a.relay.Stop()
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.log.Warn("kafka consumer close", zap.Error(err))
		}
	}
	if err := a.syncer.Stop(ctx); err != nil {
		a.log.Warn("final read marker flush failed", zap.Error(err))
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.Warn("kafka producer close", zap.Error(err))
		}
	}
	a.peers.Close()
	a.closeStores()
	a.log.Info("instance stopped")
}

func (a *App) closeStores() {
	if a.nc != nil {
		a.nc.Close()
	}
	if a.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.mongo.Disconnect(ctx)
		cancel()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.rdb != nil {
		_ = rds.CloseRedis()
	}
}
