package app

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	natsq "github.com/you-humble/mediaupload/core/libs/nats"
	rediscli "github.com/you-humble/mediaupload/core/libs/redis"
	"github.com/you-humble/mediaupload/uploader/internal/callback"
	"github.com/you-humble/mediaupload/uploader/internal/dispatcher"
	"github.com/you-humble/mediaupload/uploader/internal/infra/config"
	"github.com/you-humble/mediaupload/uploader/internal/infra/content"
	"github.com/you-humble/mediaupload/uploader/internal/infra/metrics"
	"github.com/you-humble/mediaupload/uploader/internal/infra/scheduler"
	"github.com/you-humble/mediaupload/uploader/internal/infra/signature"
	filestore "github.com/you-humble/mediaupload/uploader/internal/infra/store/file"
	requeststore "github.com/you-humble/mediaupload/uploader/internal/infra/store/request"
	uploadhttp "github.com/you-humble/mediaupload/uploader/internal/infra/transport"
	"github.com/you-humble/mediaupload/uploader/internal/payload"
	"github.com/you-humble/mediaupload/uploader/internal/preprocess"
	"github.com/you-humble/mediaupload/uploader/internal/transport"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	defaultCfgPath   = "./uploader/configs/local.yaml"
	metricsNamespace = "mediaupload"
	userAgent        = "mediaupload/1.0"
)

type Router interface {
	MountRoutes(*http.ServeMux) *http.ServeMux
}

type RequestStore interface {
	dispatcher.Store
	DeleteFinishedOlderThan(ctx context.Context, now time.Time, ttl time.Duration) (int, error)
}

type FileStore interface {
	preprocess.FileSaver
	dispatcher.FileCleaner
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

type ContentStore interface {
	payload.ContentResolver
	transport.Stager
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

// schedulerRuntime is the scheduler as the run loop sees it.
type schedulerRuntime struct {
	dispatcher.Scheduler
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

type dependencyInjector struct {
	cfgPath string
	cfg     *config.Config
	logger  *slog.Logger

	redis        *redis.Client
	requestStore RequestStore
	fileStore    FileStore
	contentStore ContentStore

	natsConn *nats.Conn
	js       nats.JetStreamContext

	registry   *callback.Registry
	observer   *metrics.Observer
	dispatcher *dispatcher.Dispatcher
	scheduler  *schedulerRuntime

	handler transport.Handler
	router  Router
}

func newDI(cfgPath string) *dependencyInjector {
	if cfgPath == "" {
		cfgPath = defaultCfgPath
	}
	return &dependencyInjector{cfgPath: cfgPath}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(di.cfgPath)
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		var level slog.Level
		if err := level.UnmarshalText([]byte(di.Config().LogLevel)); err != nil {
			level = slog.LevelInfo
		}
		di.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(di.logger)
	}

	return di.logger
}

func (di *dependencyInjector) RedisClient(ctx context.Context) *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		client, err := rediscli.NewClient(ctx, cfg)
		if err != nil {
			log.Fatalf("Redis: %+v", err)
		}

		di.redis = client
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

func (di *dependencyInjector) RequestStore(ctx context.Context) RequestStore {
	if di.requestStore == nil {
		di.requestStore = requeststore.NewRedisRequestStore(di.RedisClient(ctx), di.Config().Redis.Prefix)
	}
	return di.requestStore
}

func (di *dependencyInjector) FileStore() FileStore {
	if di.fileStore == nil {
		cfg := di.Config()
		local, err := filestore.NewLocalStore(cfg.BaseDir)
		if err != nil {
			log.Fatalf("FileStore local: %+v", err)
		}
		di.Logger().Info("initialized local file store", slog.String("base_dir", cfg.BaseDir))
		di.fileStore = local
	}
	return di.fileStore
}

// ContentStore is nil when MinIO is not configured; content payloads then
// fail with ResourceNotFound and multipart uploads are refused.
func (di *dependencyInjector) ContentStore(ctx context.Context) ContentStore {
	cfg := di.Config().MinIO
	if di.contentStore == nil && cfg.Endpoint != "" {
		store, err := content.NewMinIOStore(ctx, cfg.Config, cfg.StagingPrefix)
		if err != nil {
			log.Fatalf("ContentStore minio: %+v", err)
		}
		di.Logger().Info(
			"initialized MinIO content store",
			slog.String("endpoint", cfg.Endpoint),
			slog.String("bucket", cfg.Bucket),
		)
		di.contentStore = store
	}
	return di.contentStore
}

func (di *dependencyInjector) NATSConn(ctx context.Context) *nats.Conn {
	if di.natsConn == nil {
		nc, err := natsq.NewConnect(di.Config().NATS.Config)
		if err != nil {
			log.Fatalf("NATS connect: %+v", err)
		}
		di.natsConn = nc
	}
	return di.natsConn
}

func (di *dependencyInjector) JetStream(ctx context.Context) nats.JetStreamContext {
	if di.js == nil {
		cfg := di.Config()
		js, err := natsq.NewJetStream(di.NATSConn(ctx), &nats.StreamConfig{
			Name:     cfg.Scheduler.JetStream.Stream,
			Subjects: []string{cfg.Scheduler.JetStream.Subject},
			Storage:  nats.FileStorage,
			Replicas: 1,
			MaxAge:   cfg.NATS.StreamMaxAge,
		})
		if err != nil {
			log.Fatalf("DI JetStream: %+v", err)
		}

		di.js = js
	}
	return di.js
}

func (di *dependencyInjector) Registry() *callback.Registry {
	if di.registry == nil {
		di.registry = callback.NewRegistry()
	}
	return di.registry
}

func (di *dependencyInjector) Observer() *metrics.Observer {
	if di.observer == nil {
		o, err := metrics.NewObserver(metricsNamespace, prometheus.DefaultRegisterer)
		if err != nil {
			log.Fatalf("metrics: %+v", err)
		}
		di.Registry().RegisterGlobal(o)
		di.observer = o
	}
	return di.observer
}

func (di *dependencyInjector) signatureProvider() dispatcher.SignatureProvider {
	cfg := di.Config().Signature
	return signature.NewHTTPProvider(cfg.URL, cfg.Timeout, func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxElapsedTime = cfg.MaxElapsed
		return b
	})
}

func (di *dependencyInjector) env(ctx context.Context) payload.Env {
	var env payload.Env
	if cs := di.ContentStore(ctx); cs != nil {
		env.Content = cs
	}
	if dir := di.Config().ResourcesDir; dir != "" {
		env.Resources = os.DirFS(dir)
	}
	return env
}

func (di *dependencyInjector) chains() map[string]preprocess.Runner {
	out := make(map[string]preprocess.Runner, len(di.Config().Chains))
	for _, c := range di.Config().Chains {
		chain := preprocess.NewImageChain(di.FileStore(), c.Format)
		// a bare format still re-encodes
		if c.Format != "" {
			chain.WithEncoder(preprocess.ImageEncoder(di.FileStore(), c.Format))
		}
		if c.MinWidth > 0 || c.MinHeight > 0 {
			chain.AddStep(preprocess.DimensionsValidator{MinWidth: c.MinWidth, MinHeight: c.MinHeight})
		}
		if c.MaxWidth > 0 && c.MaxHeight > 0 {
			chain.AddStep(preprocess.Limit(c.MaxWidth, c.MaxHeight))
		}
		if c.Grayscale {
			chain.AddStep(preprocess.Grayscale())
		}
		out[c.Name] = chain
	}
	return out
}

// Dispatcher builds the dispatcher together with its scheduler: the
// scheduler executes through the dispatcher and the dispatcher schedules
// through the scheduler.
func (di *dependencyInjector) Dispatcher(ctx context.Context) *dispatcher.Dispatcher {
	if di.dispatcher == nil {
		cfg := di.Config()

		opts := []dispatcher.Option{
			dispatcher.WithDeviceState(cfg.Device.State()),
			dispatcher.WithObserver(di.Observer()),
			dispatcher.WithEnv(di.env(ctx)),
			dispatcher.WithFileCleaner(di.FileStore()),
		}
		if cfg.Cloud.APISecret == "" {
			opts = append(opts, dispatcher.WithSignatureProvider(di.signatureProvider()))
			di.Logger().Info("using remote signature provider", slog.String("url", cfg.Signature.URL))
		}

		d, err := dispatcher.New(
			dispatcher.Config{
				Cloud:        cfg.Cloud,
				ResourceType: cfg.ResourceType,
				Global:       cfg.Global,
			},
			di.RequestStore(ctx),
			uploadhttp.NewMultipart(cfg.Transport.Timeout, userAgent),
			di.Registry(),
			opts...,
		)
		if err != nil {
			log.Fatalf("dispatcher: %+v", err)
		}
		for name, chain := range di.chains() {
			d.RegisterChain(name, chain)
		}

		di.dispatcher = d
		di.scheduler = di.newScheduler(ctx, d)
		d.SetScheduler(di.scheduler)
	}
	return di.dispatcher
}

func (di *dependencyInjector) newScheduler(ctx context.Context, exec scheduler.Executor) *schedulerRuntime {
	cfg := di.Config()
	device := cfg.Device.State()

	switch cfg.Scheduler.Kind {
	case config.SchedulerJetStream:
		s := scheduler.NewJetStream(di.JetStream(ctx), exec, device, cfg.Scheduler.JetStream)
		di.Logger().Info("using JetStream scheduler",
			slog.String("stream", cfg.Scheduler.JetStream.Stream),
			slog.String("subject", cfg.Scheduler.JetStream.Subject),
		)
		return &schedulerRuntime{
			Scheduler: s,
			start:     s.Run,
			stop: func(ctx context.Context) error {
				s.Stop(ctx)
				return nil
			},
		}
	default:
		s := scheduler.NewLocal(exec, device, cfg.Scheduler.Local)
		di.Logger().Info("using local scheduler")
		return &schedulerRuntime{
			Scheduler: s,
			start: func(ctx context.Context) error {
				s.Start(ctx)
				return nil
			},
			stop: s.Stop,
		}
	}
}

func (di *dependencyInjector) Scheduler(ctx context.Context) *schedulerRuntime {
	di.Dispatcher(ctx)
	return di.scheduler
}

func (di *dependencyInjector) Handler(ctx context.Context) transport.Handler {
	if di.handler == nil {
		var stager transport.Stager
		if cs := di.ContentStore(ctx); cs != nil {
			stager = cs
		}
		di.handler = transport.NewHandler(
			di.Config().MaxUploadMb,
			di.Dispatcher(ctx),
			stager,
			di.Registry(),
			di.Config().Cloud,
		)
	}

	return di.handler
}

func (di *dependencyInjector) Router(ctx context.Context) Router {
	if di.router == nil {
		di.Observer()
		di.router = transport.NewRouter(di.Handler(ctx), promhttp.Handler())
	}

	return di.router
}
