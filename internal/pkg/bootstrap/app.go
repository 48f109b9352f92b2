// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"rally/internal/pkg/logger"
	"rally/internal/pkg/nacos"
	"rally/internal/tracing"
)

// AppCtx 是注册路由和后台任务时可用的公共组件。
type AppCtx struct {
	Router chi.Router
	Nacos  *nacos.Client
	Config *Config
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	Port        int
	// RegisterHandlers 注册服务自己的 HTTP 路由
	RegisterHandlers func(appCtx AppCtx)
	// Start 启动后台任务（消费者、定时器），ctx 在关停时取消
	Start func(ctx context.Context, appCtx AppCtx) error
	// Stop 在 HTTP 服务关闭之后调用
	Stop func(ctx context.Context)
}

// Init 加载配置并初始化日志。CONFIG_FILE 为空时只用默认值和环境变量。
func Init() *Config {
	cfg, err := LoadConfig(getEnv("CONFIG_FILE", ""))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	SetCurrentConfig(cfg)
	logger.Init(cfg.App.ServiceName, cfg.App.LogLevel, cfg.App.PrettyLog)
	return cfg
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	cfg := GetCurrentConfig()
	if info.Port == 0 {
		info.Port = cfg.App.Port
	}

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	// 2. Nacos 注册与配置监听（可选）
	var nacosClient *nacos.Client
	var ip string
	if cfg.Infra.Nacos.Enabled {
		nacosClient, err = nacos.NewNacosClient(cfg.Infra.Nacos.Addrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize nacos client")
		}
		watchRemoteConfig(nacosClient, cfg.Infra.Nacos.DataID)

		ip, err = outboundIP()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := nacosClient.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	// 3. HTTP 路由
	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Handle("/metrics", promhttp.Handler())

	appCtx := AppCtx{Router: router, Nacos: nacosClient, Config: cfg}
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(appCtx)
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	if info.Start != nil {
		if err := info.Start(bgCtx, appCtx); err != nil {
			log.Fatal().Err(err).Msg("failed to start background workers")
		}
	}

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("service", info.ServiceName).Int("port", info.Port).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Str("addr", server.Addr).Msg("could not listen")
		}
	}()

	// 4. 优雅关停
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Str("service", info.ServiceName).Msg("Shutting down service...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 按启动的逆序清理
	if nacosClient != nil {
		if err := nacosClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Error().Err(err).Msg("Error deregistering from Nacos")
		}
		nacosClient.Close()
	}

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Error shutting down http server")
	}

	cancelBg()
	if info.Stop != nil {
		info.Stop(ctx)
	}

	if err := tp.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Error shutting down tracer provider")
	}

	log.Info().Str("service", info.ServiceName).Msg("Service gracefully shut down.")
}

// watchRemoteConfig 把 Nacos 配置中心的 YAML 合并进当前配置。
func watchRemoteConfig(client *nacos.Client, dataID string) {
	if dataID == "" {
		return
	}
	apply := func(content string) {
		if content == "" {
			return
		}
		cfg, err := ParseConfig([]byte(content))
		if err != nil {
			log.Error().Err(err).Msg("ignoring invalid remote config")
			return
		}
		overrideFromEnv(cfg)
		if err := cfg.Validate(); err != nil {
			log.Error().Err(err).Msg("ignoring invalid remote config")
			return
		}
		SetCurrentConfig(cfg)
	}

	if content, err := client.GetConfig(dataID); err == nil {
		apply(content)
	} else {
		log.Warn().Err(err).Msg("remote config unavailable, using local config")
	}
	if err := client.WatchConfig(dataID, apply); err != nil {
		log.Warn().Err(err).Msg("failed to watch remote config")
	}
}

func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
