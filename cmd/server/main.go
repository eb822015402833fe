package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mapperinfluence/miauth/internal/authkit"
	"github.com/mapperinfluence/miauth/internal/osuapi"
	"github.com/mapperinfluence/miauth/internal/reconcile"
	"github.com/mapperinfluence/miauth/internal/sessionstore"
	"github.com/mapperinfluence/miauth/internal/userstore"
	"github.com/mapperinfluence/miauth/internal/userstorepg"
	"github.com/mapperinfluence/miauth/internal/web"
)

const shutdownGracePeriod = 10 * time.Second

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var shutdownServer = func(ctx context.Context, server *http.Server) error {
	return server.Shutdown(ctx)
}

var notifyShutdown = func(signals chan<- os.Signal) func() {
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	return func() { signal.Stop(signals) }
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "miauth",
		Short:   "Mapper Influence session service: osu! OAuth login, Redis sessions and lazy user reconciliation",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("osu_client_id", "", "osu! OAuth client id")
	rootCmd.Flags().String("osu_client_secret", "", "osu! OAuth client secret")
	rootCmd.Flags().String("osu_redirect_uri", "", "OAuth callback registered with osu! (this service's /auth)")
	rootCmd.Flags().String("app_redirect_uri", "", "Frontend URL browsers land on after login")
	rootCmd.Flags().String("redis_url", "", "Session store URL (redis://, rediss://, unix:// or memory:// for local runs)")
	rootCmd.Flags().String("database_url", "", "User database URL (postgres:// or sqlite://)")
	rootCmd.Flags().String("database_engine", databaseEngineGORM, "User store implementation: gorm or pgx (pgx requires postgres)")
	rootCmd.Flags().Duration("session_ttl", sessionstore.DefaultSessionTTL, "Session lifetime")
	rootCmd.Flags().Duration("staleness_window", userstore.DefaultStalenessWindow, "Age after which osu! data is refreshed")
	rootCmd.Flags().Bool("release_lock_on_failure", false, "Release the refresh lock after a failed refresh instead of letting it expire")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for the frontend origin(s)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, name := range []string{
		"listen_addr",
		"cookie_domain",
		"osu_client_id",
		"osu_client_secret",
		"osu_redirect_uri",
		"app_redirect_uri",
		"redis_url",
		"database_url",
		"database_engine",
		"session_ttl",
		"staleness_window",
		"release_lock_on_failure",
		"dev_insecure_http",
		"enable_cors",
		"cors_allowed_origins",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}
	bindEnvironment()

	return rootCmd
}

// bindEnvironment maps the deployment variables; everything else is reachable as MI_<FLAG>.
func bindEnvironment() {
	_ = viper.BindEnv("osu_client_id", "OSU_CLIENT_ID")
	_ = viper.BindEnv("osu_client_secret", "OSU_CLIENT_SECRET")
	_ = viper.BindEnv("osu_redirect_uri", "OSU_REDIRECT_URI")
	_ = viper.BindEnv("app_redirect_uri", "MI_AUTH_REDIRECT_URI")
	_ = viper.BindEnv("redis_url", "MI_REDIS_URL")
	_ = viper.BindEnv("database_url", "DATABASE_URL")
	viper.SetEnvPrefix("MI")
	viper.AutomaticEnv()
}

const (
	databaseEngineGORM = "gorm"
	databaseEnginePGX  = "pgx"

	configCodeMissingOsuClientID      = "config.missing_osu_client_id"
	configCodeMissingOsuClientSecret  = "config.missing_osu_client_secret"
	configCodeMissingOsuRedirectURI   = "config.missing_osu_redirect_uri"
	configCodeMissingAppRedirectURI   = "config.missing_app_redirect_uri"
	configCodeMissingRedisURL         = "config.missing_redis_url"
	configCodeMissingDatabaseURL      = "config.missing_database_url"
	configCodeInvalidDatabaseEngine   = "config.invalid_database_engine"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidStalenessWindow  = "config.invalid_staleness_window"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeSessionStoreInit        = "config.session_store_init"
	configCodeUserStoreInit           = "config.user_store_init"
	configCodeOsuClientInit           = "config.osu_client_init"
	configCodeTokenGeneratorInit      = "config.token_generator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// ServiceConfig is the validated startup configuration.
type ServiceConfig struct {
	Server               authkit.ServerConfig
	ListenAddr           string
	OsuClientID          string
	OsuClientSecret      string
	OsuRedirectURI       string
	RedisURL             string
	DatabaseURL          string
	DatabaseEngine       string
	StalenessWindow      time.Duration
	ReleaseLockOnFailure bool
	EnableCORS           bool
	CORSAllowedOrigins   []string
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func requiredString(key string, code string) (string, error) {
	value := strings.TrimSpace(viper.GetString(key))
	if value == "" {
		return "", configError(code, key+" must be provided")
	}
	return value, nil
}

// LoadServerConfig reads and validates every setting; any failure aborts startup.
func LoadServerConfig() (ServiceConfig, error) {
	osuClientID, err := requiredString("osu_client_id", configCodeMissingOsuClientID)
	if err != nil {
		return ServiceConfig{}, err
	}
	osuClientSecret, err := requiredString("osu_client_secret", configCodeMissingOsuClientSecret)
	if err != nil {
		return ServiceConfig{}, err
	}
	osuRedirectURI, err := requiredString("osu_redirect_uri", configCodeMissingOsuRedirectURI)
	if err != nil {
		return ServiceConfig{}, err
	}
	appRedirectURI, err := requiredString("app_redirect_uri", configCodeMissingAppRedirectURI)
	if err != nil {
		return ServiceConfig{}, err
	}
	redisURL, err := requiredString("redis_url", configCodeMissingRedisURL)
	if err != nil {
		return ServiceConfig{}, err
	}
	databaseURL, err := requiredString("database_url", configCodeMissingDatabaseURL)
	if err != nil {
		return ServiceConfig{}, err
	}

	databaseEngine := strings.ToLower(strings.TrimSpace(viper.GetString("database_engine")))
	if databaseEngine == "" {
		databaseEngine = databaseEngineGORM
	}
	if databaseEngine != databaseEngineGORM && databaseEngine != databaseEnginePGX {
		return ServiceConfig{}, configError(configCodeInvalidDatabaseEngine, "database_engine must be gorm or pgx")
	}
	if databaseEngine == databaseEnginePGX && !strings.HasPrefix(databaseURL, "postgres") {
		return ServiceConfig{}, configError(configCodeInvalidDatabaseEngine, "database_engine pgx requires a postgres database_url")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return ServiceConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}
	stalenessWindow := viper.GetDuration("staleness_window")
	if stalenessWindow <= 0 {
		return ServiceConfig{}, configError(configCodeInvalidStalenessWindow, "staleness_window must be greater than zero")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return ServiceConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	sameSite := http.SameSiteLaxMode
	if enableCORS {
		sameSite = http.SameSiteNoneMode
	}

	return ServiceConfig{
		Server: authkit.ServerConfig{
			AppRedirectURL:    appRedirectURI,
			CookieDomain:      viper.GetString("cookie_domain"),
			SessionCookieName: authkit.DefaultSessionCookieName,
			SessionTTL:        sessionTTL,
			SameSiteMode:      sameSite,
			AllowInsecureHTTP: viper.GetBool("dev_insecure_http"),
		},
		ListenAddr:           viper.GetString("listen_addr"),
		OsuClientID:          osuClientID,
		OsuClientSecret:      osuClientSecret,
		OsuRedirectURI:       osuRedirectURI,
		RedisURL:             redisURL,
		DatabaseURL:          databaseURL,
		DatabaseEngine:       databaseEngine,
		StalenessWindow:      stalenessWindow,
		ReleaseLockOnFailure: viper.GetBool("release_lock_on_failure"),
		EnableCORS:           enableCORS,
		CORSAllowedOrigins:   corsAllowedOrigins,
	}, nil
}

// userBackend is what the server needs from either user store implementation.
type userBackend interface {
	reconcile.UserStore
	web.UserReader
	authkit.ErrorRecorder
	Driver() string
	Ping(ctx context.Context) error
	Close() error
}

func openUserBackend(ctx context.Context, configuration ServiceConfig) (userBackend, error) {
	if configuration.DatabaseEngine == databaseEnginePGX {
		pool, err := userstorepg.BuildPool(ctx, configuration.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := userstorepg.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return userstorepg.NewStore(pool), nil
	}
	return userstore.Open(ctx, configuration.DatabaseURL)
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serviceConfig, ok := contextValue.(ServiceConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	startupCtx := commandContext

	sessionTTLs := sessionstore.DefaultTTLs()
	sessionTTLs.Session = serviceConfig.Server.SessionTTL
	sessions, sessionDriver, err := sessionstore.Open(startupCtx, serviceConfig.RedisURL, sessionTTLs)
	if err != nil {
		return fmt.Errorf("%s: %w", configCodeSessionStoreInit, err)
	}
	defer func() { _ = sessions.Close() }()
	logger.Info("session store ready", zap.String("driver", sessionDriver))

	users, err := openUserBackend(startupCtx, serviceConfig)
	if err != nil {
		return fmt.Errorf("%s: %w", configCodeUserStoreInit, err)
	}
	defer func() { _ = users.Close() }()
	logger.Info("user store ready", zap.String("driver", users.Driver()))

	osuClient, err := osuapi.NewClient(osuapi.Config{
		ClientID:     serviceConfig.OsuClientID,
		ClientSecret: serviceConfig.OsuClientSecret,
		RedirectURL:  serviceConfig.OsuRedirectURI,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", configCodeOsuClientInit, err)
	}

	tokenGenerator, err := authkit.NewTokenGenerator()
	if err != nil {
		return fmt.Errorf("%s: %w", configCodeTokenGeneratorInit, err)
	}

	metricsRecorder := authkit.NewCounterMetrics()
	reconciler := reconcile.New(users, sessions, osuClient, reconcile.Config{
		StalenessWindow:      serviceConfig.StalenessWindow,
		LockTTL:              sessionTTLs.Lock,
		ReleaseLockOnFailure: serviceConfig.ReleaseLockOnFailure,
		Logger:               logger,
		Metrics:              metricsRecorder,
	})

	manager := authkit.NewSessionManager(sessions, osuClient, reconciler, tokenGenerator, logger, metricsRecorder)
	responder := authkit.NewErrorResponder(logger, users)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if serviceConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serviceConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", healthHandler(sessions, users))
	router.GET("/metrics", metricsRecorder.Handler())
	authkit.NewAuthRoutes(serviceConfig.Server, manager, authkit.NewMemoryStateStore(authkit.DefaultStateTTL), responder, metricsRecorder, logger).Mount(router)

	requireSession, err := authkit.RequireSession(serviceConfig.Server, manager, responder, metricsRecorder)
	if err != nil {
		return err
	}
	protected := router.Group("/")
	protected.Use(requireSession)
	web.NewUserHandlers(users, reconciler, responder, logger).Mount(protected)

	server := &http.Server{
		Addr:              serviceConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopSignals := make(chan os.Signal, 1)
	stopNotify := notifyShutdown(stopSignals)
	defer stopNotify()

	serveReturned := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		select {
		case <-stopSignals:
		case <-serveReturned:
			return
		}
		logger.Info("shutting down")
		graceCtx, graceCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer graceCancel()
		if err := shutdownServer(graceCtx, server); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serviceConfig.ListenAddr))
	serveErr := serveHTTP(server)
	close(serveReturned)
	// Handlers may schedule refreshes until the drain finishes; stores close after both.
	<-drained
	logger.Info("waiting for background refreshes")
	reconciler.Wait()

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", serveErr)
	}
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler pings both stores concurrently.
func healthHandler(sessions pinger, users pinger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		ctx, cancel := context.WithTimeout(contextGin.Request.Context(), 2*time.Second)
		defer cancel()
		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			if err := sessions.Ping(groupCtx); err != nil {
				return fmt.Errorf("session_store: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			if err := users.Ping(groupCtx); err != nil {
				return fmt.Errorf("user_store: %w", err)
			}
			return nil
		})
		if err := group.Wait(); err != nil {
			contextGin.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}
