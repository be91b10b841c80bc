package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/matchrate/internal/auth"
	"github.com/hitoshi/matchrate/internal/config"
	"github.com/hitoshi/matchrate/internal/database"
	"github.com/hitoshi/matchrate/internal/handler"
	"github.com/hitoshi/matchrate/internal/lifecycle"
	"github.com/hitoshi/matchrate/internal/logger"
	"github.com/hitoshi/matchrate/internal/mail"
	"github.com/hitoshi/matchrate/internal/metrics"
	"github.com/hitoshi/matchrate/internal/middleware"
	"github.com/hitoshi/matchrate/internal/notify"
	"github.com/hitoshi/matchrate/internal/rating"
	"github.com/hitoshi/matchrate/internal/repository"
	"github.com/hitoshi/matchrate/internal/security"
	"github.com/hitoshi/matchrate/internal/waitlist"
	"github.com/hitoshi/matchrate/internal/worker/cleanup"
)

// outboundTimeout はGoogleとメールAPIへの外部リクエストのタイムアウト。
const outboundTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		return err
	}

	slog.Info("database connection established")

	// 2. 通知バスとクールダウン（REDIS_URL設定時はRedis、未設定時はプロセス内）
	var (
		bus      notify.Bus
		cooldown auth.Cooldown
	)
	if cfg.RedisURL != "" {
		rdb, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		bus = notify.NewRedisBus(rdb, notify.DefaultChannel)
		cooldown = auth.NewRedisCooldown(rdb)
		slog.Info("redis connection established",
			slog.String("redis_url", maskURL(cfg.RedisURL)),
		)
	} else {
		bus = notify.NewLocalBus()
		cooldown = auth.NewMemoryCooldown()
		slog.Warn("REDIS_URL is not set; session notifications are limited to this process")
	}

	// 3. リポジトリの初期化
	credentialRepo := repository.NewPostgresCredentialRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	userRepo := repository.NewPostgresUserRepo(db)
	waitlistRepo := repository.NewPostgresWaitlistRepo(db)
	ratingRepo := repository.NewPostgresRatingRepo(db)

	// 4. セキュリティサービスの初期化
	urlGuard := security.NewURLGuard()
	sanitizer := security.NewTextSanitizer()

	// 5. クレデンシャルプロバイダーの初期化
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HTTPClient:   urlGuard.NewSafeClient(outboundTimeout),
	})
	authService := auth.NewService(auth.Deps{
		OAuth:       oauthProvider,
		Credentials: credentialRepo,
		Identities:  credentialRepo,
		Sessions:    sessionRepo,
		Mailer:      newMailer(cfg, urlGuard),
		Tokens:      auth.NewTokenIssuer(cfg.SessionSecret, cfg.VerificationTokenTTL),
		Cooldown:    cooldown,
		Events:      bus,
	}, auth.ServiceConfig{
		SessionMaxAge:        cfg.SessionMaxAge,
		PasswordMinLength:    cfg.PasswordMinLength,
		BcryptCost:           cfg.BcryptCost,
		VerificationCooldown: cfg.VerificationCooldown,
		BaseURL:              cfg.BaseURL,
	})

	// 6. ライフサイクルレジストリの初期化
	registry := lifecycle.NewRegistry(lifecycle.Deps{
		Provider:  authService,
		Users:     userRepo,
		Sanitizer: sanitizer,
		URLGuard:  urlGuard,
		Logger:    slog.Default(),
	}, lifecycle.RegistryConfig{
		IdleTTL: cfg.LifecycleIdleTTL,
	})
	defer registry.Close()

	go func() {
		if err := registry.Run(ctx, bus); err != nil {
			slog.Error("lifecycle registry stopped", slog.String("error", err.Error()))
		}
	}()

	// 7. ドメインサービスの初期化
	waitlistService := waitlist.NewService(waitlistRepo, userRepo, bus, sanitizer, cfg.AdminEmails)
	ratingService := rating.NewService(ratingRepo, sanitizer)

	// 8. メトリクスの初期化
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)
	metrics.RegisterActiveManagers(reg, registry.Len)

	// 9. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker:     db,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Logger:   slog.Default(),
		Metrics:  collector,
		Gatherer: reg,

		Sessions: registry,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL: cfg.BaseURL,
			Cookies: middleware.CookieConfig{
				Domain: cfg.CookieDomain,
				Secure: cfg.CookieSecure,
				MaxAge: cfg.SessionMaxAge,
			},
			GoogleLoginURL: authService.GoogleLoginURL,
		},

		WaitlistService: waitlistService,
		RatingService:   ratingService,
	})

	// 10. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れセッションのクリーンアップジョブを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		return err
	}

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの起動（ブロッキング）
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default(), nil)

	slog.Info("worker starting",
		slog.Duration("session_cleanup_interval", cfg.SessionCleanupInterval),
	)
	cleanupJob.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// openRedis はREDIS_URLからクライアントを生成し、疎通を確認する。
func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// newMailer はMAIL_API_URLが設定されていればHTTP APIメーラーを、なければログ出力のみのメーラーを返す。
func newMailer(cfg *config.Config, guard security.URLGuard) mail.Mailer {
	if cfg.MailAPIURL == "" {
		slog.Warn("MAIL_API_URL is not set; verification mails are only logged")
		return mail.NewLogMailer(slog.Default())
	}
	return mail.NewHTTPMailer(mail.HTTPMailerConfig{
		Endpoint: cfg.MailAPIURL,
		APIKey:   cfg.MailAPIKey,
		From:     cfg.MailFrom,
	}, guard.NewSafeClient(outboundTimeout))
}

// rateLimiterConfig は1分あたりのリクエスト数の設定をレートリミッターの設定に変換する。
// バーストは1分間の上限と同じ値とする。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitAuth > 0 {
		rl.AuthRate = rate.Limit(float64(cfg.RateLimitAuth) / 60.0)
		rl.AuthBurst = cfg.RateLimitAuth
	}
	return rl
}

// maskURL は接続URLの認証情報をマスクする。
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
