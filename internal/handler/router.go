package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/matchrate/internal/metrics"
	"github.com/hitoshi/matchrate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	// Gatherer がnilの場合は /metrics を公開しない
	Gatherer prometheus.Gatherer

	// アカウントライフサイクル
	Sessions   SessionRegistry
	AuthConfig AuthHandlerConfig

	// ウェイトリスト
	WaitlistService WaitlistServiceInterface

	// 評価
	RatingService RatingServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RequestID → RealIP → SecurityHeaders → CORS → Logging → Session → RateLimit(General) → CSRF
//
// 認証エンドポイントにはさらにIP単位のレート制限、保護ルートにはRequireSessionを重ねる。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.CSRFConfig.CookieSecure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- ミドルウェアチェーン外のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	authHandler := NewAuthHandler(deps.Sessions, deps.AuthConfig, deps.Metrics)
	userHandler := NewUserHandler()
	waitlistHandler := NewWaitlistHandler(deps.WaitlistService, deps.Metrics)
	ratingHandler := NewRatingHandler(deps.RatingService, deps.Metrics)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
		r.Use(middleware.NewSessionMiddleware(deps.Sessions, deps.AuthConfig.Cookies))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// OAuthフローはトップレベルナビゲーションのためCSRFトークンを要求しない（stateで検証）
		r.With(deps.RateLimiter.AuthMiddleware()).Get("/auth/google/login", authHandler.GoogleLogin)
		r.With(deps.RateLimiter.AuthMiddleware()).Get("/auth/google/callback", authHandler.GoogleCallback)
		r.Get("/auth/verify", authHandler.Verify)
		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

			// --- 認証不要のルート ---
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/auth/register", authHandler.Register)
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/auth/login", authHandler.Login)
			r.Post("/auth/logout", authHandler.Logout)
			r.Get("/auth/me", authHandler.Me)

			r.With(deps.RateLimiter.AuthMiddleware()).Post("/api/waitlist", waitlistHandler.Submit)

			// --- 認証が必要なルート ---
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireSession)

				r.Post("/auth/verification", authHandler.SendVerification)
				r.Patch("/api/profile", userHandler.UpdateProfile)

				// 選手評価
				r.Post("/api/matches/{matchID}/players/{playerID}/ratings", ratingHandler.Rate)
				r.Get("/api/matches/{matchID}/ratings", ratingHandler.MatchSummary)
				r.Get("/api/players/{playerID}/ratings", ratingHandler.PlayerRatings)

				// 管理者
				r.Route("/api/admin/waitlist", func(r chi.Router) {
					r.Use(middleware.NewRequireAdminMiddleware(deps.WaitlistService.IsAdmin))
					r.Get("/", waitlistHandler.List)
					r.Post("/{id}/approve", waitlistHandler.Approve)
					r.Post("/{id}/reject", waitlistHandler.Reject)
				})
			})
		})
	})

	return r
}
