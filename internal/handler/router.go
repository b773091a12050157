package handler

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/taxportal/internal/metrics"
	"github.com/hitoshi/taxportal/internal/middleware"
	"github.com/hitoshi/taxportal/internal/session"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	Gate            middleware.GateConfig
	Sessions        *session.Provider
	CSRF            middleware.CSRFConfig
	SecurityHeaders middleware.SecurityHeadersConfig
	AllowedOrigins  []string
	RateLimiter     *middleware.RateLimiter
	Metrics         metrics.MetricsCollector // nilの場合はメトリクスを記録しない
	MetricsHandler  http.Handler             // nilの場合は/metricsを公開しない
	HealthChecker   HealthChecker

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// API
	ConversationService    ConversationServiceInterface
	NotificationService    NotificationServiceInterface
	DocumentRequestService DocumentRequestServiceInterface
	FileService            FileServiceInterface
	UserService            UserServiceInterface

	// ワークスペース（WebSocket）
	Workspace WorkspaceHandlerConfig
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → Metrics → SecurityHeaders → CORS → Gate → Session → CSRF
//
// /api/* と /ws にはさらにユーザーごとのレート制限を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gate := deps.Gate
	wsConfig := deps.Workspace

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(metrics.Middleware(deps.Metrics))
		if gate.Recorder == nil {
			gate.Recorder = deps.Metrics
		}
		if wsConfig.Recorder == nil {
			wsConfig.Recorder = deps.Metrics
		}
	}
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.SecurityHeaders))
	r.Use(middleware.NewCORSMiddleware(deps.AllowedOrigins...))
	r.Use(middleware.NewGateMiddleware(gate))
	r.Use(deps.Sessions.Middleware())
	r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

	authHandler := NewAuthHandler(deps.AuthService, deps.Sessions, deps.AuthConfig)
	convHandler := NewConversationHandler(deps.ConversationService)
	notifHandler := NewNotificationHandler(deps.NotificationService, deps.ConversationService, wsConfig.Location)
	docHandler := NewDocumentRequestHandler(deps.DocumentRequestService)
	fileHandler := NewFileHandler(deps.FileService)
	userHandler := NewUserHandler(deps.UserService)

	// --- ゲート対象外のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// 認証ルート（OAuthフローとセッション）
	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", authHandler.Login)
		r.Get("/callback", authHandler.Callback)
		r.Post("/refresh", authHandler.Refresh)
		r.Post("/logout", authHandler.Logout)
		r.Get("/session", authHandler.Session)
		r.Get("/me", authHandler.Me)
		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))
	})

	// --- 公開ページ ---
	// 認証済みでログインページを開いた場合はダッシュボードへ戻す
	r.With(session.NewPublicOnlyGuard(deps.Sessions)).Get(middleware.LoginPath, func(w http.ResponseWriter, r *http.Request) {
		target := "/auth/login"
		if redirect := session.SafeRedirect(r.URL.Query().Get("redirect"), ""); redirect != "" {
			target += "?redirect=" + url.QueryEscape(redirect)
		}
		http.Redirect(w, r, target, http.StatusFound)
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Method(http.MethodGet, "/ws", NewWorkspaceHandler(wsConfig))

		r.Route("/api/conversations", func(r chi.Router) {
			r.Get("/", convHandler.ListConversations)
			r.Post("/", convHandler.StartConversation)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", convHandler.GetConversation)
				r.Get("/messages", convHandler.ListMessages)
				// POST /api/conversations/{id}/messages - 送信専用レート制限を追加
				r.With(deps.RateLimiter.SendMiddleware()).Post("/messages", convHandler.SendMessage)
				r.Post("/read", convHandler.MarkRead)
			})
		})

		r.Route("/api/notifications", func(r chi.Router) {
			r.Get("/", notifHandler.List)
			r.Get("/view", notifHandler.View)
			r.Post("/seen", notifHandler.MarkAllSeen)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/seen", notifHandler.MarkSeen)
				r.Put("/star", notifHandler.SetStarred)
			})
		})

		r.Route("/api/document-requests", func(r chi.Router) {
			r.Get("/", docHandler.List)
			r.With(deps.RateLimiter.SendMiddleware()).Post("/", docHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", docHandler.Get)
				r.Post("/transition", docHandler.Transition)
			})
		})

		r.Route("/api/files", func(r chi.Router) {
			r.Get("/", fileHandler.List)
			r.Post("/", fileHandler.RegisterUpload)
			r.Delete("/", fileHandler.Delete)
			r.Get("/search", fileHandler.Search)
			r.Get("/download", fileHandler.Download)
			r.Post("/folders", fileHandler.CreateFolder)
		})

		r.Route("/api/profile", func(r chi.Router) {
			r.Get("/", userHandler.GetProfile)
			r.Patch("/", userHandler.UpdateProfile)
		})
		r.Get("/api/clients", userHandler.ListClients)
	})

	return r
}
