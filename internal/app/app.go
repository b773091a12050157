package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/config"
	"github.com/hitoshi/taxportal/internal/database"
	"github.com/hitoshi/taxportal/internal/docrequest"
	"github.com/hitoshi/taxportal/internal/files"
	"github.com/hitoshi/taxportal/internal/handler"
	"github.com/hitoshi/taxportal/internal/logger"
	"github.com/hitoshi/taxportal/internal/messaging"
	"github.com/hitoshi/taxportal/internal/metrics"
	"github.com/hitoshi/taxportal/internal/middleware"
	"github.com/hitoshi/taxportal/internal/notification"
	"github.com/hitoshi/taxportal/internal/repository"
	"github.com/hitoshi/taxportal/internal/security"
	"github.com/hitoshi/taxportal/internal/session"
	"github.com/hitoshi/taxportal/internal/user"
	"github.com/hitoshi/taxportal/internal/worker/cleanup"
	"github.com/hitoshi/taxportal/internal/worker/reminder"
	"github.com/hitoshi/taxportal/internal/workspace"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

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
		slog.String("event_bus", cfg.EventBus),
		slog.Bool("demo_mode", cfg.DemoMode),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		action, ok := ParseMigrateAction(args)
		if !ok {
			return fmt.Errorf("unknown migrate action: %s (expected up, down or version)", args[1])
		}
		return runMigrate(cfg, action)
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
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. イベントバス
	bus, err := newBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBus(bus)

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 4. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	conversationRepo := repository.NewPostgresConversationRepo(db)
	messageRepo := repository.NewPostgresMessageRepo(db)
	notificationRepo := repository.NewPostgresNotificationRepo(db)
	docRequestRepo := repository.NewPostgresDocumentRequestRepo(db)
	fileRepo := repository.NewPostgresFileRepo(db)

	// 5. 認証
	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return err
	}
	idp := auth.NewCognitoClient(auth.CognitoConfig{
		Domain:       cfg.CognitoDomain,
		ClientID:     cfg.CognitoClientID,
		ClientSecret: cfg.CognitoClientSecret,
		RedirectURL:  cfg.CognitoRedirectURL,
	})
	authService := auth.NewService(idp, verifier, userRepo)

	cookies := middleware.CookieConfig{Secure: cfg.CookieSecure, Domain: cfg.CookieDomain}
	demo := demoIdentity(cfg)
	sessions := session.NewProvider(session.Options{
		Verifier:     verifier,
		Refresher:    authService,
		Cookies:      cookies,
		DemoIdentity: demo,
		LogoutURL: func(returnTo string) string {
			if cfg.DemoMode || cfg.CognitoDomain == "" {
				return returnTo
			}
			return authService.GetLogoutURL(cfg.BaseURL + returnTo)
		},
	})
	if demo != nil {
		slog.Warn("demo mode enabled: all requests are authenticated as the demo identity",
			slog.String("user_id", demo.SubjectID),
			slog.String("role", demo.Role.String()),
		)
	}

	// 6. ドメインサービスの初期化
	notificationService := notification.NewService(notificationRepo, bus)
	messagingService := messaging.NewService(conversationRepo, messageRepo, security.NewMessageSanitizer(), notificationService, bus)
	docRequestService := docrequest.NewService(docRequestRepo, userRepo, notificationService, bus)
	fileService := files.NewService(fileRepo, files.StorageConfig{Bucket: cfg.S3Bucket, Region: cfg.S3Region})
	userService := user.NewService(userRepo)

	// 7. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger: slog.Default(),

		Gate: middleware.GateConfig{
			Verifier:     verifier,
			Cookies:      cookies,
			DemoIdentity: demo,
		},
		Sessions:        sessions,
		CSRF:            middleware.CSRFConfig{CookieSecure: cfg.CookieSecure, CookieDomain: cfg.CookieDomain},
		SecurityHeaders: middleware.SecurityHeadersConfig{HSTS: cfg.CookieSecure},
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimiter:     rateLimiter,
		Metrics:         collector,
		MetricsHandler:  metrics.Handler(registry),
		HealthChecker:   db,

		AuthService: authService,
		AuthConfig:  handler.AuthHandlerConfig{Cookies: cookies},

		ConversationService:    messagingService,
		NotificationService:    notificationService,
		DocumentRequestService: docRequestService,
		FileService:            fileService,
		UserService:            userService,

		Workspace: handler.WorkspaceHandlerConfig{
			Services: workspace.Services{
				Conversations:    messagingService,
				Messages:         messagingService,
				Files:            fileService,
				Notifications:    notificationService,
				DocumentRequests: docRequestService,
				Profile:          userService,
			},
			Bus:            bus,
			Location:       cfg.Location,
			AllowedOrigins: cfg.AllowedOrigins,
		},
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
	// WebSocket接続は長時間維持するため、WriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("API server starting",
		slog.String("addr", ln.Addr().String()),
	)
	return serve(ctx, server, ln, 30*time.Second)
}

// serve はctxが終了するまでserverでlnを処理し、その後グレースフルシャットダウンする。
// リクエストのコンテキストはシグナルではなくShutdownの完了後にキャンセルされるため、
// 処理中のリクエストは最後まで実行され、WebSocketなど残った接続はその時点で終了する。
func serve(ctx context.Context, server *http.Server, ln net.Listener, shutdownTimeout time.Duration) error {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	server.BaseContext = func(net.Listener) context.Context { return baseCtx }

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := server.Shutdown(shutdownCtx)
	cancelBase()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限超過リマインドとクリーンアップを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. イベントバス（リマインド通知をAPIサーバーのワークスペースへ届ける）
	bus, err := newBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBus(bus)

	// 3. メトリクス（ワーカーはPushせず、ログとプロセス内のカウンタのみ）
	collector := metrics.NewCollector(prometheus.NewRegistry())

	// 4. サービスの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	notificationService := notification.NewService(repository.NewPostgresNotificationRepo(db), bus)
	docRequestService := docrequest.NewService(repository.NewPostgresDocumentRequestRepo(db), userRepo, notificationService, bus)

	// 5. ジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default(), collector)
	cleanupJob.FileRetentionDays = cfg.FileRetentionDays
	cleanupJob.NotificationRetentionDays = cfg.NotificationRetentionDays

	reminderScheduler := reminder.NewScheduler(docRequestService, collector, slog.Default())

	slog.Info("worker starting",
		slog.Duration("reminder_interval", cfg.ReminderInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// クリーンアップジョブをバックグラウンドで定期実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// リマインドスケジューラをメインgoroutineで実行（ブロッキング）
	reminderScheduler.Start(ctx, cfg.ReminderInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// upは未適用分をすべて適用し、downは1段階戻し、versionは現在のバージョンをログに出す。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackMigration(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		slog.Info("database migration rolled back one step")
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("current migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migrations completed successfully")
	}
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
