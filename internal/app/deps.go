package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/config"
	"github.com/hitoshi/taxportal/internal/events"
	"github.com/hitoshi/taxportal/internal/middleware"
)

// newBus は設定に応じたイベントバスを生成する。
func newBus(ctx context.Context, cfg *config.Config) (events.Bus, error) {
	switch cfg.EventBus {
	case config.BusNATS:
		bus, err := events.NewNATSBus(events.NATSConfig{
			URL:           cfg.NATSURL,
			Name:          "taxportal",
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		return bus, nil
	case config.BusRedis:
		bus, err := events.NewRedisBus(ctx, events.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return bus, nil
	case config.BusMemory, "":
		return events.NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unsupported event bus: %s", cfg.EventBus)
	}
}

// demoIdentity はデモモードの固定Identityを返す。デモモードでない場合はnil。
func demoIdentity(cfg *config.Config) *auth.Identity {
	if !cfg.DemoMode {
		return nil
	}
	role := auth.ParseRole(cfg.DemoRole)
	if role == auth.RoleUnknown {
		role = auth.RoleClient
	}
	return &auth.Identity{
		SubjectID:   cfg.DemoUserID,
		Email:       cfg.DemoUserID + "@demo.invalid",
		DisplayName: "デモユーザー",
		Role:        role,
	}
}

// errDemoCredential はデモモードでトークンを検証しようとした場合のエラー。
var errDemoCredential = errors.New("credential verification is disabled in demo mode")

// newVerifier はIDトークンのVerifierを生成する。
// デモモードではIdPに接続せず、常に検証失敗とするVerifierを返す。
func newVerifier(ctx context.Context, cfg *config.Config) (auth.Verifier, error) {
	if cfg.DemoMode {
		return auth.VerifierFunc(func(context.Context, string) (*auth.Identity, error) {
			return nil, errDemoCredential
		}), nil
	}
	v, err := auth.NewJWKSVerifier(ctx, auth.VerifierConfig{
		Region:     cfg.CognitoRegion,
		UserPoolID: cfg.CognitoUserPoolID,
		ClientID:   cfg.CognitoClientID,
		Leeway:     30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
	}
	return v, nil
}

// rateLimiterConfig は1分あたりの設定値をレートリミッターの設定に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitSend > 0 {
		rl.SendRate = rate.Limit(float64(cfg.RateLimitSend) / 60.0)
		rl.SendBurst = max(1, cfg.RateLimitSend/3)
	}
	return rl
}

// closeBus はバスを閉じ、失敗をログに残す。
func closeBus(bus events.Bus) {
	if err := bus.Close(); err != nil {
		slog.Warn("failed to close event bus", slog.String("error", err.Error()))
	}
}
