package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken はトークン検証の失敗を表す唯一のエラー。
// 署名・issuer・audience・有効期限のどれで失敗したかは呼び出し側に区別させない。
var ErrInvalidToken = errors.New("invalid token")

// Verifier はIDトークンを検証し、Identityを返す。
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// VerifierFunc は関数をVerifierとして扱うアダプタ。
type VerifierFunc func(ctx context.Context, token string) (*Identity, error)

// Verify はVerifierインターフェースを実装する。
func (f VerifierFunc) Verify(ctx context.Context, token string) (*Identity, error) {
	return f(ctx, token)
}

// VerifierConfig はJWKS検証の設定。
// JWKSURLとIssuerが空の場合はRegionとUserPoolIDから組み立てる。
type VerifierConfig struct {
	Region     string
	UserPoolID string
	ClientID   string

	// テスト・ローカルIdP用にオーバーライド可能
	Issuer  string
	JWKSURL string

	Leeway time.Duration
}

func (c VerifierConfig) withDefaults() VerifierConfig {
	if c.Issuer == "" {
		c.Issuer = fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.Region, c.UserPoolID)
	}
	if c.JWKSURL == "" {
		c.JWKSURL = c.Issuer + "/.well-known/jwks.json"
	}
	return c
}

// idTokenClaims はIdPが発行するIDトークンのクレーム。
type idTokenClaims struct {
	jwt.RegisteredClaims
	TokenUse               string `json:"token_use,omitempty"`
	Email                  string `json:"email,omitempty"`
	Name                   string `json:"name,omitempty"`
	Role                   string `json:"custom:role,omitempty"`
	AssignedProfessionalID string `json:"custom:assigned_pro_id,omitempty"`
}

func (c *idTokenClaims) identity() *Identity {
	name := c.Name
	if name == "" {
		name = c.Email
	}
	return &Identity{
		SubjectID:              c.Subject,
		Email:                  c.Email,
		DisplayName:            name,
		Role:                   ParseRole(c.Role),
		AssignedProfessionalID: c.AssignedProfessionalID,
	}
}

// JWKSVerifier はリモートのJWKSで署名を検証するVerifier実装。
// 鍵セットはバックグラウンドで定期更新され、未知のkidを受け取った場合も再取得されるため、
// 鍵ローテーションに再起動なしで追従する。
type JWKSVerifier struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
}

// NewJWKSVerifier はJWKSエンドポイントから鍵セットを取得し、JWKSVerifierを生成する。
// ctxがキャンセルされると鍵セットのバックグラウンド更新も停止する。
func NewJWKSVerifier(ctx context.Context, cfg VerifierConfig) (*JWKSVerifier, error) {
	cfg = cfg.withDefaults()

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
	if err != nil {
		return nil, fmt.Errorf("failed to load JWKS from %s: %w", cfg.JWKSURL, err)
	}

	return NewVerifierWithKeyfunc(kf.Keyfunc, cfg), nil
}

// NewVerifierWithKeyfunc は任意の鍵解決関数でJWKSVerifierを生成する。
func NewVerifierWithKeyfunc(kf jwt.Keyfunc, cfg VerifierConfig) *JWKSVerifier {
	cfg = cfg.withDefaults()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.ClientID != "" {
		opts = append(opts, jwt.WithAudience(cfg.ClientID))
	}

	return &JWKSVerifier{
		keyfunc: kf,
		parser:  jwt.NewParser(opts...),
	}
}

// Verify はトークンの署名・issuer・audience・有効期限を検証する。
// 失敗理由はログにのみ記録し、戻り値は常にErrInvalidTokenとする。
func (v *JWKSVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims := &idTokenClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, v.keyfunc)
	if err != nil || !parsed.Valid {
		slog.DebugContext(ctx, "token verification failed", slog.Any("error", err))
		return nil, ErrInvalidToken
	}

	// アクセストークンをセッションCookieとして受け付けない
	if claims.TokenUse != "" && claims.TokenUse != "id" {
		slog.DebugContext(ctx, "token verification failed", slog.String("token_use", claims.TokenUse))
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return claims.identity(), nil
}

// compile-time interface check
var _ Verifier = (*JWKSVerifier)(nil)
