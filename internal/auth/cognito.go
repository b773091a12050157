package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Tokens はIdPのトークンエンドポイントが返すトークン一式。
type Tokens struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	ExpiresIn    int // 秒
}

// IdentityProvider はマネージドIdP（Hosted UI）とのやり取りを抽象化する。
type IdentityProvider interface {
	// GetLoginURL はHosted UIのログインURLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換する。
	ExchangeCode(ctx context.Context, code string) (*Tokens, error)
	// Refresh はリフレッシュトークンで新しいIDトークンを取得する。
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
	// GetLogoutURL はHosted UIのログアウトURLを生成する。
	GetLogoutURL(returnTo string) string
}

// CognitoConfig はCognito Hosted UIの設定。
type CognitoConfig struct {
	Domain       string // 例: https://portal.auth.ap-northeast-1.amazoncognito.com
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL   string
	TokenURL  string
	LogoutURL string

	HTTPClient *http.Client
}

// CognitoClient はCognito Hosted UIのOAuth2エンドポイントを呼び出す。
type CognitoClient struct {
	config CognitoConfig
	client *http.Client
}

// NewCognitoClient はCognitoClientを生成する。
func NewCognitoClient(config CognitoConfig) *CognitoClient {
	domain := strings.TrimRight(config.Domain, "/")
	if config.AuthURL == "" {
		config.AuthURL = domain + "/oauth2/authorize"
	}
	if config.TokenURL == "" {
		config.TokenURL = domain + "/oauth2/token"
	}
	if config.LogoutURL == "" {
		config.LogoutURL = domain + "/logout"
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &CognitoClient{config: config, client: client}
}

// GetLoginURL はHosted UIの認証URLを生成する。
// スコープにはopenid, email, profileを含む。
func (c *CognitoClient) GetLoginURL(state string) string {
	params := url.Values{
		"client_id":     {c.config.ClientID},
		"redirect_uri":  {c.config.RedirectURL},
		"response_type": {"code"},
		"scope":         {"openid email profile"},
		"state":         {state},
	}
	return c.config.AuthURL + "?" + params.Encode()
}

// GetLogoutURL はHosted UIのログアウトURLを生成する。
func (c *CognitoClient) GetLogoutURL(returnTo string) string {
	params := url.Values{
		"client_id":  {c.config.ClientID},
		"logout_uri": {returnTo},
	}
	return c.config.LogoutURL + "?" + params.Encode()
}

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode は認可コードをトークンに交換する。
func (c *CognitoClient) ExchangeCode(ctx context.Context, code string) (*Tokens, error) {
	data := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {c.config.ClientID},
		"redirect_uri": {c.config.RedirectURL},
	}
	return c.requestToken(ctx, data)
}

// Refresh はリフレッシュトークンで新しいIDトークンを取得する。
// レスポンスにリフレッシュトークンが含まれない場合は渡されたものを引き継ぐ。
func (c *CognitoClient) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.config.ClientID},
	}
	tokens, err := c.requestToken(ctx, data)
	if err != nil {
		return nil, err
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

// requestToken はトークンエンドポイントにPOSTし、レスポンスを解析する。
func (c *CognitoClient) requestToken(ctx context.Context, data url.Values) (*Tokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.config.ClientSecret != "" {
		req.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tr.IDToken == "" {
		return nil, fmt.Errorf("empty id_token in response")
	}

	return &Tokens{
		IDToken:      tr.IDToken,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    tr.ExpiresIn,
	}, nil
}

// compile-time interface check
var _ IdentityProvider = (*CognitoClient)(nil)
