package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/events"
	"github.com/hitoshi/taxportal/internal/metrics"
	"github.com/hitoshi/taxportal/internal/middleware"
	"github.com/hitoshi/taxportal/internal/session"
)

const testCSRFToken = "test-csrf-token"

type stubHealthChecker struct {
	err error
}

func (s stubHealthChecker) PingContext(ctx context.Context) error { return s.err }

func newTestRouterDeps(t *testing.T) *RouterDeps {
	t.Helper()
	verifier := auth.VerifierFunc(func(ctx context.Context, token string) (*auth.Identity, error) {
		switch token {
		case "valid-token":
			return testClient, nil
		case "pro-token":
			return testPro, nil
		}
		return nil, auth.ErrInvalidToken
	})
	cookies := middleware.CookieConfig{}

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)
	bus := events.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })

	authSvc := &mockAuthService{}
	convs := &mockConversationService{}
	return &RouterDeps{
		Gate:     middleware.GateConfig{Verifier: verifier, Cookies: cookies},
		Sessions: session.NewProvider(session.Options{Verifier: verifier, Refresher: authSvc, Cookies: cookies}),

		RateLimiter: rl,

		AuthService:            authSvc,
		AuthConfig:             AuthHandlerConfig{Cookies: cookies},
		ConversationService:    convs,
		NotificationService:    &mockNotificationService{},
		DocumentRequestService: &mockDocumentRequestService{},
		FileService:            &mockFileService{},
		UserService:            &mockUserService{},

		Workspace: WorkspaceHandlerConfig{
			Services: newTestWorkspaceServices(),
			Bus:      bus,
		},
	}
}

// newAuthedRequest はidTokenとCSRFトークンを付与したリクエストを返す。
func newAuthedRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.AddCookie(&http.Cookie{Name: middleware.IDTokenCookieName, Value: "valid-token"})
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testCSRFToken})
	req.Header.Set("X-CSRF-Token", testCSRFToken)
	return req
}

func TestNewRouter_Health(t *testing.T) {
	tests := []struct {
		name       string
		checker    HealthChecker
		wantStatus int
	}{
		{name: "no checker", wantStatus: http.StatusOK},
		{name: "database up", checker: stubHealthChecker{}, wantStatus: http.StatusOK},
		{name: "database down", checker: stubHealthChecker{err: errors.New("connection refused")}, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newTestRouterDeps(t)
			deps.HealthChecker = tt.checker
			router := NewRouter(deps)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestNewRouter_ProtectedRoute_NoCookie_RedirectsToLogin(t *testing.T) {
	router := NewRouter(newTestRouterDeps(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	if got := w.Header().Get("Location"); got != "/login?redirect=/api/conversations" {
		t.Errorf("Location = %q", got)
	}
}

func TestNewRouter_ProtectedRoute_InvalidCookie_ClearsToken(t *testing.T) {
	router := NewRouter(newTestRouterDeps(t))

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: middleware.IDTokenCookieName, Value: "forged"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	if c := findCookie(w.Result(), middleware.IDTokenCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("idToken cookie should be cleared, got %+v", c)
	}
}

func TestNewRouter_ProtectedRoute_WithToken_Succeeds(t *testing.T) {
	router := NewRouter(newTestRouterDeps(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newAuthedRequest(http.MethodGet, "/api/conversations", ""))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
	}
	// 基本的なセキュリティヘッダーが付与される
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", w.Header().Get("X-Content-Type-Options"))
	}
}

func TestNewRouter_StateChange_RequiresCSRF(t *testing.T) {
	router := NewRouter(newTestRouterDeps(t))

	req := httptest.NewRequest(http.MethodPost, "/api/notifications/seen", nil)
	req.AddCookie(&http.Cookie{Name: middleware.IDTokenCookieName, Value: "valid-token"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("without CSRF: status = %d, want %d", w.Code, http.StatusForbidden)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, newAuthedRequest(http.MethodPost, "/api/notifications/seen", ""))
	if w.Code != http.StatusOK {
		t.Errorf("with CSRF: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestNewRouter_AuthRoutes_BypassGate(t *testing.T) {
	router := NewRouter(newTestRouterDeps(t))

	tests := []struct {
		method     string
		target     string
		wantStatus int
	}{
		{method: http.MethodGet, target: "/auth/login", wantStatus: http.StatusTemporaryRedirect},
		{method: http.MethodGet, target: "/auth/session", wantStatus: http.StatusOK},
		{method: http.MethodGet, target: "/auth/me", wantStatus: http.StatusUnauthorized},
		{method: http.MethodGet, target: "/auth/csrf-token", wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.target, nil))
		if w.Code != tt.wantStatus {
			t.Errorf("%s %s: status = %d, want %d", tt.method, tt.target, w.Code, tt.wantStatus)
		}
	}
}

func TestNewRouter_LoginPage_PublicOnly(t *testing.T) {
	router := NewRouter(newTestRouterDeps(t))

	// 未認証はIdPのログインへ
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/login", nil))
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/auth/login" {
		t.Errorf("unauthenticated: status = %d, Location = %q", w.Code, w.Header().Get("Location"))
	}

	// 未認証の戻り先はIdPログインへ引き継ぐ
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/login?redirect=/files", nil))
	if loc := w.Header().Get("Location"); loc != "/auth/login?redirect=%2Ffiles" {
		t.Errorf("unauthenticated with redirect: Location = %q, want %q", loc, "/auth/login?redirect=%2Ffiles")
	}

	// 外部URLは引き継がない
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/login?redirect=//evil.example.com", nil))
	if loc := w.Header().Get("Location"); loc != "/auth/login" {
		t.Errorf("unsafe redirect: Location = %q, want %q", loc, "/auth/login")
	}

	// 認証済みはredirectの戻り先へ
	req := httptest.NewRequest(http.MethodGet, "/login?redirect=/files", nil)
	req.AddCookie(&http.Cookie{Name: middleware.IDTokenCookieName, Value: "valid-token"})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/files" {
		t.Errorf("authenticated: status = %d, Location = %q", w.Code, w.Header().Get("Location"))
	}
}

func TestNewRouter_AllAPIEndpointsAreRouted(t *testing.T) {
	router := NewRouter(newTestRouterDeps(t))

	tests := []struct {
		method string
		target string
		body   string
	}{
		{http.MethodGet, "/api/conversations", ""},
		{http.MethodPost, "/api/conversations", `{"participant_id":"pro-1"}`},
		{http.MethodGet, "/api/conversations/c-1", ""},
		{http.MethodGet, "/api/conversations/c-1/messages", ""},
		{http.MethodPost, "/api/conversations/c-1/messages", `{"content":"hello"}`},
		{http.MethodPost, "/api/conversations/c-1/read", ""},
		{http.MethodGet, "/api/notifications", ""},
		{http.MethodGet, "/api/notifications/view", ""},
		{http.MethodPost, "/api/notifications/seen", ""},
		{http.MethodPost, "/api/notifications/n-1/seen", ""},
		{http.MethodPut, "/api/notifications/n-1/star", `{"starred":true}`},
		{http.MethodGet, "/api/document-requests", ""},
		{http.MethodPost, "/api/document-requests", `{"client_id":"client-1"}`},
		{http.MethodGet, "/api/document-requests/r-1", ""},
		{http.MethodPost, "/api/document-requests/r-1/transition", `{"status":"uploaded"}`},
		{http.MethodGet, "/api/files", ""},
		{http.MethodPost, "/api/files", `{"name":"a.pdf"}`},
		{http.MethodDelete, "/api/files?path=/a.pdf", ""},
		{http.MethodGet, "/api/files/search?prefix=a", ""},
		{http.MethodGet, "/api/files/download?path=/a.pdf", ""},
		{http.MethodPost, "/api/files/folders", `{"name":"2025"}`},
		{http.MethodGet, "/api/profile", ""},
		{http.MethodPatch, "/api/profile", `{"display_name":"山田"}`},
		{http.MethodGet, "/api/clients", ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, newAuthedRequest(tt.method, tt.target, tt.body))

			if w.Code == http.StatusMethodNotAllowed || w.Code == http.StatusFound || w.Code == http.StatusForbidden {
				t.Errorf("status = %d, route is not reachable", w.Code)
			}
			if w.Code == http.StatusNotFound && decodeErrorCode(t, w.Body.Bytes()) == "" {
				t.Errorf("404 without error body: route is not registered")
			}
		})
	}
}

func TestNewRouter_MetricsRecordGateDecisions(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	deps := newTestRouterDeps(t)
	deps.Metrics = collector
	deps.MetricsHandler = metrics.Handler(reg)
	router := NewRouter(deps)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	router.ServeHTTP(httptest.NewRecorder(), newAuthedRequest(http.MethodGet, "/api/conversations", ""))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	for _, want := range []string{
		`taxportal_gate_decisions_total{decision="missing_token"} 1`,
		`taxportal_gate_decisions_total{decision="allowed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output should contain %q", want)
		}
	}
}
