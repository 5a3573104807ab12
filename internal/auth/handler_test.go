package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/portfolio-admin/internal/audit"
	"github.com/yourusername/portfolio-admin/internal/config"
	"github.com/yourusername/portfolio-admin/internal/ratelimit"
)

const testPassword = "correct horse battery staple"

type eventRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *eventRecorder) Record(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(typ audit.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last() audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return audit.Event{}
	}
	return r.events[len(r.events)-1]
}

type testServer struct {
	manager *Manager
	router  *gin.Engine
	clock   *testClock
	events  *eventRecorder
}

func newTestServer(t *testing.T, mutate func(*config.Config), opts ...func(*testClock) StoreOption) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	cfg := &config.Config{
		AdminUsername:          "admin",
		AdminPasswordHash:      string(hash),
		GinMode:                gin.TestMode,
		AdminPrefix:            "/admin",
		LoginPath:              "/admin/login",
		SessionDurationMinutes: 10,
		LoginMaxAttempts:       5,
		LoginWindowMinutes:     15,
	}
	if mutate != nil {
		mutate(cfg)
	}

	clock := newTestClock()
	storeOpts := make([]StoreOption, 0, len(opts))
	for _, opt := range opts {
		storeOpts = append(storeOpts, opt(clock))
	}
	store := newTestStore(t, clock, storeOpts...)
	limiter := ratelimit.New(ratelimit.NewMemoryBackend(),
		ratelimit.WithMaxAttempts(cfg.LoginMaxAttempts),
		ratelimit.WithWindow(cfg.LoginWindow()),
		ratelimit.WithClock(clock.Now),
	)
	events := &eventRecorder{}
	m := NewManager(cfg, store, limiter, events, log.New(io.Discard, "", 0))

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		t.Fatalf("SetTrustedProxies returned error: %v", err)
	}
	router.Use(sessions.Sessions(NoticeCookieName, cookie.NewStore([]byte(testSecret))))
	router.Use(m.Gate().Middleware())
	router.GET("/admin", func(c *gin.Context) { c.String(http.StatusOK, "dashboard") })

	api := router.Group("/api/auth")
	api.POST("/login", m.LoginThrottle(), m.Login)
	api.GET("/session", m.SessionStatus)
	api.POST("/renew", m.RequireAuth(), m.VerifyCSRF(), m.Renew)
	api.POST("/logout", m.Logout)
	api.GET("/notice", m.Notice)

	return &testServer{manager: m, router: router, clock: clock, events: events}
}

func (s *testServer) do(method, path string, body any, cookies []*http.Cookie, header map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:51234"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login(username, password string) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, "/api/auth/login", gin.H{"username": username, "password": password}, nil, nil)
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	var found *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			found = c
		}
	}
	return found
}

func countCookies(rec *httptest.ResponseRecorder, name string) int {
	n := 0
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			n++
		}
	}
	return n
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestLoginSuccessSetsCookies(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodPost, "/api/auth/login",
		gin.H{"username": "admin", "password": testPassword, "redirect": "/admin/works"}, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	sessionCookie := findCookie(rec, SessionCookieName)
	if sessionCookie == nil || sessionCookie.MaxAge != 600 || !sessionCookie.HttpOnly || sessionCookie.SameSite != http.SameSiteLaxMode {
		t.Fatalf("unexpected session cookie: %+v", sessionCookie)
	}
	csrfCookie := findCookie(rec, CSRFCookieName)
	if csrfCookie == nil || csrfCookie.SameSite != http.SameSiteStrictMode {
		t.Fatalf("unexpected csrf cookie: %+v", csrfCookie)
	}
	if rec.Header().Get(CSRFHeaderName) != csrfCookie.Value {
		t.Fatal("CSRF header does not match cookie")
	}

	body := decodeBody(t, rec)
	if body["redirect"] != "/admin/works" {
		t.Fatalf("redirect = %v", body["redirect"])
	}
	if body["timeRemaining"] != float64(10) {
		t.Fatalf("timeRemaining = %v", body["timeRemaining"])
	}
	if body["csrfToken"] != csrfCookie.Value {
		t.Fatal("csrfToken in body does not match cookie")
	}

	if srv.events.count(audit.EventLoginSuccess) != 1 {
		t.Fatal("expected a login_success event")
	}
	if ev := srv.events.last(); ev.UserID != "admin" || ev.IP != "192.0.2.10" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestLoginRejectsUnsafeRedirect(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.do(http.MethodPost, "/api/auth/login",
		gin.H{"username": "admin", "password": testPassword, "redirect": "https://evil.example.com/"}, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["redirect"] != "/admin" {
		t.Fatalf("redirect = %v, want /admin", body["redirect"])
	}
}

func TestLoginInvalidBody(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.do(http.MethodPost, "/api/auth/login", gin.H{"username": "admin"}, nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != "INVALID_INPUT" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestLoginWithoutConfiguredCredentials(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.AdminPasswordHash = "" })
	rec := srv.login("admin", testPassword)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestLoginRateLimitBlocksEvenCorrectPassword(t *testing.T) {
	srv := newTestServer(t, nil)

	for i := 1; i <= 5; i++ {
		rec := srv.login("admin", "wrong")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want 401", i, rec.Code)
		}
		body := decodeBody(t, rec)
		if body["code"] != "INVALID_CREDENTIALS" {
			t.Fatalf("attempt %d: code = %v", i, body["code"])
		}
		if body["remainingAttempts"] != float64(5-i) {
			t.Fatalf("attempt %d: remainingAttempts = %v, want %d", i, body["remainingAttempts"], 5-i)
		}
		if findCookie(rec, SessionCookieName) != nil {
			t.Fatalf("attempt %d: failed login set a session cookie", i)
		}
	}

	rec := srv.login("admin", testPassword)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "TOO_MANY_ATTEMPTS" || body["resetTimeSeconds"] != float64(900) {
		t.Fatalf("unexpected body: %v", body)
	}
	if rec.Header().Get("Retry-After") != "900" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if srv.events.count(audit.EventRateLimitExceeded) != 1 {
		t.Fatal("expected a rate_limit_exceeded event")
	}
	if srv.events.count(audit.EventLoginFailure) != 6 {
		t.Fatalf("login_failure events = %d, want 6", srv.events.count(audit.EventLoginFailure))
	}

	srv.clock.Advance(15 * time.Minute)
	rec = srv.login("admin", testPassword)
	if rec.Code != http.StatusOK {
		t.Fatalf("login after window reset: status = %d", rec.Code)
	}
}

func TestLoginSuccessResetsAttempts(t *testing.T) {
	srv := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		srv.login("admin", "wrong")
	}
	if rec := srv.login("admin", testPassword); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rec := srv.login("admin", "wrong")
	if body := decodeBody(t, rec); body["remainingAttempts"] != float64(4) {
		t.Fatalf("remainingAttempts = %v, want 4", body["remainingAttempts"])
	}
}

func TestLoginThrottle(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.LoginGlobalRPS = 0.001
		c.LoginGlobalBurst = 1
	})
	if rec := srv.login("admin", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := srv.login("admin", "wrong")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != "TOO_MANY_REQUESTS" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestSessionStatusLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	login := srv.login("admin", testPassword)
	sessionCookie := findCookie(login, SessionCookieName)

	srv.clock.Advance(3*time.Minute + 10*time.Second)
	rec := srv.do(http.MethodGet, "/api/auth/session", nil, []*http.Cookie{sessionCookie}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["authenticated"] != true || body["timeRemaining"] != float64(6) {
		t.Fatalf("unexpected body: %v", body)
	}

	srv.clock.Advance(7 * time.Minute)
	rec = srv.do(http.MethodGet, "/api/auth/session", nil, []*http.Cookie{sessionCookie}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired status = %d, want 401", rec.Code)
	}
	if body := decodeBody(t, rec); body["authenticated"] != false {
		t.Fatalf("unexpected body: %v", body)
	}
	if c := findCookie(rec, SessionCookieName); c == nil || c.MaxAge >= 0 {
		t.Fatalf("expected session cookie to be cleared, got %+v", c)
	}
	if srv.events.count(audit.EventSessionExpired) != 1 {
		t.Fatal("expected a session_expired event")
	}

	notice := srv.do(http.MethodGet, "/api/auth/notice", nil, []*http.Cookie{findCookie(rec, NoticeCookieName)}, nil)
	notices, _ := decodeBody(t, notice)["notices"].([]any)
	if len(notices) != 1 || notices[0] != NoticeSessionExpired {
		t.Fatalf("notices = %v", notices)
	}
}

func TestSessionStatusWithoutCookie(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.do(http.MethodGet, "/api/auth/session", nil, nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if findCookie(rec, SessionCookieName) != nil {
		t.Fatal("absent session should not produce a Set-Cookie")
	}
	if srv.events.count(audit.EventSessionExpired) != 0 {
		t.Fatal("absent session must not be reported as expired")
	}
}

func TestRenewRequiresCSRF(t *testing.T) {
	srv := newTestServer(t, nil)
	login := srv.login("admin", testPassword)
	sessionCookie := findCookie(login, SessionCookieName)
	csrfCookie := findCookie(login, CSRFCookieName)

	rec := srv.do(http.MethodPost, "/api/auth/renew", nil, []*http.Cookie{sessionCookie, csrfCookie}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status without header = %d, want 403", rec.Code)
	}
	if ev := srv.events.last(); ev.Type != audit.EventCSRFFailure || ev.UserID != "admin" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	rec = srv.do(http.MethodPost, "/api/auth/renew", nil, []*http.Cookie{sessionCookie},
		map[string]string{CSRFHeaderName: csrfCookie.Value})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status without csrf cookie = %d, want 403", rec.Code)
	}

	srv.clock.Advance(8 * time.Minute)
	rec = srv.do(http.MethodPost, "/api/auth/renew", nil, []*http.Cookie{sessionCookie, csrfCookie},
		map[string]string{CSRFHeaderName: csrfCookie.Value})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	renewed := findCookie(rec, SessionCookieName)
	if renewed == nil || renewed.Value == sessionCookie.Value || renewed.MaxAge != 600 {
		t.Fatalf("unexpected renewed cookie: %+v", renewed)
	}
	if body := decodeBody(t, rec); body["timeRemaining"] != float64(10) {
		t.Fatalf("timeRemaining = %v", body["timeRemaining"])
	}
	if srv.events.count(audit.EventSessionRenewed) != 1 {
		t.Fatal("expected a session_renewed event")
	}
}

func TestRenewExpiredSession(t *testing.T) {
	srv := newTestServer(t, nil)
	login := srv.login("admin", testPassword)
	sessionCookie := findCookie(login, SessionCookieName)
	csrfCookie := findCookie(login, CSRFCookieName)

	srv.clock.Advance(10 * time.Minute)
	rec := srv.do(http.MethodPost, "/api/auth/renew", nil, []*http.Cookie{sessionCookie, csrfCookie},
		map[string]string{CSRFHeaderName: csrfCookie.Value})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != "SESSION_EXPIRED" {
		t.Fatalf("code = %v", body["code"])
	}
	if countCookies(rec, SessionCookieName) != 1 {
		t.Fatal("expected exactly one session Set-Cookie")
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	srv := newTestServer(t, nil, func(clock *testClock) StoreOption {
		return WithDenylist(NewMemoryDenylist(clock.Now))
	})
	login := srv.login("admin", testPassword)
	sessionCookie := findCookie(login, SessionCookieName)

	rec := srv.do(http.MethodPost, "/api/auth/logout", nil, []*http.Cookie{sessionCookie}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if c := findCookie(rec, SessionCookieName); c == nil || c.MaxAge >= 0 {
		t.Fatalf("expected session cookie to be cleared, got %+v", c)
	}
	if ev := srv.events.last(); ev.Type != audit.EventLogout || ev.UserID != "admin" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	status := srv.do(http.MethodGet, "/api/auth/session", nil, []*http.Cookie{sessionCookie}, nil)
	if status.Code != http.StatusUnauthorized {
		t.Fatalf("revoked cookie still accepted: %d", status.Code)
	}

	again := srv.do(http.MethodPost, "/api/auth/logout", nil, nil, nil)
	if again.Code != http.StatusNoContent {
		t.Fatalf("second logout status = %d", again.Code)
	}
	if c := findCookie(again, SessionCookieName); c == nil || c.MaxAge >= 0 {
		t.Fatal("second logout should still clear the cookie")
	}

	notice := srv.do(http.MethodGet, "/api/auth/notice", nil, []*http.Cookie{findCookie(again, NoticeCookieName)}, nil)
	notices, _ := decodeBody(t, notice)["notices"].([]any)
	if len(notices) != 1 || notices[0] != NoticeLoggedOut {
		t.Fatalf("notices = %v", notices)
	}
}

func TestGateRecordsExpiryOnce(t *testing.T) {
	srv := newTestServer(t, nil)
	login := srv.login("admin", testPassword)
	sessionCookie := findCookie(login, SessionCookieName)

	if rec := srv.do(http.MethodGet, "/admin", nil, []*http.Cookie{sessionCookie}, nil); rec.Code != http.StatusOK {
		t.Fatalf("authenticated page status = %d", rec.Code)
	}

	srv.clock.Advance(10 * time.Minute)
	rec := srv.do(http.MethodGet, "/admin", nil, []*http.Cookie{sessionCookie}, nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/admin/login?redirect=%2Fadmin" {
		t.Fatalf("Location = %q", got)
	}
	if countCookies(rec, SessionCookieName) != 1 {
		t.Fatalf("expected exactly one session Set-Cookie, got %d", countCookies(rec, SessionCookieName))
	}
	if srv.events.count(audit.EventSessionExpired) != 1 {
		t.Fatal("expected a session_expired event")
	}
}

func TestLoginRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	srv := newTestServer(t, nil)

	codes := make([]int, 0, 8)
	for i := 1; i <= 8; i++ {
		rec := srv.do(http.MethodPost, "/api/auth/login", gin.H{"username": "admin", "password": "wrong"}, nil,
			map[string]string{"X-Forwarded-For": "198.51.100." + strconv.Itoa(i)})
		codes = append(codes, rec.Code)
	}
	for i, code := range codes {
		want := http.StatusUnauthorized
		if i >= 5 {
			want = http.StatusTooManyRequests
		}
		if code != want {
			t.Fatalf("attempt %d: status = %d, want %d (all: %v)", i+1, code, want, codes)
		}
	}
	if ev := srv.events.last(); ev.IP != "192.0.2.10" {
		t.Fatalf("event IP = %q, want the connection address", ev.IP)
	}
}

func TestLoginRateLimitHonorsTrustedProxy(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.TrustedProxies = []string{"192.0.2.0/24"} })

	for i := 1; i <= 6; i++ {
		rec := srv.do(http.MethodPost, "/api/auth/login", gin.H{"username": "admin", "password": "wrong"}, nil,
			map[string]string{"X-Forwarded-For": "198.51.100." + strconv.Itoa(i)})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d from a distinct client: status = %d, want 401", i, rec.Code)
		}
	}
	if ev := srv.events.last(); ev.IP != "198.51.100.6" {
		t.Fatalf("event IP = %q, want the forwarded client address", ev.IP)
	}
}

func TestGateRejectsTamperedLoginCookie(t *testing.T) {
	srv := newTestServer(t, nil)
	login := srv.login("admin", testPassword)
	sessionCookie := findCookie(login, SessionCookieName)

	raw, err := url.QueryUnescape(sessionCookie.Value)
	if err != nil {
		t.Fatalf("cookie value is not url encoded: %v", err)
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		t.Fatalf("cookie value is not JSON: %v", err)
	}
	session.UserID = "root"
	tampered, _ := json.Marshal(&session)

	rec := srv.do(http.MethodGet, "/admin", nil,
		[]*http.Cookie{{Name: SessionCookieName, Value: url.QueryEscape(string(tampered))}}, nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/admin/login?redirect=%2Fadmin" {
		t.Fatalf("Location = %q", got)
	}
	if countCookies(rec, SessionCookieName) != 0 {
		t.Fatal("forged cookie must be treated as absent, not cleared as expired")
	}
	if srv.events.count(audit.EventSessionExpired) != 0 {
		t.Fatal("forged cookie must not be reported as expired")
	}
}
