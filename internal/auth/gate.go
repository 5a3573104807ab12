package auth

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

// GateState はリクエスト 1 件に対するゲートの判定結果です。
type GateState int

const (
	GatePublic GateState = iota
	GateLoginPage
	GateProtectedUnauthenticated
	GateProtectedAuthenticated
	GateProtectedExpired
)

func (s GateState) String() string {
	switch s {
	case GatePublic:
		return "PUBLIC"
	case GateLoginPage:
		return "LOGIN_PAGE"
	case GateProtectedUnauthenticated:
		return "PROTECTED_UNAUTHENTICATED"
	case GateProtectedAuthenticated:
		return "PROTECTED_AUTHENTICATED"
	case GateProtectedExpired:
		return "PROTECTED_EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// GateDecision は Classify の結果です。
type GateDecision struct {
	State   GateState
	Status  Status
	Session *Session
}

// RouteGate は管理画面のページを保護するミドルウェアです。
// リクエスト間で状態を持たず、(パス, Cookie) だけで判定します。
type RouteGate struct {
	store     *SessionStore
	prefix    string
	loginPath string
	onReject  func(c *gin.Context, session *Session, status Status)
}

// NewRouteGate は RouteGate を作成します。
func NewRouteGate(store *SessionStore, prefix, loginPath string) *RouteGate {
	return &RouteGate{store: store, prefix: prefix, loginPath: loginPath}
}

// Classify はパスと Cookie の値からゲートの状態を判定します。
// 署名検証まで行い、どんな入力に対しても判定を返します。
func (g *RouteGate) Classify(ctx context.Context, requestPath, cookieValue string) GateDecision {
	cleaned := cleanPath(requestPath)
	if cleaned == g.loginPath {
		return GateDecision{State: GateLoginPage}
	}
	if !g.isProtected(cleaned) {
		return GateDecision{State: GatePublic}
	}

	session, status := g.store.Inspect(ctx, cookieValue)
	switch status {
	case StatusValid:
		return GateDecision{State: GateProtectedAuthenticated, Status: status, Session: session}
	case StatusExpired:
		return GateDecision{State: GateProtectedExpired, Status: status, Session: session}
	default:
		return GateDecision{State: GateProtectedUnauthenticated, Status: status, Session: session}
	}
}

// Middleware は gin 用のミドルウェアを返します。
func (g *RouteGate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		d := g.Classify(c.Request.Context(), c.Request.URL.Path, sessionCookieValue(c.Request))
		switch d.State {
		case GatePublic, GateLoginPage:
			c.Next()
			return
		case GateProtectedAuthenticated:
			c.Set(ContextUserKey, d.Session.UserID)
			c.Set(contextSessionKey, d.Session)
			c.Next()
			return
		}

		if d.State == GateProtectedExpired {
			http.SetCookie(c.Writer, g.store.ClearCookie())
		}
		if g.onReject != nil {
			g.onReject(c, d.Session, d.Status)
		}
		c.Redirect(http.StatusFound, g.LoginURL(c.Request.URL.RequestURI()))
		c.Abort()
	}
}

// LoginURL は元のパスを戻り先として付けたログインページの URL を返します。
func (g *RouteGate) LoginURL(returnTo string) string {
	if returnTo == "" {
		return g.loginPath
	}
	return g.loginPath + "?redirect=" + url.QueryEscape(returnTo)
}

// SafeReturnPath はログイン後の戻り先として安全なパスのみを返します。
// 管理画面配下のローカルパス以外はプレフィックス自体に置き換えます。
func (g *RouteGate) SafeReturnPath(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.ContainsAny(target, "\\\r\n") {
		return g.prefix
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return g.prefix
	}
	cleaned := cleanPath(u.Path)
	if !g.isProtected(cleaned) || cleaned == g.loginPath {
		return g.prefix
	}
	if u.RawQuery != "" {
		return cleaned + "?" + u.RawQuery
	}
	return cleaned
}

func (g *RouteGate) isProtected(cleaned string) bool {
	return cleaned == g.prefix || strings.HasPrefix(cleaned, g.prefix+"/")
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}
