package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/portfolio-admin/internal/audit"
)

// RequireAuth は API 向けにセッションを検証するミドルウェアを返します。
// ページ用の RouteGate と異なり、リダイレクトせず 401 を返します。
func (m *Manager) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, status := m.store.Inspect(c.Request.Context(), sessionCookieValue(c.Request))
		if status == StatusValid {
			c.Set(ContextUserKey, session.UserID)
			c.Set(contextSessionKey, session)
			c.Next()
			return
		}

		m.reportRejected(c, session, status)
		if status == StatusExpired {
			http.SetCookie(c.Writer, m.store.ClearCookie())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "SESSION_EXPIRED",
				"message": "セッションの有効期限が切れました",
			})
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "ログインが必要です",
		})
	}
}

// VerifyCSRF は状態を変更するリクエストの CSRF トークンを検証するミドルウェアです。
// ヘッダー X-CSRF-Token（無ければフォームの csrf_token）と Cookie を突き合わせます。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		cookieToken, _ := ExtractFromCookieHeader(strings.Join(c.Request.Header.Values("Cookie"), "; "), CSRFCookieName)
		supplied := c.GetHeader(CSRFHeaderName)
		if supplied == "" {
			supplied = c.PostForm(csrfFormField)
		}

		if !m.csrf.Validate(supplied, cookieToken) {
			userID := c.GetString(ContextUserKey)
			m.record(c, audit.EventCSRFFailure, userID, c.Request.Method+" "+c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_INVALID",
				"message": "CSRF トークンが一致しません",
			})
			return
		}

		c.Next()
	}
}

// LoginThrottle はログインエンドポイント全体への流量を制限します。
// IP 単位の制限とは別に、bcrypt の計算負荷からサーバーを守るためのものです。
func (m *Manager) LoginThrottle() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.throttle != nil && !m.throttle.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_REQUESTS",
				"message": "しばらくしてから再度お試しください",
			})
			return
		}
		c.Next()
	}
}
