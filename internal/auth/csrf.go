package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

const (
	// CSRFCookieName は CSRF トークンを保持する Cookie 名です。
	CSRFCookieName = "csrf_token"
	// CSRFHeaderName はクライアントがトークンを送り返すヘッダーです。
	CSRFHeaderName = "X-CSRF-Token"

	csrfFormField  = "csrf_token"
	csrfTokenBytes = 32
	csrfMaxAge     = 3600
)

// CSRFGuard はダブルサブミット方式の CSRF トークンを発行・検証します。
type CSRFGuard struct {
	secure bool
}

// NewCSRFGuard は CSRFGuard を作成します。secure が true なら Cookie に Secure を付けます。
func NewCSRFGuard(secure bool) *CSRFGuard {
	return &CSRFGuard{secure: secure}
}

// Issue は新しいトークンとそれを保持する Cookie を返します。
func (g *CSRFGuard) Issue() (string, *http.Cookie, error) {
	token, err := randomHex(csrfTokenBytes)
	if err != nil {
		return "", nil, fmt.Errorf("generate csrf token: %w", err)
	}
	return token, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   csrfMaxAge,
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteStrictMode,
	}, nil
}

// Validate は送信されたトークンと Cookie のトークンを定数時間で比較します。
// どちらかが空なら常に不一致です。
func (g *CSRFGuard) Validate(supplied, cookieToken string) bool {
	if supplied == "" || cookieToken == "" {
		return false
	}
	if len(supplied) != len(cookieToken) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(cookieToken)) == 1
}

// ExtractFromCookieHeader は生の Cookie ヘッダーから name の値を取り出します。
func ExtractFromCookieHeader(header, name string) (string, bool) {
	if header == "" || name == "" {
		return "", false
	}
	for _, part := range strings.Split(header, ";") {
		pair := strings.TrimSpace(part)
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == name {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
