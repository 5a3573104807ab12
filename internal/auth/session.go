package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// SessionCookieName は管理者セッションを保持する Cookie 名です。
	SessionCookieName = "admin_session"

	// DefaultSessionDuration はセッションの有効期間です。
	DefaultSessionDuration = 10 * time.Minute

	tokenBytes     = 32
	maxUserIDBytes = 256
)

var (
	ErrMalformedSession = errors.New("malformed session")
	ErrForgedSession    = errors.New("session signature mismatch")
	ErrExpiredSession   = errors.New("session expired")
	ErrRevokedSession   = errors.New("session revoked")
)

// Session は Cookie に丸ごと格納される署名付きセッションです。
// サーバー側には保存しません。
type Session struct {
	UserID    string `json:"userId"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"` // epoch ミリ秒
	Signature string `json:"signature"`
}

func (s *Session) payload() Payload {
	return Payload{UserID: s.UserID, Token: s.Token, ExpiresAt: s.ExpiresAt}
}

// Expires は有効期限を time.Time で返します。
func (s *Session) Expires() time.Time {
	return time.UnixMilli(s.ExpiresAt)
}

// Status は Cookie を検査した結果です。
// 呼び出し元の HTTP 応答では Malformed と Forged を区別してはいけません。
type Status int

const (
	StatusAbsent Status = iota
	StatusMalformed
	StatusForged
	StatusExpired
	StatusRevoked
	StatusValid
)

func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusMalformed:
		return "malformed"
	case StatusForged:
		return "forged"
	case StatusExpired:
		return "expired"
	case StatusRevoked:
		return "revoked"
	case StatusValid:
		return "valid"
	default:
		return "unknown"
	}
}

// Err は検査結果に対応するエラーを返します。有効なら nil です。
func (s Status) Err() error {
	switch s {
	case StatusValid:
		return nil
	case StatusForged:
		return ErrForgedSession
	case StatusExpired:
		return ErrExpiredSession
	case StatusRevoked:
		return ErrRevokedSession
	default:
		return ErrMalformedSession
	}
}

// SessionStore はセッションの発行・エンコード・検証を行います。
// 実体は署名検証関数であり、セッションの集合は保持しません。
type SessionStore struct {
	signer   *Signer
	duration time.Duration
	secure   bool
	denylist Denylist
	now      func() time.Time
}

// StoreOption は SessionStore の設定を変更します。
type StoreOption func(*SessionStore)

// WithSessionDuration はセッションの有効期間を設定します。
func WithSessionDuration(d time.Duration) StoreOption {
	return func(s *SessionStore) {
		if d > 0 {
			s.duration = d
		}
	}
}

// WithSecureCookies は Cookie に Secure 属性を付けます（本番用）。
func WithSecureCookies(secure bool) StoreOption {
	return func(s *SessionStore) {
		s.secure = secure
	}
}

// WithDenylist は早期失効用の失効リストを設定します。
func WithDenylist(d Denylist) StoreOption {
	return func(s *SessionStore) {
		s.denylist = d
	}
}

// WithClock は現在時刻の取得関数を差し替えます。
func WithClock(now func() time.Time) StoreOption {
	return func(s *SessionStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSessionStore は SessionStore を作成します。
func NewSessionStore(signer *Signer, opts ...StoreOption) *SessionStore {
	store := &SessionStore{
		signer:   signer,
		duration: DefaultSessionDuration,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Duration はセッションの有効期間を返します。
func (s *SessionStore) Duration() time.Duration {
	return s.duration
}

// Create は userID に対する新しいセッションを発行します。
func (s *SessionStore) Create(userID string) (*Session, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	token, err := randomHex(tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	session := &Session{
		UserID:    userID,
		Token:     token,
		ExpiresAt: s.now().Add(s.duration).UnixMilli(),
	}
	session.Signature = s.signer.Sign(session.payload())
	return session, nil
}

// EncodeCookie はセッションを Set-Cookie 用の Cookie に変換します。
// Max-Age は残り有効秒数です。期限切れのセッションは削除指示になります。
func (s *SessionStore) EncodeCookie(session *Session) (*http.Cookie, error) {
	if session == nil {
		return nil, fmt.Errorf("%w: session is nil", ErrMalformedSession)
	}
	body, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}

	// 秒未満は切り上げる。発行直後でも Max-Age が有効期間と一致するように
	maxAge := int((session.ExpiresAt - s.now().UnixMilli() + 999) / 1000)
	if limit := int(s.duration / time.Second); maxAge > limit {
		maxAge = limit
	}
	if maxAge <= 0 {
		maxAge = -1
	}

	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    url.QueryEscape(string(body)),
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// DecodeAndValidate は Cookie の値を検証し、有効なセッションのみ返します。
// 解析失敗・署名不一致・期限切れ・失効はすべて nil になります。
func (s *SessionStore) DecodeAndValidate(ctx context.Context, value string) *Session {
	session, status := s.Inspect(ctx, value)
	if status != StatusValid {
		return nil
	}
	return session
}

// Inspect は Cookie の値を検査し、セッションと検査結果を返します。
// 署名が正しい場合に限り、期限切れ・失効のセッションも返します。
func (s *SessionStore) Inspect(ctx context.Context, value string) (*Session, Status) {
	if value == "" {
		return nil, StatusAbsent
	}
	session, err := decodeSession(value)
	if err != nil {
		return nil, StatusMalformed
	}
	if !s.signer.Verify(session.payload(), session.Signature) {
		return nil, StatusForged
	}
	if s.now().UnixMilli() >= session.ExpiresAt {
		return session, StatusExpired
	}
	if s.denylist != nil {
		revoked, err := s.denylist.IsRevoked(ctx, session.Token)
		if err != nil || revoked {
			// 失効リストに問い合わせできない場合も拒否する
			return session, StatusRevoked
		}
	}
	return session, StatusValid
}

// Renew は同じユーザーに対して新しいトークンと有効期限でセッションを発行し直します。
// 失効リストが設定されていれば古いトークンを失効させます。
func (s *SessionStore) Renew(ctx context.Context, current *Session) (*Session, error) {
	if current == nil {
		return nil, fmt.Errorf("%w: session is nil", ErrMalformedSession)
	}
	next, err := s.Create(current.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.Revoke(ctx, current); err != nil {
		return nil, err
	}
	return next, nil
}

// Revoke はセッションを元の有効期限まで失効リストに登録します。
// 失効リスト未設定の場合は何もしません。
func (s *SessionStore) Revoke(ctx context.Context, session *Session) error {
	if s.denylist == nil || session == nil {
		return nil
	}
	if err := s.denylist.Revoke(ctx, session.Token, session.Expires()); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// ClearCookie はクライアントにセッション Cookie の削除を指示する Cookie を返します。
func (s *SessionStore) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// TimeRemaining は残り有効時間を分単位（切り捨て）で返します。
func (s *SessionStore) TimeRemaining(session *Session) int {
	if session == nil {
		return 0
	}
	remaining := session.ExpiresAt - s.now().UnixMilli()
	if remaining <= 0 {
		return 0
	}
	return int(remaining / 60000)
}

func decodeSession(value string) (*Session, error) {
	raw, err := url.QueryUnescape(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSession, err)
	}

	// encoding/json はキー名を大文字小文字を区別せずに照合するため、先にキー名を厳密に確認する
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSession, err)
	}
	if len(fields) != len(sessionFields) {
		return nil, fmt.Errorf("%w: unexpected field set", ErrMalformedSession)
	}
	for key := range fields {
		if _, ok := sessionFields[key]; !ok {
			return nil, fmt.Errorf("%w: unknown field %q", ErrMalformedSession, key)
		}
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var session Session
	if err := dec.Decode(&session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSession, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedSession)
	}

	if err := validateUserID(session.UserID); err != nil {
		return nil, err
	}
	if len(session.Token) != tokenBytes*2 || !isLowerHex(session.Token) {
		return nil, fmt.Errorf("%w: invalid token", ErrMalformedSession)
	}
	if session.ExpiresAt <= 0 {
		return nil, fmt.Errorf("%w: invalid expiresAt", ErrMalformedSession)
	}
	if len(session.Signature) != 64 || !isLowerHex(session.Signature) {
		return nil, fmt.Errorf("%w: invalid signature", ErrMalformedSession)
	}
	return &session, nil
}

var sessionFields = map[string]struct{}{
	"userId":    {},
	"token":     {},
	"expiresAt": {},
	"signature": {},
}

func validateUserID(userID string) error {
	if userID == "" || len(userID) > maxUserIDBytes {
		return fmt.Errorf("%w: invalid userId", ErrMalformedSession)
	}
	if strings.Contains(userID, payloadDelimiter) {
		return fmt.Errorf("%w: userId contains delimiter", ErrMalformedSession)
	}
	return nil
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
