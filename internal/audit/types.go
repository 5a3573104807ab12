// Package audit は認証まわりのセキュリティイベントを記録します。
package audit

import "time"

// EventType は監査イベントの種別です。
type EventType string

const (
	EventLoginSuccess      EventType = "login_success"
	EventLoginFailure      EventType = "login_failure"
	EventLogout            EventType = "logout"
	EventSessionExpired    EventType = "session_expired"
	EventSessionRenewed    EventType = "session_renewed"
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
	EventCSRFFailure       EventType = "csrf_failure"
)

// Valid は既知の種別かどうかを返します。
func (t EventType) Valid() bool {
	switch t {
	case EventLoginSuccess, EventLoginFailure, EventLogout, EventSessionExpired,
		EventSessionRenewed, EventRateLimitExceeded, EventCSRFFailure:
		return true
	default:
		return false
	}
}

// Severity はログ出力時のレベルです。
func (t EventType) Severity() string {
	switch t {
	case EventRateLimitExceeded, EventCSRFFailure:
		return "WARN"
	default:
		return "INFO"
	}
}

// Event は追記のみの監査イベントです。
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId,omitempty"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"userAgent"`
	Details   string    `json:"details,omitempty"`
}
