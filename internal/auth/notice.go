package auth

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// NoticeCookieName はログイン画面向け通知を保持する Cookie 名です。
const NoticeCookieName = "admin_notice"

// ログイン画面に表示する通知
const (
	NoticeSessionExpired = "session_expired"
	NoticeLoggedOut      = "logged_out"
)

// pushNotice は次のリクエストで一度だけ読める通知を積みます。
// sessions ミドルウェアが未設定なら何もしません。
func pushNotice(c *gin.Context, notice string) {
	if _, ok := c.Get(sessions.DefaultKey); !ok {
		return
	}
	s := sessions.Default(c)
	s.AddFlash(notice)
	_ = s.Save()
}

func popNotices(c *gin.Context) []string {
	notices := []string{}
	if _, ok := c.Get(sessions.DefaultKey); !ok {
		return notices
	}
	s := sessions.Default(c)
	for _, f := range s.Flashes() {
		if v, ok := f.(string); ok {
			notices = append(notices, v)
		}
	}
	_ = s.Save()
	return notices
}
