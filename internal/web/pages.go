// Package web は公開ページと管理画面の静的ファイルを配信します。
package web

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// Pages は dir 配下のファイルを配信するハンドラーを返します。
// 管理画面（adminPrefix 配下）は SPA なので、該当ファイルが無ければ管理画面の index.html を返します。
// 認証は RouteGate が先に済ませている前提です。
func Pages(dir, adminPrefix string) gin.HandlerFunc {
	adminIndex := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(adminPrefix, "/")), "index.html")

	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			notFound(c)
			return
		}

		reqPath := path.Clean("/" + c.Request.URL.Path)
		if strings.HasPrefix(reqPath, "/api/") || reqPath == "/api" {
			notFound(c)
			return
		}

		if file, ok := lookup(dir, reqPath); ok {
			c.File(file)
			return
		}

		if (reqPath == adminPrefix || strings.HasPrefix(reqPath, adminPrefix+"/")) && isFile(adminIndex) {
			c.Header("Cache-Control", "no-store")
			c.File(adminIndex)
			return
		}

		notFound(c)
	}
}

// lookup はリクエストパスに対応するファイルを探します。ディレクトリなら index.html を見ます。
func lookup(dir, reqPath string) (string, bool) {
	candidate := filepath.Join(dir, filepath.FromSlash(reqPath))
	info, err := os.Stat(candidate)
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		index := filepath.Join(candidate, "index.html")
		if isFile(index) {
			return index, true
		}
		return "", false
	}
	return candidate, true
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"code":    "NOT_FOUND",
		"message": "指定されたページは存在しません",
	})
}
