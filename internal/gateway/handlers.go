package gateway

import (
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nao1215/gatekeeper/pkg/httpclient"
	"github.com/nao1215/gatekeeper/pkg/middleware"
)

// defaultDevSubject は開発用ログインでサブジェクト未指定時に使う値。
const defaultDevSubject = "dev-user"

// appView は管理APIで返すアプリケーション情報。
type appView struct {
	App
	Default bool   `json:"default"`
	Cookie  string `json:"cookie"`
}

// handleListApps はルーティングテーブルを宣言順で返すハンドラを返す。
func (s *Server) handleListApps() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.gw.Config()
		apps := make([]appView, 0, len(cfg.Apps))
		for _, app := range cfg.Apps {
			apps = append(apps, appView{
				App:     app,
				Default: app.Name == cfg.DefaultApp,
				Cookie:  cfg.CookieName(app.Name),
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"default_app":    cfg.DefaultApp,
			"mode":           cfg.Mode,
			"match_strategy": cfg.MatchStrategy,
			"skip_paths":     s.matcher.SkipPaths(),
			"apps":           apps,
		})
	}
}

// probeResult は配下アプリケーション1つ分のヘルスチェック結果。
type probeResult struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code,omitempty"`
	LatencyMS  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

// handleAppsHealth はプロキシ先となる各アプリケーションの /health を並行して確認するハンドラを返す。
// 問い合わせ先はプロキシ書き換えと同じく、リクエストと同じホストの各アプリケーションのポート。
func (s *Server) handleAppsHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.gw.Config()
		base := RequestURL(c.Request)
		host := base.Hostname()
		if host == "" {
			host = "127.0.0.1"
		}
		ctx := httpclient.WithRequestID(c.Request.Context(), middleware.GetRequestID(c))

		var targets []App
		for _, app := range cfg.Apps {
			if app.Name != cfg.DefaultApp {
				targets = append(targets, app)
			}
		}

		results := make([]probeResult, len(targets))
		var wg sync.WaitGroup
		for i, app := range targets {
			wg.Add(1)
			go func() {
				defer wg.Done()
				client := httpclient.New(base.Scheme+"://"+net.JoinHostPort(host, strconv.Itoa(app.Port)), s.opts.ProbeTimeout)
				code, latency, err := client.Probe(ctx, pathHealth)

				r := probeResult{Name: app.Name, URL: client.BaseURL() + pathHealth, LatencyMS: latency.Milliseconds()}
				switch {
				case err != nil:
					r.Status, r.Error = "down", err.Error()
				case code >= http.StatusInternalServerError:
					r.Status, r.StatusCode = "down", code
				default:
					r.Status, r.StatusCode = "up", code
				}
				results[i] = r
			}()
		}
		wg.Wait()

		status := "ok"
		for _, r := range results {
			if r.Status != "up" {
				status = "degraded"
				break
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": status, "apps": results})
	}
}

// handleExplainRoute は指定パスのルーティング判定を説明するハンドラを返す。
// クエリパラメータ: path（必須）、cookie（Cookie名、複数指定可）
func (s *Server) handleExplainRoute() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Query("path")
		if path == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "pathパラメータが必要です"})
			return
		}

		base := RequestURL(c.Request)
		exp, err := s.gw.Explain(base.Scheme+"://"+base.Host+path, c.QueryArray("cookie"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, exp)
	}
}

// devLoginRequest は開発用ログインのリクエストボディ。
type devLoginRequest struct {
	Subject string `json:"subject" form:"subject"`
}

// handleDevLogin は開発用の認証Cookieを発行するハンドラを返す。
// 外部のログインフローの代わりに、ローカル開発で認証済み状態を作るためだけに使う。
func (s *Server) handleDevLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.gw.Config()
		app, ok := cfg.Lookup(c.Param("app"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "アプリケーションが見つかりません"})
			return
		}

		var req devLoginRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBind(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
				return
			}
		}
		if req.Subject == "" {
			req.Subject = defaultDevSubject
		}

		now := time.Now()
		sess := DevSession{
			ID:        uuid.NewString(),
			App:       app.Name,
			Subject:   req.Subject,
			CreatedAt: now,
			ExpiresAt: now.Add(s.opts.DevLogin.TTL),
		}
		token, err := middleware.GenerateToken(s.opts.DevLogin.Secret, sess.Subject, sess.App, sess.ID, s.opts.DevLogin.TTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			log.Printf("開発用トークン生成エラー: %v", err)
			return
		}
		if err := s.sessions.Create(c.Request.Context(), sess); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "セッションの記録に失敗しました"})
			log.Printf("開発用セッション記録エラー: %v", err)
			return
		}

		cookieName := cfg.CookieName(app.Name)
		base := RequestURL(c.Request)
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(cookieName, token, int(s.opts.DevLogin.TTL.Seconds()), "/", "", base.Scheme == "https", true)

		home := *base
		home.Path, home.RawPath, home.RawQuery = app.home(), "", ""
		c.JSON(http.StatusOK, gin.H{
			"session_id": sess.ID,
			"app":        sess.App,
			"subject":    sess.Subject,
			"cookie":     cookieName,
			"token":      token,
			"expires_at": sess.ExpiresAt,
			"redirect":   home.String(),
		})
	}
}

// handleLogout は認証Cookieを削除してログインページへリダイレクトするハンドラを返す。
// 開発用ログインで発行したCookieであれば対応するセッションも失効させる。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.gw.Config()
		app, ok := cfg.Lookup(c.Param("app"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "アプリケーションが見つかりません"})
			return
		}

		cookieName := cfg.CookieName(app.Name)
		if s.sessions != nil {
			s.revokeDevSession(c, cookieName, app.Name)
		}

		base := RequestURL(c.Request)
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(cookieName, "", -1, "/", "", base.Scheme == "https", true)

		login := *base
		login.Path, login.RawPath, login.RawQuery = app.LoginPath, "", ""
		c.Redirect(http.StatusSeeOther, login.String())
	}
}

// revokeDevSession はCookieが開発用トークンであれば対応するセッションを失効させる。
// 外部のログインフローが発行したCookieは検証できないため何もしない。
// 記録されたセッションが別のアプリケーションのものであれば失効させない。
func (s *Server) revokeDevSession(c *gin.Context, cookieName, appName string) {
	value, err := c.Cookie(cookieName)
	if err != nil || value == "" {
		return
	}
	claims, err := middleware.ParseToken(s.opts.DevLogin.Secret, value)
	if err != nil || claims.App != appName || claims.ID == "" {
		return
	}

	ctx := c.Request.Context()
	sess, err := s.sessions.Get(ctx, claims.ID)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			log.Printf("開発用セッション取得エラー: session_id=%s, error=%v", claims.ID, err)
		}
		return
	}
	if sess.App != appName || sess.RevokedAt != nil {
		return
	}
	if err := s.sessions.Revoke(ctx, sess.ID, time.Now()); err != nil && !errors.Is(err, ErrSessionNotFound) {
		log.Printf("開発用セッション失効エラー: session_id=%s, error=%v", sess.ID, err)
	}
}

// handleListDevSessions は有効な開発用セッションを返すハンドラを返す。
// クエリパラメータ: app（省略時は全アプリケーション）
func (s *Server) handleListDevSessions() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions, err := s.sessions.ListActive(c.Request.Context(), c.Query("app"), time.Now())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "セッションの取得に失敗しました"})
			log.Printf("開発用セッション取得エラー: %v", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}
