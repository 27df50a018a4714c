package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/gatekeeper/pkg/middleware"
)

const (
	// pathHealth はゲートウェイ自身のヘルスチェックのパス。
	pathHealth = "/health"
	// pathInternal はゲートウェイ自身のエンドポイントのプレフィックス。
	pathInternal = "/_gateway/"
	// defaultShutdownTimeout はグレースフルシャットダウンの既定の待ち時間。
	defaultShutdownTimeout = 10 * time.Second
	// defaultDevTokenTTL は開発用トークンの既定の有効期間。
	defaultDevTokenTTL = 24 * time.Hour
)

// DevLoginOptions は開発用ログインの設定。本番環境では無効にすること。
type DevLoginOptions struct {
	// Enabled は開発用ログインを有効にするかどうか。
	Enabled bool
	// Database はセッションを記録するSQLiteのDSN。
	Database string
	// Secret は開発用トークンの署名鍵。
	Secret string
	// TTL はトークンとCookieの有効期間。
	TTL time.Duration
}

// Options はゲートウェイサーバーの構築パラメータ。
type Options struct {
	// Port はサーバーのリッスンポート。
	Port string
	// Gateway はルーティングテーブル。
	Gateway GatewayConfig
	// LocalUpstream はデフォルトアプリケーションの実体のURL。空の場合はゲートウェイが404を返す。
	LocalUpstream string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// AdminSecret は管理APIのBearerトークンの署名鍵。空の場合は管理APIを公開しない。
	AdminSecret string
	// DevLogin は開発用ログインの設定。
	DevLogin DevLoginOptions
	// ProbeTimeout は配下アプリケーションへのヘルスチェックのタイムアウト。
	ProbeTimeout time.Duration
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration
	// Debug はルーティング判定をログに出力するかどうか。
	Debug bool
	// Transport はプロキシで使うトランスポート。nilの場合はhttp.DefaultTransport。
	Transport http.RoundTripper
}

// ErrSelfProxy はアプリケーションのポートがゲートウェイ自身のポートと同じ場合のエラー。
var ErrSelfProxy = errors.New("アプリケーションのportがゲートウェイのポートと同じです")

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// gw はルーティング判定を行うルーター。
	gw *Router
	// matcher はルーターで評価するリクエストを選ぶ。
	matcher Matcher
	// proxy はプロキシ書き換えを完了させるリバースプロキシ。
	proxy *httputil.ReverseProxy
	// local はデフォルトアプリケーションへの転送先。nilの場合は404を返す。
	local http.Handler
	// sessions は開発用セッションの記録先。開発用ログインが無効の場合はnil。
	sessions *SessionStore
	// opts は構築パラメータ。
	opts Options
}

// NewServer は新しいゲートウェイサーバーを生成する。設定不備があればサーバーを生成しない。
func NewServer(ctx context.Context, opts Options) (*Server, error) {
	gw, err := NewRouter(opts.Gateway)
	if err != nil {
		return nil, err
	}
	if err := checkSelfProxy(opts.Port, gw.cfg); err != nil {
		return nil, err
	}

	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.DevLogin.TTL <= 0 {
		opts.DevLogin.TTL = defaultDevTokenTTL
	}

	s := &Server{
		port:    opts.Port,
		gw:      gw,
		matcher: gw.Matcher(),
		proxy:   newRewriteProxy(opts.Transport),
		opts:    opts,
	}

	if opts.LocalUpstream != "" {
		u, err := url.Parse(opts.LocalUpstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("local_upstreamが不正です: %q", opts.LocalUpstream)
		}
		s.local = newLocalProxy(u, opts.Transport)
	}

	if opts.DevLogin.Enabled {
		if opts.DevLogin.Secret == "" {
			return nil, fmt.Errorf("開発用ログインの署名鍵が未設定です: %w", middleware.ErrEmptySecret)
		}
		store, err := OpenSessionStore(ctx, opts.DevLogin.Database)
		if err != nil {
			return nil, fmt.Errorf("開発用セッションストアの初期化に失敗: %w", err)
		}
		s.sessions = store
		log.Printf("[WARN] 開発用ログインが有効です。本番環境では無効にしてください")
	}

	for _, w := range gw.cfg.Warnings() {
		log.Printf("[WARN] %s", w)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestID())
	router.Use(gin.Logger())
	router.Use(middleware.CORS(opts.AllowedOrigins))
	router.Use(s.gatewayMiddleware())
	s.router = router
	s.setupRoutes()

	return s, nil
}

// checkSelfProxy はプロキシ先がゲートウェイ自身にならないことを確認する。
func checkSelfProxy(port string, cfg GatewayConfig) error {
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil
	}
	for _, app := range cfg.Apps {
		if app.Name != cfg.DefaultApp && app.Port == p {
			return fmt.Errorf("app %q: port %d: %w", app.Name, app.Port, ErrSelfProxy)
		}
	}
	return nil
}

// Handler はゲートウェイのhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("Gatewayサービスを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("グレースフルシャットダウンに失敗: %w", err)
	}
	return <-errCh
}

// Close はサーバーが保持するリソースを解放する。
func (s *Server) Close() error {
	if s.sessions != nil {
		return s.sessions.Close()
	}
	return nil
}

// setupRoutes はゲートウェイ自身のエンドポイントを設定する。
func (s *Server) setupRoutes() {
	// ヘルスチェック
	s.router.GET(pathHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})

	internal := s.router.Group("/_gateway")
	{
		// ログアウト（認証不要）
		internal.GET("/logout/:app", s.handleLogout())
		internal.POST("/logout/:app", s.handleLogout())

		if s.sessions != nil {
			internal.POST("/dev-login/:app", s.handleDevLogin())
		}
	}

	// 管理API（Bearerトークン必須）
	if s.opts.AdminSecret != "" {
		admin := internal.Group("")
		admin.Use(middleware.BearerAuth(s.opts.AdminSecret), auditAdmin())
		{
			admin.GET("/apps", s.handleListApps())
			admin.GET("/apps/health", s.handleAppsHealth())
			admin.GET("/route", s.handleExplainRoute())
			if s.sessions != nil {
				admin.GET("/dev-sessions", s.handleListDevSessions())
			}
		}
	}

	s.router.NoRoute(s.handleLocal())
}

// gatewayMiddleware はルーティング判定を行い、判定結果に応じてリクエストを処理するミドルウェアを返す。
func (s *Server) gatewayMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.matcher.Match(c.Request.URL.Path) {
			c.Next()
			return
		}

		out := s.gw.Route(c.Request)
		if s.opts.Debug {
			log.Printf("[Gateway] request_id=%s %s %s -> %s app=%q reason=%s",
				middleware.GetRequestID(c), c.Request.Method, c.Request.URL.RequestURI(),
				out.Action, out.App, out.Reason)
		}

		switch out.Action {
		case ActionRedirectLogin, ActionRedirectHome:
			c.Redirect(http.StatusTemporaryRedirect, out.URL.String())
			c.Abort()
		case ActionProxyRewrite:
			s.proxy.ServeHTTP(c.Writer, withRewriteTarget(c.Request, out.URL))
			c.Abort()
		default:
			c.Next()
		}
	}
}

// handleLocal はパススルーとなったリクエストをデフォルトアプリケーションへ渡すハンドラを返す。
func (s *Server) handleLocal() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.local == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "ページが見つかりません"})
			return
		}
		s.local.ServeHTTP(c.Writer, c.Request)
	}
}

// auditAdmin は管理APIの呼び出し元をログに記録するミドルウェアを返す。
func auditAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		log.Printf("[Admin] request_id=%s subject=%s %s %s",
			middleware.GetRequestID(c), middleware.GetSubject(c), c.Request.Method, c.Request.URL.RequestURI())
		c.Next()
	}
}
