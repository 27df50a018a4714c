package gateway

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// ordersExample はordersアプリケーション1つだけを持つ設定を返す。
// default_appのsiteはルーティングテーブルに存在しないため、検証を経ないRouteで使う。
func ordersExample() GatewayConfig {
	return GatewayConfig{
		Apps: []App{
			{Name: "orders", AppConfig: AppConfig{
				LoginPath:    "/orders/login",
				BasePath:     "/orders",
				Port:         4001,
				AuthRequired: true,
				ExcludePaths: []string{"/orders/login"},
			}},
		},
		DefaultApp: "site",
	}
}

// portalConfig はローカルのportalと、プロキシ先のaviation・labを持つ設定を返す。
func portalConfig() GatewayConfig {
	return GatewayConfig{
		Apps: []App{
			{Name: "aviation", AppConfig: AppConfig{
				LoginPath:    "/aviation/login",
				BasePath:     "/aviation",
				Port:         4001,
				AuthRequired: true,
				ExcludePaths: []string{"/aviation/login", "/aviation/api/auth/", "/aviation/assets/"},
			}},
			{Name: "lab", AppConfig: AppConfig{
				LoginPath:    "/lab/signin",
				BasePath:     "/lab",
				Port:         4002,
				AuthRequired: true,
			}},
			{Name: "docs", AppConfig: AppConfig{
				LoginPath: "/docs/login",
				BasePath:  "/docs",
				Port:      4003,
			}},
			{Name: "portal", AppConfig: AppConfig{
				LoginPath:    "/login",
				BasePath:     "",
				Port:         3000,
				AuthRequired: true,
				ExcludePaths: []string{"/login", "/api/auth/"},
			}},
		},
		DefaultApp: "portal",
	}
}

// newRequest はテスト用のリクエストを生成し、指定した名前のCookieを付与する。
func newRequest(t *testing.T, target string, cookies ...string) *http.Request {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, name := range cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: "1"})
	}
	return req
}

// mustRouter は設定からRouterを生成する。
func mustRouter(t *testing.T, cfg GatewayConfig) *Router {
	t.Helper()

	r, err := NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter()でエラーが発生: %v", err)
	}
	return r
}

// TestRoute_OrdersExample はordersアプリケーションの例どおりに判定されることを検証する。
func TestRoute_OrdersExample(t *testing.T) {
	t.Parallel()

	cfg := ordersExample()

	t.Run("Cookieなしの保護パスはログインページへリダイレクトすること", func(t *testing.T) {
		t.Parallel()

		out := Route(newRequest(t, "http://example.com/orders/widgets"), cfg)
		if out.Action != ActionRedirectLogin {
			t.Fatalf("Action = %v, want %v", out.Action, ActionRedirectLogin)
		}
		if got := out.URL.String(); got != "http://example.com/orders/login" {
			t.Errorf("URL = %q, want %q", got, "http://example.com/orders/login")
		}
		if out.App != "orders" {
			t.Errorf("App = %q, want %q", out.App, "orders")
		}
	})

	t.Run("orders-authがあればポート4001へ書き換えること", func(t *testing.T) {
		t.Parallel()

		out := Route(newRequest(t, "http://example.com/orders/widgets", "orders-auth"), cfg)
		if out.Action != ActionProxyRewrite {
			t.Fatalf("Action = %v, want %v", out.Action, ActionProxyRewrite)
		}
		if got := out.URL.String(); got != "http://example.com:4001/orders/widgets" {
			t.Errorf("URL = %q, want %q", got, "http://example.com:4001/orders/widgets")
		}
	})

	t.Run("除外パスのログインページはCookieなしでパススルーすること", func(t *testing.T) {
		t.Parallel()

		out := Route(newRequest(t, "http://example.com/orders/login"), cfg)
		if out.Action != ActionPassThrough {
			t.Fatalf("Action = %v, want %v", out.Action, ActionPassThrough)
		}
		if out.Reason != ReasonExcluded {
			t.Errorf("Reason = %q, want %q", out.Reason, ReasonExcluded)
		}
		if out.URL != nil {
			t.Errorf("URL = %v, want nil", out.URL)
		}
	})

	t.Run("どのアプリケーションにも属さないパスはパススルーすること", func(t *testing.T) {
		t.Parallel()

		out := Route(newRequest(t, "http://example.com/unrelated"), cfg)
		if out.Action != ActionPassThrough || out.Reason != ReasonUnmatched {
			t.Errorf("Outcome = %v/%q, want %v/%q", out.Action, out.Reason, ActionPassThrough, ReasonUnmatched)
		}
		if out.App != "" {
			t.Errorf("App = %q, want empty", out.App)
		}
	})
}

// TestRouter_Route はルーティング判定の各状態遷移を検証する。
func TestRouter_Route(t *testing.T) {
	t.Parallel()

	r := mustRouter(t, portalConfig())

	tests := []struct {
		name     string
		target   string
		cookies  []string
		action   Action
		app      string
		reason   Reason
		location string
	}{
		{
			name:   "除外パス配下はCookieなしでもパススルー",
			target: "http://example.com/aviation/api/auth/callback?code=x",
			action: ActionPassThrough, app: "aviation", reason: ReasonExcluded,
		},
		{
			name:   "保護されたパスはCookieなしならログインへ",
			target: "http://example.com/aviation/flights?page=2",
			action: ActionRedirectLogin, app: "aviation", reason: ReasonUnauthenticated,
			location: "http://example.com/aviation/login",
		},
		{
			name:    "別アプリケーションのCookieでは認証済みにならない",
			target:  "http://example.com/aviation/flights",
			cookies: []string{"lab-auth", "portal-auth"},
			action:  ActionRedirectLogin, app: "aviation", reason: ReasonUnauthenticated,
			location: "http://example.com/aviation/login",
		},
		{
			name:    "認証済みなら書き換え先はパスとクエリを保持する",
			target:  "http://example.com/aviation/flights?page=2&sort=asc",
			cookies: []string{"aviation-auth"},
			action:  ActionProxyRewrite, app: "aviation", reason: ReasonRemoteApp,
			location: "http://example.com:4001/aviation/flights?page=2&sort=asc",
		},
		{
			name:    "元のポートは置き換えられる",
			target:  "http://example.com:3000/lab/patients",
			cookies: []string{"lab-auth"},
			action:  ActionProxyRewrite, app: "lab", reason: ReasonRemoteApp,
			location: "http://example.com:4002/lab/patients",
		},
		{
			name:   "除外されていないログインページはCookieなしでもループしない",
			target: "http://example.com/lab/signin",
			action: ActionProxyRewrite, app: "lab", reason: ReasonRemoteApp,
			location: "http://example.com:4002/lab/signin",
		},
		{
			name:    "ログイン済みでログインページに来たらホームへ",
			target:  "http://example.com/lab/signin",
			cookies: []string{"lab-auth"},
			action:  ActionRedirectHome, app: "lab", reason: ReasonAlreadyLoggedIn,
			location: "http://example.com/lab",
		},
		{
			name:    "除外パスのログインページはログイン済みでもパススルー",
			target:  "http://example.com/aviation/login",
			cookies: []string{"aviation-auth"},
			action:  ActionPassThrough, app: "aviation", reason: ReasonExcluded,
		},
		{
			name:   "認証不要のアプリケーションはCookieなしで書き換え",
			target: "http://example.com/docs/guide",
			action: ActionProxyRewrite, app: "docs", reason: ReasonRemoteApp,
			location: "http://example.com:4003/docs/guide",
		},
		{
			name:    "認証不要でもログイン済みでログインページならホームへ",
			target:  "http://example.com/docs/login",
			cookies: []string{"docs-auth"},
			action:  ActionRedirectHome, app: "docs", reason: ReasonAlreadyLoggedIn,
			location: "http://example.com/docs",
		},
		{
			name:    "デフォルトアプリケーションは認証済みならパススルー",
			target:  "http://example.com/dashboard",
			cookies: []string{"portal-auth"},
			action:  ActionPassThrough, app: "portal", reason: ReasonDefaultApp,
		},
		{
			name:   "デフォルトアプリケーションでもCookieなしならログインへ",
			target: "http://example.com/dashboard",
			action: ActionRedirectLogin, app: "portal", reason: ReasonUnauthenticated,
			location: "http://example.com/login",
		},
		{
			name:    "デフォルトアプリケーションの除外されたログインページはパススルー",
			target:  "http://example.com/login",
			cookies: []string{"portal-auth"},
			action:  ActionPassThrough, app: "portal", reason: ReasonExcluded,
		},
		{
			name:    "Cookieの値は検証しない",
			target:  "http://example.com/lab/patients",
			cookies: []string{"lab-auth"},
			action:  ActionProxyRewrite, app: "lab", reason: ReasonRemoteApp,
			location: "http://example.com:4002/lab/patients",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out := r.Route(newRequest(t, tt.target, tt.cookies...))
			if out.Action != tt.action {
				t.Errorf("Action = %v, want %v", out.Action, tt.action)
			}
			if out.App != tt.app {
				t.Errorf("App = %q, want %q", out.App, tt.app)
			}
			if out.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", out.Reason, tt.reason)
			}
			got := ""
			if out.URL != nil {
				got = out.URL.String()
			}
			if got != tt.location {
				t.Errorf("URL = %q, want %q", got, tt.location)
			}
		})
	}
}

// TestRouter_Route_EmptyCookieValue は値が空のCookieも存在として扱うことを検証する。
func TestRouter_Route_EmptyCookieValue(t *testing.T) {
	t.Parallel()

	r := mustRouter(t, portalConfig())
	req := httptest.NewRequest(http.MethodGet, "http://example.com/lab/patients", nil)
	req.Header.Set("Cookie", "lab-auth=")

	if out := r.Route(req); out.Action != ActionProxyRewrite {
		t.Errorf("Action = %v, want %v", out.Action, ActionProxyRewrite)
	}
}

// TestRouter_Route_NoRedirectLoop はリダイレクト先を再度ルーティングしてもリダイレクトが続かないことを検証する。
func TestRouter_Route_NoRedirectLoop(t *testing.T) {
	t.Parallel()

	r := mustRouter(t, portalConfig())
	targets := []string{
		"http://example.com/aviation/flights",
		"http://example.com/lab/patients",
		"http://example.com/dashboard",
	}

	for _, target := range targets {
		t.Run(target, func(t *testing.T) {
			t.Parallel()

			first := r.Route(newRequest(t, target))
			if first.Action != ActionRedirectLogin {
				t.Fatalf("Action = %v, want %v", first.Action, ActionRedirectLogin)
			}
			second := r.Route(newRequest(t, first.URL.String()))
			if second.Action == ActionRedirectLogin || second.Action == ActionRedirectHome {
				t.Errorf("ログインページの再判定がリダイレクトになった: %v -> %v", first.URL, second.URL)
			}

			// ログイン後はホームへのリダイレクトが1回だけ発生し、ホームは再度リダイレクトしない
			cookie := first.App + "-auth"
			third := r.Route(newRequest(t, first.URL.String(), cookie))
			if third.Action == ActionRedirectHome {
				fourth := r.Route(newRequest(t, third.URL.String(), cookie))
				if fourth.Action == ActionRedirectLogin || fourth.Action == ActionRedirectHome {
					t.Errorf("ホームの再判定がリダイレクトになった: %v", third.URL)
				}
			}
		})
	}
}

// TestRouter_Route_ReturnParam はログインリダイレクトへの戻り先パラメータを検証する。
func TestRouter_Route_ReturnParam(t *testing.T) {
	t.Parallel()

	t.Run("設定した場合は元のパスとクエリを付与すること", func(t *testing.T) {
		t.Parallel()

		cfg := portalConfig()
		cfg.LoginReturnParam = "from"
		r := mustRouter(t, cfg)

		out := r.Route(newRequest(t, "http://example.com/aviation/flights?page=2&q=a+b"))
		if out.Action != ActionRedirectLogin {
			t.Fatalf("Action = %v, want %v", out.Action, ActionRedirectLogin)
		}
		if out.URL.Path != "/aviation/login" {
			t.Errorf("Path = %q, want %q", out.URL.Path, "/aviation/login")
		}
		if got := out.URL.Query().Get("from"); got != "/aviation/flights?page=2&q=a+b" {
			t.Errorf("from = %q, want %q", got, "/aviation/flights?page=2&q=a+b")
		}
	})

	t.Run("未設定の場合はクエリを付与しないこと", func(t *testing.T) {
		t.Parallel()

		r := mustRouter(t, portalConfig())
		out := r.Route(newRequest(t, "http://example.com/aviation/flights?page=2"))
		if out.URL.RawQuery != "" {
			t.Errorf("RawQuery = %q, want empty", out.URL.RawQuery)
		}
	})
}

// TestRouter_Route_MatchStrategy はbasePathが重なる場合の解決方法を検証する。
func TestRouter_Route_MatchStrategy(t *testing.T) {
	t.Parallel()

	overlapping := func(strategy MatchStrategy) GatewayConfig {
		return GatewayConfig{
			Apps: []App{
				{Name: "admin", AppConfig: AppConfig{LoginPath: "/admin/login", BasePath: "/admin", Port: 4100}},
				{Name: "reports", AppConfig: AppConfig{LoginPath: "/admin/reports/login", BasePath: "/admin/reports", Port: 4200}},
				{Name: "site", AppConfig: AppConfig{LoginPath: "/login", BasePath: "/", Port: 3000}},
			},
			DefaultApp:    "site",
			MatchStrategy: strategy,
		}
	}

	tests := []struct {
		name     string
		strategy MatchStrategy
		path     string
		want     string
	}{
		{"宣言順では先に宣言したadminが勝つ", MatchDeclaration, "/admin/reports/q1", "admin"},
		{"既定は宣言順", "", "/admin/reports/q1", "admin"},
		{"最長一致ではreportsが勝つ", MatchLongestPrefix, "/admin/reports/q1", "reports"},
		{"最長一致でも短いパスはadmin", MatchLongestPrefix, "/admin/users", "admin"},
		{"プレフィックスは文字列として比較する", MatchDeclaration, "/administrators", "admin"},
		{"ルートは最後に一致する", MatchLongestPrefix, "/about", "site"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := mustRouter(t, overlapping(tt.strategy))
			app, ok := r.Resolve(tt.path)
			if !ok {
				t.Fatalf("Resolve(%q)が一致しなかった", tt.path)
			}
			if app.Name != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, app.Name, tt.want)
			}
		})
	}
}

// TestRouter_Route_Standalone はスタンドアロンモードのCookie名を検証する。
func TestRouter_Route_Standalone(t *testing.T) {
	t.Parallel()

	cfg := portalConfig()
	cfg.Mode = ModeStandalone
	r := mustRouter(t, cfg)

	t.Run("アプリケーション名のCookieは使われないこと", func(t *testing.T) {
		t.Parallel()

		out := r.Route(newRequest(t, "http://example.com/lab/patients", "lab-auth"))
		if out.Action != ActionRedirectLogin {
			t.Errorf("Action = %v, want %v", out.Action, ActionRedirectLogin)
		}
	})

	t.Run("既定のスタンドアロンCookieで認証済みになること", func(t *testing.T) {
		t.Parallel()

		out := r.Route(newRequest(t, "http://example.com/lab/patients", DefaultStandaloneCookie))
		if out.Action != ActionProxyRewrite {
			t.Errorf("Action = %v, want %v", out.Action, ActionProxyRewrite)
		}
	})

	t.Run("Cookie名を指定できること", func(t *testing.T) {
		t.Parallel()

		custom := portalConfig()
		custom.Mode = ModeStandalone
		custom.StandaloneCookie = "session"
		r := mustRouter(t, custom)

		out := r.Route(newRequest(t, "http://example.com/dashboard", "session"))
		if out.Action != ActionPassThrough || out.Reason != ReasonDefaultApp {
			t.Errorf("Outcome = %v/%q, want %v/%q", out.Action, out.Reason, ActionPassThrough, ReasonDefaultApp)
		}
	})
}

// TestRequestURL はサーバー側リクエストからの絶対URLの復元を検証する。
func TestRequestURL(t *testing.T) {
	t.Parallel()

	t.Run("X-Forwarded-Protoのスキームを使うこと", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "http://example.com/a?b=c", nil)
		req.Header.Set("X-Forwarded-Proto", "HTTPS, http")
		if got := RequestURL(req).String(); got != "https://example.com/a?b=c" {
			t.Errorf("RequestURL() = %q, want %q", got, "https://example.com/a?b=c")
		}
	})

	t.Run("http・https以外のX-Forwarded-Protoは無視すること", func(t *testing.T) {
		t.Parallel()

		for _, proto := range []string{"gopher", "javascript", "ftp, https"} {
			req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
			req.Header.Set("X-Forwarded-Proto", proto)
			if got := RequestURL(req).Scheme; got != "http" {
				t.Errorf("X-Forwarded-Proto %q: Scheme = %q, want %q", proto, got, "http")
			}
		}
	})

	t.Run("TLS接続ならhttpsになること", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "https://example.com/a", nil)
		if got := RequestURL(req).Scheme; got != "https" {
			t.Errorf("Scheme = %q, want %q", got, "https")
		}
	})

	t.Run("IPv6ホストのポートを置き換えられること", func(t *testing.T) {
		t.Parallel()

		r := mustRouter(t, portalConfig())
		req := newRequest(t, "http://[::1]:3000/lab/x", "lab-auth")
		out := r.Route(req)
		if got := out.URL.Host; got != "[::1]:4002" {
			t.Errorf("Host = %q, want %q", got, "[::1]:4002")
		}
	})

	t.Run("エスケープされたパスを保持すること", func(t *testing.T) {
		t.Parallel()

		r := mustRouter(t, portalConfig())
		out := r.Route(newRequest(t, "http://example.com/lab/files/a%2Fb", "lab-auth"))
		want := &url.URL{Scheme: "http", Host: "example.com:4002", Path: "/lab/files/a/b", RawPath: "/lab/files/a%2Fb"}
		if out.URL.String() != want.String() {
			t.Errorf("URL = %q, want %q", out.URL.String(), want.String())
		}
	})
}

// TestRouter_ConcurrentRoute は複数goroutineから同時に判定しても結果が変わらないことを検証する。
func TestRouter_ConcurrentRoute(t *testing.T) {
	t.Parallel()

	r := mustRouter(t, portalConfig())

	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "http://example.com/lab/patients", nil)
			if i%2 == 0 {
				req.AddCookie(&http.Cookie{Name: "lab-auth", Value: "x"})
				if out := r.Route(req); out.Action != ActionProxyRewrite {
					errs <- out.Action.String()
				}
				return
			}
			if out := r.Route(req); out.Action != ActionRedirectLogin {
				errs <- out.Action.String()
			}
		}()
	}
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Errorf("想定外の判定: %s", e)
	}
}

// TestNewRouter_ConfigIsCopied は構築後に元の設定を変更しても判定が変わらないことを検証する。
func TestNewRouter_ConfigIsCopied(t *testing.T) {
	t.Parallel()

	cfg := portalConfig()
	r := mustRouter(t, cfg)

	cfg.Apps[0].ExcludePaths[0] = "/aviation/"
	cfg.Apps[0].Port = 9999

	out := r.Route(newRequest(t, "http://example.com/aviation/flights", "aviation-auth"))
	if got := out.URL.Port(); got != "4001" {
		t.Errorf("Port = %q, want %q", got, "4001")
	}
	if out := r.Route(newRequest(t, "http://example.com/aviation/flights")); out.Action != ActionRedirectLogin {
		t.Errorf("Action = %v, want %v", out.Action, ActionRedirectLogin)
	}
}

// TestAction_String はActionの表示名を検証する。
func TestAction_String(t *testing.T) {
	t.Parallel()

	tests := map[Action]string{
		ActionPassThrough:   "pass-through",
		ActionRedirectLogin: "redirect-login",
		ActionRedirectHome:  "redirect-home",
		ActionProxyRewrite:  "proxy-rewrite",
		Action(42):          "unknown",
	}
	for a, want := range tests {
		if got := a.String(); got != want {
			t.Errorf("Action(%d).String() = %q, want %q", int(a), got, want)
		}
	}
}
