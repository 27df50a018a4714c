package gateway

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Action はルーティング判定の結果種別。
type Action int

const (
	// ActionPassThrough はリクエストを変更せずに通常処理を続ける。
	ActionPassThrough Action = iota
	// ActionRedirectLogin はアプリケーションのログインページへリダイレクトする。
	ActionRedirectLogin
	// ActionRedirectHome はアプリケーションのホーム（basePath）へリダイレクトする。
	ActionRedirectHome
	// ActionProxyRewrite は同一ホストの別ポートへリクエストを書き換える。
	ActionProxyRewrite
)

// String はActionの表示名を返す。
func (a Action) String() string {
	switch a {
	case ActionPassThrough:
		return "pass-through"
	case ActionRedirectLogin:
		return "redirect-login"
	case ActionRedirectHome:
		return "redirect-home"
	case ActionProxyRewrite:
		return "proxy-rewrite"
	default:
		return "unknown"
	}
}

// MarshalText はJSON出力時にActionを表示名で表す。
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Reason は判定に至った理由。
type Reason string

const (
	ReasonUnmatched       Reason = "unmatched"
	ReasonExcluded        Reason = "excluded"
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonAlreadyLoggedIn Reason = "already-logged-in"
	ReasonRemoteApp       Reason = "remote-app"
	ReasonDefaultApp      Reason = "default-app"
)

// Outcome は1リクエストに対するルーティング判定。永続化されない。
type Outcome struct {
	// Action は判定結果の種別。
	Action Action `json:"action"`
	// App は所有アプリケーション名。どのアプリケーションにも一致しない場合は空。
	App string `json:"app,omitempty"`
	// Reason は判定理由。
	Reason Reason `json:"reason"`
	// URL はリダイレクト先または書き換え先の絶対URL。パススルーの場合はnil。
	URL *url.URL `json:"-"`
}

// Router は静的なルーティングテーブルを保持し、リクエストごとの判定を行う。
// 構築後は読み取り専用のため、複数のgoroutineから同時に呼び出してよい。
type Router struct {
	cfg     GatewayConfig
	matcher Matcher
}

// NewRouter は設定を検証してRouterを生成する。設定不備の場合は*ConfigErrorを返す。
func NewRouter(cfg GatewayConfig) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	normalized := cfg.withDefaults()
	return &Router{
		cfg:     normalized,
		matcher: NewMatcher(&normalized).With(pathInternal, pathHealth),
	}, nil
}

// Config は既定値を補完済みの設定のコピーを返す。
func (r *Router) Config() GatewayConfig {
	return r.cfg.withDefaults()
}

// Matcher はこのルーターに対応するリクエストマッチャーを返す。
// ゲートウェイ自身のエンドポイント（/_gateway/ と /health）は常に除外される。
func (r *Router) Matcher() Matcher {
	return r.matcher
}

// Route はリクエストのルーティング判定を返す。
func (r *Router) Route(req *http.Request) Outcome {
	return route(req, &r.cfg)
}

// Resolve はパスを所有するアプリケーションを返す。
func (r *Router) Resolve(path string) (App, bool) {
	return resolve(&r.cfg, path)
}

// Route は検証済みの設定に対してリクエストのルーティング判定を行う。
// 副作用はなく、Cookieの有無以外のリクエスト状態には依存しない。
func Route(req *http.Request, cfg GatewayConfig) Outcome {
	normalized := cfg.withDefaults()
	return route(req, &normalized)
}

func route(req *http.Request, cfg *GatewayConfig) Outcome {
	path := req.URL.Path

	app, ok := resolve(cfg, path)
	if !ok {
		return Outcome{Action: ActionPassThrough, Reason: ReasonUnmatched}
	}

	if hasAnyPrefix(path, app.ExcludePaths) {
		return Outcome{Action: ActionPassThrough, App: app.Name, Reason: ReasonExcluded}
	}

	// 値は検証しない。存在のみを確認する。
	_, err := req.Cookie(cfg.CookieName(app.Name))
	authenticated := err == nil
	isLoginPage := path == app.LoginPath

	switch {
	case app.AuthRequired && !authenticated && !isLoginPage:
		return Outcome{
			Action: ActionRedirectLogin,
			App:    app.Name,
			Reason: ReasonUnauthenticated,
			URL:    loginURL(req, app, cfg.LoginReturnParam),
		}
	case authenticated && isLoginPage:
		u := RequestURL(req)
		u.Path, u.RawPath, u.RawQuery = app.home(), "", ""
		return Outcome{Action: ActionRedirectHome, App: app.Name, Reason: ReasonAlreadyLoggedIn, URL: u}
	case app.Name != cfg.DefaultApp:
		u := RequestURL(req)
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(app.Port))
		return Outcome{Action: ActionProxyRewrite, App: app.Name, Reason: ReasonRemoteApp, URL: u}
	}
	return Outcome{Action: ActionPassThrough, App: app.Name, Reason: ReasonDefaultApp}
}

// resolve はパスを所有するアプリケーションを設定の戦略に従って探す。
func resolve(cfg *GatewayConfig, path string) (App, bool) {
	var (
		best  App
		found bool
	)
	for _, app := range cfg.Apps {
		if !strings.HasPrefix(path, app.BasePath) {
			continue
		}
		if cfg.MatchStrategy != MatchLongestPrefix {
			return app, true
		}
		if !found || len(app.BasePath) > len(best.BasePath) {
			best, found = app, true
		}
	}
	return best, found
}

// loginURL はログインページの絶対URLを組み立てる。
// returnParamが空でなければ元のパスとクエリをそのパラメータに載せる。
func loginURL(req *http.Request, app App, returnParam string) *url.URL {
	u := RequestURL(req)
	u.Path, u.RawPath, u.RawQuery = app.LoginPath, "", ""
	if returnParam != "" {
		u.RawQuery = url.Values{returnParam: {req.URL.RequestURI()}}.Encode()
	}
	return u
}

// RequestURL はサーバー側のリクエストから絶対URLを復元する。
// スキームはTLSの有無、なければX-Forwarded-Protoから決める。
// X-Forwarded-Protoはhttpとhttps以外を無視する。
func RequestURL(req *http.Request) *url.URL {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	} else if proto := forwardedProto(req); proto == "https" {
		scheme = proto
	}

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}

	return &url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
	}
}

// forwardedProto はX-Forwarded-Protoの先頭の値を小文字で返す。
func forwardedProto(req *http.Request) string {
	proto, _, _ := strings.Cut(req.Header.Get("X-Forwarded-Proto"), ",")
	return strings.ToLower(strings.TrimSpace(proto))
}

// hasAnyPrefix はpathがprefixesのいずれかで始まるかを返す。
func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
