package gateway

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// AppConfig は1つの論理アプリケーションのルーティング設定。
type AppConfig struct {
	// LoginPath はログインページの絶対パス。
	LoginPath string `json:"login_path"`
	// BasePath はこのアプリケーションに属するリクエストのパスプレフィックス。空文字はルートを表す。
	BasePath string `json:"base_path"`
	// Port はプロキシ先としてアクセスする際のバックエンドのポート番号。
	Port int `json:"port"`
	// AuthRequired は認証が必要かどうか。
	AuthRequired bool `json:"auth_required"`
	// ExcludePaths は認証チェックを免除するパスプレフィックス。宣言順に評価する。
	ExcludePaths []string `json:"exclude_paths"`
}

// App は名前付きのアプリケーション設定。名前はルーティングテーブルのキー。
type App struct {
	// Name はアプリケーション名。認証Cookie名の一部にもなる。
	Name string `json:"name"`
	AppConfig
}

// home はログイン済みユーザーのリダイレクト先となるアプリケーションのホームパスを返す。
func (a App) home() string {
	if a.BasePath == "" {
		return "/"
	}
	return a.BasePath
}

// MatchStrategy はbasePathが重なる場合のアプリケーション解決方法。
type MatchStrategy string

const (
	// MatchDeclaration は宣言順で最初に一致したアプリケーションを採用する。
	MatchDeclaration MatchStrategy = "declaration"
	// MatchLongestPrefix は最も長いbasePathに一致したアプリケーションを採用する。
	// 同じ長さの場合は宣言順が優先される。
	MatchLongestPrefix MatchStrategy = "longest-prefix"
)

// Mode はゲートウェイの動作モード。
type Mode string

const (
	// ModeGateway は複数アプリケーションを1つのホームの背後で束ねるモード。
	ModeGateway Mode = "gateway"
	// ModeStandalone は各アプリケーションが単独でデプロイされるモード。
	// Cookie名とマッチャーのみが変わる。
	ModeStandalone Mode = "standalone"
)

const (
	// DefaultStandaloneCookie はスタンドアロンモードで使う認証Cookie名の既定値。
	DefaultStandaloneCookie = "auth-token"
	// authCookieSuffix はゲートウェイモードの認証Cookie名の接尾辞。
	authCookieSuffix = "-auth"
)

// defaultSkipPaths はルーターで評価しない静的アセットのパス。
var defaultSkipPaths = []string{"/_next/static/", "/_next/image", "/favicon.ico"}

// GatewayConfig はルーティングテーブル全体。プロセス起動時に一度だけ構築し、以降は変更しない。
type GatewayConfig struct {
	// Apps は宣言順を保持したアプリケーション一覧。
	Apps []App `json:"apps"`
	// DefaultApp はローカルで直接処理するアプリケーションの名前。
	DefaultApp string `json:"default_app"`
	// Mode は動作モード。空の場合はゲートウェイモード。
	Mode Mode `json:"mode"`
	// StandaloneCookie はスタンドアロンモードの認証Cookie名。
	StandaloneCookie string `json:"standalone_cookie,omitempty"`
	// MatchStrategy はbasePathが重なる場合の解決方法。空の場合は宣言順。
	MatchStrategy MatchStrategy `json:"match_strategy"`
	// LoginReturnParam はログインリダイレクトに元のパスを付与するクエリパラメータ名。
	// 空の場合は付与しない。
	LoginReturnParam string `json:"login_return_param,omitempty"`
	// SkipPaths はルーターで評価しないパス。nilの場合は既定の静的アセットパス。
	SkipPaths []string `json:"skip_paths"`
}

// Lookup は名前からアプリケーションを探す。
func (c *GatewayConfig) Lookup(name string) (App, bool) {
	for _, app := range c.Apps {
		if app.Name == name {
			return app, true
		}
	}
	return App{}, false
}

// CookieName はアプリケーションの認証Cookie名を返す。
func (c *GatewayConfig) CookieName(appName string) string {
	if c.Mode == ModeStandalone {
		if c.StandaloneCookie == "" {
			return DefaultStandaloneCookie
		}
		return c.StandaloneCookie
	}
	return appName + authCookieSuffix
}

// withDefaults は未設定の項目に既定値を補ったコピーを返す。
func (c GatewayConfig) withDefaults() GatewayConfig {
	out := c
	if out.Mode == "" {
		out.Mode = ModeGateway
	}
	if out.MatchStrategy == "" {
		out.MatchStrategy = MatchDeclaration
	}
	if out.Mode == ModeStandalone && out.StandaloneCookie == "" {
		out.StandaloneCookie = DefaultStandaloneCookie
	}
	if out.SkipPaths == nil {
		out.SkipPaths = append([]string(nil), defaultSkipPaths...)
	}
	out.Apps = make([]App, len(c.Apps))
	for i, app := range c.Apps {
		app.ExcludePaths = append([]string(nil), app.ExcludePaths...)
		out.Apps[i] = app
	}
	return out
}

var (
	// ErrNoApps はアプリケーションが1つも定義されていない場合のエラー。
	ErrNoApps = errors.New("アプリケーションが定義されていません")
	// ErrUnknownDefaultApp はdefault_appが定義済みのアプリケーションを指していない場合のエラー。
	ErrUnknownDefaultApp = errors.New("default_appが未定義のアプリケーションを指しています")
	// ErrDuplicateApp はアプリケーション名が重複している場合のエラー。
	ErrDuplicateApp = errors.New("アプリケーション名が重複しています")
	// ErrInvalidAppName はCookie名に使えないアプリケーション名のエラー。
	ErrInvalidAppName = errors.New("アプリケーション名が不正です")
	// ErrInvalidLoginPath はlogin_pathが絶対パスでない場合のエラー。
	ErrInvalidLoginPath = errors.New("login_pathは/で始まる必要があります")
	// ErrInvalidBasePath はbase_pathが空でも絶対パスでもない場合のエラー。
	ErrInvalidBasePath = errors.New("base_pathは空または/で始まる必要があります")
	// ErrInvalidPort はポート番号が範囲外の場合のエラー。
	ErrInvalidPort = errors.New("portは1から65535の範囲で指定してください")
	// ErrInvalidExcludePath はexclude_pathsの要素が絶対パスでない場合のエラー。
	ErrInvalidExcludePath = errors.New("exclude_pathsの要素は/で始まる必要があります")
	// ErrUnknownMatchStrategy は未知のmatch_strategyのエラー。
	ErrUnknownMatchStrategy = errors.New("match_strategyが不正です")
	// ErrUnknownMode は未知のmodeのエラー。
	ErrUnknownMode = errors.New("modeが不正です")
)

// ConfigError は起動時に検出した設定不備をまとめたエラー。
type ConfigError struct {
	// Problems は検出した不備の一覧。
	Problems []error
}

// Error は不備を;区切りで連結したメッセージを返す。
func (e *ConfigError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.Error())
	}
	return "ゲートウェイ設定が不正です: " + strings.Join(msgs, "; ")
}

// Unwrap はerrors.Isで個々の不備を判定できるようにする。
func (e *ConfigError) Unwrap() []error {
	return e.Problems
}

// appNamePattern はCookie名に安全に埋め込めるアプリケーション名。
var appNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate は設定の構造的な不備を検出する。不備がなければnilを返す。
// basePathの重複はエラーではなくWarningsで報告する。
func (c *GatewayConfig) Validate() error {
	var problems []error
	add := func(err error, format string, args ...any) {
		problems = append(problems, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err))
	}

	if len(c.Apps) == 0 {
		problems = append(problems, ErrNoApps)
	}

	seen := make(map[string]struct{}, len(c.Apps))
	for _, app := range c.Apps {
		if !appNamePattern.MatchString(app.Name) {
			add(ErrInvalidAppName, "app %q", app.Name)
		}
		if _, dup := seen[app.Name]; dup {
			add(ErrDuplicateApp, "app %q", app.Name)
		}
		seen[app.Name] = struct{}{}

		if !strings.HasPrefix(app.LoginPath, "/") || strings.ContainsAny(app.LoginPath, "?#") {
			add(ErrInvalidLoginPath, "app %q: login_path %q", app.Name, app.LoginPath)
		}
		if app.BasePath != "" && !strings.HasPrefix(app.BasePath, "/") {
			add(ErrInvalidBasePath, "app %q: base_path %q", app.Name, app.BasePath)
		}
		if app.Port < 1 || app.Port > 65535 {
			add(ErrInvalidPort, "app %q: port %d", app.Name, app.Port)
		}
		for _, p := range app.ExcludePaths {
			if !strings.HasPrefix(p, "/") {
				add(ErrInvalidExcludePath, "app %q: %q", app.Name, p)
			}
		}
	}

	if _, ok := seen[c.DefaultApp]; !ok && len(c.Apps) > 0 {
		add(ErrUnknownDefaultApp, "default_app %q", c.DefaultApp)
	}

	switch c.MatchStrategy {
	case "", MatchDeclaration, MatchLongestPrefix:
	default:
		add(ErrUnknownMatchStrategy, "%q", c.MatchStrategy)
	}
	switch c.Mode {
	case "", ModeGateway, ModeStandalone:
	default:
		add(ErrUnknownMode, "%q", c.Mode)
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// Warnings は起動を妨げないが意図しないルーティングになりうる設定を報告する。
func (c *GatewayConfig) Warnings() []string {
	var warnings []string

	owner := make(map[string]string, len(c.Apps))
	for _, app := range c.Apps {
		if first, ok := owner[app.BasePath]; ok {
			warnings = append(warnings, fmt.Sprintf(
				"app %q のbase_path %q は app %q と重複しています（%q が優先されます）",
				app.Name, app.BasePath, first, first))
			continue
		}
		owner[app.BasePath] = app.Name
	}

	if c.MatchStrategy == "" || c.MatchStrategy == MatchDeclaration {
		for i, app := range c.Apps {
			for _, later := range c.Apps[i+1:] {
				if later.BasePath != app.BasePath && strings.HasPrefix(later.BasePath, app.BasePath) {
					warnings = append(warnings, fmt.Sprintf(
						"app %q (base_path %q) は後続の app %q (base_path %q) へのリクエストを先に取得します",
						app.Name, app.BasePath, later.Name, later.BasePath))
				}
			}
		}
	}
	return warnings
}
