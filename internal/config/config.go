// Package config はゲートウェイの設定ファイルを読み込む。
//
// YAMLとTOMLに対応し、拡張子で形式を判定する。ファイル中の ${VAR_NAME} は
// 環境変数で展開する。アプリケーションの宣言順はルーティングの優先順位になるため、
// どちらの形式でもファイルに書かれた順序を保持して読み込む。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/gatekeeper/internal/gateway"
)

// envPort はリッスンポートを上書きする環境変数。
const envPort = "PORT"

const (
	defaultPort            = 3000
	defaultDevLoginDB      = "gateway.db"
	defaultShutdownTimeout = 10 * time.Second
	defaultProbeTimeout    = 3 * time.Second
	defaultDevLoginTTL     = 24 * time.Hour
)

// ErrUnsupportedFormat は対応していない拡張子の設定ファイルのエラー。
var ErrUnsupportedFormat = errors.New("対応していない設定ファイル形式です（.yaml/.yml/.toml）")

// Config は設定ファイル全体。
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway"`
	Admin    AdminConfig    `yaml:"admin" toml:"admin"`
	DevLogin DevLoginConfig `yaml:"dev_login" toml:"dev_login"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	Port           int      `yaml:"port" toml:"port"`
	LocalUpstream  string   `yaml:"local_upstream" toml:"local_upstream"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`
	ProbeTimeout    time.Duration `yaml:"-" toml:"-"`

	// 期間の文字列表現（例: "10s"）
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	ProbeTimeoutRaw    string `yaml:"probe_timeout" toml:"probe_timeout"`
}

// GatewayConfig はルーティングテーブルの設定。
type GatewayConfig struct {
	DefaultApp       string   `yaml:"default_app" toml:"default_app"`
	Mode             string   `yaml:"mode" toml:"mode"`
	StandaloneCookie string   `yaml:"standalone_cookie" toml:"standalone_cookie"`
	MatchStrategy    string   `yaml:"match_strategy" toml:"match_strategy"`
	LoginReturnParam string   `yaml:"login_return_param" toml:"login_return_param"`
	SkipPaths        []string `yaml:"skip_paths" toml:"skip_paths"`
	Debug            bool     `yaml:"debug" toml:"debug"`
	// Apps は宣言順を保持したアプリケーション一覧。TOMLでは別途キー順から復元する。
	Apps AppList `yaml:"apps" toml:"-"`
}

// AppConfig は1アプリケーション分の設定。
type AppConfig struct {
	LoginPath    string   `yaml:"login_path" toml:"login_path"`
	BasePath     string   `yaml:"base_path" toml:"base_path"`
	Port         int      `yaml:"port" toml:"port"`
	AuthRequired bool     `yaml:"auth_required" toml:"auth_required"`
	ExcludePaths []string `yaml:"exclude_paths" toml:"exclude_paths"`
}

// NamedApp は名前付きのアプリケーション設定。
type NamedApp struct {
	Name string
	AppConfig
}

// AdminConfig は管理APIの設定。
type AdminConfig struct {
	// JWTSecret は管理APIのBearerトークンの署名鍵。空の場合は管理APIを公開しない。
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// DevLoginConfig は開発用ログインの設定。
type DevLoginConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Database string        `yaml:"database" toml:"database"`
	Secret   string        `yaml:"secret" toml:"secret"`
	TTL      time.Duration `yaml:"-" toml:"-"`
	TTLRaw   string        `yaml:"ttl" toml:"ttl"`
}

// Load は設定ファイルを読み込み、環境変数を展開して検証済みのConfigを返す。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	expanded := expandEnvVars(string(data))

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = decodeYAML([]byte(expanded))
	case ".toml":
		cfg, err = decodeTOML(expanded)
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("期間の解析に失敗: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envVarPattern は ${VAR_NAME} 形式の参照。
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars は ${VAR_NAME} を環境変数の値で置き換える。未設定の変数は空文字になる。
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv は環境変数による上書きを適用する。
func (c *Config) applyEnv() error {
	if v := os.Getenv(envPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("環境変数%sが数値ではありません: %q", envPort, v)
		}
		c.Server.Port = port
	}
	return nil
}

// parseDurations は期間の文字列表現をtime.Durationに変換する。
func (c *Config) parseDurations() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", c.Server.ShutdownTimeoutRaw, &c.Server.ShutdownTimeout},
		{"server.probe_timeout", c.Server.ProbeTimeoutRaw, &c.Server.ProbeTimeout},
		{"dev_login.ttl", c.DevLogin.TTLRaw, &c.DevLogin.TTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("%s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// applyDefaults は未設定の項目に既定値を設定する。
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Server.ProbeTimeout == 0 {
		c.Server.ProbeTimeout = defaultProbeTimeout
	}
	if c.DevLogin.Database == "" {
		c.DevLogin.Database = defaultDevLoginDB
	}
	if c.DevLogin.TTL == 0 {
		c.DevLogin.TTL = defaultDevLoginTTL
	}
}

// Validate は設定全体を検証し、検出した不備をまとめて返す。
func (c *Config) Validate() error {
	var problems []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Errorf("server.portは1から65535の範囲で指定してください: %d", c.Server.Port))
	}
	if c.Server.LocalUpstream != "" {
		u, err := url.Parse(c.Server.LocalUpstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Errorf("server.local_upstreamは絶対URLで指定してください: %q", c.Server.LocalUpstream))
		}
	}
	if c.DevLogin.Enabled && c.DevLogin.Secret == "" {
		problems = append(problems, errors.New("dev_login.secretはdev_login.enabledの場合に必須です"))
	}
	if c.Server.ShutdownTimeout < 0 || c.Server.ProbeTimeout < 0 || c.DevLogin.TTL < 0 {
		problems = append(problems, errors.New("期間には正の値を指定してください"))
	}

	table := c.RoutingTable()
	if err := table.Validate(); err != nil {
		problems = append(problems, err)
	}
	for _, app := range c.Gateway.Apps {
		if app.Name != c.Gateway.DefaultApp && app.Port == c.Server.Port {
			problems = append(problems, fmt.Errorf("app %q: port %d: %w", app.Name, app.Port, gateway.ErrSelfProxy))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("設定の検証に失敗: %w", errors.Join(problems...))
	}
	return nil
}

// RoutingTable はゲートウェイのルーティングテーブルに変換する。
func (c *Config) RoutingTable() gateway.GatewayConfig {
	apps := make([]gateway.App, 0, len(c.Gateway.Apps))
	for _, a := range c.Gateway.Apps {
		apps = append(apps, gateway.App{
			Name: a.Name,
			AppConfig: gateway.AppConfig{
				LoginPath:    a.LoginPath,
				BasePath:     a.BasePath,
				Port:         a.Port,
				AuthRequired: a.AuthRequired,
				ExcludePaths: append([]string(nil), a.ExcludePaths...),
			},
		})
	}
	return gateway.GatewayConfig{
		Apps:             apps,
		DefaultApp:       c.Gateway.DefaultApp,
		Mode:             gateway.Mode(c.Gateway.Mode),
		StandaloneCookie: c.Gateway.StandaloneCookie,
		MatchStrategy:    gateway.MatchStrategy(c.Gateway.MatchStrategy),
		LoginReturnParam: c.Gateway.LoginReturnParam,
		SkipPaths:        c.Gateway.SkipPaths,
	}
}

// ServerOptions はゲートウェイサーバーの構築パラメータに変換する。
func (c *Config) ServerOptions() gateway.Options {
	return gateway.Options{
		Port:           strconv.Itoa(c.Server.Port),
		Gateway:        c.RoutingTable(),
		LocalUpstream:  c.Server.LocalUpstream,
		AllowedOrigins: c.Server.AllowedOrigins,
		AdminSecret:    c.Admin.JWTSecret,
		DevLogin: gateway.DevLoginOptions{
			Enabled:  c.DevLogin.Enabled,
			Database: c.DevLogin.Database,
			Secret:   c.DevLogin.Secret,
			TTL:      c.DevLogin.TTL,
		},
		ProbeTimeout:    c.Server.ProbeTimeout,
		ShutdownTimeout: c.Server.ShutdownTimeout,
		Debug:           c.Gateway.Debug,
	}
}
