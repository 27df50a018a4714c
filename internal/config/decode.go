package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// appKeys はアプリケーション設定で使えるキー。
var appKeys = map[string]struct{}{
	"login_path":    {},
	"base_path":     {},
	"port":          {},
	"auth_required": {},
	"exclude_paths": {},
}

// AppList は宣言順を保持したアプリケーション一覧。
// 設定ファイルでは名前をキーとするマッピングで記述する。
type AppList []NamedApp

// UnmarshalYAML はマッピングノードを宣言順のままAppListに変換する。
func (l *AppList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: gateway.appsはアプリケーション名をキーとするマッピングで指定してください", value.Line)
	}

	apps := make(AppList, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		if val.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: app %q はマッピングで指定してください", val.Line, key.Value)
		}
		for j := 0; j+1 < len(val.Content); j += 2 {
			field := val.Content[j]
			if _, ok := appKeys[field.Value]; !ok {
				return fmt.Errorf("line %d: app %q に未知のキー %q があります", field.Line, key.Value, field.Value)
			}
		}

		var app AppConfig
		if err := val.Decode(&app); err != nil {
			return fmt.Errorf("app %q: %w", key.Value, err)
		}
		apps = append(apps, NamedApp{Name: key.Value, AppConfig: app})
	}
	*l = apps
	return nil
}

// decodeYAML はYAMLを厳格に解析する。未知のキーはエラーになる。
func decodeYAML(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &cfg, nil
}

// decodeTOML はTOMLを解析する。TOMLのテーブルはマップとして読み込まれ順序を失うため、
// アプリケーションの宣言順はメタデータのキー順から復元する。
func decodeTOML(data string) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Gateway struct {
			Apps map[string]AppConfig `toml:"apps"`
		} `toml:"gateway"`
	}
	appsMD, err := toml.Decode(data, &raw)
	if err != nil {
		return nil, err
	}

	// テーブル、インラインテーブル、ドット区切りキーのいずれで宣言されても
	// アプリケーション名は最初に現れた順に並べる。
	seen := make(map[string]struct{}, len(raw.Gateway.Apps))
	for _, key := range appsMD.Keys() {
		if len(key) < 3 || key[0] != "gateway" || key[1] != "apps" {
			continue
		}
		name := key[2]
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		cfg.Gateway.Apps = append(cfg.Gateway.Apps, NamedApp{Name: name, AppConfig: raw.Gateway.Apps[name]})
	}

	var unknown []string
	for _, key := range md.Undecoded() {
		if len(key) >= 2 && key[0] == "gateway" && key[1] == "apps" {
			continue
		}
		unknown = append(unknown, key.String())
	}
	for _, key := range appsMD.Undecoded() {
		if len(key) >= 4 && key[0] == "gateway" && key[1] == "apps" {
			unknown = append(unknown, key.String())
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("未知のキーがあります: %s", strings.Join(unknown, ", "))
	}
	return &cfg, nil
}
