package gateway

import "strings"

// Matcher はリクエストをルーターで評価するかどうかを判定する。
// 一致しないリクエストはルーターを通らずにそのまま処理される。
//
// スキップパスが/で終わる場合はプレフィックスとして、それ以外は
// 完全一致またはそのパス配下として扱う。
type Matcher struct {
	skip []string
}

// NewMatcher は設定からマッチャーを生成する。
// スタンドアロンモードでは各アプリケーションのbasePath配下の静的アセットも除外する。
func NewMatcher(cfg *GatewayConfig) Matcher {
	skip := append([]string(nil), cfg.SkipPaths...)
	if cfg.Mode == ModeStandalone {
		for _, app := range cfg.Apps {
			if app.BasePath == "" || app.BasePath == "/" {
				continue
			}
			for _, p := range cfg.SkipPaths {
				skip = append(skip, strings.TrimSuffix(app.BasePath, "/")+p)
			}
		}
	}
	return Matcher{skip: skip}
}

// With は追加のスキップパスを加えたマッチャーを返す。
func (m Matcher) With(paths ...string) Matcher {
	skip := make([]string, 0, len(m.skip)+len(paths))
	skip = append(skip, m.skip...)
	skip = append(skip, paths...)
	return Matcher{skip: skip}
}

// Match はパスをルーターで評価すべきならtrueを返す。
func (m Matcher) Match(path string) bool {
	for _, s := range m.skip {
		if strings.HasSuffix(s, "/") {
			if strings.HasPrefix(path, s) {
				return false
			}
			continue
		}
		if path == s || strings.HasPrefix(path, s+"/") {
			return false
		}
	}
	return true
}

// SkipPaths はスキップ対象のパス一覧を返す。
func (m Matcher) SkipPaths() []string {
	return append([]string(nil), m.skip...)
}
