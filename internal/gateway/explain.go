package gateway

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// defaultExplainHost はホストを含まないパスを説明する際に使うホスト。
const defaultExplainHost = "localhost"

// Explanation は1つのパスに対するルーティング判定の説明。
type Explanation struct {
	// Target は判定対象の絶対URL。
	Target string `json:"target"`
	// Evaluated はマッチャーに一致してルーターが評価したかどうか。
	// 評価しなかった場合もOutcome.Appにはパスを所有するアプリケーションを入れる。
	Evaluated bool `json:"evaluated"`
	// Cookies はリクエストに付与したCookie名。
	Cookies []string `json:"cookies"`
	// Outcome は判定結果。
	Outcome Outcome `json:"outcome"`
	// Location はリダイレクト先または書き換え先。パススルーの場合は空。
	Location string `json:"location,omitempty"`
}

// Explain は任意のURLまたはパスと、存在するCookie名からルーティング判定を説明する。
// 実際のリクエストは送信しない。
func (r *Router) Explain(target string, cookieNames []string) (Explanation, error) {
	if !strings.Contains(target, "://") {
		if !strings.HasPrefix(target, "/") {
			return Explanation{}, fmt.Errorf("パスは/で始まる必要があります: %q", target)
		}
		target = "http://" + defaultExplainHost + target
	}
	u, err := url.Parse(target)
	if err != nil {
		return Explanation{}, fmt.Errorf("URLの解析に失敗: %w", err)
	}

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return Explanation{}, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	if u.Scheme == "https" {
		req.Header.Set("X-Forwarded-Proto", "https")
	}
	for _, name := range cookieNames {
		req.AddCookie(&http.Cookie{Name: name, Value: "1"})
	}

	exp := Explanation{
		Target:    u.String(),
		Evaluated: r.matcher.Match(u.Path),
		Cookies:   append([]string{}, cookieNames...),
		Outcome:   Outcome{Action: ActionPassThrough},
	}
	if !exp.Evaluated {
		if app, ok := r.Resolve(u.Path); ok {
			exp.Outcome.App = app.Name
		}
		return exp, nil
	}
	exp.Outcome = r.Route(req)
	if exp.Outcome.URL != nil {
		exp.Location = exp.Outcome.URL.String()
	}
	return exp, nil
}
