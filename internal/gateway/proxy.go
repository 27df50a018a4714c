package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/nao1215/gatekeeper/pkg/middleware"
)

// rewriteTargetKey はプロキシ書き換え先のURLをリクエストのコンテキストに載せるキー。
type rewriteTargetKey struct{}

// withRewriteTarget は書き換え先を載せたリクエストを返す。
func withRewriteTarget(req *http.Request, target *url.URL) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), rewriteTargetKey{}, target))
}

// newRewriteProxy はプロキシ書き換えの判定を完了させるリバースプロキシを生成する。
// 書き換え先はリクエストのコンテキストから取り出し、スキーム・ホスト・パス・クエリをそのまま使う。
func newRewriteProxy(transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target, _ := pr.In.Context().Value(rewriteTargetKey{}).(*url.URL)
			if target == nil {
				return
			}
			pr.Out.URL.Scheme = target.Scheme
			pr.Out.URL.Host = target.Host
			pr.Out.URL.Path = target.Path
			pr.Out.URL.RawPath = target.RawPath
			pr.Out.URL.RawQuery = target.RawQuery
			pr.Out.Host = target.Host
			pr.SetXForwarded()
		},
		Transport:    transport,
		ErrorHandler: proxyErrorHandler,
	}
}

// newLocalProxy はデフォルトアプリケーションのローカル実体へ転送するリバースプロキシを生成する。
// 元のHostヘッダーは保持する。
func newLocalProxy(upstream *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
		},
		Transport:    transport,
		ErrorHandler: proxyErrorHandler,
	}
}

// proxyErrorHandler は転送先との通信失敗を502として返す。
func proxyErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	log.Printf("プロキシエラー: request_id=%s url=%s, error=%v",
		r.Header.Get(middleware.HeaderRequestID), r.URL.Redacted(), err)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "転送先アプリケーションとの通信に失敗しました"})
}
