// Package gateway は複数アプリケーションを1つのホストの背後で束ねるルーティング・認証ゲートウェイを提供する。
//
// 静的なルーティングテーブル（アプリケーションごとのbasePath、ポート、認証要否、
// 認証除外パス）を保持し、受信した各リクエストに対して次のいずれか1つを判定する。
//
//   - パススルー: リクエストを変更せずに通常処理を続ける
//   - ログインページへのリダイレクト
//   - アプリケーションのホームへのリダイレクト
//   - 同一ホストの別ポートへのプロキシ書き換え
//
// 認証はCookie "<アプリケーション名>-auth" の有無のみで判定し、値は検証しない。
// ルーター自体はCookieの発行・削除やログ出力を行わない純粋な判定処理であり、
// 判定結果の適用（リダイレクト応答や転送）はServerが担う。
//
// プロキシ書き換えの転送先は、受信したHostヘッダーのポートだけをアプリケーションの
// ポートに置き換えたものになる。Hostヘッダーはクライアントが自由に指定できるため、
// ゲートウェイへ直接到達できるクライアントは任意のホストのアプリケーションポートへ
// 接続させることができる。ゲートウェイはHostヘッダーを固定するリバースプロキシや
// ロードバランサーの背後で動かし、外部から直接公開しないこと。
// X-Forwarded-Protoはhttpとhttps以外を無視する。
package gateway
