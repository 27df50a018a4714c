// Package httpclient はゲートウェイ配下のアプリケーションに問い合わせるHTTPクライアントを提供する。
//
// 各アプリケーションのバックエンドポートに対するヘルスチェックなど、
// ゲートウェイ自身が発行する問い合わせのパターンを統一する。
// 利用者のリクエストの転送には使わない。
package httpclient
