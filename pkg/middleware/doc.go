// Package middleware はゲートウェイのGinエンジンで使用する共通ミドルウェアを提供する。
//
// 管理APIのBearerトークン検証、開発用トークンの発行、リクエストID付与、
// パニックリカバリ、CORS設定を含む。
package middleware
