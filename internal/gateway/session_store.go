package gateway

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nao1215/gatekeeper/pkg/migration"
)

//go:embed migrations/*.up.sql
var migrationFS embed.FS

// ErrSessionNotFound は開発用セッションが存在しない場合のエラー。
var ErrSessionNotFound = errors.New("開発用セッションが見つかりません")

// DevSession は開発用ログインで発行したセッション。
type DevSession struct {
	ID        string     `json:"id"`
	App       string     `json:"app"`
	Subject   string     `json:"subject"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// SessionStore は開発用セッションをSQLiteに記録する。
type SessionStore struct {
	db *sql.DB
}

// OpenSessionStore はSQLiteデータベースを開いてマイグレーションを適用する。
// dsnには "/data/gateway.db" や ":memory:" を指定する。
func OpenSessionStore(ctx context.Context, dsn string) (*SessionStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは単一ライターのため接続を1本に絞る。:memory:の共有にも必要。
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("PRAGMAの設定に失敗: %w", err)
	}
	if _, err := migration.Run(ctx, db, migrationFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &SessionStore{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// Create はセッションを記録する。
func (s *SessionStore) Create(ctx context.Context, sess DevSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dev_sessions (id, app, subject, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.App, sess.Subject, formatTime(sess.CreatedAt), formatTime(sess.ExpiresAt))
	if err != nil {
		return fmt.Errorf("開発用セッションの記録に失敗: %w", err)
	}
	return nil
}

// Revoke はセッションを失効させる。既に失効済みの場合は何もしない。
func (s *SessionStore) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dev_sessions SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ?`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("開発用セッションの失効に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Get はIDでセッションを取得する。
func (s *SessionStore) Get(ctx context.Context, id string) (DevSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, app, subject, created_at, expires_at, revoked_at FROM dev_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DevSession{}, ErrSessionNotFound
	}
	return sess, err
}

// ListActive は指定時刻で有効なセッションを新しい順に返す。appが空なら全アプリケーションが対象。
func (s *SessionStore) ListActive(ctx context.Context, app string, now time.Time) ([]DevSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, app, subject, created_at, expires_at, revoked_at
		FROM dev_sessions
		WHERE revoked_at IS NULL AND expires_at > ? AND (? = '' OR app = ?)
		ORDER BY created_at DESC, id`,
		formatTime(now), app, app)
	if err != nil {
		return nil, fmt.Errorf("開発用セッションの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := []DevSession{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (DevSession, error) {
	var (
		sess             DevSession
		created, expires string
		revoked          sql.NullString
	)
	if err := r.Scan(&sess.ID, &sess.App, &sess.Subject, &created, &expires, &revoked); err != nil {
		return DevSession{}, err
	}

	var err error
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return DevSession{}, fmt.Errorf("created_atの解析に失敗: %w", err)
	}
	if sess.ExpiresAt, err = time.Parse(time.RFC3339Nano, expires); err != nil {
		return DevSession{}, fmt.Errorf("expires_atの解析に失敗: %w", err)
	}
	if revoked.Valid {
		at, err := time.Parse(time.RFC3339Nano, revoked.String)
		if err != nil {
			return DevSession{}, fmt.Errorf("revoked_atの解析に失敗: %w", err)
		}
		sess.RevokedAt = &at
	}
	return sess, nil
}

// formatTime は辞書順比較できる固定幅のUTC表現に変換する。
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
