// Package store 基于 SQLite 持久化用户凭据与聊天消息。
package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/lk2023060901/garden-chat/internal/chat"
	"github.com/lk2023060901/garden-chat/pkg/log"
	"github.com/lk2023060901/garden-chat/pkg/util/merr"
	"github.com/lk2023060901/garden-chat/pkg/util/retry"
)

const driverName = "sqlite3"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender TEXT NOT NULL,
		receiver TEXT NOT NULL,
		content TEXT NOT NULL,
		type TEXT NOT NULL,
		timestamp TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL
	)`,
}

// Option 为 SQLiteStore 的可选参数。
type Option func(*SQLiteStore)

// WithClock 替换写入消息时使用的时钟。
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// WithBusyTimeout 设置 SQLite 忙等待超时。
func WithBusyTimeout(d time.Duration) Option {
	return func(s *SQLiteStore) {
		s.busyTimeout = d
	}
}

// SQLiteStore 实现 chat.Store。
//
// 特性：
//   - 只保留一个底层连接，所有读写在驱动内串行执行；
//   - 使用 WAL 日志模式，并在数据库繁忙时由驱动等待 busyTimeout；
//   - 用户名区分大小写且唯一，重复注册返回 (false, nil)。
type SQLiteStore struct {
	db          *sql.DB
	path        string
	now         func() time.Time
	busyTimeout time.Duration
}

// 确保 SQLiteStore 实现了 chat.Store 接口。
var _ chat.Store = (*SQLiteStore)(nil)

// Open 打开（必要时创建）path 处的数据库并建表。
// 数据库被其它进程锁定时按 retry 默认策略重试，最终失败返回 merr.ErrStoreOpen。
func Open(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, merr.WrapErrParameterMissing("store path")
	}
	s := &SQLiteStore{
		path:        path,
		now:         time.Now,
		busyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=" + strconv.FormatInt(s.busyTimeout.Milliseconds(), 10)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, merr.WrapErrStoreOpen(path, err)
	}
	db.SetMaxOpenConns(1)

	err = retry.Do(ctx, func() error {
		if err := db.PingContext(ctx); err != nil {
			return classify("ping", err)
		}
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return classify("create schema", err)
			}
		}
		return nil
	}, retry.Attempts(5), retry.Sleep(100*time.Millisecond), retry.RetryErr(merr.IsRetryableErr))
	if err != nil {
		_ = db.Close()
		return nil, merr.WrapErrStoreOpen(path, err)
	}

	s.db = db
	log.Ctx(ctx).Info("store opened", zap.String("path", path))
	return s, nil
}

// Path 返回数据库文件路径。
func (s *SQLiteStore) Path() string {
	return s.path
}

// InsertMessage 实现 chat.Store.InsertMessage。
func (s *SQLiteStore) InsertMessage(ctx context.Context, sender, receiver, content string, typ chat.MessageType) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (sender, receiver, content, type, timestamp) VALUES (?, ?, ?, ?, ?)`,
		sender, receiver, content, string(typ), s.now().Format(chat.TimestampLayout))
	if err != nil {
		return merr.WrapErrStoreIO("insert message", err)
	}
	return nil
}

// RecentMessages 实现 chat.Store.RecentMessages。
func (s *SQLiteStore) RecentMessages(ctx context.Context, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, receiver, content, type, timestamp FROM messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, merr.WrapErrStoreIO("query messages", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, limit)
	for rows.Next() {
		var (
			m   chat.Message
			typ string
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Content, &typ, &m.Timestamp); err != nil {
			return nil, merr.WrapErrStoreIO("scan message", err)
		}
		m.Type = chat.MessageType(typ)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, merr.WrapErrStoreIO("iterate messages", err)
	}
	return messages, nil
}

// InsertUser 实现 chat.Store.InsertUser。
func (s *SQLiteStore) InsertUser(ctx context.Context, username, passwordHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (username, password_hash) VALUES (?, ?)`, username, passwordHash)
	if err != nil {
		return false, merr.WrapErrStoreIO("insert user", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, merr.WrapErrStoreIO("insert user", err)
	}
	return n == 1, nil
}

// UserPasswordHash 实现 chat.Store.UserPasswordHash。
func (s *SQLiteStore) UserPasswordHash(ctx context.Context, username string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM users WHERE username = ?`, username).Scan(&hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", merr.WrapErrUserNotFound(username)
	case err != nil:
		return "", merr.WrapErrStoreIO("query user", err)
	}
	return hash, nil
}

// Close 实现 chat.Store.Close。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classify 将数据库忙或被锁定的错误标记为可重试的 merr.ErrStoreIO，其余错误不再重试。
func classify(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return merr.WrapErrStoreIO(op, err)
	}
	return retry.Unrecoverable(err)
}
