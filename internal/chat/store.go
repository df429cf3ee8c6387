package chat

import (
	"context"
	"time"

	"go.uber.org/zap/zapcore"
)

// MessageType 为持久化消息的类型。
type MessageType string

const (
	MessageBroadcast MessageType = "broadcast"
	MessagePrivate   MessageType = "private"
	MessageGroup     MessageType = "group"
)

// BroadcastReceiver 为广播消息的接收方标记。
const BroadcastReceiver = "all"

// TimestampLayout 为消息时间戳的存储格式（本地时间）。
const TimestampLayout = "2006-01-02 15:04:05"

// Message 为一条持久化的聊天消息。
// Receiver 为用户名、群组名或 BroadcastReceiver。
type Message struct {
	ID        int64
	Sender    string
	Receiver  string
	Content   string
	Type      MessageType
	Timestamp string
}

// Time 解析 Timestamp，格式错误时返回零值。
func (m Message) Time() time.Time {
	t, err := time.ParseInLocation(TimestampLayout, m.Timestamp, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Store 为用户凭据与消息的持久化存储。
//
// 要求：
//   - 所有方法都可以被多个 worker 并发调用；
//   - RecentMessages 按时间由新到旧返回至多 limit 条消息；
//   - InsertUser 在用户名已存在时返回 (false, nil)；
//   - UserPasswordHash 在用户不存在时返回 merr.ErrUserNotFound。
type Store interface {
	InsertMessage(ctx context.Context, sender, receiver, content string, typ MessageType) error
	RecentMessages(ctx context.Context, limit int) ([]Message, error)
	InsertUser(ctx context.Context, username, passwordHash string) (bool, error)
	UserPasswordHash(ctx context.Context, username string) (string, error)
	Close() error
}

// PasswordHasher 为可替换的单向口令哈希。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) bool
}

// MarshalLogObject 实现 zapcore.ObjectMarshaler。
func (m Message) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("id", m.ID)
	enc.AddString("sender", m.Sender)
	enc.AddString("receiver", m.Receiver)
	enc.AddString("type", string(m.Type))
	enc.AddInt("contentLen", len(m.Content))
	enc.AddString("timestamp", m.Timestamp)
	return nil
}
