package chat

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Viewer 描述查看历史消息的用户。
type Viewer struct {
	Nickname string
	// IsMember 判断查看者当前连接是否属于某个群组。
	IsMember func(group string) bool
}

// Visible 判断消息对查看者是否可见：
// 广播总是可见；私聊仅收发双方可见；群聊仅当前群成员可见。
func Visible(m Message, v Viewer) bool {
	switch m.Type {
	case MessageBroadcast:
		return true
	case MessagePrivate:
		return m.Sender == v.Nickname || m.Receiver == v.Nickname
	case MessageGroup:
		return v.IsMember != nil && v.IsMember(m.Receiver)
	default:
		return false
	}
}

// FilterHistory 过滤出对查看者可见的消息，并将由新到旧的输入转换为由旧到新。
func FilterHistory(recent []Message, v Viewer) []Message {
	visible := lo.Filter(recent, func(m Message, _ int) bool {
		return Visible(m, v)
	})
	return lo.Reverse(visible)
}

// RenderMessage 将一条历史消息渲染为单行文本。
func RenderMessage(m Message) string {
	var body string
	switch m.Type {
	case MessagePrivate:
		body = fmt.Sprintf("[PM %s -> %s]: %s", m.Sender, m.Receiver, m.Content)
	case MessageGroup:
		body = groupLine(m.Receiver, m.Sender, m.Content)
	default:
		body = broadcastLine(m.Sender, m.Content)
	}
	return fmt.Sprintf("[%s] %s", m.Timestamp, body)
}

// renderHistory 生成历史消息回复，第一行为标题。
func renderHistory(messages []Message) string {
	if len(messages) == 0 {
		return historyPrefix + "No messages yet."
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%sLast %d message(s):", historyPrefix, len(messages)))
	for _, m := range messages {
		sb.WriteString("\n")
		sb.WriteString(RenderMessage(m))
	}
	return sb.String()
}
