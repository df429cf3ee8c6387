package registry

import (
	"strconv"
	"time"

	"github.com/valyala/bytebufferpool"
)

// ConnID 标识一条客户端连接。
// 由事件循环在 accept 时从单调递增计数器分配，进程生命周期内不会复用。
type ConnID uint64

func (id ConnID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// State 为会话的认证状态。
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Peer 是向某条连接投递数据的句柄，由网络层实现。
//
// 要求：
//   - Send 可被多个 goroutine 并发调用，单次调用写出的数据不会与其它调用交错；
//   - 连接关闭后 Send 返回错误；
//   - Close 幂等。
type Peer interface {
	Send(msg []byte) error
	Close() error
	RemoteAddr() string
}

// Session 是某条连接会话状态的只读快照。
// 不变量：Nickname 非空当且仅当 State 为 StateAuthenticated。
type Session struct {
	ID          ConnID
	State       State
	Nickname    string
	RemoteAddr  string
	ConnectedAt time.Time
}

// Authenticated 返回会话是否已登录。
func (s Session) Authenticated() bool {
	return s.State == StateAuthenticated
}

// Input 是连接的输入状态，仅由处理该连接读事件的 worker 原地修改。
type Input struct {
	// Buf 保存尚未组成完整行的数据。
	Buf *bytebufferpool.ByteBuffer
	// Discarding 为 true 时，直到下一个 '\n' 之前的数据都属于已丢弃的超长行。
	Discarding bool
}

// entry 为注册表内部持有的会话记录。
type entry struct {
	Session
	peer  Peer
	input *Input
}

func newEntry(id ConnID, peer Peer) *entry {
	return &entry{
		Session: Session{
			ID:          id,
			State:       StateUnauthenticated,
			RemoteAddr:  peer.RemoteAddr(),
			ConnectedAt: time.Now(),
		},
		peer:  peer,
		input: &Input{Buf: &bytebufferpool.ByteBuffer{}},
	}
}
