package admin

import (
	"net/http"
	"runtime"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/garden-chat/internal/json"
	"github.com/lk2023060901/garden-chat/internal/registry"
)

// SessionView 为 /debug/sessions 中单个会话的展示结构。
type SessionView struct {
	ID          uint64    `json:"id"`
	State       string    `json:"state"`
	Nickname    string    `json:"nickname,omitempty"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// GroupView 为群组及其成员数。
type GroupView struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// PoolView 为 worker 池状态。
type PoolView struct {
	Size     int `json:"size"`
	QueueLen int `json:"queueLen"`
	Active   int `json:"active"`
}

// ProcessView 为进程资源使用情况，采集失败的字段为零值。
type ProcessView struct {
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	NumFDs     int32   `json:"numFds"`
}

// Snapshot 为 /debug/sessions 的响应体。
type Snapshot struct {
	Connections int           `json:"connections"`
	Online      []string      `json:"online"`
	Sessions    []SessionView `json:"sessions"`
	Groups      []GroupView   `json:"groups"`
	Pool        *PoolView     `json:"pool,omitempty"`
	Process     ProcessView   `json:"process"`
}

// Snapshot 采集当前会话、群组、worker 池与进程状态。
func (s *Server) Snapshot() Snapshot {
	sessions := s.reg.Sessions()
	snap := Snapshot{
		Connections: len(sessions),
		Online:      s.reg.OnlineNicknames(),
		Sessions: lo.Map(sessions, func(sess registry.Session, _ int) SessionView {
			return SessionView{
				ID:          uint64(sess.ID),
				State:       sess.State.String(),
				Nickname:    sess.Nickname,
				RemoteAddr:  sess.RemoteAddr,
				ConnectedAt: sess.ConnectedAt,
			}
		}),
		Groups: lo.Map(s.reg.GroupNames(), func(name string, _ int) GroupView {
			return GroupView{Name: name, Members: len(s.reg.MembersOf(name))}
		}),
		Process: s.processView(),
	}
	if s.pool != nil {
		snap.Pool = &PoolView{
			Size:     s.pool.Size(),
			QueueLen: s.pool.QueueLen(),
			Active:   s.pool.Active(),
		}
	}
	return snap
}

func (s *Server) processView() ProcessView {
	view := ProcessView{Goroutines: runtime.NumGoroutine()}
	if s.proc == nil {
		return view
	}
	if mem, err := s.proc.MemoryInfo(); err == nil {
		view.RSSBytes = mem.RSS
	}
	if pct, err := s.proc.CPUPercent(); err == nil {
		view.CPUPercent = pct
	}
	if n, err := s.proc.NumFDs(); err == nil {
		view.NumFDs = n
	}
	return view
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		s.Logger().Warn("failed to encode session snapshot", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
