package registry

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/lk2023060901/garden-chat/pkg/util/merr"
	"github.com/lk2023060901/garden-chat/pkg/util/typeutil"
)

// Registry 维护所有连接的会话状态、在线昵称索引与群组成员关系。
//
// 职责说明：
//   - 所有方法都可以被多个 goroutine 并发调用；
//   - 不直接创建或关闭底层连接，只保存投递句柄 Peer；
//   - 对外返回的切片、Session 均为拷贝，调用方修改不会影响注册表。
type Registry interface {
	// AddConnection 为新连接创建一个未认证会话。
	// id 已存在时返回 merr.ErrConnectionExists。
	AddConnection(id ConnID, peer Peer) error

	// RemoveConnection 移除连接：先删除昵称索引，再从所有群组中剔除，最后删除会话。
	// 对未知 id 幂等，返回 false。
	RemoveConnection(id ConnID) (Session, bool)

	// Authenticate 将会话标记为已登录并绑定昵称。
	//
	// 错误：
	//   - merr.ErrConnectionNotFound：连接不存在；
	//   - merr.ErrAlreadyAuthenticated：该连接已登录；
	//   - merr.ErrAlreadyOnline：昵称已被其它连接占用，状态不变。
	Authenticate(id ConnID, nickname string) error

	// Logout 解除昵称绑定，保留连接。返回原昵称。
	Logout(id ConnID) (string, error)

	LookupByNickname(nickname string) (ConnID, bool)
	IsAuthenticated(id ConnID) bool
	NicknameOf(id ConnID) string

	// Get 返回会话快照。
	Get(id ConnID) (Session, bool)
	// Peer 返回连接的投递句柄。
	Peer(id ConnID) (Peer, bool)
	// Input 返回连接的输入状态本身（非拷贝）。
	Input(id ConnID) (*Input, bool)

	// SnapshotConnections 返回当前全部连接 id，按升序排列。
	SnapshotConnections() []ConnID
	// Sessions 返回当前全部会话快照，按 id 升序排列。
	Sessions() []Session
	// OnlineNicknames 返回当前全部在线昵称，按字典序排列。
	OnlineNicknames() []string

	// CreateGroup 创建空群组，已存在时返回 merr.ErrGroupAlreadyExists。
	CreateGroup(name string) error
	// JoinGroup 将连接加入群组。
	// 群组不存在返回 merr.ErrNoSuchGroup，已是成员返回 merr.ErrAlreadyMember。
	JoinGroup(name string, id ConnID) error
	IsMember(name string, id ConnID) bool
	// MembersOf 返回群组成员快照，按升序排列；群组不存在时返回 nil。
	MembersOf(name string) []ConnID
	// GroupRecipients 返回 sender 向群组发言时的接收者（不含 sender），按升序排列。
	// 群组不存在返回 merr.ErrNoSuchGroup，sender 不是成员返回 merr.ErrNotMember。
	GroupRecipients(name string, sender ConnID) ([]ConnID, error)
	GroupNames() []string

	Count() int
	OnlineCount() int
}

// BaseRegistry 提供了基于内存 map 的 Registry 实现。
//
// 特性：
//   - 使用读写锁保证并发安全，读操作共享、写操作独占；
//   - 昵称索引中的每一项都指向一个持有该昵称且已登录的会话；
//   - 删除与登出时先删索引、后改会话，索引不会悬空。
type BaseRegistry struct {
	mu        sync.RWMutex
	sessions  map[ConnID]*entry
	nicknames map[string]ConnID
	groups    map[string]typeutil.Set[ConnID]
}

// 确保 BaseRegistry 实现了 Registry 接口。
var _ Registry = (*BaseRegistry)(nil)

// NewBaseRegistry 创建一个空的 BaseRegistry。
func NewBaseRegistry() *BaseRegistry {
	return &BaseRegistry{
		sessions:  make(map[ConnID]*entry),
		nicknames: make(map[string]ConnID),
		groups:    make(map[string]typeutil.Set[ConnID]),
	}
}

// AddConnection 实现 Registry.AddConnection。
func (r *BaseRegistry) AddConnection(id ConnID, peer Peer) error {
	if peer == nil {
		return merr.WrapErrParameterMissing("peer")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return merr.WrapErrConnectionExists(uint64(id))
	}
	r.sessions[id] = newEntry(id, peer)
	return nil
}

// RemoveConnection 实现 Registry.RemoveConnection。
func (r *BaseRegistry) RemoveConnection(id ConnID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	if e.Authenticated() {
		if owner, indexed := r.nicknames[e.Nickname]; indexed && owner == id {
			delete(r.nicknames, e.Nickname)
		}
	}
	for _, members := range r.groups {
		members.Remove(id)
	}
	delete(r.sessions, id)
	return e.Session, true
}

// Authenticate 实现 Registry.Authenticate。
func (r *BaseRegistry) Authenticate(id ConnID, nickname string) error {
	if nickname == "" {
		return merr.WrapErrParameterMissing("nickname")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return merr.WrapErrConnectionNotFound(uint64(id), "authenticate")
	}
	if e.Authenticated() {
		return merr.WrapErrAlreadyAuthenticated(uint64(id), e.Nickname)
	}
	if _, online := r.nicknames[nickname]; online {
		return merr.WrapErrAlreadyOnline(nickname)
	}
	r.nicknames[nickname] = id
	e.Nickname = nickname
	e.State = StateAuthenticated
	return nil
}

// Logout 实现 Registry.Logout。
func (r *BaseRegistry) Logout(id ConnID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return "", merr.WrapErrConnectionNotFound(uint64(id), "logout")
	}
	if !e.Authenticated() {
		return "", merr.WrapErrNotAuthenticated(uint64(id))
	}
	nickname := e.Nickname
	if owner, indexed := r.nicknames[nickname]; indexed && owner == id {
		delete(r.nicknames, nickname)
	}
	e.Nickname = ""
	e.State = StateUnauthenticated
	return nickname, nil
}

// LookupByNickname 实现 Registry.LookupByNickname。
func (r *BaseRegistry) LookupByNickname(nickname string) (ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.nicknames[nickname]
	return id, ok
}

// IsAuthenticated 实现 Registry.IsAuthenticated。
func (r *BaseRegistry) IsAuthenticated(id ConnID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	return ok && e.Authenticated()
}

// NicknameOf 实现 Registry.NicknameOf。未登录或不存在时返回空串。
func (r *BaseRegistry) NicknameOf(id ConnID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.sessions[id]; ok {
		return e.Nickname
	}
	return ""
}

// Get 实现 Registry.Get。
func (r *BaseRegistry) Get(id ConnID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.Session, true
}

// Peer 实现 Registry.Peer。
func (r *BaseRegistry) Peer(id ConnID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.peer, true
}

// Input 实现 Registry.Input。
func (r *BaseRegistry) Input(id ConnID) (*Input, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.input, true
}

// SnapshotConnections 实现 Registry.SnapshotConnections。
func (r *BaseRegistry) SnapshotConnections() []ConnID {
	r.mu.RLock()
	ids := lo.Keys(r.sessions)
	r.mu.RUnlock()

	sortConnIDs(ids)
	return ids
}

// Sessions 实现 Registry.Sessions。
func (r *BaseRegistry) Sessions() []Session {
	r.mu.RLock()
	snapshot := lo.MapToSlice(r.sessions, func(_ ConnID, e *entry) Session {
		return e.Session
	})
	r.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	return snapshot
}

// OnlineNicknames 实现 Registry.OnlineNicknames。
func (r *BaseRegistry) OnlineNicknames() []string {
	r.mu.RLock()
	names := lo.Keys(r.nicknames)
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// CreateGroup 实现 Registry.CreateGroup。
func (r *BaseRegistry) CreateGroup(name string) error {
	if name == "" {
		return merr.WrapErrParameterMissing("group")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[name]; exists {
		return merr.WrapErrGroupAlreadyExists(name)
	}
	r.groups[name] = typeutil.NewSet[ConnID]()
	return nil
}

// JoinGroup 实现 Registry.JoinGroup。
func (r *BaseRegistry) JoinGroup(name string, id ConnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[name]
	if !ok {
		return merr.WrapErrNoSuchGroup(name, "join")
	}
	if _, exists := r.sessions[id]; !exists {
		return merr.WrapErrConnectionNotFound(uint64(id), "join group")
	}
	if members.Contain(id) {
		return merr.WrapErrAlreadyMember(name, uint64(id))
	}
	members.Insert(id)
	return nil
}

// IsMember 实现 Registry.IsMember。
func (r *BaseRegistry) IsMember(name string, id ConnID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.groups[name]
	return ok && members.Contain(id)
}

// MembersOf 实现 Registry.MembersOf。
func (r *BaseRegistry) MembersOf(name string) []ConnID {
	r.mu.RLock()
	members, ok := r.groups[name]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	ids := members.Collect()
	r.mu.RUnlock()

	sortConnIDs(ids)
	return ids
}

// GroupRecipients 实现 Registry.GroupRecipients。
func (r *BaseRegistry) GroupRecipients(name string, sender ConnID) ([]ConnID, error) {
	r.mu.RLock()
	members, ok := r.groups[name]
	if !ok {
		r.mu.RUnlock()
		return nil, merr.WrapErrNoSuchGroup(name, "send to group")
	}
	if !members.Contain(sender) {
		r.mu.RUnlock()
		return nil, merr.WrapErrNotMember(name, uint64(sender))
	}
	ids := lo.Without(members.Collect(), sender)
	r.mu.RUnlock()

	sortConnIDs(ids)
	return ids, nil
}

// GroupNames 实现 Registry.GroupNames。
func (r *BaseRegistry) GroupNames() []string {
	r.mu.RLock()
	names := lo.Keys(r.groups)
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Count 实现 Registry.Count。
func (r *BaseRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// OnlineCount 实现 Registry.OnlineCount。
func (r *BaseRegistry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nicknames)
}

func sortConnIDs(ids []ConnID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
