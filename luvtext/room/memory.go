package room

import (
	"sync"

	"roomquill/luvtext/roomstorage"
)

// MemoryRoom은 한 프로세스 안의 클라이언트들이 공유하는 룸입니다.
type MemoryRoom struct {
	mu      sync.Mutex
	hub     *roomstorage.MemoryHub
	members []Member
	clients []*MemoryClient
}

// NewMemoryRoom은 새 메모리 룸을 생성합니다.
func NewMemoryRoom(opts ...roomstorage.HubOption) *MemoryRoom {
	return &MemoryRoom{
		hub: roomstorage.NewMemoryHub(opts...),
	}
}

// Hub는 룸의 저장소 허브를 반환합니다.
func (r *MemoryRoom) Hub() *roomstorage.MemoryHub {
	return r.hub
}

// Members는 현재 멤버 목록을 반환합니다.
func (r *MemoryRoom) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Member(nil), r.members...)
}

// Join은 멤버를 추가하고 그 멤버의 클라이언트를 반환합니다.
// 같은 UID가 이미 있으면 멤버 정보를 교체합니다.
func (r *MemoryRoom) Join(member Member, writable bool) *MemoryClient {
	c := &MemoryClient{
		room:     r,
		uid:      member.UID(),
		writable: writable,
		loop:     NewLoop(),
	}

	r.mu.Lock()
	r.clients = append(r.clients, c)
	r.mu.Unlock()

	r.AddMember(member)
	return c
}

// AddMember는 클라이언트 없이 멤버 목록만 갱신합니다.
func (r *MemoryRoom) AddMember(member Member) {
	r.update(func(members []Member) []Member {
		for i, m := range members {
			if m.UID() == member.UID() {
				members[i] = member
				return members
			}
		}
		return append(members, member)
	})
}

// Leave는 멤버를 목록에서 제거합니다. 클라이언트 자체는 닫지 않습니다.
func (r *MemoryRoom) Leave(uid string) {
	r.update(func(members []Member) []Member {
		out := members[:0]
		for _, m := range members {
			if m.UID() != uid {
				out = append(out, m)
			}
		}
		return out
	})
}

func (r *MemoryRoom) update(fn func([]Member) []Member) {
	r.mu.Lock()
	before := append([]Member(nil), r.members...)
	r.members = fn(r.members)
	sortMembers(r.members)
	if sameMembers(before, r.members) {
		r.mu.Unlock()
		return
	}
	members := append([]Member(nil), r.members...)
	clients := append([]*MemoryClient(nil), r.clients...)
	r.mu.Unlock()

	for _, c := range clients {
		c.memberListeners.emit(append([]Member(nil), members...))
	}
}

// MemoryClient는 MemoryRoom에 참여한 한 클라이언트의 Context 구현입니다.
type MemoryClient struct {
	room     *MemoryRoom
	uid      string
	loop     *Loop
	mu       sync.Mutex
	writable bool

	writableListeners listeners[bool]
	memberListeners   listeners[[]Member]
}

var _ Context = (*MemoryClient)(nil)

// UID는 사용자 ID를 반환합니다.
func (c *MemoryClient) UID() string {
	return c.uid
}

// IsWritable은 쓰기 가능 여부를 반환합니다.
func (c *MemoryClient) IsWritable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writable
}

// SetWritable은 쓰기 권한을 바꾸고 값이 바뀌었으면 리스너에 알립니다.
func (c *MemoryClient) SetWritable(writable bool) {
	c.mu.Lock()
	changed := c.writable != writable
	c.writable = writable
	c.mu.Unlock()

	if changed {
		c.writableListeners.emit(writable)
	}
}

// OnWritableChange는 쓰기 권한 변경 리스너를 등록합니다.
func (c *MemoryClient) OnWritableChange(fn func(writable bool)) func() {
	return c.writableListeners.add(fn)
}

// Members는 룸의 멤버 목록을 반환합니다.
func (c *MemoryClient) Members() []Member {
	return c.room.Members()
}

// OnMembersChange는 멤버 변경 리스너를 등록합니다.
func (c *MemoryClient) OnMembersChange(fn func(members []Member)) func() {
	return c.memberListeners.add(fn)
}

// CreateStorage는 룸 허브의 네임스페이스 핸들을 생성합니다.
func (c *MemoryClient) CreateStorage(namespace string) (roomstorage.Storage, error) {
	return c.room.hub.CreateStorage(namespace), nil
}

// Scheduler는 클라이언트 루프를 반환합니다.
func (c *MemoryClient) Scheduler() Scheduler {
	return c.loop
}

// Loop는 클라이언트 루프를 반환합니다.
func (c *MemoryClient) Loop() *Loop {
	return c.loop
}

// Close는 클라이언트를 룸에서 분리하고 리스너를 정리합니다.
func (c *MemoryClient) Close() {
	c.room.mu.Lock()
	for i, other := range c.room.clients {
		if other == c {
			c.room.clients = append(c.room.clients[:i:i], c.room.clients[i+1:]...)
			break
		}
	}
	c.room.mu.Unlock()

	c.writableListeners.clear()
	c.memberListeners.clear()
}
