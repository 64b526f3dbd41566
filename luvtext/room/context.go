package room

import (
	"slices"
	"sort"
	"sync"

	"roomquill/luvtext/roomstorage"
)

// Payload는 룸 멤버의 공개 정보입니다.
type Payload struct {
	UID      string `json:"uid"`
	NickName string `json:"nickName,omitempty"`
}

// MemberState는 멤버의 화이트보드 상태입니다.
type MemberState struct {
	// StrokeColor는 RGB 값입니다. 호스트가 주지 않으면 비어 있습니다.
	StrokeColor []int `json:"strokeColor,omitempty"`
}

// Member는 룸에 참여 중인 사용자입니다.
type Member struct {
	Payload     Payload     `json:"payload"`
	MemberState MemberState `json:"memberState"`
}

// UID는 멤버의 사용자 ID를 반환합니다.
func (m Member) UID() string {
	return m.Payload.UID
}

// Scheduler는 현재 작업이 끝난 뒤에 실행할 작업을 예약합니다.
// NextTick으로 넘긴 함수는 호출한 자리에서 동기적으로 실행되지 않습니다.
type Scheduler interface {
	NextTick(fn func())
}

// Context는 에디터가 룸 호스트에게서 받는 기능의 집합입니다.
type Context interface {
	// UID는 현재 사용자의 ID를 반환합니다. 비어 있을 수 있습니다.
	UID() string

	// IsWritable은 현재 사용자가 룸 저장소에 쓸 수 있는지 여부를 반환합니다.
	IsWritable() bool

	// OnWritableChange는 쓰기 권한 변경 리스너를 등록하고 해제 함수를 반환합니다.
	OnWritableChange(fn func(writable bool)) func()

	// Members는 현재 멤버 목록을 반환합니다.
	Members() []Member

	// OnMembersChange는 멤버 변경 리스너를 등록하고 해제 함수를 반환합니다.
	OnMembersChange(fn func(members []Member)) func()

	// CreateStorage는 네임스페이스 저장소 핸들을 생성합니다.
	CreateStorage(namespace string) (roomstorage.Storage, error)

	// Scheduler는 다음 틱 실행기를 반환합니다.
	Scheduler() Scheduler
}

// FindMember는 uid에 해당하는 멤버를 찾습니다.
func FindMember(members []Member, uid string) (Member, bool) {
	for _, m := range members {
		if m.UID() == uid {
			return m, true
		}
	}
	return Member{}, false
}

// sortMembers는 멤버를 UID 순으로 정렬합니다.
func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].UID() < members[j].UID()
	})
}

func sameMembers(a, b []Member) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Payload != b[i].Payload || !slices.Equal(a[i].MemberState.StrokeColor, b[i].MemberState.StrokeColor) {
			return false
		}
	}
	return true
}

// listeners는 등록 순서대로 호출되는 리스너 목록입니다.
type listeners[T any] struct {
	mu      sync.Mutex
	entries []listenerEntry[T]
	next    int
}

type listenerEntry[T any] struct {
	id int
	fn func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	id := l.next
	l.next++
	l.entries = append(l.entries, listenerEntry[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, entry := range l.entries {
				if entry.id == id {
					l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	entries := make([]listenerEntry[T], len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	for _, entry := range entries {
		entry.fn(v)
	}
}

func (l *listeners[T]) clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}
