package roomstorage

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"

	"roomquill/luvtext/common"
)

// Value는 저장소에 기록되는 JSON 값입니다.
type Value = json.RawMessage

// Change는 하나의 키에 대한 변경 전후 값입니다.
// 값이 nil이면 키가 없다는 뜻입니다. JSON null은 저장된 값입니다.
type Change struct {
	OldValue json.RawMessage `json:"old,omitempty"`
	NewValue json.RawMessage `json:"new,omitempty"`
}

// Deleted는 변경으로 키가 삭제되었는지 여부를 반환합니다.
func (c Change) Deleted() bool {
	return c.NewValue == nil
}

// Diff는 한 번의 상태 변경으로 바뀐 키들의 집합입니다.
type Diff map[string]Change

// Keys는 정렬된 키 목록을 반환합니다.
func (d Diff) Keys() []string {
	keys := make([]string, 0, len(d))
	for key := range d {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Listener는 상태 변경 알림을 받는 함수입니다.
type Listener func(diff Diff)

// Storage는 룸 참여자 모두가 공유하는 키-값 저장소의 한 네임스페이스입니다.
type Storage interface {
	// State는 현재 상태의 복사본을 반환합니다.
	State() map[string]json.RawMessage

	// SetState는 여러 키를 한 번에 기록합니다. nil 값은 키를 삭제합니다.
	SetState(partial map[string]json.RawMessage) error

	// EmptyStorage는 네임스페이스의 모든 키를 삭제합니다.
	EmptyStorage() error

	// AddStateChangedListener는 변경 리스너를 등록하고 해제 함수를 반환합니다.
	// 자신이 기록한 변경도 알림으로 전달됩니다.
	AddStateChangedListener(fn Listener) func()

	// Destroy는 리스너와 구독을 정리합니다.
	Destroy()
}

// Poster는 원격 이벤트를 클라이언트의 단일 실행 흐름으로 넘기는 인터페이스입니다.
type Poster interface {
	Post(fn func())
}

// Decode는 저장된 값을 T로 해석합니다.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if raw == nil {
		return v, common.ErrDecode{Kind: "storage value"}
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, common.ErrDecode{Kind: "storage value", Err: err}
	}
	return v, nil
}

// Encode는 값을 저장 가능한 JSON으로 변환합니다.
func Encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// MustEncode는 Encode와 같지만 실패하면 패닉을 일으킵니다. 문자열처럼 항상 인코딩되는 값에 사용합니다.
func MustEncode(v any) json.RawMessage {
	raw, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return raw
}

// IsNull은 값이 JSON null인지 확인합니다.
func IsNull(raw json.RawMessage) bool {
	return raw != nil && bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// applyPartial은 partial을 state에 반영하고 실제로 바뀐 키만 담은 Diff를 반환합니다.
func applyPartial(state map[string]json.RawMessage, partial map[string]json.RawMessage) Diff {
	diff := Diff{}
	for key, value := range partial {
		old, exists := state[key]
		if value == nil {
			if exists {
				delete(state, key)
				diff[key] = Change{OldValue: old}
			}
			continue
		}
		if exists && bytes.Equal(old, value) {
			continue
		}
		stored := append(json.RawMessage(nil), value...)
		state[key] = stored
		diff[key] = Change{OldValue: old, NewValue: stored}
	}
	return diff
}

// clearState는 state를 비우고 삭제된 키의 Diff를 반환합니다.
func clearState(state map[string]json.RawMessage) Diff {
	diff := Diff{}
	for key, old := range state {
		diff[key] = Change{OldValue: old}
		delete(state, key)
	}
	return diff
}

func copyState(state map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(state))
	for key, value := range state {
		out[key] = value
	}
	return out
}

// listenerSet은 등록 순서대로 호출되는 리스너 목록입니다.
type listenerSet struct {
	mu      sync.Mutex
	entries []listenerEntry
	next    int
}

type listenerEntry struct {
	id int
	fn Listener
}

func (s *listenerSet) add(fn Listener) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.entries = append(s.entries, listenerEntry{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, entry := range s.entries {
				if entry.id == id {
					s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *listenerSet) emit(diff Diff) {
	if len(diff) == 0 {
		return
	}
	s.mu.Lock()
	entries := make([]listenerEntry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	for _, entry := range entries {
		entry.fn(diff)
	}
}

func (s *listenerSet) clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}
