package roomstorage

import (
	"encoding/json"
	"sync"

	"roomquill/luvtext/common"
)

// MemoryHub는 한 프로세스 안에서 여러 클라이언트가 공유하는 메모리 저장소입니다.
// 시뮬레이션과 테스트에서 룸 저장소 복제를 대신합니다.
type MemoryHub struct {
	mu         sync.Mutex
	namespaces map[string]*memoryNamespace

	// manual이 true이면 변경 알림은 Flush가 호출될 때까지 큐에 쌓입니다.
	manual bool
	queue  []func()
}

// HubOption은 MemoryHub 설정 함수입니다.
type HubOption func(*MemoryHub)

// WithManualDelivery는 변경 알림을 Flush 호출 시점까지 미룹니다.
func WithManualDelivery() HubOption {
	return func(h *MemoryHub) {
		h.manual = true
	}
}

type memoryNamespace struct {
	state   map[string]json.RawMessage
	handles []*MemoryStorage
}

// NewMemoryHub는 새 메모리 허브를 생성합니다.
func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{
		namespaces: make(map[string]*memoryNamespace),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateStorage는 네임스페이스에 대한 클라이언트별 핸들을 생성합니다.
func (h *MemoryHub) CreateStorage(namespace string) *MemoryStorage {
	h.mu.Lock()
	defer h.mu.Unlock()

	ns, ok := h.namespaces[namespace]
	if !ok {
		ns = &memoryNamespace{state: make(map[string]json.RawMessage)}
		h.namespaces[namespace] = ns
	}
	s := &MemoryStorage{hub: h, ns: ns, namespace: namespace}
	ns.handles = append(ns.handles, s)
	return s
}

// Flush는 쌓인 알림을 순서대로 전달합니다. 전달 중에 새로 쌓인 알림도 전달합니다.
// 전달한 알림 수를 반환합니다.
func (h *MemoryHub) Flush() int {
	delivered := 0
	for {
		h.mu.Lock()
		queue := h.queue
		h.queue = nil
		h.mu.Unlock()

		if len(queue) == 0 {
			return delivered
		}
		for _, deliver := range queue {
			deliver()
			delivered++
		}
	}
}

// Pending은 전달 대기 중인 알림 수를 반환합니다.
func (h *MemoryHub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// mutate는 허브 잠금 안에서 상태를 바꾸고 네임스페이스의 모든 핸들에 Diff를 전달합니다.
func (h *MemoryHub) mutate(s *MemoryStorage, fn func(state map[string]json.RawMessage) Diff) error {
	h.mu.Lock()
	if s.closed {
		h.mu.Unlock()
		return common.ErrClosed
	}
	diff := fn(s.ns.state)
	if len(diff) == 0 {
		h.mu.Unlock()
		return nil
	}
	deliveries := make([]func(), 0, len(s.ns.handles))
	for _, handle := range s.ns.handles {
		handle := handle
		deliveries = append(deliveries, func() { handle.listeners.emit(diff) })
	}
	if h.manual {
		h.queue = append(h.queue, deliveries...)
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	for _, deliver := range deliveries {
		deliver()
	}
	return nil
}

// MemoryStorage는 MemoryHub 네임스페이스에 대한 한 클라이언트의 핸들입니다.
type MemoryStorage struct {
	hub       *MemoryHub
	ns        *memoryNamespace
	namespace string
	listeners listenerSet
	closed    bool
}

var _ Storage = (*MemoryStorage)(nil)

// Namespace는 핸들의 네임스페이스 이름을 반환합니다.
func (s *MemoryStorage) Namespace() string {
	return s.namespace
}

// State는 현재 상태의 복사본을 반환합니다.
func (s *MemoryStorage) State() map[string]json.RawMessage {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return copyState(s.ns.state)
}

// SetState는 여러 키를 원자적으로 기록합니다.
func (s *MemoryStorage) SetState(partial map[string]json.RawMessage) error {
	return s.hub.mutate(s, func(state map[string]json.RawMessage) Diff {
		return applyPartial(state, partial)
	})
}

// EmptyStorage는 네임스페이스의 모든 키를 삭제합니다.
func (s *MemoryStorage) EmptyStorage() error {
	return s.hub.mutate(s, clearState)
}

// AddStateChangedListener는 변경 리스너를 등록합니다.
func (s *MemoryStorage) AddStateChangedListener(fn Listener) func() {
	return s.listeners.add(fn)
}

// Destroy는 핸들을 네임스페이스에서 분리합니다. 여러 번 호출해도 안전합니다.
func (s *MemoryStorage) Destroy() {
	s.hub.mu.Lock()
	if !s.closed {
		s.closed = true
		for i, handle := range s.ns.handles {
			if handle == s {
				s.ns.handles = append(s.ns.handles[:i:i], s.ns.handles[i+1:]...)
				break
			}
		}
	}
	s.hub.mu.Unlock()
	s.listeners.clear()
}
