package room

import (
	"context"
	"sync"
)

// Loop는 한 클라이언트의 작업을 순서대로 실행하는 단일 실행 흐름입니다.
// 원격 이벤트, 타이머, 다음 틱 작업은 모두 Post로 들어와 한 번에 하나씩 실행됩니다.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

var _ Scheduler = (*Loop)(nil)

// NewLoop는 새 루프를 생성합니다.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
	}
}

// Post는 작업을 큐 끝에 추가합니다.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// NextTick은 Post와 같습니다. Scheduler 인터페이스를 구현합니다.
func (l *Loop) NextTick(fn func()) {
	l.Post(fn)
}

// Pending은 대기 중인 작업 수를 반환합니다.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Drain은 큐가 빌 때까지 호출한 고루틴에서 작업을 실행합니다.
// 실행 중에 추가된 작업도 실행하며, 실행한 작업 수를 반환합니다.
func (l *Loop) Drain() int {
	n := 0
	for {
		fn, ok := l.pop()
		if !ok {
			return n
		}
		fn()
		n++
	}
}

func (l *Loop) pop() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

// Run은 컨텍스트가 취소될 때까지 작업을 실행합니다.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Do는 fn을 루프에서 실행하고 끝날 때까지 기다립니다. Run이 실행 중이어야 합니다.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
