package crdtsync

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"roomquill/core/qlog"
	"roomquill/internal/metrics"
	"roomquill/luvtext/common"
	"roomquill/luvtext/room"
	"roomquill/luvtext/roomstorage"
)

// UpdateLog는 클라이언트들이 업데이트를 주고받는 추가 전용 로그입니다.
type UpdateLog interface {
	// Push는 업데이트를 로그 끝에 추가합니다.
	Push(update string) error

	// Swap은 로그를 비우고 주어진 업데이트들로 교체합니다.
	Swap(updates []string) error

	// ForEach는 로그의 모든 업데이트를 순회합니다.
	ForEach(fn func(update string, index int))

	// Size는 로그의 항목 수를 반환합니다.
	Size() int

	// OnUpdate는 다른 클라이언트가 추가한 업데이트의 리스너를 등록하고 해제 함수를 반환합니다.
	OnUpdate(fn func(update string)) func()
}

// FormatKey는 로그 항목 키 "{clientID}@{seq}"를 생성합니다.
func FormatKey(clientID string, seq uint64) string {
	return clientID + "@" + strconv.FormatUint(seq, 10)
}

// ParseKey는 로그 항목 키를 마지막 '@' 기준으로 나눕니다.
// '@'가 있으면 seq를 해석하지 못해도 clientID는 채워서 반환합니다.
func ParseKey(key string) (clientID string, seq uint64, ok bool) {
	i := strings.LastIndex(key, "@")
	if i < 0 {
		return key, 0, false
	}
	clientID = key[:i]
	seq, err := strconv.ParseUint(key[i+1:], 10, 64)
	if err != nil {
		return clientID, 0, false
	}
	return clientID, seq, true
}

// Vector는 룸 저장소 네임스페이스 위에 구현한 UpdateLog입니다.
// 각 클라이언트는 자신의 clientID로 시작하는 키에만 기록하고, 다른 클라이언트의 키만 구독합니다.
type Vector struct {
	// room은 쓰기 권한과 저장소를 제공하는 룸 컨텍스트입니다.
	room room.Context

	// storage는 로그가 저장되는 네임스페이스 핸들입니다.
	storage roomstorage.Storage

	// clientID는 이 클라이언트의 키 접두사입니다.
	clientID string

	// mutex는 clock을 보호합니다.
	mutex sync.Mutex

	// clock은 다음에 기록할 seq입니다.
	clock uint64

	listenerMu sync.Mutex
	listeners  map[int]func(update string)
	nextID     int

	off         func()
	destroyOnce sync.Once
	logger      *zap.Logger
}

var _ UpdateLog = (*Vector)(nil)

// NewVector는 namespace 저장소 위에 업데이트 로그를 생성합니다.
// clientID는 룸의 UID이고, 비어 있으면 임의의 짧은 ID를 사용합니다.
func NewVector(ctx room.Context, namespace string) (*Vector, error) {
	storage, err := ctx.CreateStorage(namespace)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create storage %q", namespace)
	}

	clientID := ctx.UID()
	if clientID == "" {
		clientID = common.ShortID()
	}

	v := &Vector{
		room:      ctx,
		storage:   storage,
		clientID:  clientID,
		clock:     1,
		listeners: make(map[int]func(update string)),
		logger:    qlog.Named("crdtsync.vector").With(zap.String("client", clientID), zap.String("namespace", namespace)),
	}

	v.off = storage.AddStateChangedListener(v.onStateChanged)

	// 이전 세션에서 기록한 seq 이후부터 이어서 기록합니다
	for key := range storage.State() {
		owner, seq, ok := ParseKey(key)
		if ok && owner == clientID && seq+1 > v.clock {
			v.clock = seq + 1
		}
	}

	return v, nil
}

// ClientID는 이 클라이언트의 키 접두사를 반환합니다.
func (v *Vector) ClientID() string {
	return v.clientID
}

// Clock은 다음에 기록할 seq를 반환합니다.
func (v *Vector) Clock() uint64 {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.clock
}

// Size는 로그의 항목 수를 반환합니다.
func (v *Vector) Size() int {
	return len(v.storage.State())
}

// ForEach는 로그의 모든 업데이트를 키 순서로 순회합니다. 문자열이 아닌 값은 건너뜁니다.
func (v *Vector) ForEach(fn func(update string, index int)) {
	state := v.storage.State()
	keys := make([]string, 0, len(state))
	for key := range state {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	index := 0
	for _, key := range keys {
		update, ok := v.decodeEntry(key, state[key])
		if !ok {
			continue
		}
		fn(update, index)
		index++
	}
}

// Push는 업데이트를 {clientID}@{clock} 키로 기록하고 clock을 증가시킵니다.
// 쓰기 권한이 없으면 아무것도 하지 않습니다.
func (v *Vector) Push(update string) error {
	if !v.room.IsWritable() {
		return nil
	}

	v.mutex.Lock()
	key := FormatKey(v.clientID, v.clock)
	v.clock++
	v.mutex.Unlock()

	if err := v.storage.SetState(map[string]roomstorage.Value{key: roomstorage.MustEncode(update)}); err != nil {
		return errors.Wrapf(err, "failed to push %s", key)
	}
	return nil
}

// Swap은 로그를 비운 뒤 업데이트들을 연속된 seq로 한 번에 기록합니다.
// 쓰기 권한이 없으면 아무것도 하지 않습니다.
func (v *Vector) Swap(updates []string) error {
	if !v.room.IsWritable() {
		return nil
	}

	if err := v.storage.EmptyStorage(); err != nil {
		return errors.Wrap(err, "failed to empty update log")
	}

	v.mutex.Lock()
	state := make(map[string]roomstorage.Value, len(updates))
	for _, update := range updates {
		state[FormatKey(v.clientID, v.clock)] = roomstorage.MustEncode(update)
		v.clock++
	}
	v.mutex.Unlock()

	if len(state) == 0 {
		return nil
	}
	if err := v.storage.SetState(state); err != nil {
		return errors.Wrap(err, "failed to write compacted update log")
	}
	return nil
}

// OnUpdate는 다른 클라이언트가 추가한 업데이트의 리스너를 등록합니다.
func (v *Vector) OnUpdate(fn func(update string)) func() {
	v.listenerMu.Lock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	v.listenerMu.Unlock()

	return func() {
		v.listenerMu.Lock()
		delete(v.listeners, id)
		v.listenerMu.Unlock()
	}
}

// Destroy는 저장소 구독을 해제합니다. 여러 번 호출해도 안전합니다.
func (v *Vector) Destroy() {
	v.destroyOnce.Do(func() {
		v.off()
		v.storage.Destroy()

		v.listenerMu.Lock()
		v.listeners = make(map[int]func(update string))
		v.listenerMu.Unlock()
	})
}

// onStateChanged는 다른 클라이언트의 키에 새로 기록된 값만 리스너로 전달합니다.
func (v *Vector) onStateChanged(diff roomstorage.Diff) {
	for _, key := range diff.Keys() {
		owner, _, _ := ParseKey(key)
		if owner == v.clientID {
			continue
		}
		change := diff[key]
		if change.NewValue == nil {
			continue
		}
		update, ok := v.decodeEntry(key, change.NewValue)
		if !ok {
			continue
		}
		v.emit(update)
	}
}

func (v *Vector) decodeEntry(key string, value roomstorage.Value) (string, bool) {
	if roomstorage.IsNull(value) {
		return "", false
	}
	update, err := roomstorage.Decode[string](value)
	if err != nil {
		metrics.DecodeFailures.WithLabelValues("log_entry").Inc()
		v.logger.Warn("skipping malformed update log entry", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return update, update != ""
}

func (v *Vector) emit(update string) {
	v.listenerMu.Lock()
	ids := make([]int, 0, len(v.listeners))
	for id := range v.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(string), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, v.listeners[id])
	}
	v.listenerMu.Unlock()

	for _, fn := range fns {
		fn(update)
	}
}
