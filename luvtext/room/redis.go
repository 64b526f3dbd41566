package room

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"roomquill/core/qlog"
	"roomquill/luvtext/common"
	"roomquill/luvtext/roomstorage"
)

// RedisRoomOption은 RedisRoom 설정 함수입니다.
type RedisRoomOption func(*RedisRoom)

// WithKeyPrefix는 Redis 키 접두사를 설정합니다.
func WithKeyPrefix(prefix string) RedisRoomOption {
	return func(r *RedisRoom) {
		if prefix != "" {
			r.keyPrefix = prefix
		}
	}
}

// WithMemberTTL은 멤버 등록의 TTL을 설정합니다.
func WithMemberTTL(ttl time.Duration) RedisRoomOption {
	return func(r *RedisRoom) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithHeartbeatInterval은 하트비트 간격을 설정합니다.
func WithHeartbeatInterval(interval time.Duration) RedisRoomOption {
	return func(r *RedisRoom) {
		if interval > 0 {
			r.heartbeatInterval = interval
		}
	}
}

// WithPollInterval은 멤버 목록 폴링 간격을 설정합니다.
func WithPollInterval(interval time.Duration) RedisRoomOption {
	return func(r *RedisRoom) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

// StorageFactory는 룸 네임스페이스의 저장소 핸들을 생성합니다.
// 원격 변경은 poster로 전달해야 합니다.
type StorageFactory func(ctx context.Context, namespace string, poster roomstorage.Poster) (roomstorage.Storage, error)

// WithStorageFactory는 Redis 해시 대신 다른 저장소를 사용하도록 설정합니다.
// 멤버 관리는 계속 Redis를 사용합니다.
func WithStorageFactory(factory StorageFactory) RedisRoomOption {
	return func(r *RedisRoom) {
		if factory != nil {
			r.storageFactory = factory
		}
	}
}

// RedisRoom은 Redis를 사용하는 룸 Context 구현입니다.
// 멤버는 TTL이 있는 키로 등록되고 하트비트로 갱신됩니다.
// 멤버 변경은 Pub/Sub 채널로 알리고, TTL 만료는 폴링으로 감지합니다.
type RedisRoom struct {
	// client는 Redis 클라이언트입니다.
	client *redis.Client

	// keyPrefix는 Redis 키 접두사입니다.
	keyPrefix string

	// room은 룸 ID입니다.
	room string

	// self는 이 클라이언트의 멤버 정보입니다.
	self Member

	// ttl은 멤버 등록의 TTL입니다.
	ttl time.Duration

	// heartbeatInterval은 하트비트 간격입니다.
	heartbeatInterval time.Duration

	// pollInterval은 멤버 목록 폴링 간격입니다.
	pollInterval time.Duration

	// loop는 원격 이벤트를 실행하는 루프입니다.
	loop *Loop

	// storageFactory는 네임스페이스 저장소를 생성합니다. nil이면 RedisStorage를 사용합니다.
	storageFactory StorageFactory

	mu       sync.Mutex
	writable bool
	members  []Member
	storages []roomstorage.Storage
	running  bool

	writableListeners listeners[bool]
	memberListeners   listeners[[]Member]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

var _ Context = (*RedisRoom)(nil)

// NewRedisRoom은 새 Redis 룸을 생성합니다. Start를 호출해야 멤버로 등록됩니다.
func NewRedisRoom(client *redis.Client, room string, self Member, writable bool, loop *Loop, opts ...RedisRoomOption) (*RedisRoom, error) {
	if client == nil {
		return nil, common.ErrConfiguration{Field: "client", Message: "redis client cannot be nil"}
	}
	if room == "" {
		return nil, common.ErrConfiguration{Field: "room", Message: "room id cannot be empty"}
	}
	if loop == nil {
		loop = NewLoop()
	}

	r := &RedisRoom{
		client:            client,
		keyPrefix:         "roomquill",
		room:              room,
		self:              self,
		writable:          writable,
		ttl:               30 * time.Second,
		heartbeatInterval: 10 * time.Second,
		pollInterval:      5 * time.Second,
		loop:              loop,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = qlog.Named("room.redis").With(zap.String("room", room), zap.String("uid", self.UID()))
	return r, nil
}

// Start는 자신을 멤버로 등록하고 하트비트와 멤버 감시를 시작합니다.
func (r *RedisRoom) Start(ctx context.Context) (err error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("room %s is already running", r.room)
	}
	r.running = true
	r.mu.Unlock()

	r.ctx, r.cancel = context.WithCancel(ctx)
	defer func() {
		if err != nil {
			r.cancel()
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
		}
	}()

	// 멤버 변경 채널 구독
	pubsub := r.client.Subscribe(r.ctx, r.membersChannel())
	if _, err := pubsub.Receive(r.ctx); err != nil {
		_ = pubsub.Close()
		return errors.Wrap(err, "failed to subscribe to members channel")
	}

	// 자신을 등록
	if r.self.UID() != "" {
		if err := r.RegisterMember(r.ctx, r.self); err != nil {
			_ = pubsub.Close()
			return errors.Wrap(err, "failed to register self")
		}
	}

	members, err := r.DiscoverMembers(r.ctx)
	if err != nil {
		_ = pubsub.Close()
		return err
	}
	r.mu.Lock()
	r.members = members
	r.mu.Unlock()

	r.wg.Add(2)
	go r.heartbeat()
	go r.watch(pubsub)
	return nil
}

func (r *RedisRoom) memberKey(uid string) string {
	return fmt.Sprintf("%s:%s:members:%s", r.keyPrefix, r.room, uid)
}

func (r *RedisRoom) membersChannel() string {
	return fmt.Sprintf("%s:%s:members", r.keyPrefix, r.room)
}

// DiscoverMembers는 등록된 멤버 목록을 읽습니다. UID 순으로 정렬됩니다.
func (r *RedisRoom) DiscoverMembers(ctx context.Context) ([]Member, error) {
	pattern := r.memberKey("*")
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan member keys")
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load members")
	}

	members := make([]Member, 0, len(values))
	prefix := r.memberKey("")
	for i, value := range values {
		// 조회 사이에 만료된 키
		s, ok := value.(string)
		if !ok {
			continue
		}
		var m Member
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			r.logger.Warn("failed to decode member", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		if m.Payload.UID == "" {
			m.Payload.UID = strings.TrimPrefix(keys[i], prefix)
		}
		members = append(members, m)
	}
	sortMembers(members)
	return members, nil
}

// RegisterMember는 멤버를 등록하고 변경을 알립니다.
func (r *RedisRoom) RegisterMember(ctx context.Context, m Member) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.memberKey(m.UID()), data, r.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to register member")
	}
	return r.client.Publish(ctx, r.membersChannel(), m.UID()).Err()
}

// UnregisterMember는 멤버 등록을 해제하고 변경을 알립니다.
func (r *RedisRoom) UnregisterMember(ctx context.Context, uid string) error {
	if err := r.client.Del(ctx, r.memberKey(uid)).Err(); err != nil {
		return errors.Wrap(err, "failed to unregister member")
	}
	return r.client.Publish(ctx, r.membersChannel(), uid).Err()
}

// heartbeat는 주기적으로 자신의 등록을 갱신합니다.
func (r *RedisRoom) heartbeat() {
	defer r.wg.Done()
	if r.self.UID() == "" {
		return
	}

	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			refreshed, err := r.client.Expire(r.ctx, r.memberKey(r.self.UID()), r.ttl).Result()
			if err != nil {
				r.logger.Warn("heartbeat failed", zap.Error(err))
				continue
			}
			// 키가 만료되었거나 지워졌으면 다시 등록합니다
			if !refreshed {
				r.logger.Info("member key lost, registering again")
				if err := r.RegisterMember(r.ctx, r.self); err != nil {
					r.logger.Warn("failed to register again", zap.Error(err))
				}
			}
		}
	}
}

// watch는 멤버 변경 알림과 폴링으로 멤버 목록을 갱신합니다.
func (r *RedisRoom) watch(pubsub *redis.PubSub) {
	defer r.wg.Done()
	defer pubsub.Close()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	ch := pubsub.Channel()
	for {
		select {
		case <-r.ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-ticker.C:
		}

		members, err := r.DiscoverMembers(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				r.logger.Warn("failed to refresh members", zap.Error(err))
			}
			continue
		}
		r.loop.Post(func() { r.setMembers(members) })
	}
}

// setMembers는 멤버 목록이 바뀌었으면 리스너에 알립니다. 루프에서 실행됩니다.
func (r *RedisRoom) setMembers(members []Member) {
	r.mu.Lock()
	if sameMembers(r.members, members) {
		r.mu.Unlock()
		return
	}
	r.members = members
	r.mu.Unlock()

	r.logger.Debug("members changed", zap.Int("count", len(members)))
	r.memberListeners.emit(append([]Member(nil), members...))
}

// UID는 사용자 ID를 반환합니다.
func (r *RedisRoom) UID() string {
	return r.self.UID()
}

// IsWritable은 쓰기 가능 여부를 반환합니다.
func (r *RedisRoom) IsWritable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writable
}

// SetWritable은 쓰기 권한을 바꾸고 값이 바뀌었으면 리스너에 알립니다.
func (r *RedisRoom) SetWritable(writable bool) {
	r.mu.Lock()
	changed := r.writable != writable
	r.writable = writable
	r.mu.Unlock()

	if changed {
		r.writableListeners.emit(writable)
	}
}

// OnWritableChange는 쓰기 권한 변경 리스너를 등록합니다.
func (r *RedisRoom) OnWritableChange(fn func(writable bool)) func() {
	return r.writableListeners.add(fn)
}

// Members는 마지막으로 읽은 멤버 목록을 반환합니다.
func (r *RedisRoom) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Member(nil), r.members...)
}

// OnMembersChange는 멤버 변경 리스너를 등록합니다.
func (r *RedisRoom) OnMembersChange(fn func(members []Member)) func() {
	return r.memberListeners.add(fn)
}

// CreateStorage는 룸 네임스페이스의 저장소 핸들을 생성합니다.
// 원격 변경은 룸 루프로 전달됩니다.
func (r *RedisRoom) CreateStorage(namespace string) (roomstorage.Storage, error) {
	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		s   roomstorage.Storage
		err error
	)
	if r.storageFactory != nil {
		s, err = r.storageFactory(ctx, namespace, r.loop)
	} else {
		s, err = roomstorage.NewRedisStorage(ctx, r.client, roomstorage.HashKey(r.keyPrefix, r.room, namespace), r.loop)
	}
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.storages = append(r.storages, s)
	r.mu.Unlock()
	return s, nil
}

// Scheduler는 룸 루프를 반환합니다.
func (r *RedisRoom) Scheduler() Scheduler {
	return r.loop
}

// Loop는 룸 루프를 반환합니다.
func (r *RedisRoom) Loop() *Loop {
	return r.loop
}

// Close는 멤버 등록을 해제하고 고루틴과 저장소를 정리합니다.
func (r *RedisRoom) Close() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	storages := r.storages
	r.storages = nil
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	for _, s := range storages {
		s.Destroy()
	}
	r.writableListeners.clear()
	r.memberListeners.clear()

	if r.self.UID() == "" {
		return nil
	}

	// 자신의 등록 해제
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.UnregisterMember(ctx, r.self.UID()); err != nil {
		return fmt.Errorf("failed to unregister self: %w", err)
	}
	return nil
}
