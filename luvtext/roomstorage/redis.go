package roomstorage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"roomquill/core/qlog"
	"roomquill/luvtext/common"
)

// setStateScript는 해시에 여러 필드를 기록하고 변경된 필드만 이벤트 채널로 발행합니다.
// ARGV[1]은 기록한 핸들 ID이고, 이후 (필드, 연산, 값) 세 개씩 이어집니다.
// 연산 's'는 기록, 'd'는 삭제입니다.
var setStateScript = redis.NewScript(`
local diff = {}
local changed = 0
for i = 2, #ARGV, 3 do
  local field, op, value = ARGV[i], ARGV[i + 1], ARGV[i + 2]
  local old = redis.call('HGET', KEYS[1], field)
  if op == 'd' then
    if old then
      redis.call('HDEL', KEYS[1], field)
      diff[field] = {old = old}
      changed = changed + 1
    end
  elseif old ~= value then
    redis.call('HSET', KEYS[1], field, value)
    if old then
      diff[field] = {old = old, new = value}
    else
      diff[field] = {new = value}
    end
    changed = changed + 1
  end
end
if changed == 0 then
  return '{}'
end
redis.call('PUBLISH', KEYS[2], cjson.encode({source = ARGV[1], diff = diff}))
return cjson.encode(diff)
`)

// emptyScript는 해시를 삭제하고 삭제된 필드를 이벤트 채널로 발행합니다.
var emptyScript = redis.NewScript(`
local all = redis.call('HGETALL', KEYS[1])
if #all == 0 then
  return '{}'
end
local diff = {}
for i = 1, #all, 2 do
  diff[all[i]] = {old = all[i + 1]}
end
redis.call('DEL', KEYS[1])
redis.call('PUBLISH', KEYS[2], cjson.encode({source = ARGV[1], diff = diff}))
return cjson.encode(diff)
`)

// redisChange는 스크립트와 이벤트 채널에서 사용하는 변경 표현입니다.
type redisChange struct {
	Old *string `json:"old"`
	New *string `json:"new"`
}

// redisEvent는 이벤트 채널로 발행되는 메시지입니다.
type redisEvent struct {
	Source string                 `json:"source"`
	Diff   map[string]redisChange `json:"diff"`
}

// HashKey는 네임스페이스의 Redis 해시 키를 생성합니다.
func HashKey(prefix, room, namespace string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, room, namespace)
}

// RedisStorage는 Redis 해시와 Pub/Sub을 사용하는 Storage 구현입니다.
type RedisStorage struct {
	// client는 Redis 클라이언트입니다.
	client *redis.Client

	// hashKey는 네임스페이스 상태를 담는 해시 키입니다.
	hashKey string

	// channel은 변경 이벤트 채널입니다.
	channel string

	// id는 이 핸들의 고유 ID입니다. 자신이 발행한 이벤트를 구분합니다.
	id string

	// poster는 원격 변경을 전달할 실행 흐름입니다. nil이면 수신 고루틴에서 바로 전달합니다.
	poster Poster

	mu        sync.Mutex
	cache     map[string]json.RawMessage
	listeners listenerSet

	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closed    bool

	logger *zap.Logger
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage는 hashKey에 대한 Redis 저장소 핸들을 생성합니다.
// 이벤트 채널을 먼저 구독한 뒤 현재 상태를 읽어 캐시를 채웁니다.
func NewRedisStorage(ctx context.Context, client *redis.Client, hashKey string, poster Poster) (*RedisStorage, error) {
	if client == nil {
		return nil, common.ErrConfiguration{Field: "client", Message: "redis client cannot be nil"}
	}
	if hashKey == "" {
		return nil, common.ErrConfiguration{Field: "hashKey", Message: "hash key cannot be empty"}
	}

	s := &RedisStorage{
		client:  client,
		hashKey: hashKey,
		channel: hashKey + ":events",
		id:      uuid.NewString(),
		poster:  poster,
		cache:   make(map[string]json.RawMessage),
		done:    make(chan struct{}),
		logger:  qlog.Named("roomstorage.redis").With(zap.String("key", hashKey)),
	}

	// 구독 확인
	s.pubsub = client.Subscribe(ctx, s.channel)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", s.channel)
	}

	// 초기 상태 로드
	values, err := client.HGetAll(ctx, hashKey).Result()
	if err != nil {
		_ = s.pubsub.Close()
		return nil, errors.Wrapf(err, "failed to load %s", hashKey)
	}
	for field, value := range values {
		s.cache[field] = json.RawMessage(value)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.handleMessages(subCtx)

	return s, nil
}

// ID는 이 핸들의 고유 ID를 반환합니다.
func (s *RedisStorage) ID() string {
	return s.id
}

// State는 캐시된 상태의 복사본을 반환합니다.
func (s *RedisStorage) State() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.cache)
}

// SetState는 스크립트로 여러 필드를 원자적으로 기록합니다.
func (s *RedisStorage) SetState(partial map[string]json.RawMessage) error {
	if len(partial) == 0 {
		return nil
	}

	keys := make([]string, 0, len(partial))
	for key := range partial {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	args := make([]interface{}, 0, 1+3*len(partial))
	args = append(args, s.id)
	for _, key := range keys {
		value := partial[key]
		if value == nil {
			args = append(args, key, "d", "")
			continue
		}
		args = append(args, key, "s", string(value))
	}

	return s.run(setStateScript, args...)
}

// EmptyStorage는 해시를 삭제합니다.
func (s *RedisStorage) EmptyStorage() error {
	return s.run(emptyScript, s.id)
}

func (s *RedisStorage) run(script *redis.Script, args ...interface{}) error {
	if s.isClosed() {
		return common.ErrClosed
	}

	ctx := context.Background()
	result, err := script.Run(ctx, s.client, []string{s.hashKey, s.channel}, args...).Text()
	if err != nil {
		return errors.Wrapf(err, "failed to update %s", s.hashKey)
	}

	diff, err := decodeRedisDiff([]byte(result))
	if err != nil {
		return errors.Wrap(err, "failed to decode script result")
	}

	// 자신이 기록한 변경은 즉시 캐시와 리스너에 반영합니다
	s.apply(diff)
	return nil
}

// AddStateChangedListener는 변경 리스너를 등록합니다.
func (s *RedisStorage) AddStateChangedListener(fn Listener) func() {
	return s.listeners.add(fn)
}

// Destroy는 구독을 해제하고 수신 고루틴이 끝날 때까지 기다립니다.
func (s *RedisStorage) Destroy() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		if err := s.pubsub.Close(); err != nil {
			s.logger.Warn("failed to close pubsub", zap.Error(err))
		}
		<-s.done
		s.listeners.clear()
	})
}

func (s *RedisStorage) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// apply는 Diff를 캐시에 반영하고 리스너에 전달합니다.
func (s *RedisStorage) apply(diff Diff) {
	if len(diff) == 0 {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for key, change := range diff {
		if change.Deleted() {
			delete(s.cache, key)
			continue
		}
		s.cache[key] = change.NewValue
	}
	s.mu.Unlock()

	s.listeners.emit(diff)
}

// handleMessages는 이벤트 채널의 메시지를 처리합니다.
func (s *RedisStorage) handleMessages(ctx context.Context) {
	defer close(s.done)

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event redisEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.Warn("failed to decode storage event", zap.Error(err))
				continue
			}
			if event.Source == s.id {
				continue
			}

			diff := toDiff(event.Diff)
			if s.poster == nil {
				s.apply(diff)
				continue
			}
			s.poster.Post(func() { s.apply(diff) })
		}
	}
}

func decodeRedisDiff(data []byte) (Diff, error) {
	// cjson은 빈 테이블을 {}로 인코딩합니다
	var changes map[string]redisChange
	if err := json.Unmarshal(data, &changes); err != nil {
		return nil, err
	}
	return toDiff(changes), nil
}

func toDiff(changes map[string]redisChange) Diff {
	diff := make(Diff, len(changes))
	for key, change := range changes {
		var c Change
		if change.Old != nil {
			c.OldValue = json.RawMessage(*change.Old)
		}
		if change.New != nil {
			c.NewValue = json.RawMessage(*change.New)
		}
		diff[key] = c
	}
	return diff
}
