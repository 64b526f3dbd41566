package roomstorage

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisClient는 REDIS_ADDR이 설정된 경우에만 클라이언트를 반환합니다.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// chanPoster는 원격 변경을 채널로 넘깁니다.
type chanPoster chan func()

func (p chanPoster) Post(fn func()) {
	p <- fn
}

func (p chanPoster) next(t *testing.T) {
	t.Helper()
	select {
	case fn := <-p:
		fn()
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for remote change")
	}
}

func TestRedisStorageReplicates(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	key := HashKey("roomquill-test", uuid.NewString(), "quill")
	t.Cleanup(func() { client.Del(ctx, key) })

	alicePoster := make(chanPoster, 16)
	bobPoster := make(chanPoster, 16)

	alice, err := NewRedisStorage(ctx, client, key, alicePoster)
	require.NoError(t, err)
	defer alice.Destroy()
	bob, err := NewRedisStorage(ctx, client, key, bobPoster)
	require.NoError(t, err)
	defer bob.Destroy()

	var aliceDiffs, bobDiffs []Diff
	alice.AddStateChangedListener(func(d Diff) { aliceDiffs = append(aliceDiffs, d) })
	bob.AddStateChangedListener(func(d Diff) { bobDiffs = append(bobDiffs, d) })

	// 1. 자신의 변경은 즉시 반영됩니다
	require.NoError(t, alice.SetState(map[string]json.RawMessage{
		"alice@1": raw(`"AQ=="`),
		"cursor":  raw(`null`),
	}))
	require.Len(t, aliceDiffs, 1)
	assert.Len(t, alice.State(), 2)

	// 2. 다른 핸들에는 Poster를 통해 전달됩니다
	bobPoster.next(t)
	require.Len(t, bobDiffs, 1)
	assert.Equal(t, []string{"alice@1", "cursor"}, bobDiffs[0].Keys())
	assert.True(t, IsNull(bob.State()["cursor"]))
	assert.Empty(t, alicePoster)

	// 3. 삭제
	require.NoError(t, bob.SetState(map[string]json.RawMessage{"cursor": nil}))
	alicePoster.next(t)
	require.Len(t, aliceDiffs, 2)
	assert.True(t, aliceDiffs[1]["cursor"].Deleted())
	assert.NotContains(t, alice.State(), "cursor")

	// 4. 전체 삭제
	require.NoError(t, alice.EmptyStorage())
	bobPoster.next(t)
	assert.Empty(t, bob.State())

	// 5. 새로 연결한 핸들은 현재 상태를 읽습니다
	require.NoError(t, alice.SetState(map[string]json.RawMessage{"alice@2": raw(`"Ag=="`)}))
	late, err := NewRedisStorage(ctx, client, key, nil)
	require.NoError(t, err)
	defer late.Destroy()
	assert.Equal(t, raw(`"Ag=="`), late.State()["alice@2"])
}

func TestRedisStorageConfiguration(t *testing.T) {
	_, err := NewRedisStorage(context.Background(), nil, "key", nil)
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	_, err = NewRedisStorage(context.Background(), client, "", nil)
	assert.Error(t, err)
}
