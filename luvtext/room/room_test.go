package room

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

	"roomquill/luvtext/roomstorage"
)

func member(uid, nick string) Member {
	return Member{
		Payload:     Payload{UID: uid, NickName: nick},
		MemberState: MemberState{StrokeColor: []int{1, 2, 3}},
	}
}

func TestLoopDrain(t *testing.T) {
	loop := NewLoop()
	var order []int

	loop.NextTick(func() {
		order = append(order, 1)
		// 실행 중에 추가된 작업도 같은 Drain에서 실행됩니다
		loop.NextTick(func() { order = append(order, 3) })
	})
	loop.Post(func() { order = append(order, 2) })

	// NextTick은 동기적으로 실행되지 않습니다
	assert.Empty(t, order)
	assert.Equal(t, 2, loop.Pending())

	assert.Equal(t, 3, loop.Drain())
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Zero(t, loop.Drain())
}

func TestLoopRun(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	counter := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, loop.Do(ctx, func() { counter++ }))
	}
	assert.Equal(t, 10, counter)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestMemoryRoomMembership(t *testing.T) {
	r := NewMemoryRoom()
	alice := r.Join(member("alice", "Alice"), true)

	var seen [][]Member
	alice.OnMembersChange(func(members []Member) { seen = append(seen, members) })

	bob := r.Join(member("bob", ""), false)
	require.Len(t, seen, 1)
	assert.Len(t, seen[0], 2)
	assert.Equal(t, "bob", bob.UID())
	assert.False(t, bob.IsWritable())

	// 같은 멤버를 다시 추가해도 변경이 없으면 알리지 않습니다
	r.AddMember(member("bob", ""))
	assert.Len(t, seen, 1)

	m, ok := FindMember(alice.Members(), "alice")
	require.True(t, ok)
	assert.Equal(t, "Alice", m.Payload.NickName)

	r.Leave("bob")
	require.Len(t, seen, 2)
	_, ok = FindMember(seen[1], "bob")
	assert.False(t, ok)

	r.Leave("nobody")
	assert.Len(t, seen, 2)
}

func TestMemoryClientWritable(t *testing.T) {
	r := NewMemoryRoom()
	c := r.Join(member("alice", ""), false)

	var changes []bool
	off := c.OnWritableChange(func(w bool) { changes = append(changes, w) })

	c.SetWritable(true)
	c.SetWritable(true)
	c.SetWritable(false)
	assert.Equal(t, []bool{true, false}, changes)

	off()
	c.SetWritable(true)
	assert.Len(t, changes, 2)
	assert.True(t, c.IsWritable())
}

func TestMemoryClientStorageIsShared(t *testing.T) {
	r := NewMemoryRoom()
	a := r.Join(member("alice", ""), true)
	b := r.Join(member("bob", ""), true)

	sa, err := a.CreateStorage("cursors")
	require.NoError(t, err)
	sb, err := b.CreateStorage("cursors")
	require.NoError(t, err)

	require.NoError(t, sa.SetState(map[string]json.RawMessage{"alice": json.RawMessage(`null`)}))
	assert.Contains(t, sb.State(), "alice")

	c := r.Join(member("carol", ""), true)
	c.Close()
	r.Leave("alice")
	assert.NotNil(t, a.Scheduler())
	assert.Same(t, a.Loop(), a.Scheduler())
}

func TestRedisRoomMembership(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	roomID := uuid.NewString()
	aliceLoop := NewLoop()
	alice, err := NewRedisRoom(client, roomID, member("alice", "Alice"), true, aliceLoop,
		WithKeyPrefix("roomquill-test"), WithPollInterval(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, alice.Start(ctx))
	defer alice.Close()

	bob, err := NewRedisRoom(client, roomID, member("bob", ""), false, nil,
		WithKeyPrefix("roomquill-test"), WithPollInterval(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, bob.Start(ctx))

	assert.Len(t, bob.Members(), 2)

	// 1. 멤버 변경은 루프를 통해 전달됩니다
	require.Eventually(t, func() bool {
		aliceLoop.Drain()
		return len(alice.Members()) == 2
	}, 3*time.Second, 20*time.Millisecond)

	// 2. 저장소는 룸 네임스페이스를 공유합니다
	sa, err := alice.CreateStorage("cursors")
	require.NoError(t, err)
	sb, err := bob.CreateStorage("cursors")
	require.NoError(t, err)
	require.NoError(t, sa.SetState(map[string]json.RawMessage{"alice": roomstorage.MustEncode("hi")}))
	require.Eventually(t, func() bool {
		bob.Loop().Drain()
		_, ok := sb.State()["alice"]
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	// 3. 나간 멤버는 목록에서 빠집니다
	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		aliceLoop.Drain()
		return len(alice.Members()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	_, err = NewRedisRoom(nil, roomID, member("x", ""), true, nil)
	assert.Error(t, err)
}

func TestRedisRoomHeartbeatRegistersAgain(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	roomID := uuid.NewString()
	alice, err := NewRedisRoom(client, roomID, member("alice", "Alice"), true, nil,
		WithKeyPrefix("roomquill-test"), WithHeartbeatInterval(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, alice.Start(ctx))
	defer alice.Close()

	key := alice.memberKey("alice")
	require.Equal(t, int64(1), client.Exists(ctx, key).Val())

	// 1. 등록 키가 사라져도 다음 하트비트에서 다시 등록됩니다
	require.NoError(t, client.Del(ctx, key).Err())
	require.Eventually(t, func() bool {
		return client.Exists(ctx, key).Val() == 1
	}, 3*time.Second, 20*time.Millisecond)

	// 2. 다시 등록된 키에도 TTL이 있습니다
	assert.Greater(t, client.TTL(ctx, key).Val(), time.Duration(0))

	members, err := alice.DiscoverMembers(ctx)
	require.NoError(t, err)
	_, ok := FindMember(members, "alice")
	assert.True(t, ok)
}

func TestRedisRoomStorageFactory(t *testing.T) {
	hub := roomstorage.NewMemoryHub()
	var namespaces []string
	factory := func(_ context.Context, namespace string, _ roomstorage.Poster) (roomstorage.Storage, error) {
		namespaces = append(namespaces, namespace)
		return hub.CreateStorage(namespace), nil
	}

	// 저장소 생성에는 Redis 연결이 필요 없습니다
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	r, err := NewRedisRoom(client, "room", member("alice", ""), true, nil, WithStorageFactory(factory))
	require.NoError(t, err)

	s, err := r.CreateStorage("quill")
	require.NoError(t, err)
	require.NoError(t, s.SetState(map[string]json.RawMessage{"alice@1": roomstorage.MustEncode("AQ==")}))

	assert.Equal(t, []string{"quill"}, namespaces)
	assert.Contains(t, hub.CreateStorage("quill").State(), "alice@1")
}
