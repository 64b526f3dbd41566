package crdtsync

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomquill/luvtext/common"
	"roomquill/luvtext/crdt"
	"roomquill/luvtext/room"
	"roomquill/luvtext/roomstorage"
)

type peer struct {
	client  *room.MemoryClient
	vector  *Vector
	doc     *crdt.Doc
	text    *crdt.Text
	dispose func()
}

func join(t *testing.T, r *room.MemoryRoom, uid string, writable bool, opts ...ConnectOption) *peer {
	t.Helper()
	client := r.Join(room.Member{Payload: room.Payload{UID: uid}}, writable)
	vector, err := NewVector(client, "quill")
	require.NoError(t, err)
	doc := crdt.NewDoc()
	dispose, err := Connect(vector, doc, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		dispose()
		vector.Destroy()
	})
	return &peer{client: client, vector: vector, doc: doc, text: doc.GetText("quill"), dispose: dispose}
}

func keysOf(v *Vector) []string {
	var keys []string
	for key := range v.storage.State() {
		keys = append(keys, key)
	}
	return keys
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		key      string
		clientID string
		seq      uint64
		ok       bool
	}{
		{"alice@3", "alice", 3, true},
		{"a@b@12", "a@b", 12, true},
		{"noseparator", "noseparator", 0, false},
		{"bob@x", "bob", 0, false},
		{"@1", "", 1, true},
	}
	for _, tt := range tests {
		clientID, seq, ok := ParseKey(tt.key)
		assert.Equal(t, tt.clientID, clientID, tt.key)
		assert.Equal(t, tt.seq, seq, tt.key)
		assert.Equal(t, tt.ok, ok, tt.key)
	}
	assert.Equal(t, "alice@42", FormatKey("alice", 42))
}

func TestConnectFeedbackSuppression(t *testing.T) {
	r := room.NewMemoryRoom()
	alice := join(t, r, "alice", true)
	bob := join(t, r, "bob", true)

	// 1. 로컬 편집 N번은 로그 항목 N개가 됩니다
	for i := 0; i < 5; i++ {
		require.NoError(t, alice.text.Insert(alice.text.Len(), "x"))
	}
	keys := keysOf(alice.vector)
	assert.ElementsMatch(t, []string{"alice@1", "alice@2", "alice@3", "alice@4", "alice@5"}, keys)
	assert.Equal(t, uint64(6), alice.vector.Clock())

	// 2. 원격 업데이트는 다시 로그로 보내지 않습니다
	assert.Equal(t, "xxxxx", bob.text.String())
	assert.Equal(t, 5, bob.vector.Size())
	assert.Equal(t, uint64(1), bob.vector.Clock())

	// 3. 양방향
	require.NoError(t, bob.text.Insert(0, "b"))
	assert.Equal(t, "bxxxxx", alice.text.String())
	assert.Equal(t, 6, alice.vector.Size())
}

func TestVectorClockResumes(t *testing.T) {
	r := room.NewMemoryRoom()
	alice := join(t, r, "alice", true)
	require.NoError(t, alice.text.Insert(0, "abc"))
	require.NoError(t, alice.text.Insert(3, "d"))

	// 같은 UID로 다시 연결하면 seq를 이어서 사용합니다
	again := r.Join(room.Member{Payload: room.Payload{UID: "alice"}}, true)
	v, err := NewVector(again, "quill")
	require.NoError(t, err)
	defer v.Destroy()
	assert.Equal(t, uint64(3), v.Clock())

	require.NoError(t, v.Push(base64.StdEncoding.EncodeToString([]byte{1})))
	assert.Equal(t, uint64(4), v.Clock())
	assert.Contains(t, keysOf(v), "alice@3")
}

func TestVectorReadOnlyIsNoop(t *testing.T) {
	r := room.NewMemoryRoom()
	alice := join(t, r, "alice", true)
	carol := join(t, r, "carol", false)

	require.NoError(t, carol.text.Insert(0, "hidden"))
	assert.Zero(t, carol.vector.Size())
	require.NoError(t, carol.vector.Push("AQ=="))
	require.NoError(t, carol.vector.Swap([]string{"AQ=="}))
	assert.Zero(t, alice.vector.Size())
	assert.Equal(t, "", alice.text.String())

	// 읽기 전용 클라이언트도 원격 업데이트는 받습니다
	require.NoError(t, alice.text.Insert(0, "hi"))
	assert.Equal(t, 8, carol.text.Len())
	assert.Equal(t, "hi", alice.text.String())
}

func TestConnectCompaction(t *testing.T) {
	r := room.NewMemoryRoom()
	alice := join(t, r, "alice", true, WithOptimizeAt(3))
	bob := join(t, r, "bob", true, WithOptimizeAt(3))

	require.NoError(t, alice.text.Insert(0, "hello"))
	require.NoError(t, bob.text.Insert(5, " world"))
	require.NoError(t, alice.text.Delete(0, 1))
	assert.Equal(t, 3, alice.vector.Size())

	// 4번째 항목이 추가되면 문서 전체 상태 하나로 압축됩니다
	require.NoError(t, alice.text.Insert(0, "H"))
	assert.Equal(t, 1, alice.vector.Size())
	assert.Equal(t, []string{"alice@4"}, keysOf(alice.vector))
	assert.Equal(t, "Hello world", alice.text.String())
	assert.Equal(t, "Hello world", bob.text.String())

	// 늦게 들어온 클라이언트도 같은 문서를 복원합니다
	dave := join(t, r, "dave", false, WithOptimizeAt(3))
	assert.Equal(t, "Hello world", dave.text.String())

	// 압축 이후에도 편집은 계속 전달됩니다
	require.NoError(t, bob.text.Insert(11, "!"))
	assert.Equal(t, "Hello world!", alice.text.String())
	assert.Equal(t, "Hello world!", dave.text.String())
	assert.Equal(t, 2, alice.vector.Size())
}

func TestCompactionEquivalence(t *testing.T) {
	r := room.NewMemoryRoom()
	alice := join(t, r, "alice", true, WithOptimizeAt(1000))
	bob := join(t, r, "bob", true, WithOptimizeAt(1000))

	require.NoError(t, alice.text.Insert(0, "one two three"))
	require.NoError(t, bob.text.Delete(3, 4))
	require.NoError(t, alice.text.Insert(0, ">"))

	var all []string
	alice.vector.ForEach(func(update string, _ int) { all = append(all, update) })
	require.Len(t, all, 3)

	replayed := crdt.NewDoc()
	for _, update := range all {
		data, err := base64.StdEncoding.DecodeString(update)
		require.NoError(t, err)
		require.NoError(t, replayed.ApplyUpdate(data, common.OriginRemote))
	}
	compacted := crdt.NewDoc()
	require.NoError(t, compacted.ApplyUpdate(alice.doc.EncodeStateAsUpdate(), common.OriginRemote))

	assert.Equal(t, ">one three", replayed.GetText("quill").String())
	assert.Equal(t, replayed.GetText("quill").String(), compacted.GetText("quill").String())
}

func TestConnectSkipsMalformedEntries(t *testing.T) {
	r := room.NewMemoryRoom()
	client := r.Join(room.Member{Payload: room.Payload{UID: "zed"}}, true)
	s, err := client.CreateStorage("quill")
	require.NoError(t, err)

	source := crdt.NewDoc(crdt.WithClientID("source"))
	var valid string
	source.OnUpdate(func(update []byte, _ common.Origin) {
		valid = base64.StdEncoding.EncodeToString(update)
	})
	require.NoError(t, source.GetText("quill").Insert(0, "ok"))

	require.NoError(t, s.SetState(map[string]roomstorage.Value{
		"other@1": roomstorage.MustEncode(42),
		"other@2": roomstorage.MustEncode("!!not base64"),
		"other@3": roomstorage.MustEncode(base64.StdEncoding.EncodeToString([]byte{7, 7})),
		"other@4": roomstorage.MustEncode(valid),
		"other@5": roomstorage.Value(`null`),
	}))

	late := join(t, r, "late", true)
	assert.Equal(t, "ok", late.text.String())
}

func TestConnectConfiguration(t *testing.T) {
	r := room.NewMemoryRoom()
	client := r.Join(room.Member{Payload: room.Payload{UID: "alice"}}, true)
	v, err := NewVector(client, "quill")
	require.NoError(t, err)
	defer v.Destroy()

	for _, n := range []int{0, -1} {
		dispose, err := Connect(v, crdt.NewDoc(), WithOptimizeAt(n))
		assert.Nil(t, dispose)
		assert.True(t, common.IsConfigurationError(err))
	}
}

func TestConnectDisposeIsIdempotent(t *testing.T) {
	r := room.NewMemoryRoom()
	alice := join(t, r, "alice", true)
	bob := join(t, r, "bob", true)

	alice.dispose()
	alice.dispose()

	require.NoError(t, alice.text.Insert(0, "local only"))
	assert.Zero(t, alice.vector.Size())

	require.NoError(t, bob.text.Insert(0, "remote"))
	assert.Equal(t, "local only", alice.text.String())
}

func TestVectorFallbackClientID(t *testing.T) {
	r := room.NewMemoryRoom()
	client := r.Join(room.Member{}, true)
	v, err := NewVector(client, "quill")
	require.NoError(t, err)
	defer v.Destroy()

	assert.Len(t, v.ClientID(), 6)
	v.Destroy()
}
