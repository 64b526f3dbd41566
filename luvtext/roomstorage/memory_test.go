package roomstorage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomquill/luvtext/common"
)

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestMemoryStorageSetState(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.CreateStorage("cursors")
	bob := hub.CreateStorage("cursors")
	other := hub.CreateStorage("quill")

	var aliceDiffs, bobDiffs, otherDiffs []Diff
	alice.AddStateChangedListener(func(d Diff) { aliceDiffs = append(aliceDiffs, d) })
	bob.AddStateChangedListener(func(d Diff) { bobDiffs = append(bobDiffs, d) })
	other.AddStateChangedListener(func(d Diff) { otherDiffs = append(otherDiffs, d) })

	require.NoError(t, alice.SetState(map[string]json.RawMessage{
		"alice": raw(`{"anchor":1}`),
		"bob":   raw(`null`),
	}))

	// 자신의 변경도 알림으로 받습니다
	require.Len(t, aliceDiffs, 1)
	require.Len(t, bobDiffs, 1)
	assert.Empty(t, otherDiffs)
	assert.Equal(t, []string{"alice", "bob"}, bobDiffs[0].Keys())
	assert.Nil(t, bobDiffs[0]["alice"].OldValue)
	assert.JSONEq(t, `{"anchor":1}`, string(bobDiffs[0]["alice"].NewValue))

	// JSON null은 저장된 값입니다
	state := bob.State()
	require.Contains(t, state, "bob")
	assert.True(t, IsNull(state["bob"]))
	assert.Empty(t, other.State())

	// 같은 값을 다시 쓰면 알림이 없습니다
	require.NoError(t, bob.SetState(map[string]json.RawMessage{"alice": raw(`{"anchor":1}`)}))
	assert.Len(t, aliceDiffs, 1)

	// nil은 키를 삭제합니다
	require.NoError(t, bob.SetState(map[string]json.RawMessage{"bob": nil, "carol": nil}))
	require.Len(t, aliceDiffs, 2)
	assert.Equal(t, []string{"bob"}, aliceDiffs[1].Keys())
	assert.True(t, aliceDiffs[1]["bob"].Deleted())
	assert.NotContains(t, alice.State(), "bob")
}

func TestMemoryStorageEmpty(t *testing.T) {
	hub := NewMemoryHub()
	s := hub.CreateStorage("quill")
	var diffs []Diff
	s.AddStateChangedListener(func(d Diff) { diffs = append(diffs, d) })

	require.NoError(t, s.EmptyStorage())
	assert.Empty(t, diffs)

	require.NoError(t, s.SetState(map[string]json.RawMessage{"a@1": raw(`"x"`), "b@1": raw(`"y"`)}))
	require.NoError(t, s.EmptyStorage())
	require.Len(t, diffs, 2)
	assert.Equal(t, []string{"a@1", "b@1"}, diffs[1].Keys())
	assert.Empty(t, s.State())
}

func TestMemoryStorageStateIsACopy(t *testing.T) {
	hub := NewMemoryHub()
	s := hub.CreateStorage("quill")
	require.NoError(t, s.SetState(map[string]json.RawMessage{"a": raw(`1`)}))

	state := s.State()
	state["b"] = raw(`2`)
	assert.Len(t, s.State(), 1)
}

func TestMemoryHubManualDelivery(t *testing.T) {
	hub := NewMemoryHub(WithManualDelivery())
	a := hub.CreateStorage("quill")
	b := hub.CreateStorage("quill")

	var received []string
	b.AddStateChangedListener(func(d Diff) {
		received = append(received, d.Keys()...)
		// 전달 중 기록한 변경도 같은 Flush에서 전달됩니다
		if _, ok := d["a@1"]; ok {
			require.NoError(t, b.SetState(map[string]json.RawMessage{"b@1": raw(`"y"`)}))
		}
	})

	require.NoError(t, a.SetState(map[string]json.RawMessage{"a@1": raw(`"x"`)}))
	assert.Empty(t, received)
	assert.Equal(t, 2, hub.Pending())
	assert.Len(t, b.State(), 1)

	delivered := hub.Flush()
	assert.Equal(t, 4, delivered)
	assert.Equal(t, []string{"a@1", "b@1"}, received)
	assert.Zero(t, hub.Pending())
}

func TestMemoryStorageListenerRemoval(t *testing.T) {
	hub := NewMemoryHub()
	s := hub.CreateStorage("quill")
	calls := 0
	off := s.AddStateChangedListener(func(Diff) { calls++ })

	require.NoError(t, s.SetState(map[string]json.RawMessage{"a": raw(`1`)}))
	off()
	off()
	require.NoError(t, s.SetState(map[string]json.RawMessage{"a": raw(`2`)}))
	assert.Equal(t, 1, calls)
}

func TestMemoryStorageDestroy(t *testing.T) {
	hub := NewMemoryHub()
	a := hub.CreateStorage("quill")
	b := hub.CreateStorage("quill")
	calls := 0
	b.AddStateChangedListener(func(Diff) { calls++ })

	b.Destroy()
	b.Destroy()
	require.NoError(t, a.SetState(map[string]json.RawMessage{"a": raw(`1`)}))
	assert.Zero(t, calls)
	assert.ErrorIs(t, b.SetState(map[string]json.RawMessage{"b": raw(`1`)}), common.ErrClosed)
}

func TestDecodeEncode(t *testing.T) {
	type record struct {
		Name string `json:"name"`
	}

	value, err := Encode(record{Name: "alice"})
	require.NoError(t, err)

	decoded, err := Decode[record](value)
	require.NoError(t, err)
	assert.Equal(t, "alice", decoded.Name)

	_, err = Decode[record](raw(`"text"`))
	assert.True(t, common.IsDecodeError(err))

	_, err = Decode[string](nil)
	assert.True(t, common.IsDecodeError(err))

	assert.Equal(t, `"abc"`, string(MustEncode("abc")))
	assert.True(t, IsNull(raw(` null `)))
	assert.False(t, IsNull(nil))
	assert.False(t, IsNull(raw(`"null"`)))
}
