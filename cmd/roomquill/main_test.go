package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"roomquill/internal/config"
	"roomquill/internal/metrics"
	"roomquill/luvtext/common"
	"roomquill/luvtext/editor"
	"roomquill/luvtext/room"
)

func TestRunDemo(t *testing.T) {
	cfg := config.Default()
	cfg.Sync.OptimizeAt = 3

	var out bytes.Buffer
	require.NoError(t, runDemo(&out, cfg, 4))

	text := out.String()
	assert.Contains(t, text, `"Hello, world"`)
	assert.Contains(t, text, `">> Hello, world...."`)
	assert.Contains(t, text, "carol: "+common.ErrReadOnly.Error())
	// alice sees bob's cursor with the default label and color
	assert.Contains(t, text, "[User: bob #ffa500] 7+5")
	// after the prefix both cursors are shifted by three characters
	assert.Contains(t, text, "[Alice rgb(220,20,60)] 3+5")
	assert.Contains(t, text, "[User: bob #ffa500] 10+5")

	left := text[strings.Index(text, "== bob leaves"):]
	assert.NotContains(t, left, "bob #ffa500")
}

func TestExecute(t *testing.T) {
	r := room.NewMemoryRoom()
	alice, err := editor.New(r.Join(room.Member{Payload: room.Payload{UID: "alice"}}, true))
	require.NoError(t, err)
	defer alice.Destroy()
	bob, err := editor.New(r.Join(room.Member{Payload: room.Payload{UID: "bob", NickName: "Bob"}}, true))
	require.NoError(t, err)
	defer bob.Destroy()

	var out bytes.Buffer
	require.NoError(t, execute(alice, "insert 0 hello there", &out))
	require.NoError(t, execute(alice, "delete 5 6", &out))
	require.NoError(t, execute(alice, "", &out))
	assert.Equal(t, "hello", bob.Text())

	require.NoError(t, execute(bob, "select 1 3", &out))
	require.NoError(t, execute(alice, "cursors", &out))
	assert.Contains(t, out.String(), "[Bob #ffa500] 1+3")

	out.Reset()
	require.NoError(t, execute(bob, "text", &out))
	assert.Equal(t, "\"hello\"\n", out.String())

	require.NoError(t, execute(bob, "clear", &out))
	assert.Empty(t, alice.Overlay().Cursors())

	assert.ErrorIs(t, execute(alice, "quit", &out), errQuit)
	assert.Error(t, execute(alice, "insert x y", &out))
	assert.Error(t, execute(alice, "delete 1", &out))
	assert.Error(t, execute(alice, "jump 3", &out))
}

func TestDebugRoutes(t *testing.T) {
	r := room.NewMemoryRoom()
	alice, err := editor.New(r.Join(room.Member{Payload: room.Payload{UID: "alice"}}, true))
	require.NoError(t, err)
	defer alice.Destroy()
	require.NoError(t, alice.Insert(0, "hi"))

	loop := room.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	h := metrics.Handler(prometheus.NewRegistry(), zap.NewNop(), debugRoutes(loop, alice))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/text", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Text    string `json:"text"`
		LogSize int    `json:"log_size"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "hi", body.Text)
	assert.Equal(t, 1, body.LogSize)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/selection", nil))
	assert.Equal(t, "null\n", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/members", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRootCommandLoadsConfig(t *testing.T) {
	t.Setenv("ROOMQUILL_OPTIMIZE_AT", "2")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"demo", "--edits", "1", "--env-file", t.TempDir() + "/none.env"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "== bob leaves")
}
