package editor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"roomquill/core/qlog"
	"roomquill/luvtext/awareness"
	"roomquill/luvtext/common"
	"roomquill/luvtext/crdt"
	"roomquill/luvtext/crdtsync"
	"roomquill/luvtext/room"
)

const (
	// TextNamespace는 업데이트 로그 네임스페이스이자 문서 텍스트 이름입니다.
	TextNamespace = "quill"
)

type options struct {
	optimizeAt  int
	overlay     awareness.Overlay
	flagTimeout time.Duration
	afterFunc   awareness.AfterFunc
	logger      *zap.Logger
}

// Option은 Editor 설정 함수입니다.
type Option func(*options)

// WithOptimizeAt은 업데이트 로그 압축 기준을 설정합니다.
func WithOptimizeAt(n int) Option {
	return func(o *options) { o.optimizeAt = n }
}

// WithOverlay는 원격 커서를 그릴 오버레이를 설정합니다. 기본값은 MemoryOverlay입니다.
func WithOverlay(overlay awareness.Overlay) Option {
	return func(o *options) { o.overlay = overlay }
}

// WithFlagTimeout은 커서 이름표 표시 시간을 설정합니다.
func WithFlagTimeout(d time.Duration) Option {
	return func(o *options) { o.flagTimeout = d }
}

// WithAfterFunc는 커서 이름표 타이머를 교체합니다.
func WithAfterFunc(fn awareness.AfterFunc) Option {
	return func(o *options) { o.afterFunc = fn }
}

// WithLogger는 에디터 로거를 설정합니다.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Editor는 UI 없이 룸에 참여하는 협업 텍스트 에디터입니다.
// 업데이트 로그, CRDT 문서, 커서 채널을 하나로 묶습니다.
type Editor struct {
	room    room.Context
	doc     *crdt.Doc
	text    *crdt.Text
	vector  *crdtsync.Vector
	cursors *awareness.Channel
	overlay awareness.Overlay
	logger  *zap.Logger

	// disconnect는 문서와 업데이트 로그의 연결을 해제합니다.
	disconnect  func()
	offWritable func()

	mu        sync.Mutex
	readOnly  bool
	selection *awareness.Range
	closed    bool
}

// New는 룸 컨텍스트에 연결된 에디터를 생성합니다.
// 업데이트 로그의 모든 항목을 문서에 적용한 상태로 반환합니다.
func New(ctx room.Context, opts ...Option) (*Editor, error) {
	o := options{
		optimizeAt: crdtsync.DefaultOptimizeAt,
		logger:     qlog.Named("editor"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.overlay == nil {
		o.overlay = awareness.NewMemoryOverlay()
	}
	logger := o.logger.With(zap.String("uid", ctx.UID()))

	vector, err := crdtsync.NewVector(ctx, TextNamespace)
	if err != nil {
		return nil, err
	}

	doc := crdt.NewDoc()
	text := doc.GetText(TextNamespace)

	disconnect, err := crdtsync.Connect(vector, doc,
		crdtsync.WithOptimizeAt(o.optimizeAt),
		crdtsync.WithLogger(logger.Named("connect")),
	)
	if err != nil {
		vector.Destroy()
		return nil, err
	}

	channelOpts := []awareness.Option{
		awareness.WithLogger(logger.Named("cursors")),
		awareness.WithFlagTimeout(o.flagTimeout),
	}
	if o.afterFunc != nil {
		channelOpts = append(channelOpts, awareness.WithAfterFunc(o.afterFunc))
	}
	cursors, err := awareness.New(ctx, text, o.overlay, channelOpts...)
	if err != nil {
		disconnect()
		vector.Destroy()
		return nil, err
	}

	e := &Editor{
		room:       ctx,
		doc:        doc,
		text:       text,
		vector:     vector,
		cursors:    cursors,
		overlay:    o.overlay,
		logger:     logger,
		disconnect: disconnect,
		readOnly:   !ctx.IsWritable(),
	}
	e.offWritable = ctx.OnWritableChange(e.onWritableChange)

	logger.Info("editor ready", zap.String("client", vector.ClientID()), zap.Int("length", text.Len()))
	return e, nil
}

func (e *Editor) onWritableChange(writable bool) {
	e.mu.Lock()
	e.readOnly = !writable
	e.mu.Unlock()
	e.logger.Debug("writable changed", zap.Bool("writable", writable))
}

// checkWritable은 로컬 편집이 가능한지 확인합니다.
func (e *Editor) checkWritable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return common.ErrClosed
	}
	if e.readOnly {
		return common.ErrReadOnly
	}
	return nil
}

// Insert는 index 위치에 s를 삽입합니다.
func (e *Editor) Insert(index int, s string) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	return e.text.Insert(index, s)
}

// Delete는 index부터 length개 문자를 삭제합니다.
func (e *Editor) Delete(index, length int) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	return e.text.Delete(index, length)
}

// SetSelection은 로컬 선택 영역을 바꾸고 다른 사용자에게 알립니다. nil은 선택 해제입니다.
func (e *Editor) SetSelection(sel *awareness.Range, source awareness.Source) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return common.ErrClosed
	}
	if sel == nil {
		e.selection = nil
	} else {
		r := *sel
		e.selection = &r
	}
	e.mu.Unlock()

	return e.cursors.OnSelectionChange(sel, source)
}

// Selection은 마지막으로 설정한 로컬 선택 영역을 반환합니다.
func (e *Editor) Selection() *awareness.Range {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selection == nil {
		return nil
	}
	r := *e.selection
	return &r
}

// Text는 현재 문서 내용을 반환합니다.
func (e *Editor) Text() string {
	return e.text.String()
}

// ReadOnly는 로컬 편집이 막혀 있는지 여부를 반환합니다.
func (e *Editor) ReadOnly() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readOnly
}

// Overlay는 원격 커서 오버레이를 반환합니다.
func (e *Editor) Overlay() awareness.Overlay {
	return e.overlay
}

// Doc은 CRDT 문서를 반환합니다.
func (e *Editor) Doc() *crdt.Doc {
	return e.doc
}

// Vector는 업데이트 로그를 반환합니다.
func (e *Editor) Vector() *crdtsync.Vector {
	return e.vector
}

// Destroy는 모든 구독을 해제합니다. 여러 번 호출해도 안전합니다.
func (e *Editor) Destroy() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.offWritable()
	e.cursors.Close()
	e.disconnect()
	e.vector.Destroy()
	e.doc.Destroy()
	e.logger.Info("editor destroyed")
}
