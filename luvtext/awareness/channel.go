package awareness

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"roomquill/core/qlog"
	"roomquill/internal/metrics"
	"roomquill/luvtext/common"
	"roomquill/luvtext/crdt"
	"roomquill/luvtext/room"
	"roomquill/luvtext/roomstorage"
)

const (
	// DefaultNamespace is the storage namespace holding cursor records.
	DefaultNamespace = "cursors"
	// DefaultFlagTimeout is how long a name flag stays visible after a cursor moved.
	DefaultFlagTimeout = 3 * time.Second
	// DefaultColor is used for members without a stroke color.
	DefaultColor = "#ffa500"
)

// Source tells where a selection change came from.
type Source string

const (
	SourceUser   Source = "user"
	SourceAPI    Source = "api"
	SourceSilent Source = "silent"
)

// Record is the cursor of one user as stored in the cursors namespace.
// A JSON null record means the user has no selection.
type Record struct {
	Anchor crdt.RelativePosition `json:"anchor"`
	Head   crdt.RelativePosition `json:"head"`
}

// AfterFunc calls fn once d has elapsed and returns a function that cancels the call.
type AfterFunc func(d time.Duration, fn func()) (stop func() bool)

// Option configures a Channel.
type Option func(*Channel)

// WithNamespace sets the storage namespace.
func WithNamespace(namespace string) Option {
	return func(c *Channel) {
		if namespace != "" {
			c.namespace = namespace
		}
	}
}

// WithFlagTimeout sets how long name flags stay visible.
func WithFlagTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.flagTimeout = d
		}
	}
}

// WithAfterFunc replaces the timer used to hide name flags.
func WithAfterFunc(fn AfterFunc) Option {
	return func(c *Channel) {
		if fn != nil {
			c.afterFunc = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type flagTimer struct {
	stop func() bool
}

// Channel shares the local selection through room storage and renders the
// selections of the other members onto an Overlay.
//
// Records are relative positions, so a remote cursor stays attached to the same
// characters while the document changes underneath it. Records of users that
// left the room are deleted by any writable member.
type Channel struct {
	room    room.Context
	storage roomstorage.Storage
	doc     *crdt.Doc
	text    *crdt.Text
	overlay Overlay
	me      string

	namespace   string
	flagTimeout time.Duration
	afterFunc   AfterFunc
	logger      *zap.Logger

	mu      sync.Mutex
	timers  map[string]*flagTimer
	reaping map[string]struct{}
	closed  bool

	offs      []func()
	closeOnce sync.Once
}

// New creates a cursor channel for text and starts listening for changes.
func New(ctx room.Context, text *crdt.Text, overlay Overlay, opts ...Option) (*Channel, error) {
	if overlay == nil {
		return nil, common.ErrConfiguration{Field: "overlay", Message: "overlay cannot be nil"}
	}

	c := &Channel{
		room:        ctx,
		doc:         text.Doc(),
		text:        text,
		overlay:     overlay,
		me:          ctx.UID(),
		namespace:   DefaultNamespace,
		flagTimeout: DefaultFlagTimeout,
		logger:      qlog.Named("awareness"),
		timers:      make(map[string]*flagTimer),
		reaping:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.afterFunc == nil {
		scheduler := ctx.Scheduler()
		c.afterFunc = func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, func() { scheduler.NextTick(fn) }).Stop
		}
	}

	storage, err := ctx.CreateStorage(c.namespace)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create storage %q", c.namespace)
	}
	c.storage = storage

	c.offs = append(c.offs,
		storage.AddStateChangedListener(func(roomstorage.Diff) { c.Refresh() }),
		ctx.OnMembersChange(func([]room.Member) { c.Refresh() }),
		// edits move the characters the records point at
		c.doc.OnUpdate(func([]byte, common.Origin) { c.Refresh() }),
	)

	c.Refresh()
	return c, nil
}

// OnSelectionChange publishes the local selection. A nil selection clears it.
// Silent changes are ignored, so programmatic selection updates do not make
// the cursor jump for other users.
func (c *Channel) OnSelectionChange(sel *Range, source Source) error {
	if source == SourceSilent || c.isClosed() {
		return nil
	}

	if c.room.IsWritable() {
		value := roomstorage.Value("null")
		if sel != nil {
			record := Record{
				Anchor: crdt.CreateRelativePositionFromTypeIndex(c.text, sel.Index),
				Head:   crdt.CreateRelativePositionFromTypeIndex(c.text, sel.Index+sel.Length),
			}
			encoded, err := roomstorage.Encode(record)
			if err != nil {
				return err
			}
			value = encoded
		}
		if err := c.storage.SetState(map[string]roomstorage.Value{c.me: value}); err != nil {
			return errors.Wrap(err, "failed to publish selection")
		}
	}

	c.Refresh()
	return nil
}

// Refresh reconciles the overlay with the stored records and the room members.
func (c *Channel) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	metrics.CursorRefreshes.Inc()

	state := c.storage.State()
	members := c.room.Members()

	uids := make(map[string]struct{}, len(state))
	for uid := range state {
		uids[uid] = struct{}{}
	}
	for _, cursor := range c.overlay.Cursors() {
		uids[cursor.ID] = struct{}{}
	}

	for uid := range uids {
		if uid == c.me {
			c.remove(uid)
			continue
		}

		member, ok := room.FindMember(members, uid)
		if !ok {
			c.remove(uid)
			if _, stored := state[uid]; stored && c.room.IsWritable() {
				c.scheduleReap(uid)
			}
			continue
		}

		c.update(uid, member, state[uid])
	}
}

// update renders the cursor of a present member. Any record that cannot be
// resolved against the local document hides the cursor.
func (c *Channel) update(uid string, member room.Member, value roomstorage.Value) {
	if value == nil || roomstorage.IsNull(value) {
		c.remove(uid)
		return
	}

	record, err := roomstorage.Decode[Record](value)
	if err != nil {
		metrics.DecodeFailures.WithLabelValues("cursor").Inc()
		c.logger.Warn("failed to decode cursor", zap.String("uid", uid), zap.Error(err))
		c.remove(uid)
		return
	}

	anchor, ok := crdt.CreateAbsolutePositionFromRelativePosition(record.Anchor, c.doc)
	if !ok || anchor.Type != c.text {
		c.logger.Debug("cursor anchor not resolvable", zap.String("uid", uid))
		c.remove(uid)
		return
	}
	head, ok := crdt.CreateAbsolutePositionFromRelativePosition(record.Head, c.doc)
	if !ok || head.Type != c.text {
		c.logger.Debug("cursor head not resolvable", zap.String("uid", uid))
		c.remove(uid)
		return
	}

	r := Range{Index: anchor.Index, Length: head.Index - anchor.Index}
	cursor := c.overlay.CreateCursor(uid, Label(member), Color(member))
	if cursor.Range != nil && *cursor.Range == r {
		return
	}

	c.overlay.MoveCursor(uid, r)
	c.overlay.ToggleFlag(uid, true)
	c.restartTimer(uid)
}

func (c *Channel) restartTimer(uid string) {
	if t, ok := c.timers[uid]; ok {
		t.stop()
	}
	t := &flagTimer{}
	t.stop = c.afterFunc(c.flagTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || c.timers[uid] != t {
			return
		}
		delete(c.timers, uid)
		c.overlay.ToggleFlag(uid, false)
	})
	c.timers[uid] = t
}

func (c *Channel) remove(uid string) {
	if t, ok := c.timers[uid]; ok {
		t.stop()
		delete(c.timers, uid)
	}
	c.overlay.RemoveCursor(uid)
}

// scheduleReap deletes the record of a user that left the room on the next tick.
// Writing from inside Refresh would re-enter it through the storage listener.
func (c *Channel) scheduleReap(uid string) {
	if _, pending := c.reaping[uid]; pending {
		return
	}
	c.reaping[uid] = struct{}{}

	c.room.Scheduler().NextTick(func() {
		c.mu.Lock()
		delete(c.reaping, uid)
		closed := c.closed
		c.mu.Unlock()

		if closed || !c.room.IsWritable() {
			return
		}
		if _, rejoined := room.FindMember(c.room.Members(), uid); rejoined {
			return
		}
		if err := c.storage.SetState(map[string]roomstorage.Value{uid: nil}); err != nil {
			c.logger.Warn("failed to remove stale cursor", zap.String("uid", uid), zap.Error(err))
			return
		}
		metrics.StaleCursorsReaped.Inc()
	})
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops listening, cancels timers and releases the storage handle.
// It is safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for uid, t := range c.timers {
			t.stop()
			delete(c.timers, uid)
		}
		c.mu.Unlock()

		for _, off := range c.offs {
			off()
		}
		c.storage.Destroy()
	})
}

// Label returns the name shown on a member's cursor.
func Label(m room.Member) string {
	if m.Payload.NickName != "" {
		return m.Payload.NickName
	}
	return "User: " + m.UID()
}

// Color returns the CSS color of a member's cursor.
func Color(m room.Member) string {
	c := m.MemberState.StrokeColor
	if len(c) != 3 {
		return DefaultColor
	}
	return fmt.Sprintf("rgb(%d,%d,%d)", c[0], c[1], c[2])
}
