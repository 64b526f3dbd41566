package crdt

import (
	"sort"
	"sync"

	"roomquill/luvtext/common"
)

// UpdateListener receives every change applied to a document as an encoded update.
type UpdateListener func(update []byte, origin common.Origin)

// Doc is a local replica of a set of shared texts.
//
// Local edits go through Text.Insert and Text.Delete, remote changes through ApplyUpdate.
// Both emit an encoded update to the registered listeners, tagged with their origin.
// Listeners are called after the document lock is released, so they may read the
// document or encode its state.
type Doc struct {
	mu       sync.Mutex
	clientID string
	clock    uint64
	texts    map[string]*Text
	items    map[common.ID]*Item
	byClient map[string][]*Item

	// pending holds remote items whose origin has not been integrated yet.
	pending    []ItemRecord
	pendingIDs map[common.ID]struct{}
	// pendingDeletes holds the delete ranges, or parts of them, whose items have
	// not been integrated yet. Ranges never overlap.
	pendingDeletes []DeleteRecord

	txn      *Update
	txnDepth int

	listenerMu   sync.Mutex
	listeners    []listenerEntry
	nextListener int
}

type listenerEntry struct {
	id int
	fn UpdateListener
}

// DocOption configures a Doc.
type DocOption func(*Doc)

// WithClientID sets the client id used for locally created items.
func WithClientID(clientID string) DocOption {
	return func(d *Doc) {
		if clientID != "" {
			d.clientID = clientID
		}
	}
}

// NewDoc creates an empty document with a random client id.
func NewDoc(opts ...DocOption) *Doc {
	d := &Doc{
		clientID:       common.NewClientID(),
		texts:          make(map[string]*Text),
		items:      make(map[common.ID]*Item),
		byClient:   make(map[string][]*Item),
		pendingIDs: make(map[common.ID]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ClientID returns the id stamped on locally created items.
func (d *Doc) ClientID() string {
	return d.clientID
}

// GetText returns the text registered under name, creating it if needed.
func (d *Doc) GetText(name string) *Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text(name)
}

func (d *Doc) text(name string) *Text {
	t, ok := d.texts[name]
	if !ok {
		t = &Text{name: name, doc: d}
		d.texts[name] = t
	}
	return t
}

// OnUpdate registers a listener for document updates and returns a function that removes it.
func (d *Doc) OnUpdate(fn UpdateListener) func() {
	d.listenerMu.Lock()
	id := d.nextListener
	d.nextListener++
	d.listeners = append(d.listeners, listenerEntry{id: id, fn: fn})
	d.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.listenerMu.Lock()
			defer d.listenerMu.Unlock()
			for i, entry := range d.listeners {
				if entry.id == id {
					d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Transact groups every local edit made inside fn into a single update.
func (d *Doc) Transact(fn func()) {
	d.mu.Lock()
	d.txnDepth++
	if d.txn == nil {
		d.txn = &Update{}
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.txnDepth--
		var out *Update
		if d.txnDepth == 0 {
			out, d.txn = d.txn, nil
		}
		d.mu.Unlock()

		if out != nil && !out.IsEmpty() {
			d.emit(out.Encode(), common.OriginLocal)
		}
	}()

	fn()
}

// transactLocal runs a local edit under the document lock and emits its update,
// unless it runs inside Transact.
func (d *Doc) transactLocal(fn func(u *Update) error) error {
	d.mu.Lock()
	if d.txn == nil {
		d.txn = &Update{}
	}
	err := fn(d.txn)
	var out *Update
	if d.txnDepth == 0 {
		out, d.txn = d.txn, nil
	}
	d.mu.Unlock()

	if out != nil && !out.IsEmpty() {
		d.emit(out.Encode(), common.OriginLocal)
	}
	return err
}

// ApplyUpdate merges an encoded update into the document.
//
// Applying the same update twice, or a set of updates in any order, yields the same
// state. Items whose origin is unknown are kept aside until the origin arrives.
// The changes that actually took effect are emitted to listeners with the given origin.
func (d *Doc) ApplyUpdate(update []byte, origin common.Origin) error {
	u, err := DecodeUpdate(update)
	if err != nil {
		return common.ErrDecode{Kind: "update", Err: err}
	}

	d.mu.Lock()
	applied := &Update{}
	for _, rec := range u.Items {
		if d.known(rec.ID) {
			continue
		}
		if !d.integrateRecord(rec, applied) {
			d.pending = append(d.pending, rec)
			d.pendingIDs[rec.ID] = struct{}{}
		}
	}
	d.flushPending(applied)

	for _, del := range u.Deletes {
		d.applyDelete(del, applied)
	}
	d.mu.Unlock()

	if !applied.IsEmpty() {
		d.emit(applied.Encode(), origin)
	}
	return nil
}

func (d *Doc) known(id common.ID) bool {
	if _, ok := d.items[id]; ok {
		return true
	}
	_, ok := d.pendingIDs[id]
	return ok
}

// integrateRecord integrates a single remote item and records it in applied.
func (d *Doc) integrateRecord(rec ItemRecord, applied *Update) bool {
	item := &Item{ID: rec.ID, Origin: rec.Origin, Content: rec.Content}
	if !d.text(rec.Text).integrate(item) {
		return false
	}
	applied.Items = append(applied.Items, rec)

	if d.takePendingDelete(rec.ID) {
		item.Deleted = true
		applied.addDelete(rec.Text, rec.ID)
	}
	return true
}

// applyDelete deletes the integrated items of del and keeps the other clocks pending.
// The work done is bounded by the number of items the client actually owns, not by del.Len.
func (d *Doc) applyDelete(del DeleteRecord, applied *Update) {
	var found []*Item
	if owned := d.byClient[del.ID.Client]; del.Len > uint64(len(owned)) {
		for _, item := range owned {
			if del.Contains(item.ID) {
				found = append(found, item)
			}
		}
	} else {
		for k := uint64(0); k < del.Len; k++ {
			if item, ok := d.items[common.ID{Client: del.ID.Client, Clock: del.ID.Clock + k}]; ok {
				found = append(found, item)
			}
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ID.Clock < found[j].ID.Clock })

	next := del.ID.Clock
	for _, item := range found {
		if item.ID.Clock > next {
			d.addPendingDelete(DeleteRecord{Text: del.Text, ID: common.ID{Client: del.ID.Client, Clock: next}, Len: item.ID.Clock - next})
		}
		next = item.ID.Clock + 1
		if !item.Deleted {
			item.Deleted = true
			applied.addDelete(item.text.name, item.ID)
		}
	}
	if end := del.end(); next < end {
		d.addPendingDelete(DeleteRecord{Text: del.Text, ID: common.ID{Client: del.ID.Client, Clock: next}, Len: end - next})
	}
}

// addPendingDelete stores r, merging it with every pending range it overlaps or touches.
func (d *Doc) addPendingDelete(r DeleteRecord) {
	kept := d.pendingDeletes[:0]
	for _, p := range d.pendingDeletes {
		if p.ID.Client == r.ID.Client && p.ID.Clock <= r.end() && r.ID.Clock <= p.end() {
			start := min(p.ID.Clock, r.ID.Clock)
			end := max(p.end(), r.end())
			r.ID.Clock, r.Len = start, end-start
			continue
		}
		kept = append(kept, p)
	}
	d.pendingDeletes = append(kept, r)
}

// takePendingDelete removes id from the pending ranges and reports whether it was there.
func (d *Doc) takePendingDelete(id common.ID) bool {
	for i, p := range d.pendingDeletes {
		if !p.Contains(id) {
			continue
		}
		var split []DeleteRecord
		if id.Clock > p.ID.Clock {
			split = append(split, DeleteRecord{Text: p.Text, ID: p.ID, Len: id.Clock - p.ID.Clock})
		}
		if id.Clock+1 < p.end() {
			split = append(split, DeleteRecord{Text: p.Text, ID: id.Next(), Len: p.end() - id.Clock - 1})
		}
		rest := append(split, d.pendingDeletes[i+1:]...)
		d.pendingDeletes = append(d.pendingDeletes[:i], rest...)
		return true
	}
	return false
}

// flushPending integrates pending items until no more progress is made.
func (d *Doc) flushPending(applied *Update) {
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		remaining := d.pending[:0]
		for _, rec := range d.pending {
			if d.integrateRecord(rec, applied) {
				delete(d.pendingIDs, rec.ID)
				progress = true
				continue
			}
			remaining = append(remaining, rec)
		}
		d.pending = remaining
	}
}

// EncodeStateAsUpdate encodes the whole document, including tombstones and
// pending changes, as a single update.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.texts))
	for name := range d.texts {
		names = append(names, name)
	}
	sort.Strings(names)

	u := &Update{}
	for _, name := range names {
		t := d.texts[name]
		for _, item := range t.items {
			u.Items = append(u.Items, ItemRecord{Text: name, ID: item.ID, Origin: item.Origin, Content: item.Content})
		}
		for _, item := range t.items {
			if item.Deleted {
				u.addDelete(name, item.ID)
			}
		}
	}

	u.Items = append(u.Items, d.pending...)

	pendingDeletes := make([]DeleteRecord, len(d.pendingDeletes))
	copy(pendingDeletes, d.pendingDeletes)
	sort.Slice(pendingDeletes, func(i, j int) bool {
		return pendingDeletes[i].ID.Compare(pendingDeletes[j].ID) < 0
	})
	u.Deletes = append(u.Deletes, pendingDeletes...)

	return u.Encode()
}

// PendingCount returns the number of remote items waiting for their origin.
func (d *Doc) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// PendingDeletes returns the delete ranges waiting for their items.
func (d *Doc) PendingDeletes() []DeleteRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeleteRecord, len(d.pendingDeletes))
	copy(out, d.pendingDeletes)
	return out
}

// Destroy removes every listener.
func (d *Doc) Destroy() {
	d.listenerMu.Lock()
	d.listeners = nil
	d.listenerMu.Unlock()
}

func (d *Doc) emit(update []byte, origin common.Origin) {
	d.listenerMu.Lock()
	listeners := make([]listenerEntry, len(d.listeners))
	copy(listeners, d.listeners)
	d.listenerMu.Unlock()

	for _, entry := range listeners {
		entry.fn(update, origin)
	}
}
