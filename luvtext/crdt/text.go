package crdt

import (
	"fmt"
	"strings"

	"roomquill/luvtext/common"
)

// Item is a single character of a Text.
// Deleted items stay in place as tombstones so that concurrent edits can still anchor to them.
type Item struct {
	ID      common.ID
	Origin  *common.ID
	Content rune
	Deleted bool

	text *Text
}

// Text is a Replicated Growable Array of characters owned by a Doc.
type Text struct {
	name  string
	doc   *Doc
	items []*Item
}

// Name returns the name the text was registered under.
func (t *Text) Name() string {
	return t.name
}

// Doc returns the document the text belongs to.
func (t *Text) Doc() *Doc {
	return t.doc
}

// String returns the visible content of the text.
func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	var b strings.Builder
	for _, item := range t.items {
		if !item.Deleted {
			b.WriteRune(item.Content)
		}
	}
	return b.String()
}

// Len returns the number of visible characters.
func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.length()
}

// Insert inserts s so that its first character ends up at index.
func (t *Text) Insert(index int, s string) error {
	if s == "" {
		return nil
	}
	return t.doc.transactLocal(func(u *Update) error {
		if index < 0 || index > t.length() {
			return common.ErrInvalidOperation{Message: fmt.Sprintf("insert index %d out of range [0,%d]", index, t.length())}
		}

		var origin *common.ID
		if index > 0 {
			left := t.items[t.visiblePosition(index-1)]
			id := left.ID
			origin = &id
		}

		for _, c := range s {
			t.doc.clock++
			item := &Item{
				ID:      common.ID{Client: t.doc.clientID, Clock: t.doc.clock},
				Origin:  origin,
				Content: c,
			}
			t.integrate(item)
			u.Items = append(u.Items, ItemRecord{Text: t.name, ID: item.ID, Origin: item.Origin, Content: c})
			id := item.ID
			origin = &id
		}
		return nil
	})
}

// Delete removes length visible characters starting at index.
func (t *Text) Delete(index, length int) error {
	if length == 0 {
		return nil
	}
	return t.doc.transactLocal(func(u *Update) error {
		if index < 0 || length < 0 || index+length > t.length() {
			return common.ErrInvalidOperation{Message: fmt.Sprintf("delete range [%d,%d) out of range [0,%d]", index, index+length, t.length())}
		}

		pos := t.visiblePosition(index)
		for removed := 0; removed < length; pos++ {
			item := t.items[pos]
			if item.Deleted {
				continue
			}
			item.Deleted = true
			u.addDelete(t.name, item.ID)
			removed++
		}
		return nil
	})
}

// length returns the number of visible characters. The caller must hold doc.mu.
func (t *Text) length() int {
	n := 0
	for _, item := range t.items {
		if !item.Deleted {
			n++
		}
	}
	return n
}

// visiblePosition returns the slice position of the visible character at index.
// The caller must hold doc.mu and guarantee that index is in range.
func (t *Text) visiblePosition(index int) int {
	for pos, item := range t.items {
		if item.Deleted {
			continue
		}
		if index == 0 {
			return pos
		}
		index--
	}
	return len(t.items)
}

// position returns the slice position of item, or -1.
func (t *Text) position(item *Item) int {
	for pos, it := range t.items {
		if it == item {
			return pos
		}
	}
	return -1
}

// indexOf returns the number of visible characters in front of item.
func (t *Text) indexOf(item *Item) int {
	n := 0
	for _, it := range t.items {
		if it == item {
			return n
		}
		if !it.Deleted {
			n++
		}
	}
	return n
}

// integrate places item right of its origin, after every sibling with a greater id.
// It returns false if the origin is not known yet.
func (t *Text) integrate(item *Item) bool {
	pos := 0
	if item.Origin != nil {
		origin, ok := t.doc.items[*item.Origin]
		if !ok || origin.text != t {
			return false
		}
		pos = t.position(origin) + 1
	}

	for pos < len(t.items) && t.items[pos].ID.Compare(item.ID) > 0 {
		pos++
	}

	t.items = append(t.items, nil)
	copy(t.items[pos+1:], t.items[pos:])
	t.items[pos] = item

	item.text = t
	t.doc.items[item.ID] = item
	t.doc.byClient[item.ID.Client] = append(t.doc.byClient[item.ID.Client], item)
	if item.ID.Clock > t.doc.clock {
		t.doc.clock = item.ID.Clock
	}
	return true
}
