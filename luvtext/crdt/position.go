package crdt

import (
	"roomquill/luvtext/common"
)

// RelativePosition points at a location in a text in a way that survives concurrent edits.
//
// Item is the character right of the position; nil means the end of the text.
// If that character is deleted later, the position collapses to where it used to be.
type RelativePosition struct {
	TName string     `json:"tname"`
	Item  *common.ID `json:"item,omitempty"`
}

// AbsolutePosition is a RelativePosition resolved against a document.
type AbsolutePosition struct {
	Type  *Text
	Index int
}

// CreateRelativePositionFromTypeIndex encodes the position at index of t.
// Indexes past the end of the text are clamped to the end.
func CreateRelativePositionFromTypeIndex(t *Text, index int) RelativePosition {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	rpos := RelativePosition{TName: t.name}
	if index < 0 {
		index = 0
	}
	if index >= t.length() {
		return rpos
	}
	id := t.items[t.visiblePosition(index)].ID
	rpos.Item = &id
	return rpos
}

// CreateAbsolutePositionFromRelativePosition resolves rpos against doc.
// It returns false if the text or the anchoring character is not known to doc.
func CreateAbsolutePositionFromRelativePosition(rpos RelativePosition, doc *Doc) (AbsolutePosition, bool) {
	doc.mu.Lock()
	defer doc.mu.Unlock()

	t, ok := doc.texts[rpos.TName]
	if !ok {
		return AbsolutePosition{}, false
	}
	if rpos.Item == nil {
		return AbsolutePosition{Type: t, Index: t.length()}, true
	}

	item, ok := doc.items[*rpos.Item]
	if !ok || item.text != t {
		return AbsolutePosition{}, false
	}
	return AbsolutePosition{Type: t, Index: t.indexOf(item)}, true
}
