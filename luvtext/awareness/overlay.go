package awareness

import (
	"sort"
	"sync"
)

// Range is a selection in a text: Length characters starting at Index.
type Range struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// Cursor is a remote user's marker as rendered by an Overlay.
type Cursor struct {
	ID    string
	Name  string
	Color string
	// Range is nil until the cursor has been moved for the first time.
	Range *Range
	// FlagVisible reports whether the name flag is shown.
	FlagVisible bool
}

// Overlay renders remote cursors on top of the editor.
type Overlay interface {
	// CreateCursor returns the cursor with id, creating it if needed.
	// Name and color of an existing cursor are updated.
	CreateCursor(id, name, color string) Cursor
	MoveCursor(id string, r Range)
	ToggleFlag(id string, visible bool)
	RemoveCursor(id string)
	Cursors() []Cursor
}

// MemoryOverlay keeps cursors in memory. It is used by headless editors and tests.
type MemoryOverlay struct {
	mu      sync.Mutex
	cursors map[string]*Cursor
}

var _ Overlay = (*MemoryOverlay)(nil)

// NewMemoryOverlay creates an empty overlay.
func NewMemoryOverlay() *MemoryOverlay {
	return &MemoryOverlay{cursors: make(map[string]*Cursor)}
}

func (o *MemoryOverlay) CreateCursor(id, name, color string) Cursor {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.cursors[id]
	if !ok {
		c = &Cursor{ID: id}
		o.cursors[id] = c
	}
	c.Name = name
	c.Color = color
	return c.snapshot()
}

func (o *MemoryOverlay) MoveCursor(id string, r Range) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.cursors[id]; ok {
		c.Range = &r
	}
}

func (o *MemoryOverlay) ToggleFlag(id string, visible bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.cursors[id]; ok {
		c.FlagVisible = visible
	}
}

func (o *MemoryOverlay) RemoveCursor(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cursors, id)
}

// Cursors returns a snapshot of all cursors ordered by id.
func (o *MemoryOverlay) Cursors() []Cursor {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Cursor, 0, len(o.cursors))
	for _, c := range o.cursors {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cursor returns the cursor with id.
func (o *MemoryOverlay) Cursor(id string) (Cursor, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.cursors[id]
	if !ok {
		return Cursor{}, false
	}
	return c.snapshot(), true
}

func (c *Cursor) snapshot() Cursor {
	out := *c
	if c.Range != nil {
		r := *c.Range
		out.Range = &r
	}
	return out
}
