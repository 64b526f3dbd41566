package crdt

import (
	"encoding/binary"
	"fmt"

	"roomquill/luvtext/common"
)

// updateVersion is the first byte of every encoded update.
const updateVersion byte = 1

// ItemRecord describes a single inserted character inside an update.
type ItemRecord struct {
	Text    string
	ID      common.ID
	Origin  *common.ID
	Content rune
}

// DeleteRecord describes Len deleted characters of one client with consecutive
// clocks, starting at ID.
type DeleteRecord struct {
	Text string
	ID   common.ID
	Len  uint64
}

// end returns the first clock after the range.
func (r DeleteRecord) end() uint64 {
	return r.ID.Clock + r.Len
}

// Contains returns true if id falls inside the range.
func (r DeleteRecord) Contains(id common.ID) bool {
	return id.Client == r.ID.Client && id.Clock >= r.ID.Clock && id.Clock < r.end()
}

// Update is the decoded form of a binary delta exchanged between documents.
type Update struct {
	Items   []ItemRecord
	Deletes []DeleteRecord
}

// IsEmpty returns true if the update carries no changes.
func (u *Update) IsEmpty() bool {
	return len(u.Items) == 0 && len(u.Deletes) == 0
}

// addDelete records the deletion of id, extending the last range when id follows it.
func (u *Update) addDelete(text string, id common.ID) {
	if n := len(u.Deletes); n > 0 {
		last := &u.Deletes[n-1]
		if last.Text == text && last.ID.Client == id.Client && last.end() == id.Clock {
			last.Len++
			return
		}
	}
	u.Deletes = append(u.Deletes, DeleteRecord{Text: text, ID: id, Len: 1})
}

// Encode serializes the update into its binary form.
//
// Consecutive items created by the same client with consecutive clocks, each
// anchored to the previous one, are stored as a single run. Deletes are stored
// as clock ranges.
func (u *Update) Encode() []byte {
	buf := []byte{updateVersion}

	runs := u.itemRuns()
	buf = binary.AppendUvarint(buf, uint64(len(runs)))
	for _, run := range runs {
		first := u.Items[run.start]
		buf = appendString(buf, first.Text)
		buf = appendString(buf, first.ID.Client)
		buf = binary.AppendUvarint(buf, first.ID.Clock)
		if first.Origin == nil {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
			buf = appendString(buf, first.Origin.Client)
			buf = binary.AppendUvarint(buf, first.Origin.Clock)
		}
		content := make([]rune, 0, run.end-run.start)
		for i := run.start; i < run.end; i++ {
			content = append(content, u.Items[i].Content)
		}
		buf = appendString(buf, string(content))
	}

	buf = binary.AppendUvarint(buf, uint64(len(u.Deletes)))
	for _, r := range u.Deletes {
		buf = appendString(buf, r.Text)
		buf = appendString(buf, r.ID.Client)
		buf = binary.AppendUvarint(buf, r.ID.Clock)
		buf = binary.AppendUvarint(buf, r.Len)
	}
	return buf
}

type span struct {
	start int
	end   int
}

func (u *Update) itemRuns() []span {
	var runs []span
	for i := range u.Items {
		if len(runs) > 0 {
			last := &runs[len(runs)-1]
			prev := u.Items[i-1]
			cur := u.Items[i]
			if last.end == i &&
				cur.Text == prev.Text &&
				cur.ID.Client == prev.ID.Client &&
				cur.ID.Clock == prev.ID.Clock+1 &&
				cur.Origin != nil && *cur.Origin == prev.ID {
				last.end++
				continue
			}
		}
		runs = append(runs, span{start: i, end: i + 1})
	}
	return runs
}

// DecodeUpdate parses a binary update produced by Encode.
func DecodeUpdate(data []byte) (*Update, error) {
	r := &reader{data: data}

	version, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if version != updateVersion {
		return nil, fmt.Errorf("unsupported update version %d", version)
	}

	u := &Update{}

	runCount, err := r.readCount()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < runCount; i++ {
		text, err := r.readString()
		if err != nil {
			return nil, err
		}
		client, err := r.readString()
		if err != nil {
			return nil, err
		}
		clock, err := r.readUvarint()
		if err != nil {
			return nil, err
		}
		hasOrigin, err := r.readByte()
		if err != nil {
			return nil, err
		}
		var origin *common.ID
		switch hasOrigin {
		case 0:
		case 1:
			originClient, err := r.readString()
			if err != nil {
				return nil, err
			}
			originClock, err := r.readUvarint()
			if err != nil {
				return nil, err
			}
			origin = &common.ID{Client: originClient, Clock: originClock}
		default:
			return nil, fmt.Errorf("invalid origin flag %d", hasOrigin)
		}
		content, err := r.readString()
		if err != nil {
			return nil, err
		}
		if content == "" {
			return nil, fmt.Errorf("empty item run at %s:%d", client, clock)
		}

		id := common.ID{Client: client, Clock: clock}
		for _, c := range content {
			u.Items = append(u.Items, ItemRecord{Text: text, ID: id, Origin: origin, Content: c})
			prev := id
			origin = &prev
			id = id.Next()
		}
	}

	rangeCount, err := r.readCount()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < rangeCount; i++ {
		text, err := r.readString()
		if err != nil {
			return nil, err
		}
		client, err := r.readString()
		if err != nil {
			return nil, err
		}
		clock, err := r.readUvarint()
		if err != nil {
			return nil, err
		}
		length, err := r.readUvarint()
		if err != nil {
			return nil, err
		}
		if length == 0 || clock+length < clock {
			return nil, fmt.Errorf("invalid delete range %s:%d+%d", client, clock, length)
		}
		u.Deletes = append(u.Deletes, DeleteRecord{Text: text, ID: common.ID{Client: client, Clock: clock}, Len: length})
	}

	if r.pos != len(data) {
		return nil, fmt.Errorf("%d trailing bytes", len(data)-r.pos)
	}
	return u, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// reader walks over an encoded update.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("unexpected end of update at %d", r.pos)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("malformed varint at %d", r.pos)
	}
	r.pos += n
	return v, nil
}

// readCount reads a record count. Every record takes at least one byte.
func (r *reader) readCount() (uint64, error) {
	n, err := r.readUvarint()
	if err != nil {
		return 0, err
	}
	if n > uint64(len(r.data)-r.pos) {
		return 0, fmt.Errorf("record count %d exceeds update size", n)
	}
	return n, nil
}

func (r *reader) readString() (string, error) {
	n, err := r.readUvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(len(r.data)-r.pos) {
		return "", fmt.Errorf("string length %d exceeds update size", n)
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}
