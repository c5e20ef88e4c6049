package sstable

import "github.com/loradb/loradb/internal/frame"

// cursor walks one reader's index in order, reading entries on demand.
type cursor struct {
	r    *Reader
	pos  int
	key  []byte
	fr   frame.Frame
	done bool
}

func newCursor(r *Reader) (*cursor, error) {
	c := &cursor{r: r}
	if err := c.advance(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *cursor) advance() error {
	if c.pos >= len(c.r.index) {
		c.done = true
		c.key = nil
		return nil
	}
	e := c.r.index[c.pos]
	fr, err := c.r.readEntryAt(e)
	if err != nil {
		return err
	}
	c.key = e.key
	c.fr = fr
	c.pos++
	return nil
}

// MergeIterator merges several SSTable readers into a single ascending,
// deduplicated stream, keeping the value from the newest reader on a key
// collision. Used by compaction (spec.md §4.5); readers must be ordered
// newest first.
type MergeIterator struct {
	cursors   []*cursor
	key       []byte
	fr        frame.Frame
	valid     bool
	sourceIdx int
}

// NewMergeIterator builds a merge iterator over readers, ordered from newest
// to oldest. Readers that fail to produce even one entry are skipped.
func NewMergeIterator(readers []*Reader) (*MergeIterator, error) {
	cursors := make([]*cursor, 0, len(readers))
	for _, r := range readers {
		if r == nil {
			continue
		}
		c, err := newCursor(r)
		if err != nil {
			return nil, err
		}
		if !c.done {
			cursors = append(cursors, c)
		}
	}
	mi := &MergeIterator{cursors: cursors}
	if err := mi.advance(); err != nil {
		return nil, err
	}
	return mi, nil
}

// Valid reports whether Key/Frame hold a current entry.
func (mi *MergeIterator) Valid() bool { return mi.valid }

// Key returns the current encoded key.
func (mi *MergeIterator) Key() []byte { return mi.key }

// Frame returns the current frame, taken from the newest reader on a tie.
func (mi *MergeIterator) Frame() frame.Frame { return mi.fr }

// SourceIndex returns the position, among the readers passed to
// NewMergeIterator (newest first), of the reader the current Frame came
// from. Used by compaction to rank entries that share a (device, timestamp)
// but differ in sequence — the merge key alone does not tell it which table
// is newer.
func (mi *MergeIterator) SourceIndex() int { return mi.sourceIdx }

// Next advances to the next distinct key.
func (mi *MergeIterator) Next() error { return mi.advance() }

func (mi *MergeIterator) advance() error {
	mi.valid = false
	mi.key = nil

	var minKey []byte
	for _, c := range mi.cursors {
		if c.done {
			continue
		}
		if minKey == nil || frame.Compare(c.key, minKey) < 0 {
			minKey = c.key
		}
	}
	if minKey == nil {
		return nil
	}

	var chosenFrame frame.Frame
	haveChosen := false
	chosenIdx := -1
	for idx, c := range mi.cursors {
		if c.done || frame.Compare(c.key, minKey) != 0 {
			continue
		}
		if !haveChosen {
			chosenFrame = c.fr
			haveChosen = true
			chosenIdx = idx
		}
		if err := c.advance(); err != nil {
			return err
		}
	}

	mi.key = minKey
	mi.fr = chosenFrame
	mi.sourceIdx = chosenIdx
	mi.valid = true
	return nil
}
