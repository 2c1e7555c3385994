package resource

import "iter"

// Iterator walks a snapshot taken when it was created. Registrations and
// unregistrations made afterwards are not reflected. It cannot be rewound.
type Iterator struct {
	items []*Resource
	pos   int
	cur   *Resource
}

// Next advances to the next resource and reports whether there is one.
func (it *Iterator) Next() bool {
	if it.pos >= len(it.items) {
		it.cur = nil
		return false
	}
	it.cur = it.items[it.pos]
	it.items[it.pos] = nil
	it.pos++
	return true
}

// Resource returns the current resource.
func (it *Iterator) Resource() *Resource { return it.cur }

// Remaining returns how many resources Next has yet to yield.
func (it *Iterator) Remaining() int { return len(it.items) - it.pos }

// All yields the remaining resources. Like Next it consumes the iterator,
// so ranging twice yields nothing the second time.
func (it *Iterator) All() iter.Seq[*Resource] {
	return func(yield func(*Resource) bool) {
		for it.Next() {
			if !yield(it.cur) {
				return
			}
		}
	}
}
