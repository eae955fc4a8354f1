package difftest

import (
	"fmt"

	"github.com/colorfulnotion/pmem/memerrors"
)

// StoreCommit is one recorded store. Data is normalized to the aligned
// 4-byte lane the store landed in, see NormalizeStore.
type StoreCommit struct {
	Addr  uint64
	Data  uint64
	Valid bool
}

// StoreQueue is a fixed-capacity ring of committed stores. The valid flag of
// the slot at head is the only emptiness test, so a full ring and an empty
// ring never look alike even though head == tail in both.
//
// StoreQueue is not safe for concurrent use: Push and Pop must be serialized
// by the caller.
type StoreQueue struct {
	slots    []StoreCommit
	head     int
	tail     int
	overflow bool
	sink     Sink
}

func NewStoreQueue(size int, sink Sink) *StoreQueue {
	if size <= 0 {
		panic(fmt.Sprintf("difftest: store queue size must be positive, got %d", size))
	}
	if sink == nil {
		sink = LogSink{}
	}
	return &StoreQueue{
		slots: make([]StoreCommit, size),
		sink:  sink,
	}
}

// NormalizeStore places a sub-word store inside its 4-byte lane the way the
// reference model reports it. Widths other than 1, 2 and 4 panic: 8-byte
// stores have no lane encoding and are not recorded.
func NormalizeStore(addr, data uint64, width int) uint64 {
	shift := (addr % 4) << 3
	switch width {
	case 1:
		return (data & 0xff) << shift
	case 2:
		return (data & 0xffff) << shift
	case 4:
		return data
	default:
		panic(fmt.Errorf("store commit width %d at 0x%x: %w", width, addr, memerrors.ErrUnsupportedWidth))
	}
}

// Push records a store. After the first overflow every push is dropped until
// Reset; the oldest unread entry is never overwritten.
func (q *StoreQueue) Push(addr, data uint64, width int) {
	if q.overflow {
		return
	}
	commit := &q.slots[q.tail]
	if commit.Valid {
		q.overflow = true
		q.sink.Overflow()
		return
	}
	commit.Data = NormalizeStore(addr, data, width)
	commit.Addr = addr
	commit.Valid = true
	q.tail = (q.tail + 1) % len(q.slots)
}

// Pop removes the oldest entry. ok is false when the queue is empty.
func (q *StoreQueue) Pop() (commit StoreCommit, ok bool) {
	slot := &q.slots[q.head]
	if !slot.Valid {
		return StoreCommit{}, false
	}
	commit = *slot
	slot.Valid = false
	q.head = (q.head + 1) % len(q.slots)
	return commit, true
}

// Pending returns the unread entries in commit order without consuming them.
func (q *StoreQueue) Pending() []StoreCommit {
	out := make([]StoreCommit, 0, len(q.slots))
	for i, idx := 0, q.head; i < len(q.slots); i, idx = i+1, (idx+1)%len(q.slots) {
		if !q.slots[idx].Valid {
			break
		}
		out = append(out, q.slots[idx])
	}
	return out
}

func (q *StoreQueue) Len() int {
	n := 0
	for idx := q.head; n < len(q.slots) && q.slots[idx].Valid; idx = (idx + 1) % len(q.slots) {
		n++
	}
	return n
}

func (q *StoreQueue) Cap() int { return len(q.slots) }

// Overflowed reports whether the sticky overflow latch is set.
func (q *StoreQueue) Overflowed() bool { return q.overflow }

// Reset empties the queue and clears the overflow latch.
func (q *StoreQueue) Reset() {
	clear(q.slots)
	q.head, q.tail = 0, 0
	q.overflow = false
}
