package oblivious

import "errors"

// ErrQueueFull is returned when more records are pushed than the queue was
// sized for. The capacity is public, so this check leaks nothing.
var ErrQueueFull = errors.New("oblivious queue full")

// record is one entry of a histogram or distance list. valid is a mask.
type record struct {
	key   uint32
	value uint32
	silo  uint32
	pos   uint32
	valid uint32
}

// sortKey orders invalid records last, then by key, then by silo.
func (r *record) sortKey() uint64 {
	return uint64(^r.valid&1)<<63 | uint64(r.key)<<31 | uint64(r.silo&0x7fffffff)
}

// assign copies src into r where m is set.
func (r *record) assign(m uint32, src record) {
	r.key = sel32(m, src.key, r.key)
	r.value = sel32(m, src.value, r.value)
	r.silo = sel32(m, src.silo, r.silo)
	r.pos = sel32(m, src.pos, r.pos)
	r.valid = sel32(m, src.valid, r.valid)
}

// cswap exchanges a and b where m is set.
func cswap(m uint32, a, b *record) {
	t := (a.key ^ b.key) & m
	a.key, b.key = a.key^t, b.key^t
	t = (a.value ^ b.value) & m
	a.value, b.value = a.value^t, b.value^t
	t = (a.silo ^ b.silo) & m
	a.silo, b.silo = a.silo^t, b.silo^t
	t = (a.pos ^ b.pos) & m
	a.pos, b.pos = a.pos^t, b.pos^t
	t = (a.valid ^ b.valid) & m
	a.valid, b.valid = a.valid^t, b.valid^t
}

// Queue is a fixed-capacity min-queue. Its buffer is padded to a power of two
// and kept ordered by a full bitonic sort after every mutation, so the memory
// access pattern depends only on the capacity.
type Queue struct {
	slots    []record
	capacity int
	live     int
}

// NewQueue creates a queue able to hold capacity records at once.
func NewQueue(capacity int) *Queue {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &Queue{slots: make([]record, n), capacity: capacity}
}

// Push writes r into the first free slot with a full-length masked scan and
// restores order. An invalid r leaves the queue contents unchanged.
func (q *Queue) Push(r record) error {
	if q.live >= q.capacity {
		return ErrQueueFull
	}
	q.live++

	var placed uint32
	for i := range q.slots {
		free := ^q.slots[i].valid & ^placed
		q.slots[i].assign(free, r)
		placed |= free
	}
	q.sort()
	return nil
}

// Pop removes and returns the head. The result is invalid when the queue
// holds no valid records.
func (q *Queue) Pop() record {
	if q.live > 0 {
		q.live--
	}
	head := q.slots[0]
	q.slots[0].valid = 0
	q.sort()
	return head
}

// sort runs a bitonic network over the whole buffer. Branches depend only on
// slot indices.
func (q *Queue) sort() {
	n := len(q.slots)
	for k := 2; k <= n; k <<= 1 {
		for j := k >> 1; j > 0; j >>= 1 {
			for i := 0; i < n; i++ {
				l := i ^ j
				if l <= i {
					continue
				}
				a, b := &q.slots[i], &q.slots[l]
				var m uint32
				if i&k == 0 {
					m = lt64(b.sortKey(), a.sortKey())
				} else {
					m = lt64(a.sortKey(), b.sortKey())
				}
				cswap(m, a, b)
			}
		}
	}
}

// fetch returns the valid record of silo at position pos, or an invalid
// record, scanning every entry.
func fetch(records []record, silo, pos uint32) record {
	var out record
	for _, r := range records {
		m := eq32(r.silo, silo) & eq32(r.pos, pos) & r.valid
		out.assign(m, r)
	}
	return out
}

// readAt returns values[i] scanning every entry.
func readAt(values []uint32, i uint32) uint32 {
	var out uint32
	for j, v := range values {
		out = sel32(eq32(uint32(j), i), v, out)
	}
	return out
}

// addAt adds delta to values[i] where m is set, scanning every entry.
func addAt(values []uint32, i, delta, m uint32) {
	for j := range values {
		values[j] += delta & m & eq32(uint32(j), i)
	}
}
