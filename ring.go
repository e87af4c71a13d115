package kvstore

// ringCell is one (key, value) slot stored in the HybridLog's
// in-memory mutable region.
type ringCell struct {
	key   []byte
	value []byte
}

// ringBuffer is a bounded circular queue indexed by monotonically
// increasing 64-bit logical addresses (§4.4). write and read are the
// highest address ever stored and the highest address ever popped,
// respectively; len = write - read is the number of live cells.
type ringBuffer struct {
	cells []ringCell
	cap   int64
	read  int64
	write int64
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		cells: make([]ringCell, capacity),
		cap:   int64(capacity),
	}
}

// Len reports the number of live cells currently held.
func (rb *ringBuffer) Len() int64 {
	return rb.write - rb.read
}

// IsFull reports whether the buffer holds exactly its capacity.
func (rb *ringBuffer) IsFull() bool {
	return rb.Len() == rb.cap
}

// IsEmpty reports whether the buffer holds no cells.
func (rb *ringBuffer) IsEmpty() bool {
	return rb.Len() == 0
}

// Add stores cell and returns its new logical address. Fails against
// a full buffer.
func (rb *ringBuffer) Add(key, value []byte) (int64, error) {
	if rb.IsFull() {
		return 0, ErrRingFull
	}
	rb.write++
	rb.cells[rb.write%rb.cap] = ringCell{key: key, value: value}
	return rb.write, nil
}

// Pop removes and returns the oldest live cell, advancing read by one.
func (rb *ringBuffer) Pop() (la int64, cell ringCell, err error) {
	if rb.IsEmpty() {
		return 0, ringCell{}, ErrRingEmpty
	}
	rb.read++
	return rb.read, rb.cells[rb.read%rb.cap], nil
}

// At returns the cell stored at logical address la, if it is still
// live (read < la <= write).
func (rb *ringBuffer) At(la int64) (ringCell, bool) {
	if la <= rb.read || la > rb.write {
		return ringCell{}, false
	}
	return rb.cells[la%rb.cap], true
}

// resume repositions the buffer so the next Add returns nextLA,
// leaving it empty — used after recovery, when on-disk records have
// already claimed every logical address below nextLA.
func (rb *ringBuffer) resume(nextLA int64) {
	rb.write = nextLA - 1
	rb.read = nextLA - 1
}

// Write returns the highest logical address ever stored (the tail).
func (rb *ringBuffer) Write() int64 { return rb.write }

// Read returns the highest logical address ever popped (one behind
// the oldest live cell).
func (rb *ringBuffer) Read() int64 { return rb.read }
