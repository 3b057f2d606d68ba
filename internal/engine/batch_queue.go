package engine

// batchEntry pairs an in-flight execution with the batch that produced it.
type batchEntry struct {
	future Future
	so     SchedulerOutput
}

// batchQueue is the bounded FIFO of in-flight batches. Only the compute
// goroutine touches it.
type batchQueue struct {
	entries  []batchEntry
	capacity int
}

func newBatchQueue(capacity int) *batchQueue {
	return &batchQueue{capacity: capacity, entries: make([]batchEntry, 0, capacity)}
}

func (q *batchQueue) Full() bool  { return len(q.entries) >= q.capacity }
func (q *batchQueue) Empty() bool { return len(q.entries) == 0 }
func (q *batchQueue) Len() int    { return len(q.entries) }
func (q *batchQueue) Cap() int    { return q.capacity }

// put panics on overflow; callers check Full first.
func (q *batchQueue) put(e batchEntry) {
	if q.Full() {
		panic("engine: batch queue overflow")
	}
	q.entries = append(q.entries, e)
	batchQueueDepth.Set(float64(len(q.entries)))
}

func (q *batchQueue) pop() batchEntry {
	e := q.entries[0]
	q.entries[0] = batchEntry{}
	q.entries = q.entries[1:]
	batchQueueDepth.Set(float64(len(q.entries)))
	return e
}
