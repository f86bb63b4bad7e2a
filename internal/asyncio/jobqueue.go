package asyncio

type jobState int

const (
	jobQueued jobState = iota
	jobRunning
	jobDone
	jobAborted
)

type job struct {
	id     Control
	req    Request
	state  jobState
	status Status
	n      int
	seq    uint64
	index  int // position in the heap, -1 when not queued
	done   chan struct{}
}

// jobQueue implements heap.Interface over queued jobs.
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	// Higher priority first, then submission order
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority > q[j].req.Priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x interface{}) {
	n := len(*q)
	item := x.(*job)
	item.index = n
	*q = append(*q, item)
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // Avoid memory leak
	item.index = -1 // For safety
	*q = old[0 : n-1]
	return item
}
