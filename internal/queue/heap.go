package queue

import "container/heap"

// jobHeap orders jobs by (priority asc, enqueue sequence asc). The
// sequence tie-break preserves FIFO order within one priority level even
// when two jobs share a creation timestamp.
type jobItem struct {
	job *Job
	seq uint64
}

type jobHeap []*jobItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	if !h[i].job.CreatedAt.Equal(h[j].job.CreatedAt) {
		return h[i].job.CreatedAt.Before(h[j].job.CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	*h = append(*h, x.(*jobItem))
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*jobHeap)(nil)
