package objstore

import "container/heap"

// CommitQueue is a priority queue of commits ordered by descending author
// time. Ties are broken by insertion order so that same-second commits
// yield a stable walk.
type CommitQueue struct {
	items commitHeap
	seq   int
}

// NewCommitQueue returns an empty queue.
func NewCommitQueue() *CommitQueue {
	q := &CommitQueue{}
	heap.Init(&q.items)
	return q
}

// Add inserts node, keyed on its AuthorTime.
func (q *CommitQueue) Add(node *CommitNode) {
	q.seq++
	heap.Push(&q.items, commitQueueEntry{node: node, seq: q.seq})
}

// Next removes and returns the commit with the highest author time, or nil
// if the queue is empty.
func (q *CommitQueue) Next() *CommitNode {
	if q.items.Len() == 0 {
		return nil
	}
	entry := heap.Pop(&q.items).(commitQueueEntry)
	return entry.node
}

// Peek returns the commit with the highest author time without removing
// it, or nil if the queue is empty.
func (q *CommitQueue) Peek() *CommitNode {
	if q.items.Len() == 0 {
		return nil
	}
	return q.items[0].node
}

// Len reports the number of queued commits.
func (q *CommitQueue) Len() int { return q.items.Len() }

type commitQueueEntry struct {
	node *CommitNode
	seq  int
}

// commitHeap is a max-heap on AuthorTime, with insertion order (seq) as a
// stable tiebreak so Add order is preserved among equal timestamps.
type commitHeap []commitQueueEntry

func (h commitHeap) Len() int { return len(h) }

func (h commitHeap) Less(i, j int) bool {
	if h[i].node.AuthorTime != h[j].node.AuthorTime {
		return h[i].node.AuthorTime > h[j].node.AuthorTime
	}
	return h[i].seq < h[j].seq
}

func (h commitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commitHeap) Push(x any) {
	*h = append(*h, x.(commitQueueEntry))
}

func (h *commitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
