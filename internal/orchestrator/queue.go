package orchestrator

import "container/heap"

// queueItem is one queued task with its insertion sequence for FIFO
// tie-breaking.
type queueItem struct {
	taskID   string
	priority int
	seq      uint64
}

// taskQueue is a min-heap ordered by priority, then insertion order.
type taskQueue []*queueItem

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x interface{}) {
	*q = append(*q, x.(*queueItem))
}

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// remove deletes the item for taskID, reporting whether it was present.
func (q *taskQueue) remove(taskID string) bool {
	for i, item := range *q {
		if item.taskID == taskID {
			heap.Remove(q, i)
			return true
		}
	}
	return false
}
