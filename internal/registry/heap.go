package registry

type item struct {
	req   Request
	index int
}

func before(a, b Request) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.ID < b.ID
}

// requestHeap is a container/heap min-heap keyed by (ReceivedAt, ID).
type requestHeap []*item

func (h requestHeap) Len() int           { return len(h) }
func (h requestHeap) Less(i, j int) bool { return before(h[i].req, h[j].req) }

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
