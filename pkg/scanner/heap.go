package scanner

// segmentHeap orders LogSegments by header sequence number, implementing
// spec.md §4.3's "ordered queue keyed by header.sequence" — "the queue
// ordering is the sole input ordering; segments need not be processed in
// filename order."
type segmentHeap []LogSegment

func (h segmentHeap) Len() int            { return len(h) }
func (h segmentHeap) Less(i, j int) bool  { return h[i].Header.Sequence < h[j].Header.Sequence }
func (h segmentHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *segmentHeap) Push(x interface{}) { *h = append(*h, x.(LogSegment)) }
func (h *segmentHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
