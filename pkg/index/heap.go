package index

// candidateHeap is a min-heap of candidates ordered by ascending
// distance, used as the exploration frontier during searchLayer.
type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// farthestHeap is a max-heap of candidates ordered by descending
// distance, used as the bounded result set during searchLayer: its
// root is always the worst (farthest) of the current top-ef.
type farthestHeap []candidate

func (h farthestHeap) Len() int            { return len(h) }
func (h farthestHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h farthestHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *farthestHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *farthestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
