package guard

import (
	"sync/atomic"

	"github.com/vkngwrapper/heapguard/internal/utils"
)

// trackerNode is either in use, holding metadata, or free, holding the index of the next free node.
// Index 0 is never handed out: its nextFree is the head of the free list, and 0 means "none".
type trackerNode struct {
	metadata *AllocationMetadata
	nextFree int32
}

// tracker is the fixed-capacity table of live allocations. The node array is allocated once, up
// front, so tracking and enumeration never allocate.
type tracker struct {
	mutex utils.OptionalMutex
	nodes []trackerNode
	inUse int

	dropped atomic.Int64
}

func newTracker(capacity int, useMutex bool) *tracker {
	t := &tracker{
		mutex: utils.OptionalMutex{UseMutex: useMutex},
		nodes: make([]trackerNode, capacity+1),
	}

	for i := 0; i < capacity; i++ {
		t.nodes[i].nextFree = int32(i + 1)
	}

	return t
}

func (t *tracker) capacity() int {
	return len(t.nodes) - 1
}

// track places metadata into a free node. It returns false, leaving the allocation untracked, when
// the table is full.
func (t *tracker) track(metadata *AllocationMetadata) bool {
	t.mutex.Lock()

	index := t.nodes[0].nextFree
	if index == 0 {
		t.mutex.Unlock()
		metadata.trackerNode = 0
		t.dropped.Add(1)
		return false
	}

	t.nodes[0].nextFree = t.nodes[index].nextFree
	t.nodes[index] = trackerNode{metadata: metadata}
	t.inUse++

	t.mutex.Unlock()

	metadata.trackerNode = index
	return true
}

// untrack returns metadata's node to the free list. Untracked metadata is ignored.
func (t *tracker) untrack(metadata *AllocationMetadata) {
	index := metadata.trackerNode
	if index == 0 {
		return
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if int(index) >= len(t.nodes) || t.nodes[index].metadata != metadata {
		panic("tracker node does not refer back to the metadata that claims it")
	}

	t.nodes[index] = trackerNode{nextFree: t.nodes[0].nextFree}
	t.nodes[0].nextFree = index
	t.inUse--
	metadata.trackerNode = 0
}

func (t *tracker) inUseCount() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.inUse
}

// visit calls fn with every tracked allocation while holding the table lock, stopping early if fn
// returns false. fn must not allocate or call back into the allocator.
func (t *tracker) visit(fn func(metadata *AllocationMetadata) bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for i := 1; i < len(t.nodes); i++ {
		if t.nodes[i].metadata != nil && !fn(t.nodes[i].metadata) {
			return
		}
	}
}

// AllocationIterator walks the tracked allocations one at a time, copying each header out under the
// table lock. It never allocates and can be restarted with Reset. Allocations made or released while
// iterating may or may not be seen.
type AllocationIterator struct {
	tracker *tracker
	index   int
}

// Next returns a copy of the next tracked allocation's metadata, or false once every node has been visited
func (it *AllocationIterator) Next() (AllocationMetadata, bool) {
	if it.tracker == nil {
		return AllocationMetadata{}, false
	}

	t := it.tracker
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for it.index++; it.index < len(t.nodes); it.index++ {
		if metadata := t.nodes[it.index].metadata; metadata != nil {
			return *metadata, true
		}
	}

	return AllocationMetadata{}, false
}

// Reset restarts the iteration from the first node
func (it *AllocationIterator) Reset() {
	it.index = 0
}
