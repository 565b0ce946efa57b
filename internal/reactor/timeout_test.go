package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutHeapOrdering(t *testing.T) {
	var h timeoutHeap
	base := time.Now()

	a := &IOEvent{deadline: base.Add(3 * time.Second), heapIndex: -1}
	b := &IOEvent{deadline: base.Add(1 * time.Second), heapIndex: -1}
	c := &IOEvent{deadline: base.Add(2 * time.Second), heapIndex: -1}

	h.push(a)
	h.push(b)
	h.push(c)

	assert.Equal(t, b, h[0])

	h.remove(b)
	assert.Equal(t, c, h[0])

	h.remove(a)
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, c, h[0])
}

func TestTimeoutHeapRemoveNotPresent(t *testing.T) {
	var h timeoutHeap
	ev := &IOEvent{heapIndex: -1}
	// removing an event never pushed must be a no-op, not a panic.
	h.remove(ev)
	assert.Equal(t, 0, h.Len())
}
