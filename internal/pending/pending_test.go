package pending

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDrainKeepsRetriesInOrder(t *testing.T) {
	var q Queue[int]
	for i := 1; i <= 5; i++ {
		q.Push(i)
	}

	var offered []int
	sent := q.Drain(func(v int) Result {
		offered = append(offered, v)
		switch {
		case v%2 == 0:
			return Retry
		case v == 5:
			return Discard
		}
		return Sent
	})

	assert.Equal(t, []int{1, 2, 3, 4, 5}, offered)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []int{2, 4}, q.Items())
	assert.Equal(t, 2, q.Len())
}

func TestDrainEmpty(t *testing.T) {
	var q Queue[Reply]
	called := false
	assert.Zero(t, q.Drain(func(Reply) Result { called = true; return Sent }))
	assert.False(t, called)
}

func TestRemoveFunc(t *testing.T) {
	var q Queue[Request]
	q.Push(Request{Resource: 1})
	q.Push(Request{Resource: 2})
	q.Push(Request{Resource: 1})

	n := q.RemoveFunc(func(r Request) bool { return r.Resource == 1 })
	assert.Equal(t, 2, n)
	items := q.Items()
	assert.Len(t, items, 1)
	assert.Equal(t, 2, int(items[0].Resource))
}

func TestItemsIsACopy(t *testing.T) {
	var q Queue[int]
	q.Push(1)
	items := q.Items()
	items[0] = 42
	assert.Equal(t, []int{1}, q.Items())
}
