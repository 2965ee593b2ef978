package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinQueue(t *testing.T) {
	pq := NewMin(4)
	for i, d := range []float32{5, 1, 4, 2, 3} {
		pq.Push(Item{Node: uint32(i), Distance: d})
	}
	top, ok := pq.Top()
	assert.True(t, ok)
	assert.Equal(t, float32(1), top.Distance)

	var got []float32
	for pq.Len() > 0 {
		it, _ := pq.Pop()
		got = append(got, it.Distance)
	}
	assert.Equal(t, []float32{1, 2, 3, 4, 5}, got)

	_, ok = pq.Pop()
	assert.False(t, ok)
}

func TestMaxQueue(t *testing.T) {
	pq := NewMax(0)
	pq.Push(Item{Node: 1, Distance: 1})
	pq.Push(Item{Node: 2, Distance: 9})
	pq.Push(Item{Node: 3, Distance: 4})

	it, _ := pq.Pop()
	assert.Equal(t, uint32(2), it.Node)

	pq.Reset()
	assert.Equal(t, 0, pq.Len())
	_, ok := pq.Top()
	assert.False(t, ok)
}
