package bridge

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telos-cog/telos/pkg/concept"
)

func TestDispatchPrefersInteractiveOverBatch(t *testing.T) {
	q := NewQueue(8, 100)
	_, err := q.Submit(concept.Task{CorrelationID: "b1", Priority: concept.PriorityBatch}, time.Time{})
	require.NoError(t, err)
	_, err = q.Submit(concept.Task{CorrelationID: "i1"}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, "i1", q.Dispatch().task.CorrelationID)
	assert.Equal(t, "b1", q.Dispatch().task.CorrelationID)
}

// TestDispatchRunsOneBatchTaskEveryK covers starvation avoidance: a
// batch task behind a steady interactive stream still runs within the
// first K dispatches.
func TestDispatchRunsOneBatchTaskEveryK(t *testing.T) {
	q := NewQueue(16, 3)
	_, err := q.Submit(concept.Task{CorrelationID: "b1", Priority: concept.PriorityBatch}, time.Time{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = q.Submit(concept.Task{CorrelationID: fmt.Sprintf("i%d", i)}, time.Time{})
		require.NoError(t, err)
	}

	var order []string
	for i := 0; i < 6; i++ {
		order = append(order, q.Dispatch().task.CorrelationID)
	}
	assert.Contains(t, order[:3], "b1")
}

func TestRequeuePlacesTaskAtFrontOfItsClass(t *testing.T) {
	q := NewQueue(8, 100)
	_, err := q.Submit(concept.Task{CorrelationID: "i1"}, time.Time{})
	require.NoError(t, err)
	_, err = q.Submit(concept.Task{CorrelationID: "i2"}, time.Time{})
	require.NoError(t, err)

	first := q.Dispatch()
	require.Equal(t, "i1", first.task.CorrelationID)

	q.Requeue(first)
	assert.Equal(t, "i1", q.Dispatch().task.CorrelationID)
	assert.Equal(t, 1, first.attempts)
}

func TestCloseUnblocksDispatch(t *testing.T) {
	q := NewQueue(4, 2)
	done := make(chan *queuedTask, 1)
	go func() { done <- q.Dispatch() }()

	q.Close()
	select {
	case qt := <-done:
		assert.Nil(t, qt)
	case <-time.After(time.Second):
		t.Fatal("Dispatch did not return after Close")
	}
}
