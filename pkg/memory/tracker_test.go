package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker(t *testing.T) {
	t.Run("tracks current allocation", func(t *testing.T) {
		tr := NewTracker()
		tr.AllocateHeap(100)
		tr.AllocateHeap(50)
		assert.Equal(t, int64(150), tr.EstimatedHeap())

		tr.ReleaseHeap(120)
		assert.Equal(t, int64(30), tr.EstimatedHeap())
	})

	t.Run("high-water mark survives releases", func(t *testing.T) {
		tr := NewTracker()
		tr.AllocateHeap(200)
		tr.ReleaseHeap(200)
		tr.AllocateHeap(50)

		assert.Equal(t, int64(50), tr.EstimatedHeap())
		assert.Equal(t, int64(200), tr.HeapHighWaterMark())
	})

	t.Run("zero tracker reports zero", func(t *testing.T) {
		tr := NewTracker()
		assert.Equal(t, int64(0), tr.EstimatedHeap())
		assert.Equal(t, int64(0), tr.HeapHighWaterMark())
	})
}

func TestQueryTracker(t *testing.T) {
	t.Run("sequential scopes combine by maximum", func(t *testing.T) {
		q := NewQueryTracker()

		// First scope allocates and fully releases before the second starts.
		first := q.TrackerFor(NewTracker())
		first.AllocateHeap(300)
		first.ReleaseHeap(300)

		second := q.TrackerFor(NewTracker())
		second.AllocateHeap(100)

		assert.Equal(t, int64(300), q.HeapHighWaterMark())
	})

	t.Run("concurrent scopes combine by sum", func(t *testing.T) {
		q := NewQueryTracker()

		outer := q.TrackerFor(NewTracker())
		inner := q.TrackerFor(NewTracker())

		outer.AllocateHeap(100)
		inner.AllocateHeap(250)

		assert.Equal(t, int64(350), q.HeapHighWaterMark())
	})

	t.Run("scope keeps its own high-water mark", func(t *testing.T) {
		q := NewQueryTracker()
		scope := NewTracker()
		st := q.TrackerFor(scope)

		st.AllocateHeap(80)
		st.ReleaseHeap(30)

		assert.Equal(t, int64(80), st.HeapHighWaterMark())
		assert.Equal(t, int64(80), scope.HeapHighWaterMark())
		assert.Equal(t, int64(50), scope.EstimatedHeap())
	})

	t.Run("scoped releases lower the query total", func(t *testing.T) {
		q := NewQueryTracker()
		a := q.TrackerFor(NewTracker())
		b := q.TrackerFor(NewTracker())

		a.AllocateHeap(500)
		a.ReleaseHeap(500)
		b.AllocateHeap(200)

		// b never overlapped a, so the peak stays at a's 500.
		assert.Equal(t, int64(500), q.HeapHighWaterMark())
	})
}
