package jobmanager

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ChuLiYu/middlewared/internal/job"
	"github.com/ChuLiYu/middlewared/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHistoryJob(i int) *job.Job {
	return job.New(fmt.Sprintf("test.job%d", i), nil, nil, job.Options{})
}

func TestNewHistory(t *testing.T) {
	assert.Equal(t, DefaultHistorySize, NewHistory(0).Capacity())
	assert.Equal(t, DefaultHistorySize, NewHistory(-5).Capacity())
	assert.Equal(t, 3, NewHistory(3).Capacity())
	assert.Equal(t, 0, NewHistory(3).Len())
}

func TestHistoryAssignsIncreasingIDs(t *testing.T) {
	h := NewHistory(10)

	for want := int64(1); want <= 5; want++ {
		j := newHistoryJob(int(want))
		id, err := h.Add(j)
		require.NoError(t, err)
		assert.Equal(t, want, id)
		assert.Equal(t, want, j.ID())
	}
}

func TestHistoryRejectsRecordedJob(t *testing.T) {
	h := NewHistory(10)
	j := newHistoryJob(1)
	_, err := h.Add(j)
	require.NoError(t, err)

	_, err = h.Add(j)
	assert.ErrorIs(t, err, job.ErrIDAssigned)
	assert.Equal(t, 1, h.Len())
}

func TestHistoryEviction(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		inserts  int
		wantLen  int
		firstID  int64
	}{
		{"Below capacity", 5, 3, 3, 1},
		{"Exactly capacity", 5, 5, 5, 1},
		{"One over capacity", 5, 6, 5, 2},
		{"Far over capacity", 5, 23, 5, 19},
		{"Capacity one", 1, 4, 1, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHistory(tt.capacity)
			for i := 0; i < tt.inserts; i++ {
				_, err := h.Add(newHistoryJob(i))
				require.NoError(t, err)
				assert.LessOrEqual(t, h.Len(), tt.capacity, "size never exceeds capacity")
			}

			assert.Equal(t, tt.wantLen, h.Len())
			all := h.All()
			require.Len(t, all, tt.wantLen)
			assert.Equal(t, tt.firstID, all[0].ID())
			assert.Equal(t, int64(tt.inserts), all[len(all)-1].ID())

			if tt.firstID > 1 {
				_, ok := h.Get(tt.firstID - 1)
				assert.False(t, ok, "evicted job should not be retrievable")
			}
		})
	}
}

// TestHistoryThousandAndOne covers the default capacity: after 1001 jobs,
// ids 2..1001 remain.
func TestHistoryThousandAndOne(t *testing.T) {
	h := NewHistory(DefaultHistorySize)
	for i := 0; i < 1001; i++ {
		_, err := h.Add(newHistoryJob(i))
		require.NoError(t, err)
	}

	assert.Equal(t, 1000, h.Len())
	_, ok := h.Get(1)
	assert.False(t, ok)
	for id := int64(2); id <= 1001; id++ {
		_, ok := h.Get(id)
		require.True(t, ok, "job %d should be retrievable", id)
	}
}

func TestHistoryReadsDoNotEvict(t *testing.T) {
	h := NewHistory(2)
	for i := 0; i < 2; i++ {
		_, _ = h.Add(newHistoryJob(i))
	}
	for i := 0; i < 10; i++ {
		_ = h.All()
		_, _ = h.Get(1)
	}
	assert.Equal(t, 2, h.Len())
	_, ok := h.Get(1)
	assert.True(t, ok)
}

func TestHistorySnapshotsAndCounts(t *testing.T) {
	h := NewHistory(10)
	waiting := newHistoryJob(1)
	running := newHistoryJob(2)
	_, _ = h.Add(waiting)
	_, _ = h.Add(running)
	require.NoError(t, running.Transition(types.StateRunning))

	snaps := h.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(1), snaps[0].ID)
	assert.Equal(t, types.StateWaiting, snaps[0].State)
	assert.Equal(t, types.StateRunning, snaps[1].State)

	counts := h.CountByState()
	assert.Equal(t, 1, counts[types.StateWaiting])
	assert.Equal(t, 1, counts[types.StateRunning])
	assert.Equal(t, 0, counts[types.StateSuccess])
	assert.Equal(t, 0, counts[types.StateFailed])
}

func TestHistoryConcurrentAdd(t *testing.T) {
	h := NewHistory(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := h.Add(newHistoryJob(g*100 + i))
				assert.NoError(t, err)
				_ = h.Snapshots()
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 50, h.Len())
	all := h.All()
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID(), all[i].ID(), "insertion order matches id order")
	}
	assert.Equal(t, int64(200), all[len(all)-1].ID())
}
