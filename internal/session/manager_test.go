package session

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	open atomic.Int32
}

func (r *countingRecorder) SessionOpened() { r.open.Add(1) }
func (r *countingRecorder) SessionClosed() { r.open.Add(-1) }

func TestManagerOpenAndClose(t *testing.T) {
	rec := &countingRecorder{}
	m := NewManager(echoDispatcher(), rec)

	s, err := m.Open(context.Background(), newChanSender(), Config{Remote: "127.0.0.1:1"})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, int32(1), rec.open.Load())

	got, ok := m.Get(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	s.Close()
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, int32(0), rec.open.Load())
	_, ok = m.Get(s.ID())
	assert.False(t, ok)
}

func TestManagerCloseAll(t *testing.T) {
	m := NewManager(echoDispatcher(), nil)

	var closed atomic.Int32
	for i := 0; i < 5; i++ {
		s, err := m.Open(context.Background(), newChanSender(), Config{})
		require.NoError(t, err)
		s.OnClose(func(*Session) error {
			closed.Add(1)
			return nil
		})
	}

	m.CloseAll()
	assert.Equal(t, int32(5), closed.Load(), "on_close runs for every session")
	assert.Equal(t, 0, m.Count())

	_, err := m.Open(context.Background(), newChanSender(), Config{})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManagerSessionIDsUnique(t *testing.T) {
	m := NewManager(echoDispatcher(), nil)
	defer m.CloseAll()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s, err := m.Open(context.Background(), newChanSender(), Config{})
		require.NoError(t, err)
		assert.False(t, seen[s.ID()])
		seen[s.ID()] = true
	}
}
