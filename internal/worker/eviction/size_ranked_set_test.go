package eviction

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSizeRankedSetPeekReturnsLargest(t *testing.T) {
	s := NewSizeRankedSet[string]()
	s.Insert("p1", 100)
	s.Insert("p2", 500)
	s.Insert("p3", 250)

	key, ok := s.Peek()
	require.True(t, ok)
	require.Equal(t, "p2", key)
}

func TestSizeRankedSetTouchReordersExistingKey(t *testing.T) {
	s := NewSizeRankedSet[string]()
	s.Insert("p1", 100)
	s.Insert("p2", 500)

	s.Touch("p1", 1000)

	key, ok := s.Peek()
	require.True(t, ok)
	require.Equal(t, "p1", key)
	require.Equal(t, 2, s.Len())
}

func TestSizeRankedSetRemove(t *testing.T) {
	s := NewSizeRankedSet[string]()
	s.Insert("p1", 100)
	s.Insert("p2", 500)

	s.Remove("p2")

	require.Equal(t, 1, s.Len())
	key, ok := s.Peek()
	require.True(t, ok)
	require.Equal(t, "p1", key)
}

func TestSizeRankedSetPeekEmpty(t *testing.T) {
	s := NewSizeRankedSet[string]()
	_, ok := s.Peek()
	require.False(t, ok)
}

func TestMetricsSetDelegates(t *testing.T) {
	s := NewMetricsSet[string](NewSizeRankedSet[string](), "test_pool")
	s.Insert("p1", 10)
	s.Insert("p2", 20)

	key, ok := s.Peek()
	require.True(t, ok)
	require.Equal(t, "p2", key)

	s.Remove("p2")
	require.Equal(t, 1, s.Len())
}
