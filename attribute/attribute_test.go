package attribute

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetDeduplicatesExactTriples(t *testing.T) {
	s := NewSet(New("Topic", "Weather"), New("Topic", "Weather"))
	require.Equal(t, 1, s.Len())
}

func TestSetKeepsDistinctWeights(t *testing.T) {
	s := NewSet(NewWeighted("Topic", "Weather", 1), NewWeighted("Topic", "Weather", 2))
	require.Equal(t, 2, s.Len())
}

func TestWeightSum(t *testing.T) {
	s := NewSet(NewWeighted("Topic", "Weather", 3), NewWeighted("Topic", "News", 1))
	require.Equal(t, uint64(4), s.WeightSum())
}

func TestSortedOrdersByNameValueWeight(t *testing.T) {
	s := NewSet(New("B", "x"), New("A", "y"), New("A", "x"))
	sorted := s.Sorted()
	require.Equal(t, "A", sorted[0].Name)
	require.Equal(t, "x", sorted[0].Value)
	require.Equal(t, "A", sorted[1].Name)
	require.Equal(t, "y", sorted[1].Value)
	require.Equal(t, "B", sorted[2].Name)
}

func TestRemoveName(t *testing.T) {
	s := NewSet(New("Topic", "Weather"), New("Topic", "News"), New("Color", "Red"))
	s.RemoveName("Topic")
	require.Equal(t, 1, s.Len())
	require.Equal(t, "Color", s.All()[0].Name)
}

func TestEqualIgnoresOrder(t *testing.T) {
	a := NewSet(New("A", "1"), New("B", "2"))
	b := NewSet(New("B", "2"), New("A", "1"))
	require.True(t, Equal(a, b))
}
