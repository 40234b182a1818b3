package bloomfilter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddedKeyChecksTrue(t *testing.T) {
	f, err := New(0.01, 100)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		f.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	for i := 0; i < 100; i++ {
		assert.True(t, f.Check([]byte(fmt.Sprintf("key-%d", i))))
	}
	assert.Equal(t, uint32(100), f.N())
}

func TestFalsePositiveRateAtCapacity(t *testing.T) {
	const capacity = 500
	f, err := New(0.01, capacity)
	require.NoError(t, err)

	for i := 0; i < capacity; i++ {
		f.Add([]byte(fmt.Sprintf("member-%d", i)))
	}

	const trials = 10000
	fp := 0
	for i := 0; i < trials; i++ {
		if f.Check([]byte(fmt.Sprintf("nonmember-%d", i))) {
			fp++
		}
	}
	// Statistical bound: with optimal (m, k) the expected rate is the
	// configured 1%; 3% would be a gross sizing bug, not bad luck.
	assert.Less(t, float64(fp)/trials, 0.03)
}

func TestBase64RoundTripIsIdentity(t *testing.T) {
	f, err := New(0.01, 200)
	require.NoError(t, err)
	f.Add([]byte("alpha"))
	f.Add([]byte("beta"))

	got, err := FromBase64(f.ToBase64())
	require.NoError(t, err)
	assert.Equal(t, f.ToBytes(), got.ToBytes())
	assert.True(t, got.Check([]byte("alpha")))
	assert.True(t, got.Check([]byte("beta")))
	assert.Equal(t, f.N(), got.N())
}

func TestCountingRemove(t *testing.T) {
	f, err := NewCounting(0.01, 100)
	require.NoError(t, err)

	f.Add([]byte("once"))
	f.Add([]byte("twice"))
	f.Add([]byte("twice"))

	require.NoError(t, f.Remove([]byte("once")))
	assert.False(t, f.Check([]byte("once")))

	require.NoError(t, f.Remove([]byte("twice")))
	assert.True(t, f.Check([]byte("twice")))
}

func TestRemoveOnNonCountingRejected(t *testing.T) {
	f, err := New(0.01, 100)
	require.NoError(t, err)
	assert.Error(t, f.Remove([]byte("x")))
}

func TestCountingWireRoundTrip(t *testing.T) {
	f, err := NewCounting(0.01, 50)
	require.NoError(t, err)
	f.Add([]byte("k"))

	got, err := FromBytes(f.ToBytes())
	require.NoError(t, err)
	assert.True(t, got.Counting())
	assert.True(t, got.Check([]byte("k")))
}

func TestFromBytesRejectsSizeMismatch(t *testing.T) {
	f, err := New(0.01, 100)
	require.NoError(t, err)

	wire := f.ToBytes()
	_, err = FromBytes(wire[:len(wire)-1])
	assert.Error(t, err)

	_, err = FromBytes(wire[:8])
	assert.Error(t, err)

	_, err = FromBase64("not base64!!!")
	assert.Error(t, err)
}
