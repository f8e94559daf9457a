package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateReleaseRoundTrip(t *testing.T) {
	b := New(16)

	i1, ok := b.Allocate()
	require.True(t, ok)
	require.Equal(t, 0, i1)

	i2, ok := b.Allocate()
	require.True(t, ok)
	require.Equal(t, 1, i2)

	require.True(t, b.Test(i1))
	b.Release(i1)
	require.False(t, b.Test(i1))

	i3, ok := b.Allocate()
	require.True(t, ok)
	require.Equal(t, i1, i3, "released bit should be reused before advancing")
}

func TestAllocateExhaustion(t *testing.T) {
	b := New(4)
	for i := 0; i < 4; i++ {
		_, ok := b.Allocate()
		require.True(t, ok)
	}
	_, ok := b.Allocate()
	require.False(t, ok, "allocate past capacity must fail rather than panic")
}

func TestDoubleReleasePanics(t *testing.T) {
	b := New(4)
	i, _ := b.Allocate()
	b.Release(i)
	require.Panics(t, func() { b.Release(i) })
}

func TestBytesRoundTrip(t *testing.T) {
	b := New(20)
	b.SetRange(0, 5)
	raw := b.Bytes()

	b2, err := FromBytes(20, raw)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.True(t, b2.Test(i))
	}
	for i := 5; i < 20; i++ {
		require.False(t, b2.Test(i))
	}
}

func TestFreeCount(t *testing.T) {
	b := New(10)
	require.Equal(t, 10, b.FreeCount())
	b.Allocate()
	require.Equal(t, 9, b.FreeCount())
}
