package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolAllocFreeRoundTrip(t *testing.T) {
	p := NewPool(KindRX, 4, 64)
	require.Equal(t, 4, p.NumFree())

	b := p.Alloc(NoWait, 4, 2)
	require.NotNil(t, b)
	require.Equal(t, 3, p.NumFree())
	require.Equal(t, AuthFailure, b.RX.Auth)
	require.Equal(t, 58, b.Cap())

	b.Free()
	require.Equal(t, 4, p.NumFree())
}

func TestPoolExhaustionIsNonFatal(t *testing.T) {
	p := NewPool(KindTX, 1, 16)
	a := p.Alloc(NoWait, 0, 0)
	require.NotNil(t, a)

	b := p.Alloc(NoWait, 0, 0)
	require.Nil(t, b, "pool exhaustion must return nil, not block or panic")

	a.Free()
	c := p.Alloc(NoWait, 0, 0)
	require.NotNil(t, c)
}

func TestPoolAllocTimeout(t *testing.T) {
	p := NewPool(KindScratch, 1, 8)
	a := p.Alloc(Forever, 0, 0)
	require.NotNil(t, a)

	start := time.Now()
	b := p.Alloc(20*time.Millisecond, 0, 0)
	require.Nil(t, b)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRefcountClone(t *testing.T) {
	p := NewPool(KindRX, 2, 32)
	b := p.Alloc(NoWait, 0, 0)
	require.Equal(t, 1, p.NumFree())

	shared := b.Clone()
	require.Same(t, b, shared)

	b.Free()
	require.Equal(t, 1, p.NumFree(), "clone keeps buffer alive after one Free")

	shared.Free()
	require.Equal(t, 2, p.NumFree())
}

func TestFreeBelowZeroPanics(t *testing.T) {
	p := NewPool(KindTX, 1, 8)
	b := p.Alloc(NoWait, 0, 0)
	b.Free()
	require.Panics(t, func() { b.Free() })
}

func TestHeaderFooterReservation(t *testing.T) {
	p := NewPool(KindTX, 1, 20)
	b := p.Alloc(NoWait, 5, 3)
	require.Equal(t, 12, b.Cap())

	ok := b.Append([]byte("hello world!"))
	require.True(t, ok)
	require.Equal(t, 0, b.Cap())

	// one more byte should not fit within the footer reservation
	require.False(t, b.Append([]byte("x")))

	hdr := b.PrependHeader(5)
	require.Len(t, hdr, 5)
	copy(hdr, "HDRHD")
	require.Equal(t, "HDRHDhello world!", string(b.Bytes()))
}

func TestTruncateAndRestore(t *testing.T) {
	p := NewPool(KindRX, 1, 32)
	b := p.Alloc(NoWait, 0, 0)
	require.True(t, b.Append([]byte("abcdefgh")))

	snapshot := b.RawHeader(b.Len())
	b.Truncate(3)
	require.Equal(t, "abc", string(b.Bytes()))

	b.RestoreFrom(snapshot)
	require.Equal(t, "abcdefgh", string(b.Bytes()))
}
