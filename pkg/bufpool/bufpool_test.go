package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReturnsAtLeastRequestedCapacity(t *testing.T) {
	p := New([]int{4096, 65536, 1048576}, 4)
	buf := p.Acquire(50000)
	require.NotNil(t, buf)
	assert.GreaterOrEqual(t, len(buf.Bytes), 50000)
	p.Release(buf)
}

func TestReleasedBufferIsReused(t *testing.T) {
	p := New([]int{4096}, 4)
	buf := p.Acquire(100)
	p.Release(buf)

	_ = p.Acquire(100)
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
}

func TestExcessReleaseIsDropped(t *testing.T) {
	p := New([]int{4096}, 1)
	a := p.Acquire(10)
	b := p.Acquire(10)

	p.Release(a)
	p.Release(b)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Drops)
}

func TestOversizedRequestBypassesPool(t *testing.T) {
	p := New([]int{4096, 65536}, 4)
	buf := p.Acquire(1 << 20)
	assert.Equal(t, 1<<20, len(buf.Bytes))
	p.Release(buf) // no-op, not pooled

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
}
