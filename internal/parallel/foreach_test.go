package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForEachVisitsEveryIndexOnce(t *testing.T) {
	for _, limit := range []int{0, 1, 4, 64} {
		seen := make([]int32, 100)
		ForEach(len(seen), limit, func(i int) {
			atomic.AddInt32(&seen[i], 1)
		})
		for i, n := range seen {
			assert.Equalf(t, int32(1), n, "limit=%d index=%d", limit, i)
		}
	}
}

func TestForEachBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	ForEach(50, 3, func(int) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		atomic.AddInt32(&inFlight, -1)
	})
	assert.LessOrEqual(t, peak, int32(3))
}

func TestForEachEmpty(t *testing.T) {
	called := false
	ForEach(0, 4, func(int) { called = true })
	assert.False(t, called)
}
