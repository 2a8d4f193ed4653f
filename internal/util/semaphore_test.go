package util

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	sema := NewSemaphore(2)
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sema.Acquire()
			defer sema.Release()
			now := atomic.AddInt32(&active, 1)
			defer atomic.AddInt32(&active, -1)
			for {
				old := atomic.LoadInt32(&peak)
				if now <= old || atomic.CompareAndSwapInt32(&peak, old, now) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, int32(2))
}

func TestTryAcquire(t *testing.T) {
	sema := NewSemaphore(1)
	assert.True(t, sema.TryAcquire())
	assert.False(t, sema.TryAcquire())
	sema.Release()
	assert.True(t, sema.TryAcquire())
}

func TestReleaseWithoutAcquirePanics(t *testing.T) {
	sema := NewSemaphore(1)
	assert.Panics(t, func() { sema.Release() })
}

func TestSetBasics(t *testing.T) {
	set := SetFromStrings([]string{"a", "b", "a"})
	assert.Equal(t, 2, set.Len())
	assert.True(t, set.Includes("a"))
	set.Delete("a")
	assert.False(t, set.Includes("a"))

	copied := set.Copy()
	copied.Add("c")
	assert.False(t, set.Includes("c"))
	assert.ElementsMatch(t, []string{"b", "c"}, copied.UnsafeListOfStrings())
}
