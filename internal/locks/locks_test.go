package locks

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsSameMutexForSameKey(t *testing.T) {
	tbl := NewTable()
	a := tbl.Get("model/a")
	b := tbl.Get("model/a")
	assert.Same(t, a, b)
}

func TestGetReturnsDistinctMutexForDistinctKeys(t *testing.T) {
	tbl := NewTable()
	a := tbl.Get("model/a")
	b := tbl.Get("model/b")
	assert.NotSame(t, a, b)
}

func TestGetIsSafeForConcurrentFirstObservation(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	mutexes := make([]*sync.Mutex, 100)
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			mutexes[i] = tbl.Get("shared")
		}()
	}
	wg.Wait()
	for i := 1; i < 100; i++ {
		assert.Same(t, mutexes[0], mutexes[i], "every concurrent Get for the same key must observe the same mutex")
	}
}
