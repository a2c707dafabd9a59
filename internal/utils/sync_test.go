package utils

import (
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"
)

func TestOptionalMutexSerializes(t *testing.T) {
	mutex := OptionalMutex{UseMutex: true}
	counter := 0

	var wg conc.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Go(func() {
			for j := 0; j < 1000; j++ {
				mutex.Lock()
				counter++
				mutex.Unlock()
			}
		})
	}
	wg.Wait()

	require.Equal(t, 8000, counter)
}

func TestOptionalMutexDisabled(t *testing.T) {
	mutex := OptionalMutex{}
	mutex.Lock()
	// A second Lock would deadlock if the mutex were in use
	mutex.Lock()
	mutex.Unlock()
	mutex.Unlock()

	rw := OptionalRWMutex{}
	rw.Lock()
	rw.RLock()
	rw.RUnlock()
	rw.Unlock()
}
