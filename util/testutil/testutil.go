package testutil

import (
	"errors"
	"sync"
	"testing"
	"time"
)

const DefaultParallelTimeout = 2 * time.Second

// RunParallel runs each func as a subtest concurrently and waits for all of them.
func RunParallel(t *testing.T, funcs ...func(*testing.T)) error {
	return RunParallelTimeout(t, DefaultParallelTimeout, funcs...)
}

func RunParallelTimeout(t *testing.T, timeout time.Duration, funcs ...func(*testing.T)) error {
	wg := &sync.WaitGroup{}
	wg.Add(len(funcs))

	for _, f := range funcs {
		fCopy := f
		go func() {
			t.Run("parallel", fCopy)
			wg.Done()
		}()
	}

	select {
	case <-wrapWait(wg):
		return nil
	case <-time.NewTimer(timeout).C:
		return errors.New("test parallel timeout")
	}
}

// Eventually polls cond until it returns true or timeout elapses.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)

	for {
		if cond() {
			return true
		}

		if time.Now().After(deadline) {
			return false
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func wrapWait(wg *sync.WaitGroup) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
