package internal

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// A pool of size 1 is a serialisation point: work runs one piece at a time,
// in the order it was queued.
func TestWorkerPoolSerialisesAtSizeOne(t *testing.T) {
	wp := NewWorkerPool(1)
	wp.Start()
	defer wp.Stop()

	// No locking around got: the single worker is the only writer, and the
	// close of done orders the final append before the reads below.
	var got []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		wp.Queue(func() {
			got = append(got, i)
			if i == 9 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for queued work")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("work ran out of order: got %v", got)
		}
	}
}

func TestWorkerPoolHoldsWorkUntilStart(t *testing.T) {
	wp := NewWorkerPool(2)
	ran := make(chan int, 2)
	wp.Queue(func() { ran <- 1 })
	wp.Queue(func() { ran <- 2 })

	select {
	case v := <-ran:
		t.Fatalf("work %d ran before Start", v)
	case <-time.After(100 * time.Millisecond):
	}

	wp.Start()
	defer wp.Stop()
	sum := 0
	for sum != 3 {
		select {
		case v := <-ran:
			sum += v
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for work after Start")
		}
	}
}

// With n workers, n pieces of work run at the same time.
func TestWorkerPoolRunsConcurrently(t *testing.T) {
	wp := NewWorkerPool(2)
	wp.Start()
	defer wp.Stop()

	var barrier sync.WaitGroup
	barrier.Add(2)
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		wp.Queue(func() {
			// Each piece waits for the other, so this only completes if both
			// are running at once.
			barrier.Done()
			barrier.Wait()
			done <- struct{}{}
		})
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("two pieces of work never ran concurrently on a pool of 2")
		}
	}
}

// Stop lets already queued work finish; it only stops the workers from taking
// more afterwards.
func TestWorkerPoolStopDrainsQueue(t *testing.T) {
	wp := NewWorkerPool(1)
	wp.Start()

	var ran atomic.Int32
	release := make(chan struct{})
	wp.Queue(func() {
		<-release
		ran.Add(1)
	})
	wp.Queue(func() { ran.Add(1) })
	wp.Stop()
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for ran.Load() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("got %d pieces of work done after Stop, want 2", ran.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// One piece running plus one in the buffer is the limit: the next Queue call
// blocks until a worker frees up.
func TestWorkerPoolAppliesBackpressure(t *testing.T) {
	wp := NewWorkerPool(1)
	wp.Start()
	defer wp.Stop()

	release := make(chan struct{})
	wp.Queue(func() { <-release })
	wp.Queue(func() {})

	queued := make(chan struct{})
	go func() {
		wp.Queue(func() {})
		close(queued)
	}()
	select {
	case <-queued:
		t.Fatalf("third Queue returned while the pool was full")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-queued:
	case <-time.After(5 * time.Second):
		t.Fatalf("Queue still blocked after a worker freed up")
	}
}
