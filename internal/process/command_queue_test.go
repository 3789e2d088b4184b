package process

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewCommandQueue(t *testing.T) {
	cq := NewCommandQueue()
	if cq == nil {
		t.Fatal("expected non-nil CommandQueue")
	}
	if cq.lanes == nil {
		t.Fatal("expected lanes map to be initialized")
	}
}

func TestEnqueue_BasicExecution(t *testing.T) {
	cq := NewCommandQueue()

	result, err := Enqueue(cq, func(ctx context.Context) (int, error) {
		return 42, nil
	}, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %d", result)
	}
}

func TestEnqueue_ReturnsError(t *testing.T) {
	cq := NewCommandQueue()

	_, err := Enqueue(cq, func(ctx context.Context) (int, error) {
		return 0, context.DeadlineExceeded
	}, nil)

	if err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded error, got %v", err)
	}
}

func TestLaneIsolation_TasksInDifferentLanesDontBlock(t *testing.T) {
	cq := NewCommandQueue()
	const laneOther CommandLane = "other"

	mainStarted := make(chan struct{})
	mainCanFinish := make(chan struct{})
	otherFinished := make(chan struct{})

	go func() {
		_, _ = EnqueueInLane(cq, LaneMain, func(ctx context.Context) (int, error) {
			close(mainStarted)
			<-mainCanFinish
			return 1, nil
		}, nil)
	}()

	<-mainStarted

	go func() {
		_, _ = EnqueueInLane(cq, laneOther, func(ctx context.Context) (int, error) {
			return 2, nil
		}, nil)
		close(otherFinished)
	}()

	select {
	case <-otherFinished:
	case <-time.After(500 * time.Millisecond):
		t.Error("other lane blocked by main task - lane isolation failed")
	}

	close(mainCanFinish)
}

func TestLane_SerializesWithinItself(t *testing.T) {
	cq := NewCommandQueue()

	var activeCount int32
	var maxObserved int32
	var mu sync.Mutex

	taskCount := 10
	var wg sync.WaitGroup

	for i := 0; i < taskCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = EnqueueInLane(cq, LaneMain, func(ctx context.Context) (int, error) {
				current := atomic.AddInt32(&activeCount, 1)

				mu.Lock()
				if current > maxObserved {
					maxObserved = current
				}
				mu.Unlock()

				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&activeCount, -1)
				return 0, nil
			}, nil)
		}()
	}

	wg.Wait()

	if maxObserved > 1 {
		t.Errorf("lane is supposed to be a mutex: max observed %d, expected <= 1", maxObserved)
	}
}

func TestWaitTimeWarning_Callback(t *testing.T) {
	cq := NewCommandQueue()

	blockingStarted := make(chan struct{})
	blockingCanFinish := make(chan struct{})
	warningCalled := make(chan struct{})

	go func() {
		_, _ = EnqueueInLane(cq, LaneMain, func(ctx context.Context) (int, error) {
			close(blockingStarted)
			<-blockingCanFinish
			return 1, nil
		}, nil)
	}()

	<-blockingStarted

	go func() {
		_, _ = EnqueueInLane(cq, LaneMain, func(ctx context.Context) (int, error) {
			return 2, nil
		}, &EnqueueOptions{
			WarnAfterMs: 50,
			OnWait: func(waitMs int, queuedAhead int) {
				close(warningCalled)
			},
		})
	}()

	time.Sleep(100 * time.Millisecond)
	close(blockingCanFinish)

	select {
	case <-warningCalled:
	case <-time.After(500 * time.Millisecond):
		t.Error("OnWait callback was not called")
	}
}

func TestFIFO_OrderingWithinLane(t *testing.T) {
	cq := NewCommandQueue()

	var executionOrder []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	taskCount := 5
	allEnqueued := make(chan struct{})

	for i := 0; i < taskCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			time.Sleep(time.Duration(idx) * 10 * time.Millisecond)

			_, _ = EnqueueInLane(cq, LaneMain, func(ctx context.Context) (int, error) {
				<-allEnqueued
				mu.Lock()
				executionOrder = append(executionOrder, idx)
				mu.Unlock()
				return idx, nil
			}, nil)
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(allEnqueued)

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	if len(executionOrder) != taskCount {
		t.Fatalf("expected %d tasks executed, got %d", taskCount, len(executionOrder))
	}
	for i := 0; i < taskCount; i++ {
		if executionOrder[i] != i {
			t.Errorf("FIFO order violated: position %d has task %d, expected %d", i, executionOrder[i], i)
		}
	}
}

func TestQueueDepth(t *testing.T) {
	cq := NewCommandQueue()

	if depth := cq.QueueDepth(LaneMain); depth != 0 {
		t.Errorf("expected initial depth 0, got %d", depth)
	}

	blockingStarted := make(chan struct{})
	blockingCanFinish := make(chan struct{})

	go func() {
		_, _ = EnqueueInLane(cq, LaneMain, func(ctx context.Context) (int, error) {
			close(blockingStarted)
			<-blockingCanFinish
			return 1, nil
		}, nil)
	}()

	<-blockingStarted

	for i := 0; i < 3; i++ {
		go func() {
			_, _ = EnqueueInLane(cq, LaneMain, func(ctx context.Context) (int, error) {
				return 0, nil
			}, nil)
		}()
	}

	time.Sleep(50 * time.Millisecond)

	if depth := cq.QueueDepth(LaneMain); depth != 3 {
		t.Errorf("expected depth 3 (queued, not counting the active task), got %d", depth)
	}

	close(blockingCanFinish)
}

func TestEmptyLane_DefaultsToMain(t *testing.T) {
	cq := NewCommandQueue()

	result, err := EnqueueInLane(cq, "", func(ctx context.Context) (string, error) {
		return "test", nil
	}, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "test" {
		t.Errorf("expected 'test', got %q", result)
	}
}

func TestContextCancellation(t *testing.T) {
	cq := NewCommandQueue()

	blockingStarted := make(chan struct{})
	blockingCanFinish := make(chan struct{})

	go func() {
		_, _ = EnqueueInLane(cq, LaneMain, func(ctx context.Context) (int, error) {
			close(blockingStarted)
			<-blockingCanFinish
			return 1, nil
		}, nil)
	}()

	<-blockingStarted

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		_, err := EnqueueInLane(cq, LaneMain, func(ctx context.Context) (int, error) {
			return 0, nil
		}, &EnqueueOptions{Context: ctx})
		errChan <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("expected context cancellation to return error")
	}

	close(blockingCanFinish)
}

func TestNilResult(t *testing.T) {
	cq := NewCommandQueue()

	result, err := EnqueueInLane(cq, LaneMain, func(ctx context.Context) (*string, error) {
		return nil, nil
	}, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result, got %v", result)
	}
}

func TestEnqueue_StructResult(t *testing.T) {
	type Response struct {
		ID   int
		Name string
	}

	cq := NewCommandQueue()

	result, err := Enqueue(cq, func(ctx context.Context) (Response, error) {
		return Response{ID: 123, Name: "test"}, nil
	}, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ID != 123 || result.Name != "test" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestDefaultWarnAfterMs(t *testing.T) {
	if DefaultWarnAfterMs != 2000 {
		t.Errorf("expected DefaultWarnAfterMs to be 2000, got %d", DefaultWarnAfterMs)
	}
}
