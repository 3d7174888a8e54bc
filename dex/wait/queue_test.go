package wait

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTickerQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewTickerQueue(time.Millisecond)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Run(ctx)
	}()

	// Passes right away. Never queued.
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Hour),
		TryFunc:    func() TryDirective { return DontTryAgain },
		ExpireFunc: func() { t.Errorf("immediate waiter expired") },
	})
	if q.Len() != 0 {
		t.Fatalf("immediately satisfied waiter was queued")
	}

	// Passes on the third try.
	var tries int32
	done := make(chan struct{})
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Hour),
		TryFunc: func() TryDirective {
			if atomic.AddInt32(&tries, 1) < 3 {
				return TryAgain
			}
			close(done)
			return DontTryAgain
		},
		ExpireFunc: func() { t.Errorf("third try waiter expired") },
	})

	// Expires.
	expired := make(chan struct{})
	q.Wait(&Waiter{
		Expiration: time.Now().Add(5 * time.Millisecond),
		TryFunc:    func() TryDirective { return TryAgain },
		ExpireFunc: func() { close(expired) },
	})

	for _, ch := range []chan struct{}{done, expired} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for waiter")
		}
	}

	// Remaining waiters are expired on shutdown.
	var shutdownExpired int32
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Hour),
		TryFunc:    func() TryDirective { return TryAgain },
		ExpireFunc: func() { atomic.StoreInt32(&shutdownExpired, 1) },
	})
	cancel()
	wg.Wait()
	if atomic.LoadInt32(&shutdownExpired) != 1 {
		t.Fatalf("waiter not expired on shutdown")
	}
}

func TestTaperingQueueOrder(t *testing.T) {
	q := NewTaperingTickerQueue(time.Millisecond, time.Millisecond*5)

	var waiterNumber int
	var resultMtx sync.Mutex
	var resultOrder []int
	var wg sync.WaitGroup
	addWaiter := func(numTryAgains int) {
		var numTries int
		num := waiterNumber
		waiterNumber++
		q.Wait(&Waiter{
			Expiration: time.Now().Add(time.Hour),
			TryFunc: func() TryDirective {
				numTries++
				if numTries > numTryAgains {
					resultMtx.Lock()
					resultOrder = append(resultOrder, num)
					resultMtx.Unlock()
					wg.Done()
					return DontTryAgain
				}
				return TryAgain
			},
			ExpireFunc: func() {},
		})
	}

	wg.Add(3)
	addWaiter(6)
	addWaiter(0)
	addWaiter(3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	go q.Run(ctx)

	wg.Wait()

	expOrder := []int{1, 2, 0}
	resultMtx.Lock()
	defer resultMtx.Unlock()
	for i := range expOrder {
		if resultOrder[i] != expOrder[i] {
			t.Fatalf("wrong result order expected %v, got %v", expOrder, resultOrder)
		}
	}
}

func TestNextTick(t *testing.T) {
	now := time.Now()
	fast, slow := time.Second, time.Second*13
	exp := now.Add(time.Hour)
	if d := nextTick(0, slow, fast, now, exp).Sub(now); d != fast {
		t.Fatalf("first tick not at full speed: %s", d)
	}
	if d := nextTick(fullyTapered, slow, fast, now, exp).Sub(now); d != slow {
		t.Fatalf("tapered tick not at slowest: %s", d)
	}
	mid := nextTick(fullSpeedTicks+2, slow, fast, now, exp).Sub(now)
	if mid <= fast || mid >= slow {
		t.Fatalf("tapering tick out of range: %s", mid)
	}
	soon := now.Add(time.Millisecond)
	if next := nextTick(0, slow, fast, now, soon); !next.Equal(soon) {
		t.Fatalf("tick not capped at expiration")
	}
}
