// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package wait provides queues that repeatedly check a condition until it
// is satisfied or a deadline passes.
package wait

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// TryDirective is a response that a Waiter's TryFunc can return to instruct
// the queue to continue trying or to quit.
type TryDirective bool

const (
	// TryAgain instructs the queue to check again after its delay.
	TryAgain TryDirective = false
	// DontTryAgain instructs the queue to stop tracking the Waiter.
	DontTryAgain TryDirective = true
)

// Waiter is checked periodically until TryFunc returns DontTryAgain or the
// Expiration passes, in which case ExpireFunc is run once.
type Waiter struct {
	Expiration time.Time
	TryFunc    func() TryDirective
	ExpireFunc func()
}

// TickerQueue checks all of its Waiters on a fixed interval.
type TickerQueue struct {
	mtx      sync.Mutex
	waiters  []*Waiter
	interval time.Duration
}

// NewTickerQueue is the constructor for a new TickerQueue.
func NewTickerQueue(recheckInterval time.Duration) *TickerQueue {
	return &TickerQueue{
		interval: recheckInterval,
		waiters:  make([]*Waiter, 0, 64),
	}
}

// Wait queues the Waiter. The TryFunc is run once immediately, and the
// Waiter is only queued if that first attempt says TryAgain. A Waiter with an
// Expiration in the past is expired immediately.
func (q *TickerQueue) Wait(w *Waiter) {
	if w.TryFunc() == DontTryAgain {
		return
	}
	if !time.Now().Before(w.Expiration) {
		w.ExpireFunc()
		return
	}
	q.mtx.Lock()
	q.waiters = append(q.waiters, w)
	q.mtx.Unlock()
}

// Len is the number of Waiters in the queue.
func (q *TickerQueue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.waiters)
}

func (q *TickerQueue) check(ctx context.Context) {
	q.mtx.Lock()
	waiters := q.waiters
	q.waiters = make([]*Waiter, 0, len(waiters))
	q.mtx.Unlock()

	now := time.Now()
	agains := make([]*Waiter, 0, len(waiters))
	for i, w := range waiters {
		if ctx.Err() != nil {
			agains = append(agains, waiters[i:]...)
			break
		}
		if w.TryFunc() == DontTryAgain {
			continue
		}
		if w.Expiration.Before(now) {
			w.ExpireFunc()
			continue
		}
		agains = append(agains, w)
	}

	q.mtx.Lock()
	q.waiters = append(agains, q.waiters...)
	q.mtx.Unlock()
}

// Run runs the primary wait loop until the context is canceled. Waiters
// still queued at shutdown are expired.
func (q *TickerQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.check(ctx)
		case <-ctx.Done():
			q.mtx.Lock()
			waiters := q.waiters
			q.waiters = nil
			q.mtx.Unlock()
			for _, w := range waiters {
				w.ExpireFunc()
			}
			return
		}
	}
}

// Attempts at the fastest interval before tapering begins, and the attempt
// count at which the slowest interval is reached.
const (
	fullSpeedTicks = 3
	fullyTapered   = 15
)

type taperingWaiter struct {
	*Waiter
	tick     int
	nextTick time.Time
}

// TaperingTickerQueue runs each Waiter on its own schedule. The first
// attempts are made at the fastest interval, after which the delay grows
// linearly to the slowest interval. Chain confirmation watchers use this so
// that a freshly published transaction is checked often while a stuck one is
// not polled hard.
type TaperingTickerQueue struct {
	fastest time.Duration
	slowest time.Duration
	queue   chan *taperingWaiter
}

// NewTaperingTickerQueue is a constructor for a TaperingTickerQueue.
func NewTaperingTickerQueue(fastestInterval, slowestInterval time.Duration) *TaperingTickerQueue {
	return &TaperingTickerQueue{
		fastest: fastestInterval,
		slowest: slowestInterval,
		queue:   make(chan *taperingWaiter, 16),
	}
}

// Wait queues the Waiter. The first attempt is made from the Run loop right
// away, so Wait does not block on TryFunc.
func (q *TaperingTickerQueue) Wait(w *Waiter) {
	q.queue <- &taperingWaiter{Waiter: w, nextTick: time.Now()}
}

// Run runs the wait loop until the context is canceled.
func (q *TaperingTickerQueue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	runWaiter := func(w *taperingWaiter) {
		defer wg.Done()
		if w.TryFunc() == DontTryAgain {
			return
		}
		now := time.Now()
		if w.Expiration.Before(now) {
			w.ExpireFunc()
			return
		}
		w.tick++
		w.nextTick = nextTick(w.tick, q.slowest, q.fastest, now, w.Expiration)
		select {
		case q.queue <- w:
		case <-ctx.Done():
			w.ExpireFunc()
		}
	}

	waiters := make([]*taperingWaiter, 0, 32)
	var timer *time.Timer
	for {
		var tick <-chan time.Time
		if len(waiters) > 0 {
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(time.Until(waiters[0].nextTick))
			tick = timer.C
		}

		select {
		case <-tick:
			w := waiters[0]
			waiters = waiters[1:]
			wg.Add(1)
			go runWaiter(w)

		case w := <-q.queue:
			if time.Until(w.nextTick) <= 0 {
				wg.Add(1)
				go runWaiter(w)
				continue
			}
			waiters = append(waiters, w)
			sort.Slice(waiters, func(i, j int) bool {
				return waiters[i].nextTick.Before(waiters[j].nextTick)
			})

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			for _, w := range waiters {
				w.ExpireFunc()
			}
			return
		}
	}
}

func nextTick(ticksPassed int, slowest, fastest time.Duration, now, expiration time.Time) time.Time {
	var next time.Time
	switch {
	case ticksPassed < fullSpeedTicks:
		next = now.Add(fastest)
	case ticksPassed < fullyTapered:
		prog := float64(ticksPassed+1-fullSpeedTicks) / (fullyTapered - fullSpeedTicks)
		taper := float64(slowest - fastest)
		next = now.Add(fastest + time.Duration(math.Round(prog*taper)))
	default:
		next = now.Add(slowest)
	}
	if next.After(expiration) {
		return expiration
	}
	return next
}
