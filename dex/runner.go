// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"context"
	"sync"
)

// Runner is satisfied by types that run a blocking loop until the context is
// canceled.
type Runner interface {
	Run(ctx context.Context)
}

// Connector is satisfied by types that start background goroutines on
// Connect and signal their completion through the returned WaitGroup.
type Connector interface {
	Connect(ctx context.Context) (*sync.WaitGroup, error)
}

// StartRunner runs the Runner in a goroutine tracked by wg.
func StartRunner(ctx context.Context, wg *sync.WaitGroup, r Runner) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Run(ctx)
	}()
}
