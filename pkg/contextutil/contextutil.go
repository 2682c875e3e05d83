// Package contextutil holds the context plumbing shared by the replay engine
// and the browser layer.
package contextutil

import (
	"context"
	"time"
)

// CombineContext returns a context derived from primary that is also cancelled
// when secondary is done. Values come from primary only; chromedp keeps its
// target handle there while the caller's deadline lives in secondary.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// valueOnlyContext keeps the values of its parent and drops its deadline and
// cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }

func (valueOnlyContext) Done() <-chan struct{} { return nil }

func (valueOnlyContext) Err() error { return nil }

// Detach returns a context carrying the values of ctx that is never cancelled
// by it. An action started under a detached context runs to completion even
// if the run is cancelled meanwhile.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}

// Sleep waits for d or until ctx is done, whichever comes first. A
// non-positive duration returns immediately without consulting ctx.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Seconds converts a recorded float number of seconds to a duration.
func Seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
