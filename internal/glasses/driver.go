package glasses

import (
	"context"
	"time"

	"github.com/chaz8081/glassbridge/internal/ble"
)

// write queues cmd on l and waits until it is written.
func write(ctx context.Context, l *ble.Link, cmd *ble.Command) error {
	if l == nil || l.State() != ble.StateReady {
		return ble.ErrNotReady
	}
	return await(ctx, l.Queue().Enqueue, cmd)
}

// await queues cmd with enqueue and blocks until it completes or ctx ends.
// A command abandoned by ctx stays queued.
func await(ctx context.Context, enqueue func(*ble.Command) error, cmd *ble.Command) error {
	done := make(chan error, 1)
	prev := cmd.OnComplete
	cmd.OnComplete = func(err error) {
		if prev != nil {
			prev(err)
		}
		done <- err
	}
	if err := enqueue(cmd); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// every runs fn after delay and then every interval until ctx ends.
func every(ctx context.Context, delay, interval time.Duration, fn func(ctx context.Context)) {
	t := time.NewTimer(delay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		fn(ctx)
		t.Reset(interval)
	}
}
