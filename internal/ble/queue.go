package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Command is one outbound request: an ordered list of fragments written to a
// single characteristic.
type Command struct {
	Fragments [][]byte

	// Target overrides the link's write characteristic.
	Target Characteristic
	// Priority inserts the command ahead of every queued command that has
	// not started writing.
	Priority bool
	// Confirmed writes each fragment with response.
	Confirmed bool
	// Delay overrides the queue's pause after each fragment. Negative
	// disables it.
	Delay time.Duration

	OnProgress func(done, total int)
	OnComplete func(err error)

	lease *Lease

	// Cursor into Fragments. off is the byte offset into the current
	// fragment when coalescing split it.
	next     int
	off      int
	finished bool
}

func (c *Command) started() bool { return c.next > 0 || c.off > 0 }

// QueueOptions configures a Queue.
type QueueOptions struct {
	// Settle holds the first write back after the writer is set.
	Settle time.Duration
	// FragmentDelay pauses after every fragment written.
	FragmentDelay time.Duration
	// RepairTimeout reopens a paused queue when no resume signal arrives.
	RepairTimeout time.Duration
	// Coalesce packs consecutive fragments into writes of MTU-3 bytes.
	Coalesce bool
}

// DefaultQueueOptions returns the options used when none are configured.
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{RepairTimeout: time.Second}
}

// Queue serializes writes to one link. At most one write is in flight; a
// single drain goroutine runs while there is work and the link is writable.
// Safe for concurrent use.
type Queue struct {
	opts QueueOptions

	mu      sync.Mutex
	items   []*Command
	writer  Characteristic
	mtu     int
	readyAt time.Time
	paused  bool
	repair  *time.Timer
	lease   *Lease
	stalls  int

	running atomic.Bool
	wake    chan struct{}
}

// NewQueue creates an idle queue. It does not write until SetWriter is
// called.
func NewQueue(opts QueueOptions) *Queue {
	if opts.RepairTimeout <= 0 {
		opts.RepairTimeout = time.Second
	}
	return &Queue{opts: opts, wake: make(chan struct{}, 1)}
}

// Enqueue adds cmd to the queue. It fails with ErrQueueLeased while an
// update session holds the queue.
func (q *Queue) Enqueue(cmd *Command) error {
	q.mu.Lock()
	if q.lease != nil && cmd.lease != q.lease {
		q.mu.Unlock()
		return ErrQueueLeased
	}
	q.insertLocked(cmd)
	q.mu.Unlock()
	q.kick()
	return nil
}

func (q *Queue) insertLocked(cmd *Command) {
	if !cmd.Priority || len(q.items) == 0 {
		q.items = append(q.items, cmd)
		return
	}
	// Started commands keep their place so fragments never interleave. With
	// coalescing more than one command can be in flight at once.
	pos := 0
	for i, c := range q.items {
		if c.started() {
			pos = i + 1
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = cmd
}

// SetWriter makes the queue writable through w with the given MTU, or stops
// writing when w is nil. A non-nil writer starts the settle delay.
func (q *Queue) SetWriter(w Characteristic, mtu int) {
	q.mu.Lock()
	q.writer = w
	q.mtu = mtu
	if w != nil {
		q.readyAt = time.Now().Add(q.opts.Settle)
	}
	q.mu.Unlock()
	q.signal()
	q.kick()
}

// Pause closes flow control. Draining resumes on Resume or after the repair
// timeout.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	if q.repair != nil {
		q.repair.Stop()
	}
	q.repair = time.AfterFunc(q.opts.RepairTimeout, q.repairFired)
}

// Resume reopens flow control.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	if q.repair != nil {
		q.repair.Stop()
		q.repair = nil
	}
	q.mu.Unlock()
	q.kick()
}

func (q *Queue) repairFired() {
	q.mu.Lock()
	if !q.paused {
		q.mu.Unlock()
		return
	}
	q.paused = false
	q.repair = nil
	q.stalls++
	q.mu.Unlock()
	slog.Warn("[BLE] flow control resume not received, reopening queue", "error", ErrFlowControlStalled)
	q.kick()
}

// Paused reports whether flow control is closed.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Stalls returns how many times the repair timer reopened the queue.
func (q *Queue) Stalls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stalls
}

// Len returns the number of commands not yet completed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cancel fails every pending command with err (ErrCancelled when nil) and
// reopens flow control. The queue remains usable.
func (q *Queue) Cancel(err error) {
	if err == nil {
		err = ErrCancelled
	}
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.paused = false
	if q.repair != nil {
		q.repair.Stop()
		q.repair = nil
	}
	var done []func()
	for _, c := range items {
		done = append(done, q.finishLocked(c, err))
	}
	q.mu.Unlock()
	q.signal()
	for _, f := range done {
		f()
	}
}

// Lease grants exclusive use of the queue. Ordinary Enqueue calls fail
// until the lease is released.
func (q *Queue) Lease() (*Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lease != nil {
		return nil, ErrQueueLeased
	}
	l := &Lease{q: q}
	q.lease = l
	return l, nil
}

// Lease is exclusive access to a Queue.
type Lease struct {
	q *Queue
}

// Enqueue adds cmd under the lease.
func (l *Lease) Enqueue(cmd *Command) error {
	cmd.lease = l
	return l.q.Enqueue(cmd)
}

// Release returns the queue to ordinary traffic. Releasing twice is a no-op.
func (l *Lease) Release() {
	l.q.mu.Lock()
	if l.q.lease == l {
		l.q.lease = nil
	}
	l.q.mu.Unlock()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) kick() {
	if q.running.CompareAndSwap(false, true) {
		go q.drain()
	}
}

// batch is one write and the commands it advances.
type batch struct {
	target    Characteristic
	confirmed bool
	data      []byte
	delay     time.Duration
	cmds      []*Command
}

func (q *Queue) drain() {
	for {
		b, wait, ok := q.next()
		if !ok {
			q.running.Store(false)
			// Work may have arrived between next and the store.
			if q.hasWork() && q.running.CompareAndSwap(false, true) {
				continue
			}
			return
		}
		if wait > 0 {
			q.sleep(wait)
			continue
		}
		q.write(b)
	}
}

func (q *Queue) hasWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.writer != nil && !q.paused && len(q.items) > 0
}

func (q *Queue) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-q.wake:
	}
}

// next builds the next write. It returns a wait when the settle delay has
// not elapsed and ok=false when the queue cannot write.
func (q *Queue) next() (b batch, wait time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Commands without fragments complete immediately.
	for len(q.items) > 0 && len(q.items[0].Fragments) == 0 {
		c := q.items[0]
		q.items = q.items[1:]
		go q.finishLocked(c, nil)()
	}
	if q.writer == nil || q.paused || len(q.items) == 0 {
		return batch{}, 0, false
	}
	if d := time.Until(q.readyAt); d > 0 {
		return batch{}, d, true
	}

	head := q.items[0]
	b.target = head.Target
	if b.target == nil {
		b.target = q.writer
	}
	b.confirmed = head.Confirmed
	b.delay = q.opts.FragmentDelay
	if head.Delay != 0 {
		b.delay = max(head.Delay, 0)
	}

	if !q.opts.Coalesce {
		b.data = head.Fragments[head.next]
		head.next++
		b.cmds = []*Command{head}
		return b, 0, true
	}

	limit := q.mtu - 3
	if limit < 20 {
		limit = 20
	}
	for _, c := range q.items {
		if len(b.data) >= limit {
			break
		}
		if c.Target != head.Target || c.Confirmed != head.Confirmed || len(c.Fragments) == 0 {
			break
		}
		b.cmds = append(b.cmds, c)
		for c.next < len(c.Fragments) && len(b.data) < limit {
			frag := c.Fragments[c.next][c.off:]
			room := limit - len(b.data)
			if len(frag) <= room {
				b.data = append(b.data, frag...)
				c.next++
				c.off = 0
				continue
			}
			// The remainder stays at the head for the next write.
			b.data = append(b.data, frag[:room]...)
			c.off += room
		}
		if c.next < len(c.Fragments) {
			break
		}
	}
	return b, 0, true
}

func (q *Queue) write(b batch) {
	var err error
	if b.confirmed {
		err = b.target.WriteWithResponse(b.data)
	} else {
		err = b.target.Write(b.data)
	}

	var callbacks []func()
	q.mu.Lock()
	for _, c := range b.cmds {
		if c.finished {
			// Cancelled while the write was in flight.
			continue
		}
		if err != nil {
			q.removeLocked(c)
			callbacks = append(callbacks, q.finishLocked(c, fmt.Errorf("%w: %w", ErrWriteFailed, err)))
			continue
		}
		if c.OnProgress != nil {
			done, total := c.next, len(c.Fragments)
			cb := c.OnProgress
			callbacks = append(callbacks, func() { cb(done, total) })
		}
		if c.next == len(c.Fragments) && c.off == 0 {
			q.removeLocked(c)
			callbacks = append(callbacks, q.finishLocked(c, nil))
		}
	}
	q.mu.Unlock()

	if err != nil {
		slog.Warn("[BLE] write failed", "error", err, "bytes", len(b.data))
	}
	for _, f := range callbacks {
		f()
	}
	if b.delay > 0 {
		q.sleep(b.delay)
	}
}

func (q *Queue) removeLocked(c *Command) {
	for i, it := range q.items {
		if it == c {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// finishLocked marks c finished and returns its completion callback to be
// run without the lock held.
func (q *Queue) finishLocked(c *Command, err error) func() {
	if c.finished {
		return func() {}
	}
	c.finished = true
	cb := c.OnComplete
	if cb == nil {
		if err != nil && !errors.Is(err, ErrCancelled) {
			slog.Debug("[BLE] command failed", "error", err)
		}
		return func() {}
	}
	return func() { cb(err) }
}
