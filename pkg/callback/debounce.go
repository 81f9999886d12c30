// Package callback notifies an external service that a room changed, at most once per debounce
// window per room no matter how many updates arrive.
package callback

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	DefaultWait    = 2 * time.Second
	DefaultMaxWait = 10 * time.Second
)

// NotifyFunc is called for a room once its debounce window closes.
type NotifyFunc func(ctx context.Context, room string)

type entry struct {
	scheduledAt time.Time
	fireAt      time.Time
	maxFireAt   time.Time
}

func (e entry) due(now time.Time) bool {
	return !now.Before(e.fireAt) || !now.Before(e.maxFireAt)
}

// Debouncer keeps one timer entry per room. Every Touch pushes fireAt back by wait; maxFireAt is
// fixed when the entry is created so continuous churn still fires after maxWait.
type Debouncer struct {
	wait    time.Duration
	maxWait time.Duration
	now     func() time.Time
	notify  NotifyFunc

	mu      sync.Mutex
	entries map[string]entry
	wake    chan struct{}
}

func NewDebouncer(wait, maxWait time.Duration, now func() time.Time, notify NotifyFunc) *Debouncer {
	if wait <= 0 {
		wait = DefaultWait
	}
	if maxWait < wait {
		maxWait = wait
	}
	if now == nil {
		now = time.Now
	}
	return &Debouncer{
		wait:    wait,
		maxWait: maxWait,
		now:     now,
		notify:  notify,
		entries: make(map[string]entry),
		wake:    make(chan struct{}, 1),
	}
}

// Touch records an update for room.
func (d *Debouncer) Touch(room string) {
	now := d.now()
	d.mu.Lock()
	e, ok := d.entries[room]
	if !ok {
		e = entry{scheduledAt: now, maxFireAt: now.Add(d.maxWait)}
	}
	e.fireAt = now.Add(d.wait)
	d.entries[room] = e
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending reports whether room has an unfired entry.
func (d *Debouncer) Pending(room string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[room]
	return ok
}

// Due removes and returns every room whose window has closed at now, sorted.
func (d *Debouncer) Due(now time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var rooms []string
	for room, e := range d.entries {
		if e.due(now) {
			rooms = append(rooms, room)
			delete(d.entries, room)
		}
	}
	sort.Strings(rooms)
	return rooms
}

// next returns the earliest moment any entry becomes due.
func (d *Debouncer) next() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var (
		earliest time.Time
		found    bool
	)
	for _, e := range d.entries {
		at := e.fireAt
		if e.maxFireAt.Before(at) {
			at = e.maxFireAt
		}
		if !found || at.Before(earliest) {
			earliest, found = at, true
		}
	}
	return earliest, found
}

// FireNow notifies immediately if room has a pending entry. Used when a room is evicted so its
// last changes are not reported against a document that no longer exists.
func (d *Debouncer) FireNow(ctx context.Context, room string) {
	d.mu.Lock()
	_, ok := d.entries[room]
	delete(d.entries, room)
	d.mu.Unlock()
	if ok {
		d.notify(ctx, room)
	}
}

// Fire notifies every room due at the current time.
func (d *Debouncer) Fire(ctx context.Context) int {
	rooms := d.Due(d.now())
	for _, room := range rooms {
		d.notify(ctx, room)
	}
	return len(rooms)
}

// Run fires due rooms until ctx is done. Each room is notified on its own goroutine so one slow
// receiver does not hold back the others. Run returns once in-flight notifications finish.
func (d *Debouncer) Run(ctx context.Context) {
	var inflight sync.WaitGroup
	defer inflight.Wait()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		for _, room := range d.Due(d.now()) {
			inflight.Add(1)
			go func(room string) {
				defer inflight.Done()
				d.notify(ctx, room)
			}(room)
		}
		wait := time.Hour
		if at, ok := d.next(); ok {
			wait = at.Sub(d.now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			slog.Debug("stopping callback debouncer")
			return
		case <-d.wake:
		case <-timer.C:
		}
	}
}
