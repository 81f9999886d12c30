package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/astromechza/automerge-relay/pkg/awareness"
	"github.com/astromechza/automerge-relay/pkg/callback"
	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/persistence"
)

// Initializer fills a room that has no stored history before its first connection is served.
type Initializer func(ctx context.Context, room string, doc *crdt.Doc) error

// Notifier is told about every effective update and about rooms being unloaded.
type Notifier interface {
	Touch(room string)
	FireNow(ctx context.Context, room string)
}

type Options struct {
	// Persistence is optional. Without it rooms live in memory only.
	Persistence     *persistence.Persistence
	Initializer     Initializer
	OutdatedTimeout time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// closingDoc is a document whose last connection has left and which is still flushing.
type closingDoc struct {
	doc  *Document
	done chan struct{}
}

// Registry owns every loaded document. At most one live document exists per room; a room that
// is reopened while its previous instance is still flushing waits for that flush before loading.
type Registry struct {
	persistence     *persistence.Persistence
	initializer     Initializer
	outdatedTimeout time.Duration
	now             func() time.Time
	log             *slog.Logger

	mu      sync.Mutex
	docs    map[string]*Document
	closing map[string]*closingDoc
	// wg counts documents from creation until they finish unloading.
	wg sync.WaitGroup

	// notifyMu is separate from mu because documents consult the notifier while holding their
	// own lock, and mu is always taken before a document lock.
	notifyMu sync.Mutex
	notify   Notifier
}

func NewRegistry(opts Options) *Registry {
	if opts.OutdatedTimeout <= 0 {
		opts.OutdatedTimeout = awareness.DefaultOutdatedTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		persistence:     opts.Persistence,
		initializer:     opts.Initializer,
		outdatedTimeout: opts.OutdatedTimeout,
		now:             opts.Now,
		log:             opts.Logger,
		docs:            make(map[string]*Document),
		closing:         make(map[string]*closingDoc),
	}
}

// SetNotifier installs the callback notifier. It must be called before serving.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.notify = n
}

func (r *Registry) notifier() Notifier {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	return r.notify
}

// Acquire returns the document for room with p registered on it, creating and loading the
// document when this is the first connection. Callers wait on Ready before sending to it.
func (r *Registry) Acquire(ctx context.Context, room string, p Peer) *Document {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.docs[room]
	if !ok {
		d = newDocument(room, r)
		r.docs[room] = d
		r.wg.Add(1)
		documentsGauge.Inc()

		var previous chan struct{}
		if c, ok := r.closing[room]; ok {
			previous = c.done
		}
		go d.load(context.WithoutCancel(ctx), previous)
	}

	d.mu.Lock()
	d.addConnLocked(p)
	d.mu.Unlock()
	return d
}

// Release unregisters p from d, retracting its awareness states. When p was the last connection
// the document is unloaded before Release returns.
func (r *Registry) Release(ctx context.Context, d *Document, p Peer) {
	r.mu.Lock()
	d.mu.Lock()
	envs, last := d.removeConnLocked(p)
	deliver(envs)
	d.mu.Unlock()

	var c *closingDoc
	if last && r.docs[d.name] == d {
		delete(r.docs, d.name)
		documentsGauge.Dec()
		c = &closingDoc{doc: d, done: make(chan struct{})}
		r.closing[d.name] = c
	}
	r.mu.Unlock()

	if c == nil {
		return
	}
	defer r.wg.Done()
	d.destroy(context.WithoutCancel(ctx))

	r.mu.Lock()
	if r.closing[d.name] == c {
		delete(r.closing, d.name)
	}
	r.mu.Unlock()
	close(c.done)
}

// Get returns the live document for room.
func (r *Registry) Get(room string) (*Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[room]
	return d, ok
}

// Rooms returns the names of the live documents, sorted.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.docs))
	for name := range r.docs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Snapshot looks a room up at call time, including a room that is being unloaded, and reports
// its content. It is a callback.Lookup.
func (r *Registry) Snapshot(room string) (callback.Snapshot, bool) {
	r.mu.Lock()
	d, ok := r.docs[room]
	if !ok {
		if c, closing := r.closing[room]; closing {
			d, ok = c.doc, true
		}
	}
	r.mu.Unlock()
	if !ok {
		return callback.Snapshot{}, false
	}
	return d.Snapshot()
}

func (r *Registry) documents() []*Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Document, 0, len(r.docs))
	for _, d := range r.docs {
		out = append(out, d)
	}
	return out
}

// ExpireAwareness sweeps every loaded document once.
func (r *Registry) ExpireAwareness() {
	for _, d := range r.documents() {
		d.expireAwareness(r.outdatedTimeout)
	}
}

// Run sweeps outdated awareness states until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.outdatedTimeout / 10)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.ExpireAwareness()
		case <-ctx.Done():
			return
		}
	}
}

// CloseAll closes every registered connection. Documents unload as their connections release.
func (r *Registry) CloseAll() {
	for _, d := range r.documents() {
		d.mu.Lock()
		peers := make([]Peer, 0, len(d.conns))
		for p := range d.conns {
			peers = append(peers, p)
		}
		d.mu.Unlock()
		for _, p := range peers {
			p.Close()
		}
	}
}

// Wait blocks until every document has unloaded, or ctx is done. Call it after CloseAll once no
// new connections are accepted.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
